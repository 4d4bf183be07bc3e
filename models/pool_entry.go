package models

import (
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PoolEntry is an admitted operation together with the simulation it was
// admitted with. Entries handed out by the pool are copies.
type PoolEntry struct {
	Op         *UserOperation
	Hash       common.Hash
	Simulation *SimulationResult
	ArrivedAt  time.Time
	// Seq orders entries by arrival within the pool.
	Seq uint64
	// Fee is the effective priority fee against the last known base fee.
	Fee *big.Int
	// Stale forces a re-simulation regardless of the marker.
	Stale bool
}

func (e *PoolEntry) ID() OperationID {
	return e.Op.ID()
}

// Entities returns the operation entities plus the aggregator discovered
// during simulation.
func (e *PoolEntry) Entities() []Entity {
	entities := e.Op.Entities()
	if e.Simulation == nil || e.Simulation.Aggregator == nil {
		return entities
	}
	for _, ent := range entities {
		if ent.Type == EntityAggregator {
			return entities
		}
	}
	return append(entities, Entity{Type: EntityAggregator, Address: *e.Simulation.Aggregator})
}

// IsStale reports whether the entry must be re-simulated before it can be
// bundled against current.
func (e *PoolEntry) IsStale(current StateMarker) bool {
	if e.Stale || e.Simulation == nil {
		return true
	}
	return e.Simulation.Marker.OutdatedBy(current)
}

// SortByFee orders entries by effective priority fee, highest first, with
// earlier arrivals first among equal fees.
func SortByFee(entries []PoolEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if c := bigOrZero(entries[i].Fee).Cmp(bigOrZero(entries[j].Fee)); c != 0 {
			return c > 0
		}
		return entries[i].Seq < entries[j].Seq
	})
}

// BundleTxOverhead is the gas added on top of the operation limits for the
// handleOps call itself.
const BundleTxOverhead = 100_000

// Bundle is an ordered, finalized set of entries submitted as one
// handleOps transaction.
type Bundle struct {
	Hash        common.Hash
	Entries     []PoolEntry
	GasEstimate uint64
	Marker      StateMarker
	Beneficiary common.Address
}

// NewBundle finalizes entries into a bundle. The bundle hash is the keccak
// of the operation hashes in order.
func NewBundle(entries []PoolEntry, gas uint64, marker StateMarker, beneficiary common.Address) *Bundle {
	cpy := make([]PoolEntry, len(entries))
	copy(cpy, entries)

	hashes := make([]byte, 0, len(entries)*common.HashLength)
	for _, e := range cpy {
		hashes = append(hashes, e.Hash.Bytes()...)
	}

	return &Bundle{
		Hash:        crypto.Keccak256Hash(hashes),
		Entries:     cpy,
		GasEstimate: gas,
		Marker:      marker,
		Beneficiary: beneficiary,
	}
}

func (b *Bundle) Ops() []*UserOperation {
	ops := make([]*UserOperation, len(b.Entries))
	for i := range b.Entries {
		ops[i] = b.Entries[i].Op
	}
	return ops
}

func (b *Bundle) Hashes() []common.Hash {
	hashes := make([]common.Hash, len(b.Entries))
	for i := range b.Entries {
		hashes[i] = b.Entries[i].Hash
	}
	return hashes
}

// TransactionGasLimit is the gas limit of the handleOps transaction
// carrying the bundle.
func (b *Bundle) TransactionGasLimit() uint64 {
	return satAdd(b.GasEstimate, BundleTxOverhead)
}

func (b *Bundle) Len() int {
	return len(b.Entries)
}
