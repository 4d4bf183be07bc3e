package models

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// StateMarker identifies the chain state a result was computed against.
type StateMarker struct {
	BlockNumber uint64
	BlockHash   common.Hash
}

func (m StateMarker) IsZero() bool {
	return m.BlockNumber == 0 && m.BlockHash == (common.Hash{})
}

// OutdatedBy reports whether the marker predates current. A different hash
// at the same height means a reorg happened and is treated as outdated.
func (m StateMarker) OutdatedBy(current StateMarker) bool {
	if m.BlockNumber != current.BlockNumber {
		return m.BlockNumber < current.BlockNumber
	}
	return m.BlockHash != current.BlockHash
}

func (m StateMarker) String() string {
	return fmt.Sprintf("%d(%s)", m.BlockNumber, m.BlockHash.TerminalString())
}

// ChainState is a versioned view of the chain head.
type ChainState struct {
	Marker    StateMarker
	BaseFee   *big.Int
	Timestamp uint64
}

// StorageSlot is a single storage location touched during validation.
type StorageSlot struct {
	Address common.Address
	Slot    common.Hash
}

func (s StorageSlot) String() string {
	return fmt.Sprintf("%s[%s]", s.Address.Hex(), s.Slot.Hex())
}

// SimulationResult is the outcome of validating an operation against a
// given chain state. Results are never mutated once created, a new result
// is computed when the state moves on.
type SimulationResult struct {
	// PreOpGas is the gas used by validation including preVerificationGas.
	PreOpGas uint64
	Prefund  *big.Int
	// Accesses is sorted and free of duplicates.
	Accesses   []StorageSlot
	Entities   []Entity
	Aggregator *common.Address
	ValidAfter uint64
	// ValidUntil of zero means no expiry.
	ValidUntil uint64
	Marker     StateMarker
}

// Touches reports whether slot is part of the access set.
func (r *SimulationResult) Touches(slot StorageSlot) bool {
	i := sort.Search(len(r.Accesses), func(i int) bool {
		return compareSlots(r.Accesses[i], slot) >= 0
	})
	return i < len(r.Accesses) && r.Accesses[i] == slot
}

// WithMarker returns a copy of the result pointing at a different marker.
func (r *SimulationResult) WithMarker(marker StateMarker) *SimulationResult {
	cpy := *r
	cpy.Marker = marker
	return &cpy
}

// NormalizeAccesses sorts slots and removes duplicates.
func NormalizeAccesses(slots []StorageSlot) []StorageSlot {
	if len(slots) == 0 {
		return nil
	}

	out := make([]StorageSlot, len(slots))
	copy(out, slots)
	sort.Slice(out, func(i, j int) bool {
		return compareSlots(out[i], out[j]) < 0
	})

	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}

func compareSlots(a, b StorageSlot) int {
	if c := bytes.Compare(a.Address[:], b.Address[:]); c != 0 {
		return c
	}
	return bytes.Compare(a.Slot[:], b.Slot[:])
}
