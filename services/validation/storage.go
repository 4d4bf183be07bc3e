package validation

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/Blu-J/rundler/models"
	errs "github.com/Blu-J/rundler/models/errors"
	"github.com/Blu-J/rundler/services/chain"
)

// maxAssociatedOffset bounds the struct members reachable from a mapping
// slot keyed by an address.
const maxAssociatedOffset = 128

// associations holds, per address, the base slots derived from keccak
// preimages that start with the address.
type associations map[common.Address][]*uint256.Int

func newAssociations(addresses []common.Address, preimages [][]byte) associations {
	assoc := make(associations, len(addresses))
	for _, addr := range addresses {
		assoc[addr] = nil
	}

	for _, pre := range preimages {
		if len(pre) < common.HashLength {
			continue
		}
		word := common.BytesToHash(pre[:common.HashLength])
		addr := common.BytesToAddress(word[12:])
		if common.BytesToHash(addr.Bytes()) != word {
			continue
		}
		if _, ok := assoc[addr]; !ok {
			continue
		}
		base := new(uint256.Int).SetBytes32(crypto.Keccak256(pre))
		assoc[addr] = append(assoc[addr], base)
	}
	return assoc
}

// associated reports whether slot is the address word itself or within
// maxAssociatedOffset of a slot derived from addr.
func (a associations) associated(addr common.Address, slot common.Hash) bool {
	if slot == common.BytesToHash(addr.Bytes()) {
		return true
	}

	s := new(uint256.Int).SetBytes32(slot[:])
	diff := new(uint256.Int)
	for _, base := range a[addr] {
		if s.Lt(base) {
			continue
		}
		if diff.Sub(s, base).LtUint64(maxAssociatedOffset) {
			return true
		}
	}
	return false
}

// checkStorage enforces that storage touched during validation belongs to
// the sender or to an entity the operation references, either directly or
// through a slot associated with one of them.
func checkStorage(op *models.UserOperation, aggregator *common.Address, trace *chain.ValidationTrace) error {
	entities := []common.Address{op.Sender}
	if op.HasFactory() {
		entities = append(entities, op.Factory())
	}
	if op.HasPaymaster() {
		entities = append(entities, op.Paymaster())
	}
	if op.Aggregator != nil {
		entities = append(entities, *op.Aggregator)
	}
	if aggregator != nil {
		entities = append(entities, *aggregator)
	}

	owned := make(map[common.Address]struct{}, len(entities))
	for _, e := range entities {
		owned[e] = struct{}{}
	}
	assoc := newAssociations(entities, trace.KeccakPreimages)

	for _, phase := range trace.Phases {
		for _, access := range phase.Accesses {
			if _, ok := owned[access.Address]; ok {
				continue
			}
			if slotAssociated(assoc, entities, access.Slot) {
				continue
			}
			kind := "read"
			if access.Write {
				kind = "write"
			}
			return errs.NewValidationError(
				errs.ErrInvalidStorageAccess,
				"%s %s unassociated slot %s",
				phase.Phase,
				kind,
				access.StorageSlot,
			)
		}
	}
	return nil
}

func slotAssociated(assoc associations, entities []common.Address, slot common.Hash) bool {
	for _, e := range entities {
		if assoc.associated(e, slot) {
			return true
		}
	}
	return false
}
