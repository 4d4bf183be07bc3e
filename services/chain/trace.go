package chain

import (
	_ "embed"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/goccy/go-json"

	"github.com/Blu-J/rundler/models"
)

//go:embed validation_tracer.js
var validationTracer string

// ValidationTracer returns the JS tracer used for validation traces.
func ValidationTracer() string {
	return validationTracer
}

// Phase is a validation frame of the entry point, in execution order.
type Phase int

const (
	PhaseFactory Phase = iota
	PhaseAccount
	PhasePaymaster
)

// Entity returns the entity type executing during the phase.
func (p Phase) Entity() models.EntityType {
	switch p {
	case PhaseFactory:
		return models.EntityFactory
	case PhasePaymaster:
		return models.EntityPaymaster
	default:
		return models.EntityAccount
	}
}

func (p Phase) String() string {
	return p.Entity().String()
}

// StorageAccess is a slot read or written during a phase.
type StorageAccess struct {
	models.StorageSlot
	Write bool
}

// PhaseTrace holds what a single validation phase executed.
type PhaseTrace struct {
	Phase    Phase
	Opcodes  map[vm.OpCode]int
	Accesses []StorageAccess
	OutOfGas bool
}

// ValidationTrace is the parsed outcome of tracing simulateValidation.
type ValidationTrace struct {
	Phases []PhaseTrace
	// KeccakPreimages are the inputs hashed during validation, used to
	// derive slots associated with an address.
	KeccakPreimages [][]byte
	// Output is set when simulateValidation produced a validation result.
	Output *ValidationOutput
	// FailedOp is set when the entry point rejected the operation.
	FailedOp *FailedOp
	GasUsed  uint64
}

type tracerAccess struct {
	Reads  map[string]bool `json:"reads"`
	Writes map[string]int  `json:"writes"`
}

type tracerPhase struct {
	Opcodes map[string]int          `json:"opcodes"`
	Access  map[string]tracerAccess `json:"access"`
	OOG     bool                    `json:"oog"`
}

type tracerResult struct {
	Phases  []tracerPhase   `json:"phases"`
	Keccak  []hexutil.Bytes `json:"keccak"`
	Output  hexutil.Bytes   `json:"output"`
	Error   string          `json:"error"`
	GasUsed uint64          `json:"gasUsed"`
}

var opAliases = map[string]vm.OpCode{
	"SHA3":       vm.KECCAK256,
	"PREVRANDAO": vm.DIFFICULTY,
	"RANDOM":     vm.DIFFICULTY,
	"SUICIDE":    vm.SELFDESTRUCT,
}

func opFromString(name string) (vm.OpCode, bool) {
	if op, ok := opAliases[name]; ok {
		return op, true
	}
	op := vm.StringToOp(name)
	if op == vm.STOP && name != "STOP" {
		return op, false
	}
	return op, true
}

// ParseValidationTrace decodes the validation tracer output.
func ParseValidationTrace(raw []byte) (*ValidationTrace, error) {
	var res tracerResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to decode validation trace: %w", err)
	}

	trace := &ValidationTrace{
		GasUsed:         res.GasUsed,
		KeccakPreimages: make([][]byte, 0, len(res.Keccak)),
	}
	for _, k := range res.Keccak {
		trace.KeccakPreimages = append(trace.KeccakPreimages, k)
	}

	for i, p := range res.Phases {
		// frames after the paymaster belong to the entry point itself
		if i > int(PhasePaymaster) {
			break
		}
		phase := PhaseTrace{
			Phase:    Phase(i),
			Opcodes:  make(map[vm.OpCode]int, len(p.Opcodes)),
			OutOfGas: p.OOG,
		}
		for name, count := range p.Opcodes {
			if op, ok := opFromString(name); ok {
				phase.Opcodes[op] += count
			}
		}
		for addr, acc := range p.Access {
			address := common.HexToAddress(addr)
			for slot := range acc.Reads {
				phase.Accesses = append(phase.Accesses, StorageAccess{
					StorageSlot: models.StorageSlot{Address: address, Slot: common.HexToHash(slot)},
				})
			}
			for slot := range acc.Writes {
				phase.Accesses = append(phase.Accesses, StorageAccess{
					StorageSlot: models.StorageSlot{Address: address, Slot: common.HexToHash(slot)},
					Write:       true,
				})
			}
		}
		trace.Phases = append(trace.Phases, phase)
	}

	if len(res.Output) == 0 {
		if res.Error != "" {
			return nil, fmt.Errorf("validation trace failed without revert data: %s", res.Error)
		}
		return nil, fmt.Errorf("validation trace returned no data")
	}

	out, err := DecodeValidationRevert(res.Output)
	if err != nil {
		var failed *FailedOp
		if errors.As(err, &failed) {
			trace.FailedOp = failed
			return trace, nil
		}
		return nil, err
	}
	trace.Output = out

	return trace, nil
}

// Slots returns every storage slot accessed across all phases.
func (t *ValidationTrace) Slots() []models.StorageSlot {
	var slots []models.StorageSlot
	for _, p := range t.Phases {
		for _, a := range p.Accesses {
			slots = append(slots, a.StorageSlot)
		}
	}
	return models.NormalizeAccesses(slots)
}
