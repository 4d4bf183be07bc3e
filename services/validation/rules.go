package validation

import (
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"

	"github.com/Blu-J/rundler/models"
	errs "github.com/Blu-J/rundler/models/errors"
	"github.com/Blu-J/rundler/services/chain"
)

// bannedOpcodes may not be used by any entity during validation. GAS is only
// reported by the tracer when it is not immediately followed by a call.
var bannedOpcodes = mapset.NewThreadUnsafeSet[vm.OpCode](
	vm.GASPRICE,
	vm.GASLIMIT,
	vm.DIFFICULTY,
	vm.TIMESTAMP,
	vm.BASEFEE,
	vm.BLOCKHASH,
	vm.NUMBER,
	vm.SELFBALANCE,
	vm.BALANCE,
	vm.ORIGIN,
	vm.GAS,
	vm.CREATE,
	vm.COINBASE,
	vm.SELFDESTRUCT,
	vm.BLOBHASH,
	vm.BLOBBASEFEE,
)

// Evaluate applies the validation rules to a trace of op taken against
// state. It is a pure function of its inputs.
func Evaluate(
	op *models.UserOperation,
	trace *chain.ValidationTrace,
	state models.ChainState,
	validUntilMargin time.Duration,
) (*models.SimulationResult, error) {
	if trace.FailedOp != nil {
		return nil, errs.NewValidationError(errs.ErrSimulationReverted, "%s", trace.FailedOp.Reason)
	}
	if trace.Output == nil {
		return nil, errs.NewValidationError(errs.ErrSimulationReverted, "no validation result")
	}
	info := trace.Output.ReturnInfo

	if info.SigFailed {
		return nil, errs.NewValidationError(errs.ErrInvalidSignature, "signature check failed during validation")
	}

	if err := checkOpcodes(op, trace.Phases); err != nil {
		return nil, err
	}

	aggregator := trace.Output.Aggregator
	if aggregator != nil && *aggregator == (common.Address{}) {
		aggregator = nil
	}
	if err := checkStorage(op, aggregator, trace); err != nil {
		return nil, err
	}

	preOpGas := models.GasValue(info.PreOpGas)
	if err := checkGas(op, preOpGas, trace.Phases); err != nil {
		return nil, err
	}

	validAfter := models.GasValue(info.ValidAfter)
	validUntil := models.GasValue(info.ValidUntil)
	if err := checkTimeRange(validAfter, validUntil, state.Timestamp, validUntilMargin); err != nil {
		return nil, err
	}

	entities := op.Entities()
	if aggregator != nil && (op.Aggregator == nil || *op.Aggregator != *aggregator) {
		entities = append(entities, models.Entity{Type: models.EntityAggregator, Address: *aggregator})
	}

	return &models.SimulationResult{
		PreOpGas:   preOpGas,
		Prefund:    info.Prefund,
		Accesses:   trace.Slots(),
		Entities:   entities,
		Aggregator: aggregator,
		ValidAfter: validAfter,
		ValidUntil: validUntil,
		Marker:     state.Marker,
	}, nil
}

func checkOpcodes(op *models.UserOperation, phases []chain.PhaseTrace) error {
	for _, phase := range phases {
		codes := make([]vm.OpCode, 0, len(phase.Opcodes))
		for code, count := range phase.Opcodes {
			if count > 0 {
				codes = append(codes, code)
			}
		}
		slices.Sort(codes)

		for _, code := range codes {
			if bannedOpcodes.Contains(code) {
				return errs.NewValidationError(
					errs.ErrBannedOpcode,
					"%s used %s",
					phase.Phase,
					code,
				)
			}
		}

		create2 := phase.Opcodes[vm.CREATE2]
		if create2 == 0 {
			continue
		}
		if phase.Phase != chain.PhaseFactory || !op.HasFactory() || create2 > 1 {
			return errs.NewValidationError(
				errs.ErrBannedOpcode,
				"%s used CREATE2 %d times",
				phase.Phase,
				create2,
			)
		}
	}
	return nil
}

func checkGas(op *models.UserOperation, preOpGas uint64, phases []chain.PhaseTrace) error {
	for _, phase := range phases {
		if phase.OutOfGas {
			return errs.NewValidationError(errs.ErrGasLimitExceeded, "%s ran out of gas", phase.Phase)
		}
	}

	pvg := models.GasValue(op.PreVerificationGas)
	var verificationGas uint64
	if preOpGas > pvg {
		verificationGas = preOpGas - pvg
	}
	limit := op.TotalVerificationGasLimit()
	if verificationGas+models.EntryPointInnerGasOverhead > limit {
		return errs.NewValidationError(
			errs.ErrGasLimitExceeded,
			"validation used %d gas, limit is %d",
			verificationGas+models.EntryPointInnerGasOverhead,
			limit,
		)
	}
	return nil
}

// checkTimeRange requires now to be inside [validAfter, validUntil - margin].
// A validUntil of zero means no expiry.
func checkTimeRange(validAfter, validUntil, now uint64, margin time.Duration) error {
	if validAfter > now {
		return errs.NewValidationError(errs.ErrOutOfTimeRange, "valid after %d, now %d", validAfter, now)
	}
	if validUntil == 0 {
		return nil
	}
	if now+uint64(margin/time.Second) > validUntil {
		return errs.NewValidationError(
			errs.ErrOutOfTimeRange,
			"valid until %d, now %d with margin %s",
			validUntil,
			now,
			margin,
		)
	}
	return nil
}
