package validation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Blu-J/rundler/config"
	"github.com/Blu-J/rundler/models"
	errs "github.com/Blu-J/rundler/models/errors"
	"github.com/Blu-J/rundler/services/chain"
)

const (
	// call gas estimates are rounded up to a multiple of gasRounding
	gasRounding = 4096
	// searches stop once the bounds are within this ratio of each other
	estimationErrorMargin        = 0.1
	verificationGasBufferPercent = 10
	// gas of the prefund transfer to the entry point, paid when there is no
	// paymaster
	gasFeeTransferCost = 30_000
	minCallGasLimit    = 9_100
	maxSearchRounds    = 64
)

// GasEstimate holds the gas limits an operation should carry.
type GasEstimate struct {
	PreVerificationGas   uint64
	VerificationGasLimit uint64
	CallGasLimit         uint64
}

// Estimator computes gas limits for operations by searching over
// simulateHandleOp executions for verification gas and over direct account
// calls for call gas.
type Estimator struct {
	client chain.Client
	config *config.Config
	logger zerolog.Logger
}

func NewEstimator(client chain.Client, cfg *config.Config, logger zerolog.Logger) *Estimator {
	return &Estimator{
		client: client,
		config: cfg,
		logger: logger.With().Str("component", "gas-estimator").Logger(),
	}
}

// Estimate returns gas limits for op against state. The gas and fee fields
// of op are ignored. Reverts are *errors.ValidationError values.
func (e *Estimator) Estimate(
	ctx context.Context,
	op *models.UserOperation,
	state models.ChainState,
) (*GasEstimate, error) {
	start := time.Now()

	pvg, err := PreVerificationGas(op, e.config)
	if err != nil {
		return nil, errs.NewValidationError(errs.ErrMalformedOperation, "%v", err)
	}

	base := op.Copy()
	base.PreVerificationGas = new(big.Int).SetUint64(pvg)
	base.VerificationGasLimit = new(big.Int).SetUint64(e.config.MaxVerificationGas)
	base.CallGasLimit = new(big.Int).SetUint64(e.config.MaxCallGas)
	base.MaxFeePerGas = new(big.Int)
	base.MaxPriorityFeePerGas = new(big.Int)

	var (
		g                        errgroup.Group
		verificationGas, callGas uint64
		verificationErr, callErr error
	)
	g.Go(func() error {
		verificationGas, verificationErr = e.verificationGas(ctx, base, state)
		return nil
	})
	g.Go(func() error {
		callGas, callErr = e.callGas(ctx, base, state)
		return nil
	})
	_ = g.Wait()

	// verification failures are reported first whichever search ends first
	if verificationErr != nil {
		return nil, verificationErr
	}
	if callErr != nil {
		return nil, callErr
	}

	estimate := &GasEstimate{
		PreVerificationGas:   pvg,
		VerificationGasLimit: min(increaseByPercent(verificationGas, verificationGasBufferPercent), e.config.MaxVerificationGas),
		CallGasLimit:         max(min(callGas, e.config.MaxCallGas), minCallGasLimit),
	}

	e.logger.Debug().
		Str("sender", op.Sender.Hex()).
		Uint64("pre-verification-gas", estimate.PreVerificationGas).
		Uint64("verification-gas", estimate.VerificationGasLimit).
		Uint64("call-gas", estimate.CallGasLimit).
		Dur("duration", time.Since(start)).
		Msg("estimated operation gas")

	return estimate, nil
}

// PreVerificationGas returns the calldata cost of op once its gas and fee
// fields are set, computed with those fields at their maxima.
func PreVerificationGas(op *models.UserOperation, cfg *config.Config) (uint64, error) {
	filled := op.Copy()
	filled.CallGasLimit = new(big.Int).SetUint64(cfg.MaxCallGas)
	filled.VerificationGasLimit = new(big.Int).SetUint64(cfg.MaxVerificationGas)
	filled.PreVerificationGas = new(big.Int).SetUint64(math.MaxUint32)
	filled.MaxFeePerGas = new(big.Int).SetUint64(math.MaxUint64)
	filled.MaxPriorityFeePerGas = new(big.Int).SetUint64(math.MaxUint64)
	if len(filled.Signature) == 0 {
		filled.Signature = bytes.Repeat([]byte{0xff}, 65)
	}
	return filled.StaticPreVerificationGas()
}

func (e *Estimator) verificationGas(
	ctx context.Context,
	op *models.UserOperation,
	state models.ChainState,
) (uint64, error) {
	simulate := func(gas uint64) (*chain.ExecutionResult, error) {
		cpy := op.Copy()
		cpy.VerificationGasLimit = new(big.Int).SetUint64(gas)
		cpy.CallGasLimit = new(big.Int)
		return e.client.SimulateHandleOp(ctx, chain.SimulateHandleOpCall{
			Op:       cpy,
			GasLimit: e.config.MaxSimulateHandleOpGas,
		}, state)
	}

	initial, err := simulate(e.config.MaxSimulateHandleOpGas)
	if err != nil {
		return 0, simulationError(err)
	}

	var used uint64
	if preOp, pvg := models.GasValue(initial.PreOpGas), models.GasValue(op.PreVerificationGas); preOp > pvg {
		used = preOp - pvg
	}

	gas, rounds, err := search(used*2, e.config.MaxVerificationGas, 1, func(gas uint64) (bool, error) {
		_, err := simulate(gas)
		var failed *chain.FailedOp
		if errors.As(err, &failed) {
			return false, nil
		}
		return err == nil, err
	})
	if err != nil {
		return 0, simulationError(err)
	}
	e.logger.Debug().Int("rounds", rounds).Uint64("gas", gas).Msg("verification gas search done")

	if !op.HasPaymaster() {
		gas += gasFeeTransferCost
	}
	return gas, nil
}

func (e *Estimator) callGas(
	ctx context.Context,
	op *models.UserOperation,
	state models.ChainState,
) (uint64, error) {
	if len(op.CallData) == 0 {
		return 0, nil
	}
	if len(op.InitCode) > 0 {
		return e.undeployedCallGas(ctx, op, state)
	}

	call := func(gas uint64) (*chain.CallResult, error) {
		return e.client.CallAccount(ctx, chain.AccountCall{
			From: e.config.EntryPointAddress,
			To:   op.Sender,
			Data: op.CallData,
			Gas:  gas,
		}, state)
	}

	result, err := call(e.config.MaxCallGas)
	if err != nil {
		return 0, fmt.Errorf("failed to call %s: %w", op.Sender.Hex(), err)
	}
	if !result.Success {
		return 0, errs.NewValidationError(errs.ErrSimulationReverted, "call reverted: %s", revertReason(result))
	}

	gas, rounds, err := search(0, e.config.MaxCallGas, gasRounding, func(gas uint64) (bool, error) {
		result, err := call(gas)
		if err != nil {
			return false, err
		}
		return result.Success, nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to call %s: %w", op.Sender.Hex(), err)
	}
	e.logger.Debug().Int("rounds", rounds).Uint64("gas", gas).Msg("call gas search done")

	return gas, nil
}

// undeployedCallGas checks the call of an account deployed by op itself.
// The account has no code before the operation runs, so the call is made as
// the simulateHandleOp target after deployment and the estimate is the call
// gas cap.
func (e *Estimator) undeployedCallGas(
	ctx context.Context,
	op *models.UserOperation,
	state models.ChainState,
) (uint64, error) {
	cpy := op.Copy()
	cpy.CallGasLimit = new(big.Int)

	result, err := e.client.SimulateHandleOp(ctx, chain.SimulateHandleOpCall{
		Op:             cpy,
		Target:         op.Sender,
		TargetCallData: op.CallData,
		GasLimit:       e.config.MaxSimulateHandleOpGas,
	}, state)
	if err != nil {
		return 0, simulationError(err)
	}
	if !result.TargetSuccess {
		return 0, errs.NewValidationError(
			errs.ErrSimulationReverted,
			"call reverted: %s",
			revertReason(&chain.CallResult{RevertData: result.TargetResult}),
		)
	}
	return e.config.MaxCallGas, nil
}

// search returns the lowest gas in (0, high] attempt succeeds with, within
// estimationErrorMargin. attempt must succeed at high. Guesses are rounded
// up to a multiple of rounding.
func search(start, high, rounding uint64, attempt func(gas uint64) (bool, error)) (uint64, int, error) {
	var low uint64
	guess := roundUp(min(start, high), rounding)
	if guess == 0 || guess >= high {
		guess = roundUp(high/2, rounding)
	}

	rounds := 0
	for ; rounds < maxSearchRounds && !withinMargin(low, high); rounds++ {
		if guess <= low || guess >= high {
			break
		}
		ok, err := attempt(guess)
		if err != nil {
			return 0, rounds, err
		}
		if ok {
			high = guess
		} else {
			low = guess
		}
		guess = roundUp(low+(high-low)/2, rounding)
	}
	return roundUp(high, rounding), rounds, nil
}

func withinMargin(low, high uint64) bool {
	if low == 0 {
		return false
	}
	return float64(high)/float64(low) <= 1+estimationErrorMargin
}

func roundUp(gas, rounding uint64) uint64 {
	if rounding <= 1 {
		return gas
	}
	return (gas + rounding - 1) / rounding * rounding
}

func increaseByPercent(gas, percent uint64) uint64 {
	return gas + gas*percent/100
}

func simulationError(err error) error {
	var failed *chain.FailedOp
	if errors.As(err, &failed) {
		return errs.NewValidationError(errs.ErrSimulationReverted, "%s", failed.Reason)
	}
	return fmt.Errorf("failed to simulate operation: %w", err)
}

func revertReason(result *chain.CallResult) string {
	if len(result.RevertData) == 0 {
		return result.Reason
	}
	if reason, err := abi.UnpackRevert(result.RevertData); err == nil {
		return reason
	}
	return hexutil.Encode(result.RevertData)
}
