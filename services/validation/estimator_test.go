package validation

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Blu-J/rundler/config"
	"github.com/Blu-J/rundler/models"
	errs "github.com/Blu-J/rundler/models/errors"
	"github.com/Blu-J/rundler/services/chain"
	"github.com/Blu-J/rundler/services/chain/mocks"
)

const (
	verificationNeeded = 60_000
	callNeeded         = 100_000
)

// simulateWithThreshold fails validation below verificationNeeded gas.
func simulateWithThreshold(
	_ context.Context,
	call chain.SimulateHandleOpCall,
	_ models.ChainState,
) (*chain.ExecutionResult, error) {
	if models.GasValue(call.Op.VerificationGasLimit) < verificationNeeded {
		return nil, &chain.FailedOp{Reason: "AA23 reverted (or OOG)"}
	}
	return &chain.ExecutionResult{
		PreOpGas:      new(big.Int).Add(call.Op.PreVerificationGas, big.NewInt(verificationNeeded-10_000)),
		Paid:          big.NewInt(0),
		TargetSuccess: call.Target != (common.Address{}),
	}, nil
}

// callWithThreshold runs out of gas below callNeeded.
func callWithThreshold(_ context.Context, call chain.AccountCall, _ models.ChainState) (*chain.CallResult, error) {
	if call.Gas < callNeeded {
		return &chain.CallResult{Reason: "out of gas"}, nil
	}
	return &chain.CallResult{Success: true}, nil
}

func newTestEstimator(t *testing.T, client chain.Client) *Estimator {
	return NewEstimator(client, config.Default(), zerolog.New(zerolog.NewTestWriter(t)))
}

func TestEstimator_Estimate(t *testing.T) {
	cfg := config.Default()

	t.Run("searches verification and call gas", func(t *testing.T) {
		op := testOp()
		client := mocks.NewClient(t)
		client.On("SimulateHandleOp", mock.Anything, mock.Anything, testState()).Return(simulateWithThreshold)
		client.On("CallAccount", mock.Anything, mock.MatchedBy(func(call chain.AccountCall) bool {
			return call.From == cfg.EntryPointAddress && call.To == op.Sender
		}), testState()).Return(callWithThreshold)

		estimate, err := newTestEstimator(t, client).Estimate(context.Background(), op, testState())
		require.NoError(t, err)

		pvg, err := PreVerificationGas(op, cfg)
		require.NoError(t, err)
		assert.Equal(t, pvg, estimate.PreVerificationGas)

		// within the error margin above the threshold, plus the fee transfer
		// and the buffer
		low := increaseByPercent(verificationNeeded+gasFeeTransferCost, verificationGasBufferPercent)
		high := increaseByPercent(verificationNeeded*11/10+gasFeeTransferCost, verificationGasBufferPercent)
		assert.GreaterOrEqual(t, estimate.VerificationGasLimit, low)
		assert.LessOrEqual(t, estimate.VerificationGasLimit, high)

		assert.GreaterOrEqual(t, estimate.CallGasLimit, uint64(callNeeded))
		assert.LessOrEqual(t, estimate.CallGasLimit, uint64(callNeeded*11/10+gasRounding))
		assert.Zero(t, estimate.CallGasLimit%gasRounding)
	})

	t.Run("skips the fee transfer with a paymaster", func(t *testing.T) {
		op := testOp()
		op.PaymasterAndData = common.HexToAddress("0xfeed").Bytes()
		op.CallData = nil

		client := mocks.NewClient(t)
		client.On("SimulateHandleOp", mock.Anything, mock.Anything, testState()).Return(simulateWithThreshold)

		estimate, err := newTestEstimator(t, client).Estimate(context.Background(), op, testState())
		require.NoError(t, err)
		assert.Less(t, estimate.VerificationGasLimit, uint64(verificationNeeded+gasFeeTransferCost))
		assert.Equal(t, uint64(minCallGasLimit), estimate.CallGasLimit)
	})

	t.Run("reports validation reverts", func(t *testing.T) {
		op := testOp()
		client := mocks.NewClient(t)
		client.On("SimulateHandleOp", mock.Anything, mock.Anything, testState()).
			Return(nil, &chain.FailedOp{Reason: "AA21 didn't pay prefund"})
		client.On("CallAccount", mock.Anything, mock.Anything, testState()).Return(callWithThreshold)

		_, err := newTestEstimator(t, client).Estimate(context.Background(), op, testState())
		requireKind(t, err, errs.ErrSimulationReverted)
		assert.Contains(t, err.Error(), "AA21 didn't pay prefund")
	})

	t.Run("reports call reverts with their reason", func(t *testing.T) {
		stringType, err := abi.NewType("string", "", nil)
		require.NoError(t, err)
		packed, err := abi.Arguments{{Type: stringType}}.Pack("not owner")
		require.NoError(t, err)
		revert := append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...)

		op := testOp()
		client := mocks.NewClient(t)
		client.On("SimulateHandleOp", mock.Anything, mock.Anything, testState()).Return(simulateWithThreshold)
		client.On("CallAccount", mock.Anything, mock.Anything, testState()).
			Return(&chain.CallResult{RevertData: revert, Reason: "execution reverted"}, nil).Once()

		_, err = newTestEstimator(t, client).Estimate(context.Background(), op, testState())
		requireKind(t, err, errs.ErrSimulationReverted)
		assert.Contains(t, err.Error(), "not owner")
	})

	t.Run("checks the call of undeployed accounts as the simulation target", func(t *testing.T) {
		op := testOp()
		op.InitCode = append(common.HexToAddress("0xfac7").Bytes(), 0x01)

		client := mocks.NewClient(t)
		client.On("SimulateHandleOp", mock.Anything, mock.Anything, testState()).Return(simulateWithThreshold)

		estimate, err := newTestEstimator(t, client).Estimate(context.Background(), op, testState())
		require.NoError(t, err)
		assert.Equal(t, cfg.MaxCallGas, estimate.CallGasLimit)
		client.AssertNotCalled(t, "CallAccount", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("returns chain errors", func(t *testing.T) {
		op := testOp()
		op.CallData = nil
		unavailable := errors.New("connection refused")

		client := mocks.NewClient(t)
		client.On("SimulateHandleOp", mock.Anything, mock.Anything, testState()).Return(nil, unavailable)

		_, err := newTestEstimator(t, client).Estimate(context.Background(), op, testState())
		require.ErrorIs(t, err, unavailable)
		assert.NotErrorIs(t, err, errs.ErrValidation)
	})
}

func TestSearch(t *testing.T) {
	tests := []struct {
		name      string
		start     uint64
		high      uint64
		rounding  uint64
		threshold uint64
	}{
		{name: "from a guess", start: 120_000, high: 5_000_000, rounding: 1, threshold: 70_000},
		{name: "from the midpoint", start: 0, high: 20_000_000, rounding: gasRounding, threshold: 1_234_567},
		{name: "guess above the cap", start: 50_000_000, high: 1_000_000, rounding: 1, threshold: 10},
		{name: "succeeds with any gas", start: 0, high: 100, rounding: 1, threshold: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gas, rounds, err := search(tt.start, tt.high, tt.rounding, func(gas uint64) (bool, error) {
				return gas >= tt.threshold, nil
			})
			require.NoError(t, err)
			assert.LessOrEqual(t, rounds, maxSearchRounds)
			assert.GreaterOrEqual(t, gas, tt.threshold)
			assert.LessOrEqual(t, gas, roundUp(tt.threshold*11/10+1, tt.rounding)+tt.rounding)
			assert.Zero(t, gas%tt.rounding)
		})
	}

	t.Run("stops on errors", func(t *testing.T) {
		failure := errors.New("boom")
		_, _, err := search(0, 1_000, 1, func(uint64) (bool, error) { return false, failure })
		assert.ErrorIs(t, err, failure)
	})
}
