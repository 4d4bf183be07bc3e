package validation

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blu-J/rundler/models"
	errs "github.com/Blu-J/rundler/models/errors"
	"github.com/Blu-J/rundler/services/chain"
)

var (
	sender    = common.HexToAddress("0x1000000000000000000000000000000000000001")
	factory   = common.HexToAddress("0x2000000000000000000000000000000000000002")
	paymaster = common.HexToAddress("0x3000000000000000000000000000000000000003")
	token     = common.HexToAddress("0x4000000000000000000000000000000000000004")
)

func testOp() *models.UserOperation {
	return &models.UserOperation{
		Sender:               sender,
		Nonce:                big.NewInt(0),
		CallData:             []byte{0x01, 0x02},
		CallGasLimit:         big.NewInt(100_000),
		VerificationGasLimit: big.NewInt(100_000),
		PreVerificationGas:   big.NewInt(50_000),
		MaxFeePerGas:         big.NewInt(100),
		MaxPriorityFeePerGas: big.NewInt(10),
		Signature:            make([]byte, 65),
	}
}

func testState() models.ChainState {
	return models.ChainState{
		Marker:    models.StateMarker{BlockNumber: 100, BlockHash: common.HexToHash("0xaa")},
		BaseFee:   big.NewInt(50),
		Timestamp: 1_700_000_000,
	}
}

func validTrace(op *models.UserOperation) *chain.ValidationTrace {
	preOpGas := new(big.Int).Add(op.PreVerificationGas, big.NewInt(60_000))
	return &chain.ValidationTrace{
		Phases: []chain.PhaseTrace{
			{Phase: chain.PhaseFactory, Opcodes: map[vm.OpCode]int{}},
			{
				Phase:   chain.PhaseAccount,
				Opcodes: map[vm.OpCode]int{vm.SLOAD: 1, vm.CALL: 1},
				Accesses: []chain.StorageAccess{
					{StorageSlot: models.StorageSlot{Address: sender, Slot: common.HexToHash("0x01")}},
				},
			},
			{Phase: chain.PhasePaymaster, Opcodes: map[vm.OpCode]int{}},
		},
		Output: &chain.ValidationOutput{
			ReturnInfo: chain.ReturnInfo{
				PreOpGas:   preOpGas,
				Prefund:    big.NewInt(1_000_000),
				ValidAfter: big.NewInt(0),
				ValidUntil: big.NewInt(0),
			},
		},
	}
}

func requireKind(t *testing.T, err error, kind error) {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, kind)
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestEvaluate(t *testing.T) {
	margin := 30 * time.Second

	t.Run("accepts a clean trace", func(t *testing.T) {
		op := testOp()
		trace := validTrace(op)

		res, err := Evaluate(op, trace, testState(), margin)
		require.NoError(t, err)
		assert.Equal(t, uint64(110_000), res.PreOpGas)
		assert.Equal(t, testState().Marker, res.Marker)
		assert.Equal(t, []models.StorageSlot{{Address: sender, Slot: common.HexToHash("0x01")}}, res.Accesses)
		assert.Equal(t, []models.Entity{{Type: models.EntityAccount, Address: sender}}, res.Entities)
		assert.Nil(t, res.Aggregator)
	})

	t.Run("is deterministic", func(t *testing.T) {
		op := testOp()
		first, err := Evaluate(op, validTrace(op), testState(), margin)
		require.NoError(t, err)
		second, err := Evaluate(op, validTrace(op), testState(), margin)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("rejects banned opcodes", func(t *testing.T) {
		for _, code := range []vm.OpCode{vm.TIMESTAMP, vm.NUMBER, vm.GAS, vm.ORIGIN, vm.CREATE, vm.BLOBHASH} {
			op := testOp()
			trace := validTrace(op)
			trace.Phases[1].Opcodes[code] = 1

			_, err := Evaluate(op, trace, testState(), margin)
			requireKind(t, err, errs.ErrBannedOpcode)
		}
	})

	t.Run("allows a single CREATE2 from the factory", func(t *testing.T) {
		op := testOp()
		op.InitCode = append(factory.Bytes(), 0x01)
		trace := validTrace(op)
		trace.Phases[0].Opcodes[vm.CREATE2] = 1

		_, err := Evaluate(op, trace, testState(), margin)
		require.NoError(t, err)

		trace.Phases[0].Opcodes[vm.CREATE2] = 2
		_, err = Evaluate(op, trace, testState(), margin)
		requireKind(t, err, errs.ErrBannedOpcode)
	})

	t.Run("rejects CREATE2 outside the factory", func(t *testing.T) {
		op := testOp()
		op.InitCode = append(factory.Bytes(), 0x01)
		trace := validTrace(op)
		trace.Phases[1].Opcodes[vm.CREATE2] = 1

		_, err := Evaluate(op, trace, testState(), margin)
		requireKind(t, err, errs.ErrBannedOpcode)
	})

	t.Run("rejects unassociated storage", func(t *testing.T) {
		op := testOp()
		trace := validTrace(op)
		trace.Phases[1].Accesses = append(trace.Phases[1].Accesses, chain.StorageAccess{
			StorageSlot: models.StorageSlot{Address: token, Slot: common.HexToHash("0x05")},
		})

		_, err := Evaluate(op, trace, testState(), margin)
		requireKind(t, err, errs.ErrInvalidStorageAccess)
	})

	t.Run("allows slots associated with the sender", func(t *testing.T) {
		op := testOp()
		trace := validTrace(op)

		// balanceOf[sender] in slot 3 of a token, plus a struct member offset
		preimage := append(common.LeftPadBytes(sender.Bytes(), 32), common.LeftPadBytes([]byte{3}, 32)...)
		base := new(big.Int).SetBytes(crypto.Keccak256(preimage))
		member := common.BigToHash(new(big.Int).Add(base, big.NewInt(2)))

		trace.KeccakPreimages = [][]byte{preimage}
		trace.Phases[1].Accesses = append(trace.Phases[1].Accesses,
			chain.StorageAccess{StorageSlot: models.StorageSlot{Address: token, Slot: common.BytesToHash(crypto.Keccak256(preimage))}},
			chain.StorageAccess{StorageSlot: models.StorageSlot{Address: token, Slot: member}, Write: true},
			chain.StorageAccess{StorageSlot: models.StorageSlot{Address: token, Slot: common.BytesToHash(sender.Bytes())}},
		)

		_, err := Evaluate(op, trace, testState(), margin)
		require.NoError(t, err)

		// too far from the mapping slot
		far := common.BigToHash(new(big.Int).Add(base, big.NewInt(maxAssociatedOffset)))
		trace.Phases[1].Accesses = append(trace.Phases[1].Accesses, chain.StorageAccess{
			StorageSlot: models.StorageSlot{Address: token, Slot: far},
		})
		_, err = Evaluate(op, trace, testState(), margin)
		requireKind(t, err, errs.ErrInvalidStorageAccess)
	})

	t.Run("allows storage of referenced entities", func(t *testing.T) {
		op := testOp()
		op.PaymasterAndData = paymaster.Bytes()
		trace := validTrace(op)
		trace.Phases[2].Accesses = []chain.StorageAccess{
			{StorageSlot: models.StorageSlot{Address: paymaster, Slot: common.HexToHash("0x09")}, Write: true},
		}

		res, err := Evaluate(op, trace, testState(), margin)
		require.NoError(t, err)
		assert.Len(t, res.Entities, 2)
	})

	t.Run("records the aggregator returned by simulation", func(t *testing.T) {
		op := testOp()
		trace := validTrace(op)
		agg := common.HexToAddress("0x05")
		trace.Output.Aggregator = &agg
		trace.Phases[1].Accesses = append(trace.Phases[1].Accesses, chain.StorageAccess{
			StorageSlot: models.StorageSlot{Address: agg, Slot: common.HexToHash("0x01")},
		})

		res, err := Evaluate(op, trace, testState(), margin)
		require.NoError(t, err)
		require.NotNil(t, res.Aggregator)
		assert.Equal(t, agg, *res.Aggregator)
		assert.Contains(t, res.Entities, models.Entity{Type: models.EntityAggregator, Address: agg})
	})

	t.Run("rejects verification gas above the limit", func(t *testing.T) {
		op := testOp()
		trace := validTrace(op)
		// 96k used plus the entry point overhead exceeds 100k
		trace.Output.ReturnInfo.PreOpGas = new(big.Int).Add(op.PreVerificationGas, big.NewInt(96_000))

		_, err := Evaluate(op, trace, testState(), margin)
		requireKind(t, err, errs.ErrGasLimitExceeded)

		// a paymaster doubles the allowance
		op.PaymasterAndData = paymaster.Bytes()
		_, err = Evaluate(op, trace, testState(), margin)
		require.NoError(t, err)
	})

	t.Run("rejects out of gas phases", func(t *testing.T) {
		op := testOp()
		trace := validTrace(op)
		trace.Phases[1].OutOfGas = true

		_, err := Evaluate(op, trace, testState(), margin)
		requireKind(t, err, errs.ErrGasLimitExceeded)
	})

	t.Run("maps reverts and signature failures", func(t *testing.T) {
		op := testOp()
		trace := validTrace(op)
		trace.Output = nil
		trace.FailedOp = &chain.FailedOp{Reason: "AA23 reverted"}

		_, err := Evaluate(op, trace, testState(), margin)
		requireKind(t, err, errs.ErrSimulationReverted)
		assert.Contains(t, err.Error(), "AA23")

		trace = validTrace(op)
		trace.Output.ReturnInfo.SigFailed = true
		_, err = Evaluate(op, trace, testState(), margin)
		requireKind(t, err, errs.ErrInvalidSignature)
	})

	t.Run("enforces the validity window", func(t *testing.T) {
		now := testState().Timestamp
		tests := []struct {
			name       string
			validAfter uint64
			validUntil uint64
			wantErr    bool
		}{
			{name: "open ended", validAfter: 0, validUntil: 0},
			{name: "inside window", validAfter: now - 10, validUntil: now + 60},
			{name: "not yet valid", validAfter: now + 1, validUntil: 0, wantErr: true},
			{name: "expires within margin", validAfter: 0, validUntil: now + 10, wantErr: true},
			{name: "expired", validAfter: 0, validUntil: now - 1, wantErr: true},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				op := testOp()
				trace := validTrace(op)
				trace.Output.ReturnInfo.ValidAfter = new(big.Int).SetUint64(tt.validAfter)
				trace.Output.ReturnInfo.ValidUntil = new(big.Int).SetUint64(tt.validUntil)

				res, err := Evaluate(op, trace, testState(), margin)
				if tt.wantErr {
					requireKind(t, err, errs.ErrOutOfTimeRange)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tt.validUntil, res.ValidUntil)
			})
		}
	})
}

func TestCheckWellFormed(t *testing.T) {
	limits := Limits{MaxVerificationGas: 1_000_000, MaxCallGas: 1_000_000, MaxSignatureLength: 100}

	tests := []struct {
		name   string
		modify func(op *models.UserOperation)
		kind   error
	}{
		{name: "valid", modify: func(*models.UserOperation) {}},
		{name: "zero sender", modify: func(op *models.UserOperation) { op.Sender = common.Address{} }, kind: errs.ErrMalformedOperation},
		{name: "nil nonce", modify: func(op *models.UserOperation) { op.Nonce = nil }, kind: errs.ErrMalformedOperation},
		{name: "nil fee", modify: func(op *models.UserOperation) { op.MaxFeePerGas = nil }, kind: errs.ErrMalformedOperation},
		{name: "zero verification gas", modify: func(op *models.UserOperation) { op.VerificationGasLimit = big.NewInt(0) }, kind: errs.ErrMalformedOperation},
		{name: "zero max fee", modify: func(op *models.UserOperation) {
			op.MaxFeePerGas = big.NewInt(0)
			op.MaxPriorityFeePerGas = big.NewInt(0)
		}, kind: errs.ErrMalformedOperation},
		{name: "priority above max fee", modify: func(op *models.UserOperation) { op.MaxPriorityFeePerGas = big.NewInt(101) }, kind: errs.ErrMalformedOperation},
		{name: "call gas below minimum", modify: func(op *models.UserOperation) { op.CallGasLimit = big.NewInt(MinCallGasLimit - 1) }, kind: errs.ErrMalformedOperation},
		{name: "call gas above maximum", modify: func(op *models.UserOperation) { op.CallGasLimit = big.NewInt(2_000_000) }, kind: errs.ErrGasLimitExceeded},
		{name: "verification gas above maximum", modify: func(op *models.UserOperation) { op.VerificationGasLimit = big.NewInt(2_000_000) }, kind: errs.ErrGasLimitExceeded},
		{name: "short initCode", modify: func(op *models.UserOperation) { op.InitCode = []byte{0x01} }, kind: errs.ErrMalformedOperation},
		{name: "short paymasterAndData", modify: func(op *models.UserOperation) { op.PaymasterAndData = []byte{0x01} }, kind: errs.ErrMalformedOperation},
		{name: "empty signature", modify: func(op *models.UserOperation) { op.Signature = nil }, kind: errs.ErrInvalidSignature},
		{name: "long signature", modify: func(op *models.UserOperation) { op.Signature = make([]byte, 101) }, kind: errs.ErrInvalidSignature},
		{name: "pre verification gas below calldata cost", modify: func(op *models.UserOperation) { op.PreVerificationGas = big.NewInt(1000) }, kind: errs.ErrGasLimitExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := testOp()
			tt.modify(op)

			err := CheckWellFormed(op, limits)
			if tt.kind == nil {
				require.NoError(t, err)
				return
			}
			requireKind(t, err, tt.kind)
		})
	}

	requireKind(t, CheckWellFormed(nil, limits), errs.ErrMalformedOperation)
}
