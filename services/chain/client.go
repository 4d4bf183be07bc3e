package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Blu-J/rundler/models"
)

// Client is the chain capability the relay depends on. Implementations must
// be safe for concurrent use and honour context cancellation.
type Client interface {
	// CurrentState returns the latest head with its staleness marker.
	CurrentState(ctx context.Context) (models.ChainState, error)
	// TraceValidation traces simulateValidation for op against state.
	TraceValidation(ctx context.Context, op *models.UserOperation, state models.ChainState) (*ValidationTrace, error)
	// SimulateHandleOps executes the bundle as a single call against state.
	SimulateHandleOps(ctx context.Context, call HandleOpsCall, state models.ChainState) (*HandleOpsResult, error)
	// SuggestGasTipCap returns the priority fee suggested by the node.
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	// NonceAt returns the confirmed nonce of addr.
	NonceAt(ctx context.Context, addr common.Address) (uint64, error)
	// Broadcast sends a signed transaction.
	Broadcast(ctx context.Context, tx *types.Transaction) (common.Hash, error)
	// InclusionStatus reports whether a transaction was included.
	InclusionStatus(ctx context.Context, txHash common.Hash) (*InclusionStatus, error)
	// SimulateHandleOp executes a single operation through simulateHandleOp
	// against state. Validation failures are returned as *FailedOp errors.
	SimulateHandleOp(ctx context.Context, call SimulateHandleOpCall, state models.ChainState) (*ExecutionResult, error)
	// CallAccount executes call against state with its gas limit.
	CallAccount(ctx context.Context, call AccountCall, state models.ChainState) (*CallResult, error)
	// OperationReceipt looks up the UserOperationEvent of hash in the last
	// lookback blocks, zero searches from genesis. It returns nil when the
	// operation was not included.
	OperationReceipt(ctx context.Context, hash common.Hash, lookback uint64) (*OperationReceipt, error)
}

type SimulateHandleOpCall struct {
	Op             *models.UserOperation
	Target         common.Address
	TargetCallData []byte
	GasLimit       uint64
}

// AccountCall is a plain message call, used to execute an account's call
// data from the entry point.
type AccountCall struct {
	From common.Address
	To   common.Address
	Data []byte
	Gas  uint64
}

// CallResult is the outcome of an AccountCall. Reason holds the node's
// error message when the call reverted or ran out of gas.
type CallResult struct {
	Success    bool
	RevertData []byte
	Reason     string
}

// OperationReceipt is the on chain outcome of an included operation.
type OperationReceipt struct {
	UserOpHash    common.Hash
	EntryPoint    common.Address
	Sender        common.Address
	Paymaster     common.Address
	Nonce         *big.Int
	Success       bool
	ActualGasCost *big.Int
	ActualGasUsed *big.Int
	// Logs are the logs emitted while executing the operation.
	Logs    []*types.Log
	Receipt *types.Receipt
}

// HandleOpsCall describes a composite bundle execution.
type HandleOpsCall struct {
	From        common.Address
	Ops         []*models.UserOperation
	Beneficiary common.Address
	GasLimit    uint64
}

// HandleOpsResult is the outcome of a composite bundle execution.
type HandleOpsResult struct {
	Success bool
	// FailedOp is set when the entry point named the offending operation.
	FailedOp *FailedOp
	// RevertReason is set for reverts that are not a FailedOp.
	RevertReason string
	GasUsed      uint64
}

// InclusionStatus describes the fate of a broadcast transaction.
type InclusionStatus struct {
	Included    bool
	BlockNumber uint64
	// Reverted is true when the bundle transaction itself reverted.
	Reverted bool
	// Operations maps included operation hashes to their execution success.
	Operations map[common.Hash]bool
}
