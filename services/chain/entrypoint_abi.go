package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Blu-J/rundler/models"
)

const userOpTupleJSON = `{"components":[` +
	`{"name":"sender","type":"address"},` +
	`{"name":"nonce","type":"uint256"},` +
	`{"name":"initCode","type":"bytes"},` +
	`{"name":"callData","type":"bytes"},` +
	`{"name":"callGasLimit","type":"uint256"},` +
	`{"name":"verificationGasLimit","type":"uint256"},` +
	`{"name":"preVerificationGas","type":"uint256"},` +
	`{"name":"maxFeePerGas","type":"uint256"},` +
	`{"name":"maxPriorityFeePerGas","type":"uint256"},` +
	`{"name":"paymasterAndData","type":"bytes"},` +
	`{"name":"signature","type":"bytes"}]`

const stakeInfoJSON = `{"components":[` +
	`{"name":"stake","type":"uint256"},` +
	`{"name":"unstakeDelaySec","type":"uint256"}],"type":"tuple"}`

const returnInfoJSON = `{"components":[` +
	`{"name":"preOpGas","type":"uint256"},` +
	`{"name":"prefund","type":"uint256"},` +
	`{"name":"sigFailed","type":"bool"},` +
	`{"name":"validAfter","type":"uint48"},` +
	`{"name":"validUntil","type":"uint48"},` +
	`{"name":"paymasterContext","type":"bytes"}],"name":"returnInfo","type":"tuple"}`

// EntryPointABIJSON is the subset of the entry point v0.6 ABI used by the relay.
var EntryPointABIJSON = `[` +
	`{"type":"function","name":"handleOps","stateMutability":"nonpayable","outputs":[],"inputs":[` +
	userOpTupleJSON + `,"name":"ops","type":"tuple[]"},{"name":"beneficiary","type":"address"}]},` +
	`{"type":"function","name":"simulateValidation","stateMutability":"nonpayable","outputs":[],"inputs":[` +
	userOpTupleJSON + `,"name":"userOp","type":"tuple"}]},` +
	`{"type":"function","name":"simulateHandleOp","stateMutability":"nonpayable","outputs":[],"inputs":[` +
	userOpTupleJSON + `,"name":"op","type":"tuple"},{"name":"target","type":"address"},{"name":"targetCallData","type":"bytes"}]},` +
	`{"type":"error","name":"FailedOp","inputs":[{"name":"opIndex","type":"uint256"},{"name":"reason","type":"string"}]},` +
	`{"type":"error","name":"SignatureValidationFailed","inputs":[{"name":"aggregator","type":"address"}]},` +
	`{"type":"error","name":"ValidationResult","inputs":[` + returnInfoJSON + `,` +
	withName(stakeInfoJSON, "senderInfo") + `,` +
	withName(stakeInfoJSON, "factoryInfo") + `,` +
	withName(stakeInfoJSON, "paymasterInfo") + `]},` +
	`{"type":"error","name":"ValidationResultWithAggregation","inputs":[` + returnInfoJSON + `,` +
	withName(stakeInfoJSON, "senderInfo") + `,` +
	withName(stakeInfoJSON, "factoryInfo") + `,` +
	withName(stakeInfoJSON, "paymasterInfo") + `,` +
	`{"components":[{"name":"aggregator","type":"address"},` + withName(stakeInfoJSON, "stakeInfo") + `],"name":"aggregatorInfo","type":"tuple"}]},` +
	`{"type":"error","name":"ExecutionResult","inputs":[` +
	`{"name":"preOpGas","type":"uint256"},` +
	`{"name":"paid","type":"uint256"},` +
	`{"name":"validAfter","type":"uint48"},` +
	`{"name":"validUntil","type":"uint48"},` +
	`{"name":"targetSuccess","type":"bool"},` +
	`{"name":"targetResult","type":"bytes"}]},` +
	`{"type":"event","name":"UserOperationEvent","anonymous":false,"inputs":[` +
	`{"indexed":true,"name":"userOpHash","type":"bytes32"},` +
	`{"indexed":true,"name":"sender","type":"address"},` +
	`{"indexed":true,"name":"paymaster","type":"address"},` +
	`{"indexed":false,"name":"nonce","type":"uint256"},` +
	`{"indexed":false,"name":"success","type":"bool"},` +
	`{"indexed":false,"name":"actualGasCost","type":"uint256"},` +
	`{"indexed":false,"name":"actualGasUsed","type":"uint256"}]}` +
	`]`

func withName(tuple, name string) string {
	return strings.Replace(tuple, `"type":"tuple"`, `"name":"`+name+`","type":"tuple"`, 1)
}

var entryPointABI = mustParseABI(EntryPointABIJSON)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid entry point abi: %v", err))
	}
	return parsed
}

// ReturnInfo is the validation outcome reported by simulateValidation.
type ReturnInfo struct {
	PreOpGas         *big.Int
	Prefund          *big.Int
	SigFailed        bool
	ValidAfter       *big.Int
	ValidUntil       *big.Int
	PaymasterContext []byte
}

// ValidationOutput is the decoded simulateValidation revert.
type ValidationOutput struct {
	ReturnInfo ReturnInfo
	Aggregator *common.Address
}

type stakeInfo struct {
	Stake           *big.Int
	UnstakeDelaySec *big.Int
}

type aggregatorInfo struct {
	Aggregator common.Address
	StakeInfo  stakeInfo
}

// FailedOp is the entry point error raised when an operation fails validation.
type FailedOp struct {
	OpIndex uint64
	Reason  string
}

func (f *FailedOp) Error() string {
	return fmt.Sprintf("FailedOp(%d, %s)", f.OpIndex, f.Reason)
}

// PackHandleOps encodes a handleOps call for the given operations.
func PackHandleOps(ops []*models.UserOperation, beneficiary common.Address) ([]byte, error) {
	contractOps := make([]models.ContractUserOperation, len(ops))
	for i, op := range ops {
		contractOps[i] = op.Contract()
	}
	return entryPointABI.Pack("handleOps", contractOps, beneficiary)
}

// PackSimulateValidation encodes a simulateValidation call.
func PackSimulateValidation(op *models.UserOperation) ([]byte, error) {
	return entryPointABI.Pack("simulateValidation", op.Contract())
}

// DecodeValidationRevert decodes the revert data of simulateValidation. It
// returns a *FailedOp error when the operation failed validation.
func DecodeValidationRevert(data []byte) (*ValidationOutput, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("validation revert data too short: %d bytes", len(data))
	}

	if failed, ok := decodeFailedOp(data); ok {
		return nil, failed
	}

	for _, name := range []string{"ValidationResult", "ValidationResultWithAggregation"} {
		abiErr := entryPointABI.Errors[name]
		if !matchesSelector(data, abiErr.ID) {
			continue
		}

		values, err := abiErr.Inputs.Unpack(data[4:])
		if err != nil {
			return nil, fmt.Errorf("failed to unpack %s: %w", name, err)
		}

		out := &ValidationOutput{}
		info := *abi.ConvertType(values[0], new(ReturnInfo)).(*ReturnInfo)
		out.ReturnInfo = info

		if name == "ValidationResultWithAggregation" && len(values) > 4 {
			agg := *abi.ConvertType(values[4], new(aggregatorInfo)).(*aggregatorInfo)
			out.Aggregator = &agg.Aggregator
		}
		return out, nil
	}

	return nil, fmt.Errorf("unexpected validation revert selector: %x", data[:4])
}

// ExecutionResult is the decoded simulateHandleOp revert.
type ExecutionResult struct {
	PreOpGas      *big.Int
	Paid          *big.Int
	ValidAfter    *big.Int
	ValidUntil    *big.Int
	TargetSuccess bool
	TargetResult  []byte
}

// PackSimulateHandleOp encodes a simulateHandleOp call. A zero target skips
// the target call.
func PackSimulateHandleOp(op *models.UserOperation, target common.Address, targetCallData []byte) ([]byte, error) {
	if targetCallData == nil {
		targetCallData = []byte{}
	}
	return entryPointABI.Pack("simulateHandleOp", op.Contract(), target, targetCallData)
}

// DecodeExecutionRevert decodes the revert data of simulateHandleOp. It
// returns a *FailedOp error when the operation failed validation.
func DecodeExecutionRevert(data []byte) (*ExecutionResult, error) {
	if failed, ok := decodeFailedOp(data); ok {
		return nil, failed
	}

	abiErr := entryPointABI.Errors["ExecutionResult"]
	if !matchesSelector(data, abiErr.ID) {
		if len(data) < 4 {
			return nil, fmt.Errorf("execution revert data too short: %d bytes", len(data))
		}
		return nil, fmt.Errorf("unexpected execution revert selector: %x", data[:4])
	}

	values, err := abiErr.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("failed to unpack ExecutionResult: %w", err)
	}

	result := new(ExecutionResult)
	if err := abiErr.Inputs.Copy(result, values); err != nil {
		return nil, fmt.Errorf("failed to copy ExecutionResult: %w", err)
	}
	return result, nil
}

func decodeFailedOp(data []byte) (*FailedOp, bool) {
	abiErr := entryPointABI.Errors["FailedOp"]
	if !matchesSelector(data, abiErr.ID) {
		return nil, false
	}

	values, err := abiErr.Inputs.Unpack(data[4:])
	if err != nil || len(values) != 2 {
		return nil, false
	}

	index, _ := values[0].(*big.Int)
	reason, _ := values[1].(string)
	if index == nil || !index.IsUint64() {
		return nil, false
	}
	return &FailedOp{OpIndex: index.Uint64(), Reason: reason}, true
}

func matchesSelector(data []byte, id common.Hash) bool {
	return len(data) >= 4 && string(data[:4]) == string(id[:4])
}
