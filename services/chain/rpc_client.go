package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"go.uber.org/ratelimit"

	"github.com/Blu-J/rundler/models"
)

// simulationGasCap is the gas given to simulateValidation traces.
const simulationGasCap = 30_000_000

var _ Client = &RPCClient{}

// RPCClient implements Client over the node JSON-RPC API.
type RPCClient struct {
	rpc          *rpc.Client
	eth          *ethclient.Client
	entryPoint   common.Address
	traceLimiter ratelimit.Limiter
	logger       zerolog.Logger
}

func NewRPCClient(
	ctx context.Context,
	url string,
	entryPoint common.Address,
	traceRateLimit int,
	logger zerolog.Logger,
) (*RPCClient, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial node at %s: %w", url, err)
	}

	limiter := ratelimit.NewUnlimited()
	if traceRateLimit > 0 {
		limiter = ratelimit.New(traceRateLimit, ratelimit.WithoutSlack)
	}

	return &RPCClient{
		rpc:          client,
		eth:          ethclient.NewClient(client),
		entryPoint:   entryPoint,
		traceLimiter: limiter,
		logger:       logger.With().Str("component", "chain-client").Logger(),
	}, nil
}

func (c *RPCClient) Close() {
	c.rpc.Close()
}

func (c *RPCClient) CurrentState(ctx context.Context) (models.ChainState, error) {
	header, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return models.ChainState{}, models.NewRecoverableError(
			fmt.Errorf("failed to get latest header: %w", err),
		)
	}

	return models.ChainState{
		Marker: models.StateMarker{
			BlockNumber: header.Number.Uint64(),
			BlockHash:   header.Hash(),
		},
		BaseFee:   header.BaseFee,
		Timestamp: header.Time,
	}, nil
}

type callArgs struct {
	From *common.Address `json:"from,omitempty"`
	To   *common.Address `json:"to"`
	Gas  *hexutil.Uint64 `json:"gas,omitempty"`
	Data hexutil.Bytes   `json:"data"`
}

type traceConfig struct {
	Tracer string `json:"tracer"`
}

func (c *RPCClient) TraceValidation(
	ctx context.Context,
	op *models.UserOperation,
	state models.ChainState,
) (*ValidationTrace, error) {
	data, err := PackSimulateValidation(op)
	if err != nil {
		return nil, fmt.Errorf("failed to encode simulateValidation: %w", err)
	}

	gas := hexutil.Uint64(simulationGasCap)
	args := callArgs{
		To:   &c.entryPoint,
		Gas:  &gas,
		Data: data,
	}

	c.traceLimiter.Take()

	var raw json.RawMessage
	err = c.rpc.CallContext(
		ctx,
		&raw,
		"debug_traceCall",
		args,
		rpc.BlockNumberOrHashWithHash(state.Marker.BlockHash, false),
		traceConfig{Tracer: validationTracer},
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, models.NewRecoverableError(
			fmt.Errorf("failed to trace validation of %s: %w", op.ID(), err),
		)
	}

	return ParseValidationTrace(raw)
}

func (c *RPCClient) SimulateHandleOps(
	ctx context.Context,
	call HandleOpsCall,
	state models.ChainState,
) (*HandleOpsResult, error) {
	data, err := PackHandleOps(call.Ops, call.Beneficiary)
	if err != nil {
		return nil, fmt.Errorf("failed to encode handleOps: %w", err)
	}

	msg := ethereum.CallMsg{
		From: call.From,
		To:   &c.entryPoint,
		Gas:  call.GasLimit,
		Data: data,
	}

	_, err = c.eth.CallContractAtHash(ctx, msg, state.Marker.BlockHash)
	if err != nil {
		revert, ok := revertData(err)
		if !ok {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, models.NewRecoverableError(
				fmt.Errorf("failed to simulate handleOps: %w", err),
			)
		}
		if failed, ok := decodeFailedOp(revert); ok {
			return &HandleOpsResult{FailedOp: failed}, nil
		}
		return &HandleOpsResult{RevertReason: err.Error()}, nil
	}

	gasUsed, err := c.eth.EstimateGas(ctx, msg)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to estimate bundle gas, using gas limit")
		gasUsed = call.GasLimit
	}

	return &HandleOpsResult{Success: true, GasUsed: gasUsed}, nil
}

func (c *RPCClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, models.NewRecoverableError(fmt.Errorf("failed to suggest tip: %w", err))
	}
	return tip, nil
}

func (c *RPCClient) NonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	nonce, err := c.eth.NonceAt(ctx, addr, nil)
	if err != nil {
		return 0, models.NewRecoverableError(fmt.Errorf("failed to get nonce of %s: %w", addr, err))
	}
	return nonce, nil
}

func (c *RPCClient) Broadcast(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

func (c *RPCClient) InclusionStatus(ctx context.Context, txHash common.Hash) (*InclusionStatus, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return &InclusionStatus{}, nil
		}
		return nil, models.NewRecoverableError(
			fmt.Errorf("failed to get receipt of %s: %w", txHash, err),
		)
	}

	return ParseReceipt(receipt, c.entryPoint)
}

func (c *RPCClient) SimulateHandleOp(
	ctx context.Context,
	call SimulateHandleOpCall,
	state models.ChainState,
) (*ExecutionResult, error) {
	data, err := PackSimulateHandleOp(call.Op, call.Target, call.TargetCallData)
	if err != nil {
		return nil, fmt.Errorf("failed to encode simulateHandleOp: %w", err)
	}

	gas := call.GasLimit
	if gas == 0 {
		gas = simulationGasCap
	}
	msg := ethereum.CallMsg{
		To:   &c.entryPoint,
		Gas:  gas,
		Data: data,
	}

	_, err = c.eth.CallContractAtHash(ctx, msg, state.Marker.BlockHash)
	if err == nil {
		return nil, fmt.Errorf("simulateHandleOp of %s returned without reverting", call.Op.ID())
	}

	revert, ok := revertData(err)
	if !ok {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, models.NewRecoverableError(
			fmt.Errorf("failed to simulate %s: %w", call.Op.ID(), err),
		)
	}
	return DecodeExecutionRevert(revert)
}

func (c *RPCClient) CallAccount(
	ctx context.Context,
	call AccountCall,
	state models.ChainState,
) (*CallResult, error) {
	msg := ethereum.CallMsg{
		From: call.From,
		To:   &call.To,
		Gas:  call.Gas,
		Data: call.Data,
	}

	_, err := c.eth.CallContractAtHash(ctx, msg, state.Marker.BlockHash)
	if err == nil {
		return &CallResult{Success: true}, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if revert, ok := revertData(err); ok {
		return &CallResult{RevertData: revert, Reason: err.Error()}, nil
	}
	// out of gas and other execution failures carry no revert data
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return &CallResult{Reason: err.Error()}, nil
	}
	return nil, models.NewRecoverableError(
		fmt.Errorf("failed to call %s: %w", call.To, err),
	)
}

func (c *RPCClient) OperationReceipt(
	ctx context.Context,
	hash common.Hash,
	lookback uint64,
) (*OperationReceipt, error) {
	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return nil, models.NewRecoverableError(fmt.Errorf("failed to get block number: %w", err))
	}

	var from uint64
	if lookback > 0 && head > lookback {
		from = head - lookback
	}

	logs, err := c.eth.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{c.entryPoint},
		Topics:    [][]common.Hash{{entryPointABI.Events["UserOperationEvent"].ID}, {hash}},
	})
	if err != nil {
		return nil, models.NewRecoverableError(
			fmt.Errorf("failed to filter events of %s: %w", hash, err),
		)
	}
	if len(logs) == 0 {
		return nil, nil
	}

	receipt, err := c.eth.TransactionReceipt(ctx, logs[0].TxHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, models.NewRecoverableError(
			fmt.Errorf("failed to get receipt of %s: %w", logs[0].TxHash, err),
		)
	}

	return ExtractOperationReceipt(receipt, hash, c.entryPoint)
}

// ParseReceipt extracts the per operation outcomes from a bundle receipt.
func ParseReceipt(receipt *types.Receipt, entryPoint common.Address) (*InclusionStatus, error) {
	status := &InclusionStatus{
		Included:   true,
		Reverted:   receipt.Status != types.ReceiptStatusSuccessful,
		Operations: make(map[common.Hash]bool),
	}
	if receipt.BlockNumber != nil {
		status.BlockNumber = receipt.BlockNumber.Uint64()
	}

	for _, l := range receipt.Logs {
		if !isOperationEvent(l, entryPoint) {
			continue
		}
		event, err := decodeOperationEvent(l)
		if err != nil {
			return nil, err
		}
		status.Operations[event.UserOpHash] = event.Success
	}

	return status, nil
}

// ExtractOperationReceipt builds the receipt of operation hash from the
// receipt of the bundle transaction including it. The operation logs are
// the ones emitted after the previous operation's event and before its own.
func ExtractOperationReceipt(
	receipt *types.Receipt,
	hash common.Hash,
	entryPoint common.Address,
) (*OperationReceipt, error) {
	start := 0
	for i, l := range receipt.Logs {
		if !isOperationEvent(l, entryPoint) {
			continue
		}
		if l.Topics[1] != hash {
			start = i + 1
			continue
		}

		out, err := decodeOperationEvent(l)
		if err != nil {
			return nil, err
		}
		out.EntryPoint = entryPoint
		out.Logs = receipt.Logs[start:i]
		out.Receipt = receipt
		return out, nil
	}

	return nil, fmt.Errorf("receipt of %s has no event for operation %s", receipt.TxHash, hash)
}

func isOperationEvent(l *types.Log, entryPoint common.Address) bool {
	return l.Address == entryPoint &&
		len(l.Topics) == 4 &&
		l.Topics[0] == entryPointABI.Events["UserOperationEvent"].ID
}

func decodeOperationEvent(l *types.Log) (*OperationReceipt, error) {
	values, err := entryPointABI.Events["UserOperationEvent"].Inputs.NonIndexed().Unpack(l.Data)
	if err != nil || len(values) != 4 {
		return nil, fmt.Errorf("failed to decode UserOperationEvent: %v", err)
	}

	out := &OperationReceipt{
		UserOpHash: l.Topics[1],
		Sender:     common.BytesToAddress(l.Topics[2].Bytes()),
		Paymaster:  common.BytesToAddress(l.Topics[3].Bytes()),
	}
	out.Nonce, _ = values[0].(*big.Int)
	out.Success, _ = values[1].(bool)
	out.ActualGasCost, _ = values[2].(*big.Int)
	out.ActualGasUsed, _ = values[3].(*big.Int)
	return out, nil
}

func revertData(err error) ([]byte, bool) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil, false
	}
	hexData, ok := dataErr.ErrorData().(string)
	if !ok {
		return nil, false
	}
	data, err := hexutil.Decode(hexData)
	if err != nil {
		return nil, false
	}
	return data, true
}
