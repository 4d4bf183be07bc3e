package models

import (
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// EntryPointInnerGasOverhead is the gas spent by the entry point around the
// validation frame that is not covered by the verification gas limit.
const EntryPointInnerGasOverhead = 5000

// static pre-verification gas parameters
const (
	calldataZeroByteGas    = 4
	calldataNonZeroByteGas = 16
	perUserOpWordGas       = 4
	perUserOpGas           = 18300
)

// UserOperation represents an ERC-4337 (entry point v0.6) user operation.
// See: https://eips.ethereum.org/EIPS/eip-4337
type UserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *big.Int       `json:"nonce"`
	InitCode             []byte         `json:"initCode"`
	CallData             []byte         `json:"callData"`
	CallGasLimit         *big.Int       `json:"callGasLimit"`
	VerificationGasLimit *big.Int       `json:"verificationGasLimit"`
	PreVerificationGas   *big.Int       `json:"preVerificationGas"`
	MaxFeePerGas         *big.Int       `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *big.Int       `json:"maxPriorityFeePerGas"`
	PaymasterAndData     []byte         `json:"paymasterAndData"`
	Signature            []byte         `json:"signature"`
	// Aggregator is set when the account delegates signature checks to an
	// aggregator contract. It is not part of the operation hash.
	Aggregator *common.Address `json:"aggregator,omitempty"`
}

// OperationID is the pool key of an operation.
// The nonce is held as a 32 byte word so the ID stays comparable.
type OperationID struct {
	Sender common.Address
	Nonce  common.Hash
}

func (id OperationID) String() string {
	return fmt.Sprintf("%s:%s", id.Sender.Hex(), id.Nonce.Big().String())
}

// ContractUserOperation mirrors the on-chain UserOperation struct and is used
// when ABI encoding operations.
type ContractUserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

var (
	addressTy = mustType("address", nil)
	uint256Ty = mustType("uint256", nil)
	bytes32Ty = mustType("bytes32", nil)

	// UserOperationTupleType is the ABI type of the v0.6 UserOperation struct.
	UserOperationTupleType = mustType("tuple", []abi.ArgumentMarshaling{
		{Name: "sender", Type: "address"},
		{Name: "nonce", Type: "uint256"},
		{Name: "initCode", Type: "bytes"},
		{Name: "callData", Type: "bytes"},
		{Name: "callGasLimit", Type: "uint256"},
		{Name: "verificationGasLimit", Type: "uint256"},
		{Name: "preVerificationGas", Type: "uint256"},
		{Name: "maxFeePerGas", Type: "uint256"},
		{Name: "maxPriorityFeePerGas", Type: "uint256"},
		{Name: "paymasterAndData", Type: "bytes"},
		{Name: "signature", Type: "bytes"},
	})

	packedForHashArgs = abi.Arguments{
		{Type: addressTy},
		{Type: uint256Ty},
		{Type: bytes32Ty},
		{Type: bytes32Ty},
		{Type: uint256Ty},
		{Type: uint256Ty},
		{Type: uint256Ty},
		{Type: uint256Ty},
		{Type: uint256Ty},
		{Type: bytes32Ty},
	}
	hashEncodedArgs = abi.Arguments{{Type: bytes32Ty}, {Type: addressTy}, {Type: uint256Ty}}
	userOpArgs      = abi.Arguments{{Type: UserOperationTupleType}}
)

func mustType(t string, components []abi.ArgumentMarshaling) abi.Type {
	typ, err := abi.NewType(t, "", components)
	if err != nil {
		panic(fmt.Sprintf("invalid abi type %s: %v", t, err))
	}
	return typ
}

// ID returns the (sender, nonce) key of the operation.
func (uo *UserOperation) ID() OperationID {
	return OperationID{
		Sender: uo.Sender,
		Nonce:  common.BigToHash(bigOrZero(uo.Nonce)),
	}
}

// Hash computes the user operation hash as defined by entry point v0.6:
// keccak256(abi.encode(keccak256(abi.encode(packed)), entryPoint, chainId))
func (uo *UserOperation) Hash(entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	packed, err := packedForHashArgs.Pack(
		uo.Sender,
		bigOrZero(uo.Nonce),
		[32]byte(crypto.Keccak256Hash(uo.InitCode)),
		[32]byte(crypto.Keccak256Hash(uo.CallData)),
		bigOrZero(uo.CallGasLimit),
		bigOrZero(uo.VerificationGasLimit),
		bigOrZero(uo.PreVerificationGas),
		bigOrZero(uo.MaxFeePerGas),
		bigOrZero(uo.MaxPriorityFeePerGas),
		[32]byte(crypto.Keccak256Hash(uo.PaymasterAndData)),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack user operation: %w", err)
	}

	encoded, err := hashEncodedArgs.Pack(
		[32]byte(crypto.Keccak256Hash(packed)),
		entryPoint,
		bigOrZero(chainID),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode user operation hash: %w", err)
	}

	return crypto.Keccak256Hash(encoded), nil
}

// Contract converts the operation into its ABI struct form, nil values are
// replaced with zero.
func (uo *UserOperation) Contract() ContractUserOperation {
	return ContractUserOperation{
		Sender:               uo.Sender,
		Nonce:                bigOrZero(uo.Nonce),
		InitCode:             nonNilBytes(uo.InitCode),
		CallData:             nonNilBytes(uo.CallData),
		CallGasLimit:         bigOrZero(uo.CallGasLimit),
		VerificationGasLimit: bigOrZero(uo.VerificationGasLimit),
		PreVerificationGas:   bigOrZero(uo.PreVerificationGas),
		MaxFeePerGas:         bigOrZero(uo.MaxFeePerGas),
		MaxPriorityFeePerGas: bigOrZero(uo.MaxPriorityFeePerGas),
		PaymasterAndData:     nonNilBytes(uo.PaymasterAndData),
		Signature:            nonNilBytes(uo.Signature),
	}
}

// Factory returns the factory address from initCode, or the zero address.
func (uo *UserOperation) Factory() common.Address {
	return addressFromField(uo.InitCode)
}

// Paymaster returns the paymaster address from paymasterAndData, or the zero address.
func (uo *UserOperation) Paymaster() common.Address {
	return addressFromField(uo.PaymasterAndData)
}

func (uo *UserOperation) HasFactory() bool {
	return len(uo.InitCode) >= common.AddressLength
}

func (uo *UserOperation) HasPaymaster() bool {
	return len(uo.PaymasterAndData) >= common.AddressLength
}

// Entities lists every entity referenced by the operation, the account first.
func (uo *UserOperation) Entities() []Entity {
	entities := []Entity{{Type: EntityAccount, Address: uo.Sender}}
	if uo.HasPaymaster() {
		entities = append(entities, Entity{Type: EntityPaymaster, Address: uo.Paymaster()})
	}
	if uo.HasFactory() {
		entities = append(entities, Entity{Type: EntityFactory, Address: uo.Factory()})
	}
	if uo.Aggregator != nil && *uo.Aggregator != (common.Address{}) {
		entities = append(entities, Entity{Type: EntityAggregator, Address: *uo.Aggregator})
	}
	return entities
}

// TotalVerificationGasLimit is the gas available to the validation phases.
// The paymaster gets its own verification gas allowance.
func (uo *UserOperation) TotalVerificationGasLimit() uint64 {
	mul := uint64(1)
	if uo.HasPaymaster() {
		mul = 2
	}
	return satMul(GasValue(uo.VerificationGasLimit), mul)
}

// BundleGasLimit is the gas the operation may consume inside a bundle.
// verificationGasLimit is counted three times with a paymaster (validation,
// paymaster validation and postOp).
func (uo *UserOperation) BundleGasLimit() uint64 {
	mul := uint64(1)
	if uo.HasPaymaster() {
		mul = 3
	}
	gas := satAdd(GasValue(uo.PreVerificationGas), GasValue(uo.CallGasLimit))
	return satAdd(gas, satMul(GasValue(uo.VerificationGasLimit), mul))
}

// MaxGasCost is the maximum amount the operation can be charged.
func (uo *UserOperation) MaxGasCost() *big.Int {
	gas := new(big.Int).SetUint64(uo.BundleGasLimit())
	return gas.Mul(gas, bigOrZero(uo.MaxFeePerGas))
}

// EffectivePriorityFee returns min(maxPriorityFee, maxFee - baseFee), floored at zero.
func (uo *UserOperation) EffectivePriorityFee(baseFee *big.Int) *big.Int {
	priority := new(big.Int).Set(bigOrZero(uo.MaxPriorityFeePerGas))
	if baseFee == nil {
		return priority
	}

	headroom := new(big.Int).Sub(bigOrZero(uo.MaxFeePerGas), baseFee)
	if headroom.Sign() < 0 {
		return new(big.Int)
	}
	if headroom.Cmp(priority) < 0 {
		return headroom
	}
	return priority
}

// StaticPreVerificationGas is the calldata cost of including the operation
// in a bundle plus the fixed per operation overhead.
func (uo *UserOperation) StaticPreVerificationGas() (uint64, error) {
	encoded, err := userOpArgs.Pack(uo.Contract())
	if err != nil {
		return 0, fmt.Errorf("failed to encode user operation: %w", err)
	}

	var gas uint64
	for _, b := range encoded {
		if b == 0 {
			gas += calldataZeroByteGas
		} else {
			gas += calldataNonZeroByteGas
		}
	}
	words := (uint64(len(encoded)) + 31) / 32
	return gas + words*perUserOpWordGas + perUserOpGas, nil
}

// Copy returns a deep copy of the operation.
func (uo *UserOperation) Copy() *UserOperation {
	cpy := &UserOperation{
		Sender:               uo.Sender,
		Nonce:                copyBig(uo.Nonce),
		InitCode:             common.CopyBytes(uo.InitCode),
		CallData:             common.CopyBytes(uo.CallData),
		CallGasLimit:         copyBig(uo.CallGasLimit),
		VerificationGasLimit: copyBig(uo.VerificationGasLimit),
		PreVerificationGas:   copyBig(uo.PreVerificationGas),
		MaxFeePerGas:         copyBig(uo.MaxFeePerGas),
		MaxPriorityFeePerGas: copyBig(uo.MaxPriorityFeePerGas),
		PaymasterAndData:     common.CopyBytes(uo.PaymasterAndData),
		Signature:            common.CopyBytes(uo.Signature),
	}
	if uo.Aggregator != nil {
		agg := *uo.Aggregator
		cpy.Aggregator = &agg
	}
	return cpy
}

// GasValue converts a gas quantity to uint64, saturating on overflow.
func GasValue(v *big.Int) uint64 {
	if v == nil || v.Sign() <= 0 {
		return 0
	}
	if !v.IsUint64() {
		return math.MaxUint64
	}
	return v.Uint64()
}

func addressFromField(data []byte) common.Address {
	if len(data) < common.AddressLength {
		return common.Address{}
	}
	return common.BytesToAddress(data[:common.AddressLength])
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func nonNilBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func satAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

func satMul(a, b uint64) uint64 {
	if a != 0 && b > math.MaxUint64/a {
		return math.MaxUint64
	}
	return a * b
}
