package validation

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Blu-J/rundler/models"
	errs "github.com/Blu-J/rundler/models/errors"
)

// MinCallGasLimit is the smallest callGasLimit able to cover a value
// transfer from the account.
const MinCallGasLimit = 9100

// maxNonceBits is the width of the nonce key plus sequence.
const maxNonceBits = 256

// Limits are the static bounds an operation is checked against before any
// execution.
type Limits struct {
	MaxVerificationGas uint64
	MaxCallGas         uint64
	MaxSignatureLength int
}

// CheckWellFormed rejects operations that can be refused without touching
// the chain.
func CheckWellFormed(op *models.UserOperation, limits Limits) error {
	if op == nil {
		return errs.NewValidationError(errs.ErrMalformedOperation, "missing operation")
	}
	if op.Sender == (common.Address{}) {
		return errs.NewValidationError(errs.ErrMalformedOperation, "sender is the zero address")
	}
	if op.Nonce == nil || op.Nonce.Sign() < 0 || op.Nonce.BitLen() > maxNonceBits {
		return errs.NewValidationError(errs.ErrMalformedOperation, "invalid nonce %v", op.Nonce)
	}

	fields := []struct {
		name  string
		value *big.Int
	}{
		{"callGasLimit", op.CallGasLimit},
		{"verificationGasLimit", op.VerificationGasLimit},
		{"preVerificationGas", op.PreVerificationGas},
		{"maxFeePerGas", op.MaxFeePerGas},
		{"maxPriorityFeePerGas", op.MaxPriorityFeePerGas},
	}
	for _, f := range fields {
		if f.value == nil || f.value.Sign() < 0 || f.value.BitLen() > 256 {
			return errs.NewValidationError(errs.ErrMalformedOperation, "invalid %s %v", f.name, f.value)
		}
	}

	if op.VerificationGasLimit.Sign() == 0 {
		return errs.NewValidationError(errs.ErrMalformedOperation, "verificationGasLimit is zero")
	}
	if op.MaxFeePerGas.Sign() == 0 {
		return errs.NewValidationError(errs.ErrMalformedOperation, "maxFeePerGas is zero")
	}
	if op.MaxPriorityFeePerGas.Cmp(op.MaxFeePerGas) > 0 {
		return errs.NewValidationError(
			errs.ErrMalformedOperation,
			"maxPriorityFeePerGas %s above maxFeePerGas %s",
			op.MaxPriorityFeePerGas,
			op.MaxFeePerGas,
		)
	}

	if vgl := models.GasValue(op.VerificationGasLimit); vgl > limits.MaxVerificationGas {
		return errs.NewValidationError(
			errs.ErrGasLimitExceeded,
			"verificationGasLimit %d above maximum %d",
			vgl,
			limits.MaxVerificationGas,
		)
	}
	cgl := models.GasValue(op.CallGasLimit)
	if cgl < MinCallGasLimit {
		return errs.NewValidationError(
			errs.ErrMalformedOperation,
			"callGasLimit %d below minimum %d",
			cgl,
			MinCallGasLimit,
		)
	}
	if cgl > limits.MaxCallGas {
		return errs.NewValidationError(
			errs.ErrGasLimitExceeded,
			"callGasLimit %d above maximum %d",
			cgl,
			limits.MaxCallGas,
		)
	}

	if n := len(op.InitCode); n != 0 && n < common.AddressLength {
		return errs.NewValidationError(errs.ErrMalformedOperation, "initCode of %d bytes has no factory", n)
	}
	if n := len(op.PaymasterAndData); n != 0 && n < common.AddressLength {
		return errs.NewValidationError(errs.ErrMalformedOperation, "paymasterAndData of %d bytes has no paymaster", n)
	}

	if len(op.Signature) == 0 {
		return errs.NewValidationError(errs.ErrInvalidSignature, "empty signature")
	}
	if limits.MaxSignatureLength > 0 && len(op.Signature) > limits.MaxSignatureLength {
		return errs.NewValidationError(
			errs.ErrInvalidSignature,
			"signature of %d bytes above maximum %d",
			len(op.Signature),
			limits.MaxSignatureLength,
		)
	}

	staticGas, err := op.StaticPreVerificationGas()
	if err != nil {
		return errs.NewValidationError(errs.ErrMalformedOperation, "%v", err)
	}
	if pvg := models.GasValue(op.PreVerificationGas); pvg < staticGas {
		return errs.NewValidationError(
			errs.ErrGasLimitExceeded,
			"preVerificationGas %d below calldata cost %d",
			pvg,
			staticGas,
		)
	}

	return nil
}
