package validation

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Blu-J/rundler/models"
)

// SignatureVerifier is the pass/fail signature capability consulted before
// tracing. A nil error means the signature is acceptable.
type SignatureVerifier interface {
	Verify(ctx context.Context, op *models.UserOperation, hash common.Hash) error
}

// OwnerResolver returns the address expected to sign for sender.
type OwnerResolver func(ctx context.Context, sender common.Address) (common.Address, error)

var _ SignatureVerifier = &ECDSAVerifier{}

// ECDSAVerifier checks the signature is a recoverable EIP-191 signature of
// the operation hash. When an owner resolver is set the recovered signer
// must also match the resolved owner.
type ECDSAVerifier struct {
	owner OwnerResolver
}

func NewECDSAVerifier(owner OwnerResolver) *ECDSAVerifier {
	return &ECDSAVerifier{owner: owner}
}

func (v *ECDSAVerifier) Verify(ctx context.Context, op *models.UserOperation, hash common.Hash) error {
	signer, err := RecoverSigner(hash, op.Signature)
	if err != nil {
		return err
	}
	if v.owner == nil {
		return nil
	}

	owner, err := v.owner(ctx, op.Sender)
	if err != nil {
		return fmt.Errorf("failed to resolve owner of %s: %w", op.Sender, err)
	}
	if owner != signer {
		return fmt.Errorf("signed by %s, owner is %s", signer, owner)
	}
	return nil
}

// RecoverSigner recovers the address that produced an EIP-191 signature of
// the operation hash.
func RecoverSigner(hash common.Hash, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(signature))
	}

	sig := common.CopyBytes(signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	if sig[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, fmt.Errorf("invalid recovery id %d", signature[crypto.RecoveryIDOffset])
	}

	pub, err := crypto.SigToPub(accounts.TextHash(hash.Bytes()), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
