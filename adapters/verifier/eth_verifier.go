package verifier

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/ports"
)

// EthVerifier checks EIP-191 personal_sign signatures by recovering the
// signer address from the message hash.
type EthVerifier struct{}

var _ ports.SignatureVerifier = (*EthVerifier)(nil)

// NewEthVerifier creates a new personal_sign verifier
func NewEthVerifier() *EthVerifier {
	return &EthVerifier{}
}

// Verify returns core.ErrInvalidSignature unless signature is a 65 byte
// [R || S || V] signature over message made by address.
func (v *EthVerifier) Verify(_ context.Context, address, message, signature string) error {
	if !common.IsHexAddress(address) {
		return core.ErrInvalidAddress
	}

	decodedSig, err := hexutil.Decode(signature)
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", core.ErrInvalidSignature)
	}
	if len(decodedSig) != crypto.SignatureLength {
		return fmt.Errorf("signature must be %d bytes: %w", crypto.SignatureLength, core.ErrInvalidSignature)
	}

	// wallets produce V as 27/28
	if decodedSig[crypto.RecoveryIDOffset] >= 27 {
		decodedSig[crypto.RecoveryIDOffset] -= 27
	}
	if decodedSig[crypto.RecoveryIDOffset] > 1 {
		return fmt.Errorf("invalid recovery id: %w", core.ErrInvalidSignature)
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), decodedSig)
	if err != nil {
		return fmt.Errorf("failed to recover signer: %w", core.ErrInvalidSignature)
	}
	if crypto.PubkeyToAddress(*pub) != common.HexToAddress(address) {
		return core.ErrInvalidSignature
	}

	return nil
}
