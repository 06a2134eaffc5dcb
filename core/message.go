package core

import (
	"fmt"
	"time"
)

// ChallengeMessage renders the text a wallet signs to prove control of address.
// The same inputs always render the same message.
func ChallengeMessage(domain string, n *Nonce, chainID int64) string {
	return fmt.Sprintf(
		"%s wants you to sign in with your Ethereum account:\n%s\n\nPurpose: %s\nChain ID: %d\nNonce: %s\nIssued At: %s\nExpiration Time: %s",
		domain,
		n.WalletAddress,
		n.Purpose,
		chainID,
		n.Value,
		n.IssuedAt.UTC().Format(time.RFC3339),
		n.ExpiresAt.UTC().Format(time.RFC3339),
	)
}
