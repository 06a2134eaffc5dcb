package ports

import "context"

// SignatureVerifier checks that signature over message was produced by address
type SignatureVerifier interface {
	Verify(ctx context.Context, address, message, signature string) error
}
