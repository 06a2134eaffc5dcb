package tokenizer

import "github.com/golang-jwt/jwt/v5"

// AccessClaims combines standard claims with session-specific ones.
// Subject is the wallet address and ID the session id.
type AccessClaims struct {
	jwt.RegisteredClaims
	ChainID int64 `json:"chain"`
}
