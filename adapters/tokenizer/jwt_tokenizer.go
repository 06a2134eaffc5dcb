package tokenizer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/ports"
)

const AudienceAccess = "walletauth:access"

// DefaultAccessTTL is the lifetime of an access token. Tokens never outlive
// their session.
const DefaultAccessTTL = 15 * time.Minute

// JWTTokenizer implements the Tokenizer interface using ES256 JWTs
type JWTTokenizer struct {
	signKey   *ecdsa.PrivateKey
	accessTTL time.Duration
	now       func() time.Time
}

var _ ports.Tokenizer = (*JWTTokenizer)(nil)

// NewJWTTokenizer creates a new JWT tokenizer
func NewJWTTokenizer(signKey *ecdsa.PrivateKey, accessTTL time.Duration) *JWTTokenizer {
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	return &JWTTokenizer{signKey: signKey, accessTTL: accessTTL, now: time.Now}
}

// WithClock returns a copy of the tokenizer using now as its time source
func (j *JWTTokenizer) WithClock(now func() time.Time) *JWTTokenizer {
	c := *j
	c.now = now
	return &c
}

// SessionToAccessToken converts a verified Session to an access JWT token
func (j *JWTTokenizer) SessionToAccessToken(session *core.Session) (string, error) {
	if !session.Verified {
		return "", core.ErrInvalidSession
	}

	now := j.now()
	expiresAt := now.Add(j.accessTTL)
	if session.ExpiresAt.Before(expiresAt) {
		expiresAt = session.ExpiresAt
	}

	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   session.WalletAddress,
			ID:        session.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Audience:  jwt.ClaimStrings{AudienceAccess},
		},
		ChainID: session.ChainID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)

	signedToken, err := token.SignedString(j.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}

	return signedToken, nil
}

// AccessTokenToSession parses an access token and returns the session it
// claims. The caller must still check the session against the store.
func (j *JWTTokenizer) AccessTokenToSession(tokenStr string) (*core.Session, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &j.signKey.PublicKey, nil
	},
		jwt.WithAudience(AudienceAccess),
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidSession, err)
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return nil, core.ErrInvalidSession
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidSession, errors.New("missing session claims"))
	}

	session := &core.Session{
		ID:            claims.ID,
		WalletAddress: claims.Subject,
		ChainID:       claims.ChainID,
		ExpiresAt:     claims.ExpiresAt.Time,
		Verified:      true,
	}

	return session, nil
}
