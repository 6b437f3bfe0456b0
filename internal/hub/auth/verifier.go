// Package auth verifies short-lived access tokens and tracks
// cross-process token revocation.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token issuer and audience enforced on every token.
const (
	Issuer   = "agentim"
	Audience = "agentim"
)

// TokenType classifies a token's intended use.
type TokenType string

// Recognized token types.
const (
	TokenAccess    TokenType = "access"
	TokenRefresh   TokenType = "refresh"
	TokenChallenge TokenType = "challenge"
)

// Verification failure kinds. All map to an unauthenticated result at
// the wire boundary; only the expired/revoked distinction is surfaced
// so the gateway can decide between a refresh and a re-login.
var (
	ErrMalformed    = errors.New("malformed token")
	ErrBadSignature = errors.New("invalid token signature")
	ErrExpired      = errors.New("token expired")
	ErrWrongIssuer  = errors.New("wrong token issuer or audience")
	ErrWrongType    = errors.New("invalid token type")
	ErrRevoked      = errors.New("token revoked")
)

// Claims is the verified identity extracted from a token.
type Claims struct {
	UserID   string
	Username string
	Type     TokenType
	IssuedAt time.Time
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Username  string `json:"username"`
	TokenType string `json:"type"`
}

// Verifier checks token signatures against the current secret with a
// fallback to the previous secret (key rotation window), then consults
// the revocation registry.
type Verifier struct {
	secret      []byte
	prevSecret  []byte
	revocations *RevocationRegistry
}

// NewVerifier creates a Verifier. prevSecret may be empty when no key
// rotation is in progress. revocations may be nil in tests.
func NewVerifier(secret, prevSecret []byte, revocations *RevocationRegistry) *Verifier {
	return &Verifier{
		secret:      secret,
		prevSecret:  prevSecret,
		revocations: revocations,
	}
}

// Verify validates a token of any recognized type.
func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	claims, err := v.parse(token, v.secret)
	if errors.Is(err, ErrBadSignature) && len(v.prevSecret) > 0 {
		claims, err = v.parse(token, v.prevSecret)
	}
	if err != nil {
		return nil, err
	}

	if v.revocations != nil && v.revocations.IsRevoked(ctx, claims.UserID, claims.IssuedAt.UnixMilli()) {
		return nil, ErrRevoked
	}
	return claims, nil
}

// VerifyAccess validates a token and additionally requires type=access.
// Refresh and challenge tokens are rejected with ErrWrongType.
func (v *Verifier) VerifyAccess(ctx context.Context, token string) (*Claims, error) {
	claims, err := v.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	if claims.Type != TokenAccess {
		return nil, ErrWrongType
	}
	return claims, nil
}

func (v *Verifier) parse(token string, secret []byte) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(
		token,
		&tokenClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return secret, nil
		},
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrBadSignature
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
			return nil, ErrWrongIssuer
		default:
			return nil, ErrMalformed
		}
	}

	tc, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return nil, ErrMalformed
	}
	if tc.Subject == "" || tc.Username == "" {
		return nil, ErrMalformed
	}

	typ := TokenType(tc.TokenType)
	switch typ {
	case TokenAccess, TokenRefresh, TokenChallenge:
	default:
		return nil, ErrWrongType
	}

	var iat time.Time
	if tc.IssuedAt != nil {
		iat = tc.IssuedAt.Time
	}

	return &Claims{
		UserID:   tc.Subject,
		Username: tc.Username,
		Type:     typ,
		IssuedAt: iat,
	}, nil
}
