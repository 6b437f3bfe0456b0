package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSecret = []byte("test-secret-current")
	oldSecret  = []byte("test-secret-previous")
)

type mintOpts struct {
	issuer    string
	audience  string
	tokenType string
	issuedAt  time.Time
	expiresAt time.Time
	username  string
	subject   string
}

func mint(t *testing.T, secret []byte, opts mintOpts) string {
	t.Helper()

	if opts.issuer == "" {
		opts.issuer = Issuer
	}
	if opts.audience == "" {
		opts.audience = Audience
	}
	if opts.tokenType == "" {
		opts.tokenType = string(TokenAccess)
	}
	if opts.issuedAt.IsZero() {
		opts.issuedAt = time.Now()
	}
	if opts.expiresAt.IsZero() {
		opts.expiresAt = time.Now().Add(time.Hour)
	}
	if opts.username == "" {
		opts.username = "alice"
	}
	if opts.subject == "" {
		opts.subject = "u1"
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   opts.subject,
			Issuer:    opts.issuer,
			Audience:  jwt.ClaimStrings{opts.audience},
			IssuedAt:  jwt.NewNumericDate(opts.issuedAt),
			ExpiresAt: jwt.NewNumericDate(opts.expiresAt),
		},
		Username:  opts.username,
		TokenType: opts.tokenType,
	})
	signed, err := token.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func TestVerifyAccessToken(t *testing.T) {
	v := NewVerifier(testSecret, nil, nil)

	claims, err := v.VerifyAccess(context.Background(), mint(t, testSecret, mintOpts{}))
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, TokenAccess, claims.Type)
	assert.WithinDuration(t, time.Now(), claims.IssuedAt, 5*time.Second)
}

func TestVerifyMalformed(t *testing.T) {
	v := NewVerifier(testSecret, nil, nil)

	for _, tok := range []string{"", "garbage", "a.b.c"} {
		_, err := v.Verify(context.Background(), tok)
		assert.ErrorIs(t, err, ErrMalformed, "token %q", tok)
	}
}

func TestVerifyBadSignature(t *testing.T) {
	v := NewVerifier(testSecret, nil, nil)

	_, err := v.Verify(context.Background(), mint(t, []byte("attacker-secret"), mintOpts{}))
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyExpired(t *testing.T) {
	v := NewVerifier(testSecret, nil, nil)

	tok := mint(t, testSecret, mintOpts{
		issuedAt:  time.Now().Add(-2 * time.Hour),
		expiresAt: time.Now().Add(-time.Hour),
	})
	_, err := v.Verify(context.Background(), tok)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifyWrongIssuerOrAudience(t *testing.T) {
	v := NewVerifier(testSecret, nil, nil)

	_, err := v.Verify(context.Background(), mint(t, testSecret, mintOpts{issuer: "someone-else"}))
	assert.ErrorIs(t, err, ErrWrongIssuer)

	_, err = v.Verify(context.Background(), mint(t, testSecret, mintOpts{audience: "someone-else"}))
	assert.ErrorIs(t, err, ErrWrongIssuer)
}

func TestVerifyAccessRejectsOtherTypes(t *testing.T) {
	v := NewVerifier(testSecret, nil, nil)

	for _, typ := range []string{string(TokenRefresh), string(TokenChallenge)} {
		_, err := v.VerifyAccess(context.Background(), mint(t, testSecret, mintOpts{tokenType: typ}))
		assert.ErrorIs(t, err, ErrWrongType, "type %s", typ)
	}

	// Unknown type is rejected outright.
	_, err := v.Verify(context.Background(), mint(t, testSecret, mintOpts{tokenType: "session"}))
	assert.ErrorIs(t, err, ErrWrongType)
}

func TestVerifyRejectsMissingIdentity(t *testing.T) {
	v := NewVerifier(testSecret, nil, nil)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TokenType: string(TokenAccess),
	})
	signed, err := token.SignedString(testSecret)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), signed)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestVerifySecretRotation(t *testing.T) {
	v := NewVerifier(testSecret, oldSecret, nil)

	// Tokens signed with the previous secret still verify during the
	// rotation window.
	claims, err := v.Verify(context.Background(), mint(t, oldSecret, mintOpts{}))
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)

	// A third secret is still rejected.
	_, err = v.Verify(context.Background(), mint(t, []byte("third-secret"), mintOpts{}))
	assert.ErrorIs(t, err, ErrBadSignature)

	// Without a previous secret there is no fallback.
	strict := NewVerifier(testSecret, nil, nil)
	_, err = strict.Verify(context.Background(), mint(t, oldSecret, mintOpts{}))
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyRevoked(t *testing.T) {
	reg := NewRevocationRegistry(nil, []byte("hmac"), time.Hour)
	defer reg.Close()
	v := NewVerifier(testSecret, nil, reg)

	issued := time.Now().Add(-time.Minute)
	tok := mint(t, testSecret, mintOpts{issuedAt: issued})

	_, err := v.Verify(context.Background(), tok)
	require.NoError(t, err)

	require.NoError(t, reg.Revoke(context.Background(), "u1"))

	_, err = v.Verify(context.Background(), tok)
	assert.ErrorIs(t, err, ErrRevoked)

	// A token minted after the revocation passes. The iat claim has
	// second precision, so step past the next second boundary first.
	time.Sleep(1100 * time.Millisecond)
	fresh := mint(t, testSecret, mintOpts{})
	_, err = v.Verify(context.Background(), fresh)
	assert.NoError(t, err)
}
