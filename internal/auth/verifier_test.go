package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func newRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func sign(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims, kid string) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

func validClaims(sub string) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":      sub,
		"username": "alice",
		"roles":    []string{"member"},
		"iat":      testNow.Add(-time.Minute).Unix(),
		"exp":      testNow.Add(time.Hour).Unix(),
	}
}

func newTestVerifier(t *testing.T, keys *KeySet, opts Options) *Verifier {
	t.Helper()
	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}
	v, err := NewVerifier(keys, opts)
	require.NoError(t, err)
	return v
}

func rsaKeySet(t *testing.T, priv *rsa.PrivateKey) *KeySet {
	t.Helper()
	ks := NewKeySet()
	require.NoError(t, ks.Add("primary", &priv.PublicKey))
	return ks
}

func TestVerifyAcceptsValidToken(t *testing.T) {
	priv := newRSAKey(t)
	v := newTestVerifier(t, rsaKeySet(t, priv), Options{})

	id, err := v.Verify(sign(t, jwt.SigningMethodRS256, priv, validClaims("user-42"), ""))
	require.NoError(t, err)
	assert.Equal(t, "user-42", id.UserID)
	assert.Equal(t, "alice", id.Username)
	assert.True(t, id.HasRole("member"))
	assert.Equal(t, testNow.Add(time.Hour).Unix(), id.ExpiresAt.Unix())
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	trusted := newRSAKey(t)
	other := newRSAKey(t)
	v := newTestVerifier(t, rsaKeySet(t, trusted), Options{})

	_, err := v.Verify(sign(t, jwt.SigningMethodRS256, other, validClaims("user-42"), ""))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	priv := newRSAKey(t)
	v := newTestVerifier(t, rsaKeySet(t, priv), Options{})

	claims := validClaims("user-42")
	claims["exp"] = testNow.Add(-time.Second).Unix()

	_, err := v.Verify(sign(t, jwt.SigningMethodRS256, priv, claims, ""))
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifyLeewayCoversClockSkew(t *testing.T) {
	priv := newRSAKey(t)
	v := newTestVerifier(t, rsaKeySet(t, priv), Options{Leeway: 30 * time.Second})

	claims := validClaims("user-42")
	claims["exp"] = testNow.Add(-10 * time.Second).Unix()

	_, err := v.Verify(sign(t, jwt.SigningMethodRS256, priv, claims, ""))
	assert.NoError(t, err)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	priv := newRSAKey(t)
	v := newTestVerifier(t, rsaKeySet(t, priv), Options{})

	for _, token := range []string{"not-a-token", "a.b.c", "...."} {
		_, err := v.Verify(token)
		assert.ErrorIs(t, err, ErrMalformedToken, "token %q", token)
	}

	_, err := v.Verify("")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestVerifyRequiresClaims(t *testing.T) {
	priv := newRSAKey(t)
	v := newTestVerifier(t, rsaKeySet(t, priv), Options{})

	for _, drop := range []string{"sub", "iat", "exp"} {
		claims := validClaims("user-42")
		delete(claims, drop)
		_, err := v.Verify(sign(t, jwt.SigningMethodRS256, priv, claims, ""))
		assert.ErrorIs(t, err, ErrInvalidToken, "without %s", drop)
	}
}

func TestVerifyLegacyNumericUserID(t *testing.T) {
	priv := newRSAKey(t)
	v := newTestVerifier(t, rsaKeySet(t, priv), Options{})

	claims := validClaims("")
	delete(claims, "sub")
	claims["user_id"] = 1234

	id, err := v.Verify(sign(t, jwt.SigningMethodRS256, priv, claims, ""))
	require.NoError(t, err)
	assert.Equal(t, "1234", id.UserID)
}

func TestVerifyRejectsHMACAlgorithm(t *testing.T) {
	priv := newRSAKey(t)
	v := newTestVerifier(t, rsaKeySet(t, priv), Options{})

	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)

	_, err = v.Verify(sign(t, jwt.SigningMethodHS256, der, validClaims("user-42"), ""))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyChecksIssuerAndAudience(t *testing.T) {
	priv := newRSAKey(t)
	v := newTestVerifier(t, rsaKeySet(t, priv), Options{Issuer: "identity", Audience: "chat"})

	claims := validClaims("user-42")
	claims["iss"] = "identity"
	claims["aud"] = "chat"
	_, err := v.Verify(sign(t, jwt.SigningMethodRS256, priv, claims, ""))
	require.NoError(t, err)

	claims["iss"] = "someone-else"
	_, err = v.Verify(sign(t, jwt.SigningMethodRS256, priv, claims, ""))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifySelectsKeyByKid(t *testing.T) {
	rsaPriv := newRSAKey(t)
	ecPriv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	ks := NewKeySet()
	require.NoError(t, ks.Add("rsa", &rsaPriv.PublicKey))
	require.NoError(t, ks.Add("ec", &ecPriv.PublicKey))
	v := newTestVerifier(t, ks, Options{})

	id, err := v.Verify(sign(t, jwt.SigningMethodES256, ecPriv, validClaims("ec-user"), "ec"))
	require.NoError(t, err)
	assert.Equal(t, "ec-user", id.UserID)

	// no kid: every key is tried
	id, err = v.Verify(sign(t, jwt.SigningMethodRS256, rsaPriv, validClaims("rsa-user"), ""))
	require.NoError(t, err)
	assert.Equal(t, "rsa-user", id.UserID)

	_, err = v.Verify(sign(t, jwt.SigningMethodRS256, rsaPriv, validClaims("x"), "missing"))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestLoadKeySetFromFiles(t *testing.T) {
	priv := newRSAKey(t)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	block := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	path := filepath.Join(t.TempDir(), "primary.pem")
	require.NoError(t, os.WriteFile(path, block, 0o600))

	ks, err := LoadKeySetFromFiles(map[string]string{"primary": path})
	require.NoError(t, err)
	assert.Equal(t, 1, ks.Len())

	// single-line env form
	escaped := strings.ReplaceAll(string(block), "\n", `\n`)
	key, err := ParsePublicKeyPEM([]byte(escaped))
	require.NoError(t, err)
	assert.IsType(t, &rsa.PublicKey{}, key)

	_, err = ParsePublicKeyPEM([]byte("nope"))
	assert.ErrorIs(t, err, ErrUnsupportedKey)

	_, err = LoadKeySetFromFiles(nil)
	assert.ErrorIs(t, err, ErrNoKeys)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=abc", nil)
	r.Header.Set("Authorization", "Bearer header-token")
	assert.Equal(t, "abc", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "bearer header-token")
	assert.Equal(t, "header-token", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Basic xyz")
	assert.Empty(t, TokenFromRequest(r))
}
