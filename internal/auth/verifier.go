// Package auth verifies the signed identity tokens presented at the WebSocket
// handshake. Verification is offline: only the public key set loaded at
// startup is consulted.
package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Tyrowin/gochat-relay/internal/envelope"
)

var (
	ErrMissingToken   = envelope.NewError(envelope.CodeInvalidToken, "auth: token missing")
	ErrInvalidToken   = envelope.NewError(envelope.CodeInvalidToken, "auth: invalid token")
	ErrExpiredToken   = envelope.NewError(envelope.CodeExpiredToken, "auth: token expired")
	ErrMalformedToken = envelope.NewError(envelope.CodeMalformedToken, "auth: malformed token")
)

var errUnknownKey = errors.New("unknown key id")

// Identity is the authenticated principal extracted from a token.
type Identity struct {
	UserID    string
	Username  string
	Roles     []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// HasRole reports whether the identity carries role.
func (id Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Claims is the token payload accepted by the relay.
type Claims struct {
	// UserID is accepted as a fallback subject for tokens minted by the
	// legacy identity service, which emitted a numeric user_id claim.
	UserID   any      `json:"user_id,omitempty"`
	Username string   `json:"username,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Options tunes claim validation.
type Options struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
	// Now overrides the clock used for exp/iat checks.
	Now func() time.Time
}

// Verifier validates tokens against a fixed key set.
type Verifier struct {
	keys   *KeySet
	parser *jwt.Parser
}

// NewVerifier builds a verifier. It returns ErrNoKeys for an empty key set.
func NewVerifier(keys *KeySet, opts Options) (*Verifier, error) {
	if keys.Len() == 0 {
		return nil, ErrNoKeys
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(validMethods(keys)),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if opts.Leeway > 0 {
		parserOpts = append(parserOpts, jwt.WithLeeway(opts.Leeway))
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}
	if opts.Now != nil {
		parserOpts = append(parserOpts, jwt.WithTimeFunc(opts.Now))
	}

	return &Verifier{keys: keys, parser: jwt.NewParser(parserOpts...)}, nil
}

// Verify checks the signature and claims of token and returns the identity it
// carries. Returned errors wrap one of the package sentinels.
func (v *Verifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	claims, err := v.parse(token)
	if err != nil {
		return Identity{}, classify(err)
	}

	if claims.IssuedAt == nil {
		return Identity{}, fmt.Errorf("%w: iat claim required", ErrInvalidToken)
	}

	userID := claims.Subject
	if userID == "" {
		userID = legacyUserID(claims.UserID)
	}
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: subject claim required", ErrInvalidToken)
	}

	id := Identity{
		UserID:   userID,
		Username: claims.Username,
		Roles:    claims.Roles,
		IssuedAt: claims.IssuedAt.Time,
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

// parse verifies token against the key named by its kid header. Tokens
// without a kid are tried against every key in the set.
func (v *Verifier) parse(token string) (*Claims, error) {
	all := v.keys.All()
	for i := 0; ; i++ {
		claims := &Claims{}
		byKid := false
		_, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if kid, ok := t.Header["kid"].(string); ok && kid != "" {
				byKid = true
				key, found := v.keys.Lookup(kid)
				if !found {
					return nil, fmt.Errorf("%w: %q", errUnknownKey, kid)
				}
				return key, nil
			}
			return all[i], nil
		})
		if err != nil && !byKid && i+1 < len(all) && errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			continue
		}
		return claims, err
	}
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpiredToken, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
}

func legacyUserID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return ""
	}
}

func validMethods(keys *KeySet) []string {
	seen := make(map[string]bool)
	var methods []string
	add := func(names ...string) {
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				methods = append(methods, n)
			}
		}
	}
	for _, key := range keys.All() {
		add(methodsFor(key)...)
	}
	return methods
}

func methodsFor(key crypto.PublicKey) []string {
	switch key.(type) {
	case *rsa.PublicKey:
		return []string{"RS256", "RS384", "RS512"}
	case *ecdsa.PublicKey:
		return []string{"ES256", "ES384", "ES512"}
	case ed25519.PublicKey:
		return []string{"EdDSA"}
	}
	return nil
}
