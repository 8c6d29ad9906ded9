package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoKeys is returned when a verifier is built without any public key.
var ErrNoKeys = errors.New("auth: no public keys configured")

// ErrUnsupportedKey is returned for PEM blocks that hold neither an RSA, ECDSA
// nor Ed25519 public key.
var ErrUnsupportedKey = errors.New("auth: unsupported public key type")

// KeySet holds the trusted public signing keys, indexed by key id. Keys are
// loaded once at startup; the set is read-only afterwards.
type KeySet struct {
	keys map[string]crypto.PublicKey
}

// NewKeySet returns an empty key set.
func NewKeySet() *KeySet {
	return &KeySet{keys: make(map[string]crypto.PublicKey)}
}

// Add registers key under kid. An empty kid is stored as "default".
func (ks *KeySet) Add(kid string, key crypto.PublicKey) error {
	switch key.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
	default:
		return ErrUnsupportedKey
	}
	if kid == "" {
		kid = "default"
	}
	ks.keys[kid] = key
	return nil
}

// Len returns the number of keys in the set.
func (ks *KeySet) Len() int {
	if ks == nil {
		return 0
	}
	return len(ks.keys)
}

// Lookup returns the key registered under kid.
func (ks *KeySet) Lookup(kid string) (crypto.PublicKey, bool) {
	key, ok := ks.keys[kid]
	return key, ok
}

// All returns every key in a stable order.
func (ks *KeySet) All() []crypto.PublicKey {
	ids := make([]string, 0, len(ks.keys))
	for id := range ks.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]crypto.PublicKey, 0, len(ids))
	for _, id := range ids {
		out = append(out, ks.keys[id])
	}
	return out
}

// ParsePublicKeyPEM decodes an RSA, ECDSA or Ed25519 public key. Literal "\n"
// sequences are expanded so keys can be passed through a single env variable.
func ParsePublicKeyPEM(data []byte) (crypto.PublicKey, error) {
	data = []byte(strings.ReplaceAll(string(data), `\n`, "\n"))

	if key, err := jwt.ParseRSAPublicKeyFromPEM(data); err == nil {
		return key, nil
	}
	if key, err := jwt.ParseECPublicKeyFromPEM(data); err == nil {
		return key, nil
	}
	if key, err := jwt.ParseEdPublicKeyFromPEM(data); err == nil {
		return key, nil
	}
	return nil, ErrUnsupportedKey
}

// LoadKeySetFromFiles reads one PEM file per key id.
func LoadKeySetFromFiles(files map[string]string) (*KeySet, error) {
	ks := NewKeySet()
	for kid, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("auth: read key %q: %w", kid, err)
		}
		key, err := ParsePublicKeyPEM(data)
		if err != nil {
			return nil, fmt.Errorf("auth: parse key %q: %w", kid, err)
		}
		if err := ks.Add(kid, key); err != nil {
			return nil, err
		}
	}
	if ks.Len() == 0 {
		return nil, ErrNoKeys
	}
	return ks, nil
}
