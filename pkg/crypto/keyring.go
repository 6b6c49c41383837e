package crypto

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrKeyNotFound is returned when no key is registered for a key id.
var ErrKeyNotFound = errors.New("key not found")

// KeyResolver looks up an agent's public key by key id.
type KeyResolver interface {
	ResolveKey(ctx context.Context, keyID string) (crypto.PublicKey, error)
}

// KeyRing is an in-memory KeyResolver supporting rotation and revocation.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]crypto.PublicKey
}

// NewKeyRing creates a new empty KeyRing.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]crypto.PublicKey)}
}

// AddKey registers pub under keyID, replacing any previous key.
func (k *KeyRing) AddKey(keyID string, pub crypto.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = pub
}

// RevokeKey removes a key from the keyring by ID.
func (k *KeyRing) RevokeKey(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, keyID)
}

func (k *KeyRing) ResolveKey(_ context.Context, keyID string) (crypto.PublicKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return pub, nil
}

// Len returns the number of registered keys.
func (k *KeyRing) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// ParsePublicKey decodes a PEM PKIX key, a base64 raw Ed25519 key (32 bytes)
// or a base64 uncompressed P-256 point (65 bytes).
func ParsePublicKey(encoded string) (crypto.PublicKey, error) {
	encoded = strings.TrimSpace(encoded)
	if block, _ := pem.Decode([]byte(encoded)); block != nil {
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkix key: %w", err)
		}
		switch key := pub.(type) {
		case ed25519.PublicKey, *ecdsa.PublicKey:
			return key, nil
		default:
			return nil, fmt.Errorf("unsupported key type %T", pub)
		}
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode key: %w", err)
		}
	}
	switch len(raw) {
	case ed25519.PublicKeySize:
		return ed25519.PublicKey(raw), nil
	case 65:
		x, y := elliptic.Unmarshal(elliptic.P256(), raw) //nolint:staticcheck // uncompressed point encoding
		if x == nil {
			return nil, errors.New("invalid p256 point")
		}
		return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
	default:
		return nil, fmt.Errorf("unsupported raw key length %d", len(raw))
	}
}

// LoadKeyRing parses "keyid=encodedkey" entries into a KeyRing.
func LoadKeyRing(entries []string) (*KeyRing, error) {
	ring := NewKeyRing()
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, encoded, ok := strings.Cut(entry, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid key entry %q: want keyid=key", entry)
		}
		pub, err := ParsePublicKey(encoded)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", id, err)
		}
		ring.AddKey(id, pub)
	}
	return ring, nil
}
