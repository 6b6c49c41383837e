// Package crypto holds the signature algorithms accepted from agents and
// the key material used to verify them.
package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/asn1"
	"errors"
	"math/big"
	"strings"
)

// Supported algorithm identifiers.
const (
	AlgEd25519         = "ed25519"
	AlgECDSAP256SHA256 = "ecdsa-p256-sha256"
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrKeyMismatch          = errors.New("key type does not match algorithm")
	ErrInvalidSignature     = errors.New("invalid signature")
)

// Supported reports whether alg is an accepted algorithm identifier.
func Supported(alg string) bool {
	switch strings.ToLower(alg) {
	case AlgEd25519, AlgECDSAP256SHA256:
		return true
	}
	return false
}

// Verify checks sig over message with pub using alg. ECDSA signatures may be
// raw r||s (64 bytes) or ASN.1 DER.
func Verify(alg string, pub crypto.PublicKey, message, sig []byte) error {
	switch strings.ToLower(alg) {
	case AlgEd25519:
		key, ok := pub.(ed25519.PublicKey)
		if !ok || len(key) != ed25519.PublicKeySize {
			return ErrKeyMismatch
		}
		if len(sig) != ed25519.SignatureSize || !ed25519.Verify(key, message, sig) {
			return ErrInvalidSignature
		}
		return nil
	case AlgECDSAP256SHA256:
		key, ok := pub.(*ecdsa.PublicKey)
		if !ok || key.Curve != elliptic.P256() {
			return ErrKeyMismatch
		}
		r, s, err := parseECDSASignature(sig)
		if err != nil {
			return ErrInvalidSignature
		}
		digest := sha256.Sum256(message)
		if !ecdsa.Verify(key, digest[:], r, s) {
			return ErrInvalidSignature
		}
		return nil
	default:
		return ErrUnsupportedAlgorithm
	}
}

type ecdsaSig struct {
	R, S *big.Int
}

func parseECDSASignature(sig []byte) (*big.Int, *big.Int, error) {
	if len(sig) == 64 {
		return new(big.Int).SetBytes(sig[:32]), new(big.Int).SetBytes(sig[32:]), nil
	}
	var parsed ecdsaSig
	rest, err := asn1.Unmarshal(sig, &parsed)
	if err != nil || len(rest) != 0 || parsed.R == nil || parsed.S == nil {
		return nil, nil, ErrInvalidSignature
	}
	return parsed.R, parsed.S, nil
}
