// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for payload fingerprints, mandate proofs and receipts.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// FingerprintPrefix marks digests produced by Fingerprint.
const FingerprintPrefix = "sha256:"

// JCS returns the RFC 8785 canonical JSON representation of v. Struct json
// tags are honoured by the intermediate marshal.
func JCS(v any) ([]byte, error) {
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
		}
		raw = b
	}

	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// Fingerprint is CanonicalHash with the "sha256:" prefix.
func Fingerprint(v any) (string, error) {
	h, err := CanonicalHash(v)
	if err != nil {
		return "", err
	}
	return FingerprintPrefix + h, nil
}

// HashBytes computes the SHA-256 of data as a hex string.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
