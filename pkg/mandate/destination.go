package mandate

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"
)

// NormalizeDestination returns a canonical form of a settlement destination
// for comparison. 0x-prefixed 20-byte hex addresses are rendered in EIP-55
// mixed-case checksum form; anything else is trimmed only.
func NormalizeDestination(dest string) string {
	dest = strings.TrimSpace(dest)
	if len(dest) != 42 || !strings.HasPrefix(strings.ToLower(dest), "0x") {
		return dest
	}
	lower := strings.ToLower(dest[2:])
	if _, err := hex.DecodeString(lower); err != nil {
		return dest
	}

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := hex.EncodeToString(h.Sum(nil))

	out := []byte(lower)
	for i, c := range out {
		if c >= 'a' && c <= 'f' && digest[i] >= '8' {
			out[i] = c - 32
		}
	}
	return "0x" + string(out)
}

// SameDestination compares two destinations after normalization.
func SameDestination(a, b string) bool {
	return NormalizeDestination(a) == NormalizeDestination(b)
}
