package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// Ed25519Signer signs receipts issued by this service.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	KeyID   string
}

func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{privKey: priv, pubKey: pub, KeyID: keyID}, nil
}

func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		KeyID:   keyID,
	}
}

// Sign returns the base64 signature over data.
func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.privKey, data)), nil
}

func (s *Ed25519Signer) PublicKey() ed25519.PublicKey { return s.pubKey }

// Seed returns the 32-byte private key seed.
func (s *Ed25519Signer) Seed() []byte { return s.privKey.Seed() }
