package ledger

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
)

// Signer produces and verifies the per-entry signatures. Signatures cover
// H(canonical_payload) || previous_hash and must be verifiable offline
// given the verification material.
type Signer interface {
	Sign(msg []byte) []byte
	Verify(msg, sig []byte) bool
	Scheme() string
	// Demo reports whether this signer is a demo/test substitute; entries
	// produced under it are tagged demo_signed=true.
	Demo() bool
}

// Ed25519Signer signs entries with an Ed25519 key pair. The public key can
// be exported for offline verification.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEd25519Signer generates a fresh ledger-scoped key pair.
func NewEd25519Signer() (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signer: generate key: %w", err)
	}
	return &Ed25519Signer{priv: priv, pub: pub}, nil
}

// NewEd25519SignerFromSeed derives the key pair from a 32-byte seed.
func NewEd25519SignerFromSeed(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signer: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

func (s *Ed25519Signer) Sign(msg []byte) []byte { return ed25519.Sign(s.priv, msg) }

func (s *Ed25519Signer) Verify(msg, sig []byte) bool { return ed25519.Verify(s.pub, msg, sig) }

func (s *Ed25519Signer) Scheme() string { return "ed25519" }

func (s *Ed25519Signer) Demo() bool { return false }

// PublicKey exports the verification key for offline checking.
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey { return s.pub }

// HMACSigner is the demo/test signer. The key is printed once so a local
// operator can re-verify exported entries.
type HMACSigner struct {
	key []byte
}

// NewHMACSigner creates a demo signer and prints the key to the log.
func NewHMACSigner(key []byte, logger *log.Logger) *HMACSigner {
	if logger != nil {
		logger.Printf("[ledger] demo HMAC signing key: %s", hex.EncodeToString(key))
	}
	return &HMACSigner{key: key}
}

func (s *HMACSigner) Sign(msg []byte) []byte {
	m := hmac.New(sha256.New, s.key)
	m.Write(msg)
	return m.Sum(nil)
}

func (s *HMACSigner) Verify(msg, sig []byte) bool {
	return hmac.Equal(s.Sign(msg), sig)
}

func (s *HMACSigner) Scheme() string { return "hmac-sha256" }
func (s *HMACSigner) Demo() bool     { return true }
