// Package signing wraps Ed25519 key handling for the trust ledger.
//
// Keys travel as hex strings (32-byte public, 64-byte private) to match the
// receipt interchange format. Signing fails fast when no private key is
// configured; verification never fails on malformed input, it returns false.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrNoPrivateKey is returned when a sign operation is attempted without a
// private key. This is a setup bug in the caller, not a data problem.
var ErrNoPrivateKey = errors.New("signing: no private key configured")

// KeyPair holds an Ed25519 key pair. The private key may be nil for
// verify-only holders.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh Ed25519 key pair from crypto/rand.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// DeterministicKeyPair derives a reproducible key pair from a seed string.
// The seed is expanded through HKDF-SHA256 into a 32-byte Ed25519 seed and
// run through the standard RFC 8032 derivation, so the resulting keys are
// valid curve points even though the input is arbitrary text.
func DeterministicKeyPair(seed string) (KeyPair, error) {
	r := hkdf.New(sha256.New, []byte(seed), nil, []byte("sonate-ed25519-seed"))
	edSeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, edSeed); err != nil {
		return KeyPair{}, fmt.Errorf("derive key seed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(edSeed)
	return KeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// ParsePrivateKeyHex reconstructs a key pair from a hex private key. Both the
// 64-byte full form and the 32-byte seed form are accepted.
func ParsePrivateKeyHex(s string) (KeyPair, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return KeyPair{}, fmt.Errorf("decode private key hex: %w", err)
	}
	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(raw)
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	default:
		return KeyPair{}, fmt.Errorf("private key must be %d or %d bytes, got %d",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
	return KeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// ParsePublicKeyHex decodes a hex public key for verify-only use.
func ParsePublicKeyHex(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// PublicKeyHex returns the hex form of the public key, or "" if absent.
func (kp KeyPair) PublicKeyHex() string {
	if len(kp.Public) == 0 {
		return ""
	}
	return hex.EncodeToString(kp.Public)
}

// PrivateKeyHex returns the hex form of the full private key, or "" if absent.
func (kp KeyPair) PrivateKeyHex() string {
	if len(kp.Private) == 0 {
		return ""
	}
	return hex.EncodeToString(kp.Private)
}

// CanSign reports whether this key pair holds a usable private key.
func (kp KeyPair) CanSign() bool {
	return len(kp.Private) == ed25519.PrivateKeySize
}

// Sign signs message and returns the hex-encoded 64-byte signature.
func Sign(message []byte, kp KeyPair) (string, error) {
	if !kp.CanSign() {
		return "", ErrNoPrivateKey
	}
	sig := ed25519.Sign(kp.Private, message)
	return hex.EncodeToString(sig), nil
}

// Verify checks a hex-encoded signature over message. Malformed signatures
// or keys yield false, never a panic or an error.
func Verify(sigHex string, message []byte, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}
