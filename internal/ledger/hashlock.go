package ledger

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// SecretSize is the length of a hash-lock secret in bytes.
const SecretSize = 32

// NewSecret returns a random secret and its sha256 commitment, both 0x hex.
func NewSecret() (secret, hash string, err error) {
	var buf [SecretSize]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", "", fmt.Errorf("ledger: generate secret: %w", err)
	}
	sum := sha256.Sum256(buf[:])
	return EncodeHex(buf[:]), EncodeHex(sum[:]), nil
}

// HashSecret returns the sha256 commitment of a 0x hex secret.
func HashSecret(secret string) (string, error) {
	raw, err := DecodeBytes32(secret)
	if err != nil {
		return "", fmt.Errorf("ledger: secret: %w", err)
	}
	sum := sha256.Sum256(raw[:])
	return EncodeHex(sum[:]), nil
}

// SecretMatches reports whether secret hashes to hash.
func SecretMatches(secret, hash string) bool {
	got, err := HashSecret(secret)
	if err != nil {
		return false
	}
	return strings.EqualFold(got, NormalizeHex(hash))
}

// DecodeBytes32 parses a 0x prefixed (or bare) 32 byte hex value.
func DecodeBytes32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X"))
	if err != nil {
		return out, fmt.Errorf("invalid hex: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// EncodeHex renders b as lower case 0x hex.
func EncodeHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// NormalizeHex lower cases s and makes sure it carries a 0x prefix.
func NormalizeHex(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	return s
}

// SameAddress compares two hex addresses case-insensitively.
func SameAddress(a, b string) bool {
	return NormalizeHex(a) == NormalizeHex(b)
}
