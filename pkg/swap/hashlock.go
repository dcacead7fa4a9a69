package swap

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// SecretSize is the length of a swap secret in bytes.
const SecretSize = 32

var (
	ErrInvalidHashlock = errors.New("invalid hashlock")
	ErrInvalidSecret   = errors.New("invalid secret")
)

// Secret is the preimage of a hashlock. Its string forms are redacted; use
// Bytes or Hex explicitly when the raw value is needed.
type Secret [SecretSize]byte

// Hashlock is SHA-256(secret).
type Hashlock [sha256.Size]byte

// NewSecret draws a uniformly random secret.
func NewSecret() (Secret, error) {
	var s Secret
	if _, err := rand.Read(s[:]); err != nil {
		return s, fmt.Errorf("failed to read random secret: %w", err)
	}
	return s, nil
}

// SecretFromBytes accepts exactly SecretSize bytes.
func SecretFromBytes(b []byte) (Secret, error) {
	var s Secret
	if len(b) != SecretSize {
		return s, fmt.Errorf("%w: length %d", ErrInvalidSecret, len(b))
	}
	copy(s[:], b)
	return s, nil
}

// ParseSecret accepts 64 hex characters with an optional 0x prefix.
func ParseSecret(h string) (Secret, error) {
	b, err := decodeHex64(h)
	if err != nil {
		return Secret{}, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return SecretFromBytes(b)
}

func (s Secret) Hashlock() Hashlock {
	return sha256.Sum256(s[:])
}

func (s Secret) Bytes() []byte {
	return bytes.Clone(s[:])
}

func (s Secret) Hex() string {
	return hex.EncodeToString(s[:])
}

func (s Secret) IsZero() bool {
	return s == Secret{}
}

func (s Secret) String() string {
	return "[redacted]"
}

func (s Secret) GoString() string {
	return "swap.Secret{[redacted]}"
}

// ParseHashlock accepts 64 hex characters with an optional 0x prefix.
func ParseHashlock(h string) (Hashlock, error) {
	var out Hashlock
	b, err := decodeHex64(h)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidHashlock, err)
	}
	copy(out[:], b)
	return out, nil
}

// HashlockFromBytes accepts exactly 32 bytes.
func HashlockFromBytes(b []byte) (Hashlock, error) {
	var out Hashlock
	if len(b) != len(out) {
		return out, fmt.Errorf("%w: length %d", ErrInvalidHashlock, len(b))
	}
	copy(out[:], b)
	return out, nil
}

// Matches reports whether SHA-256(preimage) equals the hashlock.
func (h Hashlock) Matches(preimage []byte) bool {
	sum := sha256.Sum256(preimage)
	return bytes.Equal(sum[:], h[:])
}

func (h Hashlock) Bytes() []byte {
	return bytes.Clone(h[:])
}

func (h Hashlock) Hex() string {
	return hex.EncodeToString(h[:])
}

func (h Hashlock) String() string {
	return h.Hex()
}

func (h Hashlock) IsZero() bool {
	return h == Hashlock{}
}

func (h Hashlock) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

func (h *Hashlock) UnmarshalText(b []byte) error {
	parsed, err := ParseHashlock(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

func decodeHex64(h string) ([]byte, error) {
	h = strings.TrimPrefix(strings.TrimPrefix(h, "0x"), "0X")
	if len(h) != 64 {
		return nil, fmt.Errorf("must be 64 hex characters, got %d", len(h))
	}
	return hex.DecodeString(h)
}
