package keys

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"
)

// MinSeedSize is the minimum accepted master seed length.
const MinSeedSize = 32

// DeriveSeed expands a master seed into 32 bytes bound to info using
// HKDF-SHA256.
func DeriveSeed(masterSeed []byte, info string) ([]byte, error) {
	if len(masterSeed) < MinSeedSize {
		return nil, fmt.Errorf("master seed must be at least %d bytes", MinSeedSize)
	}
	r := hkdf.New(sha256.New, masterSeed, nil, []byte(info))
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("failed to derive key seed: %w", err)
	}
	return out, nil
}

// DeriveSecp256k1 deterministically derives a secp256k1 key for a
// derivation path and key version.
func DeriveSecp256k1(masterSeed []byte, path string, version uint32) (*ecdsa.PrivateKey, error) {
	seed, err := DeriveSeed(masterSeed, fmt.Sprintf("secp256k1/%s/v%d", path, version))
	if err != nil {
		return nil, err
	}
	key, err := crypto.ToECDSA(seed)
	if err != nil {
		return nil, fmt.Errorf("failed to create private key: %w", err)
	}
	return key, nil
}

// DeriveEd25519 deterministically derives an Ed25519 key for a derivation
// path and key version.
func DeriveEd25519(masterSeed []byte, path string, version uint32) (ed25519.PrivateKey, error) {
	seed, err := DeriveSeed(masterSeed, fmt.Sprintf("ed25519/%s/v%d", path, version))
	if err != nil {
		return nil, err
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
