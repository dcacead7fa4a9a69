// Package sigs turns raw signatures returned by the signing service into
// the encodings each ledger accepts, verifying them against the expected key
// on the way.
package sigs

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrMalformedSignature = errors.New("malformed signature")
	ErrKeyMismatch        = errors.New("signature does not match expected public key")
)

var (
	secp256k1N     = crypto.S256().Params().N
	secp256k1HalfN = new(big.Int).Rsh(secp256k1N, 1)
)

// NormalizeLowS returns r||s with s in the lower half of the curve order.
// Inputs of 64 or 65 bytes are accepted; a trailing recovery byte is dropped
// since it is no longer valid after flipping s.
func NormalizeLowS(sig []byte) ([]byte, bool, error) {
	if len(sig) != 64 && len(sig) != 65 {
		return nil, false, fmt.Errorf("%w: length %d", ErrMalformedSignature, len(sig))
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if r.Sign() <= 0 || r.Cmp(secp256k1N) >= 0 {
		return nil, false, fmt.Errorf("%w: r out of range", ErrMalformedSignature)
	}
	if s.Sign() <= 0 || s.Cmp(secp256k1N) >= 0 {
		return nil, false, fmt.Errorf("%w: s out of range", ErrMalformedSignature)
	}
	flipped := false
	if s.Cmp(secp256k1HalfN) > 0 {
		s.Sub(secp256k1N, s)
		flipped = true
	}
	out := make([]byte, 64)
	r.FillBytes(out[:32])
	s.FillBytes(out[32:])
	return out, flipped, nil
}

// IsLowS reports whether the s component is canonical.
func IsLowS(sig []byte) bool {
	if len(sig) < 64 {
		return false
	}
	s := new(big.Int).SetBytes(sig[32:64])
	return s.Sign() > 0 && s.Cmp(secp256k1HalfN) <= 0
}

// RecoveryID finds the recovery id v in {0,1} for which public key recovery
// over digest yields expected. expected may be compressed or uncompressed.
func RecoveryID(digest, sig64, expected []byte) (byte, error) {
	want, err := uncompressed(expected)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, 65)
	copy(buf, sig64)
	for v := byte(0); v < 2; v++ {
		buf[64] = v
		got, err := crypto.Ecrecover(digest, buf)
		if err == nil && bytes.Equal(got, want) {
			return v, nil
		}
	}
	return 0, ErrKeyMismatch
}

// ReconstructSecp256k1 normalizes a raw service signature, verifies it and
// returns r||s||v for account based ledgers.
func ReconstructSecp256k1(digest, raw, expected []byte) ([]byte, error) {
	sig, _, err := NormalizeLowS(raw)
	if err != nil {
		return nil, err
	}
	if err := VerifySecp256k1(digest, sig, expected); err != nil {
		return nil, err
	}
	v, err := RecoveryID(digest, sig, expected)
	if err != nil {
		return nil, err
	}
	return append(sig, v), nil
}

// VerifySecp256k1 checks a 64 byte r||s signature.
func VerifySecp256k1(digest, sig64, expected []byte) error {
	pub, err := compressed(expected)
	if err != nil {
		return err
	}
	if !crypto.VerifySignature(pub, digest, sig64[:64]) {
		return ErrKeyMismatch
	}
	return nil
}

// VerifyEd25519 checks an Ed25519 signature over the exact message bytes.
func VerifyEd25519(message, sig, expected []byte) error {
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: length %d", ErrMalformedSignature, len(sig))
	}
	if len(expected) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key length %d", ErrMalformedSignature, len(expected))
	}
	if !ed25519.Verify(ed25519.PublicKey(expected), message, sig) {
		return ErrKeyMismatch
	}
	return nil
}

func uncompressed(pub []byte) ([]byte, error) {
	switch len(pub) {
	case 65:
		return pub, nil
	case 33:
		k, err := crypto.DecompressPubkey(pub)
		if err != nil {
			return nil, fmt.Errorf("invalid public key: %w", err)
		}
		return crypto.FromECDSAPub(k), nil
	default:
		return nil, fmt.Errorf("invalid public key length %d", len(pub))
	}
}

func compressed(pub []byte) ([]byte, error) {
	switch len(pub) {
	case 33:
		return pub, nil
	case 65:
		k, err := crypto.UnmarshalPubkey(pub)
		if err != nil {
			return nil, fmt.Errorf("invalid public key: %w", err)
		}
		return crypto.CompressPubkey(k), nil
	default:
		return nil, fmt.Errorf("invalid public key length %d", len(pub))
	}
}
