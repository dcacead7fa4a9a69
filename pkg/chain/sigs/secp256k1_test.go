package sigs

import (
	"crypto/ed25519"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func highS(t *testing.T, sig []byte) []byte {
	t.Helper()
	s := new(big.Int).SetBytes(sig[32:64])
	s.Sub(secp256k1N, s)
	out := make([]byte, 64)
	copy(out, sig[:32])
	s.FillBytes(out[32:])
	require.False(t, IsLowS(out))
	return out
}

func TestReconstructSecp256k1_RoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	pub := crypto.CompressPubkey(&key.PublicKey)
	digest := crypto.Keccak256([]byte("tx digest"))

	raw, err := crypto.Sign(digest, key)
	require.NoError(t, err)

	for name, in := range map[string][]byte{
		"low s":           raw[:64],
		"with v":          raw,
		"high s from mpc": highS(t, raw),
	} {
		t.Run(name, func(t *testing.T) {
			sig, err := ReconstructSecp256k1(digest, in, pub)
			require.NoError(t, err)
			require.Len(t, sig, 65)
			assert.True(t, IsLowS(sig))

			recovered, err := crypto.SigToPub(digest, sig)
			require.NoError(t, err)
			assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(*recovered))
		})
	}
}

func TestReconstructSecp256k1_TamperDetected(t *testing.T) {
	key, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()
	digest := crypto.Keccak256([]byte("tx digest"))
	raw, err := crypto.Sign(digest, key)
	require.NoError(t, err)

	_, err = ReconstructSecp256k1(digest, raw, crypto.CompressPubkey(&other.PublicKey))
	assert.ErrorIs(t, err, ErrKeyMismatch)

	tampered := crypto.Keccak256([]byte("other digest"))
	_, err = ReconstructSecp256k1(tampered, raw, crypto.CompressPubkey(&key.PublicKey))
	assert.ErrorIs(t, err, ErrKeyMismatch)
}

func TestNormalizeLowS_Malformed(t *testing.T) {
	_, _, err := NormalizeLowS(make([]byte, 63))
	assert.ErrorIs(t, err, ErrMalformedSignature)

	_, _, err = NormalizeLowS(make([]byte, 64))
	assert.ErrorIs(t, err, ErrMalformedSignature)
}

func TestVerifyEd25519(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	msg := []byte("native message")
	sig := ed25519.Sign(priv, msg)

	require.NoError(t, VerifyEd25519(msg, sig, pub))

	sig[10] ^= 1
	assert.ErrorIs(t, VerifyEd25519(msg, sig, pub), ErrKeyMismatch)
	assert.ErrorIs(t, VerifyEd25519(msg, sig[:63], pub), ErrMalformedSignature)
}
