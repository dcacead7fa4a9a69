package keys

import (
	"bytes"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func testSeed() []byte {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	return seed
}

func TestDeriveSecp256k1_Deterministic(t *testing.T) {
	k1, err := DeriveSecp256k1(testSeed(), "m/swap/evm/0", 1)
	if err != nil {
		t.Fatalf("DeriveSecp256k1 failed: %v", err)
	}
	k2, _ := DeriveSecp256k1(testSeed(), "m/swap/evm/0", 1)
	if !bytes.Equal(crypto.FromECDSA(k1), crypto.FromECDSA(k2)) {
		t.Error("derived keys don't match")
	}

	other, _ := DeriveSecp256k1(testSeed(), "m/swap/evm/0", 2)
	if bytes.Equal(crypto.FromECDSA(k1), crypto.FromECDSA(other)) {
		t.Error("different key versions produced the same key")
	}
}

func TestDeriveEd25519_PathSeparation(t *testing.T) {
	a, err := DeriveEd25519(testSeed(), "m/swap/sol/0", 1)
	if err != nil {
		t.Fatalf("DeriveEd25519 failed: %v", err)
	}
	b, _ := DeriveEd25519(testSeed(), "m/swap/sol/1", 1)
	if bytes.Equal(a, b) {
		t.Error("different paths produced the same key")
	}
}

func TestDeriveSeed_ShortSeed(t *testing.T) {
	if _, err := DeriveSeed(make([]byte, 16), "x"); err == nil {
		t.Error("expected error for short seed")
	}
}

func TestSealer_RoundTrip(t *testing.T) {
	s, err := NewSealer(testSeed())
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}
	secret := bytes.Repeat([]byte{0x42}, 32)
	sealed, err := s.Seal(secret, []byte("0xorder"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if strings.Contains(sealed, "QkJC") {
		t.Error("sealed value looks like plaintext")
	}

	opened, err := s.Open(sealed, []byte("0xorder"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(opened, secret) {
		t.Error("opened value doesn't match")
	}

	if _, err := s.Open(sealed, []byte("0xother")); err == nil {
		t.Error("expected failure with wrong associated data")
	}
}

func TestNewSealer_WrongKeySize(t *testing.T) {
	if _, err := NewSealer(make([]byte, 16)); err == nil {
		t.Error("expected error for 16 byte key")
	}
}

func TestParseMasterKey(t *testing.T) {
	k, err := ParseMasterKey("0x" + strings.Repeat("ab", 32))
	if err != nil || len(k) != 32 {
		t.Fatalf("ParseMasterKey failed: %v", err)
	}
	if _, err := ParseMasterKey("abcd"); err == nil {
		t.Error("expected error for short key")
	}
}
