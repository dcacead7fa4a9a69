package sigs

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// DERSecp256k1 normalizes and verifies a raw service signature and returns
// its strict DER encoding for script based ledgers. The sighash byte is not
// appended.
func DERSecp256k1(digest, raw, expected []byte) ([]byte, error) {
	sig, _, err := NormalizeLowS(raw)
	if err != nil {
		return nil, err
	}
	if err := VerifySecp256k1(digest, sig, expected); err != nil {
		return nil, err
	}
	var r, s btcec.ModNScalar
	r.SetByteSlice(sig[:32])
	s.SetByteSlice(sig[32:64])
	return ecdsa.NewSignature(&r, &s).Serialize(), nil
}
