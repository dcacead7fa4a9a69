package signer

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/chainsafe/swap-coordinator/pkg/keys"
)

// LocalSigner derives keys from a master seed and signs in process. It backs
// the development signing oracle and tests; production deployments point the
// coordinator at the threshold signing service instead.
type LocalSigner struct {
	seed []byte
}

func NewLocalSigner(seed []byte) (*LocalSigner, error) {
	if len(seed) < keys.MinSeedSize {
		return nil, fmt.Errorf("seed must be at least %d bytes", keys.MinSeedSize)
	}
	return &LocalSigner{seed: seed}, nil
}

func (s *LocalSigner) Sign(ctx context.Context, req *Request) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch req.Scheme {
	case SchemeSecp256k1:
		key, err := keys.DeriveSecp256k1(s.seed, req.DerivationPath, req.KeyVersion)
		if err != nil {
			return nil, err
		}
		sig, err := crypto.Sign(req.Payload, key)
		if err != nil {
			return nil, fmt.Errorf("failed to sign: %w", err)
		}
		return &Response{Signature: sig[:64], PublicKey: crypto.CompressPubkey(&key.PublicKey)}, nil
	default:
		key, err := keys.DeriveEd25519(s.seed, req.DerivationPath, req.KeyVersion)
		if err != nil {
			return nil, err
		}
		return &Response{
			Signature: ed25519.Sign(key, req.Payload),
			PublicKey: []byte(key.Public().(ed25519.PublicKey)),
		}, nil
	}
}

func (s *LocalSigner) PublicKey(_ context.Context, scheme Scheme, path string, version uint32) ([]byte, error) {
	switch scheme {
	case SchemeSecp256k1:
		key, err := keys.DeriveSecp256k1(s.seed, path, version)
		if err != nil {
			return nil, err
		}
		return crypto.CompressPubkey(&key.PublicKey), nil
	case SchemeEd25519:
		key, err := keys.DeriveEd25519(s.seed, path, version)
		if err != nil {
			return nil, err
		}
		return []byte(key.Public().(ed25519.PublicKey)), nil
	default:
		return nil, fmt.Errorf("%w: unknown scheme %q", ErrInvalidRequest, scheme)
	}
}
