// Package signer is the coordinator's client side of the external threshold
// signing service. The coordinator never holds signing keys; it sends a
// payload and a derivation path and gets back a signature and the public key
// that produced it.
package signer

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Scheme names the signature algorithm the service should use.
type Scheme string

const (
	SchemeSecp256k1 Scheme = "secp256k1"
	SchemeEd25519   Scheme = "ed25519"
)

// Request asks the service to sign Payload with the key at DerivationPath.
// For secp256k1 Payload is the 32 byte digest; for ed25519 it is the exact
// message bytes.
type Request struct {
	RequestID      string
	DerivationPath string
	KeyVersion     uint32
	Scheme         Scheme
	Payload        []byte
}

// Response carries the raw signature. secp256k1 signatures are r||s with an
// optional trailing recovery byte; ed25519 signatures are 64 bytes.
type Response struct {
	Signature []byte
	PublicKey []byte
}

// Service is implemented by the remote signing client and the local oracle.
type Service interface {
	Sign(ctx context.Context, req *Request) (*Response, error)
	PublicKey(ctx context.Context, scheme Scheme, path string, version uint32) ([]byte, error)
}

var ErrInvalidRequest = errors.New("invalid signing request")

func (r *Request) Validate() error {
	if r.DerivationPath == "" {
		return fmt.Errorf("%w: derivation path is required", ErrInvalidRequest)
	}
	switch r.Scheme {
	case SchemeSecp256k1:
		if len(r.Payload) != 32 {
			return fmt.Errorf("%w: secp256k1 payload must be a 32 byte digest", ErrInvalidRequest)
		}
	case SchemeEd25519:
		if len(r.Payload) == 0 {
			return fmt.Errorf("%w: ed25519 payload is empty", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown scheme %q", ErrInvalidRequest, r.Scheme)
	}
	return nil
}

// PathLocker serializes work per derivation path. Callers hold the lock
// across nonce reservation and signing so that two transactions for the same
// key never race; different paths proceed concurrently.
type PathLocker struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	ch   chan struct{}
	refs int
}

func NewPathLocker() *PathLocker {
	return &PathLocker{locks: make(map[string]*pathLock)}
}

// Lock blocks until the path is free or ctx is done.
func (l *PathLocker) Lock(ctx context.Context, path string) (func(), error) {
	l.mu.Lock()
	pl, ok := l.locks[path]
	if !ok {
		pl = &pathLock{ch: make(chan struct{}, 1)}
		l.locks[path] = pl
	}
	pl.refs++
	l.mu.Unlock()

	select {
	case pl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(path, pl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-pl.ch
			l.release(path, pl)
		})
	}, nil
}

func (l *PathLocker) release(path string, pl *pathLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pl.refs--
	if pl.refs == 0 {
		delete(l.locks, path)
	}
}
