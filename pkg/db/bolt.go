package db

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketSwaps       = []byte("swaps")
	bucketTransitions = []byte("swap_transitions")
	bucketChainState  = []byte("chain_state")
	bucketNonces      = []byte("nonce_state")
)

// BoltStore is the embedded Store backed by a single bbolt file.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSwaps, bucketTransitions, bucketChainState, bucketNonces} {
			if _, e := tx.CreateBucketIfNotExists(b); e != nil {
				return e
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) CreateSwap(ctx context.Context, sw *Swap) error {
	if sw.Order == nil {
		return errors.New("swap has no order")
	}
	blob, err := json.Marshal(sw)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSwaps)
		if b.Get([]byte(sw.OrderHash)) != nil {
			return ErrSwapExists
		}
		return b.Put([]byte(sw.OrderHash), blob)
	})
}

func (s *BoltStore) GetSwap(ctx context.Context, orderHash string) (*Swap, error) {
	var out Swap
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSwaps).Get([]byte(orderHash))
		if v == nil {
			return ErrSwapNotFound
		}
		return json.Unmarshal(v, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BoltStore) SaveSwap(ctx context.Context, sw *Swap, t *Transition) error {
	expected := sw.Version
	sw.Version++
	blob, err := json.Marshal(sw)
	if err != nil {
		sw.Version = expected
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSwaps)
		v := b.Get([]byte(sw.OrderHash))
		if v == nil {
			return ErrSwapNotFound
		}
		var stored struct {
			Version int64 `json:"version"`
		}
		if err := json.Unmarshal(v, &stored); err != nil {
			return err
		}
		if stored.Version != expected {
			return ErrVersionConflict
		}
		if err := b.Put([]byte(sw.OrderHash), blob); err != nil {
			return err
		}
		if t == nil {
			return nil
		}
		return appendTransition(tx, t)
	})
	if err != nil {
		sw.Version = expected
	}
	return err
}

// Transitions are keyed by order hash, a zero byte and a sequence number so
// that a prefix scan returns one swap's log in order.
func appendTransition(tx *bolt.Tx, t *Transition) error {
	b := tx.Bucket(bucketTransitions)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	blob, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return b.Put(transitionKey(t.OrderHash, seq), blob)
}

func transitionKey(orderHash string, seq uint64) []byte {
	key := make([]byte, 0, len(orderHash)+9)
	key = append(key, orderHash...)
	key = append(key, 0)
	return binary.BigEndian.AppendUint64(key, seq)
}

func (s *BoltStore) scan(ctx context.Context, visit func(*Swap)) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSwaps).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var sw Swap
			if err := json.Unmarshal(v, &sw); err != nil {
				return err
			}
			visit(&sw)
		}
		return nil
	})
}

func (s *BoltStore) ListActive(ctx context.Context) ([]*Swap, error) {
	var out []*Swap
	err := s.scan(ctx, func(sw *Swap) {
		if sw.Active() {
			out = append(out, sw)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *BoltStore) ListSwaps(ctx context.Context, f Filter) ([]*Swap, int, error) {
	var matched []*Swap
	err := s.scan(ctx, func(sw *Swap) {
		if f.match(sw) {
			matched = append(matched, sw)
		}
	})
	if err != nil {
		return nil, 0, err
	}
	return f.page(matched), len(matched), nil
}

func (s *BoltStore) ListTransitions(ctx context.Context, orderHash string) ([]Transition, error) {
	prefix := append([]byte(orderHash), 0)
	var out []Transition
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTransitions).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var t Transition
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) GetChainState(ctx context.Context, chainID string) (*ChainState, error) {
	var out *ChainState
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketChainState).Get([]byte(chainID))
		if v == nil {
			return nil
		}
		out = new(ChainState)
		return json.Unmarshal(v, out)
	})
	return out, err
}

func (s *BoltStore) SetChainState(ctx context.Context, st *ChainState) error {
	cp := *st
	cp.UpdatedAt = time.Now()
	blob, err := json.Marshal(&cp)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChainState).Put([]byte(st.ChainID), blob)
	})
}

func nonceKey(chainID, address string) []byte {
	return []byte(chainID + "/" + address)
}

func (s *BoltStore) GetNonce(ctx context.Context, chainID, address string) (uint64, bool, error) {
	var (
		nonce uint64
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketNonces).Get(nonceKey(chainID, address))
		if len(v) == 8 {
			nonce, found = binary.BigEndian.Uint64(v), true
		}
		return nil
	})
	return nonce, found, err
}

func (s *BoltStore) SetNonce(ctx context.Context, chainID, address string, next uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNonces).Put(nonceKey(chainID, address), binary.BigEndian.AppendUint64(nil, next))
	})
}

var _ Store = (*BoltStore)(nil)
