package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/chainsafe/swap-coordinator/pkg/db/dao"
	"github.com/chainsafe/swap-coordinator/pkg/swap"
)

type pgStore struct {
	db *bun.DB
}

// NewPGStore creates a postgres implementation of Store.
func NewPGStore(db *bun.DB) *pgStore {
	return &pgStore{db: db}
}

func (s *pgStore) Close() error {
	return s.db.Close()
}

func toSwapDao(sw *Swap) (*dao.SwapDao, error) {
	record, err := json.Marshal(sw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode swap: %w", err)
	}
	return &dao.SwapDao{
		OrderHash:          sw.OrderHash,
		State:              string(sw.State),
		SourceChainID:      sw.Source.ChainID,
		DestinationChainID: sw.Destination.ChainID,
		Maker:              sw.Order.Maker,
		Active:             sw.Active(),
		Version:            sw.Version,
		Record:             string(record),
		CreatedAt:          sw.CreatedAt,
		UpdatedAt:          sw.UpdatedAt,
	}, nil
}

func fromSwapDao(d *dao.SwapDao) (*Swap, error) {
	var sw Swap
	if err := json.Unmarshal([]byte(d.Record), &sw); err != nil {
		return nil, fmt.Errorf("failed to decode swap %s: %w", d.OrderHash, err)
	}
	sw.Version = d.Version
	return &sw, nil
}

func (s *pgStore) CreateSwap(ctx context.Context, sw *Swap) error {
	if sw.Order == nil {
		return errors.New("swap has no order")
	}
	d, err := toSwapDao(sw)
	if err != nil {
		return err
	}
	_, err = s.db.NewInsert().Model(d).Exec(ctx)
	if err != nil {
		var pgErr pgdriver.Error
		if errors.As(err, &pgErr) && pgErr.IntegrityViolation() {
			return ErrSwapExists
		}
		return fmt.Errorf("failed to create swap: %w", err)
	}
	return nil
}

func (s *pgStore) GetSwap(ctx context.Context, orderHash string) (*Swap, error) {
	d := new(dao.SwapDao)
	err := s.db.NewSelect().Model(d).Where("order_hash = ?", orderHash).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSwapNotFound
		}
		return nil, fmt.Errorf("failed to get swap: %w", err)
	}
	return fromSwapDao(d)
}

func (s *pgStore) SaveSwap(ctx context.Context, sw *Swap, t *Transition) error {
	expected := sw.Version
	sw.Version++
	d, err := toSwapDao(sw)
	if err != nil {
		sw.Version = expected
		return err
	}
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model(d).
			Column("state", "active", "version", "record", "updated_at").
			Where("order_hash = ?", sw.OrderHash).
			Where("version = ?", expected).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to save swap: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrVersionConflict
		}
		if t == nil {
			return nil
		}
		_, err = tx.NewInsert().Model(&dao.TransitionDao{
			OrderHash: t.OrderHash,
			FromState: string(t.From),
			ToState:   string(t.To),
			Reason:    t.Reason,
			At:        t.At,
		}).Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to record transition: %w", err)
		}
		return nil
	})
	if err != nil {
		sw.Version = expected
	}
	return err
}

func (s *pgStore) ListActive(ctx context.Context) ([]*Swap, error) {
	var daos []dao.SwapDao
	err := s.db.NewSelect().Model(&daos).Where("active = ?", true).Order("created_at ASC").Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active swaps: %w", err)
	}
	return fromSwapDaos(daos)
}

func (s *pgStore) ListSwaps(ctx context.Context, f Filter) ([]*Swap, int, error) {
	var daos []dao.SwapDao
	q := s.db.NewSelect().Model(&daos)
	if f.State != "" {
		q = q.Where("state = ?", string(f.State))
	}
	if f.ChainID != "" {
		q = q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("source_chain_id = ?", f.ChainID).WhereOr("destination_chain_id = ?", f.ChainID)
		})
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	total, err := q.Order("created_at DESC", "order_hash ASC").
		Limit(f.limit()).
		Offset(offset).
		ScanAndCount(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list swaps: %w", err)
	}
	out, err := fromSwapDaos(daos)
	return out, total, err
}

func fromSwapDaos(daos []dao.SwapDao) ([]*Swap, error) {
	out := make([]*Swap, 0, len(daos))
	for i := range daos {
		sw, err := fromSwapDao(&daos[i])
		if err != nil {
			return nil, err
		}
		out = append(out, sw)
	}
	return out, nil
}

func (s *pgStore) ListTransitions(ctx context.Context, orderHash string) ([]Transition, error) {
	var daos []dao.TransitionDao
	err := s.db.NewSelect().Model(&daos).Where("order_hash = ?", orderHash).Order("id ASC").Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	out := make([]Transition, len(daos))
	for i, d := range daos {
		out[i] = Transition{
			OrderHash: d.OrderHash,
			From:      swap.State(d.FromState),
			To:        swap.State(d.ToState),
			Reason:    d.Reason,
			At:        d.At,
		}
	}
	return out, nil
}

func (s *pgStore) GetChainState(ctx context.Context, chainID string) (*ChainState, error) {
	d := new(dao.ChainStateDao)
	err := s.db.NewSelect().Model(d).Where("chain_id = ?", chainID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get chain state: %w", err)
	}
	return &ChainState{
		ChainID:   d.ChainID,
		Height:    uint64(d.Height),
		BlockHash: d.BlockHash,
		UpdatedAt: d.UpdatedAt,
	}, nil
}

func (s *pgStore) SetChainState(ctx context.Context, st *ChainState) error {
	d := &dao.ChainStateDao{
		ChainID:   st.ChainID,
		Height:    int64(st.Height),
		BlockHash: st.BlockHash,
		UpdatedAt: time.Now(),
	}
	_, err := s.db.NewInsert().
		Model(d).
		On("CONFLICT (chain_id) DO UPDATE").
		Set("height = EXCLUDED.height").
		Set("block_hash = EXCLUDED.block_hash").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to set chain state: %w", err)
	}
	return nil
}

func (s *pgStore) GetNonce(ctx context.Context, chainID, address string) (uint64, bool, error) {
	d := new(dao.NonceStateDao)
	err := s.db.NewSelect().Model(d).
		Where("chain_id = ?", chainID).
		Where("address = ?", address).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get nonce: %w", err)
	}
	return uint64(d.Nonce), true, nil
}

func (s *pgStore) SetNonce(ctx context.Context, chainID, address string, next uint64) error {
	_, err := s.db.NewInsert().
		Model(&dao.NonceStateDao{ChainID: chainID, Address: address, Nonce: int64(next), UpdatedAt: time.Now()}).
		On("CONFLICT (chain_id, address) DO UPDATE").
		Set("nonce = EXCLUDED.nonce").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to set nonce: %w", err)
	}
	return nil
}

var _ Store = (*pgStore)(nil)
