package db

import (
	"context"
	"testing"

	"github.com/chainsafe/swap-coordinator/pkg/db/dao"
	"github.com/chainsafe/swap-coordinator/pkg/pgutil"
	mghelper "github.com/chainsafe/swap-coordinator/pkg/pgutil/migrations"
)

func TestPGStore(t *testing.T) {
	pgutil.RequireDocker(t)

	ctx := context.Background()
	db, cleanup := pgutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	err := mghelper.CreateSchema(ctx, db,
		&dao.SwapDao{}, &dao.TransitionDao{}, &dao.ChainStateDao{}, &dao.NonceStateDao{})
	if err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	runStoreTests(t, ctx, NewPGStore(db))
}
