package migrations

import (
	"context"
	"testing"

	"github.com/uptrace/bun/migrate"

	"github.com/chainsafe/swap-coordinator/pkg/migrations/coordinatordb"
	"github.com/chainsafe/swap-coordinator/pkg/pgutil"
)

func TestCoordinatorDBMigrations(t *testing.T) {
	pgutil.RequireDocker(t)

	db, cleanup := pgutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	migrator := migrate.NewMigrator(db, coordinatordb.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}

	group, err := migrator.Migrate(ctx)
	if err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	if group.IsZero() {
		t.Fatal("expected migrations to run, but none were applied")
	}

	for _, table := range []string{"swaps", "swap_transitions", "chain_state", "nonce_state", "bun_migrations"} {
		pgutil.AssertTableExists(t, db, table)
	}
	pgutil.AssertIndexExists(t, db, "idx_swaps_state")
	pgutil.AssertIndexExists(t, db, "idx_swaps_active")
	pgutil.AssertIndexExists(t, db, "idx_swap_transitions_order_hash")

	group, err = migrator.Migrate(ctx)
	if err != nil {
		t.Fatalf("second Migrate() failed: %v", err)
	}
	if !group.IsZero() {
		t.Error("expected no new migrations on second run")
	}

	group, err = migrator.Rollback(ctx)
	if err != nil {
		t.Fatalf("Rollback() failed: %v", err)
	}
	if group.IsZero() {
		t.Error("expected rollback to process a migration group")
	}
	for _, table := range []string{"swaps", "swap_transitions", "chain_state", "nonce_state"} {
		pgutil.AssertTableNotExists(t, db, table)
	}
}
