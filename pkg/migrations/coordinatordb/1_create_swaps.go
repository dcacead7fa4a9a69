package coordinatordb

import (
	"context"
	"log"

	"github.com/uptrace/bun"

	"github.com/chainsafe/swap-coordinator/pkg/db/dao"
	mghelper "github.com/chainsafe/swap-coordinator/pkg/pgutil/migrations"
)

var swapIndexColumns = []string{"state", "active", "source_chain_id", "destination_chain_id", "created_at"}

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		log.Println("creating swaps table...")
		if err := mghelper.CreateSchema(ctx, db, &dao.SwapDao{}); err != nil {
			return err
		}
		return mghelper.CreateModelIndexes(ctx, db, &dao.SwapDao{}, swapIndexColumns...)
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping swaps table...")
		if err := mghelper.DropModelIndexes(ctx, db, &dao.SwapDao{}, swapIndexColumns...); err != nil {
			return err
		}
		return mghelper.DropTables(ctx, db, &dao.SwapDao{})
	})
}
