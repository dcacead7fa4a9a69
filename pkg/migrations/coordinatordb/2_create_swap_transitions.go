package coordinatordb

import (
	"context"
	"log"

	"github.com/uptrace/bun"

	"github.com/chainsafe/swap-coordinator/pkg/db/dao"
	mghelper "github.com/chainsafe/swap-coordinator/pkg/pgutil/migrations"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		log.Println("creating swap_transitions table...")
		if err := mghelper.CreateSchema(ctx, db, &dao.TransitionDao{}); err != nil {
			return err
		}
		return mghelper.CreateModelIndexes(ctx, db, &dao.TransitionDao{}, "order_hash")
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping swap_transitions table...")
		return mghelper.DropTables(ctx, db, &dao.TransitionDao{})
	})
}
