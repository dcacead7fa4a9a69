package dao

import (
	"time"

	"github.com/uptrace/bun"
)

// TransitionDao is a data access object that maps directly to the 'swap_transitions' table in PostgreSQL.
type TransitionDao struct {
	bun.BaseModel `bun:"table:swap_transitions,alias:t"`
	ID            int64     `json:"id" bun:"id,pk,autoincrement"`
	OrderHash     string    `json:"order_hash" bun:"order_hash,notnull,type:varchar(66)"`
	FromState     string    `json:"from_state" bun:"from_state,notnull,type:varchar(32)"`
	ToState       string    `json:"to_state" bun:"to_state,notnull,type:varchar(32)"`
	Reason        string    `json:"reason" bun:"reason,type:text"`
	At            time.Time `json:"at" bun:"at,notnull"`
}
