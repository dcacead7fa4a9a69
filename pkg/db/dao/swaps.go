package dao

import (
	"time"

	"github.com/uptrace/bun"
)

// SwapDao is a data access object that maps directly to the 'swaps' table in PostgreSQL.
// Record holds the full JSON checkpoint; the other columns are for filtering.
type SwapDao struct {
	bun.BaseModel      `bun:"table:swaps,alias:s"`
	OrderHash          string    `json:"order_hash" bun:"order_hash,pk,type:varchar(66)"`
	State              string    `json:"state" bun:"state,notnull,type:varchar(32)"`
	SourceChainID      string    `json:"source_chain_id" bun:"source_chain_id,notnull,type:varchar(100)"`
	DestinationChainID string    `json:"destination_chain_id" bun:"destination_chain_id,notnull,type:varchar(100)"`
	Maker              string    `json:"maker" bun:"maker,notnull,type:varchar(255)"`
	Active             bool      `json:"active" bun:"active,notnull"`
	Version            int64     `json:"version" bun:"version,notnull"`
	Record             string    `json:"record" bun:"record,notnull,type:jsonb"`
	CreatedAt          time.Time `json:"created_at" bun:"created_at,notnull"`
	UpdatedAt          time.Time `json:"updated_at" bun:"updated_at,notnull,nullzero,default:current_timestamp"`
}
