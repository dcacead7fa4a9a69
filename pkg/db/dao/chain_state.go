package dao

import (
	"time"

	"github.com/uptrace/bun"
)

// ChainStateDao is a data access object that maps directly to the 'chain_state' table in PostgreSQL.
type ChainStateDao struct {
	bun.BaseModel `bun:"table:chain_state"`
	ChainID       string    `json:"chain_id" bun:"chain_id,pk,type:varchar(100)"`
	Height        int64     `json:"height" bun:"height,notnull"`
	BlockHash     string    `json:"block_hash" bun:"block_hash,notnull,type:varchar(255)"`
	UpdatedAt     time.Time `json:"updated_at" bun:"updated_at,notnull,nullzero,default:current_timestamp"`
}
