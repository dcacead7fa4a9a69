package dao

import (
	"time"

	"github.com/uptrace/bun"
)

// NonceStateDao is a data access object that maps directly to the 'nonce_state' table in PostgreSQL.
// Nonce is the next nonce to use for the account.
type NonceStateDao struct {
	bun.BaseModel `bun:"table:nonce_state"`
	ChainID       string    `json:"chain_id" bun:"chain_id,pk,type:varchar(100)"`
	Address       string    `json:"address" bun:"address,pk,type:varchar(255)"`
	Nonce         int64     `json:"nonce" bun:"nonce,notnull"`
	UpdatedAt     time.Time `json:"updated_at" bun:"updated_at,notnull,nullzero,default:current_timestamp"`
}
