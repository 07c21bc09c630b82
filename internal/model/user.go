package model

import (
	"time"
)

type User struct {
	ID              string    `db:"id" json:"id"`
	AccessTokenHash *string   `db:"access_token_hash" json:"-"`
	TokenBalance    int       `db:"token_balance" json:"tokenBalance"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time `db:"updated_at" json:"updatedAt"`
}
