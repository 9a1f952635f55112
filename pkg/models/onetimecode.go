package models

import (
	"time"

	"github.com/buymybills/Incollabe-BE-sub001/pkg/vault"
)

type OneTimeCode struct {
	ID                  int64                `db:"id" json:"id"`
	IdentifierEncrypted string               `db:"identifier_encrypted" json:"-"`
	IdentifierHash      string               `db:"identifier_hash" json:"-"`
	Kind                vault.IdentifierKind `db:"kind" json:"kind"`
	Code                string               `db:"code" json:"-"`
	ExpiresAt           time.Time            `db:"expires_at" json:"expiresAt"`
	IsUsed              bool                 `db:"is_used" json:"isUsed"`
	Attempts            int                  `db:"attempts" json:"attempts"`
	CreatedAt           time.Time            `db:"created_at" json:"createdAt"`
}

func (*OneTimeCode) TableName() string {
	return "one_time_codes"
}

func (c *OneTimeCode) Live(now time.Time) bool {
	return !c.IsUsed && now.Before(c.ExpiresAt)
}
