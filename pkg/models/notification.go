package models

import "time"

// Notification rows point at their recipient polymorphically, so no foreign key cascades
// them when a principal is purged.
type Notification struct {
	ID               int64         `db:"id" json:"id"`
	RecipientKind    PrincipalKind `db:"recipient_kind" json:"recipientKind"`
	RecipientID      int64         `db:"recipient_id" json:"recipientId"`
	Title            string        `db:"title" json:"title"`
	PreviewEncrypted string        `db:"preview_encrypted" json:"-"`
	ReadAt           *time.Time    `db:"read_at" json:"readAt,omitempty"`
	CreatedAt        time.Time     `db:"created_at" json:"createdAt"`

	Preview string `db:"-" json:"preview"`
}

func (*Notification) TableName() string {
	return "notifications"
}
