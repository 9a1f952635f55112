package models

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/buymybills/Incollabe-BE-sub001/pkg/vault"
)

type PrincipalKind string

const (
	KindCreator      PrincipalKind = "creator"
	KindOrganization PrincipalKind = "organization"
)

func (k PrincipalKind) Valid() bool {
	return k == KindCreator || k == KindOrganization
}

// IdentifierKind is the OTC channel that proves ownership for this kind of principal.
func (k PrincipalKind) IdentifierKind() vault.IdentifierKind {
	if k == KindOrganization {
		return vault.KindEmail
	}
	return vault.KindPhone
}

func PrincipalKindFor(kind vault.IdentifierKind) PrincipalKind {
	if kind == vault.KindEmail {
		return KindOrganization
	}
	return KindCreator
}

func (k PrincipalKind) TableName() string {
	if k == KindOrganization {
		return "organizations"
	}
	return "creators"
}

// PrincipalRef names a principal across both id sequences, e.g. "creator:42".
type PrincipalRef struct {
	Kind PrincipalKind
	ID   int64
}

func (r PrincipalRef) String() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}

func ParsePrincipalRef(s string) (PrincipalRef, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return PrincipalRef{}, fmt.Errorf("malformed principal reference")
	}

	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return PrincipalRef{}, fmt.Errorf("malformed principal reference: %w", err)
	}

	ref := PrincipalRef{Kind: PrincipalKind(kind), ID: n}
	if !ref.Kind.Valid() {
		return PrincipalRef{}, fmt.Errorf("unknown principal kind %q", kind)
	}

	return ref, nil
}

type Principal struct {
	ID                  int64          `db:"id" json:"id"`
	Username            string         `db:"username" json:"username"`
	IdentifierEncrypted string         `db:"identifier_encrypted" json:"-"`
	IdentifierHash      string         `db:"identifier_hash" json:"-"`
	IdentifierVerified  bool           `db:"identifier_verified" json:"identifierVerified"`
	IsActive            bool           `db:"is_active" json:"isActive"`
	ProfileCompleted    bool           `db:"profile_completed" json:"profileCompleted"`
	PasswordHash        sql.NullString `db:"password_hash" json:"-"`
	DeletedAt           *time.Time     `db:"deleted_at" json:"deletedAt,omitempty"`
	CreatedAt           time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt           time.Time      `db:"updated_at" json:"updatedAt"`

	Kind PrincipalKind `db:"-" json:"kind"`
}

func (p *Principal) Ref() PrincipalRef {
	return PrincipalRef{Kind: p.Kind, ID: p.ID}
}

func (p *Principal) SoftDeleted() bool {
	return p.DeletedAt != nil
}
