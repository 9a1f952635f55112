package token

import (
	"strconv"

	"github.com/golang-jwt/jwt/v5"

	"github.com/buymybills/Incollabe-BE-sub001/pkg/models"
)

// AccessClaims is carried by short-lived access tokens.
type AccessClaims struct {
	jwt.RegisteredClaims
	Kind             models.PrincipalKind `json:"kind"`
	ProfileCompleted bool                 `json:"profileCompleted"`
}

// RefreshClaims is carried by refresh tokens. They have no exp claim: a refresh token lives
// until it is rotated or revoked.
type RefreshClaims struct {
	jwt.RegisteredClaims
	Kind models.PrincipalKind `json:"kind"`
}

func (c *AccessClaims) Principal() (models.PrincipalRef, bool) {
	return principalFrom(c.Subject, c.Kind)
}

func (c *RefreshClaims) Principal() (models.PrincipalRef, bool) {
	return principalFrom(c.Subject, c.Kind)
}

func principalFrom(subject string, kind models.PrincipalKind) (models.PrincipalRef, bool) {
	id, err := strconv.ParseInt(subject, 10, 64)
	if err != nil || id <= 0 || !kind.Valid() {
		return models.PrincipalRef{}, false
	}
	return models.PrincipalRef{Kind: kind, ID: id}, true
}

func subjectOf(ref models.PrincipalRef) string {
	return strconv.FormatInt(ref.ID, 10)
}
