package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/buymybills/Incollabe-BE-sub001/pkg/autherr"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/models"
)

const resetTokenBytes = 32

// IssuePasswordReset returns an opaque single-use token for principal. Only its hash is stored.
func (i *Issuer) IssuePasswordReset(ctx context.Context, principal models.PrincipalRef) (string, error) {
	raw := make([]byte, resetTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate reset token: %w", err)
	}

	token := base64.RawURLEncoding.EncodeToString(raw)

	if err := i.resets.Put(ctx, hashResetToken(token), principal.String(), i.config.ResetTTL); err != nil {
		return "", fmt.Errorf("store reset token: %w", err)
	}

	return token, nil
}

// ConsumePasswordReset redeems token. Unknown, expired and reused tokens all fail the same way.
func (i *Issuer) ConsumePasswordReset(ctx context.Context, token string) (models.PrincipalRef, error) {
	if token == "" {
		return models.PrincipalRef{}, autherr.New(autherr.KindInvalidCode, "invalid or expired reset token")
	}

	stored, ok, err := i.resets.Take(ctx, hashResetToken(token))
	if err != nil {
		return models.PrincipalRef{}, fmt.Errorf("redeem reset token: %w", err)
	}
	if !ok {
		return models.PrincipalRef{}, autherr.New(autherr.KindInvalidCode, "invalid or expired reset token")
	}

	principal, err := models.ParsePrincipalRef(stored)
	if err != nil {
		return models.PrincipalRef{}, autherr.Wrap(autherr.KindDataIntegrity, "reset token payload", err)
	}

	return principal, nil
}

func hashResetToken(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
