package implementation

import (
	"context"

	"github.com/buymybills/Incollabe-BE-sub001/pkg/db"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/models"
)

type previewCipher interface {
	Encrypt(plaintext string) (string, error)
	DecryptOrOpaque(ciphertext string) string
}

// NotificationStore reads and writes the per-principal notification rows that purge has to
// clean up by hand.
type NotificationStore struct {
	store  *db.PostgreSQLStore
	cipher previewCipher
}

func NewNotificationStore(store *db.PostgreSQLStore, cipher previewCipher) *NotificationStore {
	return &NotificationStore{
		store:  store,
		cipher: cipher,
	}
}

func (s NotificationStore) Create(ctx context.Context, recipient models.PrincipalRef, title, preview string) (*models.Notification, error) {
	encrypted, err := s.cipher.Encrypt(preview)
	if err != nil {
		return nil, err
	}

	n := &models.Notification{
		RecipientKind:    recipient.Kind,
		RecipientID:      recipient.ID,
		Title:            title,
		PreviewEncrypted: encrypted,
		Preview:          preview,
	}

	if err := s.store.DB().QueryRowxContext(ctx, `
		INSERT INTO notifications (recipient_kind, recipient_id, title, preview_encrypted)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		n.RecipientKind, n.RecipientID, n.Title, n.PreviewEncrypted,
	).Scan(&n.ID, &n.CreatedAt); err != nil {
		return nil, err
	}

	return n, nil
}

// List decrypts previews best-effort: a preview that fails to decrypt is returned empty
// rather than failing the listing.
func (s NotificationStore) List(ctx context.Context, recipient models.PrincipalRef, limit int) ([]models.Notification, error) {
	notifications := []models.Notification{}

	if err := s.store.DB().SelectContext(ctx, &notifications, `
		SELECT id, recipient_kind, recipient_id, title, preview_encrypted, read_at, created_at
		FROM notifications
		WHERE recipient_kind = $1 AND recipient_id = $2
		ORDER BY created_at DESC
		LIMIT $3`,
		recipient.Kind, recipient.ID, limit,
	); err != nil {
		return nil, err
	}

	for i := range notifications {
		notifications[i].Preview = s.cipher.DecryptOrOpaque(notifications[i].PreviewEncrypted)
	}

	return notifications, nil
}
