package store

import (
	"context"
	"errors"

	"github.com/courierhq/courier/internal/render"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// LogStore persists email log entries.
type LogStore interface {
	// CreateLog inserts a new entry; the entry's ID must be set
	CreateLog(ctx context.Context, entry *EmailLogEntry) error

	// GetLog fetches an entry by id, or ErrNotFound
	GetLog(ctx context.Context, id string) (*EmailLogEntry, error)

	// MarkSending sets status SENDING and records the attempt number
	MarkSending(ctx context.Context, id string, attempt int) error

	// MarkSent sets status SENT with the provider message id and timestamp
	MarkSent(ctx context.Context, id string, messageID string) error

	// MarkError sets a terminal-or-retry status with the error detail
	MarkError(ctx context.Context, id string, status LogStatus, errMsg, smtpResponse string) error
}

// ProfileStore reads SMTP profiles.
type ProfileStore interface {
	GetProfile(ctx context.Context, id string) (*SMTPProfile, error)
}

// TemplateStore reads templates and their per-language documents.
type TemplateStore interface {
	// GetTemplateName returns the template's display name (used as the
	// subject fallback), or ErrNotFound
	GetTemplateName(ctx context.Context, templateID string) (string, error)

	// GetTemplateLanguage returns the document for one language, or
	// ErrNotFound when the template has no content for that language
	GetTemplateLanguage(ctx context.Context, templateID, language string) (*render.Document, error)
}

// BounceStore persists per-recipient bounce records.
type BounceStore interface {
	// GetBounce fetches the record for an address, or ErrNotFound
	GetBounce(ctx context.Context, email string) (*BounceRecord, error)

	// SaveBounce inserts or updates the record for its address
	SaveBounce(ctx context.Context, rec *BounceRecord) error

	// ClearSuppression lifts the suppression flag, keeping history
	ClearSuppression(ctx context.Context, email string) error
}
