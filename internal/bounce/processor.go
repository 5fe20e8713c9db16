package bounce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/courierhq/courier/internal/store"
)

const (
	// maxReasonLength bounds the stored free-text reason
	maxReasonLength = 500

	// softSuppressionThreshold is the cumulative bounce count at which an
	// address is suppressed regardless of bounce type
	softSuppressionThreshold = 3
)

// Result is the outcome of processing one bounce event.
type Result struct {
	Type       store.BounceType `json:"bounce_type"`
	Suppressed bool             `json:"is_suppressed"`
}

// Processor maintains per-recipient bounce records and the suppression
// list that blocks future sends to chronically failing addresses.
type Processor struct {
	store  store.BounceStore
	logger *slog.Logger
}

// NewProcessor creates a bounce processor over the given store
func NewProcessor(bounceStore store.BounceStore) *Processor {
	return &Processor{
		store:  bounceStore,
		logger: slog.Default().With("component", "bounce"),
	}
}

// ProcessBounce classifies the error text and updates or creates the
// recipient's bounce record. A single hard bounce suppresses immediately;
// soft bounces suppress once the cumulative count reaches the threshold.
// A record already marked HARD is never downgraded by a later soft bounce.
func (p *Processor) ProcessBounce(ctx context.Context, email, errorText, smtpResponse string) (Result, error) {
	bounceType := ClassifyBounceType(errorText)

	reason := errorText
	if len(reason) > maxReasonLength {
		reason = reason[:maxReasonLength]
	}

	rec, err := p.store.GetBounce(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		rec = &store.BounceRecord{Email: email}
	} else if err != nil {
		return Result{}, fmt.Errorf("failed to load bounce record: %w", err)
	}

	rec.Count++
	rec.Reason = reason
	rec.SMTPResponse = smtpResponse
	rec.LastBounceAt = time.Now()

	// HARD is sticky: a soft bounce after a hard one keeps the record HARD
	if rec.Type != store.BounceHard {
		rec.Type = bounceType
	}

	if rec.Type == store.BounceHard || rec.Count >= softSuppressionThreshold {
		rec.Suppressed = true
	}

	if err := p.store.SaveBounce(ctx, rec); err != nil {
		return Result{}, fmt.Errorf("failed to save bounce record: %w", err)
	}

	p.logger.Info("bounce_processed",
		"event_type", "bounce",
		"recipient", email,
		"bounce_type", rec.Type,
		"bounce_count", rec.Count,
		"suppressed", rec.Suppressed,
	)

	return Result{Type: rec.Type, Suppressed: rec.Suppressed}, nil
}

// IsSuppressed reports whether an address is on the suppression list
func (p *Processor) IsSuppressed(ctx context.Context, email string) (bool, error) {
	rec, err := p.store.GetBounce(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load bounce record: %w", err)
	}

	return rec.Suppressed, nil
}

// RemoveFromSuppression clears the suppression flag only; bounce history
// is retained
func (p *Processor) RemoveFromSuppression(ctx context.Context, email string) error {
	if err := p.store.ClearSuppression(ctx, email); err != nil {
		return fmt.Errorf("failed to remove %s from suppression: %w", email, err)
	}

	p.logger.Info("suppression_removed", "recipient", email)
	return nil
}
