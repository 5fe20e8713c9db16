package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/courierhq/courier/internal/bounce"
	"github.com/courierhq/courier/internal/metrics"
	"github.com/courierhq/courier/internal/queue"
	"github.com/courierhq/courier/internal/ratelimit"
	"github.com/courierhq/courier/internal/render"
	"github.com/courierhq/courier/internal/store"
	"github.com/courierhq/courier/internal/tracking"
)

// Deps collects the pipeline's collaborators.
type Deps struct {
	Logs      store.LogStore
	Profiles  store.ProfileStore
	Templates store.TemplateStore
	Bounces   *bounce.Processor
	Limiter   *ratelimit.Limiter
	Tracker   *tracking.Injector
	Unsubs    tracking.UnsubscribeService
	Transport Transport
}

// Pipeline turns one dequeued email job into a delivered (or definitively
// failed) email. It is safe for concurrent use; all mutable state lives in
// the stores.
type Pipeline struct {
	deps    Deps
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewPipeline wires the send pipeline. The circuit breaker sits in front
// of the SMTP transport so a dead relay sheds load quickly instead of
// burning a worker slot per timeout.
func NewPipeline(deps Deps) *Pipeline {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "smtp-transport",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Pipeline{
		deps:    deps,
		breaker: breaker,
		logger:  slog.Default().With("component", "delivery"),
	}
}

// Handle is the queue handler: it runs the full send sequence for one job.
// Every failure path updates the email log before the error is returned,
// so the queue's retry decision and the log stay consistent.
func (p *Pipeline) Handle(ctx context.Context, job *queue.Job) error {
	logID, err := p.initLog(ctx, job)
	if err != nil {
		return transientError(err, "failed to initialize email log")
	}

	if err := p.send(ctx, job, logID); err != nil {
		p.recordFailure(ctx, logID, job, err)
		return err
	}
	return nil
}

// initLog creates the log entry on the first attempt and reuses it on
// retries, recording the attempt number either way.
func (p *Pipeline) initLog(ctx context.Context, job *queue.Job) (string, error) {
	if job.Payload.EmailLogID != "" {
		if err := p.deps.Logs.MarkSending(ctx, job.Payload.EmailLogID, job.Attempts); err != nil {
			return "", err
		}
		return job.Payload.EmailLogID, nil
	}

	entry := &store.EmailLogEntry{
		ID:             uuid.New().String(),
		OrganizationID: job.Payload.OrganizationID,
		CampaignID:     job.Payload.CampaignID,
		TemplateID:     job.Payload.TemplateID,
		ProfileID:      job.Payload.ProfileID,
		Recipient:      job.Payload.To,
		Subject:        job.Payload.Subject,
		Status:         store.StatusSending,
		RetryCount:     job.Attempts,
	}
	if err := p.deps.Logs.CreateLog(ctx, entry); err != nil {
		return "", err
	}
	// retries of this job update the same entry
	job.Payload.EmailLogID = entry.ID
	return entry.ID, nil
}

func (p *Pipeline) send(ctx context.Context, job *queue.Job, logID string) error {
	payload := &job.Payload

	// profile
	profile, err := p.deps.Profiles.GetProfile(ctx, payload.ProfileID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return configError("smtp profile %s not found", payload.ProfileID)
		}
		return transientError(err, "failed to load smtp profile %s", payload.ProfileID)
	}
	if !profile.Active {
		return configError("smtp profile %s is inactive", payload.ProfileID)
	}

	// rate limit
	limit, err := p.deps.Limiter.Check(ctx, profile.ID, profile.MaxHourlyRate)
	if err != nil {
		return transientError(err, "rate limit check failed")
	}
	if !limit.Allowed {
		metrics.RateLimitRejections.Inc()
		return transientError(nil, "hourly rate limit reached for profile %s, resets at %s",
			profile.ID, limit.ResetAt.Format(time.RFC3339))
	}

	// template
	doc, err := p.deps.Templates.GetTemplateLanguage(ctx, payload.TemplateID, payload.Language)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// kept retryable: campaigns are often dispatched while a
			// translation is still being published
			return transientError(nil, "template %s has no %s content", payload.TemplateID, payload.Language)
		}
		return transientError(err, "failed to load template %s", payload.TemplateID)
	}

	// render
	body, err := render.Render(doc, payload.Variables)
	if err != nil {
		return configError("failed to render template %s: %v", payload.TemplateID, err)
	}

	// suppression and unsubscribe, checked in parallel
	var suppressed, unsubscribed bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		suppressed, err = p.deps.Bounces.IsSuppressed(gctx, payload.To)
		return err
	})
	g.Go(func() error {
		var err error
		unsubscribed, err = p.deps.Unsubs.IsUnsubscribed(gctx, payload.To, payload.CampaignID)
		return err
	})
	if err := g.Wait(); err != nil {
		return transientError(err, "recipient policy check failed")
	}
	if suppressed {
		return policyError("recipient %s is suppressed", payload.To)
	}
	if unsubscribed {
		return policyError("recipient %s is unsubscribed", payload.To)
	}

	// tracking and footer
	html := p.deps.Tracker.InjectTracking(body.HTML, logID, tracking.Options{
		TrackOpens:  profile.TrackOpens,
		TrackClicks: profile.TrackClicks,
	})
	unsubURL := p.deps.Unsubs.UnsubscribeURL(payload.To, payload.CampaignID)
	prefsURL := p.deps.Unsubs.PreferenceCenterURL(payload.To)
	html = tracking.InjectFooter(html, unsubURL, prefsURL)

	// subject
	subject := payload.Subject
	if subject == "" {
		name, err := p.deps.Templates.GetTemplateName(ctx, payload.TemplateID)
		if err != nil {
			return transientError(err, "failed to resolve subject for template %s", payload.TemplateID)
		}
		subject = name
	}
	subject = render.Substitute(subject, payload.Variables)

	// transport, behind the breaker
	msg := &Message{
		To:       payload.To,
		ToName:   payload.ToName,
		Subject:  subject,
		HTML:     html,
		Text:     body.Text,
		From:     payload.FromEmail,
		FromName: payload.FromName,
		Headers: map[string]string{
			"List-Unsubscribe": fmt.Sprintf("<%s>", unsubURL),
		},
	}
	result, err := p.breaker.Execute(func() (any, error) {
		return p.deps.Transport.Send(ctx, profile, msg)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return transientError(err, "smtp transport circuit open")
		}
		return err
	}
	messageID := result.(string)

	if err := p.deps.Logs.MarkSent(ctx, logID, messageID); err != nil {
		return transientError(err, "failed to mark log entry sent")
	}
	metrics.EmailsSent.Inc()
	p.logger.Info("email sent",
		"log_id", logID,
		"to", payload.To,
		"profile", profile.ID,
		"message_id", messageID)
	return nil
}

// recordFailure updates the email log for a failed attempt and routes
// bounce-shaped errors through bounce processing. The original error is
// returned to the queue unchanged except when bounce classification
// tightens its retryability.
func (p *Pipeline) recordFailure(ctx context.Context, logID string, job *queue.Job, sendErr error) {
	var se *SendError
	if !errors.As(sendErr, &se) {
		se = transientError(sendErr, "send failed")
	}

	errText := se.Error()
	if se.SMTPResponse != "" {
		errText = se.SMTPResponse
	}

	if se.Kind != KindPolicy && bounce.IsBounceError(errText) {
		result, err := p.deps.Bounces.ProcessBounce(ctx, job.Payload.To, errText, se.SMTPResponse)
		if err != nil {
			p.logger.Error("bounce processing failed", "log_id", logID, "to", job.Payload.To, "error", err)
		} else {
			se.Kind = KindBounce
			se.BounceType = result.Type
			metrics.EmailsBounced.Inc()
		}
		if err := p.deps.Logs.MarkError(ctx, logID, store.StatusBounced, se.Message, se.SMTPResponse); err != nil {
			p.logger.Error("failed to record bounce status", "log_id", logID, "error", err)
		}
		return
	}

	status := store.StatusFailed
	if se.Retryable() {
		status = store.StatusQueued
	}
	if err := p.deps.Logs.MarkError(ctx, logID, status, se.Message, se.SMTPResponse); err != nil {
		p.logger.Error("failed to record error status", "log_id", logID, "error", err)
	}
}
