package queue

import (
	"fmt"
	"time"
)

// Lane identifies one of the three delivery channels. A job belongs to
// exactly one lane for its lifetime; the caller picks the lane at enqueue
// time.
type Lane string

const (
	// Immediate is for latency-sensitive transactional sends
	Immediate Lane = "immediate"
	// Scheduled is for sends deferred to a future time
	Scheduled Lane = "scheduled"
	// Bulk is for campaign fan-out
	Bulk Lane = "bulk"
)

// Lanes lists every lane in a stable order.
var Lanes = []Lane{Immediate, Scheduled, Bulk}

// Valid reports whether the lane is one of the three known channels
func (l Lane) Valid() bool {
	switch l {
	case Immediate, Scheduled, Bulk:
		return true
	}
	return false
}

// State is the queue-side lifecycle state of a job.
type State string

const (
	// StateWaiting means the job is ready to be claimed
	StateWaiting State = "waiting"
	// StateDelayed means the job becomes visible at a future time
	StateDelayed State = "delayed"
	// StateActive means a worker has claimed the job
	StateActive State = "active"
	// StateCompleted means the job finished successfully
	StateCompleted State = "completed"
	// StateFailed means the job failed permanently
	StateFailed State = "failed"
)

// EmailJob is the unit of queued work: everything the send pipeline needs
// to deliver one email to one recipient. Read-only once enqueued.
type EmailJob struct {
	TemplateID     string         `json:"template_id"`
	To             string         `json:"to"`
	ToName         string         `json:"to_name,omitempty"`
	Variables      map[string]any `json:"variables,omitempty"`
	Language       string         `json:"language"`
	ProfileID      string         `json:"profile_id"`
	OrganizationID string         `json:"organization_id"`
	CampaignID     string         `json:"campaign_id,omitempty"`
	EmailLogID     string         `json:"email_log_id,omitempty"`
	Subject        string         `json:"subject,omitempty"`
	FromEmail      string         `json:"from_email,omitempty"`
	FromName       string         `json:"from_name,omitempty"`
}

// Validate checks the invariant fields that must always be present
func (j *EmailJob) Validate() error {
	if j.TemplateID == "" {
		return fmt.Errorf("email job missing template id")
	}
	if j.To == "" {
		return fmt.Errorf("email job missing recipient")
	}
	if j.ProfileID == "" {
		return fmt.Errorf("email job missing smtp profile id")
	}
	if j.Language == "" {
		return fmt.Errorf("email job missing language code")
	}
	return nil
}

// Job is the queue envelope around an EmailJob. The queue owns every field
// except Payload, which is read-only once enqueued.
type Job struct {
	ID           string    `json:"id"`
	Lane         Lane      `json:"lane"`
	State        State     `json:"state"`
	Payload      EmailJob  `json:"payload"`
	Priority     int       `json:"priority"`
	Seq          int64     `json:"seq"`
	Attempts     int       `json:"attempts"`
	MaxAttempts  int       `json:"max_attempts"`
	StalledCount int       `json:"stalled_count"`
	LastError    string    `json:"last_error,omitempty"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	NextRetry    time.Time `json:"next_retry,omitempty"`
	FinishedAt   time.Time `json:"finished_at,omitempty"`
}

// LaneStats counts jobs per state within one lane.
type LaneStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// EnqueueOptions modify how a job enters its lane.
type EnqueueOptions struct {
	// Delay defers first visibility by the given duration
	Delay time.Duration
	// Priority orders ready jobs within a lane, higher first
	Priority int
}
