package store

import "time"

// LogStatus is the delivery state of one email log entry.
type LogStatus string

const (
	StatusQueued  LogStatus = "QUEUED"
	StatusSending LogStatus = "SENDING"
	StatusSent    LogStatus = "SENT"
	StatusBounced LogStatus = "BOUNCED"
	StatusFailed  LogStatus = "FAILED"
)

// EmailLogEntry records one delivery attempt for one recipient. The worker
// owns the entry while the pipeline runs; the store owns it afterward.
type EmailLogEntry struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	CampaignID     string     `json:"campaign_id,omitempty"`
	TemplateID     string     `json:"template_id"`
	ProfileID      string     `json:"profile_id"`
	Recipient      string     `json:"recipient"`
	Subject        string     `json:"subject,omitempty"`
	Status         LogStatus  `json:"status"`
	RetryCount     int        `json:"retry_count"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	SMTPResponse   string     `json:"smtp_response,omitempty"`
	MessageID      string     `json:"message_id,omitempty"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// SMTPProfile holds a tenant's sending configuration. The hourly cap is
// enforced by the rate limiter; a cap of zero means unbounded.
type SMTPProfile struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Username       string `json:"-"`
	Password       string `json:"-"`
	FromEmail      string `json:"from_email"`
	FromName       string `json:"from_name"`
	MaxHourlyRate  int    `json:"max_hourly_rate"`
	Active         bool   `json:"active"`
	TrackOpens     bool   `json:"track_opens"`
	TrackClicks    bool   `json:"track_clicks"`
}

// BounceType classifies a delivery failure.
type BounceType string

const (
	// BounceHard marks a permanent failure; one occurrence suppresses
	BounceHard BounceType = "HARD"
	// BounceSoft marks a transient failure; suppression needs repetition
	BounceSoft BounceType = "SOFT"
)

// BounceRecord is one row per recipient address tracking its bounce
// history. Once Type is HARD it never downgrades to SOFT.
type BounceRecord struct {
	Email        string     `json:"email"`
	Type         BounceType `json:"type"`
	Reason       string     `json:"reason"`
	SMTPResponse string     `json:"smtp_response,omitempty"`
	Count        int        `json:"count"`
	Suppressed   bool       `json:"suppressed"`
	LastBounceAt time.Time  `json:"last_bounce_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
