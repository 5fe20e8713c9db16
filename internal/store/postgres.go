package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/courierhq/courier/internal/render"
)

// PostgresConfig holds connection settings for the Postgres store.
type PostgresConfig struct {
	Host     string `toml:"host" envconfig:"DB_HOST"`
	Port     int    `toml:"port" envconfig:"DB_PORT"`
	Username string `toml:"username" envconfig:"DB_USER"`
	Password string `toml:"password" envconfig:"DB_PASSWORD"`
	Database string `toml:"database" envconfig:"DB_NAME"`
	SSLMode  string `toml:"ssl_mode" envconfig:"DB_SSLMODE"`
}

// Postgres implements the LogStore, ProfileStore, TemplateStore and
// BounceStore interfaces against PostgreSQL.
type Postgres struct {
	config    PostgresConfig
	db        *sql.DB
	connected bool
}

var (
	_ LogStore      = (*Postgres)(nil)
	_ ProfileStore  = (*Postgres)(nil)
	_ TemplateStore = (*Postgres)(nil)
	_ BounceStore   = (*Postgres)(nil)
)

// NewPostgres creates a new PostgreSQL store
func NewPostgres(config PostgresConfig) *Postgres {
	if config.Port == 0 {
		config.Port = 5432
	}
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}

	return &Postgres{
		config:    config,
		connected: false,
	}
}

// Connect establishes a connection to the PostgreSQL database
func (p *Postgres) Connect() error {
	if p.connected {
		return nil
	}

	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.config.Host,
		p.config.Port,
		p.config.Username,
		p.config.Password,
		p.config.Database,
		p.config.SSLMode)

	var err error
	p.db, err = sql.Open("postgres", connStr)
	if err != nil {
		return fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	// Set connection pool parameters
	p.db.SetMaxOpenConns(25)
	p.db.SetMaxIdleConns(5)
	p.db.SetConnMaxLifetime(5 * time.Minute)

	if err := p.db.Ping(); err != nil {
		p.db.Close()
		return fmt.Errorf("failed to ping PostgreSQL server: %w", err)
	}

	p.connected = true
	return nil
}

// Close closes the connection to the PostgreSQL database
func (p *Postgres) Close() error {
	if !p.connected {
		return nil
	}

	if err := p.db.Close(); err != nil {
		return fmt.Errorf("failed to close PostgreSQL connection: %w", err)
	}

	p.connected = false
	return nil
}

// IsConnected returns true if the store is connected
func (p *Postgres) IsConnected() bool {
	return p.connected
}

// CreateLog inserts a new email log entry
func (p *Postgres) CreateLog(ctx context.Context, entry *EmailLogEntry) error {
	now := time.Now()
	entry.CreatedAt = now
	entry.UpdatedAt = now

	_, err := p.db.ExecContext(ctx,
		`INSERT INTO email_logs
		 (id, organization_id, campaign_id, template_id, profile_id, recipient,
		  subject, status, retry_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID,
		entry.OrganizationID,
		nullable(entry.CampaignID),
		entry.TemplateID,
		entry.ProfileID,
		entry.Recipient,
		entry.Subject,
		entry.Status,
		entry.RetryCount,
		entry.CreatedAt,
		entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert email log: %w", err)
	}

	return nil
}

// GetLog fetches an email log entry by id
func (p *Postgres) GetLog(ctx context.Context, id string) (*EmailLogEntry, error) {
	var entry EmailLogEntry
	var campaignID, errMsg, smtpResp, messageID sql.NullString
	var sentAt sql.NullTime

	err := p.db.QueryRowContext(ctx,
		`SELECT id, organization_id, campaign_id, template_id, profile_id,
		        recipient, subject, status, retry_count, error_message,
		        smtp_response, message_id, sent_at, created_at, updated_at
		 FROM email_logs WHERE id = $1`, id,
	).Scan(
		&entry.ID, &entry.OrganizationID, &campaignID, &entry.TemplateID,
		&entry.ProfileID, &entry.Recipient, &entry.Subject, &entry.Status,
		&entry.RetryCount, &errMsg, &smtpResp, &messageID, &sentAt,
		&entry.CreatedAt, &entry.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query email log: %w", err)
	}

	entry.CampaignID = campaignID.String
	entry.ErrorMessage = errMsg.String
	entry.SMTPResponse = smtpResp.String
	entry.MessageID = messageID.String
	if sentAt.Valid {
		entry.SentAt = &sentAt.Time
	}

	return &entry, nil
}

// MarkSending sets status SENDING and records the attempt number
func (p *Postgres) MarkSending(ctx context.Context, id string, attempt int) error {
	return p.execLogUpdate(ctx,
		`UPDATE email_logs
		 SET status = $1, retry_count = $2, updated_at = NOW()
		 WHERE id = $3`,
		StatusSending, attempt, id)
}

// MarkSent sets status SENT with the provider message id
func (p *Postgres) MarkSent(ctx context.Context, id string, messageID string) error {
	return p.execLogUpdate(ctx,
		`UPDATE email_logs
		 SET status = $1, message_id = $2, sent_at = NOW(), updated_at = NOW()
		 WHERE id = $3`,
		StatusSent, messageID, id)
}

// MarkError records a failure state with its error detail
func (p *Postgres) MarkError(ctx context.Context, id string, status LogStatus, errMsg, smtpResponse string) error {
	return p.execLogUpdate(ctx,
		`UPDATE email_logs
		 SET status = $1, error_message = $2, smtp_response = $3, updated_at = NOW()
		 WHERE id = $4`,
		status, errMsg, nullable(smtpResponse), id)
}

func (p *Postgres) execLogUpdate(ctx context.Context, query string, args ...interface{}) error {
	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update email log: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// GetProfile fetches an SMTP profile by id
func (p *Postgres) GetProfile(ctx context.Context, id string) (*SMTPProfile, error) {
	var profile SMTPProfile

	err := p.db.QueryRowContext(ctx,
		`SELECT id, organization_id, name, host, port, username, password,
		        from_email, from_name, max_hourly_rate, active,
		        track_opens, track_clicks
		 FROM smtp_profiles WHERE id = $1`, id,
	).Scan(
		&profile.ID, &profile.OrganizationID, &profile.Name, &profile.Host,
		&profile.Port, &profile.Username, &profile.Password,
		&profile.FromEmail, &profile.FromName, &profile.MaxHourlyRate,
		&profile.Active, &profile.TrackOpens, &profile.TrackClicks,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query smtp profile: %w", err)
	}

	return &profile, nil
}

// GetTemplateName returns the template's display name
func (p *Postgres) GetTemplateName(ctx context.Context, templateID string) (string, error) {
	var name string

	err := p.db.QueryRowContext(ctx,
		`SELECT name FROM templates WHERE id = $1`, templateID,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query template: %w", err)
	}

	return name, nil
}

// GetTemplateLanguage returns the per-language document, stored as JSONB
func (p *Postgres) GetTemplateLanguage(ctx context.Context, templateID, language string) (*render.Document, error) {
	var raw []byte

	err := p.db.QueryRowContext(ctx,
		`SELECT document FROM template_languages
		 WHERE template_id = $1 AND language = $2`,
		templateID, language,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query template language: %w", err)
	}

	var doc render.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode template document: %w", err)
	}

	return &doc, nil
}

// GetBounce fetches the bounce record for an address
func (p *Postgres) GetBounce(ctx context.Context, email string) (*BounceRecord, error) {
	var rec BounceRecord
	var smtpResp sql.NullString

	err := p.db.QueryRowContext(ctx,
		`SELECT email, bounce_type, reason, smtp_response, bounce_count,
		        suppressed, last_bounce_at, created_at, updated_at
		 FROM bounce_records WHERE email = $1`, email,
	).Scan(
		&rec.Email, &rec.Type, &rec.Reason, &smtpResp, &rec.Count,
		&rec.Suppressed, &rec.LastBounceAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query bounce record: %w", err)
	}

	rec.SMTPResponse = smtpResp.String
	return &rec, nil
}

// SaveBounce inserts or updates the bounce record for its address
func (p *Postgres) SaveBounce(ctx context.Context, rec *BounceRecord) error {
	rec.UpdatedAt = time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}

	_, err := p.db.ExecContext(ctx,
		`INSERT INTO bounce_records
		 (email, bounce_type, reason, smtp_response, bounce_count,
		  suppressed, last_bounce_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (email) DO UPDATE SET
		   bounce_type = EXCLUDED.bounce_type,
		   reason = EXCLUDED.reason,
		   smtp_response = EXCLUDED.smtp_response,
		   bounce_count = EXCLUDED.bounce_count,
		   suppressed = EXCLUDED.suppressed,
		   last_bounce_at = EXCLUDED.last_bounce_at,
		   updated_at = EXCLUDED.updated_at`,
		rec.Email, rec.Type, rec.Reason, nullable(rec.SMTPResponse),
		rec.Count, rec.Suppressed, rec.LastBounceAt, rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save bounce record: %w", err)
	}

	return nil
}

// ClearSuppression lifts the suppression flag, keeping bounce history
func (p *Postgres) ClearSuppression(ctx context.Context, email string) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE bounce_records
		 SET suppressed = FALSE, updated_at = NOW()
		 WHERE email = $1`, email)
	if err != nil {
		return fmt.Errorf("failed to clear suppression: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// nullable maps an empty string to SQL NULL
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
