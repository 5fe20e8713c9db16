package store

import (
	"context"
	"sync"
	"time"

	"github.com/courierhq/courier/internal/render"
)

// Memory is an in-process implementation of all store interfaces, used by
// tests and single-node development.
type Memory struct {
	mu        sync.RWMutex
	logs      map[string]*EmailLogEntry
	profiles  map[string]*SMTPProfile
	templates map[string]*MemoryTemplate
	bounces   map[string]*BounceRecord
}

// MemoryTemplate pairs a template name with its per-language documents.
type MemoryTemplate struct {
	Name      string
	Languages map[string]*render.Document
}

var (
	_ LogStore      = (*Memory)(nil)
	_ ProfileStore  = (*Memory)(nil)
	_ TemplateStore = (*Memory)(nil)
	_ BounceStore   = (*Memory)(nil)
)

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		logs:      make(map[string]*EmailLogEntry),
		profiles:  make(map[string]*SMTPProfile),
		templates: make(map[string]*MemoryTemplate),
		bounces:   make(map[string]*BounceRecord),
	}
}

// AddProfile seeds an SMTP profile
func (m *Memory) AddProfile(profile *SMTPProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[profile.ID] = profile
}

// AddTemplate seeds a template with one language document
func (m *Memory) AddTemplate(id, name, language string, doc *render.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tmpl, ok := m.templates[id]
	if !ok {
		tmpl = &MemoryTemplate{Name: name, Languages: make(map[string]*render.Document)}
		m.templates[id] = tmpl
	}
	tmpl.Languages[language] = doc
}

// CreateLog inserts a new email log entry
func (m *Memory) CreateLog(_ context.Context, entry *EmailLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	entry.CreatedAt = now
	entry.UpdatedAt = now

	cp := *entry
	m.logs[entry.ID] = &cp
	return nil
}

// GetLog fetches an email log entry by id
func (m *Memory) GetLog(_ context.Context, id string) (*EmailLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.logs[id]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *entry
	return &cp, nil
}

// MarkSending sets status SENDING and records the attempt number
func (m *Memory) MarkSending(_ context.Context, id string, attempt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.logs[id]
	if !ok {
		return ErrNotFound
	}

	entry.Status = StatusSending
	entry.RetryCount = attempt
	entry.UpdatedAt = time.Now()
	return nil
}

// MarkSent sets status SENT with the provider message id
func (m *Memory) MarkSent(_ context.Context, id string, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.logs[id]
	if !ok {
		return ErrNotFound
	}

	now := time.Now()
	entry.Status = StatusSent
	entry.MessageID = messageID
	entry.SentAt = &now
	entry.UpdatedAt = now
	return nil
}

// MarkError records a failure state with its error detail
func (m *Memory) MarkError(_ context.Context, id string, status LogStatus, errMsg, smtpResponse string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.logs[id]
	if !ok {
		return ErrNotFound
	}

	entry.Status = status
	entry.ErrorMessage = errMsg
	entry.SMTPResponse = smtpResponse
	entry.UpdatedAt = time.Now()
	return nil
}

// GetProfile fetches an SMTP profile by id
func (m *Memory) GetProfile(_ context.Context, id string) (*SMTPProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	profile, ok := m.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *profile
	return &cp, nil
}

// GetTemplateName returns the template's display name
func (m *Memory) GetTemplateName(_ context.Context, templateID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tmpl, ok := m.templates[templateID]
	if !ok {
		return "", ErrNotFound
	}

	return tmpl.Name, nil
}

// GetTemplateLanguage returns the per-language document
func (m *Memory) GetTemplateLanguage(_ context.Context, templateID, language string) (*render.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tmpl, ok := m.templates[templateID]
	if !ok {
		return nil, ErrNotFound
	}

	doc, ok := tmpl.Languages[language]
	if !ok {
		return nil, ErrNotFound
	}

	return doc, nil
}

// GetBounce fetches the bounce record for an address
func (m *Memory) GetBounce(_ context.Context, email string) (*BounceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.bounces[email]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *rec
	return &cp, nil
}

// SaveBounce inserts or updates the bounce record for its address
func (m *Memory) SaveBounce(_ context.Context, rec *BounceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec.UpdatedAt = time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}

	cp := *rec
	m.bounces[rec.Email] = &cp
	return nil
}

// ClearSuppression lifts the suppression flag, keeping bounce history
func (m *Memory) ClearSuppression(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.bounces[email]
	if !ok {
		return ErrNotFound
	}

	rec.Suppressed = false
	rec.UpdatedAt = time.Now()
	return nil
}
