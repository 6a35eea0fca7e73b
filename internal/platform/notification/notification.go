// Package notification renders templated messages and delivers them through
// an EmailSender, keeping a bounded in-memory history for retry and
// inspection.
package notification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// Delivery status values.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Notification represents a single outbound message.
type Notification struct {
	ID           string            `json:"id"`
	Recipient    string            `json:"recipient"`
	Subject      string            `json:"subject,omitempty"`
	Body         string            `json:"body"`
	TemplateID   string            `json:"template_id,omitempty"`
	TemplateData map[string]string `json:"template_data,omitempty"`
	Priority     string            `json:"priority"`
	Status       string            `json:"status"`
	Attempts     int               `json:"attempts"`
	CreatedAt    time.Time         `json:"created_at"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template defines a reusable notification template.
type Template struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Priority string `json:"priority"`
}

// TemplateCriticalResult pages the ordering clinician about a critical value.
const TemplateCriticalResult = "critical-result"

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.RegisterTemplate(Template{
		ID:       TemplateCriticalResult,
		Name:     "Critical Result",
		Subject:  "[{{urgency}}] Critical result for patient {{patient_ref}}",
		Body:     "A critical result was reported on order {{order_id}} for patient {{patient_ref}}.\n\n{{critical_details}}\n\nRaised at {{raised_at}}. Acknowledge escalation {{ticket_id}} once the patient's care team has been informed.",
		Priority: "high",
	})
	return e
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

func (e *TemplateEngine) lookup(id string) (Template, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.templates[id]
	if !ok {
		return Template{}, false
	}
	return *t, true
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	t, ok := e.lookup(templateID)
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}
	subject, body = t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

const defaultHistoryTTL = 24 * time.Hour

// Manager sends notifications and remembers them for HistoryTTL.
type Manager struct {
	sender    EmailSender
	templates *TemplateEngine
	history   *cache.Cache
	now       func() time.Time
}

func NewManager(sender EmailSender, tpl *TemplateEngine, historyTTL time.Duration) *Manager {
	if historyTTL <= 0 {
		historyTTL = defaultHistoryTTL
	}
	if tpl == nil {
		tpl = NewTemplateEngine()
	}
	return &Manager{
		sender:    sender,
		templates: tpl,
		history:   cache.New(historyTTL, historyTTL/4),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Send delivers n, assigning an ID and timestamps, and records the outcome.
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.CreatedAt = m.now()
	n.Status = StatusPending
	err := m.deliver(ctx, n)
	m.history.SetDefault(n.ID, n)
	return err
}

func (m *Manager) deliver(ctx context.Context, n *Notification) error {
	n.Attempts++
	if err := m.sender.SendEmail(ctx, n.Recipient, n.Subject, n.Body); err != nil {
		n.Status = StatusFailed
		n.Error = err.Error()
		return err
	}
	sentAt := m.now()
	n.Status = StatusSent
	n.SentAt = &sentAt
	n.Error = ""
	return nil
}

// SendTemplate renders templateID with data and sends it to recipient.
func (m *Manager) SendTemplate(ctx context.Context, templateID, recipient string, data map[string]string) (*Notification, error) {
	subject, body, err := m.templates.Render(templateID, data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	tpl, _ := m.templates.lookup(templateID)
	n := &Notification{
		Recipient:    recipient,
		Subject:      subject,
		Body:         body,
		TemplateID:   templateID,
		TemplateData: data,
		Priority:     tpl.Priority,
	}
	if n.Priority == "" {
		n.Priority = "normal"
	}
	return n, m.Send(ctx, n)
}

// Get retrieves a notification by ID.
func (m *Manager) Get(id string) (*Notification, error) {
	v, ok := m.history.Get(id)
	if !ok {
		return nil, fmt.Errorf("notification %q not found", id)
	}
	return v.(*Notification), nil
}

// ListByRecipient returns the newest notifications for recipient, up to limit.
func (m *Manager) ListByRecipient(recipient string, limit int) []*Notification {
	var result []*Notification
	for _, item := range m.history.Items() {
		if n := item.Object.(*Notification); n.Recipient == recipient {
			result = append(result, n)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// ErrNotRetryable is returned by Retry for notifications that did not fail.
var ErrNotRetryable = errors.New("notification is not in failed status")

// Retry re-sends a failed notification.
func (m *Manager) Retry(ctx context.Context, id string) (*Notification, error) {
	n, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if n.Status != StatusFailed {
		return n, fmt.Errorf("notification %q (status %s): %w", id, n.Status, ErrNotRetryable)
	}
	err = m.deliver(ctx, n)
	m.history.SetDefault(n.ID, n)
	return n, err
}

// Stats returns counts of remembered notifications grouped by status.
func (m *Manager) Stats() map[string]int {
	stats := make(map[string]int)
	for _, item := range m.history.Items() {
		stats[item.Object.(*Notification).Status]++
	}
	return stats
}
