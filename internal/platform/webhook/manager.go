// Package webhook delivers lifecycle events to registered HTTP endpoints.
// Bodies are signed with HMAC-SHA256 so receivers can verify the sender.
// Every attempt is recorded and failed deliveries can be retried.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	StatusActive = "active"
	StatusPaused = "paused"

	DeliverySuccess = "success"
	DeliveryFailed  = "failed"

	HeaderSignature = "X-Orderflow-Signature"
	HeaderTopic     = "X-Orderflow-Topic"
	HeaderDelivery  = "X-Orderflow-Delivery"
	HeaderTimestamp = "X-Orderflow-Timestamp"

	// TopicTest is used by synthetic connectivity checks.
	TopicTest = "webhook.test"
)

var (
	ErrEndpointNotFound = errors.New("webhook endpoint not found")
	ErrDeliveryNotFound = errors.New("webhook delivery not found")
	ErrNoEndpoints      = errors.New("no active webhook endpoint subscribed")
)

// Endpoint is a registered delivery destination. Topics holds exact topic
// names, "*" for everything, or a prefix pattern such as "order:*".
type Endpoint struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Secret    string    `json:"secret,omitempty"`
	Topics    []string  `json:"topics"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Delivery records one POST to one endpoint.
type Delivery struct {
	ID           string        `json:"id"`
	EndpointID   string        `json:"endpoint_id"`
	Topic        string        `json:"topic"`
	Payload      []byte        `json:"payload"`
	Signature    string        `json:"signature"`
	StatusCode   int           `json:"status_code"`
	ResponseBody string        `json:"response_body,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
	Attempt      int           `json:"attempt"`
	Status       string        `json:"status"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// ---------------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------------

type Store interface {
	CreateEndpoint(ctx context.Context, ep *Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*Endpoint, error)
	ListEndpoints(ctx context.Context, limit, offset int) ([]*Endpoint, int, error)
	UpdateEndpoint(ctx context.Context, ep *Endpoint) error
	DeleteEndpoint(ctx context.Context, id string) error
	RecordDelivery(ctx context.Context, d *Delivery) error
	GetDelivery(ctx context.Context, id string) (*Delivery, error)
	ListDeliveries(ctx context.Context, endpointID string, limit, offset int) ([]*Delivery, int, error)
}

// MemoryStore keeps endpoints and deliveries in process. Deliveries beyond
// maxDeliveries are discarded oldest first.
type MemoryStore struct {
	mu            sync.RWMutex
	endpoints     map[string]*Endpoint
	endpointOrder []string
	deliveries    map[string]*Delivery
	deliveryOrder []string
	maxDeliveries int
}

func NewMemoryStore(maxDeliveries int) *MemoryStore {
	if maxDeliveries <= 0 {
		maxDeliveries = 10000
	}
	return &MemoryStore{
		endpoints:     make(map[string]*Endpoint),
		deliveries:    make(map[string]*Delivery),
		maxDeliveries: maxDeliveries,
	}
}

func (s *MemoryStore) CreateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ep
	s.endpoints[ep.ID] = &cp
	s.endpointOrder = append(s.endpointOrder, ep.ID)
	return nil
}

func (s *MemoryStore) GetEndpoint(_ context.Context, id string) (*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return nil, ErrEndpointNotFound
	}
	cp := *ep
	return &cp, nil
}

func (s *MemoryStore) ListEndpoints(_ context.Context, limit, offset int) ([]*Endpoint, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Endpoint, 0, len(s.endpointOrder))
	for _, id := range s.endpointOrder {
		cp := *s.endpoints[id]
		all = append(all, &cp)
	}
	return page(all, limit, offset), len(all), nil
}

func (s *MemoryStore) UpdateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[ep.ID]; !ok {
		return ErrEndpointNotFound
	}
	cp := *ep
	s.endpoints[ep.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteEndpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[id]; !ok {
		return ErrEndpointNotFound
	}
	delete(s.endpoints, id)
	for i, eid := range s.endpointOrder {
		if eid == id {
			s.endpointOrder = append(s.endpointOrder[:i], s.endpointOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) RecordDelivery(_ context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.deliveries[d.ID] = &cp
	s.deliveryOrder = append(s.deliveryOrder, d.ID)
	for len(s.deliveryOrder) > s.maxDeliveries {
		delete(s.deliveries, s.deliveryOrder[0])
		s.deliveryOrder = s.deliveryOrder[1:]
	}
	return nil
}

func (s *MemoryStore) GetDelivery(_ context.Context, id string) (*Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	cp := *d
	return &cp, nil
}

// ListDeliveries returns an endpoint's deliveries, newest first.
func (s *MemoryStore) ListDeliveries(_ context.Context, endpointID string, limit, offset int) ([]*Delivery, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Delivery
	for i := len(s.deliveryOrder) - 1; i >= 0; i-- {
		d := s.deliveries[s.deliveryOrder[i]]
		if d.EndpointID == endpointID {
			cp := *d
			matched = append(matched, &cp)
		}
	}
	return page(matched, limit, offset), len(matched), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if limit <= 0 || end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

// ---------------------------------------------------------------------------
// Signatures
// ---------------------------------------------------------------------------

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature accepts the bare hex digest or the "sha256=" header form.
func VerifySignature(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

type ManagerOption func(*Manager)

func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) { m.httpClient = c }
}

// WithRetryDelays sets the pauses between attempts; one attempt is made per
// delay plus the first.
func WithRetryDelays(delays ...time.Duration) ManagerOption {
	return func(m *Manager) { m.retryDelays = delays }
}

// Manager registers endpoints and delivers published events to them. It
// satisfies the publisher interface used for escalation and transition
// events.
type Manager struct {
	store       Store
	httpClient  *http.Client
	retryDelays []time.Duration
	logger      zerolog.Logger
}

func NewManager(store Store, logger zerolog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:       store,
		httpClient:  &http.Client{Timeout: 5 * time.Second},
		retryDelays: []time.Duration{250 * time.Millisecond, time.Second},
		logger:      logger.With().Str("component", "webhook").Logger(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url must include a host")
	}
	return nil
}

// Register stores a new active endpoint. An empty secret is replaced by a
// random one; no topics subscribes to everything.
func (m *Manager) Register(ctx context.Context, rawURL, secret string, topics []string) (*Endpoint, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if secret == "" {
		s, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		secret = s
	}
	if len(topics) == 0 {
		topics = []string{"*"}
	}

	ep := &Endpoint{
		ID:        uuid.NewString(),
		URL:       rawURL,
		Secret:    secret,
		Topics:    topics,
		Status:    StatusActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	m.logger.Info().Str("endpoint", ep.ID).Str("url", ep.URL).Strs("topics", topics).Msg("webhook registered")
	return ep, nil
}

func (m *Manager) setStatus(ctx context.Context, id, status string) error {
	ep, err := m.store.GetEndpoint(ctx, id)
	if err != nil {
		return err
	}
	ep.Status = status
	return m.store.UpdateEndpoint(ctx, ep)
}

func (m *Manager) Pause(ctx context.Context, id string) error  { return m.setStatus(ctx, id, StatusPaused) }
func (m *Manager) Resume(ctx context.Context, id string) error { return m.setStatus(ctx, id, StatusActive) }

// topicMatches reports whether pattern selects topic.
func topicMatches(pattern, topic string) bool {
	switch {
	case pattern == "*" || pattern == topic:
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

func (ep *Endpoint) subscribes(topic string) bool {
	for _, p := range ep.Topics {
		if topicMatches(p, topic) {
			return true
		}
	}
	return false
}

// Publish delivers body to every active endpoint subscribed to topic. It
// fails when no endpoint is subscribed or any delivery exhausts its
// retries.
func (m *Manager) Publish(ctx context.Context, topic string, body []byte) error {
	endpoints, _, err := m.store.ListEndpoints(ctx, 0, 0)
	if err != nil {
		return fmt.Errorf("list webhook endpoints: %w", err)
	}

	var errs []error
	delivered := 0
	for _, ep := range endpoints {
		if ep.Status != StatusActive || !ep.subscribes(topic) {
			continue
		}
		delivered++
		if d := m.deliverWithRetry(ctx, ep, topic, body); d.Status != DeliverySuccess {
			errs = append(errs, fmt.Errorf("webhook %s: %s", ep.ID, d.Error))
		}
	}
	if delivered == 0 {
		return fmt.Errorf("%w to %q", ErrNoEndpoints, topic)
	}
	return errors.Join(errs...)
}

func (m *Manager) deliverWithRetry(ctx context.Context, ep *Endpoint, topic string, body []byte) *Delivery {
	d := m.deliver(ctx, ep, topic, body, 1)
	for i, delay := range m.retryDelays {
		if d.Status == DeliverySuccess {
			break
		}
		select {
		case <-ctx.Done():
			return d
		case <-time.After(delay):
		}
		d = m.deliver(ctx, ep, topic, body, i+2)
	}
	return d
}

// deliver signs body and POSTs it once, recording the attempt.
func (m *Manager) deliver(ctx context.Context, ep *Endpoint, topic string, body []byte, attempt int) *Delivery {
	now := time.Now().UTC()
	d := &Delivery{
		ID:         uuid.NewString(),
		EndpointID: ep.ID,
		Topic:      topic,
		Payload:    body,
		Signature:  SignPayload(body, ep.Secret),
		Attempt:    attempt,
		CreatedAt:  now,
	}
	defer func() {
		if err := m.store.RecordDelivery(ctx, d); err != nil {
			m.logger.Error().Err(err).Str("delivery", d.ID).Msg("record webhook delivery")
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		d.Status, d.Error = DeliveryFailed, err.Error()
		return d
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, "sha256="+d.Signature)
	req.Header.Set(HeaderTopic, topic)
	req.Header.Set(HeaderDelivery, d.ID)
	req.Header.Set(HeaderTimestamp, now.Format(time.RFC3339))

	start := time.Now()
	resp, err := m.httpClient.Do(req)
	d.Duration = time.Since(start)
	if err != nil {
		d.Status, d.Error = DeliveryFailed, err.Error()
		m.logger.Warn().Err(err).Str("endpoint", ep.ID).Int("attempt", attempt).Msg("webhook delivery failed")
		return d
	}
	defer resp.Body.Close()

	d.StatusCode = resp.StatusCode
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	d.ResponseBody = string(respBody)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.Status = DeliverySuccess
	} else {
		d.Status = DeliveryFailed
		d.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
		m.logger.Warn().Str("endpoint", ep.ID).Int("status", resp.StatusCode).Int("attempt", attempt).Msg("webhook delivery rejected")
	}
	return d
}

// Retry redelivers a recorded delivery once with the next attempt number.
func (m *Manager) Retry(ctx context.Context, deliveryID string) (*Delivery, error) {
	original, err := m.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	ep, err := m.store.GetEndpoint(ctx, original.EndpointID)
	if err != nil {
		return nil, err
	}
	return m.deliver(ctx, ep, original.Topic, original.Payload, original.Attempt+1), nil
}

// Test sends a synthetic event to the endpoint.
func (m *Manager) Test(ctx context.Context, endpointID string) (*Delivery, error) {
	ep, err := m.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	body := []byte(fmt.Sprintf(`{"type":%q,"endpoint_id":%q}`, TopicTest, ep.ID))
	return m.deliver(ctx, ep, TopicTest, body, 1), nil
}

func (m *Manager) Endpoints(ctx context.Context, limit, offset int) ([]*Endpoint, int, error) {
	return m.store.ListEndpoints(ctx, limit, offset)
}

func (m *Manager) Endpoint(ctx context.Context, id string) (*Endpoint, error) {
	return m.store.GetEndpoint(ctx, id)
}

func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.DeleteEndpoint(ctx, id)
}

func (m *Manager) Deliveries(ctx context.Context, endpointID string, limit, offset int) ([]*Delivery, int, error) {
	return m.store.ListDeliveries(ctx, endpointID, limit, offset)
}

// Close is a no-op.
func (m *Manager) Close() error { return nil }
