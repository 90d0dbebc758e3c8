// Package webhook carries both directions of webhook traffic: verifying
// and recording inbound vendor pushes (inbound.go), and a Manager that
// delivers signed events to registered downstream endpoints. The server
// does not construct the Manager; its job, export and compliance
// notifications go through notification.Dispatcher.
package webhook

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Endpoint is a registered downstream webhook destination.
type Endpoint struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Secret    string    `json:"secret,omitempty"`
	Events    []string  `json:"events"`
	OwnerID   string    `json:"ownerId"`
	Status    string    `json:"status"` // "active" or "paused"
	CreatedAt time.Time `json:"createdAt"`
}

// Event is one outbound notification payload.
type Event struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// DeliveryAttempt records one POST against one endpoint.
type DeliveryAttempt struct {
	ID         string        `json:"id"`
	EndpointID string        `json:"endpointId"`
	EventType  string        `json:"eventType"`
	EventID    string        `json:"eventId"`
	StatusCode int           `json:"statusCode"`
	Attempt    int           `json:"attempt"`
	Duration   time.Duration `json:"durationNs"`
	Status     string        `json:"status"` // "success" or "failed"
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// Store persists endpoints and delivery logs.
type Store interface {
	CreateEndpoint(ctx context.Context, ep *Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*Endpoint, error)
	ListEndpoints(ctx context.Context, ownerID string) ([]*Endpoint, error)
	UpdateEndpoint(ctx context.Context, ep *Endpoint) error
	DeleteEndpoint(ctx context.Context, id string) error
	RecordDelivery(ctx context.Context, attempt *DeliveryAttempt) error
	ListDeliveries(ctx context.Context, endpointID string, limit int) ([]*DeliveryAttempt, error)
}

// InMemoryStore is the single-process Store.
type InMemoryStore struct {
	mu         sync.Mutex
	endpoints  map[string]*Endpoint
	deliveries map[string][]*DeliveryAttempt
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		endpoints:  make(map[string]*Endpoint),
		deliveries: make(map[string][]*DeliveryAttempt),
	}
}

func (s *InMemoryStore) CreateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[ep.ID] = ep
	return nil
}

func (s *InMemoryStore) GetEndpoint(_ context.Context, id string) (*Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return nil, fmt.Errorf("webhook endpoint %q not found", id)
	}
	cp := *ep
	return &cp, nil
}

func (s *InMemoryStore) ListEndpoints(_ context.Context, ownerID string) ([]*Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Endpoint
	for _, ep := range s.endpoints {
		if ownerID == "" || ep.OwnerID == ownerID {
			cp := *ep
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemoryStore) UpdateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[ep.ID]; !ok {
		return fmt.Errorf("webhook endpoint %q not found", ep.ID)
	}
	cp := *ep
	s.endpoints[ep.ID] = &cp
	return nil
}

func (s *InMemoryStore) DeleteEndpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[id]; !ok {
		return fmt.Errorf("webhook endpoint %q not found", id)
	}
	delete(s.endpoints, id)
	return nil
}

func (s *InMemoryStore) RecordDelivery(_ context.Context, attempt *DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[attempt.EndpointID] = append(s.deliveries[attempt.EndpointID], attempt)
	return nil
}

func (s *InMemoryStore) ListDeliveries(_ context.Context, endpointID string, limit int) ([]*DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.deliveries[endpointID]
	var out []*DeliveryAttempt
	for i := len(all) - 1; i >= 0; i-- {
		cp := *all[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Manager registers endpoints and delivers events to every endpoint
// subscribed to the event's type.
type Manager struct {
	store      Store
	client     *http.Client
	maxRetries int
	algo       Algorithm
}

type ManagerOption func(*Manager)

func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) { m.client = c }
}

func WithMaxRetries(n int) ManagerOption {
	return func(m *Manager) { m.maxRetries = n }
}

func WithAlgorithm(a Algorithm) ManagerOption {
	return func(m *Manager) { m.algo = a }
}

func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:      store,
		client:     &http.Client{Timeout: 15 * time.Second},
		maxRetries: 3,
		algo:       AlgoSHA256,
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

func validateEndpointURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("webhook URL must be http(s), got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook URL missing host")
	}
	return nil
}

// RegisterEndpoint creates an endpoint subscribed to events. A missing
// secret is generated and returned once in the created record.
func (m *Manager) RegisterEndpoint(ctx context.Context, rawURL, secret, ownerID string, events []string) (*Endpoint, error) {
	if err := validateEndpointURL(rawURL); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("at least one event subscription is required")
	}
	if secret == "" {
		var err error
		secret, err = generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generate endpoint secret: %w", err)
		}
	}
	ep := &Endpoint{
		ID:        uuid.New().String(),
		URL:       rawURL,
		Secret:    secret,
		Events:    events,
		OwnerID:   ownerID,
		Status:    "active",
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

func endpointMatches(ep *Endpoint, eventType string) bool {
	if ep.Status != "active" {
		return false
	}
	for _, pattern := range ep.Events {
		if pattern == "*" || pattern == eventType {
			return true
		}
	}
	return false
}

// Deliver posts event to every subscribed endpoint, retrying failures
// with doubling backoff up to maxRetries per endpoint. Every attempt is
// recorded.
func (m *Manager) Deliver(ctx context.Context, event Event) []*DeliveryAttempt {
	endpoints, err := m.store.ListEndpoints(ctx, "")
	if err != nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var attempts []*DeliveryAttempt
	for _, ep := range endpoints {
		if !endpointMatches(ep, event.Type) {
			continue
		}
		attempts = append(attempts, m.deliverToEndpoint(ctx, ep, event))
	}
	return attempts
}

func (m *Manager) deliverToEndpoint(ctx context.Context, ep *Endpoint, event Event) *DeliveryAttempt {
	body, _ := json.Marshal(event)
	signature := Sign(body, ep.Secret, m.algo)

	var last *DeliveryAttempt
	backoff := 500 * time.Millisecond
	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		start := time.Now()
		status, err := m.post(ctx, ep.URL, body, signature)
		last = &DeliveryAttempt{
			ID:         uuid.New().String(),
			EndpointID: ep.ID,
			EventType:  event.Type,
			EventID:    event.ID,
			StatusCode: status,
			Attempt:    attempt,
			Duration:   time.Since(start),
			CreatedAt:  time.Now().UTC(),
		}
		if err == nil && status >= 200 && status < 300 {
			last.Status = "success"
			_ = m.store.RecordDelivery(ctx, last)
			return last
		}
		last.Status = "failed"
		if err != nil {
			last.Error = err.Error()
		} else {
			last.Error = fmt.Sprintf("endpoint returned %d", status)
		}
		_ = m.store.RecordDelivery(ctx, last)

		if attempt < m.maxRetries {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return last
			case <-timer.C:
			}
			backoff *= 2
		}
	}
	return last
}

func (m *Manager) post(ctx context.Context, rawURL string, body []byte, signature string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DefaultSignatureHeader, signature)

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// Handler exposes endpoint registration and delivery logs for admin use.
type Handler struct {
	manager *Manager
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/webhooks/endpoints", h.Register)
	g.GET("/webhooks/endpoints", h.List)
	g.DELETE("/webhooks/endpoints/:id", h.Delete)
	g.GET("/webhooks/endpoints/:id/deliveries", h.Deliveries)
}

type registerRequest struct {
	URL     string   `json:"url"`
	Secret  string   `json:"secret"`
	OwnerID string   `json:"ownerId"`
	Events  []string `json:"events"`
}

func (h *Handler) Register(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ep, err := h.manager.RegisterEndpoint(c.Request().Context(), req.URL, req.Secret, req.OwnerID, req.Events)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, ep)
}

func (h *Handler) List(c echo.Context) error {
	eps, err := h.manager.store.ListEndpoints(c.Request().Context(), c.QueryParam("ownerId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	// Secrets are shown once at registration, never on listing.
	for _, ep := range eps {
		ep.Secret = ""
	}
	return c.JSON(http.StatusOK, eps)
}

func (h *Handler) Delete(c echo.Context) error {
	if err := h.manager.store.DeleteEndpoint(c.Request().Context(), c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Deliveries(c echo.Context) error {
	logs, err := h.manager.store.ListDeliveries(c.Request().Context(), c.Param("id"), 100)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, logs)
}
