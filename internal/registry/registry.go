// Package registry tracks the live channel sessions and serializes calls on each one.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/h1v3-io/inbox/internal/connector"
	"github.com/h1v3-io/inbox/internal/hours"
	"github.com/h1v3-io/inbox/pkg/protocol"
)

const (
	defaultReconnectAttempts = 3
	defaultReconnectDelay    = 2 * time.Second
)

// Channel describes one connected channel session and its tenant policy.
type Channel struct {
	ID      string
	Tenant  string
	Adapter connector.Adapter

	// Farewell is the closing message agents send; its echo never reopens a ticket.
	Farewell string
	// Hours gates the out-of-hours reply; nil means always open.
	Hours             *hours.Schedule
	OutOfHoursMessage string
	CloseOutOfHours   bool
	// SendRate caps outbound calls per second; zero means unlimited.
	SendRate  float64
	SendBurst int
}

// Session is a registered channel with its call mutex and pacing limiter.
type Session struct {
	Channel

	mu       sync.Mutex
	limiter  *rate.Limiter
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

// Registry maps channel ids to sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger

	// ReconnectAttempts bounds EnsureOpen; ReconnectDelay separates attempts.
	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:          make(map[string]*Session),
		logger:            logger.With("component", "registry"),
		ReconnectAttempts: defaultReconnectAttempts,
		ReconnectDelay:    defaultReconnectDelay,
	}
}

// Register adds a channel session.
func (r *Registry) Register(ch Channel) (*Session, error) {
	if ch.ID == "" || ch.Tenant == "" {
		return nil, fmt.Errorf("registry: channel id and tenant are required: %w", protocol.ErrValidation)
	}
	if ch.Adapter == nil {
		return nil, fmt.Errorf("registry: channel %q has no adapter: %w", ch.ID, protocol.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[ch.ID]; exists {
		return nil, fmt.Errorf("registry: channel %q already registered", ch.ID)
	}

	limit := rate.Inf
	burst := ch.SendBurst
	if ch.SendRate > 0 {
		limit = rate.Limit(ch.SendRate)
		if burst < 1 {
			burst = 1
		}
	}
	s := &Session{
		Channel:  ch,
		limiter:  rate.NewLimiter(limit, burst),
		attempts: r.ReconnectAttempts,
		delay:    r.ReconnectDelay,
		logger:   r.logger.With("channel", ch.ID, "kind", ch.Adapter.Kind()),
	}
	r.sessions[ch.ID] = s
	r.logger.Info("channel registered", "channel", ch.ID, "tenant", ch.Tenant, "kind", ch.Adapter.Kind())
	return s, nil
}

// Deregister removes a channel session.
func (r *Registry) Deregister(channelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[channelID]; !exists {
		return fmt.Errorf("registry: channel %q: %w", channelID, protocol.ErrNoAdapterFound)
	}
	delete(r.sessions, channelID)
	r.logger.Info("channel deregistered", "channel", channelID)
	return nil
}

// Lookup returns the session for a channel.
func (r *Registry) Lookup(channelID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[channelID]
	if !ok {
		return nil, fmt.Errorf("registry: channel %q: %w", channelID, protocol.ErrNoAdapterFound)
	}
	return s, nil
}

// TenantOf returns the tenant owning a channel.
func (r *Registry) TenantOf(channelID string) (string, bool) {
	s, err := r.Lookup(channelID)
	if err != nil {
		return "", false
	}
	return s.Tenant, true
}

// Farewell returns the channel's farewell message, or "".
func (r *Registry) Farewell(channelID string) string {
	s, err := r.Lookup(channelID)
	if err != nil {
		return ""
	}
	return s.Farewell
}

// List returns registered channel ids in order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Do runs fn with exclusive use of the session, after waiting for the send limiter.
func (s *Session) Do(ctx context.Context, fn func(connector.Adapter) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("registry: %s: pace: %w", s.ID, err)
	}
	return fn(s.Adapter)
}

// State reports the adapter's session state.
func (s *Session) State() protocol.SessionState {
	return s.Adapter.SessionState()
}

// EnsureOpen returns nil when the session is open, otherwise tries a bounded
// number of reconnects if the adapter supports it.
func (s *Session) EnsureOpen(ctx context.Context) error {
	if s.State() == protocol.SessionOpen {
		return nil
	}
	rc, ok := s.Adapter.(connector.Reconnector)
	if !ok {
		return fmt.Errorf("registry: %s is %s: %w", s.ID, s.State(), protocol.ErrSessionNotConnected)
	}

	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if attempt > 1 && s.delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.delay):
			}
		}
		s.mu.Lock()
		lastErr = rc.Reconnect(ctx)
		s.mu.Unlock()
		if lastErr == nil && s.State() == protocol.SessionOpen {
			s.logger.Info("session reconnected", "attempt", attempt)
			return nil
		}
		s.logger.Warn("reconnect failed", "attempt", attempt, "error", lastErr)
	}
	if lastErr != nil {
		return fmt.Errorf("registry: %s: %w: %v", s.ID, protocol.ErrSessionNotConnected, lastErr)
	}
	return fmt.Errorf("registry: %s is %s: %w", s.ID, s.State(), protocol.ErrSessionNotConnected)
}
