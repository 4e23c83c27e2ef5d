// Package ack reconciles delivery acknowledgments and read state between the
// store and the channels.
package ack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/h1v3-io/inbox/internal/connector"
	"github.com/h1v3-io/inbox/internal/keylock"
	"github.com/h1v3-io/inbox/internal/notify"
	"github.com/h1v3-io/inbox/internal/registry"
	"github.com/h1v3-io/inbox/internal/ticket"
	"github.com/h1v3-io/inbox/pkg/protocol"
)

const (
	DefaultReadBatch     = 5
	DefaultReadPause     = 500 * time.Millisecond
	DefaultPresencePause = 300 * time.Millisecond
)

// StatusHook is told about ack changes of messages on integrator tickets.
type StatusHook interface {
	MessageStatus(ctx context.Context, t *protocol.Ticket, m *protocol.Message) error
}

// Config wires a Reconciler.
type Config struct {
	Store    ticket.Store
	Registry *registry.Registry
	Locks    *keylock.Locker
	Notifier notify.Notifier
	Status   StatusHook

	CacheTTL      time.Duration
	CacheSize     int
	ReadBatch     int
	ReadPause     time.Duration
	PresencePause time.Duration
	Logger        *slog.Logger
}

// Reconciler applies acks and pushes read receipts.
type Reconciler struct {
	store    ticket.Store
	registry *registry.Registry
	locks    *keylock.Locker
	notifier notify.Notifier
	status   StatusHook
	cache    *LookupCache

	readBatch     int
	readPause     time.Duration
	presencePause time.Duration
	logger        *slog.Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// New creates a Reconciler.
func New(cfg Config) *Reconciler {
	r := &Reconciler{
		store:         cfg.Store,
		registry:      cfg.Registry,
		locks:         cfg.Locks,
		notifier:      cfg.Notifier,
		status:        cfg.Status,
		cache:         NewLookupCache(cfg.CacheTTL, cfg.CacheSize),
		readBatch:     cfg.ReadBatch,
		readPause:     cfg.ReadPause,
		presencePause: cfg.PresencePause,
		logger:        cfg.Logger,
	}
	if r.locks == nil {
		r.locks = keylock.New()
	}
	if r.notifier == nil {
		r.notifier = notify.Nop{}
	}
	if r.readBatch <= 0 {
		r.readBatch = DefaultReadBatch
	}
	if r.readPause < 0 {
		r.readPause = 0
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "ack")
	return r
}

// Cache exposes the lookup cache for the periodic sweep.
func (r *Reconciler) Cache() *LookupCache { return r.cache }

// Stop waits for in-flight read pushes and releases the cache.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.wg.Wait()
	r.cache.Clear()
}

// Wait blocks until background read pushes finish.
func (r *Reconciler) Wait() { r.wg.Wait() }

// ApplyAck records an acknowledgment reported by a channel. Stale or
// regressing acks are ignored.
func (r *Reconciler) ApplyAck(ctx context.Context, channelID, nativeID string, ack protocol.Ack) (*protocol.Message, error) {
	m, err := r.store.FindMessageByNativeID(ctx, channelID, nativeID)
	if err != nil {
		return nil, fmt.Errorf("ack: %s: %w", nativeID, err)
	}
	t, err := r.store.GetTicket(ctx, m.TicketID)
	if err != nil {
		return nil, fmt.Errorf("ack: %w", err)
	}
	unlock, err := r.locks.Lock(ctx, keylock.Key(t.TenantID, t.ChannelID, t.ContactID))
	if err != nil {
		return nil, fmt.Errorf("ack: lock: %w", err)
	}
	defer unlock()

	// Re-read under the lock; a concurrent ack may have moved it.
	m, err = r.store.GetMessage(ctx, m.ID)
	if err != nil {
		return nil, fmt.Errorf("ack: %w", err)
	}
	return r.ApplyAckLocked(ctx, m, ack)
}

// ApplyAckLocked applies ack to m. The caller holds m's ticket key.
func (r *Reconciler) ApplyAckLocked(ctx context.Context, m *protocol.Message, ack protocol.Ack) (*protocol.Message, error) {
	next, changed := protocol.NextAck(m.Ack, ack)
	if !changed {
		return m, nil
	}
	read := m.Read || next == protocol.AckRead
	t, err := r.store.UpdateAck(ctx, m.ID, next, read)
	if err != nil {
		return nil, fmt.Errorf("ack: update: %w", err)
	}
	updated := *m
	updated.Ack = next
	updated.Read = read
	r.cache.Update(&updated)
	r.logger.Debug("ack applied", "message_id", m.ID, "from", m.Ack, "to", next)

	r.notifier.Notify(t.TenantID, protocol.NotifyMessage, protocol.Notification{Action: "update", Message: &updated, Ticket: t})
	r.notifier.Notify(t.TenantID, protocol.NotifyTicket, protocol.Notification{Action: "update", Ticket: t})
	if r.status != nil {
		if err := r.status.MessageStatus(ctx, t, &updated); err != nil {
			r.logger.Warn("integrator webhook failed", "ticket_id", t.ID, "message_id", m.ID, "error", err)
		}
	}
	return &updated, nil
}

// FindMessage resolves a channel-native id within a ticket through the lookup cache.
func (r *Reconciler) FindMessage(ctx context.Context, ticketID, nativeID string) (*protocol.Message, error) {
	if m, ok := r.cache.Get(ticketID, nativeID); ok {
		return m, nil
	}
	m, err := r.store.FindTicketMessageByNativeID(ctx, ticketID, nativeID)
	if err != nil {
		return nil, err
	}
	r.cache.Put(m)
	return m, nil
}

// MarkTicketRead marks every inbound message of the ticket read and starts a
// best-effort push of the receipts to the channel. The local update never
// depends on the push.
func (r *Reconciler) MarkTicketRead(ctx context.Context, tenantID, ticketID string) (*protocol.Ticket, error) {
	t, err := r.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("ack: %w", err)
	}
	if tenantID != "" && t.TenantID != tenantID {
		return nil, fmt.Errorf("ack: ticket %s: %w", ticketID, protocol.ErrNotFound)
	}

	unlock, err := r.locks.Lock(ctx, keylock.Key(t.TenantID, t.ChannelID, t.ContactID))
	if err != nil {
		return nil, fmt.Errorf("ack: lock: %w", err)
	}
	nativeIDs, t, err := r.store.MarkTicketRead(ctx, ticketID)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("ack: mark read: %w", err)
	}
	r.notifier.Notify(t.TenantID, protocol.NotifyTicket, protocol.Notification{Action: "update", Ticket: t})

	if len(nativeIDs) > 0 {
		r.mu.Lock()
		stopped := r.stopped
		if !stopped {
			r.wg.Add(1)
		}
		r.mu.Unlock()
		if !stopped {
			go func() {
				defer r.wg.Done()
				r.pushRead(context.WithoutCancel(ctx), t, nativeIDs)
			}()
		}
	}
	return t, nil
}

type readStrategy struct {
	name string
	fn   func(ctx context.Context, s *registry.Session, destination string, ids []string) error
}

// pushRead walks the strategy ladder until one succeeds.
func (r *Reconciler) pushRead(ctx context.Context, t *protocol.Ticket, ids []string) {
	logger := r.logger.With("ticket_id", t.ID, "channel", t.ChannelID)
	sess, err := r.registry.Lookup(t.ChannelID)
	if err != nil {
		logger.Warn("read push skipped", "error", err)
		return
	}
	if err := sess.EnsureOpen(ctx); err != nil {
		logger.Warn("read push skipped", "error", err)
		return
	}
	contact, err := r.store.GetContact(ctx, t.ContactID)
	if err != nil {
		logger.Warn("read push skipped", "error", err)
		return
	}

	ladder := []readStrategy{
		{"batch", r.readBatches},
		{"presence", r.readWithPresence},
		{"latest", r.readLatest},
	}
	for _, s := range ladder {
		err := s.fn(ctx, sess, contact.Number, ids)
		if err == nil {
			logger.Debug("read receipts pushed", "strategy", s.name, "count", len(ids))
			return
		}
		logger.Warn("read strategy failed", "strategy", s.name, "error", err)
	}
	logger.Error("read receipts not delivered", "count", len(ids))
}

func (r *Reconciler) readBatches(ctx context.Context, s *registry.Session, destination string, ids []string) error {
	for start := 0; start < len(ids); start += r.readBatch {
		if start > 0 && r.readPause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.readPause):
			}
		}
		end := min(start+r.readBatch, len(ids))
		batch := ids[start:end]
		err := s.Do(ctx, func(a connector.Adapter) error {
			return a.MarkRead(ctx, destination, batch)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) readWithPresence(ctx context.Context, s *registry.Session, destination string, ids []string) error {
	ps, ok := s.Adapter.(connector.PresenceSender)
	if !ok {
		return fmt.Errorf("presence: %w", protocol.ErrUnsupported)
	}
	return s.Do(ctx, func(a connector.Adapter) error {
		for i, p := range []connector.Presence{connector.PresenceAvailable, connector.PresenceComposing, connector.PresencePaused} {
			if i > 0 && r.presencePause > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(r.presencePause):
				}
			}
			if err := ps.SendPresence(ctx, destination, p); err != nil {
				return err
			}
		}
		return a.MarkRead(ctx, destination, ids[len(ids)-1:])
	})
}

func (r *Reconciler) readLatest(ctx context.Context, s *registry.Session, destination string, ids []string) error {
	return s.Do(ctx, func(a connector.Adapter) error {
		return a.MarkRead(ctx, destination, ids[len(ids)-1:])
	})
}

// IsUnknown reports whether err means the acked message is not stored.
func IsUnknown(err error) bool {
	return errors.Is(err, protocol.ErrNotFound)
}
