// Package dispatch delivers persisted outbound messages through their channel
// session: immediate, scheduled, offline replay and deletion.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/h1v3-io/inbox/internal/connector"
	"github.com/h1v3-io/inbox/internal/hook"
	"github.com/h1v3-io/inbox/internal/media"
	"github.com/h1v3-io/inbox/internal/notify"
	"github.com/h1v3-io/inbox/internal/registry"
	"github.com/h1v3-io/inbox/internal/ticket"
	"github.com/h1v3-io/inbox/pkg/protocol"
)

const (
	DefaultMaxAttempts  = 5
	DefaultBaseBackoff  = 30 * time.Second
	DefaultMaxBackoff   = 30 * time.Minute
	DefaultDeleteWindow = 2 * time.Hour

	dueBatch = 100
)

// ErrNotPending is returned when a message is no longer waiting to be sent.
var ErrNotPending = fmt.Errorf("message is not pending: %w", protocol.ErrValidation)

// StatusHook is told about ack changes of messages on integrator tickets.
type StatusHook interface {
	MessageStatus(ctx context.Context, t *protocol.Ticket, m *protocol.Message) error
}

// Config wires a Dispatcher.
type Config struct {
	Store    ticket.Store
	Registry *registry.Registry
	Media    *media.Store
	Notifier notify.Notifier
	Status   StatusHook
	Alerter  hook.Alerter

	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	DeleteWindow time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// Dispatcher sends outbound messages.
type Dispatcher struct {
	store    ticket.Store
	registry *registry.Registry
	media    *media.Store
	notifier notify.Notifier
	status   StatusHook
	alerter  hook.Alerter

	maxAttempts  int
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	deleteWindow time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		store:        cfg.Store,
		registry:     cfg.Registry,
		media:        cfg.Media,
		notifier:     cfg.Notifier,
		status:       cfg.Status,
		alerter:      cfg.Alerter,
		maxAttempts:  cfg.MaxAttempts,
		baseBackoff:  cfg.BaseBackoff,
		maxBackoff:   cfg.MaxBackoff,
		deleteWindow: cfg.DeleteWindow,
		now:          cfg.Now,
		logger:       cfg.Logger,
	}
	if d.notifier == nil {
		d.notifier = notify.Nop{}
	}
	if d.alerter == nil {
		d.alerter = hook.NopAlerter{}
	}
	if d.media == nil {
		d.media = media.New(".")
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = DefaultMaxAttempts
	}
	if d.baseBackoff <= 0 {
		d.baseBackoff = DefaultBaseBackoff
	}
	if d.maxBackoff <= 0 {
		d.maxBackoff = DefaultMaxBackoff
	}
	if d.deleteWindow <= 0 {
		d.deleteWindow = DefaultDeleteWindow
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("component", "dispatch")
	return d
}

// Dispatch sends one pending message. A session that is not open leaves the
// message pending for offline replay without counting an attempt.
func (d *Dispatcher) Dispatch(ctx context.Context, messageID string) (connector.SendResult, error) {
	m, err := d.store.GetMessage(ctx, messageID)
	if err != nil {
		return connector.SendResult{}, fmt.Errorf("dispatch: %w", err)
	}
	if m.Status != protocol.SendPending || m.IsDeleted {
		return connector.SendResult{}, fmt.Errorf("dispatch: %s is %s: %w", m.ID, m.Status, ErrNotPending)
	}
	if m.Body == "" && m.MediaURL == "" {
		return connector.SendResult{}, fmt.Errorf("dispatch: %s: %w", m.ID, protocol.ErrEmptyBody)
	}
	sess, err := d.registry.Lookup(m.ChannelID)
	if err != nil {
		return connector.SendResult{}, fmt.Errorf("dispatch: %w", err)
	}
	if sess.State() != protocol.SessionOpen {
		return connector.SendResult{}, fmt.Errorf("dispatch: %s is %s: %w", m.ChannelID, sess.State(), protocol.ErrSessionNotConnected)
	}

	claimed, err := d.store.ClaimForSend(ctx, m.ID)
	if err != nil {
		return connector.SendResult{}, fmt.Errorf("dispatch: %w", err)
	}
	if !claimed {
		return connector.SendResult{}, fmt.Errorf("dispatch: %s claimed elsewhere: %w", m.ID, ErrNotPending)
	}

	res, err := d.send(ctx, sess, m)
	if err != nil {
		return connector.SendResult{}, d.fail(ctx, m, err)
	}

	t, err := d.store.CompleteSend(ctx, m.ID, res.NativeID, protocol.AckSent)
	if err != nil {
		// The channel accepted it; only the bookkeeping is missing.
		d.logger.Error("complete send failed", "message_id", m.ID, "native_id", res.NativeID, "error", err)
		return res, fmt.Errorf("dispatch: complete: %w", err)
	}
	m.Status = protocol.SendSended
	m.MessageID = res.NativeID
	m.Ack = protocol.AckSent
	d.logger.Info("message sent", "message_id", m.ID, "channel", m.ChannelID, "native_id", res.NativeID)
	d.publish(ctx, t, m)
	return res, nil
}

func (d *Dispatcher) send(ctx context.Context, sess *registry.Session, m *protocol.Message) (connector.SendResult, error) {
	contact, err := d.store.GetContact(ctx, m.ContactID)
	if err != nil {
		return connector.SendResult{}, fmt.Errorf("destination: %w", err)
	}
	quoted := ""
	if m.QuotedMsgID != "" {
		if q, err := d.store.GetMessage(ctx, m.QuotedMsgID); err == nil {
			quoted = q.MessageID
		}
	}

	var res connector.SendResult
	err = sess.Do(ctx, func(a connector.Adapter) error {
		var err error
		if ref := d.media.Ref(m.MediaURL); ref != nil {
			res, err = a.SendMedia(ctx, contact.Number, ref, m.Body)
		} else {
			res, err = a.SendText(ctx, contact.Number, m.Body, quoted)
		}
		return err
	})
	return res, err
}

// fail releases the claim with ack -1, reschedules deferred sends and alerts.
func (d *Dispatcher) fail(ctx context.Context, m *protocol.Message, cause error) error {
	var retryAt *time.Time
	if m.ScheduleDate != nil {
		at := d.now().Add(d.Backoff(m.SendAttempts))
		retryAt = &at
	}
	if err := d.store.FailSend(ctx, m.ID, retryAt); err != nil {
		d.logger.Error("fail send bookkeeping", "message_id", m.ID, "error", err)
	}
	d.logger.Warn("send failed", "message_id", m.ID, "channel", m.ChannelID, "attempt", m.SendAttempts+1, "error", cause)

	if err := d.alerter.DispatchFailed(ctx, m, cause); err != nil {
		d.logger.Warn("ops alert failed", "message_id", m.ID, "error", err)
	}
	if fresh, err := d.store.GetMessage(ctx, m.ID); err == nil {
		if t, err := d.store.GetTicket(ctx, fresh.TicketID); err == nil {
			d.publish(ctx, t, fresh)
		}
	}

	if errors.Is(cause, protocol.ErrSessionUnavailable) || errors.Is(cause, protocol.ErrRecoverableChannel) ||
		errors.Is(cause, protocol.ErrSendRejected) || errors.Is(cause, protocol.ErrValidation) {
		return fmt.Errorf("dispatch: %s: %w", m.ID, cause)
	}
	return fmt.Errorf("dispatch: %s: %w: %v", m.ID, protocol.ErrSendRejected, cause)
}

// publish notifies subscribers and the ticket's integrator of the message state.
func (d *Dispatcher) publish(ctx context.Context, t *protocol.Ticket, m *protocol.Message) {
	d.notifier.Notify(m.TenantID, protocol.NotifyMessage, protocol.Notification{Action: "update", Message: m, Ticket: t})
	if t == nil {
		return
	}
	d.notifier.Notify(t.TenantID, protocol.NotifyTicket, protocol.Notification{Action: "update", Ticket: t})
	if d.status != nil {
		if err := d.status.MessageStatus(ctx, t, m); err != nil {
			d.logger.Warn("integrator webhook failed", "ticket_id", t.ID, "message_id", m.ID, "error", err)
		}
	}
}

// Backoff returns the retry delay after the given number of failed attempts.
func (d *Dispatcher) Backoff(attempts int) time.Duration {
	delay := d.baseBackoff
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= d.maxBackoff {
			return d.maxBackoff
		}
	}
	return delay
}

// load fetches a message and hides other tenants' rows.
func (d *Dispatcher) load(ctx context.Context, tenantID, messageID string) (*protocol.Message, error) {
	m, err := d.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if tenantID != "" && m.TenantID != tenantID {
		return nil, fmt.Errorf("dispatch: message %s: %w", messageID, protocol.ErrNotFound)
	}
	return m, nil
}

// Retry re-sends a message whose last attempt failed.
func (d *Dispatcher) Retry(ctx context.Context, tenantID, messageID string) (connector.SendResult, error) {
	m, err := d.load(ctx, tenantID, messageID)
	if err != nil {
		return connector.SendResult{}, err
	}
	if m.Status != protocol.SendPending || m.Ack != protocol.AckFailed {
		return connector.SendResult{}, fmt.Errorf("dispatch: retry %s: ack %s: %w", m.ID, m.Ack, ErrNotPending)
	}
	return d.Dispatch(ctx, m.ID)
}

// RecoverInFlight returns messages stuck in sending (crash mid-send) to pending.
func (d *Dispatcher) RecoverInFlight(ctx context.Context) (int64, error) {
	n, err := d.store.ResetSending(ctx)
	if err != nil {
		return 0, fmt.Errorf("dispatch: recover: %w", err)
	}
	if n > 0 {
		d.logger.Warn("recovered in-flight messages", "count", n)
	}
	return n, nil
}
