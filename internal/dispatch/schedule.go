package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/h1v3-io/inbox/internal/connector"
	"github.com/h1v3-io/inbox/pkg/protocol"
)

// DispatchDue sends the scheduled messages due at now and returns how many
// went out. Messages that exhausted their attempts are canceled.
func (d *Dispatcher) DispatchDue(ctx context.Context, now time.Time) (int, error) {
	due, err := d.store.ListDueScheduled(ctx, now, dueBatch)
	if err != nil {
		return 0, fmt.Errorf("dispatch: due: %w", err)
	}
	sent := 0
	for _, m := range due {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if m.SendAttempts >= d.maxAttempts {
			if ok, err := d.store.CancelScheduled(ctx, m.ID); err == nil && ok {
				d.logger.Warn("scheduled message abandoned", "message_id", m.ID, "attempts", m.SendAttempts)
				m.Status = protocol.SendCanceled
				d.notifier.Notify(m.TenantID, protocol.NotifyMessage, protocol.Notification{Action: "update", Message: m})
			}
			continue
		}
		if _, err := d.Dispatch(ctx, m.ID); err != nil {
			if !errors.Is(err, ErrNotPending) {
				d.logger.Warn("scheduled dispatch failed", "message_id", m.ID, "error", err)
			}
			continue
		}
		sent++
	}
	return sent, nil
}

// CancelScheduled cancels a deferred send that has not fired yet.
func (d *Dispatcher) CancelScheduled(ctx context.Context, tenantID, messageID string) error {
	m, err := d.load(ctx, tenantID, messageID)
	if err != nil {
		return err
	}
	ok, err := d.store.CancelScheduled(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("dispatch: cancel: %w", err)
	}
	if !ok {
		return fmt.Errorf("dispatch: cancel %s: %w", m.ID, ErrNotPending)
	}
	m.Status = protocol.SendCanceled
	d.logger.Info("scheduled message canceled", "message_id", m.ID)
	d.notifier.Notify(m.TenantID, protocol.NotifyMessage, protocol.Notification{Action: "update", Message: m})
	return nil
}

// EditScheduled replaces the body and date of a deferred send. The new date
// must be in the future.
func (d *Dispatcher) EditScheduled(ctx context.Context, tenantID, messageID, body string, at time.Time) (*protocol.Message, error) {
	if !at.After(d.now()) {
		return nil, fmt.Errorf("dispatch: schedule date must be in the future: %w", protocol.ErrValidation)
	}
	m, err := d.load(ctx, tenantID, messageID)
	if err != nil {
		return nil, err
	}
	if body == "" {
		body = m.Body
	}
	ok, err := d.store.EditScheduled(ctx, m.ID, body, at)
	if err != nil {
		return nil, fmt.Errorf("dispatch: edit: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("dispatch: edit %s: %w", m.ID, ErrNotPending)
	}
	m, err = d.store.GetMessage(ctx, m.ID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: edit: %w", err)
	}
	d.notifier.Notify(m.TenantID, protocol.NotifyMessage, protocol.Notification{Action: "update", Message: m})
	return m, nil
}

// ReplayOffline sends, in creation order, the outbound messages a channel
// accepted while its session was down. It stops at the first session error.
func (d *Dispatcher) ReplayOffline(ctx context.Context, channelID string) (int, error) {
	sess, err := d.registry.Lookup(channelID)
	if err != nil {
		return 0, fmt.Errorf("dispatch: replay: %w", err)
	}
	if sess.State() != protocol.SessionOpen {
		return 0, fmt.Errorf("dispatch: replay %s: %w", channelID, protocol.ErrSessionNotConnected)
	}
	pending, err := d.store.ListOffline(ctx, channelID, d.maxAttempts, 0)
	if err != nil {
		return 0, fmt.Errorf("dispatch: replay: %w", err)
	}

	sent := 0
	for _, m := range pending {
		if _, err := d.Dispatch(ctx, m.ID); err != nil {
			if errors.Is(err, protocol.ErrSessionUnavailable) {
				return sent, fmt.Errorf("dispatch: replay %s: %w", channelID, err)
			}
			if !errors.Is(err, ErrNotPending) {
				d.logger.Warn("offline replay failed", "message_id", m.ID, "error", err)
			}
			continue
		}
		sent++
	}
	if sent > 0 {
		d.logger.Info("offline messages replayed", "channel", channelID, "count", sent)
	}
	return sent, nil
}

// Delete removes a message within the deletion window: remotely when the
// channel supports it, then locally as a soft delete.
func (d *Dispatcher) Delete(ctx context.Context, tenantID, messageID string) (*protocol.Message, error) {
	m, err := d.load(ctx, tenantID, messageID)
	if err != nil {
		return nil, err
	}
	if age := d.now().Sub(m.CreatedAt); age > d.deleteWindow {
		return nil, fmt.Errorf("dispatch: delete %s after %s: %w", m.ID, age.Round(time.Minute), protocol.ErrWindowExpired)
	}
	if m.IsDeleted {
		return m, nil
	}

	if m.FromMe && m.MessageID != "" {
		d.deleteRemote(ctx, m)
	}
	if m.Scheduled() {
		if _, err := d.store.CancelScheduled(ctx, m.ID); err != nil {
			return nil, fmt.Errorf("dispatch: delete: %w", err)
		}
	}
	if err := d.store.SoftDeleteMessage(ctx, m.ID); err != nil {
		return nil, fmt.Errorf("dispatch: delete: %w", err)
	}
	m.IsDeleted = true
	d.logger.Info("message deleted", "message_id", m.ID, "ticket_id", m.TicketID)

	t, err := d.store.GetTicket(ctx, m.TicketID)
	if err != nil {
		t = nil
	}
	d.notifier.Notify(m.TenantID, protocol.NotifyMessage, protocol.Notification{Action: "delete", Message: m, Ticket: t})
	if t != nil {
		d.notifier.Notify(t.TenantID, protocol.NotifyTicket, protocol.Notification{Action: "update", Ticket: t})
	}
	return m, nil
}

func (d *Dispatcher) deleteRemote(ctx context.Context, m *protocol.Message) {
	sess, err := d.registry.Lookup(m.ChannelID)
	if err != nil {
		d.logger.Warn("remote delete skipped", "message_id", m.ID, "error", err)
		return
	}
	contact, err := d.store.GetContact(ctx, m.ContactID)
	if err != nil {
		d.logger.Warn("remote delete skipped", "message_id", m.ID, "error", err)
		return
	}
	err = sess.Do(ctx, func(a connector.Adapter) error {
		return a.DeleteMessage(ctx, contact.Number, m.MessageID)
	})
	switch {
	case err == nil:
	case errors.Is(err, protocol.ErrUnsupported):
		d.logger.Debug("channel cannot delete remotely", "channel", m.ChannelID, "message_id", m.ID)
	default:
		d.logger.Warn("remote delete failed", "message_id", m.ID, "error", err)
	}
}
