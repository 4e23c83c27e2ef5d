package pipeline

import (
	"context"
	"fmt"

	"github.com/h1v3-io/inbox/internal/keylock"
	"github.com/h1v3-io/inbox/internal/ticket"
	"github.com/h1v3-io/inbox/pkg/protocol"
)

// TicketUpdate is an agent's change to a ticket's status or ownership. Nil
// owner fields are left as they are; an empty UserID returns the ticket to
// the queue.
type TicketUpdate struct {
	Status  protocol.TicketStatus `json:"status,omitempty"`
	UserID  *string               `json:"userId,omitempty"`
	QueueID *string               `json:"queueId,omitempty"`
	// ActorID is the agent making the change, recorded on the audit trail.
	ActorID string `json:"actorId,omitempty"`
}

// UpdateTicket accepts, returns, transfers or closes a ticket. Closed tickets
// are final; closing a one-to-one ticket sends the channel farewell.
func (p *Pipeline) UpdateTicket(ctx context.Context, tenantID, ticketID string, u TicketUpdate) (*protocol.Ticket, error) {
	switch u.Status {
	case "", protocol.TicketPending, protocol.TicketOpen, protocol.TicketClosed:
	default:
		return nil, fmt.Errorf("pipeline: unknown ticket status %q: %w", u.Status, protocol.ErrValidation)
	}
	if u.Status == "" && u.UserID == nil && u.QueueID == nil {
		return nil, fmt.Errorf("pipeline: empty ticket update: %w", protocol.ErrValidation)
	}
	t, err := p.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if tenantID != "" && t.TenantID != tenantID {
		return nil, fmt.Errorf("pipeline: ticket %s: %w", ticketID, protocol.ErrNotFound)
	}

	updated, err := p.changeTicket(ctx, t, u)
	if err != nil {
		return nil, err
	}
	if u.Status == protocol.TicketClosed {
		p.sendFarewell(ctx, updated)
	}
	return updated, nil
}

// changeTicket applies u under the conversation key, re-reading the ticket
// so concurrent resolutions and reads are not overwritten.
func (p *Pipeline) changeTicket(ctx context.Context, t *protocol.Ticket, u TicketUpdate) (*protocol.Ticket, error) {
	unlock, err := p.resolver.Locks().Lock(ctx, keylock.Key(t.TenantID, t.ChannelID, t.ContactID))
	if err != nil {
		return nil, fmt.Errorf("pipeline: lock: %w", err)
	}
	updated, err := p.changeLocked(ctx, t.ID, u)
	unlock()
	if err != nil {
		return nil, err
	}
	p.notifier.Notify(updated.TenantID, protocol.NotifyTicket, protocol.Notification{Action: "update", Ticket: updated})
	return updated, nil
}

func (p *Pipeline) changeLocked(ctx context.Context, ticketID string, u TicketUpdate) (*protocol.Ticket, error) {
	cur, err := p.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if cur.Status == protocol.TicketClosed {
		return nil, fmt.Errorf("pipeline: ticket %s is closed: %w", ticketID, protocol.ErrValidation)
	}

	owner := cur.UserID
	if u.UserID != nil {
		owner = *u.UserID
	}
	status := u.Status
	if status == "" && u.UserID != nil {
		// Assignment opens a queued ticket; unassignment queues it again.
		switch {
		case owner != "" && cur.Status == protocol.TicketPending:
			status = protocol.TicketOpen
		case owner == "" && cur.Status == protocol.TicketOpen:
			status = protocol.TicketPending
		}
	}
	if status == protocol.TicketOpen && owner == "" {
		return nil, fmt.Errorf("pipeline: open ticket needs an owner: %w", protocol.ErrValidation)
	}

	var change ticket.TicketChange
	if status != "" && status != cur.Status {
		change.Status = &status
	}
	if owner != cur.UserID {
		change.UserID = &owner
	}
	if u.QueueID != nil && *u.QueueID != cur.QueueID {
		change.QueueID = u.QueueID
	}
	if change.Status == nil && change.UserID == nil && change.QueueID == nil {
		return cur, nil
	}
	ok, err := p.store.ChangeTicket(ctx, cur.ID, change)
	if err != nil {
		return nil, fmt.Errorf("pipeline: change ticket: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("pipeline: ticket %s is closed: %w", ticketID, protocol.ErrValidation)
	}

	actor := u.ActorID
	if actor == "" {
		actor = owner
	}
	transferred := (change.UserID != nil && cur.UserID != "" && owner != "") ||
		(change.QueueID != nil && cur.QueueID != "")
	switch {
	case transferred:
		p.auditLog(ctx, cur, protocol.LogTransferred, actor, change.QueueID)
	case change.UserID != nil && owner != "":
		p.auditLog(ctx, cur, protocol.LogAccess, owner, change.QueueID)
	}
	if change.Status != nil && status == protocol.TicketClosed {
		p.auditLog(ctx, cur, protocol.LogClosed, actor, nil)
	}

	updated, err := p.store.GetTicket(ctx, cur.ID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	p.logger.Info("ticket updated", "ticket_id", cur.ID, "status", updated.Status, "user", updated.UserID,
		"queue", updated.QueueID)
	return updated, nil
}

func (p *Pipeline) auditLog(ctx context.Context, t *protocol.Ticket, typ protocol.LogType, userID string, queueID *string) {
	l := &protocol.TicketLog{TicketID: t.ID, TenantID: t.TenantID, Type: typ, UserID: userID, QueueID: t.QueueID}
	if queueID != nil {
		l.QueueID = *queueID
	}
	if err := p.store.AppendLog(ctx, l); err != nil {
		p.logger.Warn("audit log failed", "ticket_id", t.ID, "type", typ, "error", err)
	}
}

// sendFarewell sends the channel farewell on a just-closed ticket. Its echo
// resolves back to the closed ticket instead of opening a new one.
func (p *Pipeline) sendFarewell(ctx context.Context, t *protocol.Ticket) {
	if t.IsGroup || t.Status != protocol.TicketClosed {
		return
	}
	sess, err := p.registry.Lookup(t.ChannelID)
	if err != nil || sess.Farewell == "" {
		return
	}
	if _, err := p.Compose(ctx, t.TenantID, t.ID, ComposeRequest{Body: sess.Farewell}); err != nil {
		p.logger.Warn("farewell failed", "ticket_id", t.ID, "error", err)
	}
}
