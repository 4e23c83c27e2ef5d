// Package resolver maps a normalized channel event to exactly one active
// ticket per (tenant, channel, contact).
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/h1v3-io/inbox/internal/keylock"
	"github.com/h1v3-io/inbox/internal/notify"
	"github.com/h1v3-io/inbox/internal/ticket"
	"github.com/h1v3-io/inbox/pkg/protocol"
)

// DefaultFarewellTolerance bounds the clock skew between a recorded farewell
// and its channel echo.
const DefaultFarewellTolerance = 60 * time.Second

// Request is one event to resolve.
type Request struct {
	TenantID  string
	ChannelID string
	Contact   *protocol.Contact
	// GroupContact is set for group chats; the ticket belongs to the group.
	GroupContact *protocol.Contact
	FromMe       bool
	// UnreadMessages is the caller's provisional counter. Nil means derive it from the store.
	UnreadMessages *int
	Body           string
	Timestamp      time.Time
	NativeID       string
	UserID         string
	SessionSync    bool
}

// Resolution is the outcome of Resolve. Ticket is nil only for campaign echoes.
type Resolution struct {
	Ticket       *protocol.Ticket
	CampaignEcho bool
	Farewell     bool
	Created      bool
}

// WelcomeFunc starts the chatbot welcome flow for a freshly created ticket.
type WelcomeFunc func(ctx context.Context, t *protocol.Ticket) error

// FarewellFunc returns the farewell message configured for a channel.
type FarewellFunc func(channelID string) string

// Config wires a Resolver.
type Config struct {
	Store     ticket.Store
	Locks     *keylock.Locker
	Notifier  notify.Notifier
	Farewell  FarewellFunc
	Welcome   WelcomeFunc
	Tolerance time.Duration
	Logger    *slog.Logger
}

// Resolver implements the find-or-create ladder.
type Resolver struct {
	store     ticket.Store
	locks     *keylock.Locker
	notifier  notify.Notifier
	farewell  FarewellFunc
	welcome   WelcomeFunc
	tolerance time.Duration
	logger    *slog.Logger
}

// New creates a Resolver.
func New(cfg Config) *Resolver {
	r := &Resolver{
		store:     cfg.Store,
		locks:     cfg.Locks,
		notifier:  cfg.Notifier,
		farewell:  cfg.Farewell,
		welcome:   cfg.Welcome,
		tolerance: cfg.Tolerance,
		logger:    cfg.Logger,
	}
	if r.locks == nil {
		r.locks = keylock.New()
	}
	if r.notifier == nil {
		r.notifier = notify.Nop{}
	}
	if r.tolerance <= 0 {
		r.tolerance = DefaultFarewellTolerance
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "resolver")
	return r
}

// Locks returns the lock arena shared with the components that mutate the same keys.
func (r *Resolver) Locks() *keylock.Locker {
	return r.locks
}

// Key returns the serialization key of a request.
func Key(req Request) string {
	return keylock.Key(req.TenantID, req.ChannelID, owner(req).ID)
}

func owner(req Request) *protocol.Contact {
	if req.GroupContact != nil {
		return req.GroupContact
	}
	return req.Contact
}

// Resolve serializes on the request key and resolves it.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Resolution, error) {
	if err := validate(req); err != nil {
		return Resolution{}, err
	}
	unlock, err := r.locks.Lock(ctx, Key(req))
	if err != nil {
		return Resolution{}, fmt.Errorf("resolver: lock: %w", err)
	}
	defer unlock()
	return r.ResolveLocked(ctx, req)
}

// ResolveLocked resolves a request whose Key the caller already holds.
func (r *Resolver) ResolveLocked(ctx context.Context, req Request) (Resolution, error) {
	if err := validate(req); err != nil {
		return Resolution{}, err
	}
	contact := owner(req)

	if req.FromMe && req.NativeID != "" {
		echo, err := r.store.HasCampaignShipping(ctx, req.TenantID, req.ChannelID, req.Contact.Number, req.NativeID)
		if err != nil {
			return Resolution{}, fmt.Errorf("resolver: campaign lookup: %w", err)
		}
		if echo {
			r.logger.Debug("campaign echo", "channel", req.ChannelID, "native_id", req.NativeID)
			return Resolution{CampaignEcho: true}, nil
		}
	}

	if req.FromMe {
		t, err := r.matchFarewell(ctx, req, contact)
		if err != nil {
			return Resolution{}, err
		}
		if t != nil {
			r.emit(t)
			return Resolution{Ticket: t, Farewell: true}, nil
		}
	}

	t, err := r.store.FindActiveTicket(ctx, req.TenantID, req.ChannelID, contact.ID)
	switch {
	case err == nil:
		if err := r.refreshUnread(ctx, t, req.UnreadMessages); err != nil {
			return Resolution{}, err
		}
		r.emit(t)
		return Resolution{Ticket: t}, nil
	case !errors.Is(err, protocol.ErrNotFound):
		return Resolution{}, fmt.Errorf("resolver: find active: %w", err)
	}

	if req.GroupContact != nil {
		t, err := r.reopenGroup(ctx, req, contact)
		if err != nil {
			return Resolution{}, err
		}
		if t != nil {
			r.emit(t)
			return Resolution{Ticket: t}, nil
		}
	}

	return r.create(ctx, req, contact)
}

func validate(req Request) error {
	if req.TenantID == "" || req.ChannelID == "" || req.Contact == nil || req.Contact.ID == "" {
		return fmt.Errorf("resolver: tenant, channel and contact are required: %w", protocol.ErrValidation)
	}
	if req.GroupContact != nil && req.GroupContact.ID == "" {
		return fmt.Errorf("resolver: group contact without id: %w", protocol.ErrValidation)
	}
	return nil
}

// matchFarewell returns the closed ticket whose last message is the echo of
// the channel farewell, or nil.
func (r *Resolver) matchFarewell(ctx context.Context, req Request, contact *protocol.Contact) (*protocol.Ticket, error) {
	if r.farewell == nil || req.Body == "" {
		return nil, nil
	}
	farewell := r.farewell(req.ChannelID)
	if farewell == "" || req.Body != farewell {
		return nil, nil
	}
	closed, err := r.store.FindLatestClosedTicket(ctx, req.TenantID, req.ChannelID, contact.ID)
	if err != nil {
		if errors.Is(err, protocol.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("resolver: find closed: %w", err)
	}
	if closed.LastMessage != req.Body || closed.LastMessageAt == nil {
		return nil, nil
	}
	skew := closed.LastMessageAt.Sub(req.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > r.tolerance {
		return nil, nil
	}
	r.logger.Debug("farewell echo", "ticket_id", closed.ID)
	return closed, nil
}

func (r *Resolver) refreshUnread(ctx context.Context, t *protocol.Ticket, unread *int) error {
	if unread == nil {
		fresh, err := r.store.RecomputeUnread(ctx, t.ID)
		if err != nil {
			return fmt.Errorf("resolver: recompute unread: %w", err)
		}
		*t = *fresh
		return nil
	}
	if t.UnreadMessages == *unread {
		return nil
	}
	t.UnreadMessages = *unread
	if err := r.store.SetUnread(ctx, t.ID, *unread); err != nil {
		return fmt.Errorf("resolver: update unread: %w", err)
	}
	return nil
}

func (r *Resolver) reopenGroup(ctx context.Context, req Request, contact *protocol.Contact) (*protocol.Ticket, error) {
	t, err := r.store.FindLatestTicket(ctx, req.TenantID, req.ChannelID, contact.ID)
	if err != nil {
		if errors.Is(err, protocol.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("resolver: find group ticket: %w", err)
	}
	t.Status = protocol.TicketPending
	t.UserID = ""
	t.ClosedAt = nil
	if req.UnreadMessages != nil {
		t.UnreadMessages = *req.UnreadMessages
	}
	if err := r.store.UpdateTicket(ctx, t); err != nil {
		if errors.Is(err, ticket.ErrActiveTicketExists) {
			return r.winner(ctx, req, contact)
		}
		return nil, fmt.Errorf("resolver: reopen: %w", err)
	}
	r.appendLog(ctx, t, protocol.LogReopened)
	r.logger.Info("group ticket reopened", "ticket_id", t.ID, "tenant", req.TenantID)
	return t, nil
}

func (r *Resolver) create(ctx context.Context, req Request, contact *protocol.Contact) (Resolution, error) {
	t := &protocol.Ticket{
		TenantID:  req.TenantID,
		ChannelID: req.ChannelID,
		ContactID: contact.ID,
		Status:    protocol.TicketPending,
		IsGroup:   req.GroupContact != nil,
		UserID:    req.UserID,
	}
	if req.UnreadMessages != nil {
		t.UnreadMessages = *req.UnreadMessages
	}
	if err := r.store.CreateTicket(ctx, t); err != nil {
		if errors.Is(err, ticket.ErrActiveTicketExists) {
			// Another process won the insert; adopt its ticket.
			winner, err := r.winner(ctx, req, contact)
			if err != nil {
				return Resolution{}, err
			}
			r.emit(winner)
			return Resolution{Ticket: winner}, nil
		}
		return Resolution{}, fmt.Errorf("resolver: create: %w", err)
	}
	r.appendLog(ctx, t, protocol.LogCreate)
	r.logger.Info("ticket created", "ticket_id", t.ID, "tenant", req.TenantID, "channel", req.ChannelID,
		"protocol", t.Protocol)

	if r.welcome != nil && (!req.FromMe || t.UserID == "" || req.SessionSync) {
		if err := r.welcome(ctx, t); err != nil {
			r.logger.Warn("welcome flow failed", "ticket_id", t.ID, "error", err)
		}
	}
	r.emit(t)
	return Resolution{Ticket: t, Created: true}, nil
}

func (r *Resolver) winner(ctx context.Context, req Request, contact *protocol.Contact) (*protocol.Ticket, error) {
	t, err := r.store.FindActiveTicket(ctx, req.TenantID, req.ChannelID, contact.ID)
	if err != nil {
		return nil, fmt.Errorf("resolver: re-read winner: %w", err)
	}
	return t, nil
}

func (r *Resolver) appendLog(ctx context.Context, t *protocol.Ticket, typ protocol.LogType) {
	err := r.store.AppendLog(ctx, &protocol.TicketLog{TicketID: t.ID, TenantID: t.TenantID, Type: typ, UserID: t.UserID})
	if err != nil {
		r.logger.Warn("audit log failed", "ticket_id", t.ID, "type", typ, "error", err)
	}
}

func (r *Resolver) emit(t *protocol.Ticket) {
	r.notifier.Notify(t.TenantID, protocol.NotifyTicket, protocol.Notification{Action: "update", Ticket: t})
}
