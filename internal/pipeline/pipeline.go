// Package pipeline turns channel events into stored messages and agent
// compositions into outbound sends.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/h1v3-io/inbox/internal/ack"
	"github.com/h1v3-io/inbox/internal/dispatch"
	"github.com/h1v3-io/inbox/internal/keylock"
	"github.com/h1v3-io/inbox/internal/media"
	"github.com/h1v3-io/inbox/internal/notify"
	"github.com/h1v3-io/inbox/internal/registry"
	"github.com/h1v3-io/inbox/internal/resolver"
	"github.com/h1v3-io/inbox/internal/ticket"
	"github.com/h1v3-io/inbox/pkg/protocol"
)

// Bot is the chatbot flow collaborator.
type Bot interface {
	Welcome(ctx context.Context, t *protocol.Ticket) ([]string, error)
	Forward(ctx context.Context, t *protocol.Ticket, m *protocol.Message) ([]string, error)
}

// Config wires a Pipeline.
type Config struct {
	Store      ticket.Store
	Resolver   *resolver.Resolver
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Reconciler *ack.Reconciler
	Media      *media.Store
	Notifier   notify.Notifier
	Bot        Bot

	MaxPartLen int
	PartDelay  time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

// Pipeline ingests inbound events and composes outbound messages.
type Pipeline struct {
	store      ticket.Store
	resolver   *resolver.Resolver
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	reconciler *ack.Reconciler
	media      *media.Store
	notifier   notify.Notifier
	bot        Bot

	maxPartLen int
	partDelay  time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	p := &Pipeline{
		store:      cfg.Store,
		resolver:   cfg.Resolver,
		registry:   cfg.Registry,
		dispatcher: cfg.Dispatcher,
		reconciler: cfg.Reconciler,
		media:      cfg.Media,
		notifier:   cfg.Notifier,
		bot:        cfg.Bot,
		maxPartLen: cfg.MaxPartLen,
		partDelay:  cfg.PartDelay,
		now:        cfg.Now,
		logger:     cfg.Logger,
	}
	if p.notifier == nil {
		p.notifier = notify.Nop{}
	}
	if p.media == nil {
		p.media = media.New(".")
	}
	if p.maxPartLen <= 0 {
		p.maxPartLen = DefaultMaxPartLen
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "pipeline")
	return p
}

// HandleInbound is the connector.InboundHandler: contact upsert, ticket
// resolution and ingest run under the conversation key; hooks run after.
func (p *Pipeline) HandleInbound(ctx context.Context, channelID string, ev protocol.InboundEvent) error {
	sess, err := p.registry.Lookup(channelID)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	if ev.Kind == protocol.EventAck {
		if ev.Ack == nil || ev.NativeID == "" {
			return fmt.Errorf("pipeline: ack event without ack or id: %w", protocol.ErrValidation)
		}
		_, err := p.reconciler.ApplyAck(ctx, channelID, ev.NativeID, *ev.Ack)
		if ack.IsUnknown(err) {
			p.logger.Debug("ack for unknown message", "channel", channelID, "native_id", ev.NativeID)
			return nil
		}
		return err
	}
	if ev.Destination == "" {
		return fmt.Errorf("pipeline: event without destination: %w", protocol.ErrValidation)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now()
	}

	contact, group, err := p.upsertContacts(ctx, sess.Tenant, ev)
	if err != nil {
		return err
	}
	req := resolver.Request{
		TenantID:       sess.Tenant,
		ChannelID:      channelID,
		Contact:        contact,
		GroupContact:   group,
		FromMe:         ev.FromMe,
		UnreadMessages: ev.UnreadCount,
		Body:           ev.Body,
		Timestamp:      ev.Timestamp,
		NativeID:       ev.NativeID,
		SessionSync:    ev.SessionSync,
	}

	welcomes := &welcomeQueue{}
	lctx := context.WithValue(ctx, welcomeKey{}, welcomes)
	unlock, err := p.resolver.Locks().Lock(ctx, resolver.Key(req))
	if err != nil {
		return fmt.Errorf("pipeline: lock: %w", err)
	}
	res, err := p.resolver.ResolveLocked(lctx, req)
	if err != nil {
		unlock()
		return fmt.Errorf("pipeline: %w", err)
	}
	if res.CampaignEcho {
		unlock()
		return nil
	}
	msg, t, err := p.ingestLocked(ctx, res.Ticket, contact.ID, ev)
	unlock()
	if err != nil {
		return err
	}

	for _, wt := range welcomes.tickets {
		p.welcome(ctx, wt)
	}
	if !ev.FromMe && !ev.SessionSync && !res.Farewell {
		p.afterInbound(ctx, sess, t, msg)
	}
	return nil
}

func (p *Pipeline) upsertContacts(ctx context.Context, tenantID string, ev protocol.InboundEvent) (contact, group *protocol.Contact, err error) {
	if ev.Group {
		group, err = p.upsertContact(ctx, &protocol.Contact{TenantID: tenantID, Number: ev.Destination, Name: ev.GroupName, IsGroup: true})
		if err != nil {
			return nil, nil, err
		}
		if ev.Participant == "" || ev.FromMe {
			return group, group, nil
		}
		contact, err = p.upsertContact(ctx, &protocol.Contact{TenantID: tenantID, Number: ev.Participant, Name: ev.ContactName})
		return contact, group, err
	}
	contact, err = p.upsertContact(ctx, &protocol.Contact{TenantID: tenantID, Number: ev.Destination, Name: ev.ContactName})
	return contact, nil, err
}

func (p *Pipeline) upsertContact(ctx context.Context, c *protocol.Contact) (*protocol.Contact, error) {
	stored, err := p.store.UpsertContact(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("pipeline: contact: %w", err)
	}
	p.notifier.Notify(stored.TenantID, protocol.NotifyContact, protocol.Notification{Action: "update", Contact: stored})
	return stored, nil
}

// Ingest stores an inbound or echoed event on t. A native id seen before
// updates the stored message's ack instead of duplicating it.
func (p *Pipeline) Ingest(ctx context.Context, t *protocol.Ticket, ev protocol.InboundEvent) (*protocol.Message, error) {
	unlock, err := p.resolver.Locks().Lock(ctx, keylock.Key(t.TenantID, t.ChannelID, t.ContactID))
	if err != nil {
		return nil, fmt.Errorf("pipeline: lock: %w", err)
	}
	defer unlock()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now()
	}
	m, _, err := p.ingestLocked(ctx, t, t.ContactID, ev)
	return m, err
}

func (p *Pipeline) ingestLocked(ctx context.Context, t *protocol.Ticket, senderID string, ev protocol.InboundEvent) (*protocol.Message, *protocol.Ticket, error) {
	if ev.NativeID != "" {
		existing, err := p.store.FindMessageByNativeID(ctx, t.ChannelID, ev.NativeID)
		switch {
		case err == nil:
			if ev.Ack != nil {
				existing, err = p.reconciler.ApplyAckLocked(ctx, existing, *ev.Ack)
				if err != nil {
					return nil, nil, fmt.Errorf("pipeline: replay ack: %w", err)
				}
			}
			p.logger.Debug("replayed event", "native_id", ev.NativeID, "message_id", existing.ID)
			return existing, t, nil
		case !errors.Is(err, protocol.ErrNotFound):
			return nil, nil, fmt.Errorf("pipeline: lookup: %w", err)
		}
		if ev.FromMe {
			m, updated, err := p.adoptEcho(ctx, t, ev)
			if err != nil || m != nil {
				return m, updated, err
			}
		}
	}

	m := &protocol.Message{
		TicketID:  t.ID,
		TenantID:  t.TenantID,
		ChannelID: t.ChannelID,
		ContactID: senderID,
		Body:      ev.Body,
		FromMe:    ev.FromMe,
		Read:      ev.FromMe,
		MessageID: ev.NativeID,
		Status:    protocol.SendSended,
		CreatedAt: ev.Timestamp,
	}
	switch {
	case ev.Ack != nil:
		m.Ack = *ev.Ack
	case ev.FromMe:
		m.Ack = protocol.AckSent
	}
	if ev.Media != nil {
		rel, mediaType, err := p.media.Save(ctx, t.TenantID, ev.Media)
		if err != nil {
			return nil, nil, fmt.Errorf("pipeline: %w", err)
		}
		m.MediaURL = rel
		m.MediaType = mediaType
	}
	if ev.QuotedID != "" {
		m.QuotedMsgID = p.resolveQuote(ctx, t.ID, ev.QuotedID)
	}

	updated, err := p.store.CreateMessage(ctx, m)
	if err != nil {
		if errors.Is(err, ticket.ErrDuplicateMessage) {
			existing, ferr := p.store.FindMessageByNativeID(ctx, t.ChannelID, ev.NativeID)
			if ferr == nil {
				return existing, t, nil
			}
		}
		return nil, nil, fmt.Errorf("pipeline: store message: %w", err)
	}
	p.logger.Debug("message stored", "message_id", m.ID, "ticket_id", t.ID, "from_me", m.FromMe)
	p.emitMessage("create", m, updated)
	return m, updated, nil
}

// adoptEcho attaches the channel echo of our own send to the message still
// being sent, so the echo is not stored as a second outbound row.
func (p *Pipeline) adoptEcho(ctx context.Context, t *protocol.Ticket, ev protocol.InboundEvent) (*protocol.Message, *protocol.Ticket, error) {
	m, err := p.store.FindSendingMessage(ctx, t.ID, ev.Body)
	if errors.Is(err, protocol.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: echo lookup: %w", err)
	}
	ack := protocol.AckSent
	if ev.Ack != nil && *ev.Ack > ack {
		ack = *ev.Ack
	}
	updated, err := p.store.CompleteSend(ctx, m.ID, ev.NativeID, ack)
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: adopt echo: %w", err)
	}
	m.Status = protocol.SendSended
	m.MessageID = ev.NativeID
	m.Ack = ack
	p.logger.Debug("echo adopted in-flight send", "message_id", m.ID, "native_id", ev.NativeID)
	p.emitMessage("update", m, updated)
	return m, updated, nil
}

// resolveQuote maps an internal id or a channel-native id within the ticket
// to the stored message id. Unknown quotes resolve to "".
func (p *Pipeline) resolveQuote(ctx context.Context, ticketID, quoted string) string {
	if q, err := p.store.GetMessage(ctx, quoted); err == nil && q.TicketID == ticketID {
		return q.ID
	}
	if q, err := p.reconciler.FindMessage(ctx, ticketID, quoted); err == nil {
		return q.ID
	}
	return ""
}

func (p *Pipeline) emitMessage(action string, m *protocol.Message, t *protocol.Ticket) {
	p.notifier.Notify(m.TenantID, protocol.NotifyMessage, protocol.Notification{Action: action, Message: m, Ticket: t})
	if t != nil {
		p.notifier.Notify(t.TenantID, protocol.NotifyTicket, protocol.Notification{Action: "update", Ticket: t})
	}
}

// ComposeRequest is an agent's outbound message.
type ComposeRequest struct {
	Body         string             `json:"body"`
	Media        *protocol.MediaRef `json:"media,omitempty"`
	QuotedMsgID  string             `json:"quotedMsgId,omitempty"`
	ScheduleDate *time.Time         `json:"scheduleDate,omitempty"`
	UserID       string             `json:"userId,omitempty"`
}

// Compose stores an outbound message, split into parts when long, and sends
// the parts in order. Scheduled messages are only stored. A closed session
// leaves the parts pending for offline replay.
func (p *Pipeline) Compose(ctx context.Context, tenantID, ticketID string, req ComposeRequest) ([]*protocol.Message, error) {
	t, err := p.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if tenantID != "" && t.TenantID != tenantID {
		return nil, fmt.Errorf("pipeline: ticket %s: %w", ticketID, protocol.ErrNotFound)
	}
	if req.Body == "" && req.Media == nil {
		return nil, fmt.Errorf("pipeline: compose: %w", protocol.ErrEmptyBody)
	}
	if err := p.claim(ctx, t, req.UserID); err != nil {
		return nil, err
	}

	var mediaURL, mediaType string
	if req.Media != nil {
		mediaURL, mediaType, err = p.media.Save(ctx, t.TenantID, req.Media)
		if err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
	}
	quoted := ""
	if req.QuotedMsgID != "" {
		quoted = p.resolveQuote(ctx, t.ID, req.QuotedMsgID)
	}

	parts := []string{req.Body}
	if req.Body != "" {
		parts = Split(req.Body, p.maxPartLen)
	}
	base := p.now()
	msgs := make([]*protocol.Message, 0, len(parts))
	for i, part := range parts {
		m := &protocol.Message{
			TicketID:     t.ID,
			TenantID:     t.TenantID,
			ChannelID:    t.ChannelID,
			ContactID:    t.ContactID,
			Body:         part,
			FromMe:       true,
			Read:         true,
			Status:       protocol.SendPending,
			ScheduleDate: req.ScheduleDate,
			CreatedAt:    base.Add(time.Duration(i) * time.Millisecond),
		}
		if i == 0 {
			m.QuotedMsgID = quoted
			m.MediaURL = mediaURL
			m.MediaType = mediaType
		}
		updated, err := p.store.CreateMessage(ctx, m)
		if err != nil {
			return msgs, fmt.Errorf("pipeline: store part %d: %w", i+1, err)
		}
		p.emitMessage("create", m, updated)
		msgs = append(msgs, m)
	}
	if req.ScheduleDate != nil {
		p.logger.Info("message scheduled", "ticket_id", t.ID, "at", req.ScheduleDate, "parts", len(msgs))
		return msgs, nil
	}

	p.send(ctx, msgs)
	for i, m := range msgs {
		if fresh, err := p.store.GetMessage(ctx, m.ID); err == nil {
			msgs[i] = fresh
		}
	}
	return msgs, nil
}

// send dispatches parts sequentially with the configured pause between them.
func (p *Pipeline) send(ctx context.Context, msgs []*protocol.Message) {
	for i, m := range msgs {
		if i > 0 && p.partDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.partDelay):
			}
		}
		if _, err := p.dispatcher.Dispatch(ctx, m.ID); err != nil {
			if errors.Is(err, protocol.ErrSessionUnavailable) {
				p.logger.Info("session down, parts queued for replay", "ticket_id", m.TicketID, "pending", len(msgs)-i)
			} else {
				p.logger.Warn("send failed", "message_id", m.ID, "error", err)
			}
			return
		}
	}
}

// claim gives an unowned pending ticket to the composing agent.
func (p *Pipeline) claim(ctx context.Context, t *protocol.Ticket, userID string) error {
	if userID == "" || t.UserID != "" || t.Status != protocol.TicketPending {
		return nil
	}
	unlock, err := p.resolver.Locks().Lock(ctx, keylock.Key(t.TenantID, t.ChannelID, t.ContactID))
	if err != nil {
		return fmt.Errorf("pipeline: lock: %w", err)
	}
	defer unlock()
	ok, err := p.store.ClaimTicket(ctx, t.ID, userID)
	if err != nil {
		return fmt.Errorf("pipeline: claim: %w", err)
	}
	if !ok {
		return nil
	}
	t.UserID = userID
	t.Status = protocol.TicketOpen
	if err := p.store.AppendLog(ctx, &protocol.TicketLog{TicketID: t.ID, TenantID: t.TenantID, Type: protocol.LogAccess, UserID: userID}); err != nil {
		p.logger.Warn("audit log failed", "ticket_id", t.ID, "error", err)
	}
	return nil
}

// MarkRead marks a ticket read and pushes receipts to the channel.
func (p *Pipeline) MarkRead(ctx context.Context, tenantID, ticketID string) (*protocol.Ticket, error) {
	return p.reconciler.MarkTicketRead(ctx, tenantID, ticketID)
}
