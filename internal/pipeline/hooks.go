package pipeline

import (
	"context"
	"fmt"

	"github.com/h1v3-io/inbox/internal/registry"
	"github.com/h1v3-io/inbox/pkg/protocol"
)

type welcomeKey struct{}

// welcomeQueue collects welcome flows requested while the conversation key
// is held, so they run after the triggering message is stored.
type welcomeQueue struct {
	tickets []*protocol.Ticket
}

// Welcome starts the chatbot welcome flow for a new ticket. Inside
// HandleInbound it is deferred until the key is released.
func (p *Pipeline) Welcome(ctx context.Context, t *protocol.Ticket) error {
	if p.bot == nil {
		return nil
	}
	if q, ok := ctx.Value(welcomeKey{}).(*welcomeQueue); ok {
		q.tickets = append(q.tickets, t)
		return nil
	}
	return p.runWelcome(ctx, t)
}

func (p *Pipeline) welcome(ctx context.Context, t *protocol.Ticket) {
	if err := p.runWelcome(ctx, t); err != nil {
		p.logger.Warn("welcome flow failed", "ticket_id", t.ID, "error", err)
	}
}

func (p *Pipeline) runWelcome(ctx context.Context, t *protocol.Ticket) error {
	if p.bot == nil {
		return nil
	}
	replies, err := p.bot.Welcome(ctx, t)
	if err != nil {
		return fmt.Errorf("pipeline: welcome: %w", err)
	}
	return p.reply(ctx, t, replies)
}

func (p *Pipeline) reply(ctx context.Context, t *protocol.Ticket, replies []string) error {
	for _, text := range replies {
		if text == "" {
			continue
		}
		if _, err := p.Compose(ctx, t.TenantID, t.ID, ComposeRequest{Body: text}); err != nil {
			return err
		}
	}
	return nil
}

// afterInbound runs the business-hours and chatbot hooks for a stored
// inbound message. Failures are logged; the message is already committed.
func (p *Pipeline) afterInbound(ctx context.Context, sess *registry.Session, t *protocol.Ticket, m *protocol.Message) {
	if t == nil || m == nil {
		return
	}
	closed, err := p.businessHours(ctx, sess, t)
	if err != nil {
		p.logger.Warn("business hours hook failed", "ticket_id", t.ID, "error", err)
	}
	if closed || p.bot == nil || t.UserID != "" || t.Status == protocol.TicketClosed {
		return
	}
	replies, err := p.bot.Forward(ctx, t, m)
	if err != nil {
		p.logger.Warn("chatbot forward failed", "ticket_id", t.ID, "error", err)
		return
	}
	if err := p.reply(ctx, t, replies); err != nil {
		p.logger.Warn("chatbot reply failed", "ticket_id", t.ID, "error", err)
	}
}

// businessHours sends the out-of-hours message once per ticket and, when the
// channel asks for it, closes the ticket. It reports whether it closed it.
func (p *Pipeline) businessHours(ctx context.Context, sess *registry.Session, t *protocol.Ticket) (bool, error) {
	if sess.Hours == nil || sess.Hours.Open(p.now()) {
		return false, nil
	}
	logs, err := p.store.ListLogs(ctx, t.ID)
	if err != nil {
		return false, fmt.Errorf("pipeline: logs: %w", err)
	}
	for _, l := range logs {
		if l.Type == protocol.LogOutOfHours {
			return false, nil
		}
	}
	if err := p.store.AppendLog(ctx, &protocol.TicketLog{TicketID: t.ID, TenantID: t.TenantID, Type: protocol.LogOutOfHours}); err != nil {
		return false, fmt.Errorf("pipeline: out of hours log: %w", err)
	}
	p.logger.Info("contact outside business hours", "ticket_id", t.ID, "channel", t.ChannelID)
	if sess.OutOfHoursMessage != "" {
		if _, err := p.Compose(ctx, t.TenantID, t.ID, ComposeRequest{Body: sess.OutOfHoursMessage}); err != nil {
			return false, err
		}
	}
	if !sess.CloseOutOfHours {
		return false, nil
	}

	if _, err := p.changeTicket(ctx, t, TicketUpdate{Status: protocol.TicketClosed}); err != nil {
		return false, fmt.Errorf("pipeline: out of hours close: %w", err)
	}
	return true, nil
}
