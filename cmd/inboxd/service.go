package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	apiPkg "github.com/h1v3-io/inbox/internal/api"
	"github.com/h1v3-io/inbox/internal/connector"
	"github.com/h1v3-io/inbox/internal/dispatch"
	"github.com/h1v3-io/inbox/internal/pipeline"
	"github.com/h1v3-io/inbox/internal/registry"
	"github.com/h1v3-io/inbox/internal/ticket"
	"github.com/h1v3-io/inbox/pkg/protocol"
)

// engineService implements api.InboxService on top of the engine components.
type engineService struct {
	store      ticket.Store
	reg        *registry.Registry
	pipeline   *pipeline.Pipeline
	dispatcher *dispatch.Dispatcher
}

var _ apiPkg.InboxService = (*engineService)(nil)

func (e *engineService) ListTickets(ctx context.Context, filter ticket.Filter) ([]*protocol.Ticket, error) {
	return e.store.ListTickets(ctx, filter)
}

// GetTicket hides tickets of other tenants behind ErrNotFound.
func (e *engineService) GetTicket(ctx context.Context, tenantID, id string) (*protocol.Ticket, error) {
	t, err := e.store.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.TenantID != tenantID {
		return nil, fmt.Errorf("ticket %s: %w", id, protocol.ErrNotFound)
	}
	return t, nil
}

func (e *engineService) ListMessages(ctx context.Context, tenantID, ticketID string, limit int) ([]*protocol.Message, error) {
	if _, err := e.GetTicket(ctx, tenantID, ticketID); err != nil {
		return nil, err
	}
	return e.store.ListMessages(ctx, ticketID, limit)
}

func (e *engineService) Compose(ctx context.Context, tenantID, ticketID string, req pipeline.ComposeRequest) ([]*protocol.Message, error) {
	return e.pipeline.Compose(ctx, tenantID, ticketID, req)
}

func (e *engineService) MarkRead(ctx context.Context, tenantID, ticketID string) (*protocol.Ticket, error) {
	return e.pipeline.MarkRead(ctx, tenantID, ticketID)
}

func (e *engineService) UpdateTicket(ctx context.Context, tenantID, ticketID string, u pipeline.TicketUpdate) (*protocol.Ticket, error) {
	return e.pipeline.UpdateTicket(ctx, tenantID, ticketID, u)
}

func (e *engineService) DeleteMessage(ctx context.Context, tenantID, messageID string) (*protocol.Message, error) {
	return e.dispatcher.Delete(ctx, tenantID, messageID)
}

// RetryMessage re-sends a failed message and returns its stored state.
func (e *engineService) RetryMessage(ctx context.Context, tenantID, messageID string) (*protocol.Message, error) {
	if _, err := e.dispatcher.Retry(ctx, tenantID, messageID); err != nil {
		return nil, err
	}
	return e.store.GetMessage(ctx, messageID)
}

func (e *engineService) CancelScheduled(ctx context.Context, tenantID, messageID string) error {
	return e.dispatcher.CancelScheduled(ctx, tenantID, messageID)
}

func (e *engineService) EditScheduled(ctx context.Context, tenantID, messageID, body string, at time.Time) (*protocol.Message, error) {
	return e.dispatcher.EditScheduled(ctx, tenantID, messageID, body, at)
}

func (e *engineService) HandleEvent(ctx context.Context, channelID string, ev protocol.InboundEvent) error {
	return e.pipeline.HandleInbound(ctx, channelID, ev)
}

func (e *engineService) ChannelTenant(channelID string) (string, bool) {
	return e.reg.TenantOf(channelID)
}

func (e *engineService) Channels() []apiPkg.ChannelStatus {
	ids := e.reg.List()
	out := make([]apiPkg.ChannelStatus, 0, len(ids))
	for _, id := range ids {
		sess, err := e.reg.Lookup(id)
		if err != nil {
			continue
		}
		out = append(out, apiPkg.ChannelStatus{
			ID:     id,
			Tenant: sess.Tenant,
			Kind:   sess.Adapter.Kind(),
			State:  sess.State(),
		})
	}
	return out
}

// Webhook returns the push endpoint of webhook-driven channels.
func (e *engineService) Webhook(channelID string) (http.Handler, bool) {
	sess, err := e.reg.Lookup(channelID)
	if err != nil {
		return nil, false
	}
	wr, ok := sess.Adapter.(connector.WebhookReceiver)
	if !ok {
		return nil, false
	}
	return wr.WebhookHandler(), true
}
