// Package hook delivers engine events to outside collaborators: integrator
// webhooks, ops alerts and the chatbot flow service.
package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/h1v3-io/inbox/pkg/protocol"
)

// MessageStatus is the integrator webhook payload sent on ack changes.
type MessageStatus struct {
	Ack         protocol.Ack `json:"ack"`
	MessageID   string       `json:"messageId"`
	TicketID    string       `json:"ticketId"`
	ExternalKey string       `json:"externalKey,omitempty"`
	AuthToken   string       `json:"authToken,omitempty"`
	Type        string       `json:"type"`
}

const typeMessageStatus = "hookMessageStatus"

// Integrator posts message status changes to the webhook of tickets opened
// through the external API.
type Integrator struct {
	client *http.Client
	logger *slog.Logger
}

// NewIntegrator creates an Integrator. A nil client uses a 10s timeout client.
func NewIntegrator(client *http.Client, logger *slog.Logger) *Integrator {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Integrator{client: client, logger: logger.With("component", "integrator")}
}

// MessageStatus notifies the ticket's integrator of m's current ack. It is a
// no-op for tickets without an apiConfig webhook.
func (i *Integrator) MessageStatus(ctx context.Context, t *protocol.Ticket, m *protocol.Message) error {
	if t == nil || t.APIConfig == nil || t.APIConfig.URLWebhook == "" {
		return nil
	}
	payload := MessageStatus{
		Ack:         m.Ack,
		MessageID:   m.MessageID,
		TicketID:    t.ID,
		ExternalKey: t.APIConfig.ExternalKey,
		AuthToken:   t.APIConfig.AuthToken,
		Type:        typeMessageStatus,
	}
	if payload.MessageID == "" {
		payload.MessageID = m.ID
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("hook: encode status: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.APIConfig.URLWebhook, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("hook: status request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := i.client.Do(req)
	if err != nil {
		return fmt.Errorf("hook: post status: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("hook: post status: HTTP %d", resp.StatusCode)
	}
	i.logger.Debug("message status delivered", "ticket_id", t.ID, "message_id", m.ID, "ack", m.Ack)
	return nil
}
