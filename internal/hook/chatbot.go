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

// Flow events sent to the chatbot service.
const (
	FlowWelcome = "welcome"
	FlowMessage = "message"
)

// FlowRequest is posted to the chatbot flow service.
type FlowRequest struct {
	Event   string            `json:"event"`
	Ticket  *protocol.Ticket  `json:"ticket"`
	Message *protocol.Message `json:"message,omitempty"`
}

// FlowResponse lists the texts the bot wants sent back to the contact.
type FlowResponse struct {
	Replies []string `json:"replies"`
}

// Chatbot is a client for an external chatbot flow service.
type Chatbot struct {
	url    string
	token  string
	client *http.Client
	logger *slog.Logger
}

// NewChatbot creates a flow client. Token, when set, is sent as a bearer token.
func NewChatbot(url, token string, logger *slog.Logger) *Chatbot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chatbot{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger.With("component", "chatbot"),
	}
}

// Welcome starts the flow for a new ticket.
func (c *Chatbot) Welcome(ctx context.Context, t *protocol.Ticket) ([]string, error) {
	return c.post(ctx, FlowRequest{Event: FlowWelcome, Ticket: t})
}

// Forward hands an inbound message of an unowned ticket to the flow.
func (c *Chatbot) Forward(ctx context.Context, t *protocol.Ticket, m *protocol.Message) ([]string, error) {
	return c.post(ctx, FlowRequest{Event: FlowMessage, Ticket: t, Message: m})
}

func (c *Chatbot) post(ctx context.Context, body FlowRequest) ([]string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("hook: encode flow: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("hook: flow request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hook: flow %s: %w", body.Event, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("hook: flow read: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("hook: flow %s: HTTP %d", body.Event, resp.StatusCode)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var out FlowResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("hook: flow decode: %w", err)
	}
	c.logger.Debug("flow answered", "event", body.Event, "ticket_id", body.Ticket.ID, "replies", len(out.Replies))
	return out.Replies, nil
}
