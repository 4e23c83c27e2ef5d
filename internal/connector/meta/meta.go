// Package meta implements the Messenger and Instagram adapters on the
// Graph API Send API.
package meta

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/h1v3-io/inbox/internal/connector"
	"github.com/h1v3-io/inbox/internal/connector/graph"
	"github.com/h1v3-io/inbox/internal/connector/webhook"
	"github.com/h1v3-io/inbox/pkg/protocol"
)

// Config holds Page credentials for a Messenger or Instagram channel.
type Config struct {
	ChannelID       string
	Kind            protocol.ChannelKind // messenger or instagram
	PageAccessToken string
	APIBase         string
	AppSecret       string
	VerifyToken     string
}

// Adapter implements connector.Adapter for Messenger and Instagram DMs.
type Adapter struct {
	config  Config
	client  *graph.Client
	handler connector.InboundHandler
	logger  *slog.Logger
	state   atomic.Value // protocol.SessionState
}

var (
	_ connector.Adapter         = (*Adapter)(nil)
	_ connector.PresenceSender  = (*Adapter)(nil)
	_ connector.Reconnector     = (*Adapter)(nil)
	_ connector.WebhookReceiver = (*Adapter)(nil)
)

// New creates the adapter.
func New(cfg Config, handler connector.InboundHandler, logger *slog.Logger) (*Adapter, error) {
	if cfg.Kind != protocol.ChannelMessenger && cfg.Kind != protocol.ChannelInstagram {
		return nil, fmt.Errorf("meta: unsupported kind %q", cfg.Kind)
	}
	if cfg.PageAccessToken == "" {
		return nil, fmt.Errorf("meta: page_access_token is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		config:  cfg,
		client:  graph.New(cfg.APIBase, cfg.PageAccessToken),
		handler: handler,
		logger:  logger.With("component", string(cfg.Kind), "channel", cfg.ChannelID),
	}
	a.state.Store(protocol.SessionOpen)
	return a, nil
}

func (a *Adapter) Kind() protocol.ChannelKind { return a.config.Kind }

func (a *Adapter) SessionState() protocol.SessionState {
	return a.state.Load().(protocol.SessionState)
}

type sendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

func (a *Adapter) SendText(ctx context.Context, destination, text, quotedID string) (connector.SendResult, error) {
	message := map[string]any{"text": text}
	if quotedID != "" {
		message["reply_to"] = map[string]string{"mid": quotedID}
	}
	return a.send(ctx, destination, message)
}

func (a *Adapter) SendMedia(ctx context.Context, destination string, media *protocol.MediaRef, caption string) (connector.SendResult, error) {
	if media == nil {
		return connector.SendResult{}, fmt.Errorf("meta: no media: %w", protocol.ErrValidation)
	}
	kind := attachmentType(media.MimeType)

	payload := map[string]any{}
	if media.URL != "" {
		payload["url"] = media.URL
		payload["is_reusable"] = true
	} else {
		id, err := a.upload(ctx, kind, media)
		if err != nil {
			return connector.SendResult{}, err
		}
		payload["attachment_id"] = id
	}

	res, err := a.send(ctx, destination, map[string]any{
		"attachment": map[string]any{"type": kind, "payload": payload},
	})
	if err != nil {
		return res, err
	}
	// Attachments carry no caption; it follows as a separate text.
	if caption != "" {
		if _, err := a.send(ctx, destination, map[string]any{"text": caption}); err != nil {
			a.logger.Warn("caption send failed", "error", err)
		}
	}
	return res, nil
}

// MarkRead marks the whole thread seen; the Send API has no per-message receipts.
func (a *Adapter) MarkRead(ctx context.Context, destination string, _ []string) error {
	return a.senderAction(ctx, destination, "mark_seen")
}

// DeleteMessage is not available to Pages.
func (a *Adapter) DeleteMessage(context.Context, string, string) error {
	return fmt.Errorf("meta: delete: %w", protocol.ErrUnsupported)
}

func (a *Adapter) SendPresence(ctx context.Context, destination string, p connector.Presence) error {
	switch p {
	case connector.PresenceComposing:
		return a.senderAction(ctx, destination, "typing_on")
	case connector.PresencePaused:
		return a.senderAction(ctx, destination, "typing_off")
	}
	return a.senderAction(ctx, destination, "mark_seen")
}

// Reconnect validates the page token.
func (a *Adapter) Reconnect(ctx context.Context) error {
	a.state.Store(protocol.SessionConnecting)
	var out struct {
		ID string `json:"id"`
	}
	if err := a.client.Get(ctx, "me?fields=id", &out); err != nil {
		a.state.Store(protocol.SessionClosed)
		return fmt.Errorf("meta: reconnect: %w", err)
	}
	a.state.Store(protocol.SessionOpen)
	a.logger.Info("session restored", "page", out.ID)
	return nil
}

func (a *Adapter) WebhookHandler() http.Handler {
	return webhook.New(webhook.Config{
		ChannelID:   a.config.ChannelID,
		AppSecret:   a.config.AppSecret,
		VerifyToken: a.config.VerifyToken,
	}, a.decode, a.handler, a.logger)
}

func (a *Adapter) send(ctx context.Context, destination string, message map[string]any) (connector.SendResult, error) {
	var out sendResponse
	err := a.client.Post(ctx, "me/messages", map[string]any{
		"recipient":      map[string]string{"id": destination},
		"messaging_type": "RESPONSE",
		"message":        message,
	}, &out)
	if err != nil {
		a.observe(err)
		return connector.SendResult{}, fmt.Errorf("meta: send: %w", err)
	}
	if out.MessageID == "" {
		return connector.SendResult{}, fmt.Errorf("meta: send: empty response: %w", protocol.ErrSendRejected)
	}
	return connector.SendResult{NativeID: out.MessageID}, nil
}

func (a *Adapter) senderAction(ctx context.Context, destination, action string) error {
	err := a.client.Post(ctx, "me/messages", map[string]any{
		"recipient":     map[string]string{"id": destination},
		"sender_action": action,
	}, nil)
	if err != nil {
		a.observe(err)
		return fmt.Errorf("meta: %s: %w", action, err)
	}
	return nil
}

func (a *Adapter) upload(ctx context.Context, kind string, media *protocol.MediaRef) (string, error) {
	var r io.Reader
	name := media.Filename
	switch {
	case media.Open != nil:
		rc, err := media.Open(ctx)
		if err != nil {
			return "", err
		}
		defer rc.Close()
		r = rc
	case len(media.Data) > 0:
		r = bytes.NewReader(media.Data)
	case media.Path != "":
		f, err := os.Open(media.Path)
		if err != nil {
			return "", fmt.Errorf("meta: open media: %w", err)
		}
		defer f.Close()
		r = f
		if name == "" {
			name = filepath.Base(media.Path)
		}
	default:
		return "", fmt.Errorf("meta: media has no source: %w", protocol.ErrValidation)
	}
	if name == "" {
		name = "upload"
	}

	message, _ := json.Marshal(map[string]any{
		"attachment": map[string]any{"type": kind, "payload": map[string]bool{"is_reusable": true}},
	})
	var out struct {
		AttachmentID string `json:"attachment_id"`
	}
	err := a.client.Upload(ctx, "me/message_attachments", map[string]string{"message": string(message)},
		"filedata", name, media.MimeType, r, &out)
	if err != nil {
		a.observe(err)
		return "", fmt.Errorf("meta: upload: %w", err)
	}
	return out.AttachmentID, nil
}

func (a *Adapter) observe(err error) {
	if errors.Is(err, protocol.ErrSessionUnavailable) && a.SessionState() == protocol.SessionOpen {
		a.state.Store(protocol.SessionClosed)
		a.logger.Warn("session closed by API", "error", err)
	}
}

func attachmentType(mimeType string) string {
	switch protocol.MediaTypeFromMIME(mimeType) {
	case "image":
		return "image"
	case "video":
		return "video"
	case "audio":
		return "audio"
	}
	return "file"
}
