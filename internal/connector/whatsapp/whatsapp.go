// Package whatsapp implements the WhatsApp Business Cloud API adapter.
package whatsapp

import (
	"bytes"
	"context"
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

const maxMedia = 100 << 20

// Config holds Cloud API credentials for one business phone number.
type Config struct {
	ChannelID     string
	PhoneNumberID string
	AccessToken   string
	APIBase       string // defaults to graph.DefaultBaseURL
	AppSecret     string // webhook signature secret
	VerifyToken   string // webhook subscription token
}

// Adapter implements connector.Adapter over the Cloud API.
type Adapter struct {
	config  Config
	client  *graph.Client
	handler connector.InboundHandler
	logger  *slog.Logger
	state   atomic.Value // protocol.SessionState
}

var (
	_ connector.Adapter         = (*Adapter)(nil)
	_ connector.Reconnector     = (*Adapter)(nil)
	_ connector.WebhookReceiver = (*Adapter)(nil)
)

// New creates the adapter. The session counts as open until the API rejects the token.
func New(cfg Config, handler connector.InboundHandler, logger *slog.Logger) (*Adapter, error) {
	if cfg.PhoneNumberID == "" || cfg.AccessToken == "" {
		return nil, fmt.Errorf("whatsapp: phone_number_id and access_token are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		config:  cfg,
		client:  graph.New(cfg.APIBase, cfg.AccessToken),
		handler: handler,
		logger:  logger.With("component", "whatsapp", "channel", cfg.ChannelID),
	}
	a.state.Store(protocol.SessionOpen)
	return a, nil
}

func (a *Adapter) Kind() protocol.ChannelKind { return protocol.ChannelWhatsApp }

func (a *Adapter) SessionState() protocol.SessionState {
	return a.state.Load().(protocol.SessionState)
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (a *Adapter) SendText(ctx context.Context, destination, text, quotedID string) (connector.SendResult, error) {
	body := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                destination,
		"type":              "text",
		"text":              map[string]any{"body": text, "preview_url": false},
	}
	if quotedID != "" {
		body["context"] = map[string]string{"message_id": quotedID}
	}
	return a.send(ctx, body)
}

func (a *Adapter) SendMedia(ctx context.Context, destination string, media *protocol.MediaRef, caption string) (connector.SendResult, error) {
	if media == nil {
		return connector.SendResult{}, fmt.Errorf("whatsapp: no media: %w", protocol.ErrValidation)
	}
	kind := mediaKind(media.MimeType)

	object := map[string]any{}
	if media.URL != "" {
		object["link"] = media.URL
	} else {
		id, err := a.upload(ctx, media)
		if err != nil {
			return connector.SendResult{}, err
		}
		object["id"] = id
	}
	if caption != "" && kind != "audio" && kind != "sticker" {
		object["caption"] = caption
	}
	if kind == "document" && media.Filename != "" {
		object["filename"] = media.Filename
	}

	return a.send(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                destination,
		"type":              kind,
		kind:                object,
	})
}

// MarkRead acknowledges each message. The Cloud API takes one id per call.
func (a *Adapter) MarkRead(ctx context.Context, _ string, nativeIDs []string) error {
	for _, id := range nativeIDs {
		err := a.client.Post(ctx, a.config.PhoneNumberID+"/messages", map[string]string{
			"messaging_product": "whatsapp",
			"status":            "read",
			"message_id":        id,
		}, nil)
		if err != nil {
			a.observe(err)
			return fmt.Errorf("whatsapp: mark read %s: %w", id, err)
		}
	}
	return nil
}

// DeleteMessage is not offered by the Cloud API.
func (a *Adapter) DeleteMessage(context.Context, string, string) error {
	return fmt.Errorf("whatsapp: delete: %w", protocol.ErrUnsupported)
}

// Reconnect checks the phone number with the configured token.
func (a *Adapter) Reconnect(ctx context.Context) error {
	a.state.Store(protocol.SessionConnecting)
	var out struct {
		ID string `json:"id"`
	}
	if err := a.client.Get(ctx, a.config.PhoneNumberID+"?fields=id", &out); err != nil {
		a.state.Store(protocol.SessionClosed)
		return fmt.Errorf("whatsapp: reconnect: %w", err)
	}
	a.state.Store(protocol.SessionOpen)
	a.logger.Info("session restored")
	return nil
}

// WebhookHandler receives Cloud API deliveries.
func (a *Adapter) WebhookHandler() http.Handler {
	return webhook.New(webhook.Config{
		ChannelID:   a.config.ChannelID,
		AppSecret:   a.config.AppSecret,
		VerifyToken: a.config.VerifyToken,
	}, a.decode, a.handler, a.logger)
}

func (a *Adapter) send(ctx context.Context, body map[string]any) (connector.SendResult, error) {
	var out sendResponse
	if err := a.client.Post(ctx, a.config.PhoneNumberID+"/messages", body, &out); err != nil {
		a.observe(err)
		return connector.SendResult{}, fmt.Errorf("whatsapp: send: %w", err)
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return connector.SendResult{}, fmt.Errorf("whatsapp: send: empty response: %w", protocol.ErrSendRejected)
	}
	return connector.SendResult{NativeID: out.Messages[0].ID}, nil
}

func (a *Adapter) upload(ctx context.Context, media *protocol.MediaRef) (string, error) {
	r, name, err := openMedia(ctx, media)
	if err != nil {
		return "", err
	}
	defer r.Close()
	if name == "" {
		name = "upload"
	}

	var out struct {
		ID string `json:"id"`
	}
	err = a.client.Upload(ctx, a.config.PhoneNumberID+"/media",
		map[string]string{"messaging_product": "whatsapp", "type": media.MimeType},
		"file", name, media.MimeType, r, &out)
	if err != nil {
		a.observe(err)
		return "", fmt.Errorf("whatsapp: upload media: %w", err)
	}
	return out.ID, nil
}

// observe closes the session when the API reports the token unusable.
func (a *Adapter) observe(err error) {
	if errors.Is(err, protocol.ErrSessionUnavailable) && a.SessionState() == protocol.SessionOpen {
		a.state.Store(protocol.SessionClosed)
		a.logger.Warn("session closed by API", "error", err)
	}
}

// download resolves a Cloud API media id to its bytes.
func (a *Adapter) download(ctx context.Context, mediaID string) (io.ReadCloser, error) {
	var meta struct {
		URL string `json:"url"`
	}
	if err := a.client.Get(ctx, mediaID, &meta); err != nil {
		return nil, fmt.Errorf("whatsapp: media %s: %w", mediaID, err)
	}
	data, err := a.client.Download(ctx, meta.URL, maxMedia)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: media %s: %w", mediaID, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func openMedia(ctx context.Context, media *protocol.MediaRef) (io.ReadCloser, string, error) {
	name := media.Filename
	switch {
	case media.Open != nil:
		r, err := media.Open(ctx)
		return r, name, err
	case len(media.Data) > 0:
		return io.NopCloser(bytes.NewReader(media.Data)), name, nil
	case media.Path != "":
		f, err := os.Open(media.Path)
		if err != nil {
			return nil, "", fmt.Errorf("whatsapp: open media: %w", err)
		}
		if name == "" {
			name = filepath.Base(media.Path)
		}
		return f, name, nil
	}
	return nil, "", fmt.Errorf("whatsapp: media has no source: %w", protocol.ErrValidation)
}

// mediaKind maps a MIME type to the Cloud API message type.
func mediaKind(mimeType string) string {
	switch protocol.MediaTypeFromMIME(mimeType) {
	case "image":
		if mimeType == "image/webp" {
			return "sticker"
		}
		return "image"
	case "video":
		return "video"
	case "audio":
		return "audio"
	}
	return "document"
}
