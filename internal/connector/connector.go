package connector

import (
	"context"
	"net/http"

	"github.com/h1v3-io/inbox/pkg/protocol"
)

// Adapter is the capability set of one channel session (WhatsApp, Telegram,
// Instagram, Messenger). Implementations translate between the platform
// wire format and the canonical protocol types.
type Adapter interface {
	// Kind returns the channel platform.
	Kind() protocol.ChannelKind
	// SendText delivers text to destination, optionally as a reply to quotedID.
	SendText(ctx context.Context, destination, text, quotedID string) (SendResult, error)
	// SendMedia delivers an attachment with an optional caption.
	SendMedia(ctx context.Context, destination string, media *protocol.MediaRef, caption string) (SendResult, error)
	// MarkRead pushes read receipts for the given native ids.
	MarkRead(ctx context.Context, destination string, nativeIDs []string) error
	// DeleteMessage removes a message remotely. Channels without the
	// capability return protocol.ErrUnsupported.
	DeleteMessage(ctx context.Context, destination, nativeID string) error
	// SessionState reports the live session state.
	SessionState() protocol.SessionState
}

// SendResult is what a channel returns for an accepted send.
type SendResult struct {
	NativeID string
	Meta     map[string]string
}

// Presence is a chat-state signal.
type Presence string

const (
	PresenceAvailable Presence = "available"
	PresenceComposing Presence = "composing"
	PresencePaused    Presence = "paused"
)

// PresenceSender is implemented by channels that expose chat-state updates.
type PresenceSender interface {
	SendPresence(ctx context.Context, destination string, p Presence) error
}

// Reconnector is implemented by channels whose session can be re-established on demand.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// Runner is implemented by pull-based adapters that own a receive loop.
// Start blocks until ctx is cancelled.
type Runner interface {
	Start(ctx context.Context) error
	Stop() error
}

// WebhookReceiver is implemented by push-based adapters. The handler is
// mounted under the channel's webhook path.
type WebhookReceiver interface {
	WebhookHandler() http.Handler
}

// InboundHandler processes canonical events emitted by an adapter.
type InboundHandler func(ctx context.Context, channelID string, ev protocol.InboundEvent) error
