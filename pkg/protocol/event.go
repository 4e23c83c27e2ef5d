package protocol

import (
	"context"
	"io"
	"time"
)

// ChannelKind names a messaging platform integration.
type ChannelKind string

const (
	ChannelWhatsApp  ChannelKind = "whatsapp"
	ChannelTelegram  ChannelKind = "telegram"
	ChannelInstagram ChannelKind = "instagram"
	ChannelMessenger ChannelKind = "messenger"
)

// SessionState is the live state of a channel session.
type SessionState string

const (
	SessionOpen       SessionState = "open"
	SessionConnecting SessionState = "connecting"
	SessionClosed     SessionState = "closed"
)

// EventKind distinguishes message events from acknowledgment-only events.
type EventKind string

const (
	EventMessage EventKind = "message"
	EventAck     EventKind = "ack"
)

// InboundEvent is the canonical form of everything a channel adapter emits.
type InboundEvent struct {
	Kind        EventKind `json:"kind"`
	NativeID    string    `json:"nativeId"`
	Destination string    `json:"destination"`
	ContactName string    `json:"contactName,omitempty"`
	// Group is set when Destination is a group chat and Participant is the sender.
	Group       bool      `json:"group,omitempty"`
	GroupName   string    `json:"groupName,omitempty"`
	Participant string    `json:"participant,omitempty"`
	FromMe      bool      `json:"fromMe"`
	Body        string    `json:"body,omitempty"`
	Media       *MediaRef `json:"media,omitempty"`
	QuotedID    string    `json:"quotedId,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Ack         *Ack      `json:"ack,omitempty"`
	// UnreadCount is the channel-reported unread count for the chat, if known.
	UnreadCount *int `json:"unreadCount,omitempty"`
	// SessionSync marks events replayed while a session catches up on history.
	SessionSync bool `json:"sessionSync,omitempty"`
}

// MediaRef points at an attachment. Adapters that need authenticated
// downloads set Open; otherwise Data or URL is used.
type MediaRef struct {
	MimeType string                                           `json:"mimetype"`
	Filename string                                           `json:"filename,omitempty"`
	URL      string                                           `json:"url,omitempty"`
	Data     []byte                                           `json:"data,omitempty"`
	Path     string                                           `json:"-"`
	Open     func(ctx context.Context) (io.ReadCloser, error) `json:"-"`
}

// NotificationKind selects the broadcast topic of a real-time event.
type NotificationKind string

const (
	NotifyTicket  NotificationKind = "ticket"
	NotifyMessage NotificationKind = "appMessage"
	NotifyContact NotificationKind = "contact"
)

// Notification is the payload pushed to real-time subscribers.
type Notification struct {
	Action  string   `json:"action"`
	Ticket  *Ticket  `json:"ticket,omitempty"`
	Message *Message `json:"message,omitempty"`
	Contact *Contact `json:"contact,omitempty"`
}
