package protocol

import (
	"strings"
	"time"
)

// Ack is the channel delivery acknowledgment level.
type Ack int

const (
	AckFailed    Ack = -1
	AckPending   Ack = 0
	AckSent      Ack = 1
	AckDelivered Ack = 2
	AckRead      Ack = 3
)

func (a Ack) String() string {
	switch a {
	case AckFailed:
		return "failed"
	case AckPending:
		return "pending"
	case AckSent:
		return "sent"
	case AckDelivered:
		return "delivered"
	case AckRead:
		return "read"
	}
	return "unknown"
}

// NextAck returns the ack a message should hold after an incoming
// acknowledgment. Acks only move forward; an explicit failure always wins.
// The second return value is false when nothing changes.
func NextAck(current, incoming Ack) (Ack, bool) {
	if incoming == AckFailed {
		return AckFailed, current != AckFailed
	}
	if incoming < AckSent || incoming > AckRead {
		return current, false
	}
	if incoming <= current {
		return current, false
	}
	return incoming, true
}

// SendStatus tracks outbound dispatch of a message.
type SendStatus string

const (
	SendPending  SendStatus = "pending"
	SendSending  SendStatus = "sending"
	SendSended   SendStatus = "sended"
	SendCanceled SendStatus = "canceled"
)

// Message is the canonical unit of conversation.
type Message struct {
	ID           string     `json:"id"`
	TicketID     string     `json:"ticketId"`
	TenantID     string     `json:"tenantId"`
	ChannelID    string     `json:"channelId"`
	ContactID    string     `json:"contactId"`
	Body         string     `json:"body"`
	FromMe       bool       `json:"fromMe"`
	Read         bool       `json:"read"`
	Ack          Ack        `json:"ack"`
	MediaType    string     `json:"mediaType,omitempty"`
	MediaURL     string     `json:"mediaUrl,omitempty"`
	MessageID    string     `json:"messageId,omitempty"`
	QuotedMsgID  string     `json:"quotedMsgId,omitempty"`
	ScheduleDate *time.Time `json:"scheduleDate,omitempty"`
	Status       SendStatus `json:"status"`
	IsDeleted    bool       `json:"isDeleted"`
	SendAttempts int        `json:"sendAttempts"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Scheduled reports whether the message is a deferred send still waiting to fire.
func (m *Message) Scheduled() bool {
	return m.ScheduleDate != nil && m.Status == SendPending
}

// MediaTypeFromMIME maps a MIME type to the stored media type
// ("image", "video", "audio", "application", ...).
func MediaTypeFromMIME(mimetype string) string {
	if mimetype == "" {
		return ""
	}
	major, _, _ := strings.Cut(mimetype, "/")
	return strings.ToLower(strings.TrimSpace(major))
}
