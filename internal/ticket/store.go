package ticket

import (
	"context"
	"errors"
	"time"

	"github.com/h1v3-io/inbox/pkg/protocol"
)

// ErrActiveTicketExists is returned by CreateTicket when another open or
// pending ticket already holds the (tenant, channel, contact) slot.
var ErrActiveTicketExists = errors.New("ticket store: active ticket exists")

// ErrDuplicateMessage is returned by CreateMessage when the channel-native id
// is already stored for the channel.
var ErrDuplicateMessage = errors.New("ticket store: duplicate native message id")

// Store is the persistence interface for tickets, messages, contacts and
// the audit trail consumed by the synchronization engine.
type Store interface {
	// UpsertContact creates the contact or refreshes its name, returning the stored row.
	UpsertContact(ctx context.Context, c *protocol.Contact) (*protocol.Contact, error)
	GetContact(ctx context.Context, id string) (*protocol.Contact, error)

	// CreateTicket inserts a ticket. It fails with ErrActiveTicketExists when the
	// one-active-ticket rule would be violated.
	CreateTicket(ctx context.Context, t *protocol.Ticket) error
	GetTicket(ctx context.Context, id string) (*protocol.Ticket, error)
	// FindActiveTicket returns the open or pending ticket for the key.
	FindActiveTicket(ctx context.Context, tenantID, channelID, contactID string) (*protocol.Ticket, error)
	// FindLatestTicket returns the most recently updated ticket for the key in any status.
	FindLatestTicket(ctx context.Context, tenantID, channelID, contactID string) (*protocol.Ticket, error)
	// FindLatestClosedTicket returns the most recently closed ticket for the key.
	FindLatestClosedTicket(ctx context.Context, tenantID, channelID, contactID string) (*protocol.Ticket, error)
	// UpdateTicket writes the mutable ticket fields. Protocol and creation time are never rewritten.
	UpdateTicket(ctx context.Context, t *protocol.Ticket) error
	// ClaimTicket opens an unowned pending ticket for userID. It reports false
	// when the ticket is no longer pending or already has an owner.
	ClaimTicket(ctx context.Context, id, userID string) (bool, error)
	// ChangeTicket applies c to a ticket that is not closed. It reports false
	// when the ticket is closed. Closing stamps closedAt.
	ChangeTicket(ctx context.Context, id string, c TicketChange) (bool, error)
	// SetUnread stores a channel-provided unread counter.
	SetUnread(ctx context.Context, id string, unread int) error
	ListTickets(ctx context.Context, filter Filter) ([]*protocol.Ticket, error)
	CountTickets(ctx context.Context, filter Filter) (int, error)
	// RecomputeUnread derives unreadMessages from the stored messages.
	RecomputeUnread(ctx context.Context, ticketID string) (*protocol.Ticket, error)

	AppendLog(ctx context.Context, l *protocol.TicketLog) error
	ListLogs(ctx context.Context, ticketID string) ([]*protocol.TicketLog, error)

	// CreateMessage inserts a message and refreshes the ticket summary and
	// unread counter in the same transaction.
	CreateMessage(ctx context.Context, m *protocol.Message) (*protocol.Ticket, error)
	GetMessage(ctx context.Context, id string) (*protocol.Message, error)
	FindMessageByNativeID(ctx context.Context, channelID, nativeID string) (*protocol.Message, error)
	FindTicketMessageByNativeID(ctx context.Context, ticketID, nativeID string) (*protocol.Message, error)
	ListMessages(ctx context.Context, ticketID string, limit int) ([]*protocol.Message, error)
	// UpdateAck stores a new ack (and read flag) and refreshes the ticket summary.
	UpdateAck(ctx context.Context, messageID string, ack protocol.Ack, read bool) (*protocol.Ticket, error)
	// MarkTicketRead marks every unread inbound message read and returns their
	// native ids, oldest first.
	MarkTicketRead(ctx context.Context, ticketID string) ([]string, *protocol.Ticket, error)
	// SoftDeleteMessage hides a message and moves the ticket summary back to
	// the newest visible message when needed.
	SoftDeleteMessage(ctx context.Context, messageID string) error

	// ClaimForSend moves a message from pending to sending. It reports false
	// when another flow already claimed, sent or canceled it.
	ClaimForSend(ctx context.Context, messageID string) (bool, error)
	// CompleteSend records the channel-native id of a claimed message. An
	// outbound row already stored under that id by an early echo is merged
	// into the message. The stored ack never moves down.
	CompleteSend(ctx context.Context, messageID, nativeID string, ack protocol.Ack) (*protocol.Ticket, error)
	// FindSendingMessage returns the oldest claimed outbound message of the
	// ticket with the given body that has no native id yet.
	FindSendingMessage(ctx context.Context, ticketID, body string) (*protocol.Message, error)
	// FailSend releases a claim back to pending with ack -1. A non-nil retryAt
	// moves the schedule date of a deferred send.
	FailSend(ctx context.Context, messageID string, retryAt *time.Time) error
	// ReleaseClaim returns a claimed message to pending without counting an attempt.
	ReleaseClaim(ctx context.Context, messageID string) error
	CancelScheduled(ctx context.Context, messageID string) (bool, error)
	EditScheduled(ctx context.Context, messageID, body string, at time.Time) (bool, error)
	ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*protocol.Message, error)
	ListOffline(ctx context.Context, channelID string, maxAttempts, limit int) ([]*protocol.Message, error)
	ResetSending(ctx context.Context) (int64, error)

	RecordCampaignShipping(ctx context.Context, tenantID, channelID, number, nativeID string) error
	HasCampaignShipping(ctx context.Context, tenantID, channelID, number, nativeID string) (bool, error)

	Close() error
}

// Filter constrains ticket list queries.
type Filter struct {
	TenantID  string
	ChannelID string
	Status    *protocol.TicketStatus
	UserID    string // matches owner or participant
	Query     string // text search on last message
	Limit     int    // 0 = no limit
}

// TicketChange is a status or ownership update. Nil fields are left as stored.
type TicketChange struct {
	Status  *protocol.TicketStatus
	UserID  *string
	QueueID *string
}
