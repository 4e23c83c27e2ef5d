package protocol

import (
	"fmt"
	"strings"
	"time"
)

// TicketStatus represents the lifecycle state of a ticket.
type TicketStatus string

const (
	TicketPending TicketStatus = "pending"
	TicketOpen    TicketStatus = "open"
	TicketClosed  TicketStatus = "closed"
)

// Active reports whether the status counts towards the one-active-ticket rule.
func (s TicketStatus) Active() bool {
	return s == TicketPending || s == TicketOpen
}

// Ticket is one conversation thread for a (tenant, contact, channel).
type Ticket struct {
	ID                string       `json:"id"`
	TenantID          string       `json:"tenantId"`
	ChannelID         string       `json:"channelId"`
	ContactID         string       `json:"contactId"`
	Status            TicketStatus `json:"status"`
	UnreadMessages    int          `json:"unreadMessages"`
	Answered          bool         `json:"answered"`
	LastMessage       string       `json:"lastMessage"`
	LastMessageAt     *time.Time   `json:"lastMessageAt,omitempty"`
	LastMessageAck    Ack          `json:"lastMessageAck"`
	LastMessageFromMe bool         `json:"lastMessageFromMe"`
	IsGroup           bool         `json:"isGroup"`
	IsPinned          bool         `json:"isPinned"`
	Protocol          string       `json:"protocol"`
	UserID            string       `json:"userId,omitempty"`
	QueueID           string       `json:"queueId,omitempty"`
	Participants      []string     `json:"participants"`
	APIConfig         *APIConfig   `json:"apiConfig,omitempty"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
	ClosedAt          *time.Time   `json:"closedAt,omitempty"`
}

// APIConfig carries third-party integrator settings attached to a ticket.
type APIConfig struct {
	URLWebhook  string `json:"urlWebhook"`
	ExternalKey string `json:"externalKey,omitempty"`
	AuthToken   string `json:"authToken,omitempty"`
}

// HasParticipant reports whether userID may act on the ticket without owning it.
func (t *Ticket) HasParticipant(userID string) bool {
	for _, p := range t.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// NewProtocol derives the human-readable ticket identifier from its
// creation time and id. It is assigned once and never regenerated.
func NewProtocol(createdAt time.Time, id string) string {
	suffix := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	if len(suffix) > 6 {
		suffix = suffix[:6]
	}
	return fmt.Sprintf("%s%s", createdAt.UTC().Format("20060102150405"), suffix)
}

// LogType enumerates ticket audit entries.
type LogType string

const (
	LogAccess      LogType = "access"
	LogCreate      LogType = "create"
	LogClosed      LogType = "closed"
	LogTransferred LogType = "transferred"
	LogReopened    LogType = "reopened"
	LogOutOfHours  LogType = "outOfHours"
)

// TicketLog is one append-only audit entry.
type TicketLog struct {
	ID        string    `json:"id"`
	TicketID  string    `json:"ticketId"`
	TenantID  string    `json:"tenantId"`
	Type      LogType   `json:"type"`
	UserID    string    `json:"userId,omitempty"`
	QueueID   string    `json:"queueId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
