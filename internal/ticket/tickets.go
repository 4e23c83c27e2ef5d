package ticket

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/h1v3-io/inbox/pkg/protocol"
)

const ticketColumns = `id, tenant_id, channel_id, contact_id, status, unread_messages, answered,
	last_message, last_message_at, last_message_ack, last_message_from_me, is_group, is_pinned,
	protocol, user_id, queue_id, participants, api_config, created_at, updated_at, closed_at`

func (s *SQLStore) CreateTicket(ctx context.Context, t *protocol.Ticket) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = t.CreatedAt
	if t.Status == "" {
		t.Status = protocol.TicketPending
	}
	if t.Protocol == "" {
		t.Protocol = protocol.NewProtocol(t.CreatedAt, t.ID)
	}
	if t.Participants == nil {
		t.Participants = []string{}
	}
	participants, _ := json.Marshal(t.Participants)

	_, err := s.exec(ctx, s.db, `
		INSERT INTO tickets (id, tenant_id, channel_id, contact_id, status, unread_messages, answered,
			last_message, last_message_at, last_message_ack, last_message_from_me, is_group, is_pinned,
			protocol, user_id, queue_id, participants, api_config, created_at, updated_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.TenantID, t.ChannelID, t.ContactID, string(t.Status), t.UnreadMessages, boolInt(t.Answered),
		t.LastMessage, formatTimePtr(t.LastMessageAt), int(t.LastMessageAck), boolInt(t.LastMessageFromMe),
		boolInt(t.IsGroup), boolInt(t.IsPinned), t.Protocol, t.UserID, t.QueueID, string(participants),
		encodeAPIConfig(t.APIConfig), formatTime(t.CreatedAt), formatTime(t.UpdatedAt), formatTimePtr(t.ClosedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", ErrActiveTicketExists, err)
		}
		return fmt.Errorf("ticket store: create ticket: %w", err)
	}
	return nil
}

func (s *SQLStore) GetTicket(ctx context.Context, id string) (*protocol.Ticket, error) {
	return s.getTicket(ctx, s.db, id)
}

func (s *SQLStore) getTicket(ctx context.Context, q execer, id string) (*protocol.Ticket, error) {
	row := s.queryRow(ctx, q, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("ticket", id)
		}
		return nil, fmt.Errorf("ticket store: get ticket: %w", err)
	}
	return t, nil
}

func (s *SQLStore) FindActiveTicket(ctx context.Context, tenantID, channelID, contactID string) (*protocol.Ticket, error) {
	return s.findTicket(ctx, `status IN ('open', 'pending')`, "updated_at", tenantID, channelID, contactID)
}

func (s *SQLStore) FindLatestTicket(ctx context.Context, tenantID, channelID, contactID string) (*protocol.Ticket, error) {
	return s.findTicket(ctx, `1=1`, "updated_at", tenantID, channelID, contactID)
}

func (s *SQLStore) FindLatestClosedTicket(ctx context.Context, tenantID, channelID, contactID string) (*protocol.Ticket, error) {
	return s.findTicket(ctx, `status = 'closed'`, "closed_at", tenantID, channelID, contactID)
}

func (s *SQLStore) findTicket(ctx context.Context, cond, order, tenantID, channelID, contactID string) (*protocol.Ticket, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+ticketColumns+` FROM tickets
		WHERE tenant_id = ? AND channel_id = ? AND contact_id = ? AND `+cond+`
		ORDER BY `+order+` DESC LIMIT 1`, tenantID, channelID, contactID)
	t, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("ticket for contact", contactID)
		}
		return nil, fmt.Errorf("ticket store: find ticket: %w", err)
	}
	return t, nil
}

func (s *SQLStore) UpdateTicket(ctx context.Context, t *protocol.Ticket) error {
	t.UpdatedAt = time.Now()
	if t.Participants == nil {
		t.Participants = []string{}
	}
	participants, _ := json.Marshal(t.Participants)
	result, err := s.exec(ctx, s.db, `
		UPDATE tickets SET status = ?, unread_messages = ?, answered = ?, is_pinned = ?, user_id = ?,
			queue_id = ?, participants = ?, api_config = ?, updated_at = ?, closed_at = ?
		WHERE id = ?
	`, string(t.Status), t.UnreadMessages, boolInt(t.Answered), boolInt(t.IsPinned), t.UserID, t.QueueID,
		string(participants), encodeAPIConfig(t.APIConfig), formatTime(t.UpdatedAt), formatTimePtr(t.ClosedAt), t.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", ErrActiveTicketExists, err)
		}
		return fmt.Errorf("ticket store: update ticket: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound("ticket", t.ID)
	}
	return nil
}

// ClaimTicket gives an unowned pending ticket to userID and opens it.
func (s *SQLStore) ClaimTicket(ctx context.Context, id, userID string) (bool, error) {
	result, err := s.exec(ctx, s.db, `UPDATE tickets SET status = 'open', user_id = ?, updated_at = ?
		WHERE id = ? AND status = 'pending' AND user_id = ''`, userID, formatTime(time.Now()), id)
	if err != nil {
		return false, fmt.Errorf("ticket store: claim ticket: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

func (s *SQLStore) ChangeTicket(ctx context.Context, id string, c TicketChange) (bool, error) {
	now := time.Now()
	set := "updated_at = ?"
	args := []any{formatTime(now)}
	if c.Status != nil {
		set += ", status = ?"
		args = append(args, string(*c.Status))
		if *c.Status == protocol.TicketClosed {
			set += ", closed_at = ?"
			args = append(args, formatTime(now))
		}
	}
	if c.UserID != nil {
		set += ", user_id = ?"
		args = append(args, *c.UserID)
	}
	if c.QueueID != nil {
		set += ", queue_id = ?"
		args = append(args, *c.QueueID)
	}
	args = append(args, id)

	result, err := s.exec(ctx, s.db, `UPDATE tickets SET `+set+` WHERE id = ? AND status <> 'closed'`, args...)
	if err != nil {
		return false, fmt.Errorf("ticket store: change ticket: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

func (s *SQLStore) SetUnread(ctx context.Context, id string, unread int) error {
	result, err := s.exec(ctx, s.db, `UPDATE tickets SET unread_messages = ?, updated_at = ? WHERE id = ?`,
		unread, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("ticket store: set unread: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound("ticket", id)
	}
	return nil
}

func (s *SQLStore) ListTickets(ctx context.Context, filter Filter) ([]*protocol.Ticket, error) {
	where, args := filterClause(filter)
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE ` + where + ` ORDER BY is_pinned DESC, updated_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ticket store: list: %w", err)
	}
	defer rows.Close()

	var tickets []*protocol.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("ticket store: list scan: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func (s *SQLStore) CountTickets(ctx context.Context, filter Filter) (int, error) {
	where, args := filterClause(filter)
	var count int
	if err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM tickets WHERE `+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("ticket store: count: %w", err)
	}
	return count, nil
}

func filterClause(filter Filter) (string, []any) {
	where := "1=1"
	var args []any
	if filter.TenantID != "" {
		where += " AND tenant_id = ?"
		args = append(args, filter.TenantID)
	}
	if filter.ChannelID != "" {
		where += " AND channel_id = ?"
		args = append(args, filter.ChannelID)
	}
	if filter.Status != nil {
		where += " AND status = ?"
		args = append(args, string(*filter.Status))
	}
	if filter.UserID != "" {
		where += " AND (user_id = ? OR participants LIKE ?)"
		args = append(args, filter.UserID, fmt.Sprintf("%%%q%%", filter.UserID))
	}
	if filter.Query != "" {
		where += " AND last_message LIKE ?"
		args = append(args, fmt.Sprintf("%%%s%%", filter.Query))
	}
	return where, args
}

func (s *SQLStore) RecomputeUnread(ctx context.Context, ticketID string) (*protocol.Ticket, error) {
	var t *protocol.Ticket
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.recomputeUnread(ctx, tx, ticketID, false); err != nil {
			return err
		}
		var err error
		t, err = s.getTicket(ctx, tx, ticketID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// recomputeUnread derives unread_messages from the messages table. answered
// becomes true when nothing is left unread or when forceAnswered is set.
func (s *SQLStore) recomputeUnread(ctx context.Context, q execer, ticketID string, forceAnswered bool) error {
	var unread int
	err := s.queryRow(ctx, q, `SELECT COUNT(*) FROM messages
		WHERE ticket_id = ? AND is_read = 0 AND from_me = 0 AND is_deleted = 0`, ticketID).Scan(&unread)
	if err != nil {
		return fmt.Errorf("ticket store: count unread: %w", err)
	}

	answeredExpr := "answered"
	if forceAnswered || unread == 0 {
		answeredExpr = "1"
	}
	result, err := s.exec(ctx, q, `UPDATE tickets SET unread_messages = ?, answered = `+answeredExpr+`, updated_at = ?
		WHERE id = ?`, unread, formatTime(time.Now()), ticketID)
	if err != nil {
		return fmt.Errorf("ticket store: update unread: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound("ticket", ticketID)
	}
	return nil
}

func (s *SQLStore) AppendLog(ctx context.Context, l *protocol.TicketLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	_, err := s.exec(ctx, s.db, `INSERT INTO ticket_logs (id, ticket_id, tenant_id, type, user_id, queue_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, l.ID, l.TicketID, l.TenantID, string(l.Type), l.UserID, l.QueueID, formatTime(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("ticket store: append log: %w", err)
	}
	return nil
}

func (s *SQLStore) ListLogs(ctx context.Context, ticketID string) ([]*protocol.TicketLog, error) {
	rows, err := s.query(ctx, s.db, `SELECT id, ticket_id, tenant_id, type, user_id, queue_id, created_at
		FROM ticket_logs WHERE ticket_id = ? ORDER BY created_at`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("ticket store: list logs: %w", err)
	}
	defer rows.Close()

	var logs []*protocol.TicketLog
	for rows.Next() {
		var l protocol.TicketLog
		var typ, created string
		if err := rows.Scan(&l.ID, &l.TicketID, &l.TenantID, &typ, &l.UserID, &l.QueueID, &created); err != nil {
			return nil, fmt.Errorf("ticket store: scan log: %w", err)
		}
		l.Type = protocol.LogType(typ)
		l.CreatedAt = parseTime(created)
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

func (s *SQLStore) RecordCampaignShipping(ctx context.Context, tenantID, channelID, number, nativeID string) error {
	_, err := s.exec(ctx, s.db, `INSERT INTO campaign_shippings (tenant_id, channel_id, number, message_id, created_at)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`, tenantID, channelID, number, nativeID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("ticket store: record campaign shipping: %w", err)
	}
	return nil
}

func (s *SQLStore) HasCampaignShipping(ctx context.Context, tenantID, channelID, number, nativeID string) (bool, error) {
	var n int
	err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM campaign_shippings
		WHERE tenant_id = ? AND channel_id = ? AND number = ? AND message_id = ?`,
		tenantID, channelID, number, nativeID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("ticket store: campaign lookup: %w", err)
	}
	return n > 0, nil
}

// --- helpers ---

func encodeAPIConfig(c *protocol.APIConfig) string {
	if c == nil || c.URLWebhook == "" {
		return ""
	}
	b, _ := json.Marshal(c)
	return string(b)
}

func scanTicket(row scannable) (*protocol.Ticket, error) {
	var t protocol.Ticket
	var status, participants, apiConfig, created, updated string
	var lastAt, closedAt sql.NullString
	var ack int

	err := row.Scan(&t.ID, &t.TenantID, &t.ChannelID, &t.ContactID, &status, &t.UnreadMessages, &t.Answered,
		&t.LastMessage, &lastAt, &ack, &t.LastMessageFromMe, &t.IsGroup, &t.IsPinned,
		&t.Protocol, &t.UserID, &t.QueueID, &participants, &apiConfig, &created, &updated, &closedAt)
	if err != nil {
		return nil, err
	}

	t.Status = protocol.TicketStatus(status)
	t.LastMessageAck = protocol.Ack(ack)
	t.LastMessageAt = parseTimePtr(lastAt)
	t.ClosedAt = parseTimePtr(closedAt)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	json.Unmarshal([]byte(participants), &t.Participants)
	if t.Participants == nil {
		t.Participants = []string{}
	}
	if apiConfig != "" {
		var c protocol.APIConfig
		if json.Unmarshal([]byte(apiConfig), &c) == nil {
			t.APIConfig = &c
		}
	}
	return &t, nil
}
