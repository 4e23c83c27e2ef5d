package ticket

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/h1v3-io/inbox/pkg/protocol"
)

const messageColumns = `id, ticket_id, tenant_id, channel_id, contact_id, body, from_me, is_read, ack,
	media_type, media_url, message_id, quoted_msg_id, schedule_date, status, is_deleted, send_attempts,
	created_at, updated_at`

func (s *SQLStore) CreateMessage(ctx context.Context, m *protocol.Message) (*protocol.Ticket, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.UpdatedAt = m.CreatedAt
	if m.Status == "" {
		m.Status = protocol.SendPending
	}

	var t *protocol.Ticket
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx, `
			INSERT INTO messages (id, ticket_id, tenant_id, channel_id, contact_id, body, from_me, is_read, ack,
				media_type, media_url, message_id, quoted_msg_id, schedule_date, status, is_deleted, send_attempts,
				created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, m.ID, m.TicketID, m.TenantID, m.ChannelID, m.ContactID, m.Body, boolInt(m.FromMe), boolInt(m.Read),
			int(m.Ack), m.MediaType, m.MediaURL, nullString(m.MessageID), m.QuotedMsgID,
			formatTimePtr(m.ScheduleDate), string(m.Status), boolInt(m.IsDeleted), m.SendAttempts,
			formatTime(m.CreatedAt), formatTime(m.UpdatedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrDuplicateMessage, m.MessageID)
			}
			return fmt.Errorf("ticket store: create message: %w", err)
		}

		// Deferred sends join the summary when they fire, not when queued.
		if m.ScheduleDate == nil {
			if err := s.refreshSummary(ctx, tx, m, m.CreatedAt); err != nil {
				return err
			}
		}
		if err := s.recomputeUnread(ctx, tx, m.TicketID, m.FromMe); err != nil {
			return err
		}
		t, err = s.getTicket(ctx, tx, m.TicketID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// refreshSummary makes m the ticket's last message unless a newer one is already recorded.
func (s *SQLStore) refreshSummary(ctx context.Context, q execer, m *protocol.Message, at time.Time) error {
	_, err := s.exec(ctx, q, `
		UPDATE tickets SET last_message = ?, last_message_at = ?, last_message_ack = ?, last_message_from_me = ?,
			updated_at = ?
		WHERE id = ? AND (last_message_at IS NULL OR last_message_at <= ?)
	`, m.Body, formatTime(at), int(m.Ack), boolInt(m.FromMe), formatTime(time.Now()), m.TicketID, formatTime(at))
	if err != nil {
		return fmt.Errorf("ticket store: refresh summary: %w", err)
	}
	return nil
}

// syncLastAck mirrors a message ack on the ticket when the message is the ticket's last one.
func (s *SQLStore) syncLastAck(ctx context.Context, q execer, m *protocol.Message, ack protocol.Ack) error {
	_, err := s.exec(ctx, q, `UPDATE tickets SET last_message_ack = ?
		WHERE id = ? AND last_message_at = ? AND last_message_from_me = ?`,
		int(ack), m.TicketID, formatTime(m.CreatedAt), boolInt(m.FromMe))
	if err != nil {
		return fmt.Errorf("ticket store: sync last ack: %w", err)
	}
	return nil
}

func (s *SQLStore) GetMessage(ctx context.Context, id string) (*protocol.Message, error) {
	return s.getMessage(ctx, s.db, id)
}

func (s *SQLStore) getMessage(ctx context.Context, q execer, id string) (*protocol.Message, error) {
	row := s.queryRow(ctx, q, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("message", id)
		}
		return nil, fmt.Errorf("ticket store: get message: %w", err)
	}
	return m, nil
}

func (s *SQLStore) FindMessageByNativeID(ctx context.Context, channelID, nativeID string) (*protocol.Message, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+messageColumns+` FROM messages WHERE channel_id = ? AND message_id = ?`,
		channelID, nativeID)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("message", nativeID)
		}
		return nil, fmt.Errorf("ticket store: find message: %w", err)
	}
	return m, nil
}

func (s *SQLStore) FindTicketMessageByNativeID(ctx context.Context, ticketID, nativeID string) (*protocol.Message, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+messageColumns+` FROM messages WHERE ticket_id = ? AND message_id = ?`,
		ticketID, nativeID)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("message", nativeID)
		}
		return nil, fmt.Errorf("ticket store: find ticket message: %w", err)
	}
	return m, nil
}

// ListMessages returns the newest limit messages of a ticket, oldest first.
func (s *SQLStore) ListMessages(ctx context.Context, ticketID string, limit int) ([]*protocol.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE ticket_id = ? ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	msgs, err := s.listMessages(ctx, query, ticketID)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func (s *SQLStore) listMessages(ctx context.Context, query string, args ...any) ([]*protocol.Message, error) {
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ticket store: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*protocol.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("ticket store: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLStore) UpdateAck(ctx context.Context, messageID string, ack protocol.Ack, read bool) (*protocol.Ticket, error) {
	var t *protocol.Ticket
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		m, err := s.getMessage(ctx, tx, messageID)
		if err != nil {
			return err
		}
		readExpr := "is_read"
		if read {
			readExpr = "1"
		}
		_, err = s.exec(ctx, tx, `UPDATE messages SET ack = ?, is_read = `+readExpr+`, updated_at = ? WHERE id = ?`,
			int(ack), formatTime(time.Now()), messageID)
		if err != nil {
			return fmt.Errorf("ticket store: update ack: %w", err)
		}
		if err := s.syncLastAck(ctx, tx, m, ack); err != nil {
			return err
		}
		if err := s.recomputeUnread(ctx, tx, m.TicketID, false); err != nil {
			return err
		}
		t, err = s.getTicket(ctx, tx, m.TicketID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLStore) MarkTicketRead(ctx context.Context, ticketID string) ([]string, *protocol.Ticket, error) {
	var nativeIDs []string
	var t *protocol.Ticket
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := s.query(ctx, tx, `SELECT message_id FROM messages
			WHERE ticket_id = ? AND is_read = 0 AND from_me = 0 ORDER BY created_at`, ticketID)
		if err != nil {
			return fmt.Errorf("ticket store: mark read: %w", err)
		}
		for rows.Next() {
			var id sql.NullString
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("ticket store: mark read scan: %w", err)
			}
			if id.Valid && id.String != "" {
				nativeIDs = append(nativeIDs, id.String)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		_, err = s.exec(ctx, tx, `UPDATE messages SET is_read = 1, updated_at = ?
			WHERE ticket_id = ? AND is_read = 0 AND from_me = 0`, formatTime(time.Now()), ticketID)
		if err != nil {
			return fmt.Errorf("ticket store: mark read: %w", err)
		}
		if err := s.recomputeUnread(ctx, tx, ticketID, false); err != nil {
			return err
		}
		t, err = s.getTicket(ctx, tx, ticketID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return nativeIDs, t, nil
}

func (s *SQLStore) SoftDeleteMessage(ctx context.Context, messageID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		m, err := s.getMessage(ctx, tx, messageID)
		if err != nil {
			return err
		}
		_, err = s.exec(ctx, tx, `UPDATE messages SET is_deleted = 1, updated_at = ? WHERE id = ?`,
			formatTime(time.Now()), messageID)
		if err != nil {
			return fmt.Errorf("ticket store: soft delete: %w", err)
		}
		if err := s.summaryAfterDelete(ctx, tx, m); err != nil {
			return err
		}
		return s.recomputeUnread(ctx, tx, m.TicketID, false)
	})
}

// visibleMessage matches rows that count toward the ticket summary.
const visibleMessage = `is_deleted = 0 AND (schedule_date IS NULL OR status = 'sended')`

// summaryAfterDelete moves the ticket summary back to the newest visible
// message when the deleted one was the newest.
func (s *SQLStore) summaryAfterDelete(ctx context.Context, q execer, deleted *protocol.Message) error {
	var newer int
	err := s.queryRow(ctx, q, `SELECT COUNT(*) FROM messages
		WHERE ticket_id = ? AND created_at > ? AND `+visibleMessage, deleted.TicketID, formatTime(deleted.CreatedAt)).Scan(&newer)
	if err != nil {
		return fmt.Errorf("ticket store: summary lookup: %w", err)
	}
	if newer > 0 {
		return nil
	}

	var body, created string
	var ack int
	var fromMe bool
	err = s.queryRow(ctx, q, `SELECT body, created_at, ack, from_me FROM messages
		WHERE ticket_id = ? AND `+visibleMessage+` ORDER BY created_at DESC LIMIT 1`, deleted.TicketID).
		Scan(&body, &created, &ack, &fromMe)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.exec(ctx, q, `UPDATE tickets SET last_message = '', last_message_ack = 0, last_message_from_me = 0
			WHERE id = ?`, deleted.TicketID)
	case err == nil:
		_, err = s.exec(ctx, q, `UPDATE tickets SET last_message = ?, last_message_at = ?, last_message_ack = ?,
			last_message_from_me = ? WHERE id = ?`, body, created, ack, boolInt(fromMe), deleted.TicketID)
	}
	if err != nil {
		return fmt.Errorf("ticket store: summary after delete: %w", err)
	}
	return nil
}

func (s *SQLStore) ClaimForSend(ctx context.Context, messageID string) (bool, error) {
	result, err := s.exec(ctx, s.db, `UPDATE messages SET status = 'sending', updated_at = ?
		WHERE id = ? AND status = 'pending' AND is_deleted = 0`, formatTime(time.Now()), messageID)
	if err != nil {
		return false, fmt.Errorf("ticket store: claim: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

func (s *SQLStore) CompleteSend(ctx context.Context, messageID, nativeID string, ack protocol.Ack) (*protocol.Ticket, error) {
	var t *protocol.Ticket
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		m, err := s.getMessage(ctx, tx, messageID)
		if err != nil {
			return err
		}
		if nativeID != "" {
			if err := s.dropEchoCopy(ctx, tx, m, nativeID); err != nil {
				return err
			}
		}
		now := time.Now()
		_, err = s.exec(ctx, tx, `UPDATE messages SET status = 'sended', message_id = ?,
			ack = CASE WHEN ack > ? THEN ack ELSE ? END, updated_at = ?
			WHERE id = ?`, nullString(nativeID), int(ack), int(ack), formatTime(now), messageID)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrDuplicateMessage, nativeID)
			}
			return fmt.Errorf("ticket store: complete send: %w", err)
		}
		m.Ack = ack
		if m.ScheduleDate != nil {
			// A fired schedule becomes a regular message as of now.
			if err := s.refreshSummary(ctx, tx, m, now); err != nil {
				return err
			}
		} else if err := s.syncLastAck(ctx, tx, m, ack); err != nil {
			return err
		}
		if err := s.recomputeUnread(ctx, tx, m.TicketID, true); err != nil {
			return err
		}
		t, err = s.getTicket(ctx, tx, m.TicketID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// dropEchoCopy removes an outbound row that an early channel echo stored
// under nativeID before the send was completed, carrying its ack over to m.
func (s *SQLStore) dropEchoCopy(ctx context.Context, q execer, m *protocol.Message, nativeID string) error {
	var copyID string
	var ack int
	var fromMe bool
	err := s.queryRow(ctx, q, `SELECT id, ack, from_me FROM messages WHERE channel_id = ? AND message_id = ? AND id <> ?`,
		m.ChannelID, nativeID, m.ID).Scan(&copyID, &ack, &fromMe)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ticket store: echo lookup: %w", err)
	}
	if !fromMe {
		return fmt.Errorf("%w: %s", ErrDuplicateMessage, nativeID)
	}
	if _, err := s.exec(ctx, q, `DELETE FROM messages WHERE id = ?`, copyID); err != nil {
		return fmt.Errorf("ticket store: drop echo copy: %w", err)
	}
	_, err = s.exec(ctx, q, `UPDATE messages SET ack = ? WHERE id = ? AND ack < ?`, ack, m.ID, ack)
	if err != nil {
		return fmt.Errorf("ticket store: merge echo ack: %w", err)
	}
	return nil
}

func (s *SQLStore) FindSendingMessage(ctx context.Context, ticketID, body string) (*protocol.Message, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+messageColumns+` FROM messages
		WHERE ticket_id = ? AND from_me = 1 AND status = 'sending' AND message_id IS NULL AND body = ?
		ORDER BY created_at LIMIT 1`, ticketID, body)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("sending message", ticketID)
		}
		return nil, fmt.Errorf("ticket store: find sending: %w", err)
	}
	return m, nil
}

func (s *SQLStore) FailSend(ctx context.Context, messageID string, retryAt *time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		m, err := s.getMessage(ctx, tx, messageID)
		if err != nil {
			return err
		}
		_, err = s.exec(ctx, tx, `UPDATE messages SET status = 'pending', ack = -1, send_attempts = send_attempts + 1,
			schedule_date = COALESCE(?, schedule_date), updated_at = ?
			WHERE id = ? AND status = 'sending'`, formatTimePtr(retryAt), formatTime(time.Now()), messageID)
		if err != nil {
			return fmt.Errorf("ticket store: fail send: %w", err)
		}
		return s.syncLastAck(ctx, tx, m, protocol.AckFailed)
	})
}

func (s *SQLStore) ReleaseClaim(ctx context.Context, messageID string) error {
	_, err := s.exec(ctx, s.db, `UPDATE messages SET status = 'pending', updated_at = ?
		WHERE id = ? AND status = 'sending'`, formatTime(time.Now()), messageID)
	if err != nil {
		return fmt.Errorf("ticket store: release claim: %w", err)
	}
	return nil
}

func (s *SQLStore) CancelScheduled(ctx context.Context, messageID string) (bool, error) {
	result, err := s.exec(ctx, s.db, `UPDATE messages SET status = 'canceled', updated_at = ?
		WHERE id = ? AND status = 'pending' AND schedule_date IS NOT NULL`, formatTime(time.Now()), messageID)
	if err != nil {
		return false, fmt.Errorf("ticket store: cancel scheduled: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

func (s *SQLStore) EditScheduled(ctx context.Context, messageID, body string, at time.Time) (bool, error) {
	result, err := s.exec(ctx, s.db, `UPDATE messages SET body = ?, schedule_date = ?, send_attempts = 0, updated_at = ?
		WHERE id = ? AND status = 'pending' AND schedule_date IS NOT NULL`,
		body, formatTime(at), formatTime(time.Now()), messageID)
	if err != nil {
		return false, fmt.Errorf("ticket store: edit scheduled: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

func (s *SQLStore) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*protocol.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE status = 'pending' AND schedule_date IS NOT NULL AND schedule_date <= ? AND is_deleted = 0
		ORDER BY schedule_date`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.listMessages(ctx, query, formatTime(now))
}

func (s *SQLStore) ListOffline(ctx context.Context, channelID string, maxAttempts, limit int) ([]*protocol.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE channel_id = ? AND from_me = 1 AND status = 'pending' AND schedule_date IS NULL
			AND message_id IS NULL AND is_deleted = 0 AND send_attempts < ?
		ORDER BY created_at`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.listMessages(ctx, query, channelID, maxAttempts)
}

func (s *SQLStore) ResetSending(ctx context.Context) (int64, error) {
	result, err := s.exec(ctx, s.db, `UPDATE messages SET status = 'pending', updated_at = ? WHERE status = 'sending'`,
		formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("ticket store: reset sending: %w", err)
	}
	return result.RowsAffected()
}

func scanMessage(row scannable) (*protocol.Message, error) {
	var m protocol.Message
	var nativeID, scheduleDate sql.NullString
	var status, created, updated string
	var ack int

	err := row.Scan(&m.ID, &m.TicketID, &m.TenantID, &m.ChannelID, &m.ContactID, &m.Body, &m.FromMe, &m.Read, &ack,
		&m.MediaType, &m.MediaURL, &nativeID, &m.QuotedMsgID, &scheduleDate, &status, &m.IsDeleted, &m.SendAttempts,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	m.Ack = protocol.Ack(ack)
	m.MessageID = nativeID.String
	m.ScheduleDate = parseTimePtr(scheduleDate)
	m.Status = protocol.SendStatus(status)
	m.CreatedAt = parseTime(created)
	m.UpdatedAt = parseTime(updated)
	return &m, nil
}
