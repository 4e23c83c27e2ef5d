package ticket

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/h1v3-io/inbox/pkg/protocol"
)

const contactColumns = `id, tenant_id, number, name, is_group, created_at, updated_at`

func (s *SQLStore) UpsertContact(ctx context.Context, c *protocol.Contact) (*protocol.Contact, error) {
	if c.TenantID == "" || c.Number == "" {
		return nil, fmt.Errorf("ticket store: upsert contact: tenant and number are required: %w", protocol.ErrValidation)
	}
	now := time.Now()
	id := c.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.exec(ctx, s.db, `
		INSERT INTO contacts (id, tenant_id, number, name, is_group, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, number) DO UPDATE SET
			name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE contacts.name END,
			is_group = excluded.is_group,
			updated_at = excluded.updated_at
	`, id, c.TenantID, c.Number, c.Name, boolInt(c.IsGroup), formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("ticket store: upsert contact: %w", err)
	}

	row := s.queryRow(ctx, s.db, `SELECT `+contactColumns+` FROM contacts WHERE tenant_id = ? AND number = ?`, c.TenantID, c.Number)
	out, err := scanContact(row)
	if err != nil {
		return nil, fmt.Errorf("ticket store: upsert contact: reload: %w", err)
	}
	return out, nil
}

func (s *SQLStore) GetContact(ctx context.Context, id string) (*protocol.Contact, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id)
	c, err := scanContact(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("contact", id)
		}
		return nil, fmt.Errorf("ticket store: get contact: %w", err)
	}
	return c, nil
}

func scanContact(row scannable) (*protocol.Contact, error) {
	var c protocol.Contact
	var created, updated string
	if err := row.Scan(&c.ID, &c.TenantID, &c.Number, &c.Name, &c.IsGroup, &created, &updated); err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}
