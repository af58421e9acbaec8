package datastore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NicolasHaas/baccarat/pkg/model"
)

const defaultMessagePageSize = 100

func (s *baseProvider) CreateMessage(ctx context.Context, message *model.ChatMessage) error {
	if err := message.Validate(); err != nil {
		return fmt.Errorf("datastore: message failed validation: %w", err)
	}

	ts := message.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	err := s.queryRow(ctx,
		"INSERT INTO messages (sender_id, username, is_admin, body, created_at) VALUES (?, ?, ?, ?, ?) RETURNING id",
		message.SenderID, message.Username, boolInt(message.IsAdmin), message.Text, formatDBTime(ts)).Scan(&message.ID)
	if err != nil {
		return fmt.Errorf("datastore: create message: %w", err)
	}
	message.Timestamp = ts.UTC().Truncate(time.Millisecond)
	return nil
}

func (s *baseProvider) ListMessages(ctx context.Context, filters model.MessageFilters) ([]model.ChatMessage, error) {
	var (
		where []string
		args  []any
	)
	if filters.LimitToSenderID != nil {
		where = append(where, "sender_id = ?")
		args = append(args, *filters.LimitToSenderID)
	}

	limit := int64(defaultMessagePageSize)
	if filters.PageSize != nil && *filters.PageSize > 0 {
		limit = *filters.PageSize
	}
	var offset int64
	if filters.Offset != nil && *filters.Offset > 0 {
		offset = *filters.Offset
	}

	var b strings.Builder
	b.WriteString("SELECT id, sender_id, username, is_admin, body, created_at FROM messages")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("datastore: list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []model.ChatMessage
	for rows.Next() {
		var m model.ChatMessage
		var isAdmin int
		var createdAt string
		if err := rows.Scan(&m.ID, &m.SenderID, &m.Username, &isAdmin, &m.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan message: %w", err)
		}
		m.IsAdmin = isAdmin != 0
		parsed, err := parseDBTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan message: %w", err)
		}
		m.Timestamp = parsed
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *baseProvider) DeleteMessage(ctx context.Context, messageID int64) error {
	_, err := s.exec(ctx, "DELETE FROM messages WHERE id = ?", messageID)
	if err != nil {
		return fmt.Errorf("datastore: delete message: %w", err)
	}
	return nil
}
