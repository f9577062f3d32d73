// ABOUTME: Message persistence with external-id uniqueness per channel target
// ABOUTME: Duplicate lookups, last inbound message and per-conversation history

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const messageColumns = `
	id, conversation_id, channel_type, direction, status, external_id, reply_to_message_id,
	channel_target_id, contact_address, subject, body, metadata_json, sent_at, received_at, created_at
`

// CreateMessage saves a message outside of a transaction.
// Returns ErrDuplicateMessage if the external id is already stored for the target.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) error {
	if err := insertMessage(ctx, s.db, msg); err != nil {
		return err
	}
	s.logger.Debug("saved message", "id", msg.ID, "conversation_id", msg.ConversationID, "direction", msg.Direction)
	return nil
}

func insertMessage(ctx context.Context, q queryer, msg *Message) error {
	meta, err := marshalMap(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling message metadata: %w", err)
	}

	query := `
		INSERT INTO messages (` + messageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = q.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.ChannelType,
		msg.Direction,
		msg.Status,
		msg.ExternalID,
		nullString(msg.ReplyToMessageID),
		msg.ChannelTargetID,
		msg.ContactAddress,
		msg.Subject,
		msg.Body,
		meta,
		formatTimePtr(msg.SentAt),
		formatTimePtr(msg.ReceivedAt),
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by ID.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = ?`
	return scanMessage(s.db.QueryRowContext(ctx, query, id))
}

// FindMessageByExternalID looks up a previously stored message by external
// id. When acrossTargets is false the match is scoped to channelTargetID.
// Returns ErrNotFound if there is no match.
func (s *SQLiteStore) FindMessageByExternalID(ctx context.Context, externalID, channelTargetID string, acrossTargets bool) (*Message, error) {
	return findMessageByExternalID(ctx, s.db, externalID, channelTargetID, acrossTargets)
}

func findMessageByExternalID(ctx context.Context, q queryer, externalID, channelTargetID string, acrossTargets bool) (*Message, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	if acrossTargets {
		query := `SELECT ` + messageColumns + ` FROM messages WHERE external_id = ? ORDER BY created_at ASC LIMIT 1`
		return scanMessage(q.QueryRowContext(ctx, query, externalID))
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE external_id = ? AND channel_target_id = ?`
	return scanMessage(q.QueryRowContext(ctx, query, externalID, channelTargetID))
}

// LastInboundMessage returns the most recent inbound message of a conversation.
// Returns ErrNotFound if the conversation has none.
func (s *SQLiteStore) LastInboundMessage(ctx context.Context, conversationID string) (*Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = ? AND direction = 'inbound'
		ORDER BY received_at DESC, created_at DESC
		LIMIT 1
	`
	return scanMessage(s.db.QueryRowContext(ctx, query, conversationID))
}

// ListMessages retrieves messages for a conversation, limited to the most
// recent `limit` messages, returned oldest first. If limit is 0 or negative,
// all messages are returned.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	var query string
	var args []any

	if limit > 0 {
		query = `
			SELECT ` + messageColumns + ` FROM (
				SELECT * FROM messages
				WHERE conversation_id = ?
				ORDER BY created_at DESC
				LIMIT ?
			)
			ORDER BY created_at ASC
		`
		args = []any{conversationID, limit}
	} else {
		query = `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? ORDER BY created_at ASC`
		args = []any{conversationID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

func scanMessage(scanner interface{ Scan(dest ...any) error }) (*Message, error) {
	var m Message
	var replyTo, meta, sentAt, receivedAt sql.NullString
	var createdAt string

	err := scanner.Scan(
		&m.ID,
		&m.ConversationID,
		&m.ChannelType,
		&m.Direction,
		&m.Status,
		&m.ExternalID,
		&replyTo,
		&m.ChannelTargetID,
		&m.ContactAddress,
		&m.Subject,
		&m.Body,
		&meta,
		&sentAt,
		&receivedAt,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	m.ReplyToMessageID = replyTo.String
	if m.Metadata, err = unmarshalMap(meta); err != nil {
		return nil, fmt.Errorf("unmarshaling message metadata: %w", err)
	}
	if m.SentAt, err = parseNullTime(sentAt); err != nil {
		return nil, fmt.Errorf("parsing sent_at: %w", err)
	}
	if m.ReceivedAt, err = parseNullTime(receivedAt); err != nil {
		return nil, fmt.Errorf("parsing received_at: %w", err)
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &m, nil
}
