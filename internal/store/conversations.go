// ABOUTME: Conversation, tag and note persistence
// ABOUTME: Open-family lookup, listing for the inbox, snooze due queries

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const conversationColumns = `
	c.id, c.person_id, c.channel_type, c.status, c.is_active, c.assigned_agent_id,
	c.snoozed_until, c.last_message_at, c.metadata_json, c.created_at, c.updated_at,
	(SELECT group_concat(t.tag, char(31)) FROM conversation_tags t WHERE t.conversation_id = c.id)
`

// CreateConversation inserts a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, c *Conversation) error {
	meta, err := marshalMap(c.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling conversation metadata: %w", err)
	}

	query := `
		INSERT INTO conversations (id, person_id, channel_type, status, is_active, assigned_agent_id,
			snoozed_until, last_message_at, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		c.ID,
		c.PersonID,
		c.ChannelType,
		c.Status,
		boolInt(c.IsActive),
		nullString(c.AssignedAgentID),
		formatTimePtr(c.SnoozedUntil),
		formatTimePtr(c.LastMessageAt),
		meta,
		formatTime(c.CreatedAt),
		formatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", c.ID, "person_id", c.PersonID, "channel", c.ChannelType)
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations c WHERE c.id = ?`
	return scanConversation(s.db.QueryRowContext(ctx, query, id))
}

// FindOpenConversation returns the most recently updated conversation in
// the open family (open, pending, snoozed) for a person on a channel.
// Returns ErrNotFound if there is none.
func (s *SQLiteStore) FindOpenConversation(ctx context.Context, personID, channelType string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + `
		FROM conversations c
		WHERE c.person_id = ? AND c.channel_type = ?
		  AND c.status IN ('open', 'pending', 'snoozed')
		ORDER BY c.updated_at DESC
		LIMIT 1
	`
	return scanConversation(s.db.QueryRowContext(ctx, query, personID, channelType))
}

// UpdateConversationState stores a status change if the conversation is
// still in u.FromStatus. Returns ErrConversationChanged when another writer
// moved it first and ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) UpdateConversationState(ctx context.Context, u ConversationState) error {
	var active any
	if u.IsActive != nil {
		active = boolInt(*u.IsActive)
	}
	ts := formatTime(u.UpdatedAt)

	query := `
		UPDATE conversations
		SET status = ?, is_active = COALESCE(?, is_active), snoozed_until = ?,
		    updated_at = CASE WHEN updated_at < ? THEN ? ELSE updated_at END
		WHERE id = ? AND status = ?
		  AND (? IS NULL OR (snoozed_until IS NOT NULL AND snoozed_until <= ?))
	`
	dueBy := formatTimePtr(u.SnoozeDueBy)
	result, err := s.db.ExecContext(ctx, query,
		u.Status,
		active,
		formatTimePtr(u.SnoozedUntil),
		ts, ts,
		u.ID,
		u.FromStatus,
		dueBy, dueBy,
	)
	if err != nil {
		return fmt.Errorf("updating conversation state: %w", err)
	}
	return s.checkConversationWrite(ctx, result, u.ID)
}

// AssignConversation sets the assigned agent. An empty agentID unassigns.
func (s *SQLiteStore) AssignConversation(ctx context.Context, id, agentID string, at time.Time) error {
	ts := formatTime(at)
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET assigned_agent_id = ?,
		    updated_at = CASE WHEN updated_at < ? THEN ? ELSE updated_at END
		WHERE id = ?
	`, nullString(agentID), ts, ts, id)
	if err != nil {
		return fmt.Errorf("assigning conversation: %w", err)
	}
	return requireRow(result)
}

// SetConversationActive sets the visibility flag without touching status.
func (s *SQLiteStore) SetConversationActive(ctx context.Context, id string, active bool, at time.Time) error {
	ts := formatTime(at)
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET is_active = ?,
		    updated_at = CASE WHEN updated_at < ? THEN ? ELSE updated_at END
		WHERE id = ?
	`, boolInt(active), ts, ts, id)
	if err != nil {
		return fmt.Errorf("updating conversation active flag: %w", err)
	}
	return requireRow(result)
}

// UpdateConversationMetadata reads the stored metadata, passes a copy to fn
// and writes fn's result back in one transaction. It returns the stored map.
func (s *SQLiteStore) UpdateConversationMetadata(ctx context.Context, id string, at time.Time, fn func(map[string]any) map[string]any) (map[string]any, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT metadata_json FROM conversations WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation metadata: %w", err)
	}
	current, err := unmarshalMap(raw)
	if err != nil {
		return nil, fmt.Errorf("unmarshaling conversation metadata: %w", err)
	}
	if current == nil {
		current = map[string]any{}
	}

	next := fn(current)
	meta, err := marshalMap(next)
	if err != nil {
		return nil, fmt.Errorf("marshaling conversation metadata: %w", err)
	}
	ts := formatTime(at)
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET metadata_json = ?,
		    updated_at = CASE WHEN updated_at < ? THEN ? ELSE updated_at END
		WHERE id = ?
	`, meta, ts, ts, id); err != nil {
		return nil, fmt.Errorf("updating conversation metadata: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return next, nil
}

// checkConversationWrite tells a lost compare-and-swap apart from a
// missing row.
func (s *SQLiteStore) checkConversationWrite(ctx context.Context, result sql.Result, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking conversation: %w", err)
	}
	return ErrConversationChanged
}

func requireRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// touchConversation moves last_message_at and updated_at forward to at.
func touchConversation(ctx context.Context, q queryer, id string, at time.Time) error {
	ts := formatTime(at)
	result, err := q.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_at = CASE WHEN last_message_at IS NULL OR last_message_at < ? THEN ? ELSE last_message_at END,
		    updated_at = CASE WHEN updated_at < ? THEN ? ELSE updated_at END
		WHERE id = ?
	`, ts, ts, ts, ts, id)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

const listConversationsQuery = `
	SELECT ` + conversationColumns + `
	FROM conversations c
	WHERE (? IS NULL OR c.status = ?)
	  AND (? IS NULL OR c.channel_type = ?)
	  AND (? IS NULL OR c.assigned_agent_id = ?)
	  AND (? = 0 OR c.is_active = 1)
	ORDER BY c.updated_at DESC
	LIMIT ?
`

// ListConversations returns conversations matching the filter, most
// recently updated first.
func (s *SQLiteStore) ListConversations(ctx context.Context, f ConversationFilter) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, listConversationsQuery,
		f.Status, f.Status,
		f.ChannelType, f.ChannelType,
		f.AssignedAgentID, f.AssignedAgentID,
		boolInt(f.ActiveOnly),
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	return collectConversations(rows)
}

// ListDueSnoozed returns snoozed conversations whose snooze has elapsed at now.
func (s *SQLiteStore) ListDueSnoozed(ctx context.Context, now time.Time) ([]*Conversation, error) {
	query := `SELECT ` + conversationColumns + `
		FROM conversations c
		WHERE c.status = 'snoozed' AND c.snoozed_until IS NOT NULL AND c.snoozed_until <= ?
		ORDER BY c.snoozed_until ASC
	`
	rows, err := s.db.QueryContext(ctx, query, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("querying snoozed conversations: %w", err)
	}
	return collectConversations(rows)
}

func collectConversations(rows *sql.Rows) ([]*Conversation, error) {
	defer rows.Close()

	convs := []*Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return convs, nil
}

func scanConversation(scanner interface{ Scan(dest ...any) error }) (*Conversation, error) {
	var c Conversation
	var isActive int
	var assigned, snoozed, lastMsg, meta, tags sql.NullString
	var createdAt, updatedAt string

	err := scanner.Scan(
		&c.ID,
		&c.PersonID,
		&c.ChannelType,
		&c.Status,
		&isActive,
		&assigned,
		&snoozed,
		&lastMsg,
		&meta,
		&createdAt,
		&updatedAt,
		&tags,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	c.IsActive = isActive != 0
	c.AssignedAgentID = assigned.String
	if c.SnoozedUntil, err = parseNullTime(snoozed); err != nil {
		return nil, fmt.Errorf("parsing snoozed_until: %w", err)
	}
	if c.LastMessageAt, err = parseNullTime(lastMsg); err != nil {
		return nil, fmt.Errorf("parsing last_message_at: %w", err)
	}
	if c.Metadata, err = unmarshalMap(meta); err != nil {
		return nil, fmt.Errorf("unmarshaling conversation metadata: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if tags.Valid && tags.String != "" {
		c.Tags = strings.Split(tags.String, "\x1f")
		sort.Strings(c.Tags)
	}
	return &c, nil
}

// AddTag attaches a tag to a conversation. Adding an existing tag is a no-op.
func (s *SQLiteStore) AddTag(ctx context.Context, conversationID, tag string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversation_tags (conversation_id, tag, created_at)
		VALUES (?, ?, ?)
	`, conversationID, tag, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("adding tag: %w", err)
	}
	return nil
}

// RemoveTag detaches a tag. Removing an absent tag is a no-op.
func (s *SQLiteStore) RemoveTag(ctx context.Context, conversationID, tag string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_tags WHERE conversation_id = ? AND tag = ?`,
		conversationID, tag)
	if err != nil {
		return fmt.Errorf("removing tag: %w", err)
	}
	return nil
}

// CreateNote stores an internal note on a conversation.
func (s *SQLiteStore) CreateNote(ctx context.Context, n *Note) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (id, conversation_id, author_agent_id, body, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, n.ID, n.ConversationID, n.AuthorAgentID, n.Body, formatTime(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting note: %w", err)
	}
	return nil
}

// ListNotes returns a conversation's notes, oldest first.
func (s *SQLiteStore) ListNotes(ctx context.Context, conversationID string) ([]*Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, author_agent_id, body, created_at
		FROM notes
		WHERE conversation_id = ?
		ORDER BY created_at ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying notes: %w", err)
	}
	defer rows.Close()

	var notes []*Note
	for rows.Next() {
		var n Note
		var createdAt string
		if err := rows.Scan(&n.ID, &n.ConversationID, &n.AuthorAgentID, &n.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning note row: %w", err)
		}
		if n.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		notes = append(notes, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating note rows: %w", err)
	}
	return notes, nil
}
