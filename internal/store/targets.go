// ABOUTME: Channel target persistence, seeded from configuration at startup
// ABOUTME: Default target lookup per channel type

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const targetColumns = `id, channel_type, name, address, auth_config_json, metadata_json, is_default`

// UpsertChannelTarget inserts a target or replaces the stored copy with the same ID.
func (s *SQLiteStore) UpsertChannelTarget(ctx context.Context, t *ChannelTarget) error {
	auth, err := marshalMap(t.AuthConfig)
	if err != nil {
		return fmt.Errorf("marshaling auth config: %w", err)
	}
	meta, err := marshalMap(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling target metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO channel_targets (`+targetColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			channel_type = excluded.channel_type,
			name = excluded.name,
			address = excluded.address,
			auth_config_json = excluded.auth_config_json,
			metadata_json = excluded.metadata_json,
			is_default = excluded.is_default,
			updated_at = excluded.updated_at
	`, t.ID, t.ChannelType, t.Name, t.Address, auth, meta, boolInt(t.IsDefault), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upserting channel target: %w", err)
	}

	s.logger.Debug("upserted channel target", "id", t.ID, "channel", t.ChannelType)
	return nil
}

// GetChannelTarget retrieves a target by ID.
// Returns ErrNotFound if the target doesn't exist.
func (s *SQLiteStore) GetChannelTarget(ctx context.Context, id string) (*ChannelTarget, error) {
	query := `SELECT ` + targetColumns + ` FROM channel_targets WHERE id = ?`
	return scanTarget(s.db.QueryRowContext(ctx, query, id))
}

// DefaultChannelTarget returns the target flagged as default for a channel,
// or the first configured target of that channel if none is flagged.
// Returns ErrNotFound if the channel has no targets.
func (s *SQLiteStore) DefaultChannelTarget(ctx context.Context, channelType string) (*ChannelTarget, error) {
	query := `SELECT ` + targetColumns + `
		FROM channel_targets
		WHERE channel_type = ?
		ORDER BY is_default DESC, id ASC
		LIMIT 1
	`
	return scanTarget(s.db.QueryRowContext(ctx, query, channelType))
}

// ListChannelTargets returns all targets ordered by channel then ID.
func (s *SQLiteStore) ListChannelTargets(ctx context.Context) ([]*ChannelTarget, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+targetColumns+` FROM channel_targets ORDER BY channel_type, id`)
	if err != nil {
		return nil, fmt.Errorf("querying channel targets: %w", err)
	}
	defer rows.Close()

	var targets []*ChannelTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating channel target rows: %w", err)
	}
	return targets, nil
}

func scanTarget(scanner interface{ Scan(dest ...any) error }) (*ChannelTarget, error) {
	var t ChannelTarget
	var auth, meta sql.NullString
	var isDefault int

	err := scanner.Scan(&t.ID, &t.ChannelType, &t.Name, &t.Address, &auth, &meta, &isDefault)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning channel target: %w", err)
	}

	t.IsDefault = isDefault != 0
	if t.AuthConfig, err = unmarshalMap(auth); err != nil {
		return nil, fmt.Errorf("unmarshaling auth config: %w", err)
	}
	if t.Metadata, err = unmarshalMap(meta); err != nil {
		return nil, fmt.Errorf("unmarshaling target metadata: %w", err)
	}
	return &t, nil
}
