// ABOUTME: Person and channel address persistence
// ABOUTME: A normalized (channel, address) pair belongs to exactly one person

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetPerson retrieves a person by ID.
// Returns ErrNotFound if the person doesn't exist.
func (s *SQLiteStore) GetPerson(ctx context.Context, id string) (*Person, error) {
	query := `SELECT id, display_name, created_at FROM people WHERE id = ?`
	return scanPerson(s.db.QueryRowContext(ctx, query, id))
}

// FindPersonByAddress returns the person owning a normalized channel address.
// Returns ErrNotFound if the address is unknown.
func (s *SQLiteStore) FindPersonByAddress(ctx context.Context, channelType, address string) (*Person, error) {
	query := `
		SELECT p.id, p.display_name, p.created_at
		FROM channel_addresses a
		JOIN people p ON p.id = a.person_id
		WHERE a.channel_type = ? AND a.address = ?
	`
	return scanPerson(s.db.QueryRowContext(ctx, query, channelType, address))
}

// CreatePersonWithAddress creates a person and their first channel address
// together. Returns ErrDuplicateAddress if another writer claimed the
// address first; neither row is written in that case.
func (s *SQLiteStore) CreatePersonWithAddress(ctx context.Context, p *Person, addr *ChannelAddress) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO people (id, display_name, created_at) VALUES (?, ?, ?)`,
		p.ID, p.DisplayName, formatTime(p.CreatedAt),
	); err != nil {
		return fmt.Errorf("inserting person: %w", err)
	}

	addr.PersonID = p.ID
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO channel_addresses (id, person_id, channel_type, address, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, addr.ID, addr.PersonID, addr.ChannelType, addr.Address, formatTime(addr.CreatedAt)); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateAddress
		}
		return fmt.Errorf("inserting channel address: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing person: %w", err)
	}

	s.logger.Debug("created person", "id", p.ID, "channel", addr.ChannelType)
	return nil
}

func scanPerson(row *sql.Row) (*Person, error) {
	var p Person
	var createdAt string
	err := row.Scan(&p.ID, &p.DisplayName, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning person: %w", err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &p, nil
}
