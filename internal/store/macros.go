// ABOUTME: Macro persistence with soft delete
// ABOUTME: Agent listing merges own personal macros with all shared macros

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const macroColumns = `id, name, description, visibility, owner_agent_id, actions_json, execution_count, is_active, created_at, updated_at`

// CreateMacro inserts a new macro. Actions must already be validated.
func (s *SQLiteStore) CreateMacro(ctx context.Context, m *Macro) error {
	actions, err := json.Marshal(m.Actions)
	if err != nil {
		return fmt.Errorf("marshaling macro actions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO macros (`+macroColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID,
		m.Name,
		m.Description,
		m.Visibility,
		m.OwnerAgentID,
		string(actions),
		m.ExecutionCount,
		boolInt(m.IsActive),
		formatTime(m.CreatedAt),
		formatTime(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting macro: %w", err)
	}

	s.logger.Debug("created macro", "id", m.ID, "name", m.Name, "visibility", m.Visibility)
	return nil
}

// UpdateMacro replaces a macro's editable fields. The execution counter is
// left alone. Returns ErrNotFound if the macro doesn't exist.
func (s *SQLiteStore) UpdateMacro(ctx context.Context, m *Macro) error {
	actions, err := json.Marshal(m.Actions)
	if err != nil {
		return fmt.Errorf("marshaling macro actions: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE macros
		SET name = ?, description = ?, visibility = ?, actions_json = ?, is_active = ?, updated_at = ?
		WHERE id = ?
	`, m.Name, m.Description, m.Visibility, string(actions), boolInt(m.IsActive), formatTime(m.UpdatedAt), m.ID)
	if err != nil {
		return fmt.Errorf("updating macro: %w", err)
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

// GetMacro retrieves a macro by ID, including inactive ones.
// Returns ErrNotFound if the macro doesn't exist.
func (s *SQLiteStore) GetMacro(ctx context.Context, id string) (*Macro, error) {
	query := `SELECT ` + macroColumns + ` FROM macros WHERE id = ?`
	return scanMacro(s.db.QueryRowContext(ctx, query, id))
}

// ListMacrosForAgent returns the agent's active personal macros and every
// active shared macro, ordered by execution count descending then name.
func (s *SQLiteStore) ListMacrosForAgent(ctx context.Context, agentID string) ([]*Macro, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+macroColumns+`
		FROM macros
		WHERE is_active = 1
		  AND (visibility = 'shared' OR (visibility = 'personal' AND owner_agent_id = ?))
		ORDER BY execution_count DESC, name ASC
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying macros: %w", err)
	}
	defer rows.Close()

	macros := []*Macro{}
	for rows.Next() {
		m, err := scanMacro(rows)
		if err != nil {
			return nil, err
		}
		macros = append(macros, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating macro rows: %w", err)
	}
	return macros, nil
}

// DeactivateMacro soft-deletes a macro so its execution history stays attributable.
// Returns ErrNotFound if the macro doesn't exist.
func (s *SQLiteStore) DeactivateMacro(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE macros SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivating macro: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	s.logger.Debug("deactivated macro", "id", id)
	return nil
}

func scanMacro(scanner interface{ Scan(dest ...any) error }) (*Macro, error) {
	var m Macro
	var actions, createdAt, updatedAt string
	var isActive int

	err := scanner.Scan(
		&m.ID,
		&m.Name,
		&m.Description,
		&m.Visibility,
		&m.OwnerAgentID,
		&actions,
		&m.ExecutionCount,
		&isActive,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning macro: %w", err)
	}

	m.IsActive = isActive != 0
	if err := json.Unmarshal([]byte(actions), &m.Actions); err != nil {
		return nil, fmt.Errorf("unmarshaling macro actions: %w", err)
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &m, nil
}
