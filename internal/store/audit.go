// ABOUTME: Append-only macro execution audit log
// ABOUTME: Records who ran which macro on which conversation and how it went

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MacroExecution is one audit log row for a macro invocation.
type MacroExecution struct {
	ID              string    // UUID v4
	MacroID         string    // macro that ran
	ConversationID  string    // conversation it ran on
	ActorAgentID    string    // agent who triggered it
	OK              bool      // true if every action succeeded
	ActionsExecuted int       // actions that succeeded
	ActionsFailed   int       // actions that failed
	ErrorDetail     string    // summary when !OK
	ExecutedAt      time.Time // when it ran
}

// MacroExecutionFilter specifies filtering options for listing executions.
type MacroExecutionFilter struct {
	Since          *time.Time // entries after this time
	Until          *time.Time // entries before this time
	MacroID        *string    // filter by macro
	ConversationID *string    // filter by conversation
	ActorAgentID   *string    // filter by actor
	Limit          int        // max results (default 100, max 1000)
}

// RecordMacroExecution appends an audit row and increments the macro's
// execution counter in the same transaction, so each invocation is counted
// exactly once. Generates ID and ExecutedAt if not set.
func (s *SQLiteStore) RecordMacroExecution(ctx context.Context, e *MacroExecution) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.ExecutedAt.IsZero() {
		e.ExecutedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO macro_executions (id, macro_id, conversation_id, actor_agent_id, ok,
			actions_executed, actions_failed, error_detail, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.MacroID,
		e.ConversationID,
		e.ActorAgentID,
		boolInt(e.OK),
		e.ActionsExecuted,
		e.ActionsFailed,
		nullString(e.ErrorDetail),
		formatTime(e.ExecutedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting macro execution: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE macros SET execution_count = execution_count + 1 WHERE id = ?`, e.MacroID)
	if err != nil {
		return fmt.Errorf("incrementing execution count: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing macro execution: %w", err)
	}

	s.logger.Debug("recorded macro execution",
		"id", e.ID,
		"macro_id", e.MacroID,
		"conversation_id", e.ConversationID,
		"actor", e.ActorAgentID,
		"ok", e.OK,
	)
	return nil
}

const macroExecutionQuery = `
	SELECT id, macro_id, conversation_id, actor_agent_id, ok, actions_executed, actions_failed, error_detail, executed_at
	FROM macro_executions
	WHERE (? IS NULL OR executed_at >= ?)
	  AND (? IS NULL OR executed_at <= ?)
	  AND (? IS NULL OR macro_id = ?)
	  AND (? IS NULL OR conversation_id = ?)
	  AND (? IS NULL OR actor_agent_id = ?)
	ORDER BY executed_at DESC
	LIMIT ?
`

// ListMacroExecutions returns audit rows matching the filter, newest first.
func (s *SQLiteStore) ListMacroExecutions(ctx context.Context, f MacroExecutionFilter) ([]MacroExecution, error) {
	since := formatTimePtr(f.Since)
	until := formatTimePtr(f.Until)

	rows, err := s.db.QueryContext(ctx, macroExecutionQuery,
		since, since,
		until, until,
		f.MacroID, f.MacroID,
		f.ConversationID, f.ConversationID,
		f.ActorAgentID, f.ActorAgentID,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying macro executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []MacroExecution{}
	for rows.Next() {
		var e MacroExecution
		var ok int
		var detail sql.NullString
		var ts string
		if err := rows.Scan(&e.ID, &e.MacroID, &e.ConversationID, &e.ActorAgentID, &ok,
			&e.ActionsExecuted, &e.ActionsFailed, &detail, &ts); err != nil {
			return nil, fmt.Errorf("scanning macro execution: %w", err)
		}
		e.OK = ok != 0
		e.ErrorDetail = detail.String
		if e.ExecutedAt, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing executed_at: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating macro executions: %w", err)
	}
	return entries, nil
}
