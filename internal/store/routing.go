// ABOUTME: Routing rule entity and store methods for channel-to-agent assignment
// ABOUTME: Rules map (channel_type, channel_target_id) to an agent with a priority

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrDuplicateRoutingRule is returned when the same channel/target/agent rule exists.
var ErrDuplicateRoutingRule = errors.New("duplicate channel_type+channel_target_id+agent_id combination")

// RoutingRule assigns new conversations on a channel (optionally a single
// target) to an agent. An empty ChannelTargetID matches every target.
type RoutingRule struct {
	ID              string    // UUID v4
	ChannelType     string    // "email", "whatsapp"
	ChannelTargetID string    // empty for a channel-wide rule
	AgentID         string    // agent receiving assignments
	Priority        int       // higher wins
	CreatedAt       time.Time // when the rule was created
}

// CreateRoutingRule inserts a routing rule.
func (s *SQLiteStore) CreateRoutingRule(ctx context.Context, r *RoutingRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO routing_rules (id, channel_type, channel_target_id, agent_id, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.ChannelType, r.ChannelTargetID, r.AgentID, r.Priority, formatTime(r.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRoutingRule
		}
		return fmt.Errorf("inserting routing rule: %w", err)
	}

	s.logger.Debug("created routing rule", "id", r.ID, "channel", r.ChannelType, "agent", r.AgentID)
	return nil
}

// ListRoutingRules returns the rules for a channel, highest priority first.
func (s *SQLiteStore) ListRoutingRules(ctx context.Context, channelType string) ([]*RoutingRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_type, channel_target_id, agent_id, priority, created_at
		FROM routing_rules
		WHERE channel_type = ?
		ORDER BY priority DESC, created_at ASC
	`, channelType)
	if err != nil {
		return nil, fmt.Errorf("querying routing rules: %w", err)
	}
	defer rows.Close()

	var rules []*RoutingRule
	for rows.Next() {
		var r RoutingRule
		var createdAt string
		if err := rows.Scan(&r.ID, &r.ChannelType, &r.ChannelTargetID, &r.AgentID, &r.Priority, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning routing rule: %w", err)
		}
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		rules = append(rules, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating routing rule rows: %w", err)
	}
	return rules, nil
}

// DeleteRoutingRule removes a rule.
// Returns ErrNotFound if the rule doesn't exist.
func (s *SQLiteStore) DeleteRoutingRule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM routing_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting routing rule: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	s.logger.Debug("deleted routing rule", "id", id)
	return nil
}
