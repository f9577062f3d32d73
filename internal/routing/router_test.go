// ABOUTME: Tests for routing rule matching and assignment
// ABOUTME: Priority order, wildcard targets and already-assigned conversations

package routing

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-inbox/internal/store"
)

func setup(t *testing.T) (*store.SQLiteStore, *Router, *store.Conversation) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "routing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	now := time.Now().UTC()
	p := &store.Person{ID: uuid.New().String(), CreatedAt: now}
	require.NoError(t, s.CreatePersonWithAddress(ctx, p, &store.ChannelAddress{
		ID: uuid.New().String(), ChannelType: "whatsapp", Address: "+15550001", CreatedAt: now,
	}))
	conv := &store.Conversation{
		ID: uuid.New().String(), PersonID: p.ID, ChannelType: "whatsapp",
		Status: "open", IsActive: true, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateConversation(ctx, conv))
	return s, New(s, nil), conv
}

func addRule(t *testing.T, s *store.SQLiteStore, target, agent string, priority int) {
	t.Helper()
	require.NoError(t, s.CreateRoutingRule(context.Background(), &store.RoutingRule{
		ID:              uuid.New().String(),
		ChannelType:     "whatsapp",
		ChannelTargetID: target,
		AgentID:         agent,
		Priority:        priority,
		CreatedAt:       time.Now().UTC(),
	}))
}

func TestRoute_TargetRuleBeatsWildcard(t *testing.T) {
	s, r, conv := setup(t)
	addRule(t, s, "", "agent-any", 100)
	addRule(t, s, "wa-1", "agent-low", 1)
	addRule(t, s, "wa-1", "agent-high", 5)

	agent, err := r.Route(context.Background(), conv, &store.Message{ChannelTargetID: "wa-1"})
	require.NoError(t, err)
	assert.Equal(t, "agent-high", agent)

	stored, err := s.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent-high", stored.AssignedAgentID)
}

func TestRoute_FallsBackToWildcard(t *testing.T) {
	s, r, conv := setup(t)
	addRule(t, s, "", "agent-any", 0)
	addRule(t, s, "wa-1", "agent-1", 5)

	agent, err := r.Route(context.Background(), conv, &store.Message{ChannelTargetID: "wa-2"})
	require.NoError(t, err)
	assert.Equal(t, "agent-any", agent)
}

func TestRoute_KeepsExistingAssignment(t *testing.T) {
	s, r, conv := setup(t)
	addRule(t, s, "", "agent-any", 0)
	require.NoError(t, r.Assign(context.Background(), conv, "agent-owner"))

	agent, err := r.Route(context.Background(), conv, &store.Message{})
	require.NoError(t, err)
	assert.Equal(t, "agent-owner", agent)
}

func TestRoute_NoRules(t *testing.T) {
	_, r, conv := setup(t)
	agent, err := r.Route(context.Background(), conv, &store.Message{})
	require.NoError(t, err)
	assert.Empty(t, agent)
	assert.Empty(t, conv.AssignedAgentID)
}

func TestAssign_KeepsOtherColumns(t *testing.T) {
	s, r, conv := setup(t)
	ctx := context.Background()

	lastMsg := time.Now().UTC().Add(time.Minute)
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		return tx.TouchConversation(ctx, conv.ID, lastMsg)
	}))
	require.NoError(t, s.UpdateConversationState(ctx, store.ConversationState{
		ID: conv.ID, FromStatus: "open", Status: "resolved", UpdatedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.SetConversationActive(ctx, conv.ID, false, time.Now().UTC()))

	// conv is a stale copy: open, active and without last_message_at.
	require.NoError(t, r.Assign(ctx, conv, "agent-7"))
	assert.Equal(t, "agent-7", conv.AssignedAgentID)

	stored, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent-7", stored.AssignedAgentID)
	assert.Equal(t, "resolved", stored.Status)
	assert.False(t, stored.IsActive)
	require.NotNil(t, stored.LastMessageAt)
	assert.True(t, lastMsg.Equal(*stored.LastMessageAt))
}
