// ABOUTME: Tests for macro, macro execution audit and routing rule store operations
// ABOUTME: Covers agent listing order, soft delete, counter increments and filters

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMacro(id, name, visibility, owner string, count int) *Macro {
	now := time.Now().UTC()
	return &Macro{
		ID:             id,
		Name:           name,
		Visibility:     visibility,
		OwnerAgentID:   owner,
		Actions:        []MacroAction{{ActionType: "add_tag", Params: map[string]any{"tag": "vip"}}},
		ExecutionCount: count,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestMacroStore_CreateGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	m := newTestMacro("m1", "Tag VIP", VisibilityShared, "agent-1", 0)
	require.NoError(t, s.CreateMacro(ctx, m))

	got, err := s.GetMacro(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Tag VIP", got.Name)
	require.Len(t, got.Actions, 1)
	assert.Equal(t, "add_tag", got.Actions[0].ActionType)
	assert.Equal(t, "vip", got.Actions[0].Params["tag"])
	assert.True(t, got.IsActive)

	_, err = s.GetMacro(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMacroStore_ListForAgent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateMacro(ctx, newTestMacro("m1", "Bravo", VisibilityShared, "agent-2", 5)))
	require.NoError(t, s.CreateMacro(ctx, newTestMacro("m2", "Alpha", VisibilityShared, "agent-2", 5)))
	require.NoError(t, s.CreateMacro(ctx, newTestMacro("m3", "Mine", VisibilityPersonal, "agent-1", 9)))
	require.NoError(t, s.CreateMacro(ctx, newTestMacro("m4", "Theirs", VisibilityPersonal, "agent-2", 50)))
	require.NoError(t, s.CreateMacro(ctx, newTestMacro("m5", "Zulu", VisibilityShared, "agent-3", 1)))

	macros, err := s.ListMacrosForAgent(ctx, "agent-1")
	require.NoError(t, err)

	var ids []string
	for _, m := range macros {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"m3", "m2", "m1", "m5"}, ids)
}

func TestMacroStore_Deactivate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateMacro(ctx, newTestMacro("m1", "Old", VisibilityShared, "agent-1", 0)))
	require.NoError(t, s.DeactivateMacro(ctx, "m1"))

	macros, err := s.ListMacrosForAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Empty(t, macros)

	got, err := s.GetMacro(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	assert.ErrorIs(t, s.DeactivateMacro(ctx, "missing"), ErrNotFound)
}

func TestMacroStore_UpdateKeepsCounter(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	m := newTestMacro("m1", "Old", VisibilityShared, "agent-1", 3)
	require.NoError(t, s.CreateMacro(ctx, m))

	m.Name = "New"
	m.ExecutionCount = 0
	m.UpdatedAt = time.Now().UTC()
	require.NoError(t, s.UpdateMacro(ctx, m))

	got, err := s.GetMacro(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "New", got.Name)
	assert.Equal(t, 3, got.ExecutionCount)
}

func TestMacroStore_RecordExecution(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateMacro(ctx, newTestMacro("m1", "Run", VisibilityShared, "agent-1", 0)))

	e := &MacroExecution{
		MacroID:         "m1",
		ConversationID:  "conv-1",
		ActorAgentID:    "agent-1",
		OK:              false,
		ActionsExecuted: 1,
		ActionsFailed:   1,
		ErrorDetail:     "1 action(s) failed",
	}
	require.NoError(t, s.RecordMacroExecution(ctx, e))
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.ExecutedAt.IsZero())

	got, err := s.GetMacro(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.ExecutionCount)

	entries, err := s.ListMacroExecutions(ctx, MacroExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "conv-1", entries[0].ConversationID)
	assert.Equal(t, 1, entries[0].ActionsFailed)
	assert.Equal(t, "1 action(s) failed", entries[0].ErrorDetail)
	assert.False(t, entries[0].OK)
}

func TestMacroStore_ListExecutions_Filter(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateMacro(ctx, newTestMacro("m1", "A", VisibilityShared, "agent-1", 0)))
	require.NoError(t, s.CreateMacro(ctx, newTestMacro("m2", "B", VisibilityShared, "agent-1", 0)))

	base := time.Now().UTC().Add(-time.Hour)
	for i, macroID := range []string{"m1", "m2", "m1"} {
		require.NoError(t, s.RecordMacroExecution(ctx, &MacroExecution{
			MacroID:        macroID,
			ConversationID: "conv-1",
			ActorAgentID:   "agent-1",
			OK:             true,
			ExecutedAt:     base.Add(time.Duration(i) * time.Minute),
		}))
	}

	macroID := "m1"
	entries, err := s.ListMacroExecutions(ctx, MacroExecutionFilter{MacroID: &macroID})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.True(t, entries[0].ExecutedAt.After(entries[1].ExecutedAt), "newest first")

	since := base.Add(30 * time.Second)
	entries, err = s.ListMacroExecutions(ctx, MacroExecutionFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = s.ListMacroExecutions(ctx, MacroExecutionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRoutingStore(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, s.CreateRoutingRule(ctx, &RoutingRule{ID: "r1", ChannelType: "email", AgentID: "agent-1", Priority: 1, CreatedAt: now}))
	require.NoError(t, s.CreateRoutingRule(ctx, &RoutingRule{ID: "r2", ChannelType: "email", ChannelTargetID: "inbox-a", AgentID: "agent-2", Priority: 5, CreatedAt: now}))
	require.NoError(t, s.CreateRoutingRule(ctx, &RoutingRule{ID: "r3", ChannelType: "whatsapp", AgentID: "agent-3", CreatedAt: now}))

	err := s.CreateRoutingRule(ctx, &RoutingRule{ID: "r4", ChannelType: "email", AgentID: "agent-1", CreatedAt: now})
	assert.ErrorIs(t, err, ErrDuplicateRoutingRule)

	rules, err := s.ListRoutingRules(ctx, "email")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "r2", rules[0].ID)

	require.NoError(t, s.DeleteRoutingRule(ctx, "r2"))
	assert.ErrorIs(t, s.DeleteRoutingRule(ctx, "r2"), ErrNotFound)
}
