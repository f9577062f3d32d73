// ABOUTME: Tests for the SQLite store: people, conversations, messages, targets
// ABOUTME: Unique external ids, the message transaction and filters

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func createTestPerson(t *testing.T, s *SQLiteStore, channel, address string) *Person {
	t.Helper()
	now := time.Now().UTC()
	p := &Person{ID: uuid.New().String(), DisplayName: address, CreatedAt: now}
	addr := &ChannelAddress{ID: uuid.New().String(), ChannelType: channel, Address: address, CreatedAt: now}
	require.NoError(t, s.CreatePersonWithAddress(context.Background(), p, addr))
	return p
}

func createTestConversation(t *testing.T, s *SQLiteStore, personID, channel, status string, updated time.Time) *Conversation {
	t.Helper()
	c := &Conversation{
		ID:          uuid.New().String(),
		PersonID:    personID,
		ChannelType: channel,
		Status:      status,
		IsActive:    true,
		CreatedAt:   updated,
		UpdatedAt:   updated,
	}
	require.NoError(t, s.CreateConversation(context.Background(), c))
	return c
}

func touchTestConversation(t *testing.T, s *SQLiteStore, id string, at time.Time) {
	t.Helper()
	require.NoError(t, s.WithTx(context.Background(), func(tx Tx) error {
		return tx.TouchConversation(context.Background(), id, at)
	}))
}

func inboundMessage(convID, externalID, targetID string, at time.Time) *Message {
	return &Message{
		ID:              uuid.New().String(),
		ConversationID:  convID,
		ChannelType:     "email",
		Direction:       DirectionInbound,
		Status:          MessageStatusReceived,
		ExternalID:      externalID,
		ChannelTargetID: targetID,
		Body:            "hello",
		ReceivedAt:      &at,
		CreatedAt:       at,
	}
}

func TestStore_PersonByAddress(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := createTestPerson(t, s, "email", "alice@example.com")

	found, err := s.FindPersonByAddress(ctx, "email", "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, p.ID, found.ID)

	_, err = s.FindPersonByAddress(ctx, "whatsapp", "alice@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_CreatePersonWithAddress_Duplicate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	createTestPerson(t, s, "email", "alice@example.com")

	p := &Person{ID: uuid.New().String(), CreatedAt: time.Now()}
	addr := &ChannelAddress{ID: uuid.New().String(), ChannelType: "email", Address: "alice@example.com", CreatedAt: time.Now()}
	err := s.CreatePersonWithAddress(ctx, p, addr)
	assert.ErrorIs(t, err, ErrDuplicateAddress)

	// the losing person row must not be left behind
	_, err = s.GetPerson(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Conversation_RoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := createTestPerson(t, s, "email", "alice@example.com")
	now := time.Now().UTC()
	c := createTestConversation(t, s, p.ID, "email", "open", now)

	snooze := now.Add(time.Hour)
	require.NoError(t, s.UpdateConversationState(ctx, ConversationState{
		ID: c.ID, FromStatus: "open", Status: "snoozed", SnoozedUntil: &snooze, UpdatedAt: now.Add(time.Second),
	}))
	require.NoError(t, s.AssignConversation(ctx, c.ID, "agent-1", now.Add(time.Second)))
	warnings := map[string]any{"warnings": []any{map[string]any{"type": "email_reply_without_headers"}}}
	_, err := s.UpdateConversationMetadata(ctx, c.ID, now.Add(time.Second), func(map[string]any) map[string]any {
		return warnings
	})
	require.NoError(t, err)

	got, err := s.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "snoozed", got.Status)
	assert.Equal(t, "agent-1", got.AssignedAgentID)
	require.NotNil(t, got.SnoozedUntil)
	assert.True(t, snooze.Equal(*got.SnoozedUntil))
	assert.Equal(t, warnings, got.Metadata)
	assert.True(t, got.IsActive)
}

func TestStore_ConversationWrites_NotFound(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	err := s.UpdateConversationState(ctx, ConversationState{ID: "missing", FromStatus: "open", Status: "pending", UpdatedAt: now})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.AssignConversation(ctx, "missing", "agent-1", now), ErrNotFound)
	assert.ErrorIs(t, s.SetConversationActive(ctx, "missing", false, now), ErrNotFound)
	_, err = s.UpdateConversationMetadata(ctx, "missing", now, func(m map[string]any) map[string]any { return m })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UpdateConversationState_StaleFromStatus(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := createTestPerson(t, s, "email", "alice@example.com")
	now := time.Now().UTC()
	c := createTestConversation(t, s, p.ID, "email", "open", now)

	require.NoError(t, s.UpdateConversationState(ctx, ConversationState{
		ID: c.ID, FromStatus: "open", Status: "resolved", UpdatedAt: now.Add(time.Second),
	}))
	lastMsg := now.Add(2 * time.Second)
	touchTestConversation(t, s, c.ID, lastMsg)

	// A writer still holding the open snapshot loses.
	err := s.UpdateConversationState(ctx, ConversationState{
		ID: c.ID, FromStatus: "open", Status: "pending", UpdatedAt: now.Add(3 * time.Second),
	})
	assert.ErrorIs(t, err, ErrConversationChanged)

	got, err := s.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "resolved", got.Status)
	require.NotNil(t, got.LastMessageAt)
	assert.True(t, lastMsg.Equal(*got.LastMessageAt))
}

func TestStore_TargetedWritesKeepOtherColumns(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := createTestPerson(t, s, "email", "alice@example.com")
	now := time.Now().UTC()
	c := createTestConversation(t, s, p.ID, "email", "pending", now)

	lastMsg := now.Add(time.Minute)
	touchTestConversation(t, s, c.ID, lastMsg)
	require.NoError(t, s.AssignConversation(ctx, c.ID, "agent-1", now.Add(time.Second)))
	require.NoError(t, s.SetConversationActive(ctx, c.ID, false, now.Add(time.Second)))
	_, err := s.UpdateConversationMetadata(ctx, c.ID, now.Add(time.Second), func(m map[string]any) map[string]any {
		m["note"] = "x"
		return m
	})
	require.NoError(t, err)

	got, err := s.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", got.Status)
	assert.Equal(t, "agent-1", got.AssignedAgentID)
	assert.False(t, got.IsActive)
	assert.Equal(t, "x", got.Metadata["note"])
	require.NotNil(t, got.LastMessageAt)
	assert.True(t, lastMsg.Equal(*got.LastMessageAt))
	assert.True(t, lastMsg.Equal(got.UpdatedAt), "updated_at never moves backwards")
}

func TestStore_FindOpenConversation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := createTestPerson(t, s, "email", "alice@example.com")
	base := time.Now().UTC()

	createTestConversation(t, s, p.ID, "email", "resolved", base.Add(3*time.Second))
	older := createTestConversation(t, s, p.ID, "email", "open", base)
	newer := createTestConversation(t, s, p.ID, "email", "pending", base.Add(time.Second))
	createTestConversation(t, s, p.ID, "whatsapp", "open", base.Add(2*time.Second))

	got, err := s.FindOpenConversation(ctx, p.ID, "email")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)
	assert.NotEqual(t, older.ID, got.ID)

	_, err = s.FindOpenConversation(ctx, "nobody", "email")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Tags(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := createTestPerson(t, s, "email", "alice@example.com")
	c := createTestConversation(t, s, p.ID, "email", "open", time.Now().UTC())

	require.NoError(t, s.AddTag(ctx, c.ID, "vip"))
	require.NoError(t, s.AddTag(ctx, c.ID, "billing"))
	require.NoError(t, s.AddTag(ctx, c.ID, "vip"))

	got, err := s.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"billing", "vip"}, got.Tags)

	require.NoError(t, s.RemoveTag(ctx, c.ID, "vip"))
	require.NoError(t, s.RemoveTag(ctx, c.ID, "absent"))
	got, err = s.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"billing"}, got.Tags)
}

func TestStore_ListConversations_Filter(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := createTestPerson(t, s, "email", "alice@example.com")
	base := time.Now().UTC()
	open := createTestConversation(t, s, p.ID, "email", "open", base)
	createTestConversation(t, s, p.ID, "email", "resolved", base.Add(time.Second))

	status := "open"
	convs, err := s.ListConversations(ctx, ConversationFilter{Status: &status})
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, open.ID, convs[0].ID)

	all, err := s.ListConversations(ctx, ConversationFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStore_ListDueSnoozed(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := createTestPerson(t, s, "email", "alice@example.com")
	now := time.Now().UTC()

	due := createTestConversation(t, s, p.ID, "email", "snoozed", now)
	past := now.Add(-time.Minute)
	require.NoError(t, s.UpdateConversationState(ctx, ConversationState{
		ID: due.ID, FromStatus: "snoozed", Status: "snoozed", SnoozedUntil: &past, UpdatedAt: now,
	}))

	later := createTestConversation(t, s, p.ID, "email", "snoozed", now)
	future := now.Add(time.Hour)
	require.NoError(t, s.UpdateConversationState(ctx, ConversationState{
		ID: later.ID, FromStatus: "snoozed", Status: "snoozed", SnoozedUntil: &future, UpdatedAt: now,
	}))

	convs, err := s.ListDueSnoozed(ctx, now)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, due.ID, convs[0].ID)
}

func TestStore_Message_UniquePerTarget(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := createTestPerson(t, s, "email", "alice@example.com")
	c := createTestConversation(t, s, p.ID, "email", "open", time.Now().UTC())
	now := time.Now().UTC()

	require.NoError(t, s.CreateMessage(ctx, inboundMessage(c.ID, "ext-1", "inbox-a", now)))

	err := s.CreateMessage(ctx, inboundMessage(c.ID, "ext-1", "inbox-a", now))
	assert.ErrorIs(t, err, ErrDuplicateMessage)

	// same external id on another target is allowed by the index
	require.NoError(t, s.CreateMessage(ctx, inboundMessage(c.ID, "ext-1", "inbox-b", now)))

	// empty external ids never collide
	require.NoError(t, s.CreateMessage(ctx, inboundMessage(c.ID, "", "inbox-a", now)))
	require.NoError(t, s.CreateMessage(ctx, inboundMessage(c.ID, "", "inbox-a", now)))
}

func TestStore_Message_DirectionTimestampsEnforced(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := createTestPerson(t, s, "email", "alice@example.com")
	c := createTestConversation(t, s, p.ID, "email", "open", time.Now().UTC())

	now := time.Now().UTC()
	msg := inboundMessage(c.ID, "ext-1", "", now)
	msg.SentAt = &now
	assert.Error(t, s.CreateMessage(ctx, msg), "inbound message with sent_at must be rejected")
}

func TestStore_FindMessageByExternalID(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := createTestPerson(t, s, "email", "alice@example.com")
	c := createTestConversation(t, s, p.ID, "email", "open", time.Now().UTC())
	msg := inboundMessage(c.ID, "ext-1", "inbox-a", time.Now().UTC())
	require.NoError(t, s.CreateMessage(ctx, msg))

	got, err := s.FindMessageByExternalID(ctx, "ext-1", "inbox-a", false)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)

	_, err = s.FindMessageByExternalID(ctx, "ext-1", "inbox-b", false)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err = s.FindMessageByExternalID(ctx, "ext-1", "inbox-b", true)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)

	_, err = s.FindMessageByExternalID(ctx, "", "inbox-a", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_WithTx_CommitsTogether(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := createTestPerson(t, s, "email", "alice@example.com")
	created := time.Now().UTC().Add(-time.Hour)
	c := createTestConversation(t, s, p.ID, "email", "open", created)

	at := time.Now().UTC()
	msg := inboundMessage(c.ID, "ext-1", "", at)
	err := s.WithTx(ctx, func(tx Tx) error {
		if err := tx.CreateMessage(ctx, msg); err != nil {
			return err
		}
		return tx.TouchConversation(ctx, c.ID, at)
	})
	require.NoError(t, err)

	got, err := s.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessageAt)
	assert.True(t, at.Equal(*got.LastMessageAt))
	assert.True(t, at.Equal(got.UpdatedAt))
}

func TestStore_WithTx_RollsBack(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := createTestPerson(t, s, "email", "alice@example.com")
	c := createTestConversation(t, s, p.ID, "email", "open", time.Now().UTC())

	boom := errors.New("boom")
	msg := inboundMessage(c.ID, "ext-1", "", time.Now().UTC())
	err := s.WithTx(ctx, func(tx Tx) error {
		if err := tx.CreateMessage(ctx, msg); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetMessage(ctx, msg.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_WithTx_DuplicateInsideTx(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := createTestPerson(t, s, "email", "alice@example.com")
	c := createTestConversation(t, s, p.ID, "email", "open", time.Now().UTC())
	require.NoError(t, s.CreateMessage(ctx, inboundMessage(c.ID, "ext-1", "inbox-a", time.Now().UTC())))

	err := s.WithTx(ctx, func(tx Tx) error {
		return tx.CreateMessage(ctx, inboundMessage(c.ID, "ext-1", "inbox-a", time.Now().UTC()))
	})
	assert.ErrorIs(t, err, ErrDuplicateMessage)
}

func TestStore_TouchConversation_NeverMovesBackwards(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := createTestPerson(t, s, "email", "alice@example.com")
	now := time.Now().UTC()
	c := createTestConversation(t, s, p.ID, "email", "open", now)

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		return tx.TouchConversation(ctx, c.ID, now.Add(-time.Hour))
	}))

	got, err := s.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, now.Equal(got.UpdatedAt))
}

func TestStore_LastInboundMessage(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := createTestPerson(t, s, "email", "alice@example.com")
	c := createTestConversation(t, s, p.ID, "email", "open", time.Now().UTC())

	_, err := s.LastInboundMessage(ctx, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	base := time.Now().UTC()
	first := inboundMessage(c.ID, "a", "", base)
	second := inboundMessage(c.ID, "b", "", base.Add(time.Minute))
	require.NoError(t, s.CreateMessage(ctx, first))
	require.NoError(t, s.CreateMessage(ctx, second))

	sent := base.Add(2 * time.Minute)
	require.NoError(t, s.CreateMessage(ctx, &Message{
		ID:             uuid.New().String(),
		ConversationID: c.ID,
		ChannelType:    "email",
		Direction:      DirectionOutbound,
		Status:         MessageStatusSent,
		SentAt:         &sent,
		CreatedAt:      sent,
	}))

	got, err := s.LastInboundMessage(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	msgs, err := s.ListMessages(ctx, c.ID, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, second.ID, msgs[0].ID)
	assert.Equal(t, DirectionOutbound, msgs[1].Direction)
}

func TestStore_ChannelTargets(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertChannelTarget(ctx, &ChannelTarget{ID: "wa-2", ChannelType: "whatsapp", Name: "second"}))
	require.NoError(t, s.UpsertChannelTarget(ctx, &ChannelTarget{
		ID:          "wa-1",
		ChannelType: "whatsapp",
		Name:        "main",
		Metadata:    map[string]any{"business_number": "+15551234567"},
		IsDefault:   true,
	}))

	def, err := s.DefaultChannelTarget(ctx, "whatsapp")
	require.NoError(t, err)
	assert.Equal(t, "wa-1", def.ID)
	assert.Equal(t, "+15551234567", def.Metadata["business_number"])

	// upsert replaces
	require.NoError(t, s.UpsertChannelTarget(ctx, &ChannelTarget{ID: "wa-1", ChannelType: "whatsapp", Name: "renamed"}))
	got, err := s.GetChannelTarget(ctx, "wa-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.False(t, got.IsDefault)

	def, err = s.DefaultChannelTarget(ctx, "whatsapp")
	require.NoError(t, err)
	assert.Equal(t, "wa-1", def.ID, "falls back to first target by id")

	_, err = s.DefaultChannelTarget(ctx, "email")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := s.ListChannelTargets(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStore_Notes(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := createTestPerson(t, s, "email", "alice@example.com")
	c := createTestConversation(t, s, p.ID, "email", "open", time.Now().UTC())

	require.NoError(t, s.CreateNote(ctx, &Note{ID: "n1", ConversationID: c.ID, AuthorAgentID: "agent-1", Body: "called back", CreatedAt: time.Now()}))

	notes, err := s.ListNotes(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "called back", notes[0].Body)
}
