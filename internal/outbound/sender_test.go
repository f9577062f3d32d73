// ABOUTME: Tests for the outbound sender against SQLite with a fake provider

package outbound

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-inbox/internal/breaker"
	"github.com/2389/coven-inbox/internal/conversation"
	"github.com/2389/coven-inbox/internal/metrics"
	"github.com/2389/coven-inbox/internal/ratelimit"
	"github.com/2389/coven-inbox/internal/sendpolicy"
	"github.com/2389/coven-inbox/internal/store"
)

type fakeProvider struct {
	name string
	err  error
	sent []Message
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Send(_ context.Context, msg Message) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.sent = append(p.sent, msg)
	return "<out-" + uuid.New().String() + "@acme.io>", nil
}

type senderFixture struct {
	store   *store.SQLiteStore
	sender  *Sender
	metrics *metrics.Metrics
	now     time.Time
}

func newSenderFixture(t *testing.T, opts Options, providers ...Provider) *senderFixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "outbound.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &senderFixture{store: s, now: time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)}
	f.metrics = metrics.New("")
	opts.Metrics = f.metrics
	f.sender = NewSender(s, opts, providers...)
	f.sender.now = func() time.Time { return f.now }
	return f
}

// seed creates a contact, a conversation and one inbound message.
func (f *senderFixture) seed(t *testing.T, channel, address, targetID string, receivedAt time.Time, meta map[string]any) *store.Conversation {
	t.Helper()
	ctx := context.Background()
	p := &store.Person{ID: uuid.New().String(), CreatedAt: receivedAt}
	require.NoError(t, f.store.CreatePersonWithAddress(ctx, p, &store.ChannelAddress{
		ID: uuid.New().String(), ChannelType: channel, Address: address, CreatedAt: receivedAt,
	}))
	conv := &store.Conversation{
		ID: uuid.New().String(), PersonID: p.ID, ChannelType: channel,
		Status: "open", IsActive: true, CreatedAt: receivedAt, UpdatedAt: receivedAt,
	}
	require.NoError(t, f.store.CreateConversation(ctx, conv))
	require.NoError(t, f.store.CreateMessage(ctx, &store.Message{
		ID:              uuid.New().String(),
		ConversationID:  conv.ID,
		ChannelType:     channel,
		Direction:       store.DirectionInbound,
		Status:          store.MessageStatusReceived,
		ExternalID:      uuid.New().String(),
		ChannelTargetID: targetID,
		ContactAddress:  address,
		Subject:         "Order 42",
		Body:            "where is it?",
		Metadata:        meta,
		ReceivedAt:      &receivedAt,
		CreatedAt:       receivedAt,
	}))
	return conv
}

func TestSend_Success(t *testing.T) {
	email := &fakeProvider{name: "email"}
	f := newSenderFixture(t, Options{}, email)
	ctx := context.Background()
	conv := f.seed(t, "email", "alice@example.com", "support", f.now.Add(-time.Hour), map[string]any{
		"email": map[string]any{"message_id": "<alice-1@example.com>", "references": []any{"<root@example.com>"}},
	})

	msg, err := f.sender.Send(ctx, Request{ConversationID: conv.ID, Body: "On its way", AgentID: "agent-1"})
	require.NoError(t, err)
	assert.Equal(t, store.DirectionOutbound, msg.Direction)
	assert.Equal(t, store.MessageStatusSent, msg.Status)
	assert.Equal(t, "support", msg.ChannelTargetID, "target adopted from the inbound message")
	assert.NotEmpty(t, msg.ExternalID)

	require.Len(t, email.sent, 1)
	sent := email.sent[0]
	assert.Equal(t, "alice@example.com", sent.To)
	assert.Equal(t, "Re: Order 42 [#conv:"+conv.ID+"]", sent.Subject)
	assert.Equal(t, "<alice-1@example.com>", sent.InReplyTo)
	assert.Equal(t, []string{"<root@example.com>"}, sent.References)

	stored, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", stored.Metadata["agent_id"])

	updated, err := f.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.LastMessageAt)
	assert.True(t, f.now.Equal(*updated.LastMessageAt))

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OutboundMessages.WithLabelValues("email", "sent")))
}

func TestSend_ConversationNotFound(t *testing.T) {
	f := newSenderFixture(t, Options{}, &fakeProvider{name: "email"})
	_, err := f.sender.Send(context.Background(), Request{ConversationID: "missing"})
	assert.ErrorIs(t, err, conversation.ErrConversationNotFound)
}

func TestSend_PolicyDenials(t *testing.T) {
	wa := &fakeProvider{name: "whatsapp"}
	ig := &fakeProvider{name: "instagram_dm"}
	f := newSenderFixture(t, Options{}, wa, ig, &fakeProvider{name: "email"})
	ctx := context.Background()

	conv := f.seed(t, "whatsapp", "+15550001111", "wa-1", f.now.Add(-time.Minute), nil)

	_, err := f.sender.Send(ctx, Request{ConversationID: conv.ID, ChannelType: "email", Body: "hi"})
	var denied *PolicyDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, sendpolicy.ReasonChannelMismatch, denied.Reason)

	_, err = f.sender.Send(ctx, Request{ConversationID: conv.ID, TargetID: "wa-2", Body: "hi"})
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, sendpolicy.ReasonTargetMismatch, denied.Reason)

	old := f.seed(t, "instagram_dm", "ig-user-1", "", f.now.Add(-25*time.Hour), nil)
	_, err = f.sender.Send(ctx, Request{ConversationID: old.ID, Body: "hi"})
	require.True(t, errors.As(err, &denied))
	assert.Contains(t, denied.Reason, "Meta reply window expired")

	assert.Empty(t, wa.sent)
	assert.Empty(t, ig.sent)
	msgs, err := f.store.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "denied sends store nothing")
}

func TestSend_RateLimited(t *testing.T) {
	wa := &fakeProvider{name: "whatsapp"}
	f := newSenderFixture(t, Options{
		Limiter: ratelimit.New(nil, nil),
		Limits:  map[string]int{"whatsapp": 1},
	}, wa)
	ctx := context.Background()
	conv := f.seed(t, "whatsapp", "+15550001111", "wa-1", f.now.Add(-time.Minute), nil)

	_, err := f.sender.Send(ctx, Request{ConversationID: conv.ID, Body: "one"})
	require.NoError(t, err)

	_, err = f.sender.Send(ctx, Request{ConversationID: conv.ID, Body: "two"})
	var rle *ratelimit.RateLimitExceededError
	require.True(t, errors.As(err, &rle))
	assert.GreaterOrEqual(t, rle.RetryAfter, 1)
	assert.Len(t, wa.sent, 1)
}

func TestSend_ProviderFailureOpensCircuit(t *testing.T) {
	wa := &fakeProvider{name: "whatsapp", err: errors.New("bridge offline")}
	f := newSenderFixture(t, Options{Breakers: breaker.NewRegistry(2, time.Minute, nil)}, wa)
	ctx := context.Background()
	conv := f.seed(t, "whatsapp", "+15550001111", "", f.now.Add(-time.Minute), nil)

	for range 2 {
		msg, err := f.sender.Send(ctx, Request{ConversationID: conv.ID, Body: "hello"})
		require.Error(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, store.MessageStatusFailed, msg.Status)
	}

	wa.err = nil
	_, err := f.sender.Send(ctx, Request{ConversationID: conv.ID, Body: "hello"})
	assert.ErrorIs(t, err, breaker.ErrCircuitOpen)
	assert.Empty(t, wa.sent, "open circuit skips the provider")

	msgs, err := f.store.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 3, "inbound plus two failed attempts")
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.OutboundMessages.WithLabelValues("whatsapp", "failed")))
}

func TestSend_NoProvider(t *testing.T) {
	f := newSenderFixture(t, Options{})
	conv := f.seed(t, "whatsapp", "+15550001111", "", f.now, nil)
	_, err := f.sender.Send(context.Background(), Request{ConversationID: conv.ID, Body: "x"})
	assert.ErrorIs(t, err, ErrNoProvider)
}
