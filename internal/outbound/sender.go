// ABOUTME: Agent reply orchestration: send policy, rate limit, circuit breaker, provider
// ABOUTME: Persists the outbound message and touches the conversation in one transaction

package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-inbox/internal/breaker"
	"github.com/2389/coven-inbox/internal/conversation"
	"github.com/2389/coven-inbox/internal/metrics"
	"github.com/2389/coven-inbox/internal/normalize"
	"github.com/2389/coven-inbox/internal/ratelimit"
	"github.com/2389/coven-inbox/internal/sendpolicy"
	"github.com/2389/coven-inbox/internal/store"
)

var (
	// ErrNoProvider is returned when no provider is registered for the channel.
	ErrNoProvider = errors.New("no provider for channel")
	// ErrNoRecipient is returned when the conversation has no contact address to reply to.
	ErrNoRecipient = errors.New("conversation has no recipient address")
)

// PolicyDeniedError is returned when the send policy rejects a reply.
type PolicyDeniedError struct {
	Reason string
}

func (e *PolicyDeniedError) Error() string { return "send denied: " + e.Reason }

// Store is the persistence the sender needs.
type Store interface {
	WithTx(ctx context.Context, fn func(store.Tx) error) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	LastInboundMessage(ctx context.Context, conversationID string) (*store.Message, error)
	GetChannelTarget(ctx context.Context, id string) (*store.ChannelTarget, error)
	DefaultChannelTarget(ctx context.Context, channelType string) (*store.ChannelTarget, error)
}

// Request is an agent reply.
type Request struct {
	ConversationID string
	ChannelType    string // defaults to the conversation's channel
	TargetID       string // defaults to the last inbound message's target
	Subject        string
	Body           string
	AgentID        string
	Metadata       map[string]any
}

// Sender delivers agent replies.
type Sender struct {
	store       Store
	providers   map[string]Provider
	limiter     *ratelimit.Limiter
	limits      map[string]int
	breakers    *breaker.Registry
	broadcaster *conversation.EventBroadcaster
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// Options configures a Sender. Nil fields disable the concern.
type Options struct {
	Limiter     *ratelimit.Limiter
	Limits      map[string]int // sends per minute by channel
	Breakers    *breaker.Registry
	Broadcaster *conversation.EventBroadcaster
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// NewSender creates a sender over the given providers.
func NewSender(st Store, opts Options, providers ...Provider) *Sender {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sender{
		store:       st,
		providers:   make(map[string]Provider, len(providers)),
		limiter:     opts.Limiter,
		limits:      opts.Limits,
		breakers:    opts.Breakers,
		broadcaster: opts.Broadcaster,
		metrics:     opts.Metrics,
		logger:      logger.With("component", "outbound"),
		now:         time.Now,
	}
	for _, p := range providers {
		s.providers[p.Name()] = p
	}
	return s
}

// Send checks policy and limits, delivers the reply and stores it. A
// provider failure is stored with status failed and returned.
func (s *Sender) Send(ctx context.Context, req Request) (*store.Message, error) {
	start := s.now()
	conv, err := s.store.GetConversation(ctx, req.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, conversation.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	channel := req.ChannelType
	if channel == "" {
		channel = conv.ChannelType
	}

	last, err := s.store.LastInboundMessage(ctx, conv.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("loading last inbound message: %w", err)
	}

	in := sendpolicy.Input{
		ConversationID:   conv.ID,
		PersonID:         conv.PersonID,
		RequestedChannel: channel,
		RequestedTarget:  req.TargetID,
		Now:              sendpolicy.FormatTimestamp(start),
	}
	if last != nil {
		in.LastInboundChannel = last.ChannelType
		in.LastInboundTarget = last.ChannelTargetID
		if last.ReceivedAt != nil {
			in.LastInboundReceivedAt = sendpolicy.FormatTimestamp(*last.ReceivedAt)
		}
	}
	decision := sendpolicy.DecideSendMessage(in)
	if !decision.Allowed {
		s.logger.Info("send denied by policy", "conversation_id", conv.ID, "channel", channel, "reason", decision.Reason)
		s.metrics.ObserveOutbound(channel, "denied", s.now().Sub(start))
		return nil, &PolicyDeniedError{Reason: decision.Reason}
	}

	if last == nil || last.ContactAddress == "" {
		return nil, ErrNoRecipient
	}
	provider, ok := s.providers[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, channel)
	}

	if s.limiter != nil {
		if err := s.limiter.Allow(ctx, channel, decision.Target, s.limits[channel]); err != nil {
			s.metrics.ObserveOutbound(channel, "rate_limited", s.now().Sub(start))
			return nil, err
		}
	}

	target, err := s.target(ctx, channel, decision.Target)
	if err != nil {
		return nil, err
	}

	out := Message{
		ChannelType: channel,
		To:          last.ContactAddress,
		Body:        req.Body,
		Target:      target,
	}
	if channel == normalize.ChannelEmail {
		out.Subject = conversation.TagSubject(replySubject(req.Subject, last.Subject), conv.ID)
		out.InReplyTo, out.References = emailThread(last)
	}

	var externalID string
	call := func(ctx context.Context) error {
		var err error
		externalID, err = provider.Send(ctx, out)
		return err
	}
	if s.breakers != nil {
		err = s.breakers.Get(provider.Name()).Call(ctx, call)
	} else {
		err = call(ctx)
	}
	if errors.Is(err, breaker.ErrCircuitOpen) {
		s.metrics.ObserveOutbound(channel, "circuit_open", s.now().Sub(start))
		return nil, err
	}
	sendErr := err

	msg := s.record(conv, req, out, decision.Target, externalID, sendErr)
	if err := s.persist(ctx, conv, msg); err != nil {
		return nil, err
	}

	if s.broadcaster != nil {
		s.broadcaster.PublishMessage(conv, msg)
	}
	s.metrics.ObserveOutbound(channel, msg.Status, s.now().Sub(start))

	if sendErr != nil {
		s.logger.Error("provider send failed",
			"conversation_id", conv.ID,
			"provider", provider.Name(),
			"message_id", msg.ID,
			"error", sendErr)
		return msg, fmt.Errorf("sending via %s: %w", provider.Name(), sendErr)
	}
	s.logger.Info("reply sent",
		"conversation_id", conv.ID,
		"channel", channel,
		"message_id", msg.ID,
		"agent_id", req.AgentID)
	return msg, nil
}

func (s *Sender) target(ctx context.Context, channel, id string) (*store.ChannelTarget, error) {
	var (
		t   *store.ChannelTarget
		err error
	)
	if id != "" {
		t, err = s.store.GetChannelTarget(ctx, id)
	} else {
		t, err = s.store.DefaultChannelTarget(ctx, channel)
	}
	if errors.Is(err, store.ErrNotFound) {
		if id != "" {
			return nil, fmt.Errorf("channel target %s not found", id)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading channel target: %w", err)
	}
	return t, nil
}

func (s *Sender) record(conv *store.Conversation, req Request, out Message, targetID, externalID string, sendErr error) *store.Message {
	now := s.now().UTC()
	meta := make(map[string]any, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	if req.AgentID != "" {
		meta["agent_id"] = req.AgentID
	}
	status := store.MessageStatusSent
	if sendErr != nil {
		status = store.MessageStatusFailed
		meta["error"] = sendErr.Error()
	}
	if len(meta) == 0 {
		meta = nil
	}
	return &store.Message{
		ID:              uuid.New().String(),
		ConversationID:  conv.ID,
		ChannelType:     out.ChannelType,
		Direction:       store.DirectionOutbound,
		Status:          status,
		ExternalID:      normalize.ExternalID(externalID),
		ChannelTargetID: targetID,
		ContactAddress:  out.To,
		Subject:         out.Subject,
		Body:            out.Body,
		Metadata:        meta,
		SentAt:          &now,
		CreatedAt:       now,
	}
}

func (s *Sender) persist(ctx context.Context, conv *store.Conversation, msg *store.Message) error {
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateMessage(ctx, msg); err != nil {
			return err
		}
		return tx.TouchConversation(ctx, conv.ID, *msg.SentAt)
	})
	if err != nil {
		return fmt.Errorf("storing outbound message: %w", err)
	}
	at := *msg.SentAt
	conv.LastMessageAt = &at
	conv.UpdatedAt = at
	return nil
}

func replySubject(requested, inbound string) string {
	if requested != "" {
		return requested
	}
	if inbound == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(inbound), "re:") {
		return inbound
	}
	return "Re: " + inbound
}

// emailThread returns the headers for answering the inbound email last.
func emailThread(last *store.Message) (string, []string) {
	headers, _ := last.Metadata["email"].(map[string]any)
	id, _ := headers["message_id"].(string)
	var refs []string
	switch raw := headers["references"].(type) {
	case []string:
		refs = append(refs, raw...)
	case []any:
		for _, r := range raw {
			if s, ok := r.(string); ok {
				refs = append(refs, s)
			}
		}
	}
	return id, refs
}
