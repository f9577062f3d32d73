// ABOUTME: Shared processing steps every channel handler runs in the same order
// ABOUTME: target, self-detection, contact, dedupe, conversation, assemble

package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-inbox/internal/conversation"
	"github.com/2389/coven-inbox/internal/dedupe"
	"github.com/2389/coven-inbox/internal/normalize"
	"github.com/2389/coven-inbox/internal/selfdetect"
	"github.com/2389/coven-inbox/internal/store"
)

var (
	// ErrUnknownTarget is returned when a payload names a channel target that does not exist.
	ErrUnknownTarget = errors.New("unknown channel target")
	// ErrInvalidContact is returned when the sender address normalizes to nothing.
	ErrInvalidContact = errors.New("invalid contact address")
	// ErrUnsupportedChannel is returned when no handler is registered for a payload's channel.
	ErrUnsupportedChannel = errors.New("unsupported channel")
	// ErrPayloadType is returned when a handler receives another channel's payload.
	ErrPayloadType = errors.New("payload does not match handler channel")
)

// Store is the persistence the inbound path needs.
type Store interface {
	WithTx(ctx context.Context, fn func(store.Tx) error) error
	GetChannelTarget(ctx context.Context, id string) (*store.ChannelTarget, error)
	DefaultChannelTarget(ctx context.Context, channelType string) (*store.ChannelTarget, error)
	FindPersonByAddress(ctx context.Context, channelType, address string) (*store.Person, error)
	CreatePersonWithAddress(ctx context.Context, p *store.Person, addr *store.ChannelAddress) error
	FindMessageByExternalID(ctx context.Context, externalID, channelTargetID string, acrossTargets bool) (*store.Message, error)
}

// Handler is one channel's inbound strategy.
type Handler interface {
	Channel() string
	Process(ctx context.Context, p Payload) (Result, error)
}

// content is the channel-specific part of a payload, extracted by each handler.
type content struct {
	Subject           string
	Body              string
	ProviderID        string
	ReplyToExternalID string
	Thread            *conversation.EmailThread
	Metadata          map[string]any
}

// Base runs the steps shared by every channel.
type Base struct {
	store         Store
	conversations *conversation.Service
	dedupe        *dedupe.Engine
	logger        *slog.Logger
	now           func() time.Time
}

// NewBase creates the shared processing steps.
func NewBase(st Store, conversations *conversation.Service, dd *dedupe.Engine, logger *slog.Logger) *Base {
	if logger == nil {
		logger = slog.Default()
	}
	return &Base{
		store:         st,
		conversations: conversations,
		dedupe:        dd,
		logger:        logger.With("component", "inbound"),
		now:           time.Now,
	}
}

func (b *Base) process(ctx context.Context, p Payload, c content) (Result, error) {
	channel := p.Channel()

	target, err := b.resolveTarget(ctx, channel, p.TargetID())
	if err != nil {
		return Result{}, err
	}
	var targetID string
	var conn selfdetect.Connector
	if target != nil {
		targetID = target.ID
		conn = selfdetect.Connector{AuthConfig: target.AuthConfig, Metadata: target.Metadata}
	}

	// Email self-detection fails open without a configured address set.
	// TODO: decide whether targets without self addresses should be rejected at config load.
	if channel == normalize.ChannelEmail && len(selfdetect.SelfEmailAddresses(conn)) == 0 {
		b.logger.Warn("email target has no self addresses; own sent mail will not be recognized",
			"channel_target_id", targetID)
	}

	if selfdetect.IsSelfMessage(channel, p.ContactAddress(), p.Meta(), conn) {
		b.logger.Info("skipping self message", "channel", channel, "channel_target_id", targetID)
		return Skip(channel, ReasonSelfMessage), nil
	}

	addr, ok := normalize.Address(channel, p.ContactAddress())
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidContact, p.ContactAddress())
	}
	person, err := b.resolvePerson(ctx, channel, addr, p.ContactName())
	if err != nil {
		return Result{}, err
	}

	receivedAt := p.ReceivedAt()
	if receivedAt.IsZero() {
		receivedAt = b.now()
	}
	receivedAt = receivedAt.UTC()

	decision := dedupe.Decide(dedupe.Input{
		ChannelType:    channel,
		ContactAddress: addr,
		Subject:        c.Subject,
		Body:           c.Body,
		ReceivedAt:     receivedAt,
		MessageID:      c.ProviderID,
		SourceID:       sourceID(p.Meta()),
	})
	existing, err := b.dedupe.FindDuplicate(ctx, decision, targetID)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		b.logger.Info("duplicate delivery",
			"channel", channel,
			"external_id", decision.MessageID,
			"message_id", existing.ID)
		return Duplicate(existing), nil
	}

	res, err := b.conversations.Resolve(ctx, conversation.ResolveRequest{
		PersonID:    person.ID,
		ChannelType: channel,
		Email:       c.Thread,
	})
	if err != nil {
		return Result{}, fmt.Errorf("resolving conversation: %w", err)
	}

	msg := &store.Message{
		ID:              uuid.New().String(),
		ConversationID:  res.Conversation.ID,
		ChannelType:     channel,
		Direction:       store.DirectionInbound,
		Status:          store.MessageStatusReceived,
		ExternalID:      decision.MessageID,
		ChannelTargetID: targetID,
		ContactAddress:  addr,
		Subject:         c.Subject,
		Body:            c.Body,
		Metadata:        c.Metadata,
		ReceivedAt:      &receivedAt,
		CreatedAt:       b.now().UTC(),
	}
	if c.ReplyToExternalID != "" {
		msg.ReplyToMessageID = b.replyTo(ctx, c.ReplyToExternalID)
	}

	return Proceed(res.Conversation, msg, targetID, decision), nil
}

// resolveTarget loads the named target, or the channel default when none is
// named. A channel with no configured targets yields nil.
func (b *Base) resolveTarget(ctx context.Context, channel, id string) (*store.ChannelTarget, error) {
	if id != "" {
		t, err := b.store.GetChannelTarget(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, id)
		}
		if err != nil {
			return nil, fmt.Errorf("loading channel target: %w", err)
		}
		if t.ChannelType != channel {
			return nil, fmt.Errorf("%w: %s is a %s target", ErrUnknownTarget, id, t.ChannelType)
		}
		return t, nil
	}

	t, err := b.store.DefaultChannelTarget(ctx, channel)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading default channel target: %w", err)
	}
	return t, nil
}

// resolvePerson finds the contact owning addr, creating the person and the
// channel address when new.
func (b *Base) resolvePerson(ctx context.Context, channel, addr, name string) (*store.Person, error) {
	p, err := b.store.FindPersonByAddress(ctx, channel, addr)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up contact: %w", err)
	}

	now := b.now().UTC()
	p = &store.Person{ID: uuid.New().String(), DisplayName: name, CreatedAt: now}
	ca := &store.ChannelAddress{
		ID:          uuid.New().String(),
		ChannelType: channel,
		Address:     addr,
		CreatedAt:   now,
	}
	err = b.store.CreatePersonWithAddress(ctx, p, ca)
	if errors.Is(err, store.ErrDuplicateAddress) {
		// Concurrent delivery created the contact first.
		return b.store.FindPersonByAddress(ctx, channel, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("creating contact: %w", err)
	}
	b.logger.Info("contact created", "person_id", p.ID, "channel", channel)
	return p, nil
}

func (b *Base) replyTo(ctx context.Context, externalID string) string {
	id := normalize.ExternalID(externalID)
	if id == "" {
		return ""
	}
	msg, err := b.store.FindMessageByExternalID(ctx, id, "", true)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			b.logger.Warn("reply-to lookup failed", "external_id", id, "error", err)
		}
		return ""
	}
	return msg.ID
}

// sourceID is the provider-declared origin of a message, when the connector
// supplies one.
func sourceID(meta map[string]any) string {
	if s, ok := meta["source_id"].(string); ok {
		return s
	}
	return ""
}
