// ABOUTME: Runs a channel handler, persists Proceed results in one transaction
// ABOUTME: and fans out best-effort after-commit work; every outcome is measured

package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-inbox/internal/dedupe"
	"github.com/2389/coven-inbox/internal/metrics"
	"github.com/2389/coven-inbox/internal/store"
)

// AfterCommitFunc runs once a new message is committed. Errors are logged
// and never affect ingestion.
type AfterCommitFunc func(ctx context.Context, conv *store.Conversation, msg *store.Message) error

var errAlreadyStored = errors.New("already stored")

type afterCommitHook struct {
	name string
	fn   AfterCommitFunc
}

// Pipeline ingests payloads from every registered channel.
type Pipeline struct {
	store    Store
	dedupe   *dedupe.Engine
	handlers map[string]Handler
	hooks    []afterCommitHook
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewPipeline creates a pipeline. m may be nil.
func NewPipeline(st Store, dd *dedupe.Engine, m *metrics.Metrics, logger *slog.Logger, handlers ...Handler) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		store:    st,
		dedupe:   dd,
		handlers: make(map[string]Handler, len(handlers)),
		metrics:  m,
		logger:   logger.With("component", "inbound_pipeline"),
		now:      time.Now,
	}
	for _, h := range handlers {
		p.handlers[h.Channel()] = h
	}
	return p
}

// AfterCommit registers post-processing, run in registration order.
// Not safe to call concurrently with Ingest.
func (p *Pipeline) AfterCommit(name string, fn AfterCommitFunc) {
	p.hooks = append(p.hooks, afterCommitHook{name: name, fn: fn})
}

// Ingest processes one delivery. A Proceed result is returned with the
// persisted message; a store-level duplicate becomes a Duplicate result.
func (p *Pipeline) Ingest(ctx context.Context, payload Payload) (res Result, err error) {
	start := p.now()
	channel := payload.Channel()
	defer func() {
		status := res.metricStatus()
		if err != nil {
			status = "error"
		}
		p.metrics.ObserveInbound(channel, status, p.now().Sub(start))
	}()

	h, ok := p.handlers[channel]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedChannel, channel)
	}

	res, err = h.Process(ctx, payload)
	if err != nil {
		p.logger.Error("inbound processing failed", "channel", channel, "error", err)
		return Result{}, err
	}
	if res.Kind != KindProceed {
		return res, nil
	}

	stored, err := p.persist(ctx, res)
	if err != nil {
		p.logger.Error("persisting inbound message failed",
			"channel", channel,
			"conversation_id", res.ConversationID(),
			"error", err)
		return Result{}, err
	}
	res = stored
	if res.Kind == KindProceed {
		p.logger.Info("inbound message stored",
			"channel", channel,
			"conversation_id", res.Conversation.ID,
			"message_id", res.Message.ID)
		p.runAfterCommit(ctx, res.Conversation, res.Message)
	}
	return res, nil
}

// persist writes the message and touches its conversation in one
// transaction. Cross-target ids are re-checked inside the transaction.
func (p *Pipeline) persist(ctx context.Context, res Result) (Result, error) {
	msg := res.Message
	at := *msg.ReceivedAt

	var existing *store.Message

	err := p.store.WithTx(ctx, func(tx store.Tx) error {
		if res.Dedupe.AcrossTargets {
			found, err := tx.FindMessageByExternalID(ctx, msg.ExternalID, msg.ChannelTargetID, true)
			if err == nil {
				existing = found
				return errAlreadyStored
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		if err := tx.CreateMessage(ctx, msg); err != nil {
			return err
		}
		return tx.TouchConversation(ctx, msg.ConversationID, at)
	})

	switch {
	case err == nil:
	case errors.Is(err, errAlreadyStored):
		p.dedupe.Remember(res.Dedupe, res.ChannelTargetID, existing)
		return Duplicate(existing), nil
	case errors.Is(err, store.ErrDuplicateMessage):
		found, lookupErr := p.store.FindMessageByExternalID(ctx, msg.ExternalID, msg.ChannelTargetID, res.Dedupe.AcrossTargets)
		if lookupErr != nil {
			return Result{}, fmt.Errorf("loading concurrent duplicate: %w", lookupErr)
		}
		p.logger.Info("concurrent duplicate delivery", "external_id", msg.ExternalID, "message_id", found.ID)
		p.dedupe.Remember(res.Dedupe, res.ChannelTargetID, found)
		return Duplicate(found), nil
	default:
		return Result{}, fmt.Errorf("storing inbound message: %w", err)
	}

	conv := res.Conversation
	if conv.LastMessageAt == nil || at.After(*conv.LastMessageAt) {
		conv.LastMessageAt = &at
	}
	if at.After(conv.UpdatedAt) {
		conv.UpdatedAt = at
	}
	p.dedupe.Remember(res.Dedupe, res.ChannelTargetID, msg)
	return res, nil
}

func (p *Pipeline) runAfterCommit(ctx context.Context, conv *store.Conversation, msg *store.Message) {
	for _, h := range p.hooks {
		p.runHook(ctx, h, conv, msg)
	}
}

func (p *Pipeline) runHook(ctx context.Context, h afterCommitHook, conv *store.Conversation, msg *store.Message) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("after-commit hook panicked",
				"hook", h.name,
				"conversation_id", conv.ID,
				"panic", r)
		}
	}()
	if err := h.fn(ctx, conv, msg); err != nil {
		p.logger.Warn("after-commit hook failed",
			"hook", h.name,
			"conversation_id", conv.ID,
			"message_id", msg.ID,
			"error", err)
	}
}
