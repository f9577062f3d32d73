// ABOUTME: Looks up prior ingestion of an external id, cache first then store
// ABOUTME: The store's unique index stays the source of truth

package dedupe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/coven-inbox/internal/cache"
	"github.com/2389/coven-inbox/internal/store"
)

// MessageFinder is the store lookup the engine needs.
type MessageFinder interface {
	FindMessageByExternalID(ctx context.Context, externalID, channelTargetID string, acrossTargets bool) (*store.Message, error)
}

// Engine detects messages that have already been ingested.
type Engine struct {
	finder MessageFinder
	recent *cache.Cache[string, store.Message]
	logger *slog.Logger
}

// NewEngine creates an engine. recent may be nil to disable the cache.
func NewEngine(finder MessageFinder, recent *cache.Cache[string, store.Message], logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		finder: finder,
		recent: recent,
		logger: logger.With("component", "dedupe"),
	}
}

func cacheKey(d Decision, targetID string) string {
	if d.AcrossTargets {
		return "*|" + d.MessageID
	}
	return targetID + "|" + d.MessageID
}

// FindDuplicate returns the previously stored message for the decision, or
// nil if the message is new.
func (e *Engine) FindDuplicate(ctx context.Context, d Decision, targetID string) (*store.Message, error) {
	if d.MessageID == "" {
		return nil, nil
	}

	key := cacheKey(d, targetID)
	if e.recent != nil {
		if msg, ok := e.recent.Get(key); ok {
			e.logger.Debug("duplicate found in cache", "external_id", d.MessageID, "message_id", msg.ID)
			return &msg, nil
		}
	}

	msg, err := e.finder.FindMessageByExternalID(ctx, d.MessageID, targetID, d.AcrossTargets)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up external id: %w", err)
	}

	e.Remember(d, targetID, msg)
	return msg, nil
}

// Remember records a stored message so later deliveries hit the cache.
func (e *Engine) Remember(d Decision, targetID string, msg *store.Message) {
	if e.recent == nil || msg == nil || d.MessageID == "" {
		return
	}
	e.recent.Set(cacheKey(d, targetID), *msg)
}
