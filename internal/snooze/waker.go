// ABOUTME: Wakes snoozed conversations whose deadline has passed
// ABOUTME: Runs on a cron schedule and moves each due conversation back to open

package snooze

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/2389/coven-inbox/internal/conversation"
	"github.com/2389/coven-inbox/internal/store"
)

// DefaultSchedule checks once a minute.
const DefaultSchedule = "* * * * *"

// DueStore lists snoozed conversations whose deadline is at or before now.
type DueStore interface {
	ListDueSnoozed(ctx context.Context, now time.Time) ([]*store.Conversation, error)
}

// Waker reopens snoozed conversations.
type Waker struct {
	store         DueStore
	conversations *conversation.Service
	schedule      string
	logger        *slog.Logger
	now           func() time.Time
}

// New creates a waker. An empty schedule means DefaultSchedule.
func New(st DueStore, conversations *conversation.Service, schedule string, logger *slog.Logger) (*Waker, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if !gronx.IsValid(schedule) {
		return nil, fmt.Errorf("invalid snooze schedule %q", schedule)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Waker{
		store:         st,
		conversations: conversations,
		schedule:      schedule,
		logger:        logger.With("component", "snooze"),
		now:           time.Now,
	}, nil
}

// WakeDue reopens every conversation whose snooze has expired and returns
// how many were woken. A conversation changed since the listing is left
// alone; one that fails to transition is logged and skipped.
func (w *Waker) WakeDue(ctx context.Context) (int, error) {
	now := w.now().UTC()
	due, err := w.store.ListDueSnoozed(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("listing snoozed conversations: %w", err)
	}

	woken := 0
	for _, conv := range due {
		ok, err := w.conversations.Wake(ctx, conv, now)
		if err != nil {
			w.logger.Warn("failed to wake conversation", "conversation_id", conv.ID, "error", err)
			continue
		}
		if !ok {
			w.logger.Debug("conversation changed before wake", "conversation_id", conv.ID)
			continue
		}
		woken++
	}
	if woken > 0 {
		w.logger.Info("woke snoozed conversations", "count", woken)
	}
	return woken, nil
}

// Run wakes due conversations on every schedule tick until ctx is cancelled.
func (w *Waker) Run(ctx context.Context) {
	w.logger.Info("snooze waker started", "schedule", w.schedule)
	for {
		next, err := gronx.NextTickAfter(w.schedule, w.now(), false)
		if err != nil {
			w.logger.Error("computing next tick", "schedule", w.schedule, "error", err)
			next = w.now().Add(time.Minute)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			w.logger.Info("snooze waker stopped")
			return
		case <-timer.C:
		}

		if _, err := w.WakeDue(ctx); err != nil {
			w.logger.Error("waking snoozed conversations", "error", err)
		}
	}
}
