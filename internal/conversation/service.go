// ABOUTME: Conversation service: lifecycle transitions, snooze, reactivation
// ABOUTME: Every status change goes through the state machine before it is stored

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-inbox/internal/store"
)

// ErrConversationNotFound is returned when a conversation does not exist.
var ErrConversationNotFound = errors.New("conversation not found")

// stateAttempts bounds how often a status change is re-validated after
// losing a race with another writer.
const stateAttempts = 3

// ConversationStore defines what the service needs from storage
type ConversationStore interface {
	CreateConversation(ctx context.Context, c *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	FindOpenConversation(ctx context.Context, personID, channelType string) (*store.Conversation, error)
	UpdateConversationState(ctx context.Context, u store.ConversationState) error
	SetConversationActive(ctx context.Context, id string, active bool, at time.Time) error
	UpdateConversationMetadata(ctx context.Context, id string, at time.Time, fn func(map[string]any) map[string]any) (map[string]any, error)
	FindMessageByExternalID(ctx context.Context, externalID, channelTargetID string, acrossTargets bool) (*store.Message, error)
}

// Service resolves conversations and drives their status.
type Service struct {
	store       ConversationStore
	broadcaster *EventBroadcaster
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a conversation service. broadcaster may be nil.
func New(store ConversationStore, broadcaster *EventBroadcaster, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		broadcaster: broadcaster,
		logger:      logger.With("component", "conversation"),
		now:         time.Now,
	}
}

// Get returns a conversation by ID.
func (s *Service) Get(ctx context.Context, id string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	return conv, nil
}

// Transition moves conv to the target status. The write only lands while
// the stored status still matches conv's; otherwise conv is refreshed and
// the transition re-validated against the stored row. A transition outside
// the table returns *TransitionDeniedError and leaves the store unchanged.
// Leaving snoozed clears the snooze deadline.
func (s *Service) Transition(ctx context.Context, conv *store.Conversation, to Status) error {
	return s.apply(ctx, conv, to, nil, false)
}

// Snooze moves conv to snoozed until the given time.
func (s *Service) Snooze(ctx context.Context, conv *store.Conversation, until time.Time) error {
	return s.apply(ctx, conv, StatusSnoozed, &until, false)
}

// Reactivate marks an inactive conversation active and moves it back to
// open through the state machine. The flag and the status change are
// stored together.
func (s *Service) Reactivate(ctx context.Context, conv *store.Conversation) error {
	if conv.IsActive && Status(conv.Status) == StatusOpen {
		return nil
	}
	from := Status(conv.Status)
	if err := s.apply(ctx, conv, StatusOpen, nil, true); err != nil {
		return err
	}
	s.logger.Info("conversation reactivated", "conversation_id", conv.ID, "from", from)
	return nil
}

func (s *Service) apply(ctx context.Context, conv *store.Conversation, to Status, until *time.Time, activate bool) error {
	for attempt := 1; ; attempt++ {
		from := Status(conv.Status)
		d := ValidateTransition(from, to)
		if !d.Allowed {
			s.logger.Info("transition denied",
				"conversation_id", conv.ID,
				"from", from,
				"to", to,
				"reason", d.Reason)
			return &TransitionDeniedError{From: from, To: to, Reason: d.Reason}
		}

		u := store.ConversationState{
			ID:         conv.ID,
			FromStatus: string(from),
			Status:     string(to),
			UpdatedAt:  s.now().UTC(),
		}
		if to == StatusSnoozed {
			switch {
			case until != nil:
				t := until.UTC()
				u.SnoozedUntil = &t
			case from == StatusSnoozed:
				u.SnoozedUntil = conv.SnoozedUntil
			}
		}
		if activate {
			active := true
			u.IsActive = &active
		}

		err := s.store.UpdateConversationState(ctx, u)
		switch {
		case err == nil:
			s.refresh(ctx, conv, u)
			s.logger.Debug("conversation transitioned", "conversation_id", conv.ID, "from", from, "to", to)
			if s.broadcaster != nil {
				s.broadcaster.PublishConversation(conv)
			}
			return nil
		case errors.Is(err, store.ErrNotFound):
			return ErrConversationNotFound
		case errors.Is(err, store.ErrConversationChanged) && attempt < stateAttempts:
			s.logger.Debug("conversation changed underneath transition; retrying",
				"conversation_id", conv.ID, "attempt", attempt)
			stored, err := s.Get(ctx, conv.ID)
			if err != nil {
				return err
			}
			*conv = *stored
		default:
			return fmt.Errorf("storing status: %w", err)
		}
	}
}

// Wake reopens conv if it is still snoozed with a deadline at or before
// now. It reports false, without error, when another writer already moved
// or re-snoozed the conversation.
func (s *Service) Wake(ctx context.Context, conv *store.Conversation, now time.Time) (bool, error) {
	now = now.UTC()
	u := store.ConversationState{
		ID:          conv.ID,
		FromStatus:  string(StatusSnoozed),
		Status:      string(StatusOpen),
		SnoozeDueBy: &now,
		UpdatedAt:   s.now().UTC(),
	}
	err := s.store.UpdateConversationState(ctx, u)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrConversationChanged):
		return false, nil
	case errors.Is(err, store.ErrNotFound):
		return false, ErrConversationNotFound
	default:
		return false, fmt.Errorf("waking conversation: %w", err)
	}

	s.refresh(ctx, conv, u)
	s.logger.Debug("conversation woken", "conversation_id", conv.ID)
	if s.broadcaster != nil {
		s.broadcaster.PublishConversation(conv)
	}
	return true, nil
}

// refresh reloads conv after a successful write, falling back to applying
// the change locally when the reload fails.
func (s *Service) refresh(ctx context.Context, conv *store.Conversation, u store.ConversationState) {
	stored, err := s.store.GetConversation(ctx, conv.ID)
	if err == nil {
		*conv = *stored
		return
	}
	s.logger.Warn("reloading conversation after status change", "conversation_id", conv.ID, "error", err)
	conv.Status = u.Status
	conv.SnoozedUntil = u.SnoozedUntil
	conv.UpdatedAt = u.UpdatedAt
	if u.IsActive != nil {
		conv.IsActive = *u.IsActive
	}
}

// Deactivate hides a conversation without deleting it. Status is left as
// stored.
func (s *Service) Deactivate(ctx context.Context, conv *store.Conversation) error {
	if !conv.IsActive {
		return nil
	}
	now := s.now().UTC()
	if err := s.store.SetConversationActive(ctx, conv.ID, false, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrConversationNotFound
		}
		return fmt.Errorf("deactivating conversation: %w", err)
	}
	conv.IsActive = false
	if now.After(conv.UpdatedAt) {
		conv.UpdatedAt = now
	}
	return nil
}
