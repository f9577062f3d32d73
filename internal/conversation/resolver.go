// ABOUTME: Finds or creates the conversation an inbound message belongs to
// ABOUTME: Email threading via headers and subject tokens, open-conversation fallback

package conversation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-inbox/internal/normalize"
	"github.com/2389/coven-inbox/internal/store"
)

// WarningEmailReplyWithoutHeaders is recorded in conversation metadata when
// an email joined an existing conversation without any threading signal.
const WarningEmailReplyWithoutHeaders = "email_reply_without_headers"

var subjectTokenRe = regexp.MustCompile(`\[#conv:([A-Za-z0-9-]+)\]`)

// EmailThread carries the threading signals of an inbound email.
type EmailThread struct {
	MessageID      string   // Message-Id
	InReplyTo      string   // In-Reply-To
	References     []string // References, oldest first
	ConversationID string   // X-Conversation-ID
	Subject        string
}

// HasSignals reports whether any threading signal is present.
func (t *EmailThread) HasSignals() bool {
	if t == nil {
		return false
	}
	return strings.TrimSpace(t.MessageID) != "" ||
		strings.TrimSpace(t.InReplyTo) != "" ||
		len(t.References) > 0 ||
		strings.TrimSpace(t.ConversationID) != "" ||
		SubjectToken(t.Subject) != ""
}

// SubjectToken extracts the conversation id embedded as [#conv:<id>].
func SubjectToken(subject string) string {
	m := subjectTokenRe.FindStringSubmatch(subject)
	if m == nil {
		return ""
	}
	return m[1]
}

// TagSubject appends the conversation token to an outbound subject unless present.
func TagSubject(subject, conversationID string) string {
	if SubjectToken(subject) != "" {
		return subject
	}
	token := "[#conv:" + conversationID + "]"
	if strings.TrimSpace(subject) == "" {
		return token
	}
	return subject + " " + token
}

// ResolveRequest identifies who wrote and on which channel.
type ResolveRequest struct {
	PersonID    string
	ChannelType string
	Email       *EmailThread // nil for non-email channels
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Conversation *store.Conversation
	Created      bool
	ResolvedBy   string // "header", "subject_token", "reference", "open", "created"
}

// Resolve returns the conversation for req, creating one if needed.
// A matched conversation that is inactive or resolved is reopened through
// the state machine.
func (s *Service) Resolve(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	if req.ChannelType == normalize.ChannelEmail && req.Email != nil {
		conv, by, err := s.resolveEmailThread(ctx, req)
		if err != nil {
			return nil, err
		}
		if conv != nil {
			if err := s.reopenIfNeeded(ctx, conv); err != nil {
				return nil, err
			}
			return &Resolution{Conversation: conv, ResolvedBy: by}, nil
		}
	}

	conv, err := s.store.FindOpenConversation(ctx, req.PersonID, req.ChannelType)
	switch {
	case err == nil:
		if req.ChannelType == normalize.ChannelEmail && !req.Email.HasSignals() {
			if err := s.annotateWarning(ctx, conv, req.Email); err != nil {
				s.logger.Warn("failed to annotate conversation", "conversation_id", conv.ID, "error", err)
			}
		}
		if err := s.reopenIfNeeded(ctx, conv); err != nil {
			return nil, err
		}
		return &Resolution{Conversation: conv, ResolvedBy: "open"}, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("finding open conversation: %w", err)
	}

	conv, err = s.create(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Resolution{Conversation: conv, Created: true, ResolvedBy: "created"}, nil
}

func (s *Service) create(ctx context.Context, req ResolveRequest) (*store.Conversation, error) {
	now := s.now().UTC()
	conv := &store.Conversation{
		ID:          uuid.New().String(),
		PersonID:    req.PersonID,
		ChannelType: req.ChannelType,
		Status:      string(StatusOpen),
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	s.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"person_id", conv.PersonID,
		"channel", conv.ChannelType)
	return conv, nil
}

// resolveEmailThread tries the explicit header, the subject token, then
// In-Reply-To, References (newest first) and Message-Id.
func (s *Service) resolveEmailThread(ctx context.Context, req ResolveRequest) (*store.Conversation, string, error) {
	t := req.Email

	for _, c := range []struct {
		id string
		by string
	}{
		{strings.TrimSpace(t.ConversationID), "header"},
		{SubjectToken(t.Subject), "subject_token"},
	} {
		if c.id == "" {
			continue
		}
		conv, err := s.ownedConversation(ctx, c.id, req)
		if err != nil {
			return nil, "", err
		}
		if conv != nil {
			return conv, c.by, nil
		}
	}

	var refs []string
	if t.InReplyTo != "" {
		refs = append(refs, t.InReplyTo)
	}
	for i := len(t.References) - 1; i >= 0; i-- {
		refs = append(refs, t.References[i])
	}
	if t.MessageID != "" {
		refs = append(refs, t.MessageID)
	}

	for _, ref := range refs {
		id := normalize.ExternalID(ref)
		if id == "" {
			continue
		}
		msg, err := s.store.FindMessageByExternalID(ctx, id, "", true)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("looking up referenced message: %w", err)
		}
		conv, err := s.ownedConversation(ctx, msg.ConversationID, req)
		if err != nil {
			return nil, "", err
		}
		if conv != nil {
			return conv, "reference", nil
		}
	}
	return nil, "", nil
}

// ownedConversation loads id and returns it only if it belongs to the
// requesting person on the same channel.
func (s *Service) ownedConversation(ctx context.Context, id string, req ResolveRequest) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	if conv.PersonID != req.PersonID || conv.ChannelType != req.ChannelType {
		s.logger.Warn("ignoring thread signal for another contact",
			"conversation_id", id,
			"person_id", req.PersonID)
		return nil, nil
	}
	return conv, nil
}

func (s *Service) reopenIfNeeded(ctx context.Context, conv *store.Conversation) error {
	if !conv.IsActive || Status(conv.Status) == StatusResolved {
		return s.Reactivate(ctx, conv)
	}
	return nil
}

// annotateWarning records a header-less email reply on the conversation.
// Repeats of the same warning type update one entry's count and last seen
// time.
func (s *Service) annotateWarning(ctx context.Context, conv *store.Conversation, t *EmailThread) error {
	now := s.now().UTC()
	stamp := now.Format(time.RFC3339)
	var subject string
	if t != nil {
		subject = t.Subject
	}

	meta, err := s.store.UpdateConversationMetadata(ctx, conv.ID, now, func(meta map[string]any) map[string]any {
		meta["warnings"] = recordWarning(meta["warnings"], WarningEmailReplyWithoutHeaders, stamp, subject)
		return meta
	})
	if err != nil {
		return err
	}
	conv.Metadata = meta
	if now.After(conv.UpdatedAt) {
		conv.UpdatedAt = now
	}
	return nil
}

func recordWarning(existing any, kind, stamp, subject string) []any {
	warnings, _ := existing.([]any)
	for _, w := range warnings {
		entry, ok := w.(map[string]any)
		if !ok || entry["type"] != kind {
			continue
		}
		count, _ := entry["count"].(float64)
		if count < 1 {
			count = 1
		}
		entry["count"] = count + 1
		entry["last_detected_at"] = stamp
		if subject != "" {
			entry["subject"] = subject
		}
		return warnings
	}

	entry := map[string]any{
		"type":             kind,
		"count":            float64(1),
		"detected_at":      stamp,
		"last_detected_at": stamp,
	}
	if subject != "" {
		entry["subject"] = subject
	}
	return append(warnings, entry)
}
