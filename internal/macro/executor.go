// ABOUTME: Runs a macro's actions in order against one conversation
// ABOUTME: Failures are counted, not fatal; every run is audited exactly once

package macro

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-inbox/internal/conversation"
	"github.com/2389/coven-inbox/internal/metrics"
	"github.com/2389/coven-inbox/internal/outbound"
	"github.com/2389/coven-inbox/internal/store"
)

// ExecutionStore is the persistence the executor needs.
type ExecutionStore interface {
	GetMacro(ctx context.Context, id string) (*store.Macro, error)
	RecordMacroExecution(ctx context.Context, e *store.MacroExecution) error
	AddTag(ctx context.Context, conversationID, tag string) error
	RemoveTag(ctx context.Context, conversationID, tag string) error
	CreateNote(ctx context.Context, n *store.Note) error
}

// Assigner sets a conversation's agent.
type Assigner interface {
	Assign(ctx context.Context, conv *store.Conversation, agentID string) error
}

// ReplySender sends an agent reply.
type ReplySender interface {
	Send(ctx context.Context, req outbound.Request) (*store.Message, error)
}

// Result summarizes one macro run.
type Result struct {
	OK              bool   `json:"ok"`
	ActionsExecuted int    `json:"actions_executed"`
	ActionsFailed   int    `json:"actions_failed"`
	ErrorDetail     string `json:"error_detail,omitempty"`
}

type actionFunc func(ctx context.Context, run *execution, params map[string]any) error

// execution is the state shared by the actions of one run.
type execution struct {
	macro *store.Macro
	conv  *store.Conversation
	actor string
}

// Executor runs macros.
type Executor struct {
	store         ExecutionStore
	conversations *conversation.Service
	assigner      Assigner
	sender        ReplySender
	metrics       *metrics.Metrics
	logger        *slog.Logger
	now           func() time.Time
	actions       map[string]actionFunc
}

// NewExecutor creates an executor. assigner and sender may be nil, in which
// case their actions fail when run.
func NewExecutor(st ExecutionStore, conversations *conversation.Service, assigner Assigner, sender ReplySender, m *metrics.Metrics, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		store:         st,
		conversations: conversations,
		assigner:      assigner,
		sender:        sender,
		metrics:       m,
		logger:        logger.With("component", "macro_executor"),
		now:           time.Now,
	}
	e.actions = map[string]actionFunc{
		ActionSetStatus:          e.setStatus,
		ActionAddTag:             e.addTag,
		ActionRemoveTag:          e.removeTag,
		ActionAssignConversation: e.assign,
		ActionSendTemplate:       e.sendTemplate,
		ActionAddNote:            e.addNote,
	}
	return e
}

// Execute runs macroID on conversationID on behalf of actorAgentID. Every
// action runs even if an earlier one failed. The run is audited and the
// macro's counter incremented once, whatever the outcome.
func (e *Executor) Execute(ctx context.Context, macroID, conversationID, actorAgentID string) (Result, error) {
	m, err := e.store.GetMacro(ctx, macroID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, ErrMacroNotFound
	}
	if err != nil {
		return Result{}, fmt.Errorf("loading macro: %w", err)
	}
	if !m.IsActive {
		return Result{}, ErrMacroNotFound
	}
	if m.Visibility == store.VisibilityPersonal && m.OwnerAgentID != actorAgentID {
		return Result{}, ErrForbidden
	}

	conv, err := e.conversations.Get(ctx, conversationID)
	if err != nil {
		return Result{}, err
	}

	run := &execution{macro: m, conv: conv, actor: actorAgentID}
	var res Result
	var failures []string
	for i, a := range m.Actions {
		if err := e.runAction(ctx, run, a); err != nil {
			res.ActionsFailed++
			failures = append(failures, fmt.Sprintf("%d %s: %v", i, a.ActionType, err))
			e.logger.Warn("macro action failed",
				"macro_id", m.ID,
				"conversation_id", conv.ID,
				"index", i,
				"action", a.ActionType,
				"error", err)
			continue
		}
		res.ActionsExecuted++
	}
	res.OK = res.ActionsFailed == 0
	if !res.OK {
		res.ErrorDetail = fmt.Sprintf("%d of %d actions failed: %s", res.ActionsFailed, len(m.Actions), strings.Join(failures, "; "))
	}

	audit := &store.MacroExecution{
		ID:              uuid.New().String(),
		MacroID:         m.ID,
		ConversationID:  conv.ID,
		ActorAgentID:    actorAgentID,
		OK:              res.OK,
		ActionsExecuted: res.ActionsExecuted,
		ActionsFailed:   res.ActionsFailed,
		ErrorDetail:     res.ErrorDetail,
		ExecutedAt:      e.now().UTC(),
	}
	if err := e.store.RecordMacroExecution(ctx, audit); err != nil {
		return res, fmt.Errorf("recording macro execution: %w", err)
	}
	e.metrics.ObserveMacro(res.OK)

	e.logger.Info("macro executed",
		"macro_id", m.ID,
		"conversation_id", conv.ID,
		"actor", actorAgentID,
		"ok", res.OK,
		"executed", res.ActionsExecuted,
		"failed", res.ActionsFailed)
	return res, nil
}

// runAction dispatches one action and turns a panic into a failure.
func (e *Executor) runAction(ctx context.Context, run *execution, a store.MacroAction) (err error) {
	fn, ok := e.actions[a.ActionType]
	if !ok {
		return fmt.Errorf("unknown action type %q", a.ActionType)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return fn(ctx, run, a.Params)
}

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("param %s must be a non-empty string", key)
	}
	return v, nil
}

func (e *Executor) setStatus(ctx context.Context, run *execution, params map[string]any) error {
	status, err := stringParam(params, "status")
	if err != nil {
		return err
	}
	to := conversation.Status(status)
	if to == conversation.StatusSnoozed {
		until, err := snoozeUntil(params, e.now())
		if err != nil {
			return err
		}
		return e.conversations.Snooze(ctx, run.conv, until)
	}
	return e.conversations.Transition(ctx, run.conv, to)
}

// snoozeUntil reads "until" (RFC 3339) or "minutes" from params, defaulting to one day.
func snoozeUntil(params map[string]any, now time.Time) (time.Time, error) {
	if s, ok := params["until"].(string); ok && s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("param until: %w", err)
		}
		return t, nil
	}
	if m, ok := params["minutes"].(float64); ok && m > 0 {
		return now.Add(time.Duration(m) * time.Minute), nil
	}
	return now.Add(24 * time.Hour), nil
}

func (e *Executor) addTag(ctx context.Context, run *execution, params map[string]any) error {
	tag, err := stringParam(params, "tag")
	if err != nil {
		return err
	}
	if err := e.store.AddTag(ctx, run.conv.ID, tag); err != nil {
		return err
	}
	for _, t := range run.conv.Tags {
		if t == tag {
			return nil
		}
	}
	run.conv.Tags = append(run.conv.Tags, tag)
	return nil
}

func (e *Executor) removeTag(ctx context.Context, run *execution, params map[string]any) error {
	tag, err := stringParam(params, "tag")
	if err != nil {
		return err
	}
	if err := e.store.RemoveTag(ctx, run.conv.ID, tag); err != nil {
		return err
	}
	kept := run.conv.Tags[:0]
	for _, t := range run.conv.Tags {
		if t != tag {
			kept = append(kept, t)
		}
	}
	run.conv.Tags = kept
	return nil
}

func (e *Executor) assign(ctx context.Context, run *execution, params map[string]any) error {
	if e.assigner == nil {
		return errors.New("assignment is not configured")
	}
	agent, err := stringParam(params, "agent_id")
	if err != nil {
		return err
	}
	if agent == "me" {
		agent = run.actor
	}
	return e.assigner.Assign(ctx, run.conv, agent)
}

// templateData is available to send_template templates.
type templateData struct {
	ConversationID string
	Channel        string
	Status         string
	Agent          string
	Tags           []string
}

func (e *Executor) sendTemplate(ctx context.Context, run *execution, params map[string]any) error {
	if e.sender == nil {
		return errors.New("sending is not configured")
	}
	text, err := stringParam(params, "template")
	if err != nil {
		return err
	}
	tmpl, err := template.New("reply").Option("missingkey=error").Parse(text)
	if err != nil {
		return fmt.Errorf("parsing template: %w", err)
	}
	var body strings.Builder
	if err := tmpl.Execute(&body, templateData{
		ConversationID: run.conv.ID,
		Channel:        run.conv.ChannelType,
		Status:         run.conv.Status,
		Agent:          run.actor,
		Tags:           run.conv.Tags,
	}); err != nil {
		return fmt.Errorf("rendering template: %w", err)
	}

	subject, _ := params["subject"].(string)
	_, err = e.sender.Send(ctx, outbound.Request{
		ConversationID: run.conv.ID,
		Subject:        subject,
		Body:           body.String(),
		AgentID:        run.actor,
		Metadata:       map[string]any{"macro_id": run.macro.ID},
	})
	if err != nil {
		return err
	}
	// The send moved last_message_at; later actions write the whole row.
	fresh, err := e.conversations.Get(ctx, run.conv.ID)
	if err != nil {
		return err
	}
	*run.conv = *fresh
	return nil
}

func (e *Executor) addNote(ctx context.Context, run *execution, params map[string]any) error {
	body, err := stringParam(params, "body")
	if err != nil {
		return err
	}
	return e.store.CreateNote(ctx, &store.Note{
		ID:             uuid.New().String(),
		ConversationID: run.conv.ID,
		AuthorAgentID:  run.actor,
		Body:           body,
		CreatedAt:      e.now().UTC(),
	})
}
