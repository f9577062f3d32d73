// ABOUTME: Definition-time validation of macros and their actions
// ABOUTME: Unknown action types and missing params are rejected before anything is stored

package macro

import (
	"errors"
	"fmt"
	"strings"

	"github.com/2389/coven-inbox/internal/conversation"
	"github.com/2389/coven-inbox/internal/store"
)

// Action types.
const (
	ActionSetStatus          = "set_status"
	ActionAddTag             = "add_tag"
	ActionRemoveTag          = "remove_tag"
	ActionAssignConversation = "assign_conversation"
	ActionSendTemplate       = "send_template"
	ActionAddNote            = "add_note"
)

// requiredParams lists, per action type, the params keys that must be present.
var requiredParams = map[string][]string{
	ActionSetStatus:          {"status"},
	ActionAddTag:             {"tag"},
	ActionRemoveTag:          {"tag"},
	ActionAssignConversation: {"agent_id"},
	ActionSendTemplate:       {"template"},
	ActionAddNote:            {"body"},
}

// ErrInvalidMacro is returned for a macro with a missing name or bad visibility.
var ErrInvalidMacro = errors.New("invalid macro")

// InvalidMacroActionError identifies the first invalid action of a macro.
type InvalidMacroActionError struct {
	Index      int
	ActionType string
	Reason     string
}

func (e *InvalidMacroActionError) Error() string {
	return fmt.Sprintf("invalid macro action %d (%q): %s", e.Index, e.ActionType, e.Reason)
}

// KnownActionType reports whether t is in the closed set of action types.
func KnownActionType(t string) bool {
	_, ok := requiredParams[t]
	return ok
}

// Validate checks a macro definition.
func Validate(m *store.Macro) error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidMacro)
	}
	if m.Visibility != store.VisibilityPersonal && m.Visibility != store.VisibilityShared {
		return fmt.Errorf("%w: visibility must be personal or shared, got %q", ErrInvalidMacro, m.Visibility)
	}
	if m.Visibility == store.VisibilityPersonal && m.OwnerAgentID == "" {
		return fmt.Errorf("%w: personal macros need an owner", ErrInvalidMacro)
	}
	return ValidateActions(m.Actions)
}

// ValidateActions checks every action's type and params.
func ValidateActions(actions []store.MacroAction) error {
	for i, a := range actions {
		keys, ok := requiredParams[a.ActionType]
		if !ok {
			return &InvalidMacroActionError{Index: i, ActionType: a.ActionType, Reason: "unknown action type"}
		}
		for _, k := range keys {
			if _, ok := a.Params[k]; !ok {
				return &InvalidMacroActionError{Index: i, ActionType: a.ActionType, Reason: "missing param " + k}
			}
		}
		if a.ActionType == ActionSetStatus {
			s, _ := a.Params["status"].(string)
			if !conversation.Status(s).Valid() {
				return &InvalidMacroActionError{Index: i, ActionType: a.ActionType, Reason: fmt.Sprintf("unknown status %q", s)}
			}
		}
	}
	return nil
}
