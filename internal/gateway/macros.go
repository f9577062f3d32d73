// ABOUTME: HTTP API handlers for macro definitions and execution
// ABOUTME: Definitions are validated before storing; runs report per-action counts

package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/2389/coven-inbox/internal/auth"
	"github.com/2389/coven-inbox/internal/store"
)

// MacroRequest is the JSON body for creating or updating a macro.
type MacroRequest struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Visibility  string              `json:"visibility"` // "personal" or "shared"
	Actions     []store.MacroAction `json:"actions"`
}

// MacroResponse is the JSON form of a macro.
type MacroResponse struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Description    string              `json:"description,omitempty"`
	Visibility     string              `json:"visibility"`
	OwnerAgentID   string              `json:"owner_agent_id"`
	Actions        []store.MacroAction `json:"actions"`
	ExecutionCount int                 `json:"execution_count"`
	CreatedAt      string              `json:"created_at"`
	UpdatedAt      string              `json:"updated_at"`
}

// ListMacrosResponse is the JSON response for GET /api/macros.
type ListMacrosResponse struct {
	Macros []MacroResponse `json:"macros"`
}

func toMacroResponse(m *store.Macro) MacroResponse {
	actions := m.Actions
	if actions == nil {
		actions = []store.MacroAction{}
	}
	return MacroResponse{
		ID:             m.ID,
		Name:           m.Name,
		Description:    m.Description,
		Visibility:     m.Visibility,
		OwnerAgentID:   m.OwnerAgentID,
		Actions:        actions,
		ExecutionCount: m.ExecutionCount,
		CreatedAt:      formatTime(m.CreatedAt),
		UpdatedAt:      formatTime(m.UpdatedAt),
	}
}

func decodeMacro(r *http.Request) (*store.Macro, bool) {
	var req MacroRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, false
	}
	return &store.Macro{
		Name:        req.Name,
		Description: req.Description,
		Visibility:  req.Visibility,
		Actions:     req.Actions,
	}, true
}

// handleListMacros handles GET /api/macros.
func (g *Gateway) handleListMacros(w http.ResponseWriter, r *http.Request) {
	macros, err := g.macros.ListForAgent(r.Context(), auth.AgentFromContext(r.Context()))
	if err != nil {
		g.writeError(w, err)
		return
	}
	resp := ListMacrosResponse{Macros: make([]MacroResponse, len(macros))}
	for i, m := range macros {
		resp.Macros[i] = toMacroResponse(m)
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleCreateMacro handles POST /api/macros.
func (g *Gateway) handleCreateMacro(w http.ResponseWriter, r *http.Request) {
	m, ok := decodeMacro(r)
	if !ok {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := g.macros.Create(r.Context(), auth.AgentFromContext(r.Context()), m); err != nil {
		g.writeError(w, err)
		return
	}
	g.sendJSON(w, http.StatusCreated, toMacroResponse(m))
}

// handleUpdateMacro handles PUT /api/macros/{id}.
func (g *Gateway) handleUpdateMacro(w http.ResponseWriter, r *http.Request) {
	m, ok := decodeMacro(r)
	if !ok {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	m.ID = r.PathValue("id")
	if err := g.macros.Update(r.Context(), auth.AgentFromContext(r.Context()), m); err != nil {
		g.writeError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, toMacroResponse(m))
}

// handleDeleteMacro handles DELETE /api/macros/{id}.
func (g *Gateway) handleDeleteMacro(w http.ResponseWriter, r *http.Request) {
	if err := g.macros.Delete(r.Context(), auth.AgentFromContext(r.Context()), r.PathValue("id")); err != nil {
		g.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExecuteMacro handles POST /api/conversations/{id}/macros/{macroID}.
// A run with failed actions still answers 200; the body carries the counts.
func (g *Gateway) handleExecuteMacro(w http.ResponseWriter, r *http.Request) {
	res, err := g.executor.Execute(r.Context(), r.PathValue("macroID"), r.PathValue("id"), auth.AgentFromContext(r.Context()))
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.inbox.Purge()
	g.sendJSON(w, http.StatusOK, res)
}
