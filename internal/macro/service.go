// ABOUTME: Macro definitions: create, update, list for an agent, soft delete
// ABOUTME: Validation runs before every write

package macro

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-inbox/internal/store"
)

var (
	// ErrMacroNotFound is returned for a missing or deleted macro.
	ErrMacroNotFound = errors.New("macro not found")
	// ErrForbidden is returned when an agent touches another agent's personal macro.
	ErrForbidden = errors.New("macro belongs to another agent")
)

// DefinitionStore is the persistence for macro definitions.
type DefinitionStore interface {
	CreateMacro(ctx context.Context, m *store.Macro) error
	UpdateMacro(ctx context.Context, m *store.Macro) error
	GetMacro(ctx context.Context, id string) (*store.Macro, error)
	ListMacrosForAgent(ctx context.Context, agentID string) ([]*store.Macro, error)
	DeactivateMacro(ctx context.Context, id string) error
}

// Service manages macro definitions.
type Service struct {
	store  DefinitionStore
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a macro service.
func NewService(st DefinitionStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger.With("component", "macro"), now: time.Now}
}

// Create validates and stores a new macro owned by agentID.
func (s *Service) Create(ctx context.Context, agentID string, m *store.Macro) error {
	m.OwnerAgentID = agentID
	if err := Validate(m); err != nil {
		return err
	}
	now := s.now().UTC()
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.IsActive = true
	m.ExecutionCount = 0
	m.CreatedAt = now
	m.UpdatedAt = now
	if err := s.store.CreateMacro(ctx, m); err != nil {
		return err
	}
	s.logger.Info("macro created", "macro_id", m.ID, "name", m.Name, "owner", agentID)
	return nil
}

// Get returns an active macro visible to agentID.
func (s *Service) Get(ctx context.Context, agentID, id string) (*store.Macro, error) {
	m, err := s.store.GetMacro(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrMacroNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading macro: %w", err)
	}
	if !m.IsActive {
		return nil, ErrMacroNotFound
	}
	if m.Visibility == store.VisibilityPersonal && m.OwnerAgentID != agentID {
		return nil, ErrForbidden
	}
	return m, nil
}

// Update replaces the editable fields of an existing macro. Only the owner
// may edit a macro; shared macros stay owned by their creator.
func (s *Service) Update(ctx context.Context, agentID string, m *store.Macro) error {
	existing, err := s.Get(ctx, agentID, m.ID)
	if err != nil {
		return err
	}
	if existing.OwnerAgentID != agentID {
		return ErrForbidden
	}
	m.OwnerAgentID = existing.OwnerAgentID
	if err := Validate(m); err != nil {
		return err
	}
	m.IsActive = true
	m.ExecutionCount = existing.ExecutionCount
	m.CreatedAt = existing.CreatedAt
	m.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateMacro(ctx, m); err != nil {
		return err
	}
	s.logger.Info("macro updated", "macro_id", m.ID, "agent_id", agentID)
	return nil
}

// ListForAgent returns the agent's personal macros and all shared macros,
// most used first.
func (s *Service) ListForAgent(ctx context.Context, agentID string) ([]*store.Macro, error) {
	return s.store.ListMacrosForAgent(ctx, agentID)
}

// Delete deactivates a macro. Execution history keeps referring to it.
func (s *Service) Delete(ctx context.Context, agentID, id string) error {
	m, err := s.Get(ctx, agentID, id)
	if err != nil {
		return err
	}
	if m.OwnerAgentID != agentID {
		return ErrForbidden
	}
	if err := s.store.DeactivateMacro(ctx, id); err != nil {
		return fmt.Errorf("deactivating macro: %w", err)
	}
	s.logger.Info("macro deleted", "macro_id", id, "agent_id", agentID)
	return nil
}
