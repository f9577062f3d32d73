// ABOUTME: Store interface and data types for coven-inbox persistence
// ABOUTME: Defines people, conversations, messages, targets, macros and routing rules

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateMessage is returned when a message with the same external id
// already exists for the channel target
var ErrDuplicateMessage = errors.New("message already exists")

// ErrDuplicateAddress is returned when a channel address is already owned by a person
var ErrDuplicateAddress = errors.New("channel address already exists")

// ErrConversationChanged is returned when a status change lost a race with
// another writer
var ErrConversationChanged = errors.New("conversation changed concurrently")

// Message directions. A message's direction never changes after creation.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message delivery statuses
const (
	MessageStatusReceived  = "received"
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusFailed    = "failed"
)

// Macro visibility values
const (
	VisibilityPersonal = "personal"
	VisibilityShared   = "shared"
)

// Person is a customer contact.
type Person struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

// ChannelAddress links a normalized address on one channel to a person.
// (ChannelType, Address) is unique.
type ChannelAddress struct {
	ID          string
	PersonID    string
	ChannelType string
	Address     string
	CreatedAt   time.Time
}

// ChannelTarget is a configured connector endpoint: an inbox, a WhatsApp
// number. Targets are seeded from configuration and read-only at runtime.
type ChannelTarget struct {
	ID          string
	ChannelType string
	Name        string
	Address     string
	AuthConfig  map[string]any
	Metadata    map[string]any
	IsDefault   bool
}

// Conversation is a threaded exchange between one person and the business
// on one channel.
type Conversation struct {
	ID              string
	PersonID        string
	ChannelType     string
	Status          string
	IsActive        bool
	AssignedAgentID string
	Tags            []string
	SnoozedUntil    *time.Time
	LastMessageAt   *time.Time
	Metadata        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Message is a single inbound or outbound message. Exactly one of SentAt
// (outbound) and ReceivedAt (inbound) is set.
type Message struct {
	ID               string
	ConversationID   string
	ChannelType      string
	Direction        string
	Status           string
	ExternalID       string
	ReplyToMessageID string
	ChannelTargetID  string
	ContactAddress   string
	Subject          string
	Body             string
	Metadata         map[string]any
	SentAt           *time.Time
	ReceivedAt       *time.Time
	CreatedAt        time.Time
}

// Note is an internal agent note attached to a conversation.
type Note struct {
	ID             string
	ConversationID string
	AuthorAgentID  string
	Body           string
	CreatedAt      time.Time
}

// MacroAction is one step of a macro: a closed action type plus free-form params.
type MacroAction struct {
	ActionType string         `json:"action_type"`
	Params     map[string]any `json:"params"`
}

// Macro is a named, ordered list of actions an agent can apply to a conversation.
type Macro struct {
	ID             string
	Name           string
	Description    string
	Visibility     string
	OwnerAgentID   string
	Actions        []MacroAction
	ExecutionCount int
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ConversationFilter specifies filtering options for listing conversations.
type ConversationFilter struct {
	Status          *string
	ChannelType     *string
	AssignedAgentID *string
	ActiveOnly      bool
	Limit           int // default 100, max 1000
}

// ConversationState is a status change applied only while the stored status
// still equals FromStatus. A nil IsActive leaves the flag as stored. A set
// SnoozeDueBy additionally requires a stored snooze deadline at or before
// it.
type ConversationState struct {
	ID           string
	FromStatus   string
	Status       string
	IsActive     *bool
	SnoozedUntil *time.Time
	SnoozeDueBy  *time.Time
	UpdatedAt    time.Time
}

// Tx is the set of writes that must commit together.
type Tx interface {
	FindMessageByExternalID(ctx context.Context, externalID, channelTargetID string, acrossTargets bool) (*Message, error)
	CreateMessage(ctx context.Context, msg *Message) error
	TouchConversation(ctx context.Context, conversationID string, at time.Time) error
}

// Store defines the persistence operations used by the engine
type Store interface {
	// Transactions
	WithTx(ctx context.Context, fn func(Tx) error) error

	// People
	GetPerson(ctx context.Context, id string) (*Person, error)
	FindPersonByAddress(ctx context.Context, channelType, address string) (*Person, error)
	CreatePersonWithAddress(ctx context.Context, p *Person, addr *ChannelAddress) error

	// Channel targets
	UpsertChannelTarget(ctx context.Context, t *ChannelTarget) error
	GetChannelTarget(ctx context.Context, id string) (*ChannelTarget, error)
	DefaultChannelTarget(ctx context.Context, channelType string) (*ChannelTarget, error)
	ListChannelTargets(ctx context.Context) ([]*ChannelTarget, error)

	// Conversations
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	FindOpenConversation(ctx context.Context, personID, channelType string) (*Conversation, error)
	UpdateConversationState(ctx context.Context, u ConversationState) error
	AssignConversation(ctx context.Context, id, agentID string, at time.Time) error
	SetConversationActive(ctx context.Context, id string, active bool, at time.Time) error
	UpdateConversationMetadata(ctx context.Context, id string, at time.Time, fn func(map[string]any) map[string]any) (map[string]any, error)
	ListConversations(ctx context.Context, f ConversationFilter) ([]*Conversation, error)
	ListDueSnoozed(ctx context.Context, now time.Time) ([]*Conversation, error)
	AddTag(ctx context.Context, conversationID, tag string) error
	RemoveTag(ctx context.Context, conversationID, tag string) error

	// Messages
	CreateMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	FindMessageByExternalID(ctx context.Context, externalID, channelTargetID string, acrossTargets bool) (*Message, error)
	LastInboundMessage(ctx context.Context, conversationID string) (*Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	// Notes
	CreateNote(ctx context.Context, n *Note) error
	ListNotes(ctx context.Context, conversationID string) ([]*Note, error)

	// Macros
	CreateMacro(ctx context.Context, m *Macro) error
	UpdateMacro(ctx context.Context, m *Macro) error
	GetMacro(ctx context.Context, id string) (*Macro, error)
	ListMacrosForAgent(ctx context.Context, agentID string) ([]*Macro, error)
	DeactivateMacro(ctx context.Context, id string) error
	RecordMacroExecution(ctx context.Context, e *MacroExecution) error
	ListMacroExecutions(ctx context.Context, f MacroExecutionFilter) ([]MacroExecution, error)

	// Routing rules
	CreateRoutingRule(ctx context.Context, r *RoutingRule) error
	ListRoutingRules(ctx context.Context, channelType string) ([]*RoutingRule, error)
	DeleteRoutingRule(ctx context.Context, id string) error

	// Close releases any resources held by the store
	Close() error
}
