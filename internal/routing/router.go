// ABOUTME: Assigns unassigned conversations to agents using channel routing rules
// ABOUTME: Target-specific rules win over wildcard rules; higher priority first

package routing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-inbox/internal/store"
)

// RuleStore is the persistence the router needs.
type RuleStore interface {
	ListRoutingRules(ctx context.Context, channelType string) ([]*store.RoutingRule, error)
	AssignConversation(ctx context.Context, id, agentID string, at time.Time) error
}

// Router applies routing rules.
type Router struct {
	store  RuleStore
	logger *slog.Logger
	now    func() time.Time
}

// New creates a router.
func New(st RuleStore, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:  st,
		logger: logger.With("component", "routing"),
		now:    time.Now,
	}
}

// Match returns the rule that applies to a message on channelType arriving
// on targetID, or nil.
func (r *Router) Match(ctx context.Context, channelType, targetID string) (*store.RoutingRule, error) {
	rules, err := r.store.ListRoutingRules(ctx, channelType)
	if err != nil {
		return nil, fmt.Errorf("listing routing rules: %w", err)
	}
	var wildcard *store.RoutingRule
	for _, rule := range rules {
		if rule.ChannelTargetID == "" {
			if wildcard == nil {
				wildcard = rule
			}
			continue
		}
		if targetID != "" && rule.ChannelTargetID == targetID {
			return rule, nil
		}
	}
	return wildcard, nil
}

// Route assigns conv to the matching rule's agent when it has no agent yet.
// It returns the conversation's agent after routing, possibly empty.
func (r *Router) Route(ctx context.Context, conv *store.Conversation, msg *store.Message) (string, error) {
	if conv.AssignedAgentID != "" {
		return conv.AssignedAgentID, nil
	}
	rule, err := r.Match(ctx, conv.ChannelType, msg.ChannelTargetID)
	if err != nil {
		return "", err
	}
	if rule == nil {
		r.logger.Debug("no routing rule", "conversation_id", conv.ID, "channel", conv.ChannelType)
		return "", nil
	}
	if err := r.Assign(ctx, conv, rule.AgentID); err != nil {
		return "", err
	}
	r.logger.Info("conversation routed",
		"conversation_id", conv.ID,
		"agent_id", rule.AgentID,
		"rule_id", rule.ID)
	return rule.AgentID, nil
}

// Assign sets the conversation's agent. An empty agentID unassigns.
func (r *Router) Assign(ctx context.Context, conv *store.Conversation, agentID string) error {
	now := r.now().UTC()
	if err := r.store.AssignConversation(ctx, conv.ID, agentID, now); err != nil {
		return fmt.Errorf("assigning conversation: %w", err)
	}
	conv.AssignedAgentID = agentID
	if now.After(conv.UpdatedAt) {
		conv.UpdatedAt = now
	}
	return nil
}
