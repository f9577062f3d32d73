// ABOUTME: Post-commit work for newly stored inbound messages
// ABOUTME: Routing, live events, agent notification, inbox cache invalidation and the domain event log

package gateway

import (
	"context"

	"github.com/2389/coven-inbox/internal/notify"
	"github.com/2389/coven-inbox/internal/store"
)

// registerHooks attaches the after-commit hooks in the order they must run:
// routing assigns the agent that notification then addresses.
func (g *Gateway) registerHooks() {
	g.pipeline.AfterCommit("route", g.routeMessage)
	g.pipeline.AfterCommit("inbox_cache", g.invalidateInbox)
	g.pipeline.AfterCommit("broadcast", g.broadcastMessage)
	g.pipeline.AfterCommit("notify", g.notifyAgent)
	g.pipeline.AfterCommit("event_log", g.recordEvent)
}

func (g *Gateway) routeMessage(ctx context.Context, conv *store.Conversation, msg *store.Message) error {
	_, err := g.router.Route(ctx, conv, msg)
	return err
}

func (g *Gateway) invalidateInbox(context.Context, *store.Conversation, *store.Message) error {
	g.inbox.Purge()
	return nil
}

func (g *Gateway) broadcastMessage(_ context.Context, conv *store.Conversation, msg *store.Message) error {
	g.broadcaster.PublishMessage(conv, msg)
	return nil
}

func (g *Gateway) notifyAgent(ctx context.Context, conv *store.Conversation, msg *store.Message) error {
	if g.notifier == nil || conv.AssignedAgentID == "" {
		return nil
	}
	return g.notifier.Notify(ctx, conv.AssignedAgentID, notify.RenderSummary(conv, msg))
}

// recordEvent writes the message_received domain event to the log.
func (g *Gateway) recordEvent(_ context.Context, conv *store.Conversation, msg *store.Message) error {
	g.logger.Info("domain event",
		"event", "message_received",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"channel", msg.ChannelType,
		"channel_target_id", msg.ChannelTargetID,
		"assigned_agent_id", conv.AssignedAgentID)
	return nil
}
