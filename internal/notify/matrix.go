// ABOUTME: Matrix notifier on mautrix

package notify

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// MatrixConfig identifies the notifying account and agent rooms.
type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
	Rooms       map[string]string // agent id -> room id
	DefaultRoom string
}

// MatrixNotifier posts summaries to a Matrix room per agent.
type MatrixNotifier struct {
	client      *mautrix.Client
	rooms       map[string]string
	defaultRoom string
}

// NewMatrixNotifier creates a Matrix client for the configured account.
func NewMatrixNotifier(cfg MatrixConfig) (*MatrixNotifier, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return &MatrixNotifier{client: client, rooms: cfg.Rooms, defaultRoom: cfg.DefaultRoom}, nil
}

func (n *MatrixNotifier) Notify(ctx context.Context, agentID, text string) error {
	room, err := destination(n.rooms, n.defaultRoom, agentID)
	if err != nil {
		return err
	}
	if _, err := n.client.SendText(ctx, id.RoomID(room), text); err != nil {
		return fmt.Errorf("sending matrix notification: %w", err)
	}
	return nil
}
