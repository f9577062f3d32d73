// ABOUTME: WebSocket client for a WhatsApp bridge: sends replies, receives customer messages
// ABOUTME: Reconnects with exponential backoff; inbound frames feed the inbound pipeline

package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-inbox/internal/inbound"
	"github.com/2389/coven-inbox/internal/normalize"
	"github.com/2389/coven-inbox/internal/outbound"
)

// ErrNotConnected is returned by Send when the bridge is unreachable.
var ErrNotConnected = errors.New("whatsapp bridge not connected")

// InboundFunc receives customer messages read from the bridge.
type InboundFunc func(ctx context.Context, p *inbound.WhatsAppPayload)

// frame is the bridge's JSON message format in both directions.
type frame struct {
	Type      string `json:"type"`
	To        string `json:"to,omitempty"`
	From      string `json:"from,omitempty"`
	FromName  string `json:"from_name,omitempty"`
	Content   string `json:"content"`
	ID        string `json:"id,omitempty"`
	ReplyTo   string `json:"reply_to,omitempty"`
	FromMe    bool   `json:"from_me,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Bridge connects to one bridge endpoint serving one channel target.
type Bridge struct {
	url       string
	targetID  string
	onMessage InboundFunc
	logger    *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewBridge creates a bridge client. onMessage may be nil for send-only use.
func NewBridge(url, targetID string, onMessage InboundFunc, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		url:       url,
		targetID:  targetID,
		onMessage: onMessage,
		logger:    logger.With("component", "whatsapp_bridge"),
	}
}

func (b *Bridge) Name() string { return normalize.ChannelWhatsApp }

// Send writes a reply frame. The bridge does not return provider ids.
func (b *Bridge) Send(ctx context.Context, msg outbound.Message) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		if err := b.connectLocked(ctx); err != nil {
			return "", fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
	}

	data, err := json.Marshal(frame{Type: "message", To: msg.To, Content: msg.Body})
	if err != nil {
		return "", fmt.Errorf("marshal whatsapp message: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = b.conn.SetWriteDeadline(deadline)
		defer func() { _ = b.conn.SetWriteDeadline(time.Time{}) }()
	}
	if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		_ = b.conn.Close()
		b.conn = nil
		return "", fmt.Errorf("send whatsapp message: %w", err)
	}
	return "", nil
}

func (b *Bridge) connectLocked(ctx context.Context) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, _, err := dialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", b.url, err)
	}
	b.conn = conn
	b.logger.Info("whatsapp bridge connected", "url", b.url)
	return nil
}

// Run reads from the bridge until ctx is done, reconnecting with backoff.
func (b *Bridge) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			b.Close()
			return nil
		}

		b.mu.Lock()
		conn := b.conn
		if conn == nil {
			if err := b.connectLocked(ctx); err != nil {
				b.mu.Unlock()
				b.logger.Warn("whatsapp bridge connect failed", "error", err, "backoff", backoff)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, 30*time.Second)
				continue
			}
			conn = b.conn
			backoff = time.Second
		}
		b.mu.Unlock()

		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		_, data, err := conn.ReadMessage()
		stop()
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Warn("whatsapp read error, will reconnect", "error", err)
			}
			b.mu.Lock()
			if b.conn == conn {
				_ = conn.Close()
				b.conn = nil
			}
			b.mu.Unlock()
			continue
		}
		b.handleFrame(ctx, data)
	}
}

func (b *Bridge) handleFrame(ctx context.Context, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		b.logger.Warn("invalid whatsapp frame", "error", err)
		return
	}
	if f.Type != "message" || f.From == "" || b.onMessage == nil {
		return
	}

	p := &inbound.WhatsAppPayload{
		From:            f.From,
		ProfileName:     f.FromName,
		MessageID:       f.ID,
		Body:            f.Content,
		ReplyToID:       f.ReplyTo,
		ChannelTargetID: b.targetID,
	}
	if f.Timestamp > 0 {
		p.Timestamp = time.Unix(f.Timestamp, 0).UTC()
	}
	if f.FromMe {
		p.Metadata = map[string]any{"from_me": true}
	}
	b.onMessage(ctx, p)
}

// Close drops the connection.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
}
