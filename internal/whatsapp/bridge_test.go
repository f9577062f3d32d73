// ABOUTME: Tests for the WhatsApp bridge client against an httptest websocket server

package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-inbox/internal/inbound"
	"github.com/2389/coven-inbox/internal/outbound"
)

type fakeBridge struct {
	server   *httptest.Server
	received chan frame
	push     chan frame
}

func newFakeBridge(t *testing.T) *fakeBridge {
	t.Helper()
	fb := &fakeBridge{received: make(chan frame, 8), push: make(chan frame, 8)}
	upgrader := websocket.Upgrader{}
	fb.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		go func() {
			for f := range fb.push {
				data, _ := json.Marshal(f)
				if conn.WriteMessage(websocket.TextMessage, data) != nil {
					return
				}
			}
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if json.Unmarshal(data, &f) == nil {
				fb.received <- f
			}
		}
	}))
	t.Cleanup(func() {
		close(fb.push)
		fb.server.Close()
	})
	return fb
}

func (fb *fakeBridge) url() string {
	return "ws" + strings.TrimPrefix(fb.server.URL, "http")
}

func TestBridge_Send(t *testing.T) {
	fb := newFakeBridge(t)
	b := NewBridge(fb.url(), "wa-1", nil, nil)
	defer b.Close()

	id, err := b.Send(context.Background(), outbound.Message{To: "+15550001111", Body: "hello"})
	require.NoError(t, err)
	assert.Empty(t, id)

	select {
	case f := <-fb.received:
		assert.Equal(t, "message", f.Type)
		assert.Equal(t, "+15550001111", f.To)
		assert.Equal(t, "hello", f.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not receive the message")
	}
}

func TestBridge_SendWithoutServer(t *testing.T) {
	b := NewBridge("ws://127.0.0.1:1/ws", "wa-1", nil, nil)
	_, err := b.Send(context.Background(), outbound.Message{To: "+1", Body: "x"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestBridge_RunDeliversInbound(t *testing.T) {
	fb := newFakeBridge(t)
	got := make(chan *inbound.WhatsAppPayload, 2)
	b := NewBridge(fb.url(), "wa-1", func(_ context.Context, p *inbound.WhatsAppPayload) {
		got <- p
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- b.Run(ctx) }()

	fb.push <- frame{Type: "message", From: "+15550001111", FromName: "Ana", Content: "hola", ID: "wamid.1", Timestamp: 1700000000}
	fb.push <- frame{Type: "message", From: "+15559999999", Content: "echo", ID: "wamid.2", FromMe: true}

	select {
	case p := <-got:
		assert.Equal(t, "+15550001111", p.From)
		assert.Equal(t, "Ana", p.ProfileName)
		assert.Equal(t, "wamid.1", p.MessageID)
		assert.Equal(t, "wa-1", p.ChannelTargetID)
		assert.Equal(t, time.Unix(1700000000, 0).UTC(), p.Timestamp)
		assert.Nil(t, p.Metadata)
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound payload")
	}
	select {
	case p := <-got:
		assert.Equal(t, true, p.Metadata["from_me"])
	case <-time.After(2 * time.Second):
		t.Fatal("no echo payload")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
