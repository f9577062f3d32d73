// ABOUTME: Tests for notifiers against httptest Matrix and Slack endpoints

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-inbox/internal/store"
)

func TestRenderSummary(t *testing.T) {
	conv := &store.Conversation{ID: "c1", ChannelType: "email", Status: "open"}
	msg := &store.Message{ContactAddress: "alice@example.com", Subject: "Help", Body: "  X  "}

	assert.Equal(t, "New email message from alice@example.com: Help\nX\nConversation c1 (open)", RenderSummary(conv, msg))

	long := &store.Message{ContactAddress: "+1555", Body: strings.Repeat("a", 500)}
	text := RenderSummary(&store.Conversation{ID: "c2", ChannelType: "whatsapp", Status: "pending"}, long)
	assert.Contains(t, text, strings.Repeat("a", previewLength)+"…")
	assert.NotContains(t, text, strings.Repeat("a", previewLength+1))
}

func TestMatrixNotifier(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		bodies = append(bodies, body)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"event_id":"$evt1"}`))
	}))
	defer srv.Close()

	n, err := NewMatrixNotifier(MatrixConfig{
		Homeserver:  srv.URL,
		UserID:      "@inbox:example.org",
		AccessToken: "tok",
		Rooms:       map[string]string{"agent-1": "!room1:example.org"},
	})
	require.NoError(t, err)

	require.NoError(t, n.Notify(context.Background(), "agent-1", "hello"))
	mu.Lock()
	defer mu.Unlock()
	sent := -1
	for i, p := range paths {
		if strings.Contains(p, "/rooms/!room1:example.org/send/m.room.message/") {
			sent = i
		}
	}
	require.GreaterOrEqual(t, sent, 0, "paths: %v", paths)
	assert.Equal(t, "hello", bodies[sent]["body"])
	assert.Equal(t, "m.text", bodies[sent]["msgtype"])

}

func TestMatrixNotifierUnknownAgent(t *testing.T) {
	n, err := NewMatrixNotifier(MatrixConfig{Homeserver: "http://127.0.0.1:1", UserID: "@inbox:example.org"})
	require.NoError(t, err)
	assert.ErrorIs(t, n.Notify(context.Background(), "agent-2", "hello"), ErrNoDestination)
}

func TestSlackNotifier(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form = r.PostForm
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat.postMessage"), r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1700000000.000100"}`))
	}))
	defer srv.Close()

	n := NewSlackNotifier(SlackConfig{
		BotToken:       "xoxb-test",
		DefaultChannel: "C1",
		APIURL:         srv.URL + "/",
	})
	require.NoError(t, n.Notify(context.Background(), "anyone", "New message"))
	assert.Equal(t, "C1", form.Get("channel"))
	assert.Equal(t, "New message", form.Get("text"))
}

type stubNotifier struct {
	err   error
	calls int
}

func (s *stubNotifier) Notify(context.Context, string, string) error {
	s.calls++
	return s.err
}

func TestMulti(t *testing.T) {
	ok := &stubNotifier{}
	missing := &stubNotifier{err: ErrNoDestination}
	broken := &stubNotifier{err: errors.New("down")}

	assert.NoError(t, Multi{ok, missing}.Notify(context.Background(), "a", "t"))

	err := Multi{broken, ok}.Notify(context.Background(), "a", "t")
	assert.ErrorContains(t, err, "down")
	assert.Equal(t, 2, ok.calls, "later notifiers still run")
}
