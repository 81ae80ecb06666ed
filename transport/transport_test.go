package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/botstreams/types"
)

// collectSink records submitted events
type collectSink struct {
	mu     sync.Mutex
	events []types.Event
}

func (s *collectSink) Submit(ctx context.Context, event types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *collectSink) snapshot() []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Event, len(s.events))
	copy(out, s.events)
	return out
}

func TestDecodeEvent(t *testing.T) {
	var seq atomic.Uint64

	event, err := decodeEvent([]byte(`{
		"id": "evt-1",
		"tenant": "guild-1",
		"author": "user-7",
		"payload": {"text": "hello"},
		"sequence": 42
	}`), &seq)
	require.NoError(t, err)

	assert.Equal(t, "evt-1", event.ID)
	assert.Equal(t, types.TenantID("guild-1"), event.Tenant)
	assert.Equal(t, "user-7", event.Author)
	assert.False(t, event.AuthorIsFeature)
	assert.JSONEq(t, `{"text":"hello"}`, string(event.Payload))
	assert.Equal(t, uint64(42), event.Sequence)
}

func TestDecodeEventFillsDefaults(t *testing.T) {
	var seq atomic.Uint64

	first, err := decodeEvent([]byte(`{"tenant":"g","author":"a"}`), &seq)
	require.NoError(t, err)
	second, err := decodeEvent([]byte(`{"tenant":"g","author":"a"}`), &seq)
	require.NoError(t, err)

	// Missing IDs are generated, missing sequences count up locally
	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, uint64(2), second.Sequence)
}

func TestDecodeEventRejectsGarbage(t *testing.T) {
	var seq atomic.Uint64
	_, err := decodeEvent([]byte("not json"), &seq)
	require.Error(t, err)
}

func TestDecodeEventFeatureAuthorFlag(t *testing.T) {
	var seq atomic.Uint64
	event, err := decodeEvent([]byte(`{"tenant":"g","author":"bot","author_is_feature":true}`), &seq)
	require.NoError(t, err)
	assert.True(t, event.AuthorIsFeature)
}

func TestWebSocketSourceDeliversFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	frames := []string{
		`{"tenant":"guild-1","author":"user-1","sequence":1,"payload":{"text":"one"}}`,
		`{"tenant":"guild-1","author":"user-2","sequence":2,"payload":{"text":"two"}}`,
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for _, frame := range frames {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
		}
		// Hold the connection open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	sink := &collectSink{}
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	source, err := NewWebSocketSource(WebSocketConfig{URL: url}, sink, nil)
	require.NoError(t, err)

	require.NoError(t, source.Start(context.Background()))
	defer func() { _ = source.Stop() }()

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.snapshot()) < 2 {
		require.True(t, time.Now().Before(deadline), "frames never arrived")
		time.Sleep(10 * time.Millisecond)
	}

	events := sink.snapshot()
	assert.Equal(t, types.TenantID("guild-1"), events[0].Tenant)
	assert.Equal(t, uint64(1), events[0].Sequence)
	assert.Equal(t, uint64(2), events[1].Sequence)
}

func TestWebSocketSourceAuthHeader(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var gotAuth atomic.Value

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	sink := &collectSink{}
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	source, err := NewWebSocketSource(WebSocketConfig{URL: url, Token: "secret"}, sink, nil)
	require.NoError(t, err)

	require.NoError(t, source.Start(context.Background()))

	deadline := time.Now().Add(2 * time.Second)
	for gotAuth.Load() == nil {
		require.True(t, time.Now().Before(deadline), "handshake never arrived")
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, source.Stop())

	assert.Equal(t, "Bearer secret", gotAuth.Load())
}

func TestWebSocketSourceLifecycle(t *testing.T) {
	sink := &collectSink{}
	source, err := NewWebSocketSource(WebSocketConfig{URL: "ws://127.0.0.1:1"}, sink, nil)
	require.NoError(t, err)

	assert.Error(t, source.Stop()) // not started

	require.NoError(t, source.Start(context.Background()))
	assert.Error(t, source.Start(context.Background())) // already started
	require.NoError(t, source.Stop())
}
