package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amplifier-run/runtime/internal/command"
	"github.com/amplifier-run/runtime/internal/eventbus"
	"github.com/amplifier-run/runtime/internal/session"
	"github.com/amplifier-run/runtime/internal/store"
	"github.com/amplifier-run/runtime/pkg/bundlehost"
)

type noopHost struct{ events chan bundlehost.Event }

func (h *noopHost) Execute(ctx context.Context, prompt string) (<-chan bundlehost.Event, error) {
	return h.events, nil
}
func (h *noopHost) Cancel()                                  {}
func (h *noopHost) Context() []bundlehost.ContextMessage      { return nil }
func (h *noopHost) Seed(messages []bundlehost.ContextMessage) {}
func (h *noopHost) Close() error                             { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *Transport) {
	st := store.New(t.TempDir())
	bus := eventbus.New()
	factory := func(ctx context.Context, opts session.CreateOptions) (bundlehost.Host, error) {
		return &noopHost{events: make(chan bundlehost.Event)}, nil
	}
	dispatcher := command.New(session.NewManager(st, bus, factory))
	tr := New(dispatcher, bus)

	srv := httptest.NewServer(tr.Handler(""))
	t.Cleanup(srv.Close)
	return srv, tr
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestConnectEmitsConnectedMessage(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	var msg serverMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "connected", msg.Type)
}

func TestPingReceivesPong(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	var connected serverMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&connected))

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "ping", RequestID: "req-1"}))

	var msg serverMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "pong", msg.Type)
}

func TestUnknownMessageTypeReturnsError(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	var connected serverMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&connected))

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "bogus"}))

	var msg serverMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)
}

func TestToCommandScopesSessionID(t *testing.T) {
	cmd, ok := toCommand(clientMessage{Type: "prompt", Payload: map[string]any{"content": "hi"}}, "sess_1")
	require.True(t, ok)
	assert.Equal(t, "sess_1", cmd.Params["session_id"])
	assert.Equal(t, "hi", cmd.Params["content"])
}

func TestToCommandGenericPassesThroughCmdAndParams(t *testing.T) {
	cmd, ok := toCommand(clientMessage{Type: "command", Payload: map[string]any{
		"cmd":    "session.list",
		"params": map[string]any{},
	}}, "")
	require.True(t, ok)
	assert.Equal(t, "session.list", cmd.Cmd)
}
