// Package ws implements the WebSocket transport (spec §4.5.3):
// full-duplex, message-framed JSON with client message types
// prompt/abort/approval/ping/command and server message types
// event/error/pong/connected.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/amplifier-run/runtime/internal/command"
	"github.com/amplifier-run/runtime/internal/eventbus"
	"github.com/amplifier-run/runtime/pkg/protocol"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = pingInterval + 10*time.Second
	writeWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientMessage is the shape of every frame a client sends.
type clientMessage struct {
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// serverMessage is the shape of every frame the server sends.
type serverMessage struct {
	Type      string          `json:"type"`
	Payload   any             `json:"payload,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Event     *protocol.Event `json:"event,omitempty"`
}

// Transport upgrades HTTP connections to WebSocket and drives the
// command/event protocol over full-duplex frames.
type Transport struct {
	dispatcher *command.Dispatcher
	bus        *eventbus.Bus
}

// New builds a ws Transport.
func New(dispatcher *command.Dispatcher, bus *eventbus.Bus) *Transport {
	return &Transport{dispatcher: dispatcher, bus: bus}
}

// Handler returns an http.HandlerFunc that upgrades the connection and
// serves it until the client disconnects. sessionID, when non-empty,
// scopes every client command to that session (the /ws/sessions/{id}
// route); commands for other routes leave it empty.
func (t *Transport) Handler(sessionID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error().Err(err).Msg("ws upgrade failed")
			return
		}
		t.serve(r.Context(), conn, sessionID)
	}
}

type connection struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *connection) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (t *Transport) serve(ctx context.Context, wsConn *websocket.Conn, scopedSessionID string) {
	conn := &connection{conn: wsConn}
	defer wsConn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wsConn.SetReadDeadline(time.Now().Add(pongWait))
	wsConn.SetPongHandler(func(string) error {
		wsConn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	unsub := t.bus.SubscribeAll(func(e protocol.Event) {
		if err := conn.writeJSON(serverMessage{Type: "event", Event: &e}); err != nil {
			cancel()
		}
	})
	defer unsub()

	conn.writeJSON(serverMessage{Type: "connected", Payload: map[string]any{"protocol_version": "1.0"}})

	var wg sync.WaitGroup
	defer wg.Wait()

	go t.pingLoop(connCtx, conn)

	for {
		var msg clientMessage
		if err := wsConn.ReadJSON(&msg); err != nil {
			cancel()
			break
		}

		cmd, ok := toCommand(msg, scopedSessionID)
		if !ok {
			conn.writeJSON(serverMessage{Type: "error", RequestID: msg.RequestID, Payload: map[string]any{
				"code": protocol.CodeInvalidRequest, "error": "unrecognized message type",
			}})
			continue
		}

		wg.Add(1)
		go func(cmd protocol.Command, requestID string) {
			defer wg.Done()
			t.handleCommand(connCtx, conn, cmd, requestID)
		}(cmd, msg.RequestID)
	}
}

func (t *Transport) handleCommand(ctx context.Context, conn *connection, cmd protocol.Command, requestID string) {
	out := make(chan protocol.Event, 8)
	go func() {
		t.dispatcher.Dispatch(ctx, cmd, out)
		close(out)
	}()

	for e := range out {
		if e.Type == protocol.EventPong {
			pongID := requestID
			if pongID == "" {
				pongID = cmd.ID
			}
			conn.writeJSON(serverMessage{Type: "pong", RequestID: pongID})
			continue
		}
		conn.writeJSON(serverMessage{Type: "event", RequestID: requestID, Event: &e})
	}
}

func (t *Transport) pingLoop(ctx context.Context, conn *connection) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.mu.Lock()
			conn.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.conn.WriteMessage(websocket.PingMessage, nil)
			conn.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// toCommand translates one client frame into a protocol.Command. The
// generic "command" type passes {cmd,params} straight through; the
// named shorthands (prompt/abort/approval/ping) are sugar over the
// equivalent prompt.send/prompt.cancel/approval.respond/ping commands.
func toCommand(msg clientMessage, scopedSessionID string) (protocol.Command, bool) {
	params := msg.Payload
	if params == nil {
		params = map[string]any{}
	}
	if scopedSessionID != "" {
		params["session_id"] = scopedSessionID
	}

	switch msg.Type {
	case "prompt":
		return protocol.Command{ID: protocol.NewCommandID(), Cmd: protocol.CmdPromptSend, Params: params}, true
	case "abort":
		return protocol.Command{ID: protocol.NewCommandID(), Cmd: protocol.CmdPromptCancel, Params: params}, true
	case "approval":
		return protocol.Command{ID: protocol.NewCommandID(), Cmd: protocol.CmdApprovalRespond, Params: params}, true
	case "ping":
		return protocol.Command{ID: protocol.NewCommandID(), Cmd: protocol.CmdPing, Params: params}, true
	case "command":
		cmdName, _ := params["cmd"].(string)
		cmdParams, _ := params["params"].(map[string]any)
		if cmdName == "" {
			return protocol.Command{}, false
		}
		if scopedSessionID != "" {
			if cmdParams == nil {
				cmdParams = map[string]any{}
			}
			cmdParams["session_id"] = scopedSessionID
		}
		return protocol.Command{ID: protocol.NewCommandID(), Cmd: cmdName, Params: cmdParams}, true
	default:
		return protocol.Command{}, false
	}
}
