package jsonrpc

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// RegisterRoutes mounts the three ACP endpoints from spec §6 onto
// router: POST /acp/rpc (one request, one response), GET /acp/events
// (SSE notification fan-out for requests that streamed via /acp/rpc
// elsewhere), and WS /acp/ws (full request/notification duplex, the
// common case for editor integrations).
func (a *Adapter) RegisterRoutes(router chi.Router) {
	hub := newNotificationHub()
	router.Post("/acp/rpc", a.handleRPC(hub))
	router.Get("/acp/events", hub.handleSSE)
	router.Get("/acp/ws", a.handleWS)
}

// notificationHub fans session/update (and any other) notifications
// produced by /acp/rpc calls out to every /acp/events SSE subscriber,
// since a plain POST/response cycle has nowhere else to put them.
type notificationHub struct {
	mu   sync.Mutex
	subs map[chan Notification]struct{}
}

func newNotificationHub() *notificationHub {
	return &notificationHub{subs: make(map[chan Notification]struct{})}
}

func (h *notificationHub) publish(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- n:
		default:
			log.Warn().Str("method", n.Method).Msg("acp notification hub dropped message: subscriber full")
		}
	}
}

func (h *notificationHub) subscribe() chan Notification {
	ch := make(chan Notification, 32)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *notificationHub) unsubscribe(ch chan Notification) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

func (h *notificationHub) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case n := <-ch:
			b, err := json.Marshal(n)
			if err != nil {
				continue
			}
			w.Write([]byte("data: "))
			w.Write(b)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()
		}
	}
}

func (a *Adapter) handleRPC(hub *notificationHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var raw json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse(nil, ErrParseError, err.Error()))
			return
		}

		resp := a.HandleMessage(r.Context(), raw, hub.publish)
		if resp == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (a *Adapter) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("acp ws upgrade failed")
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(v any) {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.WriteJSON(v)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			return
		}

		wg.Add(1)
		go func(raw json.RawMessage) {
			defer wg.Done()
			resp := a.HandleMessage(r.Context(), raw, func(n Notification) { write(n) })
			if resp != nil {
				write(resp)
			}
		}(raw)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
