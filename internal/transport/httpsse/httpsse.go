// Package httpsse implements the HTTP+SSE transport (spec §4.5.2): a
// curated REST surface over the command/event protocol, with streaming
// commands (prompt.send) exposed as text/event-stream and a separate
// /event endpoint fanning out the raw event bus for observability.
package httpsse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/amplifier-run/runtime/internal/command"
	"github.com/amplifier-run/runtime/internal/eventbus"
	"github.com/amplifier-run/runtime/internal/transport/jsonrpc"
	"github.com/amplifier-run/runtime/internal/transport/ws"
	"github.com/amplifier-run/runtime/pkg/protocol"
)

// heartbeatInterval matches the teacher's SSE heartbeat cadence (spec
// §4.5.2: "emits a server.heartbeat every 30 seconds").
const heartbeatInterval = 30 * time.Second

// Config holds the HTTP listener's configuration.
type Config struct {
	Host string
	Port int
}

// Transport is the HTTP+SSE server.
type Transport struct {
	dispatcher *command.Dispatcher
	bus        *eventbus.Bus
	cfg        Config

	router  *chi.Mux
	httpSrv *http.Server
}

// New builds a Transport with every route wired in, including the
// WebSocket routes (spec §6: /ws, /ws/sessions/{id}) mounted alongside
// the REST/SSE surface on the same router and listener.
func New(dispatcher *command.Dispatcher, bus *eventbus.Bus, cfg Config) *Transport {
	t := &Transport{dispatcher: dispatcher, bus: bus, cfg: cfg, router: chi.NewRouter()}
	t.setupMiddleware()
	t.setupRoutes()
	t.mountWS(ws.New(dispatcher, bus))
	return t
}

// MountACP attaches the JSON-RPC editor-integration adapter's routes
// (/acp/rpc, /acp/events, /acp/ws) onto this transport's router. Callers
// enable it explicitly (the --acp flag) since it is not part of the
// curated REST surface spec §4.5.2 describes.
func (t *Transport) MountACP(adapter *jsonrpc.Adapter) {
	adapter.RegisterRoutes(t.router)
}

func (t *Transport) mountWS(wsTransport *ws.Transport) {
	t.router.Get("/ws", wsTransport.Handler(""))
	t.router.Get("/ws/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		wsTransport.Handler(chi.URLParam(r, "id"))(w, r)
	})
}

// Router exposes the chi router for tests.
func (t *Transport) Router() http.Handler {
	return t.router
}

func (t *Transport) setupMiddleware() {
	t.router.Use(middleware.RequestID)
	t.router.Use(middleware.Recoverer)
	t.router.Use(middleware.RealIP)
	t.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (t *Transport) setupRoutes() {
	t.router.Get("/health", t.handleHealth)
	t.router.Get("/ping", t.handleCommand(protocol.CmdPing, nil))
	t.router.Get("/capabilities", t.handleCommand(protocol.CmdCapabilities, nil))
	t.router.Get("/event", t.handleEventStream)

	t.router.Get("/session", t.handleCommand(protocol.CmdSessionList, nil))
	t.router.Post("/session", t.handleCommand(protocol.CmdSessionCreate, bodyParams))
	t.router.Get("/session/{id}", t.handleCommand(protocol.CmdSessionGet, sessionIDParam))
	t.router.Delete("/session/{id}", t.handleCommand(protocol.CmdSessionDelete, sessionIDParam))
	t.router.Post("/session/{id}/prompt", t.handleStreamingCommand(protocol.CmdPromptSend))
	t.router.Post("/session/{id}/cancel", t.handleCommand(protocol.CmdPromptCancel, sessionIDParam))
	t.router.Post("/session/{id}/approval", t.handleCommand(protocol.CmdApprovalRespond, sessionAndBodyParams))
}

// Start runs the HTTP server until it errors or is shut down.
func (t *Transport) Start() error {
	t.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port),
		Handler: t.router,
	}
	return t.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (t *Transport) Shutdown(ctx context.Context) error {
	if t.httpSrv == nil {
		return nil
	}
	return t.httpSrv.Shutdown(ctx)
}

func (t *Transport) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// paramsFromRequest builds a command's params map from the request.
type paramsFunc func(r *http.Request) (map[string]any, error)

func sessionIDParam(r *http.Request) (map[string]any, error) {
	return map[string]any{"session_id": chi.URLParam(r, "id")}, nil
}

func bodyParams(r *http.Request) (map[string]any, error) {
	if r.Body == nil || r.ContentLength == 0 {
		return map[string]any{}, nil
	}
	var params map[string]any
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		return nil, err
	}
	return params, nil
}

func sessionAndBodyParams(r *http.Request) (map[string]any, error) {
	params, err := bodyParams(r)
	if err != nil {
		return nil, err
	}
	params["session_id"] = chi.URLParam(r, "id")
	return params, nil
}

// handleCommand builds a non-streaming handler: it runs cmd through the
// dispatcher, collects events until the terminal one, and maps the
// result/error to a plain JSON HTTP response.
func (t *Transport) handleCommand(cmdName string, paramsFn paramsFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := paramsOrEmpty(paramsFn, r)
		if err != nil {
			writeError(w, http.StatusBadRequest, protocol.CodeParseError, err.Error())
			return
		}

		cmd := protocol.Command{ID: protocol.NewCommandID(), Cmd: cmdName, Params: params}
		out := make(chan protocol.Event, 8)
		go func() {
			t.dispatcher.Dispatch(r.Context(), cmd, out)
			close(out)
		}()

		var final protocol.Event
		for e := range out {
			if e.Final {
				final = e
			}
		}

		if final.Type == protocol.EventError {
			writeError(w, statusForCode(stringField(final.Data, "code")), stringField(final.Data, "code"), stringField(final.Data, "error"))
			return
		}
		writeJSON(w, http.StatusOK, final.Data)
	}
}

// handleStreamingCommand builds an SSE handler for a streaming command
// (currently only prompt.send): every emitted event, including the
// terminal one, is written as its own `data: <json>\n\n` record, and the
// connection closes once the terminal event is written.
func (t *Transport) handleStreamingCommand(cmdName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := sessionAndBodyParams(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, protocol.CodeParseError, err.Error())
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, protocol.CodeHandlerError, "streaming not supported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		cmd := protocol.Command{ID: protocol.NewCommandID(), Cmd: cmdName, Params: params}
		out := make(chan protocol.Event, 8)
		go func() {
			t.dispatcher.Dispatch(r.Context(), cmd, out)
			close(out)
		}()

		for e := range out {
			writeSSERecord(w, e)
			flusher.Flush()
			if e.Final {
				break
			}
		}
	}
}

// handleEventStream serves GET /event: the raw, uncorrelated event bus
// fan-out, with a heartbeat to keep idle connections alive and prompt
// disconnect detection via the request context.
func (t *Transport) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, protocol.CodeHandlerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan protocol.Event, 16)
	unsub := t.bus.SubscribeAll(func(e protocol.Event) {
		select {
		case events <- e:
		default:
			log.Warn().Str("type", e.Type).Msg("httpsse /event dropped event: channel full")
		}
	})
	defer unsub()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-events:
			writeSSERecord(w, e)
			flusher.Flush()
		case <-ticker.C:
			writeSSERecord(w, protocol.Notification(protocol.EventServerHeartbeat, nil))
			flusher.Flush()
		}
	}
}

func paramsOrEmpty(fn paramsFunc, r *http.Request) (map[string]any, error) {
	if fn == nil {
		return map[string]any{}, nil
	}
	return fn(r)
}

func writeSSERecord(w http.ResponseWriter, e protocol.Event) {
	b, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Msg("httpsse failed to marshal event")
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

// statusForCode maps the protocol error taxonomy to HTTP status codes
// per spec §7: "parse → 400, not-found → 404, handler → 500".
func statusForCode(code string) int {
	switch code {
	case protocol.CodeParseError, protocol.CodeInvalidRequest, protocol.CodeUnknownCommand, protocol.CodeValidationError:
		return http.StatusBadRequest
	case protocol.CodeSessionNotFound, protocol.CodeApprovalNotFound, protocol.CodeToolNotFound,
		protocol.CodeAgentNotFound, protocol.CodeBundleNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func stringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}
