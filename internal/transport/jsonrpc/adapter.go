package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/amplifier-run/runtime/internal/command"
	"github.com/amplifier-run/runtime/pkg/protocol"
)

// protocolVersion is the only version this adapter negotiates.
const protocolVersion = "1.0"

// Adapter translates JSON-RPC requests into protocol.Commands run
// through a command.Dispatcher, and protocol.Events into session/update
// notifications. It holds no transport-specific state; StdioTransport
// and the HTTP/WS mounts in this package wrap it for their wire format.
type Adapter struct {
	dispatcher *command.Dispatcher

	// pending tracks requests this adapter has sent to the client, so
	// that response-shaped inbound messages (result/error, no method)
	// can resolve them. Spec §4.5.4 notes unknown response ids are
	// logged and dropped; since this adapter never currently initiates
	// outbound requests, pending stays empty and every inbound response
	// takes that path — the bookkeeping exists to satisfy the stated
	// request-id → pending-future contract of the transport family.
	mu      sync.Mutex
	pending map[any]chan *Response
}

// New builds an Adapter over dispatcher.
func New(dispatcher *command.Dispatcher) *Adapter {
	return &Adapter{dispatcher: dispatcher, pending: make(map[any]chan *Response)}
}

// HandleMessage processes one decoded JSON-RPC frame. notify is called
// synchronously, once per streamed event, for methods (session/prompt)
// that push updates before their final response. HandleMessage returns
// nil for notifications (no id) and for inbound responses.
func (a *Adapter) HandleMessage(ctx context.Context, raw []byte, notify func(Notification)) *Response {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return errorResponse(nil, ErrParseError, err.Error())
	}

	if _, hasResult := msg["result"]; hasResult {
		a.resolveResponse(raw)
		return nil
	}
	if _, hasError := msg["error"]; hasError {
		a.resolveResponse(raw)
		return nil
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nil, ErrParseError, err.Error())
	}
	if req.Method == "" {
		return errorResponse(req.ID, ErrInvalidRequest, "missing method")
	}

	result, rpcErr := a.dispatch(ctx, req.Method, req.Params, notify)
	if req.ID == nil {
		return nil
	}
	if rpcErr != nil {
		return &Response{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
	}
	return resultResponse(req.ID, result)
}

func (a *Adapter) resolveResponse(raw []byte) {
	var resp struct {
		ID any `json:"id"`
	}
	json.Unmarshal(raw, &resp)

	a.mu.Lock()
	ch, ok := a.pending[resp.ID]
	if ok {
		delete(a.pending, resp.ID)
	}
	a.mu.Unlock()

	if !ok {
		log.Warn().Interface("id", resp.ID).Msg("jsonrpc: response for unknown request id")
		return
	}

	var full Response
	json.Unmarshal(raw, &full)
	ch <- &full
}

func (a *Adapter) dispatch(ctx context.Context, method string, params json.RawMessage, notify func(Notification)) (any, *Error) {
	switch method {
	case "initialize":
		return a.handleInitialize(params)
	case "session/new":
		return a.runCommand(ctx, protocol.CmdSessionCreate, params, nil)
	case "session/load":
		return a.runCommand(ctx, protocol.CmdSessionResume, params, nil)
	case "session/prompt":
		return a.runCommand(ctx, protocol.CmdPromptSend, params, notify)
	case "session/set_mode":
		return a.handleSetMode(ctx, params)
	case "session/list":
		return a.runCommand(ctx, protocol.CmdSessionList, params, nil)
	default:
		return nil, &Error{Code: ErrMethodNotFound, Message: fmt.Sprintf("unknown method %q", method)}
	}
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
}

func (a *Adapter) handleInitialize(raw json.RawMessage) (any, *Error) {
	var p initializeParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &Error{Code: ErrInvalidParams, Message: err.Error()}
		}
	}
	if p.ProtocolVersion != "" && p.ProtocolVersion != protocolVersion {
		return nil, &Error{Code: ErrInvalidParams, Message: fmt.Sprintf("unsupported protocol version %q", p.ProtocolVersion)}
	}
	return map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"imagePrompts":      true,
			"embeddedResources": true,
			"loadSession":       true,
			"audio":             false,
		},
	}, nil
}

// handleSetMode acknowledges a mode change for a session that must
// already exist; this adapter has no mode state of its own to mutate,
// so it validates the session and echoes the requested mode back.
func (a *Adapter) handleSetMode(ctx context.Context, raw json.RawMessage) (any, *Error) {
	var p struct {
		SessionID string `json:"session_id"`
		Mode      string `json:"mode"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &Error{Code: ErrInvalidParams, Message: err.Error()}
	}
	if _, rpcErr := a.runCommand(ctx, protocol.CmdSessionGet, mustMarshal(map[string]any{"session_id": p.SessionID}), nil); rpcErr != nil {
		return nil, rpcErr
	}
	return map[string]any{"session_id": p.SessionID, "mode": p.Mode}, nil
}

// runCommand decodes params into a command, runs it through the
// dispatcher, and folds the resulting event stream into a single
// JSON-RPC result or error. Intermediate (non-final) events are pushed
// as session/update notifications when notify is non-nil.
func (a *Adapter) runCommand(ctx context.Context, cmdName string, raw json.RawMessage, notify func(Notification)) (any, *Error) {
	var params map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &Error{Code: ErrInvalidParams, Message: err.Error()}
		}
	}

	cmd := protocol.Command{ID: protocol.NewCommandID(), Cmd: cmdName, Params: params}
	out := make(chan protocol.Event, 8)
	go func() {
		a.dispatcher.Dispatch(ctx, cmd, out)
		close(out)
	}()

	var final protocol.Event
	for e := range out {
		if e.Final {
			final = e
			if notify != nil {
				notify(newNotification("session/update", eventPayload(e)))
			}
			continue
		}
		if e.Type == protocol.EventAck {
			continue
		}
		if notify != nil {
			notify(newNotification("session/update", eventPayload(e)))
		}
	}

	if final.Type == protocol.EventError {
		code := stringField(final.Data, "code")
		return nil, &Error{Code: mapErrorCode(code), Message: stringField(final.Data, "error"), Data: map[string]any{"code": code}}
	}
	return final.Data, nil
}

func eventPayload(e protocol.Event) map[string]any {
	return map[string]any{"type": e.Type, "data": e.Data, "final": e.Final}
}

func mapErrorCode(code string) int {
	switch code {
	case protocol.CodeParseError:
		return ErrParseError
	case protocol.CodeInvalidRequest, protocol.CodeValidationError:
		return ErrInvalidParams
	case protocol.CodeUnknownCommand:
		return ErrMethodNotFound
	case protocol.CodeSessionNotFound, protocol.CodeApprovalNotFound, protocol.CodeToolNotFound,
		protocol.CodeAgentNotFound, protocol.CodeBundleNotFound:
		return ErrNotFound
	default:
		return ErrInternalError
	}
}

func stringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}

func mustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
