// Package command implements the command handler (spec §4.4): the
// dispatch table that turns one incoming Command into a stream of
// protocol events, closing every correlation with exactly one final
// result or error event.
package command

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/amplifier-run/runtime/internal/session"
	"github.com/amplifier-run/runtime/internal/store"
	"github.com/amplifier-run/runtime/pkg/protocol"
)

// Handler is one command's implementation. It writes zero or more
// intermediate events to emit and returns the data for the final
// result, or an error that becomes the final error event.
type Handler func(ctx context.Context, cmd protocol.Command, emit func(eventType string, data map[string]any)) (map[string]any, error)

// Dispatcher routes commands to handlers and wraps every call in the
// ack/intermediate/terminal envelope.
type Dispatcher struct {
	sessions *session.Manager
	handlers map[string]Handler
}

// New builds a Dispatcher with the full set of built-in command
// handlers wired in (spec §4.4's per-command contracts).
func New(sessions *session.Manager) *Dispatcher {
	d := &Dispatcher{
		sessions: sessions,
		handlers: make(map[string]Handler),
	}
	d.register()
	return d
}

// streamingCommands are the commands spec §4.4 step 1 scopes the
// leading `ack` to: handlers that yield intermediate events before
// their terminal result. Every other registered command answers with
// a single terminal event.
var streamingCommands = map[string]bool{
	protocol.CmdPromptSend:   true,
	protocol.CmdSessionReset: true,
}

func (d *Dispatcher) register() {
	d.handlers[protocol.CmdSessionCreate] = d.handleSessionCreate
	d.handlers[protocol.CmdSessionGet] = d.handleSessionGet
	d.handlers[protocol.CmdSessionInfo] = d.handleSessionGet
	d.handlers[protocol.CmdSessionList] = d.handleSessionList
	d.handlers[protocol.CmdSessionDelete] = d.handleSessionDelete
	d.handlers[protocol.CmdSessionReset] = d.handleSessionReset
	d.handlers[protocol.CmdSessionResume] = d.handleSessionResume
	d.handlers[protocol.CmdPromptSend] = d.handlePromptSend
	d.handlers[protocol.CmdPromptCancel] = d.handlePromptCancel
	d.handlers[protocol.CmdApprovalRespond] = d.handleApprovalRespond
	d.handlers[protocol.CmdCapabilities] = d.handleCapabilities
	d.handlers[protocol.CmdSlashCommands] = d.handleSlashCommandsList
}

// Dispatch runs cmd and streams its events to out. out is closed by the
// caller once Dispatch returns; Dispatch always pushes exactly one
// terminal event before returning, even if the handler panics.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd protocol.Command, out chan<- protocol.Event) {
	seq := protocol.NewSequencer(cmd.ID)

	if cmd.Cmd == protocol.CmdPing {
		out <- seq.Stamp(protocol.Pong(cmd.ID))
		return
	}

	handler, ok := d.handlers[cmd.Cmd]
	if !ok {
		out <- seq.Stamp(protocol.Error(cmd.ID, protocol.CodeUnknownCommand, fmt.Sprintf("unknown command %q", cmd.Cmd)))
		return
	}

	if streamingCommands[cmd.Cmd] {
		out <- seq.Stamp(protocol.Ack(cmd.ID))
	}

	result, err := d.runHandler(ctx, cmd, handler, func(eventType string, data map[string]any) {
		out <- seq.Stamp(protocol.Notification(eventType, data))
	})
	if err != nil {
		out <- seq.Stamp(toErrorEvent(cmd.ID, err))
		return
	}
	out <- seq.Stamp(protocol.Result(cmd.ID, result))
}

func (d *Dispatcher) runHandler(ctx context.Context, cmd protocol.Command, h Handler, emit func(string, map[string]any)) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("cmd", cmd.Cmd).Msg("command handler panicked")
			err = fmt.Errorf("%s", r)
		}
	}()
	return h(ctx, cmd, emit)
}

// codedError carries a protocol error code alongside a Go error, so
// handlers can signal specific failure taxonomy (SESSION_NOT_FOUND,
// BUNDLE_ERROR, ...) instead of always falling back to HANDLER_ERROR.
type codedError struct {
	code    string
	message string
}

func (e *codedError) Error() string { return e.message }

func newCodedError(code, message string) error {
	return &codedError{code: code, message: message}
}

func toErrorEvent(correlationID string, err error) protocol.Event {
	if ce, ok := err.(*codedError); ok {
		return protocol.Error(correlationID, ce.code, ce.message)
	}
	if err == store.ErrNotFound {
		return protocol.Error(correlationID, protocol.CodeSessionNotFound, err.Error())
	}
	return protocol.Error(correlationID, protocol.CodeHandlerError, err.Error())
}

func sessionOrError(s *session.Session, ok bool) (*session.Session, error) {
	if !ok {
		return nil, newCodedError(protocol.CodeSessionNotFound, "session not found")
	}
	return s, nil
}
