package command

import (
	"context"

	"github.com/amplifier-run/runtime/internal/session"
	"github.com/amplifier-run/runtime/internal/store"
	"github.com/amplifier-run/runtime/internal/vcs"
	"github.com/amplifier-run/runtime/pkg/protocol"
)

func (d *Dispatcher) handleSessionCreate(ctx context.Context, cmd protocol.Command, emit func(string, map[string]any)) (map[string]any, error) {
	var behaviors []string
	if raw, ok := cmd.Params["behaviors"].([]any); ok {
		for _, b := range raw {
			if s, ok := b.(string); ok {
				behaviors = append(behaviors, s)
			}
		}
	}

	opts := session.CreateOptions{
		Bundle:           cmd.StringParam("bundle"),
		Provider:         cmd.StringParam("provider"),
		Model:            cmd.StringParam("model"),
		WorkingDirectory: cmd.StringParam("working_directory"),
		Behaviors:        behaviors,
		ShowThinking:     cmd.BoolParam("show_thinking", true),
	}

	s, err := d.sessions.Create(ctx, opts)
	if err != nil {
		return nil, newCodedError(protocol.CodeBundleError, err.Error())
	}

	return map[string]any{
		"session_id": s.ID,
		"state":      string(s.State()),
		"bundle":     s.Bundle,
	}, nil
}

func (d *Dispatcher) handleSessionGet(ctx context.Context, cmd protocol.Command, emit func(string, map[string]any)) (map[string]any, error) {
	id, err := cmd.RequireString("session_id")
	if err != nil {
		return nil, newCodedError(protocol.CodeValidationError, err.Error())
	}

	s, err := sessionOrError(d.sessions.Get(id))
	if err != nil {
		return nil, err
	}

	result := map[string]any{
		"session_id": s.ID,
		"state":      string(s.State()),
		"bundle":     s.Bundle,
		"turn_count": s.TurnCount,
		"directory":  s.Directory,
	}
	if s.Directory != "" {
		result["vcs"] = vcs.DescribeWorkingTree(s.Directory)
	}
	return result, nil
}

func (d *Dispatcher) handleSessionList(ctx context.Context, cmd protocol.Command, emit func(string, map[string]any)) (map[string]any, error) {
	sessions := d.sessions.List()
	out := make([]map[string]any, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, map[string]any{
			"session_id": s.ID,
			"state":      string(s.State()),
			"bundle":     s.Bundle,
			"turn_count": s.TurnCount,
		})
	}
	return map[string]any{"sessions": out}, nil
}

func (d *Dispatcher) handleSessionDelete(ctx context.Context, cmd protocol.Command, emit func(string, map[string]any)) (map[string]any, error) {
	id, err := cmd.RequireString("session_id")
	if err != nil {
		return nil, newCodedError(protocol.CodeValidationError, err.Error())
	}

	if _, ok := d.sessions.Get(id); !ok {
		return nil, newCodedError(protocol.CodeSessionNotFound, "session not found")
	}

	if err := d.sessions.Delete(ctx, id); err != nil {
		return nil, err
	}

	return map[string]any{"deleted": true, "session_id": id}, nil
}

func (d *Dispatcher) handleSessionReset(ctx context.Context, cmd protocol.Command, emit func(string, map[string]any)) (map[string]any, error) {
	id, err := cmd.RequireString("session_id")
	if err != nil {
		return nil, newCodedError(protocol.CodeValidationError, err.Error())
	}
	if _, ok := d.sessions.Get(id); !ok {
		return nil, newCodedError(protocol.CodeSessionNotFound, "session not found")
	}

	emit("session.reset.started", map[string]any{"session_id": id})

	preserveHistory := cmd.BoolParam("preserve_history", false)
	bundle := cmd.StringParam("bundle")
	if !preserveHistory {
		if err := d.sessions.Delete(ctx, id); err != nil {
			return nil, err
		}
		s, err := d.sessions.Create(ctx, session.CreateOptions{Bundle: bundle})
		if err != nil {
			return nil, newCodedError(protocol.CodeBundleError, err.Error())
		}
		emit("session.reset.completed", map[string]any{"session_id": s.ID})
		return map[string]any{"session_id": s.ID, "state": string(s.State())}, nil
	}

	emit("session.reset.completed", map[string]any{"session_id": id})
	return map[string]any{"session_id": id, "preserved": true}, nil
}

func (d *Dispatcher) handleSessionResume(ctx context.Context, cmd protocol.Command, emit func(string, map[string]any)) (map[string]any, error) {
	id, err := cmd.RequireString("session_id")
	if err != nil {
		return nil, newCodedError(protocol.CodeValidationError, err.Error())
	}

	var behaviors []string
	if raw, ok := cmd.Params["behaviors"].([]any); ok {
		for _, b := range raw {
			if s, ok := b.(string); ok {
				behaviors = append(behaviors, s)
			}
		}
	}

	opts := session.CreateOptions{
		Bundle:           cmd.StringParam("bundle"),
		Provider:         cmd.StringParam("provider"),
		Model:            cmd.StringParam("model"),
		WorkingDirectory: cmd.StringParam("working_directory"),
		Behaviors:        behaviors,
		ShowThinking:     cmd.BoolParam("show_thinking", true),
	}

	s, err := d.sessions.Resume(ctx, id, opts)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, newCodedError(protocol.CodeSessionNotFound, "session not found")
		}
		return nil, newCodedError(protocol.CodeBundleError, err.Error())
	}

	return map[string]any{
		"session_id": s.ID,
		"state":      string(s.State()),
		"bundle":     s.Bundle,
		"turn_count": s.TurnCount,
	}, nil
}

func (d *Dispatcher) handlePromptSend(ctx context.Context, cmd protocol.Command, emit func(string, map[string]any)) (map[string]any, error) {
	id, err := cmd.RequireString("session_id")
	if err != nil {
		return nil, newCodedError(protocol.CodeValidationError, err.Error())
	}

	content, err := extractContent(cmd)
	if err != nil {
		return nil, newCodedError(protocol.CodeValidationError, err.Error())
	}

	events, err := d.sessions.Execute(ctx, id, content)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, newCodedError(protocol.CodeSessionNotFound, "session not found")
		}
		return nil, newCodedError(protocol.CodeExecutionError, err.Error())
	}

	for e := range events {
		if e.Type == protocol.EventError {
			msg, _ := e.Data["error"].(string)
			return nil, newCodedError(protocol.CodeExecutionError, msg)
		}
		emit(e.Type, e.Data)
	}

	s, _ := d.sessions.Get(id)
	turn := 0
	state := string(session.StateReady)
	if s != nil {
		turn = s.TurnCount
		state = string(s.State())
	}

	return map[string]any{"session_id": id, "state": state, "turn": turn}, nil
}

// extractContent implements spec §4.4's prompt.send content shape:
// either a plain string or a list of content parts whose text fields
// are concatenated.
func extractContent(cmd protocol.Command) (string, error) {
	if s, ok := protocol.Param[string](cmd, "content"); ok {
		return s, nil
	}
	if parts, ok := protocol.Param[[]any](cmd, "content"); ok {
		var out string
		for _, p := range parts {
			if m, ok := p.(map[string]any); ok {
				if text, ok := m["text"].(string); ok {
					out += text
				}
			}
		}
		return out, nil
	}
	return "", errMissingContent
}

var errMissingContent = newCodedError(protocol.CodeValidationError, "missing required parameter: content")

func (d *Dispatcher) handlePromptCancel(ctx context.Context, cmd protocol.Command, emit func(string, map[string]any)) (map[string]any, error) {
	id, err := cmd.RequireString("session_id")
	if err != nil {
		return nil, newCodedError(protocol.CodeValidationError, err.Error())
	}

	if err := d.sessions.Cancel(ctx, id); err != nil {
		if err == store.ErrNotFound {
			return nil, newCodedError(protocol.CodeSessionNotFound, "session not found")
		}
		return nil, err
	}

	return map[string]any{"cancelled": true, "session_id": id}, nil
}

func (d *Dispatcher) handleApprovalRespond(ctx context.Context, cmd protocol.Command, emit func(string, map[string]any)) (map[string]any, error) {
	id, err := cmd.RequireString("session_id")
	if err != nil {
		return nil, newCodedError(protocol.CodeValidationError, err.Error())
	}
	requestID, err := cmd.RequireString("request_id")
	if err != nil {
		return nil, newCodedError(protocol.CodeValidationError, err.Error())
	}
	choice, err := cmd.RequireString("choice")
	if err != nil {
		return nil, newCodedError(protocol.CodeValidationError, err.Error())
	}

	s, err := sessionOrError(d.sessions.Get(id))
	if err != nil {
		return nil, err
	}

	if !s.Approvals().HandleResponse(requestID, choice) {
		return nil, newCodedError(protocol.CodeApprovalNotFound, "no pending approval for request_id")
	}

	return map[string]any{"session_id": id, "request_id": requestID, "choice": choice}, nil
}

func (d *Dispatcher) handleCapabilities(ctx context.Context, cmd protocol.Command, emit func(string, map[string]any)) (map[string]any, error) {
	commands := make([]string, 0, len(d.handlers)+1)
	commands = append(commands, protocol.CmdPing)
	for name := range d.handlers {
		commands = append(commands, name)
	}

	return map[string]any{
		"version":          "1.0.0",
		"protocol_version": "1.0",
		"commands":         commands,
		"events": []string{
			protocol.EventResult, protocol.EventError, protocol.EventAck, protocol.EventPong,
			protocol.EventConnected, protocol.EventHeartbeat, protocol.EventNotification,
			protocol.EventContentStart, protocol.EventContentDelta, protocol.EventContentEnd,
			protocol.EventThinkingDelta, protocol.EventThinkingEnd,
			protocol.EventToolCall, protocol.EventToolResult, protocol.EventToolError,
			protocol.EventSessionCreated, protocol.EventSessionUpdated, protocol.EventSessionDeleted, protocol.EventSessionState,
			protocol.EventApprovalRequired, protocol.EventApprovalResolved, protocol.EventApprovalTimeout,
			protocol.EventDisplayMessage,
		},
		"features": map[string]any{
			"image_prompts":      true,
			"embedded_resources": true,
			"load_session":       true,
			"audio":              false,
		},
	}, nil
}
