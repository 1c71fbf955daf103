// Package protocol defines the transport-agnostic command/event wire
// protocol described by the runtime's core specification: every client
// request (a Command) yields an ordered, correlated stream of Events
// terminated by exactly one final event.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// Well-known command names. The set is closed; an unrecognized Cmd
// produces a single UNKNOWN_COMMAND error event.
const (
	CmdSessionCreate   = "session.create"
	CmdSessionGet      = "session.get"
	CmdSessionInfo     = "session.info"
	CmdSessionList     = "session.list"
	CmdSessionDelete   = "session.delete"
	CmdSessionReset    = "session.reset"
	CmdSessionResume   = "session.resume"
	CmdPromptSend      = "prompt.send"
	CmdPromptCancel    = "prompt.cancel"
	CmdApprovalRespond = "approval.respond"
	CmdPing            = "ping"
	CmdCapabilities    = "capabilities"
	CmdSlashCommands   = "slash_commands.list"
)

// Command is a request from a client to the server. id is client
// allocated and opaque; cmd names the operation; params carries
// operation-specific arguments.
type Command struct {
	ID        string         `json:"id"`
	Cmd       string         `json:"cmd"`
	Params    map[string]any `json:"params,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// NewCommandID generates a client-style command id: "cmd_" + the first
// 12 characters of a new ULID (uppercase Crockford base32).
func NewCommandID() string {
	return "cmd_" + ulid.Make().String()[:12]
}

// Param returns a parameter by key, or the zero value if absent or the
// wrong type.
func Param[T any](c Command, key string) (T, bool) {
	var zero T
	raw, ok := c.Params[key]
	if !ok {
		return zero, false
	}
	v, ok := raw.(T)
	return v, ok
}

// StringParam returns a string parameter, defaulting to "".
func (c Command) StringParam(key string) string {
	v, _ := Param[string](c, key)
	return v
}

// RequireString returns a required string parameter, erroring if absent
// or empty.
func (c Command) RequireString(key string) (string, error) {
	v := c.StringParam(key)
	if v == "" {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	return v, nil
}

// BoolParam returns a bool parameter, defaulting to def.
func (c Command) BoolParam(key string, def bool) bool {
	v, ok := Param[bool](c, key)
	if !ok {
		return def
	}
	return v
}

// Decode re-marshals params into a typed struct.
func (c Command) Decode(v any) error {
	b, err := json.Marshal(c.Params)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
