// Package bundlehost defines the interface the session manager uses to
// drive an externally supplied module loader that owns the model and
// tools ("bundle host" in the runtime's vocabulary). The bundle host,
// the recipe/workflow parser, and IDE-side tool implementations are
// out-of-scope external collaborators (spec §1) — this package names
// only the boundary the core depends on.
package bundlehost

import "context"

// Host is the opaque execution engine a Session delegates turns to.
// Implementations own the model connection and tool loop; the session
// manager only ever sees the Event stream Execute yields.
type Host interface {
	// Execute runs one turn for prompt against the accumulated
	// conversation context and streams execution events until the turn
	// finishes, errors, or ctx is cancelled.
	Execute(ctx context.Context, prompt string) (<-chan Event, error)

	// Cancel aborts the in-flight Execute call, if any.
	Cancel()

	// Context returns the accumulated conversation history as the host
	// understands it, used to seed a freshly resumed session.
	Context() []ContextMessage

	// Seed replaces the host's conversation context, used by
	// Session.resume (§4.3) to rehydrate a bundle host from a persisted
	// transcript.
	Seed(messages []ContextMessage)

	// Close releases any resources (model connections, subprocesses)
	// held by the host. Called when the owning session is deleted.
	Close() error
}

// ContextMessage is a minimal role/content pair used to seed or read
// back a bundle host's internal context, independent of the host's
// native message representation.
type ContextMessage struct {
	Role    string
	Content string
}

// Kind enumerates the bundle host's execution event vocabulary (spec
// §4.3's event-mapping table). The set is closed and explicitly
// enumerated by the session manager's mapping switch — no event kind is
// silently dropped without a documented reason (spec §9 open question 3).
type Kind string

const (
	KindContentBlockStart Kind = "content_block:start"
	KindContentBlockDelta Kind = "content_block:delta"
	KindContentBlockEnd   Kind = "content_block:end"
	KindThinkingDelta     Kind = "thinking:delta"
	KindThinkingFinal     Kind = "thinking:final"
	KindToolPre           Kind = "tool:pre"
	KindToolPost          Kind = "tool:post"
	KindToolError         Kind = "tool:error"
	KindApprovalRequired  Kind = "approval:required"
	KindPromptSubmit      Kind = "prompt:submit"
	KindPromptComplete    Kind = "prompt:complete"
	KindError             Kind = "error"
)

// BlockType enumerates content_block:start/end block kinds.
type BlockType string

const (
	BlockText    BlockType = "text"
	BlockThinking BlockType = "thinking"
	BlockToolUse BlockType = "tool_use"
)

// Event is one unit of bundle host execution output.
type Event struct {
	Kind  Kind
	Index int            // content block index, for content_block:* events
	Block BlockType      // block type, for content_block:start/end
	Data  map[string]any // kind-specific payload (delta text, tool name/input/result, error message, ...)
}

// ApprovalRequest is the payload shape for a KindApprovalRequired event's
// Data, carried as map[string]any for transport but documented here.
type ApprovalRequest struct {
	Prompt  string
	Options []string
	Timeout float64
	Default string // "allow" | "deny"
}

// Tool is the sum type named by the design notes: the server either
// proxies execution back to the client (IDE-side tools) or the bundle
// host runs a tool it owns itself.
type Tool struct {
	IdeTerminal  *struct{}
	IdeReadFile  *struct{}
	IdeWriteFile *struct{}
	HostDefined  *HostDefinedTool
}

// HostDefinedTool describes a tool the bundle host executes without any
// client round trip.
type HostDefinedTool struct {
	Name   string
	Schema map[string]any
}
