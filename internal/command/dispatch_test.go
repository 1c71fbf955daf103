package command

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amplifier-run/runtime/internal/eventbus"
	"github.com/amplifier-run/runtime/internal/session"
	"github.com/amplifier-run/runtime/internal/store"
	"github.com/amplifier-run/runtime/pkg/bundlehost"
	"github.com/amplifier-run/runtime/pkg/protocol"
)

type noopHost struct{ events chan bundlehost.Event }

func (h *noopHost) Execute(ctx context.Context, prompt string) (<-chan bundlehost.Event, error) {
	return h.events, nil
}
func (h *noopHost) Cancel()                                  {}
func (h *noopHost) Context() []bundlehost.ContextMessage      { return nil }
func (h *noopHost) Seed(messages []bundlehost.ContextMessage) {}
func (h *noopHost) Close() error                             { return nil }

func newTestDispatcher(t *testing.T) *Dispatcher {
	st := store.New(t.TempDir())
	bus := eventbus.New()
	factory := func(ctx context.Context, opts session.CreateOptions) (bundlehost.Host, error) {
		return &noopHost{events: make(chan bundlehost.Event)}, nil
	}
	return New(session.NewManager(st, bus, factory))
}

func drain(t *testing.T, out chan protocol.Event) []protocol.Event {
	t.Helper()
	var events []protocol.Event
	for e := range out {
		events = append(events, e)
	}
	return events
}

func TestDispatchPingReturnsPongImmediately(t *testing.T) {
	d := newTestDispatcher(t)
	out := make(chan protocol.Event, 4)
	d.Dispatch(context.Background(), protocol.Command{ID: "cmd_1", Cmd: protocol.CmdPing}, out)
	close(out)

	events := drain(t, out)
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventPong, events[0].Type)
	assert.True(t, events[0].Final)
	assert.Equal(t, 0, *events[0].Sequence)
}

func TestDispatchUnknownCommandReturnsError(t *testing.T) {
	d := newTestDispatcher(t)
	out := make(chan protocol.Event, 4)
	d.Dispatch(context.Background(), protocol.Command{ID: "cmd_2", Cmd: "not.a.command"}, out)
	close(out)

	events := drain(t, out)
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventError, events[0].Type)
	assert.Equal(t, protocol.CodeUnknownCommand, events[0].Data["code"])
}

func TestDispatchSessionCreateEmitsSingleResult(t *testing.T) {
	d := newTestDispatcher(t)
	out := make(chan protocol.Event, 4)
	d.Dispatch(context.Background(), protocol.Command{
		ID:  "cmd_3",
		Cmd: protocol.CmdSessionCreate,
		Params: map[string]any{
			"bundle":            "default",
			"working_directory": "/tmp/proj",
		},
	}, out)
	close(out)

	events := drain(t, out)
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventResult, events[0].Type)
	assert.True(t, events[0].Final)
	assert.NotEmpty(t, events[0].Data["session_id"])
}

func TestDispatchSessionGetMissingSessionReturnsError(t *testing.T) {
	d := newTestDispatcher(t)
	out := make(chan protocol.Event, 4)
	d.Dispatch(context.Background(), protocol.Command{
		ID:     "cmd_4",
		Cmd:    protocol.CmdSessionGet,
		Params: map[string]any{"session_id": "sess_missing"},
	}, out)
	close(out)

	events := drain(t, out)
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventError, events[0].Type)
	assert.Equal(t, protocol.CodeSessionNotFound, events[0].Data["code"])
}

func TestDispatchPromptSendMissingContentIsValidationError(t *testing.T) {
	d := newTestDispatcher(t)
	out := make(chan protocol.Event, 4)

	createOut := make(chan protocol.Event, 4)
	d.Dispatch(context.Background(), protocol.Command{ID: "cmd_5", Cmd: protocol.CmdSessionCreate, Params: map[string]any{"bundle": "default"}}, createOut)
	close(createOut)
	var sessionID string
	for _, e := range drain(t, createOut) {
		if e.Type == protocol.EventResult {
			sessionID = e.Data["session_id"].(string)
		}
	}
	require.NotEmpty(t, sessionID)

	d.Dispatch(context.Background(), protocol.Command{
		ID:     "cmd_6",
		Cmd:    protocol.CmdPromptSend,
		Params: map[string]any{"session_id": sessionID},
	}, out)
	close(out)

	events := drain(t, out)
	require.Len(t, events, 2)
	assert.Equal(t, protocol.EventError, events[1].Type)
	assert.Equal(t, protocol.CodeValidationError, events[1].Data["code"])
}

func TestDispatchCapabilitiesListsPingAndCommands(t *testing.T) {
	d := newTestDispatcher(t)
	out := make(chan protocol.Event, 4)
	d.Dispatch(context.Background(), protocol.Command{ID: "cmd_7", Cmd: protocol.CmdCapabilities}, out)
	close(out)

	events := drain(t, out)
	require.Len(t, events, 1)
	commands := events[0].Data["commands"].([]string)
	assert.Contains(t, commands, protocol.CmdPing)
	assert.Contains(t, commands, protocol.CmdSessionCreate)
}

func TestDispatchSessionResumeMissingSessionReturnsError(t *testing.T) {
	d := newTestDispatcher(t)
	out := make(chan protocol.Event, 4)
	d.Dispatch(context.Background(), protocol.Command{
		ID:     "cmd_resume",
		Cmd:    protocol.CmdSessionResume,
		Params: map[string]any{"session_id": "sess_missing"},
	}, out)
	close(out)

	events := drain(t, out)
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventError, events[0].Type)
	assert.Equal(t, protocol.CodeSessionNotFound, events[0].Data["code"])
}

func TestDispatchSlashCommandsListReturnsBuiltins(t *testing.T) {
	d := newTestDispatcher(t)
	out := make(chan protocol.Event, 4)
	d.Dispatch(context.Background(), protocol.Command{
		ID:     "cmd_slash",
		Cmd:    protocol.CmdSlashCommands,
		Params: map[string]any{"working_directory": t.TempDir()},
	}, out)
	close(out)

	events := drain(t, out)
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventResult, events[0].Type)
	commands := events[0].Data["commands"].([]map[string]any)
	var names []string
	for _, c := range commands {
		names = append(names, c["name"].(string))
	}
	assert.Contains(t, names, "help")
	assert.Contains(t, names, "clear")
}

func TestDispatchPromptSendBundleErrorYieldsSingleFinalError(t *testing.T) {
	st := store.New(t.TempDir())
	bus := eventbus.New()
	hostEvents := make(chan bundlehost.Event)
	factory := func(ctx context.Context, opts session.CreateOptions) (bundlehost.Host, error) {
		return &noopHost{events: hostEvents}, nil
	}
	d := New(session.NewManager(st, bus, factory))

	createOut := make(chan protocol.Event, 4)
	d.Dispatch(context.Background(), protocol.Command{ID: "cmd_10", Cmd: protocol.CmdSessionCreate, Params: map[string]any{"bundle": "default"}}, createOut)
	close(createOut)
	var sessionID string
	for _, e := range drain(t, createOut) {
		if e.Type == protocol.EventResult {
			sessionID = e.Data["session_id"].(string)
		}
	}
	require.NotEmpty(t, sessionID)

	out := make(chan protocol.Event, 8)
	done := make(chan struct{})
	go func() {
		d.Dispatch(context.Background(), protocol.Command{
			ID:     "cmd_11",
			Cmd:    protocol.CmdPromptSend,
			Params: map[string]any{"session_id": sessionID, "content": "hi"},
		}, out)
		close(out)
		close(done)
	}()

	hostEvents <- bundlehost.Event{Kind: bundlehost.KindError, Data: map[string]any{"error": "provider unavailable"}}
	close(hostEvents)
	<-done

	events := drain(t, out)
	require.Len(t, events, 2, "expected ack then a single final error, no trailing result")
	assert.Equal(t, protocol.EventAck, events[0].Type)
	assert.Equal(t, protocol.EventError, events[1].Type)
	assert.True(t, events[1].Final)
	assert.Equal(t, protocol.CodeExecutionError, events[1].Data["code"])
}

func TestDispatchApprovalRespondNotFound(t *testing.T) {
	d := newTestDispatcher(t)
	out := make(chan protocol.Event, 4)

	createOut := make(chan protocol.Event, 4)
	d.Dispatch(context.Background(), protocol.Command{ID: "cmd_8", Cmd: protocol.CmdSessionCreate, Params: map[string]any{"bundle": "default"}}, createOut)
	close(createOut)
	var sessionID string
	for _, e := range drain(t, createOut) {
		if e.Type == protocol.EventResult {
			sessionID = e.Data["session_id"].(string)
		}
	}

	d.Dispatch(context.Background(), protocol.Command{
		ID:  "cmd_9",
		Cmd: protocol.CmdApprovalRespond,
		Params: map[string]any{
			"session_id": sessionID,
			"request_id": "approval_nonexistent",
			"choice":     "Allow",
		},
	}, out)
	close(out)

	events := drain(t, out)
	require.Len(t, events, 1)
	assert.Equal(t, protocol.CodeApprovalNotFound, events[0].Data["code"])
}
