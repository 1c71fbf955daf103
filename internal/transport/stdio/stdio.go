// Package stdio implements the newline-delimited JSON transport (spec
// §4.5.1): one Command per line on stdin, one Event per line on stdout
// (including the error event for a line that is not valid JSON), logs
// confined to stderr.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/amplifier-run/runtime/internal/command"
	"github.com/amplifier-run/runtime/internal/eventbus"
	"github.com/amplifier-run/runtime/pkg/protocol"
)

// Transport runs the stdio command loop over in/out.
type Transport struct {
	dispatcher *command.Dispatcher
	bus        *eventbus.Bus

	in  io.Reader
	out io.Writer

	mu sync.Mutex // serializes writes to out
}

// New builds a stdio Transport. in/out default to stdin/stdout via
// whatever the caller passes (cmd/amplifier-server wires os.Stdin and
// os.Stdout; tests can substitute buffers).
func New(dispatcher *command.Dispatcher, bus *eventbus.Bus, in io.Reader, out io.Writer) *Transport {
	return &Transport{dispatcher: dispatcher, bus: bus, in: in, out: out}
}

// Run reads commands from stdin until EOF (graceful shutdown) or ctx is
// cancelled. It emits an unsolicited "connected" event first.
func (t *Transport) Run(ctx context.Context) error {
	unsub := t.bus.SubscribeAll(t.forward)
	defer unsub()

	t.writeEvent(protocol.Notification(protocol.EventConnected, map[string]any{"protocol_version": "1.0"}))

	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := stripBOM(strings.TrimRight(scanner.Text(), "\r"))
		if strings.TrimSpace(line) == "" {
			continue
		}

		var cmd protocol.Command
		if err := json.Unmarshal([]byte(line), &cmd); err != nil {
			t.writeEvent(protocol.Error("", protocol.CodeParseError, err.Error()))
			continue
		}

		wg.Add(1)
		go func(cmd protocol.Command) {
			defer wg.Done()
			t.handle(ctx, cmd)
		}(cmd)
	}

	if err := scanner.Err(); err != nil {
		log.Error().Err(err).Msg("stdio transport read error")
		return err
	}
	return nil
}

func (t *Transport) handle(ctx context.Context, cmd protocol.Command) {
	out := make(chan protocol.Event)
	go func() {
		t.dispatcher.Dispatch(ctx, cmd, out)
		close(out)
	}()
	for e := range out {
		t.writeEvent(e)
	}
}

// forward pushes bus notifications (uncorrelated, server-initiated
// events) straight to stdout.
func (t *Transport) forward(e protocol.Event) {
	t.writeEvent(e)
}

func (t *Transport) writeEvent(e protocol.Event) {
	b, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Msg("stdio transport failed to marshal event")
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.out.Write(b)
	t.out.Write([]byte("\n"))
}

func stripBOM(line string) string {
	return strings.TrimPrefix(line, "﻿")
}
