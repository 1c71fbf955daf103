package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// StdioTransport runs the JSON-RPC adapter over newline-delimited JSON
// on stdin/stdout, mirroring internal/transport/stdio's framing rules
// (BOM-stripped, CRLF-tolerant input, LF-only output).
type StdioTransport struct {
	adapter *Adapter
	in      io.Reader
	out     io.Writer
	mu      sync.Mutex
}

// NewStdioTransport builds a StdioTransport over adapter.
func NewStdioTransport(adapter *Adapter, in io.Reader, out io.Writer) *StdioTransport {
	return &StdioTransport{adapter: adapter, in: in, out: out}
}

// Run reads JSON-RPC frames from stdin until EOF or ctx cancellation.
func (t *StdioTransport) Run(ctx context.Context) error {
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

		line := strings.TrimPrefix(strings.TrimRight(scanner.Text(), "\r"), "﻿")
		if strings.TrimSpace(line) == "" {
			continue
		}

		wg.Add(1)
		go func(line string) {
			defer wg.Done()
			t.handle(ctx, []byte(line))
		}(line)
	}

	return scanner.Err()
}

func (t *StdioTransport) handle(ctx context.Context, raw []byte) {
	resp := t.adapter.HandleMessage(ctx, raw, func(n Notification) {
		t.write(n)
	})
	if resp != nil {
		t.write(resp)
	}
}

func (t *StdioTransport) write(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("jsonrpc stdio transport failed to marshal message")
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.out.Write(b)
	t.out.Write([]byte("\n"))
}
