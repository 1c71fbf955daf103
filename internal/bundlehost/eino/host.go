// Package eino adapts the teacher's Eino-based provider registry into a
// concrete bundlehost.Host: the reference implementation of the
// external model engine the session manager drives through pkg/bundlehost.
package eino

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/cloudwego/eino/schema"

	"github.com/amplifier-run/runtime/internal/provider"
	"github.com/amplifier-run/runtime/pkg/bundlehost"
)

// Host streams one provider's chat completions as bundlehost events. It
// holds the accumulated conversation as a slice of eino schema messages,
// seeded/read back through ContextMessage for session resume.
type Host struct {
	prov      provider.Provider
	modelID   string
	maxTokens int

	mu       sync.Mutex
	messages []*schema.Message
	cancel   context.CancelFunc
}

// New builds a Host bound to a single resolved provider and model.
func New(prov provider.Provider, modelID string, maxTokens int) *Host {
	return &Host{prov: prov, modelID: modelID, maxTokens: maxTokens}
}

// Execute appends prompt as a user message, starts a streaming
// completion, and translates each chunk into bundlehost events on the
// returned channel. The channel closes when the stream ends, errors, or
// ctx is cancelled.
func (h *Host) Execute(ctx context.Context, prompt string) (<-chan bundlehost.Event, error) {
	runCtx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.messages = append(h.messages, &schema.Message{Role: schema.User, Content: prompt})
	messages := append([]*schema.Message(nil), h.messages...)
	h.cancel = cancel
	h.mu.Unlock()

	stream, err := h.prov.CreateCompletion(runCtx, &provider.CompletionRequest{
		Model:     h.modelID,
		Messages:  messages,
		MaxTokens: h.maxTokens,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create completion: %w", err)
	}

	out := make(chan bundlehost.Event)
	go h.pump(runCtx, cancel, stream, out)
	return out, nil
}

func (h *Host) pump(ctx context.Context, cancel context.CancelFunc, stream *provider.CompletionStream, out chan<- bundlehost.Event) {
	defer close(out)
	defer cancel()
	defer stream.Close()

	index := 0
	var assistantText string
	emit := func(e bundlehost.Event) bool {
		select {
		case out <- e:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !emit(bundlehost.Event{Kind: bundlehost.KindContentBlockStart, Index: index, Block: bundlehost.BlockText}) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			emit(bundlehost.Event{Kind: bundlehost.KindError, Data: map[string]any{"error": err.Error()}})
			return
		}
		if chunk.Content == "" {
			continue
		}
		assistantText += chunk.Content
		if !emit(bundlehost.Event{Kind: bundlehost.KindContentBlockDelta, Index: index, Data: map[string]any{"text": chunk.Content}}) {
			return
		}
	}

	emit(bundlehost.Event{Kind: bundlehost.KindContentBlockEnd, Index: index, Block: bundlehost.BlockText, Data: map[string]any{"text": assistantText}})

	h.mu.Lock()
	h.messages = append(h.messages, &schema.Message{Role: schema.Assistant, Content: assistantText})
	h.mu.Unlock()

	emit(bundlehost.Event{Kind: bundlehost.KindPromptComplete})
}

// Cancel aborts the in-flight Execute call, if any.
func (h *Host) Cancel() {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Context returns the accumulated conversation as role/content pairs.
func (h *Host) Context() []bundlehost.ContextMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]bundlehost.ContextMessage, 0, len(h.messages))
	for _, m := range h.messages {
		out = append(out, bundlehost.ContextMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// Seed replaces the host's conversation context from a persisted
// transcript, used by Session.Resume.
func (h *Host) Seed(messages []bundlehost.ContextMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = make([]*schema.Message, 0, len(messages))
	for _, m := range messages {
		h.messages = append(h.messages, &schema.Message{Role: roleFromString(m.Role), Content: m.Content})
	}
}

func roleFromString(role string) schema.RoleType {
	switch role {
	case "assistant":
		return schema.Assistant
	case "system":
		return schema.System
	default:
		return schema.User
	}
}

// Close is a no-op: the Host holds no connection or subprocess that
// needs explicit release. It exists to satisfy bundlehost.Host.
func (h *Host) Close() error {
	return nil
}
