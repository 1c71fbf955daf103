package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/amplifier-run/runtime/internal/approval"
	"github.com/amplifier-run/runtime/internal/eventbus"
	"github.com/amplifier-run/runtime/internal/store"
	"github.com/amplifier-run/runtime/pkg/bundlehost"
	"github.com/amplifier-run/runtime/pkg/protocol"
)

// CreateOptions carries the session.create params named in spec §4.4.
type CreateOptions struct {
	Bundle           string
	Provider         string
	Model            string
	WorkingDirectory string
	Behaviors        []string
	ShowThinking     bool
}

// HostFactory builds the bundle host backing a new or resumed session.
// It is supplied by the bundle manager (spec §4.3: "a handle to a
// BundleManager").
type HostFactory func(ctx context.Context, opts CreateOptions) (bundlehost.Host, error)

// Session is one agent conversation: its lifecycle state, the bundle
// host driving it, and the approval back-channel scoped to it.
type Session struct {
	ID              string
	Directory       string
	Bundle          string
	ParentSessionID string
	TurnCount       int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastError       string

	mu           sync.Mutex
	state        State
	host         bundlehost.Host
	approvals    *approval.System
	showThinking bool
	cancelFn     context.CancelFunc
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Approvals returns the session's approval back-channel, used by the
// approval.respond command.
func (s *Session) Approvals() *approval.System {
	return s.approvals
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.state, to) {
		return &ErrIllegalTransition{From: s.state, To: to}
	}
	s.state = to
	return nil
}

// Manager owns every live session keyed by id, a persistence store, the
// process-wide event bus, and the bundle host factory (spec §4.3).
type Manager struct {
	store   *store.Store
	bus     *eventbus.Bus
	factory HostFactory

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager constructs a session manager. factory may be nil in tests
// that only exercise persistence or the lifecycle state machine.
func NewManager(st *store.Store, bus *eventbus.Bus, factory HostFactory) *Manager {
	return &Manager{
		store:    st,
		bus:      bus,
		factory:  factory,
		sessions: make(map[string]*Session),
	}
}

func generateID() string {
	return "sess_" + strings.ToLower(ulid.Make().String())[:16]
}

// Create constructs a new session and immediately initializes it,
// matching the session.create command's "creates, initializes, emits
// one result" contract (spec §4.4).
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	now := time.Now().UTC()
	s := &Session{
		ID:        generateID(),
		Directory: opts.WorkingDirectory,
		Bundle:    opts.Bundle,
		CreatedAt: now,
		UpdatedAt: now,
		state:     StateCreated,
	}

	if err := m.initialize(ctx, s, opts); err != nil {
		s.mu.Lock()
		s.state = StateError
		s.LastError = err.Error()
		s.mu.Unlock()
		return s, err
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	if err := m.persist(ctx, s); err != nil {
		return s, err
	}

	m.bus.Publish(protocol.Notification(protocol.EventSessionCreated, map[string]any{
		"session_id": s.ID,
		"bundle":     s.Bundle,
	}))

	return s, nil
}

// initialize may only run against a session in StateCreated: it builds
// the approval back-channel and the bundle host, then transitions to
// ready. Failure leaves the session in StateError with the reason
// preserved, per spec §4.3.
func (m *Manager) initialize(ctx context.Context, s *Session, opts CreateOptions) error {
	if s.State() != StateCreated {
		return fmt.Errorf("initialize: session %s not in created state", s.ID)
	}

	s.approvals = approval.New(func(e protocol.Event) {
		m.bus.Publish(e)
	})
	s.showThinking = opts.ShowThinking

	if m.factory != nil {
		host, err := m.factory(ctx, opts)
		if err != nil {
			return fmt.Errorf("bundle error: %w", err)
		}
		s.host = host
	}

	return s.transition(StateReady)
}

func (m *Manager) persist(ctx context.Context, s *Session) error {
	return m.store.SaveMetadata(ctx, s.ID, store.Metadata{
		Bundle:          s.Bundle,
		TurnCount:       s.TurnCount,
		Created:         s.CreatedAt.Format(time.RFC3339Nano),
		Updated:         s.UpdatedAt.Format(time.RFC3339Nano),
		CWD:             s.Directory,
		ParentSessionID: s.ParentSessionID,
		State:           string(s.State()),
		Error:           s.LastError,
	})
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Delete removes a session from memory and from the store.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if ok && s.host != nil {
		if err := s.host.Close(); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("error closing bundle host on delete")
		}
	}

	if err := m.store.DeleteSession(ctx, id); err != nil {
		return err
	}

	m.bus.Publish(protocol.Notification(protocol.EventSessionDeleted, map[string]any{"session_id": id}))
	return nil
}

// Execute runs one turn of prompt against session id's bundle host and
// returns a channel of unstamped protocol events: the command dispatcher
// stamps correlation id and sequence as it forwards them (spec §4.4).
// The returned channel is closed when the turn completes, errors, or is
// cancelled.
func (m *Manager) Execute(ctx context.Context, id, prompt string) (<-chan protocol.Event, error) {
	s, ok := m.Get(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	if s.State() != StateReady {
		return nil, fmt.Errorf("execute: session %s not ready (state=%s)", id, s.State())
	}
	if s.host == nil {
		return nil, fmt.Errorf("execute: session %s has no bundle host", id)
	}

	if err := s.transition(StateRunning); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelFn = cancel
	s.TurnCount++
	s.mu.Unlock()

	if err := m.store.AppendMessage(ctx, id, store.TranscriptMessage{
		Role:      "user",
		Content:   prompt,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		cancel()
		s.transition(StateError)
		return nil, err
	}

	hostEvents, err := s.host.Execute(runCtx, prompt)
	if err != nil {
		cancel()
		s.transition(StateError)
		return nil, err
	}
	out := make(chan protocol.Event)
	go m.pump(runCtx, s, hostEvents, out)
	return out, nil
}

func (m *Manager) pump(ctx context.Context, s *Session, hostEvents <-chan bundlehost.Event, out chan<- protocol.Event) {
	defer close(out)

	var assistantText strings.Builder
	finalState := StateReady

loop:
	for {
		select {
		case <-ctx.Done():
			finalState = StateCancelled
			break loop
		case be, ok := <-hostEvents:
			if !ok {
				break loop
			}
			if be.Kind == bundlehost.KindApprovalRequired {
				s.transition(StateWaitingApproval)
			} else if s.State() == StateWaitingApproval {
				s.transition(StateRunning)
			}
			if be.Kind == bundlehost.KindContentBlockDelta {
				if text, ok := be.Data["text"].(string); ok {
					assistantText.WriteString(text)
				}
			}
			if be.Kind == bundlehost.KindError {
				finalState = StateError
			}
			for _, pe := range mapBundleEvent(be, s.showThinking) {
				select {
				case out <- pe:
				case <-ctx.Done():
					finalState = StateCancelled
					break loop
				}
			}
			if be.Kind == bundlehost.KindError {
				break loop
			}
		}
	}

	if assistantText.Len() > 0 {
		m.store.AppendMessage(context.Background(), s.ID, store.TranscriptMessage{
			Role:      "assistant",
			Content:   assistantText.String(),
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		})
	}

	s.mu.Lock()
	s.UpdatedAt = time.Now().UTC()
	s.cancelFn = nil
	s.mu.Unlock()

	if err := s.transition(finalState); err != nil {
		log.Warn().Err(err).Str("session_id", s.ID).Msg("could not reach final state after turn")
	}
	m.persist(context.Background(), s)
}

// Cancel stops session id's in-flight turn, resolving every pending
// approval to "deny" and forwarding cancellation to the bundle host.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	s, ok := m.Get(id)
	if !ok {
		return store.ErrNotFound
	}

	s.mu.Lock()
	cancelFn := s.cancelFn
	s.mu.Unlock()

	if s.approvals != nil {
		s.approvals.CancelAll()
	}
	if s.host != nil {
		s.host.Cancel()
	}
	if cancelFn != nil {
		cancelFn()
	}
	return nil
}

// Resume loads a session's persisted state and reconstructs it in
// StateReady, seeding the bundle host's context with the transcript
// (spec §4.3).
func (m *Manager) Resume(ctx context.Context, id string, opts CreateOptions) (*Session, error) {
	transcript, meta, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, store.ErrNotFound
	}

	s := &Session{
		ID:        id,
		Directory: meta.CWD,
		Bundle:    meta.Bundle,
		TurnCount: meta.TurnCount,
		state:     StateCreated,
	}
	if meta.Created != "" {
		s.CreatedAt, _ = time.Parse(time.RFC3339Nano, meta.Created)
	}
	s.UpdatedAt = time.Now().UTC()

	opts.Bundle = meta.Bundle
	opts.WorkingDirectory = meta.CWD
	if err := m.initialize(ctx, s, opts); err != nil {
		return nil, err
	}

	if s.host != nil {
		messages := make([]bundlehost.ContextMessage, 0, len(transcript))
		for _, msg := range transcript {
			messages = append(messages, bundlehost.ContextMessage{Role: msg.Role, Content: msg.Content})
		}
		s.host.Seed(messages)
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	return s, nil
}

// List returns every live session, for session.list.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
