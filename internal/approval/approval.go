// Package approval implements the server-side approval back-channel
// (spec §5): a session-scoped request/response rendezvous that lets a
// bundle host block on user confirmation before a tool runs, plus a
// cache of "always" decisions and default resolution on timeout.
package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/amplifier-run/runtime/pkg/protocol"
)

// Default is the timeout-resolution policy named in an approval request.
type Default string

const (
	DefaultAllow Default = "allow"
	DefaultDeny  Default = "deny"
)

// Sender delivers an event to whatever transport owns the session, so
// System stays transport-agnostic. Implementations publish through
// eventbus.Bus or write directly to a connection.
type Sender func(protocol.Event)

type pendingApproval struct {
	requestID string
	prompt    string
	options   []string
	resultCh  chan string
	done      bool
}

// System tracks in-flight approval requests for a single session and
// caches "always" decisions keyed by the prompt/options pair.
type System struct {
	send Sender

	mu      sync.Mutex
	pending map[string]*pendingApproval
	cache   map[string]string
}

// New creates an approval System. send may be nil until SetSender is
// called, in which case requests resolve immediately via the default.
func New(send Sender) *System {
	return &System{
		send:    send,
		pending: make(map[string]*pendingApproval),
		cache:   make(map[string]string),
	}
}

// SetSender wires the event sink after construction, for cases where the
// transport connection is not yet available at System creation time.
func (s *System) SetSender(send Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.send = send
}

func cacheKey(prompt string, options []string) string {
	h := sha256.New()
	h.Write([]byte(prompt))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(options, "\x00")))
	return hex.EncodeToString(h.Sum(nil))
}

// RequestApproval blocks until the user responds, the cache already
// holds an "always" decision for this exact prompt/options pair, or
// timeout elapses, in which case the default is resolved against the
// option list by substring match.
func (s *System) RequestApproval(ctx context.Context, prompt string, options []string, timeout time.Duration, def Default) (string, error) {
	key := cacheKey(prompt, options)

	s.mu.Lock()
	if cached, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	send := s.send
	s.mu.Unlock()

	if send == nil {
		log.Warn().Msg("approval requested with no sender configured, resolving default")
		return resolveDefault(def, options), nil
	}

	requestID := "approval_" + strings.ToLower(ulid.Make().String())[:12]
	pending := &pendingApproval{
		requestID: requestID,
		prompt:    prompt,
		options:   options,
		resultCh:  make(chan string, 1),
	}

	s.mu.Lock()
	s.pending[requestID] = pending
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, requestID)
		s.mu.Unlock()
	}()

	send(protocol.Notification(protocol.EventApprovalRequired, map[string]any{
		"request_id": requestID,
		"prompt":     prompt,
		"options":    options,
		"timeout":    timeout.Seconds(),
		"default":    string(def),
	}))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case choice := <-pending.resultCh:
		if strings.Contains(strings.ToLower(choice), "always") {
			s.mu.Lock()
			s.cache[key] = choice
			s.mu.Unlock()
		}
		send(protocol.Notification(protocol.EventApprovalResolved, map[string]any{
			"request_id": requestID,
			"choice":     choice,
		}))
		return choice, nil
	case <-timer.C:
		resolved := resolveDefault(def, options)
		send(protocol.Notification(protocol.EventApprovalTimeout, map[string]any{
			"request_id":      requestID,
			"applied_default": string(def),
		}))
		return resolved, nil
	}
}

// resolveDefault finds the option that best matches the timeout default,
// falling back to the last option for "deny" and the first for "allow"
// when no option text matches.
func resolveDefault(def Default, options []string) string {
	for _, option := range options {
		lower := strings.ToLower(option)
		if def == DefaultAllow && (strings.Contains(lower, "allow") || strings.Contains(lower, "yes")) {
			return option
		}
		if def == DefaultDeny && (strings.Contains(lower, "deny") || strings.Contains(lower, "no")) {
			return option
		}
	}
	if len(options) == 0 {
		return string(def)
	}
	if def == DefaultDeny {
		return options[len(options)-1]
	}
	return options[0]
}

// HandleResponse delivers a client's choice to the matching pending
// request. It reports false if no such request is pending or it was
// already resolved (by a prior response or a timeout race).
func (s *System) HandleResponse(requestID, choice string) bool {
	s.mu.Lock()
	pending, ok := s.pending[requestID]
	if ok && pending.done {
		ok = false
	}
	if ok {
		pending.done = true
	}
	s.mu.Unlock()

	if !ok {
		return false
	}

	if !containsOption(pending.options, choice) {
		log.Warn().Str("request_id", requestID).Str("choice", choice).Msg("approval choice not among offered options")
	}

	select {
	case pending.resultCh <- choice:
	default:
	}
	return true
}

func containsOption(options []string, choice string) bool {
	for _, o := range options {
		if o == choice {
			return true
		}
	}
	return false
}

// PendingCount reports the number of approval requests awaiting a
// response.
func (s *System) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// CancelAll resolves every pending request with "deny", used when a
// session is cancelled or deleted out from under an in-flight turn. It
// returns the number of requests cancelled.
func (s *System) CancelAll() int {
	s.mu.Lock()
	pendings := make([]*pendingApproval, 0, len(s.pending))
	for _, p := range s.pending {
		if !p.done {
			p.done = true
			pendings = append(pendings, p)
		}
	}
	s.mu.Unlock()

	for _, p := range pendings {
		select {
		case p.resultCh <- "deny":
		default:
		}
	}
	return len(pendings)
}
