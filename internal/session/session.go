// Package session implements the per-chat stream coordination object: the
// rendezvous a Chat Turn Orchestrator uses to let another goroutine stop a
// turn or inject a validation result, and that survives a client
// disconnecting while a validation is pending.
package session

import (
	"log/slog"
	"sync"
	"time"
)

// ValidationResult is the payload injected into a session once a human
// decides on a pending tool-call Validation.
type ValidationResult struct {
	ValidationID string
	Action       string // approved, rejected, cancelled, feedback
	Data         any    // tool result payload, present on approved
	Feedback     string // present on feedback
}

// Session is the in-memory coordination object for one chat's in-flight
// turn. The zero value is not usable; construct with newSession.
//
// stopCh and validationCh are one-shot latches: closing stopCh signals a
// stop request (closing a channel is safe to observe from many readers),
// while validationCh carries exactly one ValidationResult per tool call
// and is recreated by ResetValidationEvent so the same session can gate several
// sequential tool calls within one turn.
type Session struct {
	ChatID string

	mu                 sync.Mutex
	active             bool
	disconnectedAt     time.Time
	pendingValidationID string
	sources            map[string]struct{}
	startedAt          time.Time

	stopCh       chan struct{}
	stopOnce     sync.Once
	validationCh chan ValidationResult
}

func newSession(chatID string) *Session {
	return &Session{
		ChatID:       chatID,
		active:       true,
		sources:      make(map[string]struct{}),
		startedAt:    time.Now(),
		stopCh:       make(chan struct{}),
		validationCh: make(chan ValidationResult, 1),
	}
}

// Stop signals the stop latch. Safe to call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Stopped returns a channel that is closed once Stop has been called.
func (s *Session) Stopped() <-chan struct{} {
	return s.stopCh
}

// AwaitValidation blocks until a result is injected for the current gate,
// or the stop latch fires. ok is false if stop fired first.
func (s *Session) AwaitValidation() (ValidationResult, bool) {
	select {
	case res := <-s.validationCh:
		return res, true
	case <-s.stopCh:
		return ValidationResult{}, false
	}
}

// ResetValidationEvent prepares the session to gate another tool call in
// the same turn, per C10's stated requirement that the latch be reusable.
func (s *Session) ResetValidationEvent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validationCh = make(chan ValidationResult, 1)
}

// SetPendingValidation records which validation this session is currently
// blocked on, so cleanup and reconnection can reason about it.
func (s *Session) SetPendingValidation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingValidationID = id
}

// PendingValidationID returns the validation id this session is blocked
// on, or "" if none.
func (s *Session) PendingValidationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingValidationID
}

// AddSource records a RAG source cited during the current turn.
func (s *Session) AddSource(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[id] = struct{}{}
}

// Sources returns the RAG sources cited so far in the current turn.
func (s *Session) Sources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sources))
	for id := range s.sources {
		out = append(out, id)
	}
	return out
}

// MarkDisconnected records that the client dropped the SSE connection
// without ending the turn.
func (s *Session) MarkDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectedAt = time.Now()
}

// IsDisconnected reports whether the client has dropped the connection.
func (s *Session) IsDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.disconnectedAt.IsZero()
}

// isStreamActive reports whether this session still counts as "active"
// for is_stream_active purposes: either the client is attached, or it
// disconnected while a non-terminal validation was pending.
func (s *Session) isStreamActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active && s.disconnectedAt.IsZero() {
		return true
	}
	return !s.disconnectedAt.IsZero() && s.pendingValidationID != ""
}

// Manager owns the one-session-per-chat map. It is the sole place a turn's
// stop and validation-injection latches are reachable from outside the
// goroutine driving the turn.
type Manager struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	// reaperCeiling bounds how long an active session may live before the
	// cleanup sweep ends it unconditionally (default 1h per spec).
	reaperCeiling time.Duration
	// validationTerminal reports whether a validation id has reached a
	// terminal status; injected so the cleanup sweep doesn't import the
	// validation package directly (avoids an import cycle, since the
	// validation broker itself calls into Manager).
	validationTerminal func(validationID string) bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithReaperCeiling overrides the max lifetime of an active session before
// the cleanup sweep force-ends it.
func WithReaperCeiling(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.reaperCeiling = d
		}
	}
}

// WithValidationTerminalCheck wires the predicate the cleanup sweep uses
// to decide whether a session's pending validation has resolved.
func WithValidationTerminalCheck(fn func(validationID string) bool) Option {
	return func(m *Manager) {
		if fn != nil {
			m.validationTerminal = fn
		}
	}
}

// NewManager constructs a session Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger:        slog.Default().With("component", "session"),
		sessions:      make(map[string]*Session),
		reaperCeiling: time.Hour,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartSession opens a new session for chatID, replacing and logging a
// warning about any session already registered for that chat.
func (m *Manager) StartSession(chatID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[chatID]; ok {
		existing.Stop()
		m.logger.Warn("replacing live session for chat", "chat_id", chatID)
	}
	sess := newSession(chatID)
	m.sessions[chatID] = sess
	return sess
}

// Get returns the session registered for chatID, if any.
func (m *Manager) Get(chatID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[chatID]
	return sess, ok
}

// EndSession removes and deactivates the session for chatID, if present.
func (m *Manager) EndSession(chatID string) {
	m.mu.Lock()
	sess, ok := m.sessions[chatID]
	if ok {
		delete(m.sessions, chatID)
	}
	m.mu.Unlock()
	if ok {
		sess.mu.Lock()
		sess.active = false
		sess.mu.Unlock()
		sess.Stop()
	}
}

// MarkDisconnected flags chatID's session as disconnected, if one exists.
func (m *Manager) MarkDisconnected(chatID string) {
	if sess, ok := m.Get(chatID); ok {
		sess.MarkDisconnected()
	}
}

// IsStreamActive reports whether chatID has a live session, or a
// disconnected session still holding a pending validation.
func (m *Manager) IsStreamActive(chatID string) bool {
	sess, ok := m.Get(chatID)
	if !ok {
		return false
	}
	return sess.isStreamActive()
}

// InjectValidationResult delivers res to chatID's session, returning false
// if no session is registered for that chat.
func (m *Manager) InjectValidationResult(chatID string, res ValidationResult) bool {
	sess, ok := m.Get(chatID)
	if !ok {
		return false
	}
	sess.mu.Lock()
	ch := sess.validationCh
	sess.mu.Unlock()
	select {
	case ch <- res:
		return true
	default:
		// A result is already queued (shouldn't happen under the
		// one-tool-call-at-a-time contract); overwrite it.
		select {
		case <-ch:
		default:
		}
		ch <- res
		return true
	}
}

// Sweep runs one pass of the periodic cleanup described by C10: sessions
// whose pending validation has reached a terminal state are ended,
// disconnected sessions without a pending validation are ended
// immediately, and active sessions older than the reaper ceiling are
// reaped unconditionally.
func (m *Manager) Sweep() {
	now := time.Now()
	m.mu.Lock()
	var toEnd []string
	for chatID, sess := range m.sessions {
		sess.mu.Lock()
		disconnected := !sess.disconnectedAt.IsZero()
		pending := sess.pendingValidationID
		started := sess.startedAt
		sess.mu.Unlock()

		switch {
		case disconnected && pending == "":
			toEnd = append(toEnd, chatID)
		case disconnected && pending != "" && m.validationTerminal != nil && m.validationTerminal(pending):
			toEnd = append(toEnd, chatID)
		case !disconnected && now.Sub(started) > m.reaperCeiling:
			m.logger.Warn("reaping stale active session", "chat_id", chatID, "age", now.Sub(started))
			toEnd = append(toEnd, chatID)
		}
	}
	m.mu.Unlock()

	for _, chatID := range toEnd {
		m.EndSession(chatID)
	}
}

// RunSweeper starts a goroutine running Sweep every interval until stopCh
// is closed.
func (m *Manager) RunSweeper(interval time.Duration, stopCh <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep()
			case <-stopCh:
				return
			}
		}
	}()
}
