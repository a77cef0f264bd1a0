// Package problem defines the RFC 7807 Problem Details taxonomy every
// component in the orchestrator classifies its errors onto: the kind
// decides the HTTP status an API layer reports and whether a caller
// (retry loop, circuit breaker, chat turn orchestrator) should retry.
package problem

import (
	"errors"
	"net/http"
)

// Kind is the cross-cutting error classification every subsystem maps its
// own error types onto. It mirrors the handful of RFC 7807 problem types
// the orchestrator's HTTP surface actually needs to distinguish.
type Kind string

const (
	// Validation is a malformed or schema-invalid request (400).
	Validation Kind = "validation"
	// Authentication means the caller's credentials are missing or invalid (401).
	Authentication Kind = "authentication"
	// Permission means the caller is known but not allowed to do this (403).
	Permission Kind = "permission"
	// NotFound means the referenced entity does not exist (404).
	NotFound Kind = "not_found"
	// Conflict means the request collides with the current state of the
	// resource — e.g. a second chat turn started while one is already
	// generating. Conflict problems may carry an Impact describing what
	// the caller would have disrupted.
	Conflict Kind = "conflict"
	// Quota means a rate limit or billing quota was exceeded (429).
	Quota Kind = "quota"
	// Unavailable means a dependency is down or its circuit breaker is
	// open (503); the caller should retry after RetryAfter.
	Unavailable Kind = "unavailable"
	// Internal is an unclassified failure (500).
	Internal Kind = "internal"
)

// Status returns the HTTP status code a problem of this kind should be
// reported with.
func (k Kind) Status() int {
	switch k {
	case Validation:
		return http.StatusBadRequest
	case Authentication:
		return http.StatusUnauthorized
	case Permission:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Quota:
		return http.StatusTooManyRequests
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a caller can reasonably retry a problem of
// this kind without changing anything about the request.
func (k Kind) Retryable() bool {
	switch k {
	case Quota, Unavailable:
		return true
	default:
		return false
	}
}

// Problem is an RFC 7807 problem detail. Type is a URI identifying the
// problem kind ("confirmation_required" for a Conflict raised by the
// one-turn-per-chat rule); Impact carries the extension members a client
// needs to render that confirmation.
type Problem struct {
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Status   int            `json:"status"`
	Detail   string         `json:"detail,omitempty"`
	Kind     Kind           `json:"-"`
	Impact   map[string]any `json:"impact,omitempty"`
	Cause    error          `json:"-"`
	RetryAfterSeconds int   `json:"retry_after_seconds,omitempty"`
}

// Error implements the error interface.
func (p *Problem) Error() string {
	if p.Detail != "" {
		return p.Title + ": " + p.Detail
	}
	return p.Title
}

// Unwrap returns the underlying cause, if any.
func (p *Problem) Unwrap() error { return p.Cause }

// New builds a Problem of the given kind.
func New(kind Kind, title, detail string) *Problem {
	return &Problem{
		Type:   string(kind),
		Title:  title,
		Status: kind.Status(),
		Detail: detail,
		Kind:   kind,
	}
}

// Wrap builds a Problem of the given kind wrapping cause.
func Wrap(kind Kind, title string, cause error) *Problem {
	p := New(kind, title, "")
	if cause != nil {
		p.Detail = cause.Error()
	}
	p.Cause = cause
	return p
}

// NewConflict builds a "confirmation_required" Conflict problem carrying
// the impact a client should render before the caller can retry with
// confirmation — e.g. "a turn is already generating for this chat".
func NewConflict(title string, impact map[string]any) *Problem {
	p := New(Conflict, title, "")
	p.Type = "confirmation_required"
	p.Impact = impact
	return p
}

// NewUnavailable builds an Unavailable problem carrying the number of
// seconds a client should wait before retrying.
func NewUnavailable(title string, retryAfter int) *Problem {
	p := New(Unavailable, title, "")
	p.RetryAfterSeconds = retryAfter
	return p
}

// WithCause attaches an underlying error for Unwrap, without altering the
// problem's own Title/Detail.
func (p *Problem) WithCause(cause error) *Problem {
	p.Cause = cause
	return p
}

// From extracts the Problem in err's chain, if any.
func From(err error) (*Problem, bool) {
	var p *Problem
	if errors.As(err, &p) {
		return p, true
	}
	return nil, false
}

// KindOf classifies any error, mapping a *Problem to its own Kind and
// falling back to Internal for everything else. Subsystem-specific
// classifiers (agent.ToolErrorType, providers.FailoverReason,
// infra.ErrCircuitOpen) supply their own mapping and wrap it into a
// *Problem before it reaches here.
func KindOf(err error) Kind {
	if p, ok := From(err); ok {
		return p.Kind
	}
	return Internal
}
