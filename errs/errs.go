// Package errs provides structured error types and helpers for Hovercast services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies an error category shared across the integration core.
type Kind string

const (
	// KindTransport indicates a transient network or socket failure.
	KindTransport Kind = "transport"
	// KindProtocol indicates a framing or decoding failure on a live connection.
	KindProtocol Kind = "protocol"
	// KindFatal indicates a protocol-fatal failure that must not be retried.
	KindFatal Kind = "fatal"
	// KindAuth indicates authentication, token, or scope errors.
	KindAuth Kind = "auth"
	// KindApplication indicates a caller-visible application failure.
	KindApplication Kind = "application"
	// KindNotConnected indicates the underlying connection is not open.
	KindNotConnected Kind = "not_connected"
	// KindCircuitOpen indicates the reconnect circuit breaker is open.
	KindCircuitOpen Kind = "circuit_open"
	// KindTimeout indicates a deadline elapsed before completion.
	KindTimeout Kind = "timeout"
	// KindConflict indicates a duplicate or conflicting mutation.
	KindConflict Kind = "conflict"
	// KindRateLimited indicates the request exceeded rate limits.
	KindRateLimited Kind = "rate_limited"
	// KindInvalid indicates invalid input provided by the caller.
	KindInvalid Kind = "invalid_request"
	// KindNotFound indicates a missing resource.
	KindNotFound Kind = "not_found"
	// KindUnavailable indicates the upstream service is temporarily unavailable.
	KindUnavailable Kind = "unavailable"
)

// E captures structured error information produced across the Hovercast stack.
type E struct {
	Source      string
	Kind        Kind
	HTTP        int
	Op          string
	Reason      string
	Message     string
	Remediation string
	Metadata    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the source component and kind.
func New(source string, kind Kind, opts ...Option) *E {
	e := &E{
		Source:      strings.TrimSpace(source),
		Kind:        kind,
		HTTP:        0,
		Op:          "",
		Reason:      "",
		Message:     "",
		Remediation: "",
		Metadata:    nil,
		cause:       nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithOp records the operation that produced the error.
func WithOp(op string) Option {
	trimmed := strings.TrimSpace(op)
	return func(e *E) {
		e.Op = trimmed
	}
}

// WithReason attaches a stable machine-readable reason tag.
func WithReason(reason string) Option {
	trimmed := strings.TrimSpace(reason)
	return func(e *E) {
		e.Reason = trimmed
	}
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithMetadata merges the provided metadata into the error envelope.
func WithMetadata(meta map[string]string) Option {
	return func(e *E) {
		if len(meta) == 0 {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Metadata[key] = strings.TrimSpace(v)
		}
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	source := strings.TrimSpace(e.Source)
	if source == "" {
		source = "unknown"
	}
	parts = append(parts, "source="+source)

	kind := strings.TrimSpace(string(e.Kind))
	if kind == "" {
		kind = "unknown"
	}
	parts = append(parts, "kind="+kind)

	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}
	if e.Reason != "" {
		parts = append(parts, "reason="+e.Reason)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// KindOf extracts the Kind from err when it wraps an *E; empty otherwise.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ReasonOf extracts the machine-readable reason tag from err, if any.
func ReasonOf(err error) string {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Reason
	}
	return ""
}
