package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
)

// ErrKind classifies every failure the abstraction layer can surface.
// Callers branch on the kind, never on error strings.
type ErrKind string

const (
	ErrDetectionFailed      ErrKind = "detection_failed"
	ErrTargetUnresolved     ErrKind = "target_unresolved"
	ErrCredentialsMissing   ErrKind = "credentials_missing"
	ErrConfigurationInvalid ErrKind = "configuration_invalid"
	ErrUnsupportedOperation ErrKind = "unsupported_operation"
	ErrValidationFailed     ErrKind = "validation_failed"
	ErrAuthenticationFailed ErrKind = "authentication_failed"
	ErrRateLimited          ErrKind = "rate_limited"
	ErrTransient            ErrKind = "transient"
	ErrBackupFailed         ErrKind = "backup_failed"
	ErrSnapshotIncompatible ErrKind = "snapshot_incompatible"
	ErrCancelled            ErrKind = "cancelled"
	ErrAuditSinkUnavailable ErrKind = "audit_sink_unavailable"
)

// Error is the typed failure used everywhere in the core. The message is
// suitable for a natural-language layer to phrase to a human; vendor
// internals stay in the wrapped cause, which is never rendered to users.
type Error struct {
	Kind   ErrKind
	Op     string // operation context, e.g. "unifi.create_reservation"
	Target string
	Msg    string
	Cause  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is match on a bare kind sentinel built with E(kind).
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// E builds an Error. The variadic tail accepts, in any order, a message
// string (first string seen), a cause error, and an op string prefixed
// with "op:".
func E(kind ErrKind, args ...any) *Error {
	e := &Error{Kind: kind}
	for _, a := range args {
		switch v := a.(type) {
		case string:
			if strings.HasPrefix(v, "op:") {
				e.Op = strings.TrimPrefix(v, "op:")
			} else if e.Msg == "" {
				e.Msg = v
			}
		case error:
			e.Cause = v
		}
	}
	return e
}

// Errorf builds an Error with a formatted message.
func Errorf(kind ErrKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from any error chain; "" when the chain
// carries no *Error.
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// AsError coerces err into an *Error, classifying unwrapped transport
// errors on the way. A nil err returns nil.
func AsError(err error, op string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	classified := ClassifyTransport(err)
	classified.Op = op
	return classified
}

// Retryable reports whether the dispatcher's retry loop may re-attempt.
// Only the transient class retries; auth gets one credential refresh and
// is handled separately.
func Retryable(err error) bool {
	return KindOf(err) == ErrTransient
}

// ClassifyTransport maps raw transport failures into the taxonomy:
// timeouts, refused/reset connections and DNS errors are transient;
// context cancellation is Cancelled; anything else stays transient too —
// an unknown wire failure is worth one more attempt, never a silent pass.
func ClassifyTransport(err error) *Error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return E(ErrCancelled, "operation cancelled or timed out", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return E(ErrTransient, "network timeout", err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrDeadlineExceeded) {
		return E(ErrTransient, "connection failed", err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return E(ErrTransient, "name resolution failed", err)
	}
	return E(ErrTransient, "transport error", err)
}

// ClassifyHTTPStatus maps an HTTP response code into the taxonomy.
// 2xx maps to nil.
func ClassifyHTTPStatus(status int) *Error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 401 || status == 403:
		return Errorf(ErrAuthenticationFailed, "device rejected credentials (HTTP %d)", status)
	case status == 404 || status == 405:
		return Errorf(ErrUnsupportedOperation, "endpoint not present on this firmware (HTTP %d)", status)
	case status == 429:
		return Errorf(ErrTransient, "device throttling requests (HTTP %d)", status)
	case status >= 500:
		return Errorf(ErrTransient, "device error (HTTP %d)", status)
	default:
		return Errorf(ErrValidationFailed, "device rejected request (HTTP %d)", status)
	}
}
