package rise

import (
	"errors"
	"strings"
)

// ============================================================================
// Sentinels
// ============================================================================

var (
	// ErrOffline is returned when the offline transport is in use.
	ErrOffline = errors.New("offline")
	// ErrNotConnected is returned when a transport operation needs a live socket.
	ErrNotConnected = errors.New("not connected")
	// ErrDisposed is returned by a session manager after Dispose.
	ErrDisposed = errors.New("session disposed")
	// ErrInvokeTimeout is returned when no completion arrives in time.
	ErrInvokeTimeout = errors.New("invocation timed out")
)

// ============================================================================
// Error taxonomy
// ============================================================================

// ConnectionError is a transport connect or send failure. It is retryable.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return "connection: " + e.Op + " failed"
	}
	return "connection: " + e.Op + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthorizationError means the caller is not permitted to perform the action.
type AuthorizationError struct {
	Message string
}

func (e *AuthorizationError) Error() string { return e.Message }

// PreconditionError means required local context is missing.
type PreconditionError struct {
	Message string
}

func (e *PreconditionError) Error() string { return e.Message }

// ValidationError means the input was malformed.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// DomainConflictError is a business-rule rejection unrelated to connectivity.
type DomainConflictError struct {
	Code    string
	Message string
}

func (e *DomainConflictError) Error() string { return e.Message }

// ============================================================================
// Classification
// ============================================================================

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsPermanent reports whether err is a terminal rejection by the server.
func IsPermanent(err error) bool {
	var (
		ae *AuthorizationError
		ve *ValidationError
		de *DomainConflictError
	)
	return errors.As(err, &ae) || errors.As(err, &ve) || errors.As(err, &de)
}

// Markers the server puts in an error message when it has accepted a message
// for later delivery itself.
const (
	storedMarker     = "stored"
	connectionMarker = "connection"
)

// IndicatesServerQueued reports whether err is a domain error whose message
// says the server stored the action and will deliver it once its connection
// is restored.
func IndicatesServerQueued(err error) bool {
	var de *DomainConflictError
	if !errors.As(err, &de) {
		return false
	}
	return MessageIndicatesQueued(de.Message)
}

// MessageIndicatesQueued applies the queued convention to a raw message.
func MessageIndicatesQueued(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, storedMarker) && strings.Contains(m, connectionMarker)
}

// errorFromCode maps a wire error code back to the taxonomy.
func errorFromCode(op, code, message string) error {
	switch code {
	case CodeUnauthorized, CodeForbidden:
		return &AuthorizationError{Message: message}
	case CodeValidation:
		return &ValidationError{Message: message}
	case CodeRateLimited, CodeUnavailable:
		return &ConnectionError{Op: op, Err: errors.New(message)}
	default:
		return &DomainConflictError{Code: code, Message: message}
	}
}

// errorFromResult picks the first validation message, otherwise the first
// generic message of a failed API envelope.
func errorFromResult(status int, res *APIResult) error {
	if len(res.ValidationErrors) > 0 {
		v := res.ValidationErrors[0]
		return &ValidationError{Field: v.Field, Message: v.Message}
	}
	msg := "request failed"
	if len(res.Errors) > 0 {
		msg = res.Errors[0]
	}
	switch {
	case status == 401 || status == 403:
		return &AuthorizationError{Message: msg}
	case status == 400 || status == 422:
		return &ValidationError{Message: msg}
	case status == 408 || status == 429 || status >= 500:
		return &ConnectionError{Op: "request", Err: errors.New(msg)}
	default:
		return &DomainConflictError{Code: CodeConflict, Message: msg}
	}
}
