package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Domain errors - these represent relay failure classes
var (
	// Connection authentication
	ErrMissingToken = errors.New("missing authentication token")
	ErrInvalidToken = errors.New("invalid or expired token")

	// Presence
	ErrConnectionClosed = errors.New("connection closed")

	// Ingest & dispatch
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrDispatchFailed    = errors.New("dispatch failed")

	// Broker
	ErrBrokerUnavailable = errors.New("broker unavailable")
)

// WebSocket close codes used when a handshake is refused.
// 4000-4999 is the range reserved for application use.
const (
	CloseMissingToken = 4001
	CloseInvalidToken = 4002
)

// CloseError wraps an authentication failure with the close frame sent to the client
type CloseError struct {
	Err    error  // The underlying error
	Code   int    // WebSocket close code
	Reason string // Close reason, visible to the client
}

func (e *CloseError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return e.Err.Error()
}

func (e *CloseError) Unwrap() error {
	return e.Err
}

// NewCloseError maps an authentication error onto its close frame.
// Anything that is not a missing token is reported as invalid.
func NewCloseError(err error) *CloseError {
	if errors.Is(err, ErrMissingToken) {
		return &CloseError{
			Err:    err,
			Code:   CloseMissingToken,
			Reason: "missing token",
		}
	}
	return &CloseError{
		Err:    err,
		Code:   CloseInvalidToken,
		Reason: "invalid or expired token",
	}
}

// ValidationErrors holds multiple field validation errors
type ValidationErrors struct {
	Errors map[string][]string `json:"errors"`
}

func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{
		Errors: make(map[string][]string),
	}
}

func (v *ValidationErrors) Add(field, message string) {
	v.Errors[field] = append(v.Errors[field], message)
}

func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Fields returns the offending field names in sorted order.
func (v *ValidationErrors) Fields() []string {
	fields := make([]string, 0, len(v.Errors))
	for field := range v.Errors {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

func (v *ValidationErrors) Error() string {
	return fmt.Sprintf("%s: invalid field(s): %s", ErrMalformedEnvelope, strings.Join(v.Fields(), ", "))
}

// Unwrap lets errors.Is match ErrMalformedEnvelope.
func (v *ValidationErrors) Unwrap() error {
	return ErrMalformedEnvelope
}
