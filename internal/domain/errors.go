package domain

import "errors"

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a transport error. Retriable marks link-layer
// failures that warrant a scheduled reconnect.
type NetworkError struct {
	Op        string // Operation that failed (e.g., "dial", "read", "write")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrOwnerClosed is returned by any call made against a torn-down connection owner.
	ErrOwnerClosed = errors.New("connection owner closed")

	// ErrNotConnected is returned when a command is sent while the socket is down.
	ErrNotConnected = errors.New("not connected")

	// ErrAuthRejected is returned when the server refuses the handshake credentials. Never retriable.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrRequestTimeout is returned when a command is not acknowledged in time.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrRequestRejected is returned when the server acknowledges a command with an error.
	ErrRequestRejected = errors.New("request rejected")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)
