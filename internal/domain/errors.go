package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownToken is returned for reads against a token the manager
	// does not track.
	ErrUnknownToken = errors.New("unknown token")

	// ErrBookClosed is returned when writing to an untracked book.
	ErrBookClosed = errors.New("book closed")

	// ErrRateLimited signals caller-visible backpressure on outbound calls.
	ErrRateLimited = errors.New("rate limited")

	// ErrCircuitOpen rejects outbound calls while the breaker is open.
	ErrCircuitOpen = errors.New("circuit open")
)

// DecodeError marks a malformed feed frame. The caller logs and drops
// the frame; a single bad frame never terminates the stream.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// NewDecodeError builds a DecodeError with an optional cause.
func NewDecodeError(reason string, err error) *DecodeError {
	return &DecodeError{Reason: reason, Err: err}
}

// TransportError is a connection-level fault. It triggers reconnect or
// retry with backoff, never a crash of the ingestion path.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ConfigurationError reports an invalid construction parameter. Fatal at
// construction time only.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// IsTransient reports whether an error is worth retrying: transport
// faults and rate limiting are; validation and auth failures are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var te *TransportError
	return errors.As(err, &te)
}
