package apperrors

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrSessionNotFound        = errors.New("session not found")
	ErrNotConnected           = errors.New("not connected to a database")
	ErrRequestInProgress      = errors.New("a request is already in progress for this session")
	ErrRateLimited            = errors.New("too many questions, slow down")
	ErrInvalidInput           = errors.New("invalid input")
	ErrUnsupportedDatasource  = errors.New("unsupported datasource type")
	ErrConnectionLimit        = errors.New("connection limit reached")
	ErrCredentialsKeyMismatch = errors.New("stored credentials were encrypted with a different key")
)

// SchemaDiscoveryError means metadata could not be enumerated on a live
// connection. The session is unusable until the user reconnects.
type SchemaDiscoveryError struct {
	Op  string
	Err error
}

func (e *SchemaDiscoveryError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("schema discovery failed: %v", e.Err)
	}
	return fmt.Sprintf("schema discovery failed (%s): %v", e.Op, e.Err)
}

func (e *SchemaDiscoveryError) Unwrap() error { return e.Err }

// GenerationError means no validated statement could be produced after the
// direct attempt, the retry and the fallback agent.
type GenerationError struct {
	Reason   string
	Attempts int
	Timeout  bool
	Err      error
}

func (e *GenerationError) Error() string {
	msg := "could not answer: " + e.Reason
	if e.Timeout {
		msg += " (language model timed out)"
	}
	return msg
}

func (e *GenerationError) Unwrap() error { return e.Err }

// ExecutionError means the database rejected or timed out on a statement
// that had already passed validation.
type ExecutionError struct {
	SQL     string
	Timeout bool
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("query timed out: %v", e.Err)
	}
	return fmt.Sprintf("query failed: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// SummarizationDegraded records that the answer was produced from a template
// because the language model was unavailable. It is logged, never returned
// to callers.
type SummarizationDegraded struct {
	Err error
}

func (e *SummarizationDegraded) Error() string {
	return fmt.Sprintf("summarization degraded: %v", e.Err)
}

func (e *SummarizationDegraded) Unwrap() error { return e.Err }

// IsTimeout reports whether err stems from a deadline being exceeded.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
