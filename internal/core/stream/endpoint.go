package stream

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Endpoint opens streams against the remote producer. It performs no retries:
// reconnect policy belongs to the Driver.
type Endpoint interface {
	// Open starts streaming for the session. An empty session cursor streams
	// from StartBlock, otherwise the stream resumes right after the cursor.
	Open(ctx context.Context, session Session) (MessageStream, error)
}

// MessageStream is one live connection. Recv returns io.EOF once the
// requested range has been fully delivered.
type MessageStream interface {
	Recv() (Message, error)
	Close() error
}

// Message is a typed message received from the producer.
type Message interface {
	isMessage()
}

// BlockData wraps a block produced by the output module.
type BlockData struct {
	Block NewBlock
}

// BlockUndo is the producer's fork signal.
type BlockUndo struct {
	Undo Undo
}

// SessionStarted is sent by the producer once per connection.
type SessionStarted struct {
	TraceID            string
	ResolvedStartBlock uint64
}

// Progress covers producer messages that carry no block data
// (progress reports, debug snapshots).
type Progress struct {
	Kind string
}

// FatalMessage is a producer-side error reported in-band, e.g. a module
// execution failure. It is never retried.
type FatalMessage struct {
	Module string
	Reason string
}

func (*BlockData) isMessage()      {}
func (*BlockUndo) isMessage()      {}
func (*SessionStarted) isMessage() {}
func (*Progress) isMessage()       {}
func (*FatalMessage) isMessage()   {}

// ErrorKind classifies connection failures.
type ErrorKind int

const (
	// KindTransient failures are recovered by reconnecting.
	KindTransient ErrorKind = iota
	// KindFatal failures terminate the stream.
	KindFatal
)

func (k ErrorKind) String() string {
	if k == KindFatal {
		return "fatal"
	}
	return "transient"
}

// ConnectionError is returned by Endpoint and MessageStream implementations.
type ConnectionError struct {
	Kind ErrorKind
	Err  error

	// RetryAfter is a minimum delay hinted by the producer, zero if none.
	RetryAfter time.Duration
}

// NewTransientError wraps err as a recoverable connection error.
func NewTransientError(err error) *ConnectionError {
	return &ConnectionError{Kind: KindTransient, Err: err}
}

// NewFatalError wraps err as a non-recoverable connection error.
func NewFatalError(err error) *ConnectionError {
	return &ConnectionError{Kind: KindFatal, Err: err}
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s connection error: %v", e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err is a fatal ConnectionError. Errors that are not
// ConnectionErrors are considered transient.
func IsFatal(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce) && ce.Kind == KindFatal
}

func retryHint(err error) time.Duration {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}
