package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/substreams-redis-sink/internal/core/domain"
)

// ErrFatalTransport marks failures that must not be retried.
var ErrFatalTransport = errors.New("fatal transport error")

// Config configures a Driver.
type Config struct {
	Module     string
	StartBlock int64
	StopBlock  uint64

	// Cursor is the persisted checkpoint to resume from, empty for a fresh start.
	Cursor domain.Cursor

	Retry  RetryPolicy
	Logger *slog.Logger
}

// Driver turns an Endpoint into an ordered sequence of events, reconnecting
// transparently on transient failures. Reconnects always resume from the last
// acknowledged cursor so nothing that was received but not applied is lost.
//
// Next and Acknowledge must be called from a single goroutine. State and
// Session may be called concurrently.
type Driver struct {
	endpoint Endpoint
	logger   *slog.Logger
	retry    *RetryState

	mu           sync.RWMutex
	state        State
	session      Session
	onTransition func(Transition)

	acked        domain.Cursor
	stream       MessageStream
	streamCancel context.CancelFunc
	terminal     error
	lastErr      error

	sleep func(ctx context.Context, d time.Duration) error
}

// NewDriver creates a Driver in the Connecting state. No connection is made
// until the first call to Next.
func NewDriver(endpoint Endpoint, cfg Config) *Driver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		endpoint: endpoint,
		logger:   logger.With("component", "stream"),
		retry:    NewRetryState(cfg.Retry),
		state:    StateConnecting,
		session:  newSession(cfg.Module, cfg.StartBlock, cfg.StopBlock, cfg.Cursor),
		acked:    cfg.Cursor,
		sleep:    sleepContext,
	}
}

// SetTransitionCallback registers fn to be called on every state change.
func (d *Driver) SetTransitionCallback(fn func(Transition)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onTransition = fn
}

// State returns the current connection state.
func (d *Driver) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Session returns a copy of the current session.
func (d *Driver) Session() Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.session
}

// Acknowledge records that ev has been applied and its cursor persisted.
// Subsequent reconnects resume after it.
func (d *Driver) Acknowledge(ev Event) {
	d.acked = ev.EventCursor()
}

// Next blocks until the next event is available. It returns io.EOF once the
// requested range has been delivered, ctx.Err() if ctx is cancelled, or the
// error that terminated the stream. Once terminated every call returns the
// same result.
func (d *Driver) Next(ctx context.Context) (Event, error) {
	for {
		if d.State() == StateTerminated {
			return nil, d.terminal
		}
		if err := ctx.Err(); err != nil {
			d.terminate(err, "context done")
			continue
		}

		switch d.State() {
		case StateConnecting:
			d.connect(ctx)
		case StateActive:
			if ev := d.receive(ctx); ev != nil {
				return ev, nil
			}
		case StateReconnecting:
			d.backoff(ctx)
		}
	}
}

// Close tears down the current connection, if any, and terminates the driver.
// It must not be called concurrently with Next; cancel the Next context instead.
func (d *Driver) Close() error {
	if d.State() == StateTerminated {
		return nil
	}
	d.terminate(context.Canceled, "closed")
	return nil
}

func (d *Driver) connect(ctx context.Context) {
	session := d.Session()

	// The stream must outlive the ctx of a single Next call, but cancelling an
	// in-flight call has to tear it down.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)
	stream, err := d.endpoint.Open(streamCtx, session)
	stop()

	if err != nil {
		cancel()
		d.fail(ctx, err, "open failed")
		return
	}

	d.stream = stream
	d.streamCancel = cancel
	d.logger.Info("Stream opened",
		"session", session.ID,
		"module", session.Module,
		"resumed", !session.Cursor.IsEmpty(),
	)
	d.transition(StateActive, "stream opened")
}

// receive reads messages until one maps to an event or the state changes.
func (d *Driver) receive(ctx context.Context) Event {
	for {
		stop := context.AfterFunc(ctx, d.streamCancel)
		msg, err := d.stream.Recv()
		stop()

		if err != nil {
			if errors.Is(err, io.EOF) {
				d.logger.Info("Stream completed", "session", d.Session().ID)
				d.terminate(io.EOF, "end of stream")
				return nil
			}
			d.fail(ctx, err, "receive failed")
			return nil
		}

		switch m := msg.(type) {
		case *BlockData:
			ev := m.Block
			d.advance(ev.Cursor)
			return &ev
		case *BlockUndo:
			ev := m.Undo
			d.advance(ev.LastValidCursor)
			d.logger.Info("Fork detected",
				"last_valid_block", ev.LastValidBlockNumber,
				"last_valid_id", ev.LastValidBlockID,
			)
			return &ev
		case *SessionStarted:
			d.logger.Info("Session initialized with remote endpoint",
				"session", d.Session().ID,
				"trace_id", m.TraceID,
				"resolved_start_block", m.ResolvedStartBlock,
			)
		case *Progress:
			d.logger.Debug("Ignoring message", "kind", m.Kind)
		case *FatalMessage:
			err := fmt.Errorf("%w: module %q: %s", ErrFatalTransport, m.Module, m.Reason)
			d.logger.Error("Endpoint reported a fatal error", "module", m.Module, "reason", m.Reason)
			d.terminate(err, "fatal message")
			return nil
		default:
			d.logger.Warn("Unknown message type", "type", fmt.Sprintf("%T", msg))
		}
	}
}

func (d *Driver) advance(cursor domain.Cursor) {
	d.mu.Lock()
	d.session.Cursor = cursor
	d.mu.Unlock()
	d.retry.Reset()
}

// fail routes an Open or Recv error to Reconnecting or Terminated.
func (d *Driver) fail(ctx context.Context, err error, reason string) {
	switch {
	case ctx.Err() != nil:
		d.terminate(ctx.Err(), "context done")
	case IsFatal(err):
		d.logger.Error("Fatal transport error", "error", err)
		d.terminate(fmt.Errorf("%w: %w", ErrFatalTransport, err), reason)
	default:
		d.closeStream()
		d.logger.Warn("Transient transport error", "error", err, "attempt", d.retry.Attempt()+1)
		d.lastErr = err
		d.transition(StateReconnecting, reason)
	}
}

func (d *Driver) backoff(ctx context.Context) {
	delay := d.retry.NextDelay(retryHint(d.lastErr))
	d.logger.Warn("Reconnecting",
		"attempt", d.retry.Attempt(),
		"delay", delay,
		"cursor_set", !d.acked.IsEmpty(),
	)
	if err := d.sleep(ctx, delay); err != nil {
		d.terminate(err, "context done")
		return
	}

	d.mu.Lock()
	d.session = d.session.resume(d.acked)
	d.mu.Unlock()
	d.transition(StateConnecting, "backoff elapsed")
}

func (d *Driver) terminate(err error, reason string) {
	d.closeStream()
	d.terminal = err
	d.transition(StateTerminated, reason)
}

func (d *Driver) closeStream() {
	if d.stream == nil {
		return
	}
	if err := d.stream.Close(); err != nil {
		d.logger.Debug("Failed to close stream", "error", err)
	}
	d.streamCancel()
	d.stream = nil
	d.streamCancel = nil
}

// transition moves the driver to state to. A move the table does not allow
// terminates the driver with ErrInvalidTransition, which Next then returns.
func (d *Driver) transition(to State, reason string) error {
	d.mu.Lock()
	from := d.state
	if !CanTransition(from, to) {
		err := fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, from, to, reason)
		forced := from != StateTerminated
		if forced {
			d.state = StateTerminated
			d.terminal = err
		}
		d.mu.Unlock()

		d.logger.Error("Invalid state transition", "from", from, "to", to, "reason", reason)
		if forced {
			d.closeStream()
		}
		return err
	}
	d.state = to
	fn := d.onTransition
	d.mu.Unlock()

	d.logger.Debug("State transition", "from", from, "to", to, "reason", reason)
	if fn != nil {
		fn(NewTransition(from, to, reason))
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
