// Package streamtest provides an in-process stream.Endpoint for tests.
package streamtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/substreams-redis-sink/internal/core/domain"
	"github.com/vietddude/substreams-redis-sink/internal/core/stream"
)

// ErrConnectionReset is the transient error injected by Linear.
var ErrConnectionReset = errors.New("connection reset by peer")

// Script describes what one connection does.
type Script struct {
	// OpenErr, when set, makes Open fail and no stream is returned.
	OpenErr error
	// Messages are delivered in order.
	Messages []stream.Message
	// Err is returned once Messages are exhausted. Nil means io.EOF.
	Err error
	// Hang makes the stream block after Messages until its context is done.
	Hang bool
}

// Endpoint replays scripts, one per Open call. When the scripts are exhausted
// Generate is used, and if it is nil Open fails with a fatal error.
type Endpoint struct {
	Generate func(session stream.Session) Script

	mu       sync.Mutex
	scripts  []Script
	sessions []stream.Session
	closed   int
}

// NewEndpoint returns an Endpoint replaying scripts in order.
func NewEndpoint(scripts ...Script) *Endpoint {
	return &Endpoint{scripts: scripts}
}

// Open implements stream.Endpoint.
func (e *Endpoint) Open(ctx context.Context, session stream.Session) (stream.MessageStream, error) {
	e.mu.Lock()
	e.sessions = append(e.sessions, session)
	var script Script
	switch {
	case len(e.scripts) > 0:
		script = e.scripts[0]
		e.scripts = e.scripts[1:]
	case e.Generate != nil:
		script = e.Generate(session)
	default:
		e.mu.Unlock()
		return nil, stream.NewFatalError(errors.New("streamtest: no script left"))
	}
	e.mu.Unlock()

	if script.OpenErr != nil {
		return nil, script.OpenErr
	}
	return &messageStream{ctx: ctx, script: script, endpoint: e}, nil
}

// Sessions returns every session passed to Open, in order.
func (e *Endpoint) Sessions() []stream.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]stream.Session(nil), e.sessions...)
}

// Closed returns how many streams have been closed.
func (e *Endpoint) Closed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

type messageStream struct {
	ctx      context.Context
	script   Script
	pos      int
	endpoint *Endpoint
}

func (s *messageStream) Recv() (stream.Message, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, stream.NewTransientError(err)
	}
	if s.pos < len(s.script.Messages) {
		msg := s.script.Messages[s.pos]
		s.pos++
		return msg, nil
	}
	if s.script.Hang {
		<-s.ctx.Done()
		return nil, stream.NewTransientError(s.ctx.Err())
	}
	if s.script.Err != nil {
		return nil, s.script.Err
	}
	return nil, io.EOF
}

func (s *messageStream) Close() error {
	s.endpoint.mu.Lock()
	s.endpoint.closed++
	s.endpoint.mu.Unlock()
	return nil
}

// Cursor returns the cursor the fake producer issues for block n.
func Cursor(n uint64) domain.Cursor {
	return domain.Cursor("c" + strconv.FormatUint(n, 10))
}

// CursorBlock parses a cursor produced by Cursor.
func CursorBlock(c domain.Cursor) (uint64, bool) {
	n, err := strconv.ParseUint(strings.TrimPrefix(string(c), "c"), 10, 64)
	return n, err == nil
}

// BlockID returns the deterministic id of block n.
func BlockID(n uint64) string {
	return fmt.Sprintf("blk%d", n)
}

// Block returns a BlockData message for block n.
func Block(n uint64) *stream.BlockData {
	return &stream.BlockData{Block: NewBlock(n)}
}

// NewBlock returns the event carried by Block(n).
func NewBlock(n uint64) stream.NewBlock {
	return stream.NewBlock{
		Number:      n,
		ID:          BlockID(n),
		Timestamp:   time.Unix(1_700_000_000+int64(n), 0).UTC(),
		Payload:     []byte(BlockID(n)),
		PayloadType: "type.googleapis.com/test.Output",
		Cursor:      Cursor(n),
	}
}

// Undo returns a BlockUndo message whose last valid block is n.
func Undo(n uint64) *stream.BlockUndo {
	return &stream.BlockUndo{Undo: stream.Undo{
		LastValidBlockNumber: n,
		LastValidBlockID:     BlockID(n),
		LastValidCursor:      Cursor(n),
	}}
}

// Linear serves blocks From..To (inclusive), resuming after the session
// cursor and stopping before a non-zero session StopBlock. The first
// Failures connections drop with a transient error after FailAfter blocks.
type Linear struct {
	From      uint64
	To        uint64
	Failures  int
	FailAfter int

	mu     sync.Mutex
	served int
}

// Script implements the Endpoint Generate hook.
func (l *Linear) Script(session stream.Session) Script {
	start := l.From
	if n, ok := CursorBlock(session.Cursor); ok {
		start = n + 1
	}

	l.mu.Lock()
	fail := l.served < l.Failures
	l.served++
	l.mu.Unlock()

	var script Script
	for n := start; n <= l.To; n++ {
		if session.StopBlock != 0 && n >= session.StopBlock {
			break
		}
		if fail && len(script.Messages) == l.FailAfter {
			break
		}
		script.Messages = append(script.Messages, Block(n))
	}
	if fail {
		script.Err = stream.NewTransientError(ErrConnectionReset)
	}
	return script
}
