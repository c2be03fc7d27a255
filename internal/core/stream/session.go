package stream

import (
	"github.com/google/uuid"
	"github.com/vietddude/substreams-redis-sink/internal/core/domain"
)

// Session holds the request parameters bound to one connection attempt.
type Session struct {
	ID         string
	Module     string
	StartBlock int64
	StopBlock  uint64 // 0 means unbounded
	Cursor     domain.Cursor
}

func newSession(module string, start int64, stop uint64, cursor domain.Cursor) Session {
	return Session{
		ID:         uuid.NewString(),
		Module:     module,
		StartBlock: start,
		StopBlock:  stop,
		Cursor:     cursor,
	}
}

// resume supersedes s with a fresh session starting after cursor.
func (s Session) resume(cursor domain.Cursor) Session {
	return newSession(s.Module, s.StartBlock, s.StopBlock, cursor)
}
