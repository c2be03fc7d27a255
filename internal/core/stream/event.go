package stream

import (
	"time"

	"github.com/vietddude/substreams-redis-sink/internal/core/domain"
)

// Event is a unit of work produced by the Driver: either *NewBlock or *Undo.
type Event interface {
	// EventCursor is the cursor to checkpoint once the event has been applied.
	EventCursor() domain.Cursor

	isEvent()
}

// NewBlock carries a block and the output of the requested module for it.
type NewBlock struct {
	Number           uint64
	ID               string
	Timestamp        time.Time
	Payload          []byte
	PayloadType      string
	FinalBlockHeight uint64
	Cursor           domain.Cursor
}

// EventCursor implements Event.
func (b *NewBlock) EventCursor() domain.Cursor { return b.Cursor }

// Ref returns the block reference.
func (b *NewBlock) Ref() domain.BlockRef {
	return domain.BlockRef{Number: b.Number, ID: b.ID}
}

func (*NewBlock) isEvent() {}

// Undo signals a fork: everything derived from blocks above
// LastValidBlockNumber is no longer canonical.
type Undo struct {
	LastValidBlockNumber uint64
	LastValidBlockID     string
	LastValidCursor      domain.Cursor
}

// EventCursor implements Event.
func (u *Undo) EventCursor() domain.Cursor { return u.LastValidCursor }

// Ref returns the reference of the last block that is still valid.
func (u *Undo) Ref() domain.BlockRef {
	return domain.BlockRef{Number: u.LastValidBlockNumber, ID: u.LastValidBlockID}
}

func (*Undo) isEvent() {}
