package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/substreams-redis-sink/internal/core/cursor"
	"github.com/vietddude/substreams-redis-sink/internal/core/domain"
	"github.com/vietddude/substreams-redis-sink/internal/core/stream"
	"github.com/vietddude/substreams-redis-sink/internal/core/stream/streamtest"
	"github.com/vietddude/substreams-redis-sink/internal/infra/storage/memory"
)

const checkpointKey = "test:cursor"

// recordingSink records every call and checks that the persisted cursor never
// runs ahead of what the sink has seen.
type recordingSink struct {
	t     *testing.T
	store *memory.Store

	mu       sync.Mutex
	ops      []string
	applied  map[uint64]string
	failAt   uint64
	failErr  error
	observed []domain.Cursor
}

func newRecordingSink(t *testing.T, store *memory.Store) *recordingSink {
	return &recordingSink{t: t, store: store, applied: make(map[uint64]string)}
}

func (s *recordingSink) ApplyBlock(ctx context.Context, b *stream.NewBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt != 0 && b.Number == s.failAt {
		return s.failErr
	}
	c, _, _ := s.store.Get(ctx, checkpointKey)
	s.observed = append(s.observed, c)
	s.ops = append(s.ops, fmt.Sprintf("apply:%d:%s", b.Number, b.ID))
	s.applied[b.Number] = b.ID
	return nil
}

func (s *recordingSink) RollbackTo(ctx context.Context, lastValid uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, fmt.Sprintf("rollback:%d", lastValid))
	for n := range s.applied {
		if n > lastValid {
			delete(s.applied, n)
		}
	}
	return nil
}

func (s *recordingSink) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

type harness struct {
	endpoint *streamtest.Endpoint
	store    *memory.Store
	sink     *recordingSink
	manager  *cursor.DefaultManager

	startBlock int64
	stopBlock  uint64
}

func newHarness(t *testing.T, ep *streamtest.Endpoint) *harness {
	store := memory.NewStore(time.Minute)
	t.Cleanup(func() { _ = store.Close() })
	return &harness{
		endpoint: ep,
		store:    store,
		sink:     newRecordingSink(t, store),
		manager:  cursor.NewManager(store, cursor.Options{Key: checkpointKey, TTL: time.Hour}),
	}
}

// run executes one process lifetime: load the checkpoint, stream, apply.
func (h *harness) run(t *testing.T, ctx context.Context) error {
	t.Helper()
	c, _, err := h.manager.Load(ctx)
	require.NoError(t, err)

	driver := stream.NewDriver(h.endpoint, stream.Config{
		Module:     "map_blocks",
		StartBlock: h.startBlock,
		StopBlock:  h.stopBlock,
		Cursor:     c,
		Retry:      stream.RetryPolicy{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
	defer driver.Close()

	p := NewPipeline(Config{
		Module:      "map_blocks",
		Source:      driver,
		Sink:        h.sink,
		Checkpoints: h.manager,
	})
	return p.Run(ctx)
}

func (h *harness) checkpoint(t *testing.T) domain.Cursor {
	t.Helper()
	c, found, err := h.store.Get(context.Background(), checkpointKey)
	require.NoError(t, err)
	require.True(t, found)
	return c
}

func forkBlock(n uint64) *stream.BlockData {
	msg := streamtest.Block(n)
	msg.Block.ID = fmt.Sprintf("fork%d", n)
	msg.Block.Cursor = domain.Cursor(fmt.Sprintf("f%d", n))
	return msg
}

func TestPipeline_AppliesRangeAndCheckpoints(t *testing.T) {
	ep := streamtest.NewEndpoint()
	ep.Generate = (&streamtest.Linear{From: 100, To: 110}).Script
	h := newHarness(t, ep)
	h.startBlock, h.stopBlock = 100, 105

	require.NoError(t, h.run(t, context.Background()))

	// The stop block is exclusive.
	assert.Equal(t, []string{
		"apply:100:blk100", "apply:101:blk101", "apply:102:blk102",
		"apply:103:blk103", "apply:104:blk104",
	}, h.sink.Ops())
	assert.Equal(t, streamtest.Cursor(104), h.checkpoint(t))

	sessions := ep.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, int64(100), sessions[0].StartBlock)
	assert.Equal(t, uint64(105), sessions[0].StopBlock)

	// When block n is applied, the checkpoint holds the cursor of n-1.
	require.Len(t, h.sink.observed, 5)
	assert.Equal(t, domain.Cursor(""), h.sink.observed[0])
	for i := 1; i < 5; i++ {
		assert.Equal(t, streamtest.Cursor(uint64(99+i)), h.sink.observed[i])
	}
}

func TestPipeline_ForkRollsBackBeforeApplying(t *testing.T) {
	ep := streamtest.NewEndpoint(streamtest.Script{Messages: []stream.Message{
		streamtest.Block(1),
		streamtest.Block(2),
		streamtest.Block(3),
		streamtest.Undo(1),
		forkBlock(2),
		forkBlock(3),
	}})
	h := newHarness(t, ep)

	require.NoError(t, h.run(t, context.Background()))

	assert.Equal(t, []string{
		"apply:1:blk1", "apply:2:blk2", "apply:3:blk3",
		"rollback:1",
		"apply:2:fork2", "apply:3:fork3",
	}, h.sink.Ops())
	assert.Equal(t, map[uint64]string{1: "blk1", 2: "fork2", 3: "fork3"}, h.sink.applied)
	assert.Equal(t, domain.Cursor("f3"), h.checkpoint(t))

	// The undo checkpoint was written before the fork was applied.
	assert.Equal(t, streamtest.Cursor(1), h.sink.observed[3])
}

func TestPipeline_ReconnectResumesWithoutGapsOrDuplicates(t *testing.T) {
	linear := &streamtest.Linear{From: 1, To: 10, Failures: 3, FailAfter: 2}
	ep := streamtest.NewEndpoint()
	ep.Generate = linear.Script
	h := newHarness(t, ep)

	require.NoError(t, h.run(t, context.Background()))

	var want []string
	for n := uint64(1); n <= 10; n++ {
		want = append(want, fmt.Sprintf("apply:%d:blk%d", n, n))
	}
	assert.Equal(t, want, h.sink.Ops())

	sessions := ep.Sessions()
	require.Len(t, sessions, 4)
	assert.True(t, sessions[0].Cursor.IsEmpty())
	assert.Equal(t, streamtest.Cursor(2), sessions[1].Cursor)
	assert.Equal(t, streamtest.Cursor(4), sessions[2].Cursor)
	assert.Equal(t, streamtest.Cursor(6), sessions[3].Cursor)
}

func TestPipeline_SinkFailureStopsWithoutAdvancing(t *testing.T) {
	ep := streamtest.NewEndpoint()
	ep.Generate = (&streamtest.Linear{From: 1, To: 6}).Script
	h := newHarness(t, ep)
	sinkErr := errors.New("redis: connection refused")
	h.sink.failAt, h.sink.failErr = 4, sinkErr

	err := h.run(t, context.Background())

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageApply, stageErr.Stage)
	assert.Equal(t, uint64(4), stageErr.BlockNumber)
	assert.ErrorIs(t, err, sinkErr)
	assert.Equal(t, streamtest.Cursor(3), h.checkpoint(t))

	// A restart resumes after the last checkpoint.
	h.sink.failAt = 0
	require.NoError(t, h.run(t, context.Background()))

	assert.Equal(t, []string{
		"apply:1:blk1", "apply:2:blk2", "apply:3:blk3",
		"apply:4:blk4", "apply:5:blk5", "apply:6:blk6",
	}, h.sink.Ops())
	assert.Equal(t, streamtest.Cursor(3), ep.Sessions()[1].Cursor)
}

type failingCheckpointer struct {
	err error
}

func (c failingCheckpointer) Advance(context.Context, *stream.NewBlock) error { return c.err }
func (c failingCheckpointer) Rollback(context.Context, *stream.Undo) error    { return c.err }

func TestPipeline_CheckpointFailure(t *testing.T) {
	ep := streamtest.NewEndpoint()
	ep.Generate = (&streamtest.Linear{From: 1, To: 3}).Script
	h := newHarness(t, ep)
	driver := stream.NewDriver(ep, stream.Config{Module: "map_blocks"})
	defer driver.Close()

	storeErr := errors.New("checkpoint store unavailable")
	p := NewPipeline(Config{
		Module:      "map_blocks",
		Source:      driver,
		Sink:        h.sink,
		Checkpoints: failingCheckpointer{err: storeErr},
	})

	err := p.Run(context.Background())

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageCheckpoint, stageErr.Stage)
	assert.Equal(t, uint64(1), stageErr.BlockNumber)
	assert.ErrorIs(t, err, storeErr)
	// The block reached the sink but is never acknowledged.
	assert.Equal(t, []string{"apply:1:blk1"}, h.sink.Ops())
	assert.Zero(t, p.Stats().BlocksApplied)
}

func TestPipeline_FatalStreamError(t *testing.T) {
	ep := streamtest.NewEndpoint(streamtest.Script{
		Messages: []stream.Message{streamtest.Block(1)},
		Err:      stream.NewFatalError(errors.New("permission denied")),
	})
	h := newHarness(t, ep)

	err := h.run(t, context.Background())

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageStream, stageErr.Stage)
	assert.Equal(t, uint64(1), stageErr.BlockNumber)
	assert.ErrorIs(t, err, stream.ErrFatalTransport)
	assert.Equal(t, streamtest.Cursor(1), h.checkpoint(t))
}

func TestPipeline_Cancellation(t *testing.T) {
	ep := streamtest.NewEndpoint(streamtest.Script{
		Messages: []stream.Message{streamtest.Block(1), streamtest.Block(2)},
		Hang:     true,
	})
	h := newHarness(t, ep)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	err := h.run(t, ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, streamtest.Cursor(2), h.checkpoint(t))
}

func TestPipeline_AlreadyRunning(t *testing.T) {
	ep := streamtest.NewEndpoint(streamtest.Script{Hang: true})
	h := newHarness(t, ep)
	driver := stream.NewDriver(ep, stream.Config{Module: "map_blocks"})
	defer driver.Close()

	p := NewPipeline(Config{Module: "map_blocks", Source: driver, Sink: h.sink, Checkpoints: h.manager})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, p.Running, time.Second, time.Millisecond)
	assert.Error(t, p.Run(ctx))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.False(t, p.Running())
}

func TestPipeline_Stats(t *testing.T) {
	ep := streamtest.NewEndpoint(streamtest.Script{Messages: []stream.Message{
		streamtest.Block(1), streamtest.Block(2), streamtest.Undo(1), forkBlock(2),
	}})
	h := newHarness(t, ep)
	driver := stream.NewDriver(ep, stream.Config{Module: "map_blocks"})
	defer driver.Close()

	p := NewPipeline(Config{Module: "map_blocks", Source: driver, Sink: h.sink, Checkpoints: h.manager})
	require.NoError(t, p.Run(context.Background()))

	stats := p.Stats()
	assert.Equal(t, uint64(3), stats.BlocksApplied)
	assert.Equal(t, uint64(1), stats.UndosApplied)
	assert.Equal(t, uint64(2), stats.HeadBlock)
	assert.False(t, stats.LastAppliedAt.IsZero())
}

func TestStageError(t *testing.T) {
	inner := errors.New("boom")
	err := &StageError{Stage: StageRollback, BlockNumber: 7, Err: inner}
	assert.Equal(t, "sink rollback failed at block 7: boom", err.Error())
	assert.ErrorIs(t, err, inner)
}
