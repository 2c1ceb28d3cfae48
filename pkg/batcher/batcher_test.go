package batcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jjalcloud/jjalcloud-indexer/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExec struct {
	mu    sync.Mutex
	calls [][]store.Statement
	err   error

	// When set, ExecuteBatch signals entered and waits on release
	entered chan struct{}
	release chan struct{}
}

func (f *fakeExec) ExecuteBatch(ctx context.Context, stmts []store.Statement) error {
	f.mu.Lock()
	f.calls = append(f.calls, stmts)
	entered, release, err := f.entered, f.release, f.err
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
		<-release
	}
	return err
}

func (f *fakeExec) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeExec) call(i int) []store.Statement {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func newTestBatcher(exec Executor, size int, interval time.Duration) *Batcher {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(logger, exec, Config{MaxBatchSize: size, FlushInterval: interval})
}

func gif(rkey string) *store.GIF {
	return &store.GIF{URI: "at://did:plc:abc/com.jjalcloud.feed.gif/" + rkey, Author: "did:plc:abc", RKey: rkey}
}

func TestBatchSizeTriggersFlush(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExec{}
	b := newTestBatcher(exec, 3, time.Hour)

	require.NoError(t, b.UpsertGIF(ctx, gif("a")))
	require.NoError(t, b.DeleteLike(ctx, "did:plc:abc", "lk1"))
	assert.Never(t, func() bool { return exec.callCount() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	require.NoError(t, b.UpsertGIF(ctx, gif("b")))
	require.Eventually(t, func() bool { return exec.callCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, exec.call(0), 3)
	assert.Equal(t, 0, b.Pending())
}

func TestFlushIsSkippedWhileAnotherIsRunning(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExec{entered: make(chan struct{}), release: make(chan struct{})}
	b := newTestBatcher(exec, 100, time.Hour)

	require.NoError(t, b.UpsertGIF(ctx, gif("a")))

	done := make(chan struct{})
	go func() {
		b.Flush(ctx)
		close(done)
	}()
	<-exec.entered

	// Queued during the flush, captured by the next one
	require.NoError(t, b.UpsertGIF(ctx, gif("b")))
	b.Flush(ctx)
	assert.Equal(t, 1, exec.callCount())
	assert.Equal(t, 1, b.Pending())

	close(exec.release)
	<-done

	exec.mu.Lock()
	exec.entered = nil
	exec.mu.Unlock()

	b.Flush(ctx)
	require.Equal(t, 2, exec.callCount())
	second := exec.call(1)
	require.Len(t, second, 1)
	assert.Equal(t, gif("b").URI, second[0].Args[0])
}

func TestFlushWithNothingPendingIsNoop(t *testing.T) {
	exec := &fakeExec{}
	b := newTestBatcher(exec, 10, time.Hour)

	b.Flush(context.Background())
	assert.Equal(t, 0, exec.callCount())
}

func TestFlushPreservesEncounterOrderPerKind(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExec{}
	b := newTestBatcher(exec, 100, time.Hour)

	now := time.Now()
	require.NoError(t, b.UpsertGIF(ctx, gif("a")))
	require.NoError(t, b.UpsertLike(ctx, &store.Like{Author: "did:plc:abc", RKey: "lk1", Subject: gif("a").URI, CreatedAt: now}))
	require.NoError(t, b.DeleteGIF(ctx, gif("a").URI))
	require.NoError(t, b.UpsertGIF(ctx, gif("b")))
	require.NoError(t, b.DeleteLike(ctx, "did:plc:abc", "lk1"))

	b.Flush(ctx)
	require.Equal(t, 1, exec.callCount())

	stmts := exec.call(0)
	require.Len(t, stmts, 5)
	assert.Equal(t, store.UpsertGIFStatement(gif("a")).SQL, stmts[0].SQL)
	assert.Equal(t, store.DeleteGIFStatement("").SQL, stmts[1].SQL)
	assert.Equal(t, gif("b").URI, stmts[2].Args[0])
	assert.Equal(t, store.UpsertLikeStatement(&store.Like{}).SQL, stmts[3].SQL)
	assert.Equal(t, store.DeleteLikeStatement("", "").SQL, stmts[4].SQL)
}

func TestFailedBatchIsDropped(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExec{err: errors.New("store unavailable")}
	b := newTestBatcher(exec, 100, time.Hour)

	require.NoError(t, b.UpsertGIF(ctx, gif("a")))
	b.Flush(ctx)
	assert.Equal(t, 1, exec.callCount())
	assert.Equal(t, 0, b.Pending())

	b.Flush(ctx)
	assert.Equal(t, 1, exec.callCount())
}

func TestPeriodicFlush(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExec{}
	b := newTestBatcher(exec, 100, 20*time.Millisecond)
	b.Start()
	defer b.Stop(ctx)

	require.NoError(t, b.UpsertGIF(ctx, gif("a")))
	require.Eventually(t, func() bool { return exec.callCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestStopDrainsPendingWrites(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExec{}
	b := newTestBatcher(exec, 100, time.Hour)
	b.Start()

	require.NoError(t, b.UpsertGIF(ctx, gif("a")))
	require.NoError(t, b.DeleteGIF(ctx, gif("b").URI))

	b.Stop(ctx)
	b.Stop(ctx)

	require.Equal(t, 1, exec.callCount())
	assert.Len(t, exec.call(0), 2)
}

func TestBurstNeverExceedsMaxBatchSize(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExec{}
	b := newTestBatcher(exec, 100, time.Hour)

	for i := 0; i < 250; i++ {
		require.NoError(t, b.UpsertGIF(ctx, gif(fmt.Sprintf("%03d", i))))
	}
	b.Stop(ctx)

	require.GreaterOrEqual(t, exec.callCount(), 3)

	var uris []any
	for i := 0; i < exec.callCount(); i++ {
		batch := exec.call(i)
		assert.LessOrEqual(t, len(batch), 100)
		for _, stmt := range batch {
			uris = append(uris, stmt.Args[0])
		}
	}

	require.Len(t, uris, 250)
	for i, uri := range uris {
		assert.Equal(t, gif(fmt.Sprintf("%03d", i)).URI, uri)
	}
}

func TestSizeTriggerTakesBatchBeforeReturning(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExec{entered: make(chan struct{}), release: make(chan struct{})}
	b := newTestBatcher(exec, 2, time.Hour)

	require.NoError(t, b.UpsertGIF(ctx, gif("a")))
	require.NoError(t, b.UpsertGIF(ctx, gif("b")))
	assert.Equal(t, 0, b.Pending())

	<-exec.entered
	require.NoError(t, b.UpsertGIF(ctx, gif("c")))
	assert.Equal(t, 1, b.Pending())

	close(exec.release)
	exec.mu.Lock()
	exec.entered = nil
	exec.mu.Unlock()

	b.Stop(ctx)
	require.Equal(t, 2, exec.callCount())
	assert.Len(t, exec.call(0), 2)
	assert.Len(t, exec.call(1), 1)
}

func TestWritesAfterStopAreRejected(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExec{}
	b := newTestBatcher(exec, 1, time.Hour)
	b.Stop(ctx)

	assert.ErrorIs(t, b.UpsertGIF(ctx, gif("a")), ErrStopped)
	assert.ErrorIs(t, b.DeleteLike(ctx, "did:plc:abc", "lk1"), ErrStopped)
	assert.Equal(t, 0, b.Pending())
	assert.Never(t, func() bool { return exec.callCount() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}
