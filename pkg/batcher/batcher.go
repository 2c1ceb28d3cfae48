// Package batcher queues store writes in memory and flushes them as one
// batched execution when a size threshold or a time interval is reached.
package batcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jjalcloud/jjalcloud-indexer/pkg/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("batcher")

var ErrStopped = errors.New("batcher stopped")

// Executor runs a batch of statements. Satisfied by every store.Store.
type Executor interface {
	ExecuteBatch(ctx context.Context, stmts []store.Statement) error
}

type Config struct {
	MaxBatchSize  int
	FlushInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxBatchSize:  100,
		FlushInterval: time.Second,
	}
}

type op struct {
	stmt   store.Statement
	delete bool
}

// Batcher implements store.Writer. Queued writes only fail once the batcher
// is stopped; store errors surface in the logs when the batch is flushed.
type Batcher struct {
	logger *slog.Logger
	exec   Executor
	cfg    Config

	mu    sync.Mutex
	gifs  []op
	likes []op

	// flushMu is held for the duration of a flush
	flushMu sync.Mutex

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   bool // guarded by mu
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

var _ store.Writer = (*Batcher)(nil)

func New(logger *slog.Logger, exec Executor, cfg Config) *Batcher {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultConfig().MaxBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}

	return &Batcher{
		logger:   logger.With("component", "batcher"),
		exec:     exec,
		cfg:      cfg,
		shutdown: make(chan struct{}),
	}
}

// Start launches the periodic flush loop.
func (b *Batcher) Start() {
	b.startOnce.Do(func() {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()

			t := time.NewTicker(b.cfg.FlushInterval)
			defer t.Stop()

			b.logger.Info("starting batch flush loop", "max_batch_size", b.cfg.MaxBatchSize, "flush_interval", b.cfg.FlushInterval.String())

			for {
				select {
				case <-t.C:
					b.Flush(context.Background())
				case <-b.shutdown:
					return
				}
			}
		}()
	})
}

// Stop cancels the periodic flush and drains whatever is still pending. It
// waits for an in-flight flush instead of skipping. Writes queued after Stop
// are rejected with ErrStopped.
func (b *Batcher) Stop(ctx context.Context) {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		b.mu.Unlock()

		close(b.shutdown)
		b.wg.Wait()

		b.flushMu.Lock()
		defer b.flushMu.Unlock()

		b.logger.Info("draining pending writes", "pending", b.Pending())
		b.flushLocked(ctx)
	})
}

func (b *Batcher) UpsertGIF(ctx context.Context, gif *store.GIF) error {
	return b.enqueue(&b.gifs, op{stmt: store.UpsertGIFStatement(gif)})
}

func (b *Batcher) DeleteGIF(ctx context.Context, uri string) error {
	return b.enqueue(&b.gifs, op{stmt: store.DeleteGIFStatement(uri), delete: true})
}

func (b *Batcher) UpsertLike(ctx context.Context, like *store.Like) error {
	return b.enqueue(&b.likes, op{stmt: store.UpsertLikeStatement(like)})
}

func (b *Batcher) DeleteLike(ctx context.Context, author, rkey string) error {
	return b.enqueue(&b.likes, op{stmt: store.DeleteLikeStatement(author, rkey), delete: true})
}

// enqueue appends o and, once the threshold is reached, takes the next batch
// before returning. Only the store call runs in the background.
func (b *Batcher) enqueue(queue *[]op, o op) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		droppedOps.Inc()
		b.logger.Warn("rejecting write queued after stop")
		return ErrStopped
	}
	*queue = append(*queue, o)
	n := len(b.gifs) + len(b.likes)
	b.mu.Unlock()

	pendingOps.Set(float64(n))

	if n < b.cfg.MaxBatchSize {
		return nil
	}

	if !b.flushMu.TryLock() {
		skippedFlushes.Inc()
		return nil
	}

	gifs, likes := b.take()
	go func() {
		defer b.flushMu.Unlock()

		ctx := context.Background()
		b.execute(ctx, gifs, likes)

		// Catch up on anything that piled up behind this batch
		for b.Pending() >= b.cfg.MaxBatchSize {
			gifs, likes := b.take()
			b.execute(ctx, gifs, likes)
		}
	}()

	return nil
}

// Pending returns the number of queued writes.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.gifs) + len(b.likes)
}

// take removes up to MaxBatchSize queued writes, gifs first. Each queue is
// cut at a prefix so encounter order carries over to the next batch.
func (b *Batcher) take() (gifs, likes []op) {
	b.mu.Lock()
	defer b.mu.Unlock()

	limit := b.cfg.MaxBatchSize

	n := min(len(b.gifs), limit)
	gifs = b.gifs[:n:n]
	b.gifs = b.gifs[n:]

	m := min(len(b.likes), limit-n)
	likes = b.likes[:m:m]
	b.likes = b.likes[m:]

	pendingOps.Set(float64(len(b.gifs) + len(b.likes)))
	return gifs, likes
}

// Flush submits everything queued, in batches of at most MaxBatchSize. If
// another flush is running this is a no-op; the work stays queued for the
// next flush.
func (b *Batcher) Flush(ctx context.Context) {
	if !b.flushMu.TryLock() {
		skippedFlushes.Inc()
		return
	}
	defer b.flushMu.Unlock()

	b.flushLocked(ctx)
}

func (b *Batcher) flushLocked(ctx context.Context) {
	for {
		gifs, likes := b.take()
		if len(gifs)+len(likes) == 0 {
			return
		}
		b.execute(ctx, gifs, likes)
	}
}

func (b *Batcher) execute(ctx context.Context, gifs, likes []op) {
	total := len(gifs) + len(likes)
	if total == 0 {
		return
	}

	ctx, span := tracer.Start(ctx, "Flush")
	defer span.End()

	stmts := make([]store.Statement, 0, total)
	counts := map[string]int{}
	for _, batch := range []struct {
		kind string
		ops  []op
	}{{"gif", gifs}, {"like", likes}} {
		for _, o := range batch.ops {
			stmts = append(stmts, o.stmt)
			if o.delete {
				counts[batch.kind+"_deletes"]++
			} else {
				counts[batch.kind+"_upserts"]++
			}
		}
	}

	span.SetAttributes(attribute.Int("statements", total))

	b.logger.Info("flushing batch",
		"gif_upserts", counts["gif_upserts"],
		"gif_deletes", counts["gif_deletes"],
		"like_upserts", counts["like_upserts"],
		"like_deletes", counts["like_deletes"],
	)

	start := time.Now()
	err := b.exec.ExecuteBatch(ctx, stmts)
	flushDuration.Observe(time.Since(start).Seconds())
	batchSizeHist.Observe(float64(total))

	if err != nil {
		// The batch is dropped, not requeued.
		droppedOps.Add(float64(total))
		b.logger.Error("failed to flush batch", "err", err, "batch_size", total)
		return
	}

	flushedOps.WithLabelValues("gif", "upsert").Add(float64(counts["gif_upserts"]))
	flushedOps.WithLabelValues("gif", "delete").Add(float64(counts["gif_deletes"]))
	flushedOps.WithLabelValues("like", "upsert").Add(float64(counts["like_upserts"]))
	flushedOps.WithLabelValues("like", "delete").Add(float64(counts["like_deletes"]))
}
