package concurrency

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tickerflow/internal/domain"
)

// WorkerPool writes snapshots through to the cache. Snapshots are sharded by
// cache key, so updates for one symbol are always written in arrival order.
type WorkerPool struct {
	workers    int
	cache      domain.CachePort
	ttl        time.Duration
	logger     *slog.Logger
	wg         sync.WaitGroup
	processed  atomic.Int64
	failed     atomic.Int64
	statsEvery time.Duration
}

func NewWorkerPool(workers int, cache domain.CachePort, tickerTTL time.Duration, logger *slog.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	return &WorkerPool{
		workers:    workers,
		cache:      cache,
		ttl:        tickerTTL,
		logger:     logger.With("component", "worker_pool"),
		statsEvery: 30 * time.Second,
	}
}

// Start consumes inputCh until it is closed or ctx is done.
func (wp *WorkerPool) Start(ctx context.Context, inputCh <-chan domain.TickerSnapshot) {
	// One queue per worker; a key always lands on the same one
	shards := make([]chan domain.TickerSnapshot, wp.workers)
	for i := range shards {
		shards[i] = make(chan domain.TickerSnapshot, 100)
		wp.wg.Add(1)
		go wp.worker(ctx, i, shards[i])
	}

	// Dispatcher: route by key, close every shard when done
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		defer func() {
			for _, ch := range shards {
				close(ch)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				wp.logger.Info("Dispatcher stopping")
				return
			case t, ok := <-inputCh:
				if !ok {
					wp.logger.Info("Input channel closed, stopping dispatcher")
					return
				}
				// Blocking send keeps per-key order; a slow cache backs up
				// ingestion rather than reordering.
				select {
				case shards[shardFor(t.Key(), len(shards))] <- t:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	// Periodic statistics
	go func() {
		ticker := time.NewTicker(wp.statsEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-dispatcherDone:
				return
			case <-ticker.C:
				wp.logger.Info("Worker pool statistics",
					"processed", wp.processed.Load(),
					"failed", wp.failed.Load())
			}
		}
	}()

	go func() {
		<-dispatcherDone
		wp.wg.Wait()
		wp.logger.Info("Worker pool stopped", "processed", wp.processed.Load(), "failed", wp.failed.Load())
	}()
}

func shardFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (wp *WorkerPool) worker(ctx context.Context, id int, ch <-chan domain.TickerSnapshot) {
	defer wp.wg.Done()
	wp.logger.Debug("Worker started", "worker_id", id)

	for t := range ch {
		wp.store(ctx, t)
	}
	wp.logger.Debug("Worker stopped", "worker_id", id)
}

// store is best effort: a failed write is logged and forgotten.
func (wp *WorkerPool) store(ctx context.Context, t domain.TickerSnapshot) {
	data, err := json.Marshal(t)
	if err != nil {
		wp.failed.Add(1)
		wp.logger.Error("Failed to encode ticker", "key", t.Key(), "error", err)
		return
	}
	if err := wp.cache.Set(ctx, t.Key(), data, wp.ttl); err != nil {
		wp.failed.Add(1)
		wp.logger.Warn("Failed to cache ticker", "key", t.Key(), "error", err)
		return
	}
	wp.processed.Add(1)
}

// Wait blocks until every worker has exited.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

func (wp *WorkerPool) Processed() int64 {
	return wp.processed.Load()
}

func (wp *WorkerPool) Failed() int64 {
	return wp.failed.Load()
}
