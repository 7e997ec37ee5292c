// Package segment caches chunk-aligned pieces of the remote resource and
// coordinates concurrent readers with in-flight fetches.
package segment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/httpfs/httpfs/internal/metrics"
	"github.com/httpfs/httpfs/pkg/errors"
)

// State of a cached chunk. Absence from the cache is the implicit empty
// state.
type State int

const (
	StateFetching State = iota
	StateReady
	StateFailed
)

// segment holds one chunk. done is closed exactly once when the segment
// leaves StateFetching, so any number of readers can block on it without
// polling.
type segment struct {
	index   int64
	state   State
	data    []byte
	err     error
	done    chan struct{}
	lastUse int64
}

// Fetcher retrieves a byte range of the resource. Implemented by the
// fetch pool; nil when the server cannot serve ranges and a streamer
// feeds the cache instead.
type Fetcher interface {
	Fetch(ctx context.Context, offset, length int64) ([]byte, error)
}

// Cache maps chunk indices to segments. A chunk is fetched at most once
// at a time: overlapping readers attach to the existing in-flight
// segment instead of issuing duplicate requests. Failed fetches are
// dropped immediately so the next reader retries from scratch.
type Cache struct {
	mu        sync.Mutex
	cond      *sync.Cond
	chunks    map[int64]*segment
	chunkSize int64
	capacity  int64
	ready     int64
	tick      int64

	fetcher Fetcher
	metrics *metrics.Collector
	logger  *slog.Logger

	// fillCtx outlives individual reads so a canceled read cannot fail
	// a chunk other readers are waiting on.
	fillCtx    context.Context
	fillCancel context.CancelFunc

	// Stream mode bookkeeping. streamEOF is the final resource length
	// once known, -1 before that. streamNext is the next offset the
	// stream will deliver.
	streamEOF  int64
	streamNext int64
	streamErr  error
	closed     bool
}

func NewCache(chunkSize, capacity int64, fetcher Fetcher, collector *metrics.Collector) *Cache {
	c := &Cache{
		chunks:    make(map[int64]*segment),
		chunkSize: chunkSize,
		capacity:  capacity,
		fetcher:   fetcher,
		metrics:   collector,
		logger:    slog.Default().With("component", "segment-cache"),
		streamEOF: -1,
	}
	c.cond = sync.NewCond(&c.mu)
	c.fillCtx, c.fillCancel = context.WithCancel(context.Background())
	return c
}

func (c *Cache) ChunkSize() int64 { return c.chunkSize }

// ChunkIndex maps a byte offset to its chunk index.
func (c *Cache) ChunkIndex(offset int64) int64 { return offset / c.chunkSize }

// Prefetch starts fetching a chunk if it is neither cached nor already
// in flight. It returns immediately; the transfer queues behind the
// fetch pool's workers. No-op in stream mode.
func (c *Cache) Prefetch(index int64) {
	if c.fetcher == nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, exists := c.chunks[index]; exists {
		c.mu.Unlock()
		return
	}
	seg := c.insertFetchingLocked(index)
	c.mu.Unlock()

	go c.fill(seg)
}

// ReadChunk returns the data of one chunk, fetching it on demand. It
// blocks until the chunk is ready, its fetch fails, or ctx is canceled.
// The returned slice may be shorter than the chunk size at EOF and must
// not be modified.
func (c *Cache) ReadChunk(ctx context.Context, index int64) ([]byte, error) {
	if c.fetcher == nil {
		return c.readStreamed(ctx, index)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errClosed()
	}
	seg, exists := c.chunks[index]
	if !exists {
		c.metrics.RecordCacheMiss()
		seg = c.insertFetchingLocked(index)
		c.mu.Unlock()
		go c.fill(seg)
	} else {
		if seg.state == StateReady {
			c.metrics.RecordCacheHit()
			c.tick++
			seg.lastUse = c.tick
			data := seg.data
			c.mu.Unlock()
			return data, nil
		}
		c.metrics.RecordCacheMiss()
		c.mu.Unlock()
	}

	select {
	case <-seg.done:
	case <-ctx.Done():
		return nil, errors.Wrap(errors.ErrCodeOperationCanceled,
			fmt.Sprintf("canceled waiting for chunk %d", index), ctx.Err()).
			WithComponent("segment-cache")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if seg.state == StateFailed {
		return nil, seg.err
	}
	c.tick++
	seg.lastUse = c.tick
	return seg.data, nil
}

// insertFetchingLocked registers a new in-flight segment. Callers hold mu.
func (c *Cache) insertFetchingLocked(index int64) *segment {
	seg := &segment{
		index: index,
		state: StateFetching,
		done:  make(chan struct{}),
	}
	c.chunks[index] = seg
	return seg
}

// fill runs the fetch for one segment and publishes the outcome.
func (c *Cache) fill(seg *segment) {
	data, err := c.fetcher.Fetch(c.fillCtx, seg.index*c.chunkSize, c.chunkSize)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		seg.state = StateFailed
		seg.err = err
		// Drop the failed segment so the next reader retries instead of
		// hitting a poisoned entry.
		if c.chunks[seg.index] == seg {
			delete(c.chunks, seg.index)
		}
		close(seg.done)
		c.logger.Warn("chunk fetch failed", "chunk", seg.index, "error", err)
		return
	}

	seg.state = StateReady
	seg.data = data
	c.tick++
	seg.lastUse = c.tick
	c.ready += int64(len(data))
	close(seg.done)

	c.evictForCapacityLocked()
	c.metrics.SetCacheSize(c.ready)
}

// evictForCapacityLocked drops least-recently-used ready chunks until the
// cache fits its capacity. Chunks still fetching are never touched.
func (c *Cache) evictForCapacityLocked() {
	for c.ready > c.capacity {
		var victim *segment
		for _, seg := range c.chunks {
			if seg.state != StateReady {
				continue
			}
			if victim == nil || seg.lastUse < victim.lastUse {
				victim = seg
			}
		}
		if victim == nil {
			return
		}
		c.removeLocked(victim)
		c.metrics.RecordEviction(1)
	}
}

func (c *Cache) removeLocked(seg *segment) {
	if c.chunks[seg.index] != seg {
		return
	}
	delete(c.chunks, seg.index)
	if seg.state == StateReady {
		c.ready -= int64(len(seg.data))
	}
}

// EvictBefore drops every ready chunk whose index is below bound. The
// sequential engine uses it to release data the reader has moved past.
func (c *Cache) EvictBefore(bound int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictBeforeLocked(bound)
}

func (c *Cache) evictBeforeLocked(bound int64) {
	evicted := 0
	for index, seg := range c.chunks {
		if index < bound && seg.state == StateReady {
			c.removeLocked(seg)
			evicted++
		}
	}
	if evicted > 0 {
		c.metrics.RecordEviction(evicted)
		c.metrics.SetCacheSize(c.ready)
		c.cond.Broadcast()
	}
}

// ReadyBytes reports the bytes currently held in ready chunks.
func (c *Cache) ReadyBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Contains reports whether a chunk is cached or in flight.
func (c *Cache) Contains(index int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.chunks[index]
	return ok
}

// Close fails all pending waiters and rejects further reads.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.fillCancel()
	c.cond.Broadcast()
}

func errClosed() error {
	return errors.NewError(errors.ErrCodeOperationCanceled, "cache closed").
		WithComponent("segment-cache")
}
