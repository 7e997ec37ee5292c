package segment

import (
	"context"
	"fmt"

	"github.com/httpfs/httpfs/pkg/errors"
)

// Stream mode: the server cannot serve ranges, so a single sequential
// transfer feeds the cache through Put/Finish/Fail and readers wait for
// their chunk to arrive. Data the reader has moved past is evicted and
// cannot be re-fetched.

// Put stores one chunk delivered by the streamer. offset must be
// chunk-aligned. It blocks while the cache is full, which throttles the
// transfer to the reader's pace.
func (c *Cache) Put(ctx context.Context, offset int64, data []byte) error {
	if offset%c.chunkSize != 0 {
		return errors.NewError(errors.ErrCodeInternalError,
			fmt.Sprintf("stream put at unaligned offset %d", offset)).
			WithComponent("segment-cache")
	}

	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	for !c.closed && ctx.Err() == nil && c.ready+int64(len(data)) > c.capacity {
		c.cond.Wait()
	}
	if c.closed {
		return errClosed()
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(errors.ErrCodeOperationCanceled, "stream canceled", err).
			WithComponent("segment-cache")
	}

	seg := &segment{
		index: offset / c.chunkSize,
		state: StateReady,
		data:  data,
		done:  make(chan struct{}),
	}
	close(seg.done)
	c.tick++
	seg.lastUse = c.tick
	c.chunks[seg.index] = seg
	c.ready += int64(len(data))
	c.streamNext = offset + int64(len(data))
	c.metrics.SetCacheSize(c.ready)
	c.cond.Broadcast()
	return nil
}

// Finish records the final resource length once the stream hits EOF.
func (c *Cache) Finish(totalLength int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamEOF = totalLength
	c.cond.Broadcast()
}

// Fail aborts the stream. Readers waiting for data that will never
// arrive get the error.
func (c *Cache) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamErr = err
	c.cond.Broadcast()
}

// readStreamed waits for a chunk to arrive from the stream. A chunk that
// lies entirely past EOF yields empty data; a chunk the stream has
// already moved past is gone for good.
func (c *Cache) readStreamed(ctx context.Context, index int64) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	missed := false
	for {
		if c.closed {
			return nil, errClosed()
		}
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(errors.ErrCodeOperationCanceled,
				fmt.Sprintf("canceled waiting for streamed chunk %d", index), err).
				WithComponent("segment-cache")
		}

		if seg, ok := c.chunks[index]; ok && seg.state == StateReady {
			c.metrics.RecordCacheHit()
			c.tick++
			seg.lastUse = c.tick
			return seg.data, nil
		}
		if c.streamEOF >= 0 && index*c.chunkSize >= c.streamEOF {
			return nil, nil
		}
		if c.streamErr != nil {
			return nil, c.streamErr
		}
		if index*c.chunkSize < c.streamNext {
			// Already streamed and evicted; without range support there
			// is no way back.
			return nil, errors.NewError(errors.ErrCodeRangeNotSupported,
				fmt.Sprintf("chunk %d already consumed and the server does not support ranges", index)).
				WithComponent("segment-cache")
		}

		if !missed {
			c.metrics.RecordCacheMiss()
			missed = true
		}
		// A reader skipping far ahead must not deadlock against a full
		// cache: release data below its target so the stream can reach
		// it, keeping half the capacity as rewind room.
		if bound := index - c.capacity/c.chunkSize/2; bound > 0 && c.ready+c.chunkSize > c.capacity {
			c.evictBeforeLocked(bound)
		}
		c.cond.Wait()
	}
}
