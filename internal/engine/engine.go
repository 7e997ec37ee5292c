package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/httpfs/httpfs/internal/fetch"
	"github.com/httpfs/httpfs/internal/metrics"
	"github.com/httpfs/httpfs/internal/resource"
	"github.com/httpfs/httpfs/internal/segment"
	"github.com/httpfs/httpfs/pkg/errors"
	"github.com/httpfs/httpfs/pkg/retry"
)

// sizePlaceholder is reported when the server never disclosed a length.
// Readers hit the real EOF when the stream ends.
const sizePlaceholder = int64(1) << 50

// Options gathers the tunables of the I/O engine.
type Options struct {
	ChunkSize     int64
	WindowSize    int64
	BackwardSlack int64
	ForwardSlack  int64
	EvictMargin   int64
	CacheSize     int64
	MaxConcurrent int
	Retry         retry.Config
	HTTPClient    *http.Client
	Metrics       *metrics.Collector
}

// Engine exposes the remote resource as a random-access byte store. It
// classifies each read as sequential or random, keeps a prefetch window
// running ahead of sequential consumers, and releases data they have
// moved past.
type Engine struct {
	desc   *resource.Descriptor
	cache  *segment.Cache
	pool   *fetch.Pool
	cursor *cursor
	opts   Options

	streamCancel context.CancelFunc

	metrics *metrics.Collector
	logger  *slog.Logger
}

// New builds the engine for a discovered resource. Servers that honor
// Range requests get the full pool-backed random-access path; everything
// else degrades to a single sequential stream.
func New(desc *resource.Descriptor, opts Options) *Engine {
	e := &Engine{
		desc:    desc,
		cursor:  newCursor(opts.BackwardSlack, opts.ForwardSlack),
		opts:    opts,
		metrics: opts.Metrics,
		logger:  slog.Default().With("component", "engine"),
	}

	if desc.RangeSupported {
		client := fetch.NewClient(opts.HTTPClient, desc, opts.Retry, opts.Metrics)
		e.pool = fetch.NewPool(client, opts.MaxConcurrent, opts.Metrics)
		e.cache = segment.NewCache(opts.ChunkSize, opts.CacheSize, e.pool, opts.Metrics)
		e.logger.Info("engine ready", "mode", "range",
			"chunk_size", opts.ChunkSize, "window_size", opts.WindowSize,
			"workers", opts.MaxConcurrent)
		return e
	}

	e.cache = segment.NewCache(opts.ChunkSize, opts.CacheSize, nil, opts.Metrics)
	streamCtx, cancel := context.WithCancel(context.Background())
	e.streamCancel = cancel
	streamer := fetch.NewStreamer(opts.HTTPClient, desc, opts.ChunkSize, e.cache, opts.Retry)
	go streamer.Run(streamCtx)
	e.logger.Info("engine ready", "mode", "stream", "chunk_size", opts.ChunkSize)
	return e
}

// Size returns the resource length the filesystem should advertise.
func (e *Engine) Size() int64 {
	if e.desc.Length == resource.LengthUnknown {
		return sizePlaceholder
	}
	return e.desc.Length
}

// FileName returns the name of the single exposed file.
func (e *Engine) FileName() string { return e.desc.FileName }

// ReadAt fills dest with the bytes at offset. It returns the number of
// bytes read; a read starting at or past EOF returns 0 and io.EOF.
func (e *Engine) ReadAt(ctx context.Context, dest []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, errors.NewError(errors.ErrCodeInvalidRange,
			fmt.Sprintf("negative read offset %d", offset)).
			WithComponent("engine").WithOperation("ReadAt")
	}
	if len(dest) == 0 {
		return 0, nil
	}

	length := int64(len(dest))
	if e.desc.Length != resource.LengthUnknown {
		if offset >= e.desc.Length {
			return 0, io.EOF
		}
		if offset+length > e.desc.Length {
			length = e.desc.Length - offset
		}
	}

	start := time.Now()
	mode := e.cursor.classify(offset, length)
	if mode == ModeSequential {
		e.advanceWindow(offset, length)
	}

	n, err := e.gather(ctx, dest[:length], offset)
	if err != nil {
		return n, err
	}
	e.metrics.RecordRead(mode.String(), n, time.Since(start))
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// gather copies the requested range out of the cache chunk by chunk,
// fetching on demand. A short chunk means EOF inside the range.
func (e *Engine) gather(ctx context.Context, dest []byte, offset int64) (int, error) {
	chunkSize := e.cache.ChunkSize()
	var copied int

	for copied < len(dest) {
		pos := offset + int64(copied)
		idx := pos / chunkSize
		within := pos % chunkSize

		data, err := e.cache.ReadChunk(ctx, idx)
		if err != nil {
			if copied > 0 {
				// Partial success; surface what we have.
				e.logger.Warn("read truncated by fetch failure",
					"offset", offset, "copied", copied, "error", err)
				return copied, nil
			}
			return 0, err
		}
		if within >= int64(len(data)) {
			// Chunk ends before our position: EOF.
			break
		}
		n := copy(dest[copied:], data[within:])
		copied += n
		if within+int64(n) >= int64(len(data)) && int64(len(data)) < chunkSize {
			// Short chunk, nothing follows.
			break
		}
	}
	return copied, nil
}

// advanceWindow keeps the prefetch window ahead of a sequential reader
// and drops chunks far behind it. Random reads never reach here, so a
// probe elsewhere in the file does not disturb the window.
func (e *Engine) advanceWindow(offset, length int64) {
	chunkSize := e.cache.ChunkSize()

	if e.desc.RangeSupported {
		first := (offset + length) / chunkSize
		last := (offset + e.opts.WindowSize) / chunkSize
		if e.desc.Length != resource.LengthUnknown {
			if maxIdx := (e.desc.Length - 1) / chunkSize; last > maxIdx {
				last = maxIdx
			}
		}
		for idx := first; idx <= last; idx++ {
			e.cache.Prefetch(idx)
		}
	}

	behind := offset - e.opts.BackwardSlack - e.opts.EvictMargin
	if behind > 0 {
		e.cache.EvictBefore(behind / chunkSize)
	}
}

// Close tears down the engine. Blocked readers are released with an
// error and the fetch workers drain.
func (e *Engine) Close() {
	if e.streamCancel != nil {
		e.streamCancel()
	}
	e.cache.Close()
	if e.pool != nil {
		e.pool.Close()
	}
	e.logger.Info("engine closed")
}
