// Package fetch retrieves byte ranges of the remote resource over HTTP.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/httpfs/httpfs/internal/metrics"
	"github.com/httpfs/httpfs/internal/resource"
	"github.com/httpfs/httpfs/pkg/errors"
	"github.com/httpfs/httpfs/pkg/retry"
)

// Client fetches byte ranges with retry. Transient failures are retried
// with backoff, and a transfer that dies mid-body resumes from the bytes
// already received instead of starting over.
type Client struct {
	http    *http.Client
	desc    *resource.Descriptor
	retryer *retry.Retryer
	metrics *metrics.Collector
	logger  *slog.Logger
}

func NewClient(httpClient *http.Client, desc *resource.Descriptor, retryCfg retry.Config, collector *metrics.Collector) *Client {
	return &Client{
		http:    httpClient,
		desc:    desc,
		retryer: retry.New(retryCfg),
		metrics: collector,
		logger:  slog.Default().With("component", "fetch"),
	}
}

// FetchRange returns exactly the bytes [offset, offset+length) of the
// resource, or fewer when the resource ends inside the range. Client
// errors from the server are permanent; server and transport errors are
// retried, resuming from the unreceived remainder.
func (c *Client) FetchRange(ctx context.Context, offset, length int64) ([]byte, error) {
	if length <= 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidRange,
			fmt.Sprintf("non-positive fetch length %d", length)).
			WithComponent("fetch").WithOperation("FetchRange")
	}

	buf := make([]byte, 0, length)
	hitEOF := false

	retryer := c.retryer.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		c.metrics.RecordRetry()
		c.logger.Warn("retrying fetch",
			"offset", offset, "length", length, "received", len(buf),
			"attempt", attempt, "delay", delay, "error", err)
	})

	err := retryer.DoWithContext(ctx, func(ctx context.Context) error {
		if hitEOF || int64(len(buf)) >= length {
			return nil
		}
		eof, err := c.fetchOnce(ctx, offset+int64(len(buf)), length-int64(len(buf)), &buf)
		if err != nil {
			return err
		}
		hitEOF = eof
		return nil
	})
	if err != nil {
		c.metrics.RecordFetch("error", len(buf))
		return nil, err
	}

	c.metrics.RecordFetch("success", len(buf))
	return buf, nil
}

// fetchOnce performs a single ranged request for [start, start+want) and
// appends whatever arrives to *buf. It reports eof when the server said
// the resource ends before the requested range does.
func (c *Client) fetchOnce(ctx context.Context, start, want int64, buf *[]byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.desc.URL, nil)
	if err != nil {
		return false, errors.Wrap(errors.ErrCodeInternalError, "building request", err)
	}
	for name, values := range c.desc.Headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, start+want-1))

	resp, err := c.http.Do(req)
	if err != nil {
		return false, transientErr(start, want, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		promised := int64(-1)
		if respStart, respEnd, ok := parseContentRange(resp.Header.Get("Content-Range")); ok {
			if respStart != start {
				return false, transientErr(start, want,
					fmt.Errorf("response range starts at %d, requested %d", respStart, start))
			}
			promised = respEnd - respStart + 1
		} else if resp.ContentLength >= 0 {
			promised = resp.ContentLength
		}
		return c.readBody(resp.Body, want, promised, buf, start)

	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		// Range starts at or past the end of the resource.
		return true, nil

	case resp.StatusCode == http.StatusOK:
		// Server ignored the Range header and sent the whole body.
		// Skip up to our start and read from there.
		if _, err := io.CopyN(io.Discard, resp.Body, start); err != nil {
			if err == io.EOF {
				return true, nil
			}
			return false, transientErr(start, want, err)
		}
		promised := int64(-1)
		if resp.ContentLength >= 0 {
			promised = resp.ContentLength - start
		}
		return c.readBody(resp.Body, want, promised, buf, start)

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return false, errors.NewError(errors.ErrCodePermanentFetch,
			fmt.Sprintf("server rejected range [%d,%d): status %d", start, start+want, resp.StatusCode)).
			WithComponent("fetch").WithOperation("FetchRange").
			WithDetail("status", resp.StatusCode)

	default:
		return false, transientErr(start, want,
			fmt.Errorf("status %d", resp.StatusCode))
	}
}

// readBody drains up to want bytes into *buf. promised is how many bytes
// the response itself claims to carry, or -1 when it did not say. A body
// that ends before delivering its promise is transient so the caller
// resumes from the bytes already banked; a body clipped by the promise
// is the resource ending inside the range. Transport failures partway
// through are transient as well.
func (c *Client) readBody(body io.Reader, want, promised int64, buf *[]byte, start int64) (bool, error) {
	target := want
	if promised >= 0 && promised < target {
		target = promised
	}
	var received int64
	chunk := make([]byte, 64*1024)
	for received < target {
		n, err := body.Read(chunk[:min64(int64(len(chunk)), target-received)])
		if n > 0 {
			*buf = append(*buf, chunk[:n]...)
			received += int64(n)
		}
		if err == io.EOF {
			if received == target {
				break
			}
			if promised >= 0 {
				return false, transientErr(start+received, want-received,
					fmt.Errorf("body ended after %d of %d promised bytes", received, target))
			}
			return received < want, nil
		}
		if err != nil {
			return false, transientErr(start+received, want-received, err)
		}
	}
	return target < want, nil
}

// parseContentRange extracts the start and end of a "bytes start-end/total"
// Content-Range value. ok is false when the value is absent or malformed.
func parseContentRange(value string) (start, end int64, ok bool) {
	var total string
	if _, err := fmt.Sscanf(value, "bytes %d-%d/%s", &start, &end, &total); err != nil || start > end {
		return 0, 0, false
	}
	return start, end, true
}

func transientErr(start, want int64, cause error) error {
	return errors.Wrap(errors.ErrCodeTransientFetch,
		fmt.Sprintf("fetch of [%d,%d) failed", start, start+want), cause).
		WithComponent("fetch").WithOperation("FetchRange")
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
