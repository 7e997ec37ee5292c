package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/httpfs/httpfs/internal/resource"
	"github.com/httpfs/httpfs/pkg/errors"
	"github.com/httpfs/httpfs/pkg/retry"
)

// StreamSink receives the body of a streamed resource in order. Put may
// block to apply backpressure when the consumer lags behind.
type StreamSink interface {
	Put(ctx context.Context, offset int64, data []byte) error
	Finish(totalLength int64)
	Fail(err error)
}

// Streamer reads the whole resource with a single plain GET when the
// server does not honor Range requests. Bytes are handed to the sink in
// order; there is no way to resume, so a mid-body failure fails the
// remainder of the stream.
type Streamer struct {
	http      *http.Client
	desc      *resource.Descriptor
	chunkSize int64
	sink      StreamSink
	retryer   *retry.Retryer
	logger    *slog.Logger
}

func NewStreamer(httpClient *http.Client, desc *resource.Descriptor, chunkSize int64, sink StreamSink, retryCfg retry.Config) *Streamer {
	return &Streamer{
		http:      httpClient,
		desc:      desc,
		chunkSize: chunkSize,
		sink:      sink,
		retryer:   retry.New(retryCfg),
		logger:    slog.Default().With("component", "streamer"),
	}
}

// Run transfers the resource until EOF, sink failure, or cancellation.
// It is meant to be launched once per mount in its own goroutine.
func (s *Streamer) Run(ctx context.Context) {
	var body io.ReadCloser

	err := s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var err error
		body, err = s.open(ctx)
		return err
	})
	if err != nil {
		s.logger.Error("stream open failed", "url", s.desc.URL, "error", err)
		s.sink.Fail(err)
		return
	}
	defer body.Close()

	var offset int64
	for {
		chunk := make([]byte, s.chunkSize)
		n, err := io.ReadFull(body, chunk)
		if n > 0 {
			if putErr := s.sink.Put(ctx, offset, chunk[:n]); putErr != nil {
				s.logger.Debug("stream stopped by sink", "offset", offset, "error", putErr)
				return
			}
			offset += int64(n)
		}
		switch err {
		case nil:
			continue
		case io.EOF, io.ErrUnexpectedEOF:
			s.logger.Info("stream complete", "length", offset)
			s.sink.Finish(offset)
			return
		default:
			s.logger.Error("stream failed mid-body", "offset", offset, "error", err)
			s.sink.Fail(errors.Wrap(errors.ErrCodeTransientFetch,
				fmt.Sprintf("stream broke at offset %d", offset), err).
				WithComponent("streamer").WithRetryable(false))
			return
		}
	}
}

func (s *Streamer) open(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.desc.URL, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternalError, "building stream request", err)
	}
	for name, values := range s.desc.Headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeTransientFetch, "stream open failed", err).
			WithComponent("streamer")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, errors.NewError(errors.ErrCodePermanentFetch,
				fmt.Sprintf("stream open rejected: status %d", resp.StatusCode)).
				WithComponent("streamer")
		}
		return nil, errors.NewError(errors.ErrCodeTransientFetch,
			fmt.Sprintf("stream open failed: status %d", resp.StatusCode)).
			WithComponent("streamer")
	}
	return resp.Body, nil
}
