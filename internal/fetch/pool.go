package fetch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/httpfs/httpfs/internal/metrics"
	"github.com/httpfs/httpfs/pkg/errors"
)

// Pool bounds the number of in-flight HTTP transfers. Callers block in
// Fetch until a worker picks up their job, so total connections to the
// origin never exceed the worker count no matter how many reads or
// prefetches are outstanding.
type Pool struct {
	client  *Client
	jobs    chan *job
	done    chan struct{}
	wg      sync.WaitGroup
	metrics *metrics.Collector
	logger  *slog.Logger

	closeOnce sync.Once
}

type job struct {
	ctx    context.Context
	offset int64
	length int64
	result chan jobResult
}

type jobResult struct {
	data []byte
	err  error
}

func NewPool(client *Client, workers int, collector *metrics.Collector) *Pool {
	if workers <= 0 {
		workers = 1
	}
	p := &Pool{
		client:  client,
		jobs:    make(chan *job),
		done:    make(chan struct{}),
		metrics: collector,
		logger:  slog.Default().With("component", "fetch-pool"),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case j := <-p.jobs:
			p.metrics.FetchStarted()
			data, err := p.client.FetchRange(j.ctx, j.offset, j.length)
			p.metrics.FetchFinished()
			j.result <- jobResult{data: data, err: err}
		}
	}
}

// Fetch retrieves [offset, offset+length) through the pool. It blocks
// until a worker is free and the transfer completes or fails.
func (p *Pool) Fetch(ctx context.Context, offset, length int64) ([]byte, error) {
	j := &job{ctx: ctx, offset: offset, length: length, result: make(chan jobResult, 1)}

	// The jobs channel is unbuffered, so the send pairs directly with a
	// worker receive and cannot race with shutdown.
	select {
	case p.jobs <- j:
	case <-p.done:
		return nil, errors.NewError(errors.ErrCodeOperationCanceled, "fetch pool closed").
			WithComponent("fetch-pool").WithOperation("Fetch")
	case <-ctx.Done():
		return nil, errors.Wrap(errors.ErrCodeOperationCanceled,
			"canceled while waiting for a fetch worker", ctx.Err()).
			WithComponent("fetch-pool").WithOperation("Fetch")
	}

	res := <-j.result
	return res.data, res.err
}

// Close stops the workers. Fetch calls made after Close fail fast;
// transfers already handed to a worker run to completion.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		p.logger.Debug("fetch pool stopped")
	})
}
