package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/httpfs/httpfs/pkg/errors"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	const workers = 2
	var inFlight, peak atomic.Int32

	body := make([]byte, 256)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		rangeHandler(t, body)(w, r)
	}))
	defer server.Close()

	client := NewClient(server.Client(), testDescriptor(server.URL), fastRetry(), nil)
	pool := NewPool(client, workers, nil)
	defer pool.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := pool.Fetch(context.Background(), int64(i*16), 16); err != nil {
				t.Errorf("fetch %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if got := peak.Load(); got > workers {
		t.Errorf("peak concurrency %d exceeds worker count %d", got, workers)
	}
}

func TestPoolFetchAfterClose(t *testing.T) {
	server := httptest.NewServer(rangeHandler(t, []byte("x")))
	defer server.Close()

	client := NewClient(server.Client(), testDescriptor(server.URL), fastRetry(), nil)
	pool := NewPool(client, 2, nil)
	pool.Close()

	_, err := pool.Fetch(context.Background(), 0, 1)
	if errors.CodeOf(err) != errors.ErrCodeOperationCanceled {
		t.Errorf("code = %s, want OPERATION_CANCELED", errors.CodeOf(err))
	}
}

func TestPoolFetchCanceledWhileQueued(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		rangeHandler(t, []byte("y"))(w, r)
	}))
	defer server.Close()

	client := NewClient(server.Client(), testDescriptor(server.URL), fastRetry(), nil)
	pool := NewPool(client, 1, nil)
	defer pool.Close()
	defer close(release)

	// Occupy the only worker.
	go pool.Fetch(context.Background(), 0, 1)
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pool.Fetch(ctx, 0, 1)
	if errors.CodeOf(err) != errors.ErrCodeOperationCanceled {
		t.Errorf("code = %s, want OPERATION_CANCELED", errors.CodeOf(err))
	}
}
