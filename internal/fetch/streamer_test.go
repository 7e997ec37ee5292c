package fetch

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/httpfs/httpfs/internal/resource"
)

type collectSink struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	total int64
	done  bool
	err   error
}

func (s *collectSink) Put(ctx context.Context, offset int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset != int64(s.buf.Len()) {
		panic("out of order put")
	}
	s.buf.Write(data)
	return nil
}

func (s *collectSink) Finish(totalLength int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total = totalLength
	s.done = true
}

func (s *collectSink) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func TestStreamerDeliversWholeBodyInOrder(t *testing.T) {
	body := make([]byte, 10_000)
	for i := range body {
		body[i] = byte(i * 7)
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			t.Error("streamer must not send a Range header")
		}
		w.Write(body)
	}))
	defer server.Close()

	desc := &resource.Descriptor{URL: server.URL, Length: resource.LengthUnknown}
	sink := &collectSink{}
	streamer := NewStreamer(server.Client(), desc, 1024, sink, fastRetry())
	streamer.Run(context.Background())

	if !sink.done {
		t.Fatal("stream did not finish")
	}
	if sink.total != int64(len(body)) {
		t.Errorf("total = %d, want %d", sink.total, len(body))
	}
	if !bytes.Equal(sink.buf.Bytes(), body) {
		t.Error("streamed bytes differ from body")
	}
}

func TestStreamerRetriesOpen(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("eventually"))
	}))
	defer server.Close()

	desc := &resource.Descriptor{URL: server.URL, Length: resource.LengthUnknown}
	sink := &collectSink{}
	streamer := NewStreamer(server.Client(), desc, 4, sink, fastRetry())
	streamer.Run(context.Background())

	if !sink.done {
		t.Fatalf("stream did not finish: %v", sink.err)
	}
	if sink.buf.String() != "eventually" {
		t.Errorf("got %q", sink.buf.String())
	}
}

func TestStreamerReportsOpenFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	desc := &resource.Descriptor{URL: server.URL, Length: resource.LengthUnknown}
	sink := &collectSink{}
	streamer := NewStreamer(server.Client(), desc, 4, sink, fastRetry())
	streamer.Run(context.Background())

	if sink.done {
		t.Error("stream should not finish")
	}
	if sink.err == nil {
		t.Error("expected sink failure")
	}
}
