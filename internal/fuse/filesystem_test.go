package fuse

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/httpfs/httpfs/internal/engine"
	"github.com/httpfs/httpfs/internal/resource"
	"github.com/httpfs/httpfs/pkg/errors"
	"github.com/httpfs/httpfs/pkg/retry"
)

func newTestEngine(t *testing.T, body []byte) (*engine.Engine, func()) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Range")
		if header == "" {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			if r.Method == http.MethodHead {
				return
			}
			w.Write(body)
			return
		}
		spec, _ := strings.CutPrefix(header, "bytes=")
		startStr, endStr, _ := strings.Cut(spec, "-")
		start, _ := strconv.ParseInt(startStr, 10, 64)
		end, _ := strconv.ParseInt(endStr, 10, 64)
		if end >= int64(len(body)) {
			end = int64(len(body)) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[start : end+1])
	}))

	desc, err := resource.Discover(context.Background(), server.Client(), server.URL+"/data.bin", nil)
	if err != nil {
		server.Close()
		t.Fatalf("Discover failed: %v", err)
	}
	eng := engine.New(desc, engine.Options{
		ChunkSize:     1024,
		WindowSize:    4096,
		BackwardSlack: 2048,
		ForwardSlack:  4096,
		EvictMargin:   1 << 20,
		CacheSize:     1 << 20,
		MaxConcurrent: 2,
		Retry:         retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond},
		HTTPClient:    server.Client(),
	})
	return eng, func() {
		eng.Close()
		server.Close()
	}
}

func TestFileHandleRead(t *testing.T) {
	body := []byte("the quick brown fox jumps over the lazy dog")
	eng, cleanup := newTestEngine(t, body)
	defer cleanup()

	fsys := NewFileSystem(eng, nil)
	fh := &fileHandle{fsys: fsys}

	dest := make([]byte, 9)
	res, errno := fh.Read(context.Background(), dest, 4)
	if errno != 0 {
		t.Fatalf("read errno = %v", errno)
	}
	data, _ := res.Bytes(nil)
	if !bytes.Equal(data, []byte("quick bro")) {
		t.Errorf("read %q", data)
	}
	if fsys.stats.Reads.Load() != 1 || fsys.stats.BytesRead.Load() != 9 {
		t.Error("stats not recorded")
	}
}

func TestFileHandleReadAtEOF(t *testing.T) {
	body := []byte("short")
	eng, cleanup := newTestEngine(t, body)
	defer cleanup()

	fsys := NewFileSystem(eng, nil)
	fh := &fileHandle{fsys: fsys}

	res, errno := fh.Read(context.Background(), make([]byte, 10), 5)
	if errno != 0 {
		t.Fatalf("read at EOF errno = %v", errno)
	}
	data, _ := res.Bytes(nil)
	if len(data) != 0 {
		t.Errorf("read at EOF returned %d bytes", len(data))
	}
}

func TestFileNodeGetattr(t *testing.T) {
	body := make([]byte, 7777)
	eng, cleanup := newTestEngine(t, body)
	defer cleanup()

	fsys := NewFileSystem(eng, nil)
	node := &fileNode{fsys: fsys}

	var out fuse.AttrOut
	if errno := node.Getattr(context.Background(), nil, &out); errno != 0 {
		t.Fatalf("getattr errno = %v", errno)
	}
	if out.Size != 7777 {
		t.Errorf("size = %d, want 7777", out.Size)
	}
	if out.Mode != fuse.S_IFREG|0644 {
		t.Errorf("mode = %o", out.Mode)
	}
}

func TestFileNodeOpenRejectsWrites(t *testing.T) {
	body := []byte("readonly")
	eng, cleanup := newTestEngine(t, body)
	defer cleanup()

	fsys := NewFileSystem(eng, nil)
	node := &fileNode{fsys: fsys}

	for _, flags := range []uint32{syscall.O_WRONLY, syscall.O_RDWR, syscall.O_TRUNC} {
		if _, _, errno := node.Open(context.Background(), flags); errno != syscall.EROFS {
			t.Errorf("open with flags %#o: errno = %v, want EROFS", flags, errno)
		}
	}
	if _, _, errno := node.Open(context.Background(), syscall.O_RDONLY); errno != 0 {
		t.Errorf("read-only open failed: %v", errno)
	}
}

func TestNewFileSystemDefaults(t *testing.T) {
	body := []byte("x")
	eng, cleanup := newTestEngine(t, body)
	defer cleanup()

	fsys := NewFileSystem(eng, nil)
	if fsys.config.FileName != "data.bin" {
		t.Errorf("file name = %q, want data.bin", fsys.config.FileName)
	}
	if fsys.config.AttrTimeout != 60*time.Second {
		t.Errorf("attr timeout = %v", fsys.config.AttrTimeout)
	}
	if fsys.config.FileMode != 0644 {
		t.Errorf("file mode = %o", fsys.config.FileMode)
	}
}

func TestErrnoMapping(t *testing.T) {
	tests := []struct {
		code  errors.ErrorCode
		errno syscall.Errno
	}{
		{errors.ErrCodeInvalidRange, syscall.EINVAL},
		{errors.ErrCodeOperationCanceled, syscall.EINTR},
		{errors.ErrCodePermanentFetch, syscall.EIO},
		{errors.ErrCodeRetryExhausted, syscall.EIO},
		{errors.ErrCodeRangeNotSupported, syscall.EIO},
	}
	for _, tt := range tests {
		err := errors.NewError(tt.code, "test")
		if got := errnoFor(err); got != tt.errno {
			t.Errorf("errnoFor(%s) = %v, want %v", tt.code, got, tt.errno)
		}
	}
}

func TestValidateMountPoint(t *testing.T) {
	body := []byte("x")
	eng, cleanup := newTestEngine(t, body)
	defer cleanup()
	fsys := NewFileSystem(eng, nil)

	dir := t.TempDir()
	m := NewMountManager(fsys, &MountConfig{MountPoint: dir})
	if err := m.validateMountPoint(); err != nil {
		t.Errorf("valid mount point rejected: %v", err)
	}

	m = NewMountManager(fsys, &MountConfig{MountPoint: filepath.Join(dir, "missing")})
	if err := m.validateMountPoint(); err == nil {
		t.Error("missing mount point accepted")
	}

	file := filepath.Join(dir, "plain")
	if err := os.WriteFile(file, []byte("f"), 0644); err != nil {
		t.Fatal(err)
	}
	m = NewMountManager(fsys, &MountConfig{MountPoint: file})
	if err := m.validateMountPoint(); err == nil {
		t.Error("file mount point accepted")
	}

	m = NewMountManager(fsys, &MountConfig{})
	if err := m.validateMountPoint(); err == nil {
		t.Error("empty mount point accepted")
	}
}

func TestMountManagerConcurrentAccess(t *testing.T) {
	body := []byte("x")
	eng, cleanup := newTestEngine(t, body)
	defer cleanup()
	fsys := NewFileSystem(eng, nil)
	m := NewMountManager(fsys, &MountConfig{MountPoint: t.TempDir()})

	// The signal handler calls Unmount while the main goroutine polls
	// state and waits; none of it may race.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.IsMounted() {
				t.Error("unmounted manager reports mounted")
			}
			if err := m.Unmount(); errors.CodeOf(err) != errors.ErrCodeUnmountFailed {
				t.Errorf("Unmount on unmounted manager: %v", err)
			}
			m.Wait()
		}()
	}
	wg.Wait()
}
