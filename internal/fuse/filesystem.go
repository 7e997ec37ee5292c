// Package fuse exposes the remote resource as a read-only filesystem
// with a single file at the mount root.
package fuse

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/httpfs/httpfs/internal/engine"
	"github.com/httpfs/httpfs/pkg/errors"
)

func safeIntToUint32(i int) uint32 {
	if i < 0 || i > int(^uint32(0)) {
		return 0
	}
	return uint32(i)
}

// FileSystem bridges kernel requests to the I/O engine.
type FileSystem struct {
	engine *engine.Engine
	config *Config
	stats  Stats
	logger *slog.Logger
}

// Config contains filesystem presentation settings.
type Config struct {
	FileName    string        `yaml:"file_name"`
	AttrTimeout time.Duration `yaml:"attr_timeout"`
	UID         uint32        `yaml:"uid"`
	GID         uint32        `yaml:"gid"`
	FileMode    uint32        `yaml:"file_mode"`
	DirMode     uint32        `yaml:"dir_mode"`
}

// Stats counts filesystem operations.
type Stats struct {
	Opens     atomic.Int64
	Reads     atomic.Int64
	BytesRead atomic.Int64
	Errors    atomic.Int64
}

func NewFileSystem(eng *engine.Engine, config *Config) *FileSystem {
	if config == nil {
		config = &Config{}
	}
	if config.FileName == "" {
		config.FileName = eng.FileName()
	}
	if config.AttrTimeout == 0 {
		config.AttrTimeout = 60 * time.Second
	}
	if config.FileMode == 0 {
		config.FileMode = 0644
	}
	if config.DirMode == 0 {
		config.DirMode = 0755
	}
	if config.UID == 0 {
		config.UID = safeIntToUint32(os.Getuid())
	}
	if config.GID == 0 {
		config.GID = safeIntToUint32(os.Getgid())
	}

	return &FileSystem{
		engine: eng,
		config: config,
		logger: slog.Default().With("component", "fuse"),
	}
}

// Root returns the root directory node for mounting.
func (fsys *FileSystem) Root() fs.InodeEmbedder {
	return &rootNode{fsys: fsys}
}

// rootNode is the mount root: a directory holding exactly one file.
type rootNode struct {
	fs.Inode
	fsys *FileSystem
}

var _ = (fs.NodeGetattrer)((*rootNode)(nil))
var _ = (fs.NodeLookuper)((*rootNode)(nil))
var _ = (fs.NodeReaddirer)((*rootNode)(nil))

func (n *rootNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuse.S_IFDIR | n.fsys.config.DirMode
	out.Uid = n.fsys.config.UID
	out.Gid = n.fsys.config.GID
	out.SetTimeout(n.fsys.config.AttrTimeout)
	return 0
}

func (n *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if name != n.fsys.config.FileName {
		return nil, syscall.ENOENT
	}

	child := n.NewInode(ctx, &fileNode{fsys: n.fsys}, fs.StableAttr{
		Mode: fuse.S_IFREG,
		Ino:  2,
	})
	n.fsys.fillFileAttr(&out.Attr)
	out.SetEntryTimeout(n.fsys.config.AttrTimeout)
	out.SetAttrTimeout(n.fsys.config.AttrTimeout)
	return child, 0
}

func (n *rootNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	return fs.NewListDirStream([]fuse.DirEntry{
		{Name: n.fsys.config.FileName, Mode: fuse.S_IFREG, Ino: 2},
	}), 0
}

// fileNode is the single exposed file.
type fileNode struct {
	fs.Inode
	fsys *FileSystem
}

var _ = (fs.NodeGetattrer)((*fileNode)(nil))
var _ = (fs.NodeOpener)((*fileNode)(nil))

func (f *fileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	f.fsys.fillFileAttr(&out.Attr)
	out.SetTimeout(f.fsys.config.AttrTimeout)
	return 0
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_CREAT|syscall.O_TRUNC|syscall.O_APPEND) != 0 {
		return nil, 0, syscall.EROFS
	}
	f.fsys.stats.Opens.Add(1)
	return &fileHandle{fsys: f.fsys}, fuse.FOPEN_KEEP_CACHE, 0
}

func (fsys *FileSystem) fillFileAttr(attr *fuse.Attr) {
	attr.Mode = fuse.S_IFREG | fsys.config.FileMode
	attr.Size = uint64(fsys.engine.Size())
	attr.Uid = fsys.config.UID
	attr.Gid = fsys.config.GID
	attr.Nlink = 1
}

// fileHandle serves reads through the engine.
type fileHandle struct {
	fsys *FileSystem
}

var _ = (fs.FileReader)((*fileHandle)(nil))

func (fh *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	fh.fsys.stats.Reads.Add(1)

	n, err := fh.fsys.engine.ReadAt(ctx, dest, off)
	if err == io.EOF {
		return fuse.ReadResultData(dest[:0]), 0
	}
	if err != nil {
		fh.fsys.stats.Errors.Add(1)
		fh.fsys.logger.Error("read failed", "offset", off, "size", len(dest), "error", err)
		return nil, errnoFor(err)
	}

	fh.fsys.stats.BytesRead.Add(int64(n))
	return fuse.ReadResultData(dest[:n]), 0
}

// errnoFor maps engine errors onto POSIX error numbers.
func errnoFor(err error) syscall.Errno {
	switch errors.CodeOf(err) {
	case errors.ErrCodeInvalidRange:
		return syscall.EINVAL
	case errors.ErrCodeOperationCanceled:
		return syscall.EINTR
	default:
		return syscall.EIO
	}
}
