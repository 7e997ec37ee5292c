package fuse

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/httpfs/httpfs/pkg/errors"
)

// MountManager owns the FUSE server lifecycle for one mount. Unmount is
// typically called from a signal handler goroutine while another
// goroutine sits in Wait, so the mount state is mutex-guarded.
type MountManager struct {
	filesystem *FileSystem
	config     *MountConfig
	logger     *slog.Logger

	mu      sync.Mutex
	server  *fuse.Server
	mounted bool
}

// MountConfig contains mount-specific settings.
type MountConfig struct {
	MountPoint  string        `yaml:"mount_point"`
	AllowOther  bool          `yaml:"allow_other"`
	AllowRoot   bool          `yaml:"allow_root"`
	AutoUnmount bool          `yaml:"auto_unmount"`
	Debug       bool          `yaml:"debug"`
	FSName      string        `yaml:"fsname"`
	AttrTimeout time.Duration `yaml:"attr_timeout"`
}

func NewMountManager(filesystem *FileSystem, config *MountConfig) *MountManager {
	if config.FSName == "" {
		config.FSName = "httpfs"
	}
	if config.AttrTimeout == 0 {
		config.AttrTimeout = 60 * time.Second
	}
	return &MountManager{
		filesystem: filesystem,
		config:     config,
		logger:     slog.Default().With("component", "mount"),
	}
}

// Mount attaches the filesystem at the configured mount point and starts
// serving kernel requests in the background.
func (m *MountManager) Mount() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mounted {
		return errors.NewError(errors.ErrCodeMountFailed, "filesystem is already mounted").
			WithComponent("mount")
	}

	if err := m.validateMountPoint(); err != nil {
		return errors.Wrap(errors.ErrCodeMountFailed, "invalid mount point", err).
			WithComponent("mount").WithDetail("mount_point", m.config.MountPoint)
	}

	server, err := fs.Mount(m.config.MountPoint, m.filesystem.Root(), m.buildFUSEOptions())
	if err != nil {
		return errors.Wrap(errors.ErrCodeMountFailed, "failed to mount filesystem", err).
			WithComponent("mount").WithDetail("mount_point", m.config.MountPoint)
	}

	m.server = server
	m.mounted = true
	m.logger.Info("filesystem mounted",
		"mount_point", m.config.MountPoint, "file", m.filesystem.config.FileName)
	return nil
}

// Unmount detaches the filesystem, escalating to a lazy unmount when the
// mount point is busy.
func (m *MountManager) Unmount() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.mounted || m.server == nil {
		return errors.NewError(errors.ErrCodeUnmountFailed, "filesystem is not mounted").
			WithComponent("mount")
	}

	m.logger.Info("unmounting filesystem", "mount_point", m.config.MountPoint)
	if err := m.server.Unmount(); err != nil {
		m.logger.Warn("normal unmount failed, trying lazy unmount", "error", err)
		if forceErr := m.forceUnmount(); forceErr != nil {
			return errors.Wrap(errors.ErrCodeUnmountFailed, "unmount failed", err).
				WithComponent("mount").WithDetail("force_error", forceErr.Error())
		}
	}

	m.mounted = false
	m.server = nil
	m.logger.Info("filesystem unmounted")
	return nil
}

// IsMounted reports whether the filesystem is currently attached.
func (m *MountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// Wait blocks until the kernel connection ends, either through Unmount
// or an external umount of the mount point.
func (m *MountManager) Wait() {
	m.mu.Lock()
	server := m.server
	m.mu.Unlock()
	if server != nil {
		server.Wait()
	}
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName:        m.config.FSName,
			Name:          "httpfs",
			AllowOther:    m.config.AllowOther,
			Debug:         m.config.Debug,
			Options:       []string{"ro"},
			DisableXAttrs: true,
		},
		AttrTimeout:  &m.config.AttrTimeout,
		EntryTimeout: &m.config.AttrTimeout,
	}
	if m.config.AllowRoot {
		opts.MountOptions.Options = append(opts.MountOptions.Options, "allow_root")
	}
	if m.config.AutoUnmount {
		opts.MountOptions.Options = append(opts.MountOptions.Options, "auto_unmount")
	}
	return opts
}

func (m *MountManager) validateMountPoint() error {
	if m.config.MountPoint == "" {
		return fmt.Errorf("mount point cannot be empty")
	}

	info, err := os.Stat(m.config.MountPoint)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mount point does not exist: %s", m.config.MountPoint)
		}
		return fmt.Errorf("cannot access mount point: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", m.config.MountPoint)
	}
	return nil
}

func (m *MountManager) forceUnmount() error {
	cmd := exec.Command("fusermount", "-uz", m.config.MountPoint)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("fusermount failed: %w (%s)", err, output)
	}
	return nil
}
