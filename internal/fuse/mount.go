package fuse

import (
	"context"
	"fmt"
	"log"
	"os"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// MountManager owns the lifecycle of one FUSE mount.
type MountManager struct {
	filesystem *FileSystem
	server     *fuse.Server
	config     *MountConfig
	mounted    bool
}

// MountConfig is the mount-time configuration; the filesystem is
// always mounted read-only regardless of these options.
type MountConfig struct {
	MountPoint string
	Options    *MountOptions
}

// MountOptions are the subset of go-fuse mount knobs this filesystem
// exposes. There is no write-related knob (no writeback cache, no
// big writes) since the mount never accepts writes.
type MountOptions struct {
	AllowOther   bool
	AllowRoot    bool
	Debug        bool
	FSName       string
	Subtype      string
	MaxRead      uint32
	AttrTimeout  time.Duration
	EntryTimeout time.Duration
}

// NewMountManager constructs a MountManager with sensible defaults
// when config is nil.
func NewMountManager(filesystem *FileSystem, config *MountConfig) *MountManager {
	if config == nil {
		config = &MountConfig{
			Options: &MountOptions{
				MaxRead:      128 * 1024,
				AttrTimeout:  time.Second,
				EntryTimeout: time.Second,
				FSName:       "mucachefs",
				Subtype:      "mucachefs",
			},
		}
	}
	return &MountManager{filesystem: filesystem, config: config}
}

// Mount mounts the filesystem at the configured mount point.
func (m *MountManager) Mount(ctx context.Context) error {
	if m.mounted {
		return fmt.Errorf("filesystem is already mounted")
	}
	if err := m.validateMountPoint(); err != nil {
		return fmt.Errorf("invalid mount point: %w", err)
	}

	server, err := fs.Mount(m.config.MountPoint, m.filesystem.Root(), m.buildFUSEOptions())
	if err != nil {
		return fmt.Errorf("failed to mount filesystem: %w", err)
	}

	m.server = server
	m.mounted = true
	log.Printf("mucachefs mounted at %s", m.config.MountPoint)

	go func() {
		m.server.Wait()
		log.Printf("FUSE server stopped")
		m.mounted = false
	}()
	return nil
}

// Unmount unmounts the filesystem, falling back to a lazy/force
// unmount if the kernel still considers it busy.
func (m *MountManager) Unmount() error {
	if !m.mounted || m.server == nil {
		return fmt.Errorf("filesystem is not mounted")
	}

	log.Printf("unmounting filesystem at %s", m.config.MountPoint)
	if err := m.server.Unmount(); err != nil {
		log.Printf("normal unmount failed, trying force unmount: %v", err)
		if forceErr := m.forceUnmount(); forceErr != nil {
			return fmt.Errorf("unmount failed: %w (force unmount also failed: %v)", err, forceErr)
		}
	}

	m.mounted = false
	m.server = nil
	return nil
}

// IsMounted reports whether the filesystem is currently mounted.
func (m *MountManager) IsMounted() bool {
	return m.mounted
}

// Wait blocks until the mount is torn down.
func (m *MountManager) Wait() {
	if m.server != nil {
		m.server.Wait()
	}
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

func (m *MountManager) buildFUSEOptions() *fs.Options {
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:        m.config.Options.FSName,
			FsName:      m.config.Options.FSName,
			DirectMount: true,
			Debug:       m.config.Options.Debug,
			AllowOther:  m.config.Options.AllowOther,
		},
		AttrTimeout:     &m.config.Options.AttrTimeout,
		EntryTimeout:    &m.config.Options.EntryTimeout,
		NullPermissions: true,
	}

	opts.Options = append(opts.Options, "ro")
	if m.config.Options.AllowRoot {
		opts.Options = append(opts.Options, "allow_root")
	}
	if m.config.Options.Subtype != "" {
		opts.Options = append(opts.Options, fmt.Sprintf("subtype=%s", m.config.Options.Subtype))
	}
	return opts
}

func (m *MountManager) forceUnmount() error {
	if err := syscall.Unmount(m.config.MountPoint, 2); err == nil {
		return nil
	}
	return syscall.Unmount(m.config.MountPoint, 1)
}

