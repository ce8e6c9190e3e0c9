package fuse

import (
	"os"
	"testing"
)

func TestValidateMountPointRejectsMissingAndNonDir(t *testing.T) {
	mgr := NewMountManager(nil, &MountConfig{MountPoint: "", Options: &MountOptions{}})
	if err := mgr.validateMountPoint(); err == nil {
		t.Error("expected error for empty mount point")
	}

	mgr.config.MountPoint = t.TempDir() + "/does-not-exist"
	if err := mgr.validateMountPoint(); err == nil {
		t.Error("expected error for nonexistent mount point")
	}

	file := t.TempDir() + "/not-a-dir"
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write fixture file: %v", err)
	}
	mgr.config.MountPoint = file
	if err := mgr.validateMountPoint(); err == nil {
		t.Error("expected error when mount point is a regular file")
	}

	mgr.config.MountPoint = t.TempDir()
	if err := mgr.validateMountPoint(); err != nil {
		t.Errorf("validateMountPoint on a real directory: %v", err)
	}
}

func TestUnmountWithoutMountReturnsError(t *testing.T) {
	mgr := NewMountManager(nil, &MountConfig{MountPoint: t.TempDir(), Options: &MountOptions{}})
	if err := mgr.Unmount(); err == nil {
		t.Error("expected Unmount to fail when nothing is mounted")
	}
	if mgr.IsMounted() {
		t.Error("IsMounted should report false before Mount is called")
	}
}

func TestBuildFUSEOptionsMarksReadOnly(t *testing.T) {
	mgr := NewMountManager(nil, &MountConfig{
		MountPoint: t.TempDir(),
		Options:    &MountOptions{FSName: "mucachefs", Subtype: "mucachefs", AllowRoot: true},
	})
	opts := mgr.buildFUSEOptions()

	found := false
	for _, o := range opts.Options {
		if o == "ro" {
			found = true
		}
	}
	if !found {
		t.Error("expected \"ro\" mount option for a read-only filesystem")
	}
}
