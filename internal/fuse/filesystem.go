package fuse

import (
	"context"
	"io"
	"log"
	"path"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/gonlo2/mucachefs/internal/vfs"
	"github.com/gonlo2/mucachefs/pkg/types"
)

// FileSystem is the kernel-facing glue translating go-fuse callbacks
// into calls against the façade (internal/vfs). It holds no cache
// state of its own — every read, lookup and directory listing is
// answered by the façade and the metadata store behind it.
type FileSystem struct {
	facade *vfs.Filesystem
}

// NewFileSystem wraps facade for mounting.
func NewFileSystem(facade *vfs.Filesystem) *FileSystem {
	return &FileSystem{facade: facade}
}

// Root returns the root inode.
func (fsys *FileSystem) Root() fs.InodeEmbedder {
	return &DirectoryNode{fsys: fsys, path: "/"}
}

func fillAttr(out *fuse.Attr, st *types.StatInfo, ino int64) {
	out.Ino = uint64(ino)
	out.Mode = st.Mode
	out.Size = uint64(st.Size)
	out.Uid = st.UID
	out.Gid = st.GID
	out.Nlink = uint32(st.Nlink)
	out.Rdev = uint32(st.Dev)
	out.Atime = uint64(st.Atime)
	out.Mtime = uint64(st.Mtime)
	out.Ctime = uint64(st.Ctime)
}

// childPath joins a directory's virtual path with a child name,
// keeping the forward-slash convention the store uses regardless of host OS.
func childPath(dir, name string) string {
	return path.Join(dir, name)
}

// DirectoryNode is a directory inode. Writes (Mkdir, Create, Rename,
// Unlink, ...) are not implemented: the mount is read-only end to end.
type DirectoryNode struct {
	fs.Inode
	fsys *FileSystem
	path string
}

// Lookup resolves name under this directory.
func (n *DirectoryNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	cp := childPath(n.path, name)

	id, st, ok, err := n.fsys.facade.Lookup(cp)
	if err != nil {
		log.Printf("lookup %s: %v", cp, err)
		return nil, syscall.EIO
	}
	if !ok {
		return nil, syscall.ENOENT
	}

	fillAttr(&out.Attr, st, id)
	mode := st.Mode & syscall.S_IFMT

	var child fs.InodeEmbedder
	if mode == syscall.S_IFDIR {
		child = &DirectoryNode{fsys: n.fsys, path: cp}
	} else {
		child = &FileNode{fsys: n.fsys, path: cp}
	}

	return n.NewInode(ctx, child, fs.StableAttr{Mode: mode, Ino: uint64(id)}), 0
}

// Getattr returns this directory's stat group.
func (n *DirectoryNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	st, ok, err := n.fsys.facade.GetAttr(n.path)
	if err != nil {
		log.Printf("getattr %s: %v", n.path, err)
		return syscall.EIO
	}
	if !ok {
		return syscall.ENOENT
	}
	fillAttr(&out.Attr, st, int64(n.StableAttr().Ino))
	return 0
}

// Readdir lists this directory's children.
func (n *DirectoryNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	names, ok, err := n.fsys.facade.ReadDir(n.path)
	if err != nil {
		log.Printf("readdir %s: %v", n.path, err)
		return nil, syscall.EIO
	}
	if !ok {
		return nil, syscall.ENOENT
	}

	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		cp := childPath(n.path, name)
		_, st, ok, err := n.fsys.facade.Lookup(cp)
		if err != nil || !ok {
			continue
		}
		entries = append(entries, fuse.DirEntry{
			Name: name,
			Mode: st.Mode & syscall.S_IFMT,
		})
	}
	return fs.NewListDirStream(entries), 0
}

// FileNode is a regular file inode.
type FileNode struct {
	fs.Inode
	fsys *FileSystem
	path string
}

// Open rejects anything but read-only access and opens the façade's
// per-file handle, returning the entry id as the kernel file handle.
func (f *FileNode) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	const writeFlags = syscall.O_WRONLY | syscall.O_RDWR | syscall.O_CREAT | syscall.O_TRUNC
	if flags&writeFlags != 0 {
		return nil, 0, syscall.EROFS
	}

	id, ok, err := f.fsys.facade.Open(ctx, f.path)
	if err != nil {
		log.Printf("open %s: %v", f.path, err)
		return nil, 0, syscall.EIO
	}
	if !ok {
		return nil, 0, syscall.ENOENT
	}

	return &FileHandle{fsys: f.fsys, path: f.path, id: id}, fuse.FOPEN_KEEP_CACHE, 0
}

// Getattr returns this file's stat group.
func (f *FileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	st, ok, err := f.fsys.facade.GetAttr(f.path)
	if err != nil {
		log.Printf("getattr %s: %v", f.path, err)
		return syscall.EIO
	}
	if !ok {
		return syscall.ENOENT
	}
	fillAttr(&out.Attr, st, int64(f.StableAttr().Ino))
	return 0
}

// FileHandle is one façade-backed open file. id is the entry's
// metadata-store id, doubling as the façade's file handle key.
type FileHandle struct {
	fsys *FileSystem
	path string
	id   int64
}

// Read serves up to len(dest) bytes at off.
func (fh *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := fh.fsys.facade.Read(ctx, fh.path, fh.id, int64(len(dest)), off)
	if err != nil && err != io.EOF {
		log.Printf("read %s at %d: %v", fh.path, off, err)
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(data), 0
}

// Release closes the façade handle.
func (fh *FileHandle) Release(ctx context.Context) syscall.Errno {
	if _, err := fh.fsys.facade.Close(ctx, fh.id); err != nil {
		log.Printf("close %s: %v", fh.path, err)
		return syscall.EIO
	}
	return 0
}
