// Package posix implements subvolume.Vtable against a real local
// directory tree: a POSIX brick. Grounded on rclone's backend/local,
// narrowed to the operations DHT actually winds (no FUSE, no metadata
// sidecar): xattr.go for the user.*-prefixed extended attribute calls,
// about_unix.go for the statfs-based usage query, and stat_unix.go for
// translating os.FileInfo into the mode/time fields DHT cares about.
package posix

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	pkgxattr "github.com/pkg/xattr"
	"golang.org/x/sys/unix"

	"github.com/gluster-dht/dht-core/dht/dhterrors"
	"github.com/gluster-dht/dht-core/dht/subvolume"
)

// Brick roots a subvolume at a real directory on local disk.
type Brick struct {
	Root string

	mu    sync.Mutex
	locks map[string]bool // domain\x00path -> held
}

// New roots a brick at root. root must already exist.
func New(root string) *Brick {
	return &Brick{Root: root, locks: make(map[string]bool)}
}

func (b *Brick) full(path string) string {
	return filepath.Join(b.Root, filepath.Clean("/"+path))
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case os.IsNotExist(err):
		return dhterrors.ErrNotExist
	case os.IsExist(err):
		return dhterrors.ErrExist
	}
	if errno, ok := underlyingErrno(err); ok {
		switch errno {
		case syscall.ENOENT:
			return dhterrors.ErrNotExist
		case syscall.EEXIST:
			return dhterrors.ErrExist
		case syscall.ESTALE:
			return dhterrors.ErrStale
		case syscall.ENOSPC:
			return dhterrors.ErrNoSpace
		}
	}
	return err
}

func underlyingErrno(err error) (syscall.Errno, bool) {
	type causer interface{ Unwrap() error }
	for err != nil {
		if errno, ok := err.(syscall.Errno); ok {
			return errno, true
		}
		if pe, ok := err.(*os.PathError); ok {
			err = pe.Err
			continue
		}
		if c, ok := err.(causer); ok {
			err = c.Unwrap()
			continue
		}
		break
	}
	return 0, false
}

func attrFromInfo(fi os.FileInfo) subvolume.Attr {
	a := subvolume.Attr{
		Mode:      uint32(fi.Mode().Perm()),
		Size:      fi.Size(),
		Mtime:     fi.ModTime(),
		IsDir:     fi.IsDir(),
		IsRegular: fi.Mode().IsRegular(),
	}
	if fi.Mode()&os.ModeSticky != 0 {
		a.Mode |= subvolume.ModeSticky
	}
	if fi.Mode()&os.ModeSetgid != 0 {
		a.Mode |= subvolume.ModeSGID
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		a.Nlink = uint32(st.Nlink)
		a.UID = st.Uid
		a.GID = st.Gid
		a.Blocks = uint64(st.Blocks)
		a.Atime = time.Unix(st.Atim.Sec, st.Atim.Nsec)
	}
	return a
}

const gfidXattr = "user.glusterfs.gfid"

func (b *Brick) readGfid(path string) [16]byte {
	var g [16]byte
	v, err := pkgxattr.Get(path, gfidXattr)
	if err == nil && len(v) == 16 {
		copy(g[:], v)
	}
	return g
}

func (b *Brick) Lookup(ctx context.Context, path string, xattrReq []string) (subvolume.Reply, error) {
	return b.Stat(ctx, path)
}

func (b *Brick) Stat(ctx context.Context, path string) (subvolume.Reply, error) {
	fi, err := os.Lstat(b.full(path))
	if err != nil {
		return subvolume.Reply{Err: translateErr(err)}, translateErr(err)
	}
	attr := attrFromInfo(fi)
	attr.Gfid = b.readGfid(b.full(path))
	xattr, _ := b.allUserXattr(b.full(path))
	return subvolume.Reply{Attr: attr, Xattr: xattr}, nil
}

func (b *Brick) Access(ctx context.Context, path string) error {
	_, err := os.Lstat(b.full(path))
	return translateErr(err)
}

func (b *Brick) Readlink(ctx context.Context, path string) (string, error) {
	target, err := os.Readlink(b.full(path))
	return target, translateErr(err)
}

func (b *Brick) Mknod(ctx context.Context, path string, mode uint32, xattrs map[string][]byte) (subvolume.Reply, error) {
	full := b.full(path)
	f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, os.FileMode(mode&0o777))
	if err != nil {
		return subvolume.Reply{Err: translateErr(err)}, translateErr(err)
	}
	f.Close()
	if err := applyPerm(full, mode); err != nil {
		return subvolume.Reply{Err: err}, err
	}
	if err := b.setUserXattr(full, xattrs); err != nil {
		return subvolume.Reply{Err: err}, err
	}
	return b.Stat(ctx, path)
}

func (b *Brick) Mkdir(ctx context.Context, path string, mode uint32, xattrs map[string][]byte) (subvolume.Reply, error) {
	full := b.full(path)
	if err := os.Mkdir(full, os.FileMode(mode&0o777)); err != nil {
		return subvolume.Reply{Err: translateErr(err)}, translateErr(err)
	}
	if err := b.setUserXattr(full, xattrs); err != nil {
		return subvolume.Reply{Err: err}, err
	}
	return b.Stat(ctx, path)
}

func (b *Brick) Create(ctx context.Context, path string, mode uint32, xattrs map[string][]byte) (subvolume.Reply, error) {
	return b.Mknod(ctx, path, mode, xattrs)
}

func applyPerm(full string, mode uint32) error {
	m := os.FileMode(mode & 0o777)
	if mode&subvolume.ModeSticky != 0 {
		m |= os.ModeSticky
	}
	if mode&subvolume.ModeSGID != 0 {
		m |= os.ModeSetgid
	}
	return translateErr(os.Chmod(full, m))
}

func (b *Brick) setUserXattr(full string, xattrs map[string][]byte) error {
	for k, v := range xattrs {
		if err := pkgxattr.Set(full, "user."+k, v); err != nil {
			if pkgxattr.IsNotExist(err) {
				continue
			}
			return translateErr(err)
		}
	}
	return nil
}

func (b *Brick) allUserXattr(full string) (map[string][]byte, error) {
	list, err := pkgxattr.LList(full)
	if err != nil {
		return nil, nil
	}
	out := make(map[string][]byte, len(list))
	for _, k := range list {
		if len(k) <= 5 || k[:5] != "user." {
			continue
		}
		v, err := pkgxattr.LGet(full, k)
		if err != nil {
			continue
		}
		out[k[5:]] = v
	}
	return out, nil
}

func (b *Brick) Unlink(ctx context.Context, path string) (subvolume.Reply, error) {
	err := os.Remove(b.full(path))
	return subvolume.Reply{Err: translateErr(err)}, translateErr(err)
}

func (b *Brick) Rmdir(ctx context.Context, path string) (subvolume.Reply, error) {
	err := os.Remove(b.full(path))
	return subvolume.Reply{Err: translateErr(err)}, translateErr(err)
}

func (b *Brick) Symlink(ctx context.Context, target, path string, xattrs map[string][]byte) (subvolume.Reply, error) {
	full := b.full(path)
	if err := os.Symlink(target, full); err != nil {
		return subvolume.Reply{Err: translateErr(err)}, translateErr(err)
	}
	return b.Stat(ctx, path)
}

func (b *Brick) Link(ctx context.Context, oldPath, newPath string) (subvolume.Reply, error) {
	if err := os.Link(b.full(oldPath), b.full(newPath)); err != nil {
		return subvolume.Reply{Err: translateErr(err)}, translateErr(err)
	}
	return b.Stat(ctx, newPath)
}

func (b *Brick) Rename(ctx context.Context, oldPath, newPath string) (subvolume.Reply, error) {
	if err := os.Rename(b.full(oldPath), b.full(newPath)); err != nil {
		return subvolume.Reply{Err: translateErr(err)}, translateErr(err)
	}
	return b.Stat(ctx, newPath)
}

type fileHandle struct {
	path string
	f    *os.File
}

func (h *fileHandle) Path() string { return h.path }

func (b *Brick) Open(ctx context.Context, path string) (subvolume.FileHandle, error) {
	f, err := os.OpenFile(b.full(path), os.O_RDWR, 0)
	if err != nil {
		return nil, translateErr(err)
	}
	return &fileHandle{path: path, f: f}, nil
}

func (b *Brick) Readv(ctx context.Context, h subvolume.FileHandle, buf []byte, off int64) (int, subvolume.Attr, error) {
	fh := h.(*fileHandle)
	n, err := fh.f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return n, subvolume.Attr{}, translateErr(err)
	}
	fi, statErr := fh.f.Stat()
	if statErr != nil {
		return n, subvolume.Attr{}, translateErr(statErr)
	}
	return n, attrFromInfo(fi), nil
}

func (b *Brick) Writev(ctx context.Context, h subvolume.FileHandle, buf []byte, off int64) (int, subvolume.Attr, error) {
	fh := h.(*fileHandle)
	n, err := fh.f.WriteAt(buf, off)
	if err != nil {
		return n, subvolume.Attr{}, translateErr(err)
	}
	fi, statErr := fh.f.Stat()
	if statErr != nil {
		return n, subvolume.Attr{}, translateErr(statErr)
	}
	return n, attrFromInfo(fi), nil
}

func (b *Brick) Flush(ctx context.Context, h subvolume.FileHandle) error {
	return nil
}

func (b *Brick) Fsync(ctx context.Context, h subvolume.FileHandle) error {
	return translateErr(h.(*fileHandle).f.Sync())
}

func (b *Brick) Truncate(ctx context.Context, path string, size int64) (subvolume.Reply, error) {
	if err := os.Truncate(b.full(path), size); err != nil {
		return subvolume.Reply{Err: translateErr(err)}, translateErr(err)
	}
	return b.Stat(context.Background(), path)
}

func (b *Brick) Ftruncate(ctx context.Context, h subvolume.FileHandle, size int64) (subvolume.Reply, error) {
	fh := h.(*fileHandle)
	if err := fh.f.Truncate(size); err != nil {
		return subvolume.Reply{Err: translateErr(err)}, translateErr(err)
	}
	return b.Stat(ctx, fh.path)
}

func (b *Brick) Setattr(ctx context.Context, path string, attr subvolume.Attr, valid subvolume.AttrMask) (subvolume.Reply, error) {
	full := b.full(path)
	if valid&subvolume.AttrMode != 0 {
		if err := applyPerm(full, attr.Mode); err != nil {
			return subvolume.Reply{Err: err}, err
		}
	}
	if valid&(subvolume.AttrUID|subvolume.AttrGID) != 0 {
		uid, gid := -1, -1
		if valid&subvolume.AttrUID != 0 {
			uid = int(attr.UID)
		}
		if valid&subvolume.AttrGID != 0 {
			gid = int(attr.GID)
		}
		if err := os.Lchown(full, uid, gid); err != nil {
			return subvolume.Reply{Err: translateErr(err)}, translateErr(err)
		}
	}
	if valid&subvolume.AttrSize != 0 {
		if err := os.Truncate(full, attr.Size); err != nil {
			return subvolume.Reply{Err: translateErr(err)}, translateErr(err)
		}
	}
	if valid&(subvolume.AttrAtime|subvolume.AttrMtime) != 0 {
		fi, err := os.Lstat(full)
		if err != nil {
			return subvolume.Reply{Err: translateErr(err)}, translateErr(err)
		}
		at, mt := attrFromInfo(fi).Atime, attr.Mtime
		if valid&subvolume.AttrAtime != 0 {
			at = attr.Atime
		}
		if valid&subvolume.AttrMtime == 0 {
			mt = fi.ModTime()
		}
		if err := os.Chtimes(full, at, mt); err != nil {
			return subvolume.Reply{Err: translateErr(err)}, translateErr(err)
		}
	}
	return b.Stat(ctx, path)
}

func (b *Brick) Fsetattr(ctx context.Context, h subvolume.FileHandle, attr subvolume.Attr, valid subvolume.AttrMask) (subvolume.Reply, error) {
	return b.Setattr(ctx, h.(*fileHandle).path, attr, valid)
}

func (b *Brick) Getxattr(ctx context.Context, path string, key string) ([]byte, error) {
	v, err := pkgxattr.LGet(b.full(path), "user."+key)
	if err != nil {
		return nil, translateErr(err)
	}
	return v, nil
}

func (b *Brick) Setxattr(ctx context.Context, path string, key string, value []byte) error {
	return translateErr(pkgxattr.LSet(b.full(path), "user."+key, value))
}

func (b *Brick) Listxattr(ctx context.Context, path string) ([]string, error) {
	list, err := pkgxattr.LList(b.full(path))
	if err != nil {
		return nil, translateErr(err)
	}
	var out []string
	for _, k := range list {
		if len(k) > 5 && k[:5] == "user." {
			out = append(out, k[5:])
		}
	}
	return out, nil
}

func (b *Brick) Removexattr(ctx context.Context, path string, key string) error {
	return translateErr(pkgxattr.LRemove(b.full(path), "user."+key))
}

func (b *Brick) Readdir(ctx context.Context, path string) ([]subvolume.DirEntry, error) {
	entries, err := os.ReadDir(b.full(path))
	if err != nil {
		return nil, translateErr(err)
	}
	out := make([]subvolume.DirEntry, 0, len(entries))
	for _, e := range entries {
		var attr *subvolume.Attr
		if fi, err := e.Info(); err == nil {
			a := attrFromInfo(fi)
			attr = &a
		}
		out = append(out, subvolume.DirEntry{Name: e.Name(), Attr: attr})
	}
	return out, nil
}

func (b *Brick) Statfs(ctx context.Context, path string) (subvolume.Statvfs, error) {
	var s unix.Statfs_t
	if err := unix.Statfs(b.full(path), &s); err != nil {
		return subvolume.Statvfs{}, translateErr(err)
	}
	return subvolume.Statvfs{
		Bsize:  uint64(s.Bsize),
		Frsize: uint64(s.Frsize),
		Blocks: s.Blocks,
		Bfree:  s.Bfree,
		Bavail: s.Bavail,
		Files:  s.Files,
		Ffree:  s.Ffree,
	}, nil
}

// Inodelk implements a process-local advisory lock keyed by
// (domain, path). It stands in for GlusterFS's network inodelk protocol:
// good enough to serialize DHT's own migrate-vs-rename race within one
// process, not a substitute for a real distributed lock manager across
// independent brick servers.
func (b *Brick) Inodelk(ctx context.Context, domain, path string, lock bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := domain + "\x00" + path
	if lock {
		if b.locks[key] {
			return fmt.Errorf("posix: %s already locked", key)
		}
		b.locks[key] = true
		return nil
	}
	delete(b.locks, key)
	return nil
}

var _ subvolume.Vtable = (*Brick)(nil)
var _ fs.FS = (*rootFS)(nil)

// rootFS lets a Brick be consulted via io/fs for read-only diagnostics
// without going through the Vtable.
type rootFS struct{ root string }

func (r rootFS) Open(name string) (fs.File, error) {
	return os.Open(filepath.Join(r.root, name))
}

// FS returns an io/fs.FS rooted at the brick, for read-only diagnostics.
func (b *Brick) FS() fs.FS { return rootFS{root: b.Root} }
