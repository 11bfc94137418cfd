// Package subvtest provides an in-memory fake of subvolume.Vtable for
// tests across the dht packages, so each package's tests don't need to
// hand-roll a 30-method stub. It is a test double, not a real brick —
// dht/subvolume/posix is the real POSIX implementation.
package subvtest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gluster-dht/dht-core/dht/dhterrors"
	"github.com/gluster-dht/dht-core/dht/subvolume"
)

type node struct {
	attr  subvolume.Attr
	xattr map[string][]byte
	data  []byte
}

// Fake is an in-memory filesystem implementing subvolume.Vtable, keyed by
// path. It is safe for concurrent use.
type Fake struct {
	mu    sync.Mutex
	nodes map[string]*node
	locks map[string]bool

	// Hooks let a test override behavior for specific calls before
	// falling through to the default in-memory behavior.
	LookupHook func(path string) (subvolume.Reply, error, bool)
}

// New returns an empty fake with just the root directory present.
func New() *Fake {
	f := &Fake{nodes: make(map[string]*node), locks: make(map[string]bool)}
	f.nodes["/"] = &node{attr: subvolume.Attr{IsDir: true}}
	return f
}

// PutFile seeds a regular file directly, bypassing Create, for test setup.
func (f *Fake) PutFile(path string, mode uint32, gfid [16]byte, xattr map[string][]byte, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[path] = &node{
		attr:  subvolume.Attr{Mode: mode, IsRegular: true, Gfid: gfid, Size: int64(len(data))},
		xattr: cloneMap(xattr),
		data:  append([]byte(nil), data...),
	}
}

// PutDir seeds a directory.
func (f *Fake) PutDir(path string, xattr map[string][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[path] = &node{attr: subvolume.Attr{IsDir: true}, xattr: cloneMap(xattr)}
}

func cloneMap(m map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

func (f *Fake) Lookup(ctx context.Context, path string, xattrReq []string) (subvolume.Reply, error) {
	if f.LookupHook != nil {
		if r, err, handled := f.LookupHook(path); handled {
			return r, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[path]
	if !ok {
		return subvolume.Reply{Err: dhterrors.ErrNotExist}, dhterrors.ErrNotExist
	}
	return subvolume.Reply{Attr: n.attr, Xattr: cloneMap(n.xattr)}, nil
}

func (f *Fake) Stat(ctx context.Context, path string) (subvolume.Reply, error) {
	return f.Lookup(ctx, path, nil)
}

func (f *Fake) Access(ctx context.Context, path string) error {
	_, err := f.Lookup(ctx, path, nil)
	return err
}

func (f *Fake) Readlink(ctx context.Context, path string) (string, error) {
	return "", fmt.Errorf("not a symlink")
}

func (f *Fake) Mknod(ctx context.Context, path string, mode uint32, xattrs map[string][]byte) (subvolume.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.nodes[path]; exists {
		return subvolume.Reply{Err: dhterrors.ErrExist}, dhterrors.ErrExist
	}
	attr := subvolume.Attr{Mode: mode, IsRegular: true, Nlink: 1}
	if g, ok := xattrs["gfid-req"]; ok && len(g) == 16 {
		copy(attr.Gfid[:], g)
	}
	f.nodes[path] = &node{attr: attr, xattr: cloneMap(xattrs)}
	return subvolume.Reply{Attr: attr}, nil
}

func (f *Fake) Mkdir(ctx context.Context, path string, mode uint32, xattrs map[string][]byte) (subvolume.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.nodes[path]; exists {
		return subvolume.Reply{Err: dhterrors.ErrExist}, dhterrors.ErrExist
	}
	attr := subvolume.Attr{Mode: mode, IsDir: true}
	f.nodes[path] = &node{attr: attr, xattr: cloneMap(xattrs)}
	return subvolume.Reply{Attr: attr}, nil
}

func (f *Fake) Create(ctx context.Context, path string, mode uint32, xattrs map[string][]byte) (subvolume.Reply, error) {
	return f.Mknod(ctx, path, mode, xattrs)
}

func (f *Fake) Unlink(ctx context.Context, path string) (subvolume.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.nodes[path]; !exists {
		return subvolume.Reply{Err: dhterrors.ErrNotExist}, dhterrors.ErrNotExist
	}
	delete(f.nodes, path)
	return subvolume.Reply{}, nil
}

func (f *Fake) Rmdir(ctx context.Context, path string) (subvolume.Reply, error) {
	return f.Unlink(ctx, path)
}

func (f *Fake) Symlink(ctx context.Context, target, path string, xattrs map[string][]byte) (subvolume.Reply, error) {
	return subvolume.Reply{}, fmt.Errorf("symlink not supported by fake")
}

func (f *Fake) Link(ctx context.Context, oldPath, newPath string) (subvolume.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[oldPath]
	if !ok {
		return subvolume.Reply{Err: dhterrors.ErrNotExist}, dhterrors.ErrNotExist
	}
	n.attr.Nlink++
	f.nodes[newPath] = n
	return subvolume.Reply{Attr: n.attr}, nil
}

func (f *Fake) Rename(ctx context.Context, oldPath, newPath string) (subvolume.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[oldPath]
	if !ok {
		return subvolume.Reply{Err: dhterrors.ErrNotExist}, dhterrors.ErrNotExist
	}
	delete(f.nodes, oldPath)
	f.nodes[newPath] = n
	return subvolume.Reply{Attr: n.attr}, nil
}

type fakeHandle struct{ path string }

func (h fakeHandle) Path() string { return h.path }

func (f *Fake) Open(ctx context.Context, path string) (subvolume.FileHandle, error) {
	f.mu.Lock()
	_, ok := f.nodes[path]
	f.mu.Unlock()
	if !ok {
		return nil, dhterrors.ErrNotExist
	}
	return fakeHandle{path: path}, nil
}

func (f *Fake) Readv(ctx context.Context, h subvolume.FileHandle, buf []byte, off int64) (int, subvolume.Attr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[h.Path()]
	if !ok {
		return 0, subvolume.Attr{}, dhterrors.ErrNotExist
	}
	if off >= int64(len(n.data)) {
		return 0, n.attr, nil
	}
	c := copy(buf, n.data[off:])
	return c, n.attr, nil
}

func (f *Fake) Writev(ctx context.Context, h subvolume.FileHandle, buf []byte, off int64) (int, subvolume.Attr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[h.Path()]
	if !ok {
		return 0, subvolume.Attr{}, dhterrors.ErrNotExist
	}
	end := off + int64(len(buf))
	if end > int64(len(n.data)) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[off:end], buf)
	n.attr.Size = int64(len(n.data))
	return len(buf), n.attr, nil
}

func (f *Fake) Flush(ctx context.Context, h subvolume.FileHandle) error { return nil }
func (f *Fake) Fsync(ctx context.Context, h subvolume.FileHandle) error { return nil }

func (f *Fake) Truncate(ctx context.Context, path string, size int64) (subvolume.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[path]
	if !ok {
		return subvolume.Reply{Err: dhterrors.ErrNotExist}, dhterrors.ErrNotExist
	}
	if size < int64(len(n.data)) {
		n.data = n.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, n.data)
		n.data = grown
	}
	n.attr.Size = size
	return subvolume.Reply{Attr: n.attr}, nil
}

func (f *Fake) Ftruncate(ctx context.Context, h subvolume.FileHandle, size int64) (subvolume.Reply, error) {
	return f.Truncate(ctx, h.Path(), size)
}

func (f *Fake) Setattr(ctx context.Context, path string, attr subvolume.Attr, valid subvolume.AttrMask) (subvolume.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[path]
	if !ok {
		return subvolume.Reply{Err: dhterrors.ErrNotExist}, dhterrors.ErrNotExist
	}
	applyAttr(&n.attr, attr, valid)
	return subvolume.Reply{Attr: n.attr}, nil
}

func (f *Fake) Fsetattr(ctx context.Context, h subvolume.FileHandle, attr subvolume.Attr, valid subvolume.AttrMask) (subvolume.Reply, error) {
	return f.Setattr(ctx, h.Path(), attr, valid)
}

func applyAttr(dst *subvolume.Attr, src subvolume.Attr, valid subvolume.AttrMask) {
	if valid&subvolume.AttrMode != 0 {
		dst.Mode = src.Mode
	}
	if valid&subvolume.AttrUID != 0 {
		dst.UID = src.UID
	}
	if valid&subvolume.AttrGID != 0 {
		dst.GID = src.GID
	}
	if valid&subvolume.AttrSize != 0 {
		dst.Size = src.Size
	}
	if valid&subvolume.AttrAtime != 0 {
		dst.Atime = src.Atime
	}
	if valid&subvolume.AttrMtime != 0 {
		dst.Mtime = src.Mtime
	}
}

func (f *Fake) Getxattr(ctx context.Context, path string, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[path]
	if !ok {
		return nil, dhterrors.ErrNotExist
	}
	v, ok := n.xattr[key]
	if !ok {
		return nil, fmt.Errorf("xattr %q not set", key)
	}
	return v, nil
}

func (f *Fake) Setxattr(ctx context.Context, path string, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[path]
	if !ok {
		return dhterrors.ErrNotExist
	}
	if n.xattr == nil {
		n.xattr = make(map[string][]byte)
	}
	n.xattr[key] = append([]byte(nil), value...)
	return nil
}

func (f *Fake) Listxattr(ctx context.Context, path string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[path]
	if !ok {
		return nil, dhterrors.ErrNotExist
	}
	keys := make([]string, 0, len(n.xattr))
	for k := range n.xattr {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *Fake) Removexattr(ctx context.Context, path string, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[path]
	if !ok {
		return dhterrors.ErrNotExist
	}
	delete(n.xattr, key)
	return nil
}

func (f *Fake) Readdir(ctx context.Context, path string) ([]subvolume.DirEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []subvolume.DirEntry
	prefix := path
	if prefix != "/" {
		prefix += "/"
	} else {
		prefix = "/"
	}
	for p, n := range f.nodes {
		if p == path || !sameDir(p, path) {
			continue
		}
		attr := n.attr
		out = append(out, subvolume.DirEntry{Name: base(p), Attr: &attr})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func sameDir(p, dir string) bool {
	d := parentOf(p)
	return d == dir
}

func parentOf(p string) string {
	i := lastSlash(p)
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

func lastSlash(p string) int {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return i
		}
	}
	return -1
}

func base(p string) string {
	i := lastSlash(p)
	return p[i+1:]
}

func (f *Fake) Statfs(ctx context.Context, path string) (subvolume.Statvfs, error) {
	return subvolume.Statvfs{Bsize: 4096, Frsize: 4096, Blocks: 1000, Bfree: 500, Bavail: 500, Files: 100, Ffree: 50}, nil
}

func (f *Fake) Inodelk(ctx context.Context, domain, path string, lock bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := domain + "\x00" + path
	if lock {
		if f.locks[key] {
			return fmt.Errorf("already locked: %s", key)
		}
		f.locks[key] = true
		return nil
	}
	delete(f.locks, key)
	return nil
}

var _ subvolume.Vtable = (*Fake)(nil)
