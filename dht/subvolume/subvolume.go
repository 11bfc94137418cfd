// Package subvolume defines the operation vtable every DHT subvolume
// (brick) exposes, plus the bookkeeping the cluster keeps about each
// subvolume's identity and liveness. Grounded on backend/union/upstream/upstream.go's
// Fs wrapper, adapted from wrapping an rclone fs.Fs to wrapping DHT's own
// vtable.
package subvolume

import (
	"context"
	"time"
)

// Attr is the iatt-equivalent attribute bundle operations exchange.
type Attr struct {
	Gfid    [16]byte
	Mode    uint32 // standard Unix mode bits, including S_ISUID/S_ISGID/sticky
	Size    int64
	Nlink   uint32
	UID     uint32
	GID     uint32
	Blocks  uint64
	Mtime   time.Time
	Atime   time.Time
	IsDir   bool
	IsRegular bool
}

const (
	// ModeSticky is the sticky bit (S_ISVTX), used alone as the linkfile
	// marker and, combined with ModeSGID, as the phase-1 migration marker.
	ModeSticky = 1 << 9
	// ModeSGID is the set-group-id bit, combined with ModeSticky to mark
	// phase-1 migration in progress.
	ModeSGID = 1 << 10
	// LinkfileMode is the full mode of a zero-length linkto pointer file:
	// a regular file with only the sticky bit set.
	LinkfileMode = 0 | ModeSticky
)

// Reply is the common envelope every vtable call returns: a result plus
// whatever typed fields that operation produces: a result plus
// whatever typed fields this particular call contributes.
type Reply struct {
	Err        error
	Attr       Attr
	Preparent  Attr
	Postparent Attr
	Xattr      map[string][]byte
}

// Vtable is the set of filesystem operations DHT calls downward on each
// subvolume. Every subvolume (a local POSIX brick, or a test double)
// implements this. Calls are synchronous from the caller's point of view
// in this Go port — the original's continuation-passing style becomes
// ordinary goroutines and blocking calls: fanout.DispatchAll
// winds one goroutine per subvolume, each of which calls a Vtable method
// and blocks only that goroutine, exactly matching "control returns
// immediately [to the fan-out dispatcher]" at the frame level.
type Vtable interface {
	Lookup(ctx context.Context, path string, xattrReq []string) (Reply, error)
	Stat(ctx context.Context, path string) (Reply, error)
	Access(ctx context.Context, path string) error
	Readlink(ctx context.Context, path string) (string, error)

	Mknod(ctx context.Context, path string, mode uint32, xattrs map[string][]byte) (Reply, error)
	Mkdir(ctx context.Context, path string, mode uint32, xattrs map[string][]byte) (Reply, error)
	Create(ctx context.Context, path string, mode uint32, xattrs map[string][]byte) (Reply, error)
	Unlink(ctx context.Context, path string) (Reply, error)
	Rmdir(ctx context.Context, path string) (Reply, error)
	Symlink(ctx context.Context, target, path string, xattrs map[string][]byte) (Reply, error)
	Link(ctx context.Context, oldPath, newPath string) (Reply, error)
	Rename(ctx context.Context, oldPath, newPath string) (Reply, error)

	Open(ctx context.Context, path string) (FileHandle, error)
	Readv(ctx context.Context, h FileHandle, buf []byte, off int64) (int, Attr, error)
	Writev(ctx context.Context, h FileHandle, buf []byte, off int64) (int, Attr, error)
	Flush(ctx context.Context, h FileHandle) error
	Fsync(ctx context.Context, h FileHandle) error
	Truncate(ctx context.Context, path string, size int64) (Reply, error)
	Ftruncate(ctx context.Context, h FileHandle, size int64) (Reply, error)

	Setattr(ctx context.Context, path string, attr Attr, valid AttrMask) (Reply, error)
	Fsetattr(ctx context.Context, h FileHandle, attr Attr, valid AttrMask) (Reply, error)

	Getxattr(ctx context.Context, path string, key string) ([]byte, error)
	Setxattr(ctx context.Context, path string, key string, value []byte) error
	Listxattr(ctx context.Context, path string) ([]string, error)
	Removexattr(ctx context.Context, path string, key string) error

	Readdir(ctx context.Context, path string) ([]DirEntry, error)

	Statfs(ctx context.Context, path string) (Statvfs, error)

	// Inodelk acquires or releases a distributed inode lock on a named
	// domain (e.g. "dht.file.migrate"/"dht.layout.heal").
	Inodelk(ctx context.Context, domain, path string, lock bool) error
}

// FileHandle is an opaque open-file handle, analogous to an fd_t.
type FileHandle interface {
	Path() string
}

// AttrMask selects which Attr fields a Setattr/Fsetattr call should apply.
type AttrMask uint32

const (
	AttrMode AttrMask = 1 << iota
	AttrUID
	AttrGID
	AttrSize
	AttrAtime
	AttrMtime
)

// DirEntry is one entry from Readdir: name plus (if readdirp is enabled)
// its attributes, matching the use-readdirp option's effect.
type DirEntry struct {
	Name string
	Attr *Attr // nil unless readdirp populated it
}

// Statvfs mirrors the statfs(2) fields fan-out merges.
type Statvfs struct {
	Bsize, Frsize         uint64
	Blocks, Bfree, Bavail uint64
	Files, Ffree          uint64
}
