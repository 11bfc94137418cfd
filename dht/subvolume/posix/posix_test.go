package posix

import (
	"context"
	"testing"

	"github.com/gluster-dht/dht-core/dht/dhterrors"
	"github.com/gluster-dht/dht-core/dht/subvolume"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateStatUnlinkRoundTrip(t *testing.T) {
	b := New(t.TempDir())
	ctx := context.Background()

	_, err := b.Create(ctx, "/hello.txt", 0o644, map[string][]byte{"glusterfs.gfid": make([]byte, 16)})
	require.NoError(t, err)

	reply, err := b.Stat(ctx, "/hello.txt")
	require.NoError(t, err)
	assert.True(t, reply.Attr.IsRegular)

	_, err = b.Unlink(ctx, "/hello.txt")
	require.NoError(t, err)

	_, err = b.Stat(ctx, "/hello.txt")
	assert.ErrorIs(t, err, dhterrors.ErrNotExist)
}

func TestMkdirReaddir(t *testing.T) {
	b := New(t.TempDir())
	ctx := context.Background()

	_, err := b.Mkdir(ctx, "/dir", 0o755, nil)
	require.NoError(t, err)
	_, err = b.Create(ctx, "/dir/a", 0o644, nil)
	require.NoError(t, err)
	_, err = b.Create(ctx, "/dir/b", 0o644, nil)
	require.NoError(t, err)

	entries, err := b.Readdir(ctx, "/dir")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestSetxattrGetxattrRoundTrip(t *testing.T) {
	b := New(t.TempDir())
	ctx := context.Background()
	_, err := b.Create(ctx, "/f", 0o644, nil)
	require.NoError(t, err)

	require.NoError(t, b.Setxattr(ctx, "/f", "glusterfs.dht", []byte{1, 2, 3, 4}))
	v, err := b.Getxattr(ctx, "/f", "glusterfs.dht")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, v)

	keys, err := b.Listxattr(ctx, "/f")
	require.NoError(t, err)
	assert.Contains(t, keys, "glusterfs.dht")

	require.NoError(t, b.Removexattr(ctx, "/f", "glusterfs.dht"))
	_, err = b.Getxattr(ctx, "/f", "glusterfs.dht")
	assert.Error(t, err)
}

func TestRenameMovesFile(t *testing.T) {
	b := New(t.TempDir())
	ctx := context.Background()
	_, err := b.Create(ctx, "/old", 0o644, nil)
	require.NoError(t, err)

	_, err = b.Rename(ctx, "/old", "/new")
	require.NoError(t, err)

	_, err = b.Stat(ctx, "/old")
	assert.ErrorIs(t, err, dhterrors.ErrNotExist)
	_, err = b.Stat(ctx, "/new")
	assert.NoError(t, err)
}

func TestLinkfileStickyBitSetattr(t *testing.T) {
	b := New(t.TempDir())
	ctx := context.Background()
	_, err := b.Create(ctx, "/link", 0o644, nil)
	require.NoError(t, err)

	_, err = b.Setattr(ctx, "/link", subvolume.Attr{Mode: subvolume.LinkfileMode}, subvolume.AttrMode)
	require.NoError(t, err)

	reply, err := b.Stat(ctx, "/link")
	require.NoError(t, err)
	assert.NotZero(t, reply.Attr.Mode&subvolume.ModeSticky)
}

func TestWritevReadvRoundTrip(t *testing.T) {
	b := New(t.TempDir())
	ctx := context.Background()
	_, err := b.Create(ctx, "/data", 0o644, nil)
	require.NoError(t, err)

	h, err := b.Open(ctx, "/data")
	require.NoError(t, err)

	n, _, err := b.Writev(ctx, h, []byte("hello world"), 0)
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	buf := make([]byte, 11)
	n, _, err = b.Readv(ctx, h, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf[:n]))
}

func TestStatfsReturnsUsage(t *testing.T) {
	b := New(t.TempDir())
	vfs, err := b.Statfs(context.Background(), "/")
	require.NoError(t, err)
	assert.Greater(t, vfs.Blocks, uint64(0))
}

func TestInodelkRejectsDoubleLock(t *testing.T) {
	b := New(t.TempDir())
	ctx := context.Background()
	require.NoError(t, b.Inodelk(ctx, "dht.file.migrate", "/x", true))
	assert.Error(t, b.Inodelk(ctx, "dht.file.migrate", "/x", true))
	require.NoError(t, b.Inodelk(ctx, "dht.file.migrate", "/x", false))
	assert.NoError(t, b.Inodelk(ctx, "dht.file.migrate", "/x", true))
}
