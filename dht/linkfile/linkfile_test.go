package linkfile

import (
	"context"
	"testing"

	"github.com/gluster-dht/dht-core/dht/subvolume"
	"github.com/gluster-dht/dht-core/dht/subvolume/subvtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHandle(name string) (*subvolume.Handle, *subvtest.Fake) {
	fake := subvtest.New()
	h := subvolume.New(name, 0, fake)
	h.SetStatus(subvolume.EventChildUp)
	return h, fake
}

func TestIsLinkfileRequiresModeAndXattr(t *testing.T) {
	assert.True(t, IsLinkfile(subvolume.Attr{Mode: subvolume.LinkfileMode}, map[string][]byte{XattrName: []byte("b")}))
	assert.False(t, IsLinkfile(subvolume.Attr{Mode: subvolume.LinkfileMode}, nil))
	assert.False(t, IsLinkfile(subvolume.Attr{Mode: 0o644}, map[string][]byte{XattrName: []byte("b")}))
}

func TestCreateThenLookupResolvesTarget(t *testing.T) {
	a, _ := newHandle("a")
	b, _ := newHandle("b")
	ctx := context.Background()
	gfid := NewGfid()

	require.NoError(t, Create(ctx, a, b, "/f", gfid, 1000, 1000))

	reply, err := a.VT.Lookup(ctx, "/f", []string{XattrName})
	require.NoError(t, err)
	assert.True(t, IsLinkfile(reply.Attr, reply.Xattr))

	target, ok := TargetSubvol(reply.Xattr)
	require.True(t, ok)
	assert.Equal(t, "b", target)
}

func TestCreateReusesExistingLinkfileToSameTarget(t *testing.T) {
	a, _ := newHandle("a")
	b, _ := newHandle("b")
	ctx := context.Background()
	gfid := NewGfid()

	require.NoError(t, Create(ctx, a, b, "/f", gfid, 1000, 1000))
	// second create to the same target must be a no-op success, not EEXIST.
	require.NoError(t, Create(ctx, a, b, "/f", gfid, 1000, 1000))
}

func TestCreateFailsWhenRealFileOccupiesPath(t *testing.T) {
	a, fake := newHandle("a")
	b, _ := newHandle("b")
	ctx := context.Background()
	fake.PutFile("/f", 0o644, [16]byte{}, nil, []byte("real data"))

	err := Create(ctx, a, b, "/f", NewGfid(), 1000, 1000)
	assert.Error(t, err)
}

func TestSweepRemovesLinkWithMissingTarget(t *testing.T) {
	a, fake := newHandle("a")
	ctx := context.Background()
	fake.PutFile("/stale", subvolume.LinkfileMode, [16]byte{}, map[string][]byte{XattrName: []byte("gone")}, nil)

	check := StaleCheck{
		TargetExists:  func(name string) bool { return false },
		TargetHasData: func(ctx context.Context, target, path string) bool { return false },
	}
	removed, err := Sweep(ctx, check, a, "/stale", map[string][]byte{XattrName: []byte("gone")})
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = a.VT.Lookup(ctx, "/stale", nil)
	assert.Error(t, err)
}

func TestSweepKeepsLinkWithLiveTarget(t *testing.T) {
	a, fake := newHandle("a")
	ctx := context.Background()
	fake.PutFile("/live", subvolume.LinkfileMode, [16]byte{}, map[string][]byte{XattrName: []byte("b")}, nil)

	check := StaleCheck{
		TargetExists:  func(name string) bool { return true },
		TargetHasData: func(ctx context.Context, target, path string) bool { return true },
	}
	removed, err := Sweep(ctx, check, a, "/live", map[string][]byte{XattrName: []byte("b")})
	require.NoError(t, err)
	assert.False(t, removed)
}
