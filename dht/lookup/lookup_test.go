package lookup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluster-dht/dht-core/dht/dhterrors"
	"github.com/gluster-dht/dht-core/dht/hashfn"
	"github.com/gluster-dht/dht-core/dht/layout"
	"github.com/gluster-dht/dht-core/dht/linkfile"
	"github.com/gluster-dht/dht-core/dht/subvolume"
	"github.com/gluster-dht/dht-core/dht/subvolume/subvtest"
)

type testCluster struct {
	engine  *Engine
	fakes   map[string]*subvtest.Fake
	layout  *layout.Layout
}

func newTestCluster(t *testing.T, names ...string) *testCluster {
	t.Helper()
	munger, err := hashfn.NewMunger("", "")
	require.NoError(t, err)

	handles := make(map[string]*subvolume.Handle, len(names))
	fakes := make(map[string]*subvtest.Fake, len(names))
	for _, n := range names {
		f := subvtest.New()
		h := subvolume.New(n, 0, f)
		h.SetStatus(subvolume.EventChildUp)
		handles[n] = h
		fakes[n] = f
	}

	l := layout.New(len(names), len(names), 1)
	span := uint32(0xffffffff) / uint32(len(names))
	for i, n := range names {
		start := uint32(i) * span
		stop := start + span
		if i == len(names)-1 {
			stop = 0xffffffff
		}
		l.Slices[i] = layout.Slice{Subvol: n, Start: start, Stop: stop}
	}

	return &testCluster{
		engine: &Engine{Handles: handles, Order: names, Munger: munger, SpreadCnt: len(names), SearchUnhashed: true},
		fakes:  fakes,
		layout: l,
	}
}

func TestFreshFindsRegularFileOnHashedSubvol(t *testing.T) {
	tc := newTestCluster(t, "a", "b")
	subvol, err := tc.layout.Search(tc.engine.Munger, "hello")
	require.NoError(t, err)
	tc.fakes[subvol].PutFile("/hello", 0o644, [16]byte{1}, nil, []byte("data"))

	out := tc.engine.Fresh(context.Background(), tc.layout, "/", "hello")
	require.NoError(t, out.Err)
	assert.Equal(t, subvol, out.CachedSubvol)
	assert.True(t, out.Layout.Preset)
}

func TestFreshFollowsLinkfileToCachedSubvol(t *testing.T) {
	tc := newTestCluster(t, "a", "b")
	hashedName, err := tc.layout.Search(tc.engine.Munger, "ptr")
	require.NoError(t, err)
	cachedName := "a"
	if hashedName == "a" {
		cachedName = "b"
	}
	gfid := [16]byte{9}
	tc.fakes[hashedName].PutFile("/ptr", subvolume.LinkfileMode, gfid, map[string][]byte{linkfile.XattrName: []byte(cachedName)}, nil)
	tc.fakes[cachedName].PutFile("/ptr", 0o644, gfid, nil, []byte("real"))

	out := tc.engine.Fresh(context.Background(), tc.layout, "/", "ptr")
	require.NoError(t, out.Err)
	assert.Equal(t, cachedName, out.CachedSubvol)
}

func TestFreshENOENTTriggersEverywhereWhenSearchUnhashed(t *testing.T) {
	tc := newTestCluster(t, "a", "b")
	hashedName, err := tc.layout.Search(tc.engine.Munger, "found-elsewhere")
	require.NoError(t, err)
	otherName := "a"
	if hashedName == "a" {
		otherName = "b"
	}
	tc.fakes[otherName].PutFile("/found-elsewhere", 0o644, [16]byte{2}, nil, nil)

	out := tc.engine.Fresh(context.Background(), tc.layout, "/", "found-elsewhere")
	require.NoError(t, out.Err)
	assert.Equal(t, otherName, out.CachedSubvol)
}

func TestEverywhereReturnsENOENTWhenNowhereFound(t *testing.T) {
	tc := newTestCluster(t, "a", "b")
	out := tc.engine.Everywhere(context.Background(), "/missing")
	assert.Error(t, out.Err)
}

func TestEverywhereDetectsSplitBrain(t *testing.T) {
	tc := newTestCluster(t, "a", "b")
	tc.fakes["a"].PutFile("/x", 0o644, [16]byte{1}, nil, nil)
	tc.fakes["b"].PutDir("/x", nil)

	out := tc.engine.Everywhere(context.Background(), "/x")
	assert.Error(t, out.Err)
}

func TestRevalidatePresetFileUnchangedSucceeds(t *testing.T) {
	tc := newTestCluster(t, "a", "b")
	cached := layout.NewPreset("a")
	tc.fakes["a"].PutFile("/stable", 0o644, [16]byte{3}, nil, []byte("data"))

	out := tc.engine.Revalidate(context.Background(), cached, nil, "/", "stable")
	require.NoError(t, out.Err)
	assert.Equal(t, "a", out.CachedSubvol)
}

func TestRevalidateFileENOENTFallsBackToEverywhere(t *testing.T) {
	tc := newTestCluster(t, "a", "b")
	cached := layout.NewPreset("a")
	// The file is gone from its cached subvolume (e.g. migrated since)
	// but still findable on the other one.
	tc.fakes["b"].PutFile("/moved", 0o644, [16]byte{7}, nil, []byte("data"))

	out := tc.engine.Revalidate(context.Background(), cached, tc.layout, "/", "moved")
	require.NoError(t, out.Err)
	assert.Equal(t, "b", out.CachedSubvol)
}

func TestRevalidateFilePresetNowLinktoReturnsESTALE(t *testing.T) {
	tc := newTestCluster(t, "a", "b")
	cached := layout.NewPreset("a")
	tc.fakes["a"].PutFile("/ptr2", subvolume.LinkfileMode, [16]byte{8}, map[string][]byte{linkfile.XattrName: []byte("b")}, nil)

	out := tc.engine.Revalidate(context.Background(), cached, nil, "/", "ptr2")
	assert.ErrorIs(t, out.Err, dhterrors.ErrStale)
}

func TestRevalidateDirectoryMismatchFallsBackToDirectoryLookup(t *testing.T) {
	tc := newTestCluster(t, "a", "b")
	cached := layout.New(2, 2, 1)
	cached.Slices[0] = layout.Slice{Subvol: "a", Start: 0, Stop: 0x7fffffff}
	cached.Slices[1] = layout.Slice{Subvol: "b", Start: 0x80000000, Stop: 0xffffffff}

	// "/d" used to be a directory on both subvols; "a" now holds a
	// regular file there instead (e.g. recreated after an rm -rf).
	tc.fakes["a"].PutFile("/d", 0o644, [16]byte{5}, nil, []byte("oops"))

	out := tc.engine.Revalidate(context.Background(), cached, nil, "/", "d")
	require.NoError(t, out.Err)
	assert.Equal(t, "a", out.CachedSubvol)
	assert.True(t, out.Attr.IsRegular)
}

func TestEverywhereSweepsStaleLinkto(t *testing.T) {
	tc := newTestCluster(t, "a", "b")
	// "a" holds a linkto pointing at "b", but "b" holds nothing: the
	// pointer is stale and lookup-everywhere should unlink it.
	tc.fakes["a"].PutFile("/stale", subvolume.LinkfileMode, [16]byte{4}, map[string][]byte{linkfile.XattrName: []byte("b")}, nil)

	out := tc.engine.Everywhere(context.Background(), "/stale")
	assert.Error(t, out.Err)

	_, err := tc.fakes["a"].Lookup(context.Background(), "/stale", nil)
	assert.ErrorIs(t, err, dhterrors.ErrNotExist, "the stale linkto should have been swept")
}

func TestDirectoryMergesLayoutAcrossSubvols(t *testing.T) {
	tc := newTestCluster(t, "a", "b")
	encA, ok := tc.layout.EncodeForSubvol("a")
	require.True(t, ok)
	encB, ok := tc.layout.EncodeForSubvol("b")
	require.True(t, ok)
	tc.fakes["a"].PutDir("/d", map[string][]byte{"glusterfs.dht": encA})
	tc.fakes["b"].PutDir("/d", map[string][]byte{"glusterfs.dht": encB})

	out := tc.engine.Directory(context.Background(), "/d")
	require.NoError(t, out.Err)
	require.NotNil(t, out.Layout)
	assert.Len(t, out.Layout.Slices, 2)
}
