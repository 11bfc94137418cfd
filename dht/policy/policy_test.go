package policy

import (
	"context"
	"testing"
	"time"

	"github.com/gluster-dht/dht-core/dht/diskusage"
	"github.com/gluster-dht/dht-core/dht/hashfn"
	"github.com/gluster-dht/dht-core/dht/layout"
	"github.com/gluster-dht/dht-core/dht/subvolume"
	"github.com/gluster-dht/dht-core/dht/subvolume/subvtest"
	"github.com/stretchr/testify/require"
)

type fakeStatfsSource struct {
	vfs subvolume.Statvfs
}

func (f fakeStatfsSource) Statfs(ctx context.Context, path string) (subvolume.Statvfs, error) {
	return f.vfs, nil
}

func twoWayLayout(t *testing.T) (*layout.Layout, map[string]*subvolume.Handle) {
	t.Helper()
	l := layout.New(2, 2, 1)
	l.Slices[0] = layout.Slice{Subvol: "brick-a", Start: 0, Stop: 0x7fffffff}
	l.Slices[1] = layout.Slice{Subvol: "brick-b", Start: 0x80000000, Stop: 0xffffffff}

	a := subvolume.New("brick-a", 0, subvtest.New())
	a.SetStatus(subvolume.EventChildUp)
	b := subvolume.New("brick-b", 1, subvtest.New())
	b.SetStatus(subvolume.EventChildUp)
	return l, map[string]*subvolume.Handle{"brick-a": a, "brick-b": b}
}

func TestRegistryGetReturnsHashedByDefault(t *testing.T) {
	p, err := Get("hashed")
	require.NoError(t, err)
	require.Equal(t, "hashed", p.Name())
}

func TestRegistryGetUnknownFails(t *testing.T) {
	_, err := Get("does-not-exist")
	require.Error(t, err)
}

func TestHashedPicksHashedSubvolWhenNotFull(t *testing.T) {
	l, handles := twoWayLayout(t)
	m, err := hashfn.NewMunger("", "")
	require.NoError(t, err)

	d, err := Hashed{}.NewFileSubvol(context.Background(), Placement{
		Layout: l, Munger: m, Name: "somefile", Path: "/somefile", Handles: handles,
	})
	require.NoError(t, err)
	require.Contains(t, []string{"brick-a", "brick-b"}, d.Create.Name)
	require.Nil(t, d.LinktoOn, "hashed subvolume isn't full, no redirect expected")
}

func TestHashedRedirectsToBestAvailableWhenHashedIsFull(t *testing.T) {
	l, handles := twoWayLayout(t)
	m, err := hashfn.NewMunger("", "")
	require.NoError(t, err)

	hashedName, err := l.Search(m, "somefile")
	require.NoError(t, err)
	otherName := "brick-a"
	if hashedName == "brick-a" {
		otherName = "brick-b"
	}

	sources := map[string]diskusage.Source{
		hashedName: fakeStatfsSource{vfs: subvolume.Statvfs{Blocks: 100, Bavail: 0, Bfree: 0, Files: 100, Ffree: 100, Frsize: 4096}},
		otherName:  fakeStatfsSource{vfs: subvolume.Statvfs{Blocks: 100, Bavail: 90, Bfree: 90, Files: 100, Ffree: 100, Frsize: 4096}},
	}
	tracker := diskusage.NewTracker([]*subvolume.Handle{handles["brick-a"], handles["brick-b"]}, sources,
		time.Minute, diskusage.Thresholds{MinFreeDisk: 10, Unit: diskusage.UnitPercent, MinFreeInodes: 0})
	tracker.RefreshOnce(context.Background())

	d, err := Hashed{}.NewFileSubvol(context.Background(), Placement{
		Layout: l, Munger: m, Name: "somefile", Path: "/somefile", Handles: handles, Usage: tracker,
	})
	require.NoError(t, err)
	require.Equal(t, otherName, d.Create.Name, "hashed subvolume is full, placement should redirect")
	require.NotNil(t, d.LinktoOn, "a redirect away from the hashed subvolume must carry a linkto target")
	require.Equal(t, hashedName, d.LinktoOn.Name)
}

func TestNUFAPrefersLocalSubvol(t *testing.T) {
	l, handles := twoWayLayout(t)
	m, err := hashfn.NewMunger("", "")
	require.NoError(t, err)

	n := &NUFA{LocalSubvol: "brick-b"}
	d, err := n.NewFileSubvol(context.Background(), Placement{
		Layout: l, Munger: m, Name: "somefile", Path: "/somefile", Handles: handles,
	})
	require.NoError(t, err)
	require.Equal(t, "brick-b", d.Create.Name)
}

func TestNUFAFallsBackWhenLocalUnknown(t *testing.T) {
	l, handles := twoWayLayout(t)
	m, err := hashfn.NewMunger("", "")
	require.NoError(t, err)

	n := &NUFA{LocalSubvol: "brick-missing"}
	d, err := n.NewFileSubvol(context.Background(), Placement{
		Layout: l, Munger: m, Name: "somefile", Path: "/somefile", Handles: handles,
	})
	require.NoError(t, err)
	require.Contains(t, []string{"brick-a", "brick-b"}, d.Create.Name)
}

func TestSwitchRoutesByPatternRoundRobin(t *testing.T) {
	_, handles := twoWayLayout(t)
	s := &Switch{Rules: []*SwitchRule{
		{Pattern: "/logs/*", Subvols: []string{"brick-a", "brick-b"}},
	}}

	d1, err := s.NewFileSubvol(context.Background(), Placement{Path: "/logs/one.log", Handles: handles})
	require.NoError(t, err)
	d2, err := s.NewFileSubvol(context.Background(), Placement{Path: "/logs/two.log", Handles: handles})
	require.NoError(t, err)
	require.NotEqual(t, d1.Create.Name, d2.Create.Name, "successive matches round-robin across the rule's subvol list")
}

func TestSwitchFallsBackOnNoPatternMatch(t *testing.T) {
	l, handles := twoWayLayout(t)
	m, err := hashfn.NewMunger("", "")
	require.NoError(t, err)

	s := &Switch{Rules: []*SwitchRule{{Pattern: "/logs/*", Subvols: []string{"brick-a"}}}}
	d, err := s.NewFileSubvol(context.Background(), Placement{
		Layout: l, Munger: m, Name: "somefile", Path: "/data/somefile", Handles: handles,
	})
	require.NoError(t, err)
	require.Contains(t, []string{"brick-a", "brick-b"}, d.Create.Name)
}
