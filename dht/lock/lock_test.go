package lock

import (
	"context"
	"testing"

	"github.com/gluster-dht/dht-core/dht/subvolume"
	"github.com/gluster-dht/dht-core/dht/subvolume/subvtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUpHandle(name string) *subvolume.Handle {
	h := subvolume.New(name, 0, subvtest.New())
	h.SetStatus(subvolume.EventChildUp)
	return h
}

func TestAcquireLocksInCanonicalOrder(t *testing.T) {
	b := newUpHandle("b")
	a := newUpHandle("a")
	ls := New(DomainMigrate, []Target{{Subvol: b, Path: "/x"}, {Subvol: a, Path: "/x"}})
	require.Equal(t, "a", ls.targets[0].Subvol.Name)
	require.Equal(t, "b", ls.targets[1].Subvol.Name)

	require.NoError(t, ls.Acquire(context.Background()))
	ls.Release(context.Background())
}

func TestAcquireRollsBackOnFailure(t *testing.T) {
	a := newUpHandle("a")
	b := newUpHandle("b")
	// pre-lock b's vtable so Acquire fails on the second target.
	require.NoError(t, b.VT.Inodelk(context.Background(), DomainMigrate, "/x", true))

	ls := New(DomainMigrate, []Target{{Subvol: a, Path: "/x"}, {Subvol: b, Path: "/x"}})
	err := ls.Acquire(context.Background())
	assert.Error(t, err)

	// a's lock must have been rolled back; re-acquiring it must succeed.
	assert.NoError(t, a.VT.Inodelk(context.Background(), DomainMigrate, "/x", true))
}

func TestDedupRemovesDuplicateSubvolPath(t *testing.T) {
	a := newUpHandle("a")
	targets := []Target{
		{Subvol: a, Path: "/same"},
		{Subvol: a, Path: "/same"},
		{Subvol: a, Path: "/other"},
	}
	deduped := Dedup(targets)
	assert.Len(t, deduped, 2)
}

func TestReleaseUnlocksAllHeld(t *testing.T) {
	a := newUpHandle("a")
	b := newUpHandle("b")
	ls := New(DomainLayoutHeal, []Target{{Subvol: a, Path: "/x"}, {Subvol: b, Path: "/x"}})
	require.NoError(t, ls.Acquire(context.Background()))
	ls.Release(context.Background())

	// both must be lockable again after release.
	assert.NoError(t, a.VT.Inodelk(context.Background(), DomainLayoutHeal, "/x", true))
	assert.NoError(t, b.VT.Inodelk(context.Background(), DomainLayoutHeal, "/x", true))
}
