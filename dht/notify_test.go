package dht

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluster-dht/dht-core/dht/subvolume"
	"github.com/gluster-dht/dht-core/dht/subvolume/subvtest"
)

func newHandles(names ...string) (map[string]*subvolume.Handle, []string) {
	handles := make(map[string]*subvolume.Handle, len(names))
	for i, n := range names {
		handles[n] = subvolume.New(n, i, subvtest.New())
	}
	return handles, names
}

func TestFirstPropagateWaitsForEverySubvol(t *testing.T) {
	handles, order := newHandles("a", "b", "c")
	n := newNotifier(order, false)

	var propagated []string
	n.OnPropagate = func(ev subvolume.Event, subvol string) {
		propagated = append(propagated, subvol)
	}

	n.Handle(handles["a"], subvolume.EventChildUp)
	n.Handle(handles["b"], subvolume.EventChildConnecting)
	assert.Empty(t, propagated, "must not propagate until every subvol has reported")

	n.Handle(handles["c"], subvolume.EventChildDown)
	require.Len(t, propagated, 1)
	assert.Equal(t, "c", propagated[0])
}

func TestEventsAfterFirstPropagateForwardImmediately(t *testing.T) {
	handles, order := newHandles("a", "b")
	n := newNotifier(order, false)
	var propagated []subvolume.Event
	n.OnPropagate = func(ev subvolume.Event, subvol string) {
		propagated = append(propagated, ev)
	}

	n.Handle(handles["a"], subvolume.EventChildUp)
	n.Handle(handles["b"], subvolume.EventChildUp)
	require.Len(t, propagated, 1)

	n.Handle(handles["a"], subvolume.EventChildDown)
	require.Len(t, propagated, 2)
	assert.Equal(t, subvolume.EventChildDown, propagated[1])
}

func TestGenBumpsOnUpAndModifiedOnly(t *testing.T) {
	handles, order := newHandles("a")
	n := newNotifier(order, false)

	n.Handle(handles["a"], subvolume.EventChildConnecting)
	assert.Equal(t, uint64(0), n.Gen())

	n.Handle(handles["a"], subvolume.EventChildUp)
	assert.Equal(t, uint64(1), n.Gen())

	n.Handle(handles["a"], subvolume.EventChildModified)
	assert.Equal(t, uint64(2), n.Gen())

	n.Handle(handles["a"], subvolume.EventChildDown)
	assert.Equal(t, uint64(2), n.Gen())
}

func TestAssertNoChildDownExitsProcess(t *testing.T) {
	handles, order := newHandles("a")
	n := newNotifier(order, true)

	var exitCode int
	var exited bool
	old := exitProcess
	exitProcess = func(code int) { exited = true; exitCode = code }
	defer func() { exitProcess = old }()

	n.Handle(handles["a"], subvolume.EventChildDown)
	assert.True(t, exited)
	assert.Equal(t, 1, exitCode)
}
