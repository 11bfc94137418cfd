package dht

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/gluster-dht/dht-core/dht/dhtlog"
	"github.com/gluster-dht/dht-core/dht/subvolume"
)

// exitProcess is process exit, indirected so assert-no-child-down is
// testable without actually killing the test binary.
var exitProcess = os.Exit

// Notifier tracks each subvolume's up/down/connecting/modified state,
// bumps the cluster generation counter on up/modified (stale-marking
// every cached layout), and propagates the first CHILD_UP to the
// parent only once every subvolume has reported at least once.
type Notifier struct {
	mu               sync.Mutex
	order            []string
	reported         map[string]bool
	lastEvent        map[string]subvolume.Event
	firstPropagated  bool
	assertNoChildDown bool

	gen uint64

	// OnPropagate, if set, is called with the first CHILD_UP once the
	// latch opens, and with every event thereafter.
	OnPropagate func(ev subvolume.Event, subvol string)
}

func newNotifier(order []string, assertNoChildDown bool) *Notifier {
	return &Notifier{
		order:             append([]string(nil), order...),
		reported:          make(map[string]bool, len(order)),
		lastEvent:         make(map[string]subvolume.Event, len(order)),
		assertNoChildDown: assertNoChildDown,
	}
}

// Gen returns the current cluster generation; a cached layout built
// before this value must be dropped and rebuilt on next use.
func (n *Notifier) Gen() uint64 {
	return atomic.LoadUint64(&n.gen)
}

// Handle records one subvolume event, bumping the generation counter
// and running the first-propagate latch, forwarding through
// OnPropagate the same way dht_notify hands events to its parent
// xlator.
func (n *Notifier) Handle(h *subvolume.Handle, ev subvolume.Event) {
	h.SetStatus(ev)

	n.mu.Lock()
	n.reported[h.Name] = true
	n.lastEvent[h.Name] = ev
	if ev == subvolume.EventChildUp || ev == subvolume.EventChildModified {
		atomic.AddUint64(&n.gen, 1)
	}

	allReported := true
	for _, name := range n.order {
		if !n.reported[name] {
			allReported = false
			break
		}
	}

	var propagate bool
	var first bool
	switch {
	case !n.firstPropagated && allReported:
		n.firstPropagated = true
		propagate = true
		first = true
	case n.firstPropagated:
		propagate = true
	}
	cb := n.OnPropagate
	n.mu.Unlock()

	if ev == subvolume.EventChildDown {
		dhtlog.WithSubvol(h.Name).Warn("subvolume reported CHILD_DOWN")
		if n.assertNoChildDown {
			dhtlog.WithSubvol(h.Name).Error("assert-no-child-down is set, exiting")
			exitProcess(1)
			return
		}
	}

	if !propagate || cb == nil {
		return
	}
	if first {
		cb(subvolume.EventChildUp, h.Name)
		return
	}
	cb(ev, h.Name)
}
