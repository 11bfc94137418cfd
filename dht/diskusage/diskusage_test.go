package diskusage

import (
	"testing"
	"time"

	"github.com/gluster-dht/dht-core/dht/subvolume"
	"github.com/stretchr/testify/assert"
)

func handleWithUsage(name string, percent float64) *subvolume.Handle {
	h := subvolume.New(name, 0, nil)
	h.SetStatus(subvolume.EventChildUp)
	h.SetUsage(subvolume.Usage{AvailPercent: percent, AvailInodesPercent: 50, UpdatedAt: time.Now()})
	return h
}

func TestIsFilledPercent(t *testing.T) {
	tr := NewTracker(nil, nil, time.Minute, Thresholds{MinFreeDisk: 10, Unit: UnitPercent, MinFreeInodes: 1})
	filled := handleWithUsage("a", 5)
	ok := handleWithUsage("b", 50)
	assert.True(t, tr.IsFilled(filled))
	assert.False(t, tr.IsFilled(ok))
}

func TestBestAvailablePrefersMostFree(t *testing.T) {
	a := handleWithUsage("a", 5)
	b := handleWithUsage("b", 50)
	tr := NewTracker([]*subvolume.Handle{a, b}, nil, time.Minute, Thresholds{MinFreeDisk: 10, Unit: UnitPercent, MinFreeInodes: 1})
	best := tr.BestAvailable(a)
	assert.Equal(t, "b", best.Name)
}

func TestBestAvailableFallsBackToAvoidWhenAllFilled(t *testing.T) {
	a := handleWithUsage("a", 1)
	b := handleWithUsage("b", 2)
	tr := NewTracker([]*subvolume.Handle{a, b}, nil, time.Minute, Thresholds{MinFreeDisk: 10, Unit: UnitPercent, MinFreeInodes: 1})
	best := tr.BestAvailable(a)
	assert.Same(t, a, best, "when no candidate clears the threshold, respect the hash")
}

func TestBestAvailableSkipsDecommissioned(t *testing.T) {
	a := handleWithUsage("a", 10)
	b := handleWithUsage("b", 90)
	b.Decommission(true)
	tr := NewTracker([]*subvolume.Handle{a, b}, nil, time.Minute, Thresholds{MinFreeDisk: 5, Unit: UnitPercent, MinFreeInodes: 1})
	best := tr.BestAvailable(a)
	assert.Equal(t, "a", best.Name)
}
