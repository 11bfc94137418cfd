// Package diskusage implements DHT's per-subvolume disk-usage tracker and
// the placement helpers (is_filled / best_available) it feeds. Grounded on
// original_source/xlators/cluster/dht/src/dht-diskusage.c for the
// percent/bytes/inodes threshold shape, and on
// backend/union/policy/epmfs.go + lfs.go for the most/least-free-space
// scan idiom.
package diskusage

import (
	"context"
	"sort"
	"time"

	"github.com/gluster-dht/dht-core/dht/metrics"
	"github.com/gluster-dht/dht-core/dht/subvolume"
)

// Unit selects whether min-free-disk is interpreted as a percentage or a
// byte count.
type Unit byte

const (
	UnitPercent Unit = 'p'
	UnitBytes   Unit = 'b'
)

// Thresholds holds the configured min-free-disk/min-free-inodes values.
type Thresholds struct {
	MinFreeDisk   float64 // percent if Unit==UnitPercent, else bytes
	Unit          Unit
	MinFreeInodes float64 // percent
}

// Source is anything that can answer a statfs-style query for a
// subvolume; the real implementation is a subvolume.Vtable.Statfs call,
// kept as a narrow interface here so the tracker is independently
// testable.
type Source interface {
	Statfs(ctx context.Context, path string) (subvolume.Statvfs, error)
}

// Tracker refreshes disk-usage snapshots for a fixed set of subvolumes on
// an interval and answers placement queries against the cached values.
// Concurrent-safe: each subvolume.Handle owns its own usage cache guarded
// by its own lock.
type Tracker struct {
	handles    []*subvolume.Handle
	sources    map[string]Source
	interval   time.Duration
	thresholds Thresholds
}

// NewTracker builds a tracker for handles, refreshing from sources (keyed
// by subvolume name) every interval.
func NewTracker(handles []*subvolume.Handle, sources map[string]Source, interval time.Duration, th Thresholds) *Tracker {
	return &Tracker{handles: handles, sources: sources, interval: interval, thresholds: th}
}

// RefreshOnce statfs's every subvolume once and updates its cached usage.
// Errors for an individual subvolume are swallowed (placement then treats
// it as having stale/zero usage, matching "is_filled" conservatively
// returning true for subvolumes it can't query).
func (t *Tracker) RefreshOnce(ctx context.Context) {
	for _, h := range t.handles {
		src, ok := t.sources[h.Name]
		if !ok {
			continue
		}
		vfs, err := src.Statfs(ctx, "/")
		if err != nil {
			continue
		}
		h.SetUsage(toUsage(vfs))
	}
}

func toUsage(vfs subvolume.Statvfs) subvolume.Usage {
	var availPercent, inodesPercent float64
	if vfs.Blocks > 0 {
		availPercent = 100 * float64(vfs.Bavail) / float64(vfs.Blocks)
	}
	if vfs.Files > 0 {
		inodesPercent = 100 * float64(vfs.Ffree) / float64(vfs.Files)
	}
	return subvolume.Usage{
		AvailPercent:       availPercent,
		AvailBytes:         vfs.Bavail * vfs.Frsize,
		AvailInodesPercent: inodesPercent,
		UpdatedAt:          time.Now(),
	}
}

// Run refreshes the tracker on its configured interval until ctx is
// canceled. Intended to be started once as a background goroutine.
func (t *Tracker) Run(ctx context.Context) {
	t.RefreshOnce(ctx)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.RefreshOnce(ctx)
		}
	}
}

// IsFilled reports whether h should be avoided for new placement:
// avail_percent/avail_bytes below MinFreeDisk (depending on Unit), or
// avail_inodes_percent below MinFreeInodes.
func (t *Tracker) IsFilled(h *subvolume.Handle) bool {
	u := h.GetUsage()
	filled := false
	switch {
	case t.thresholds.Unit == UnitBytes && float64(u.AvailBytes) < t.thresholds.MinFreeDisk:
		filled = true
	case t.thresholds.Unit != UnitBytes && u.AvailPercent < t.thresholds.MinFreeDisk:
		filled = true
	case u.AvailInodesPercent < t.thresholds.MinFreeInodes:
		filled = true
	}
	metrics.SetFilled(h.Name, filled)
	return filled
}

// BestAvailable scans for the non-decommissioned subvolume with the
// maximum (percent, inodes) tuple that beats both thresholds; if none
// beats both, it returns avoid unchanged so placement respects the hash.
func (t *Tracker) BestAvailable(avoid *subvolume.Handle) *subvolume.Handle {
	candidates := make([]*subvolume.Handle, 0, len(t.handles))
	for _, h := range t.handles {
		if h.IsDecommissioned() || !h.IsUp() {
			continue
		}
		candidates = append(candidates, h)
	}
	if len(candidates) == 0 {
		return avoid
	}
	sort.Slice(candidates, func(i, j int) bool {
		ui, uj := candidates[i].GetUsage(), candidates[j].GetUsage()
		if ui.AvailPercent != uj.AvailPercent {
			return ui.AvailPercent > uj.AvailPercent
		}
		return ui.AvailInodesPercent > uj.AvailInodesPercent
	})
	best := candidates[0]
	if t.IsFilled(best) {
		return avoid
	}
	return best
}
