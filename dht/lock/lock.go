// Package lock implements the distributed inodelk DHT uses to serialize
// rename against migration on named domains, acquiring a set of
// per-subvolume locks in a fixed canonical order so that two callers
// locking the same two subvolumes in opposite request order never
// deadlock AB-BA style.
package lock

import (
	"context"
	"sort"

	"github.com/gluster-dht/dht-core/dht/subvolume"
)

// Domain names for the two kinds of serialization this package protects.
const (
	DomainMigrate    = "dht.file.migrate"
	DomainLayoutHeal = "dht.layout.heal"
)

// Target is one (subvolume, path) pair to lock.
type Target struct {
	Subvol *subvolume.Handle
	Path   string
}

// LockSet acquires write-inodelk on a set of targets in a canonical order
// (sorted by subvolume name) so that two callers locking the same two
// subvolumes in opposite request order never deadlock AB-BA style.
type LockSet struct {
	domain  string
	targets []Target
	held    []Target
}

// New builds a LockSet for domain over targets, sorted into canonical
// order immediately so Acquire/Release always walk the same sequence.
func New(domain string, targets []Target) *LockSet {
	sorted := append([]Target(nil), targets...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Subvol.Name < sorted[j].Subvol.Name
	})
	return &LockSet{domain: domain, targets: sorted}
}

// Acquire locks every target in order. On failure it releases whatever it
// had already acquired and returns the first error.
func (s *LockSet) Acquire(ctx context.Context) error {
	for _, t := range s.targets {
		if err := t.Subvol.VT.Inodelk(ctx, s.domain, t.Path, true); err != nil {
			s.unlock(ctx, s.held)
			s.held = nil
			return err
		}
		s.held = append(s.held, t)
	}
	return nil
}

// Release unlocks every target this LockSet currently holds, in reverse
// acquisition order.
func (s *LockSet) Release(ctx context.Context) {
	s.unlock(ctx, s.held)
	s.held = nil
}

func (s *LockSet) unlock(ctx context.Context, held []Target) {
	for i := len(held) - 1; i >= 0; i-- {
		_ = held[i].Subvol.VT.Inodelk(ctx, s.domain, held[i].Path, false)
	}
}

// Dedup removes duplicate (subvol, path) targets — rename's src_cached and
// dst_cached frequently coincide, and locking the same inode twice in one
// LockSet would deadlock against itself.
func Dedup(targets []Target) []Target {
	seen := make(map[string]bool, len(targets))
	out := make([]Target, 0, len(targets))
	for _, t := range targets {
		key := t.Subvol.Name + "\x00" + t.Path
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}
