// Package layout implements DHT's per-directory layout: an ordered
// sequence of hash-range slices, one per participating subvolume, with
// construction, lookup-reply merging, sorting, anomaly detection,
// normalization and the 16-byte on-disk xattr encoding. Grounded on
// original_source/xlators/cluster/dht/src/dht-layout.c.
package layout

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/gluster-dht/dht-core/dht/dhterrors"
	"github.com/gluster-dht/dht-core/dht/hashfn"
	"github.com/gluster-dht/dht-core/dht/metrics"
)

// InvalidCommitHash marks a layout whose slices disagree on commit_hash.
const InvalidCommitHash uint32 = 0

// Errno-like slice error codes, one per slice's "err" field.
// These are small integer sentinels (errno values, or -1 for an error
// with no mapping) rather than syscall.Errno so the
// layout package has no platform dependency; callers at the subvolume
// boundary translate real errnos into these via FromErrno.
const (
	ErrNone      = 0
	ErrUnknown   = -1
	ErrENOENT    = 2
	ErrESTALE    = 116
	ErrENOTCONN  = 107
	ErrENOSPC    = 28
)

// FromErrno maps a dhterrors sentinel to the slice error vocabulary above.
func FromErrno(err error) int {
	switch {
	case err == nil:
		return ErrNone
	case errors.Is(err, dhterrors.ErrNotExist):
		return ErrENOENT
	case errors.Is(err, dhterrors.ErrStale):
		return ErrESTALE
	case errors.Is(err, dhterrors.ErrSubvolDown):
		return ErrENOTCONN
	case errors.Is(err, dhterrors.ErrNoSpace):
		return ErrENOSPC
	default:
		return ErrUnknown
	}
}

// DiskSize is the fixed wire size of one slice's on-disk encoding
// (trusted.glusterfs.dht xattr value).
const DiskSize = 16

// Slice is one subvolume's hash-range assignment within a Layout.
type Slice struct {
	Subvol     string // stable subvolume name; non-owning reference
	Start      uint32
	Stop       uint32
	CommitHash uint32
	Err        int // 0 if authoritative; else one of the Err* constants
}

// nonParticipating reports whether the slice is a well-formed "not
// assigned" marker (err==0, start==stop).
func (s Slice) nonParticipating() bool {
	return s.Err == ErrNone && s.Start == s.Stop
}

// Layout is the per-directory hash-space partition across its subvolumes.
// Layouts are refcounted and shared; mutation always happens via a fresh
// copy under the cluster's layout lock (copy-on-write).
type Layout struct {
	mu         sync.Mutex
	Slices     []Slice
	Type       hashfn.Type
	CommitHash uint32
	SpreadCnt  int
	Gen        uint64
	Preset     bool
	ref        int
}

// New allocates a layout with cnt empty slices (start==stop==0, err==-1,
// no subvolume bound yet), ref==1, matching dht_layout_new.
func New(cnt int, spreadCnt int, gen uint64) *Layout {
	l := &Layout{
		Slices:    make([]Slice, cnt),
		Type:      hashfn.HashTypeDM,
		SpreadCnt: spreadCnt,
		Gen:       gen,
		ref:       1,
	}
	for i := range l.Slices {
		l.Slices[i].Err = ErrUnknown
	}
	return l
}

// NewPreset builds a single-slice layout pinned to one subvolume, covering
// the whole hash range. Preset layouts are interned: Ref/Unref are no-ops
// (dht_layout_ref: "if (layout->preset ...) return layout;").
func NewPreset(subvol string) *Layout {
	return &Layout{
		Slices: []Slice{{Subvol: subvol, Start: 0, Stop: 0xFFFFFFFF}},
		Type:   hashfn.HashTypeDM,
		Preset: true,
	}
}

// Ref increments the layout's reference count. A no-op on preset layouts.
func (l *Layout) Ref() *Layout {
	if l.Preset {
		return l
	}
	l.mu.Lock()
	l.ref++
	l.mu.Unlock()
	return l
}

// Unref decrements the reference count; the caller must drop all use of l
// once Unref returns true (ref reached zero and l is not preset).
func (l *Layout) Unref() (freed bool) {
	if l.Preset {
		return false
	}
	l.mu.Lock()
	l.ref--
	freed = l.ref == 0
	l.mu.Unlock()
	return freed
}

// Reply is one subvolume's lookup/mkdir reply, as seen by Merge.
type Reply struct {
	Subvol     string
	OpErr      error  // nil on success
	DiskLayout []byte // the 16-byte trusted.glusterfs.dht value, or nil if absent
}

// Merge folds one subvolume's reply into the first unbound slice, or the
// first slice already bound to this subvol (revalidate case). Mirrors
// dht_layout_merge.
func (l *Layout) Merge(r Reply) error {
	idx := -1
	for i := range l.Slices {
		if l.Slices[i].Subvol == r.Subvol {
			idx = i
			break
		}
	}
	if idx == -1 {
		for i := range l.Slices {
			if l.Slices[i].Subvol == "" {
				idx = i
				l.Slices[i].Subvol = r.Subvol
				break
			}
		}
	}
	if idx == -1 {
		return errors.New("layout: no free slice to merge reply into")
	}

	if r.OpErr != nil {
		l.Slices[idx].Err = FromErrno(r.OpErr)
		return nil
	}

	if len(r.DiskLayout) == 0 {
		// Succeeded but carried no disk encoding: participates as "missing".
		l.Slices[idx].Err = ErrNone
		return nil
	}

	dec, err := Decode(r.DiskLayout)
	if err != nil {
		return err
	}
	l.Slices[idx].CommitHash = dec.CommitHash
	l.Slices[idx].Start = dec.Start
	l.Slices[idx].Stop = dec.Stop
	l.Slices[idx].Err = ErrNone

	if l.CommitHash == InvalidCommitHash {
		l.CommitHash = dec.CommitHash
	} else if l.CommitHash != dec.CommitHash {
		l.CommitHash = InvalidCommitHash
	}
	return nil
}

// disk is the decoded form of a slice's 16-byte wire encoding.
type disk struct {
	CommitHash uint32
	Type       hashfn.Type
	Start      uint32
	Stop       uint32
}

// Decode parses the 16-byte big-endian trusted.glusterfs.dht xattr value.
func Decode(b []byte) (disk, error) {
	if len(b) != DiskSize {
		return disk{}, errors.New("layout: disk encoding must be 16 bytes")
	}
	typ := hashfn.Type(binary.BigEndian.Uint32(b[4:8]))
	switch typ {
	case hashfn.HashTypeDM, hashfn.HashTypeDMUser:
	default:
		return disk{}, errors.New("layout: invalid disk layout type")
	}
	return disk{
		CommitHash: binary.BigEndian.Uint32(b[0:4]),
		Type:       typ,
		Start:      binary.BigEndian.Uint32(b[8:12]),
		Stop:       binary.BigEndian.Uint32(b[12:16]),
	}, nil
}

// Encode renders a slice's disk encoding (16 bytes, big-endian).
func Encode(s Slice, typ hashfn.Type) []byte {
	b := make([]byte, DiskSize)
	binary.BigEndian.PutUint32(b[0:4], s.CommitHash)
	binary.BigEndian.PutUint32(b[4:8], uint32(typ))
	binary.BigEndian.PutUint32(b[8:12], s.Start)
	binary.BigEndian.PutUint32(b[12:16], s.Stop)
	return b
}

// EncodeForSubvol encodes the slice assigned to subvol, for writing back
// to that subvolume's copy of the directory's xattr.
func (l *Layout) EncodeForSubvol(subvol string) ([]byte, bool) {
	for _, s := range l.Slices {
		if s.Subvol == subvol {
			return Encode(s, l.Type), true
		}
	}
	return nil, false
}

// Sort orders slices by Start ascending (zero-range slices sort to the
// front by Stop), via the same O(n²) stable insertion the original uses
// (dht_layout_sort / dht_layout_entry_cmp) — the ordering, not just the
// final order, is part of the spec: ties must be broken the same way on
// every client so Search never depends on sort implementation details.
func (l *Layout) Sort() {
	n := len(l.Slices)
	for i := 1; i < n; i++ {
		for j := i; j > 0 && entryCmp(l.Slices[j-1], l.Slices[j]) > 0; j-- {
			l.Slices[j-1], l.Slices[j] = l.Slices[j], l.Slices[j-1]
		}
	}
}

func entryCmp(a, b Slice) int64 {
	if a.Start == a.Stop && b.Start != b.Stop {
		// zero-range slices sort to the front, ordered among themselves by Stop
		return 0 - 1
	}
	if b.Start == b.Stop && a.Start != a.Stop {
		return 1
	}
	if a.Start == a.Stop && b.Start == b.Stop {
		return int64(a.Stop) - int64(b.Stop)
	}
	return int64(a.Start) - int64(b.Start)
}

// Anomalies is the result of scanning a sorted layout for holes, overlaps
// and errored slices.
type Anomalies struct {
	Holes    int
	Overlaps int
	Missing  int
	Down     int
	Misc     int
	NoSpace  int
}

// Scan walks the (already-sorted) slices and classifies each, matching
// dht_layout_anomalies exactly including the virgin-layout and
// trailing-gap extra-hole cases.
func (l *Layout) Scan() Anomalies {
	var a Anomalies
	if len(l.Slices) == 0 {
		a.Holes = 1
		return a
	}

	lastStop := l.Slices[0].Start - 1
	prevStop := lastStop
	virgin := true

	for _, s := range l.Slices {
		switch s.Err {
		case ErrUnknown, ErrENOENT, ErrESTALE:
			a.Missing++
			continue
		case ErrENOTCONN:
			a.Down++
			continue
		case ErrENOSPC:
			a.NoSpace++
			continue
		case ErrNone:
			if s.nonParticipating() {
				continue
			}
		default:
			a.Misc++
			continue
		}

		virgin = false
		if prevStop+1 < s.Start {
			a.Holes++
		}
		if prevStop+1 > s.Start {
			a.Overlaps++
		}
		prevStop = s.Stop
	}

	if lastStop-prevStop != 0 || virgin {
		a.Holes++
	}
	return a
}

// MissingDirs counts slices whose err signals the directory copy itself is
// absent on that subvolume (dht_layout_missing_dirs).
func (l *Layout) MissingDirs() int {
	n := 0
	for _, s := range l.Slices {
		if s.Err == ErrENOENT || (s.Err == ErrUnknown && s.Start == 0 && s.Stop == 0) {
			n++
		}
	}
	return n
}

// NormalizeResult is what Normalize reports to its caller.
type NormalizeResult struct {
	// MissingDirs is positive when self-heal should create missing
	// directory copies; it is not an error even when positive.
	MissingDirs int
	Anomalies   Anomalies
}

// Normalize sorts the layout then scans for anomalies. Whenever holes or
// overlaps are present the layout is "broken" and MissingDirs (always
// computed) is returned as the positive self-heal signal, never folded
// into a plain error — see DESIGN.md's Open Question decision 1 for why
// this departs from the original C's early return.
func (l *Layout) Normalize() NormalizeResult {
	l.Sort()
	a := l.Scan()
	md := l.MissingDirs()
	metrics.ObserveAnomalies(a.Holes, a.Overlaps, a.Missing, a.Down, a.Misc, a.NoSpace)
	return NormalizeResult{MissingDirs: md, Anomalies: a}
}

// Search returns the subvolume whose slice covers hash(munge(name)), or
// ErrNoHashedSubvol if the layout has a gap at that hash (layout damage).
// Ties cannot occur in a normalized layout.
func (l *Layout) Search(m *hashfn.Munger, name string) (string, error) {
	h, err := hashfn.Compute(m, l.Type, name)
	if err != nil {
		return "", err
	}
	for _, s := range l.Slices {
		if s.Err == ErrNone && s.Start <= h && h <= s.Stop && s.Start != s.Stop {
			return s.Subvol, nil
		}
	}
	return "", dhterrors.ErrNoHashedSubvol
}

// SearchHash is like Search but takes an already-computed hash, for
// callers (e.g. rename, revalidate) that need the hash value itself too.
func (l *Layout) SearchHash(h uint32) (string, error) {
	for _, s := range l.Slices {
		if s.Err == ErrNone && s.Start <= h && h <= s.Stop && s.Start != s.Stop {
			return s.Subvol, nil
		}
	}
	return "", dhterrors.ErrNoHashedSubvol
}

// Mismatch compares the in-memory slice for subvol against a freshly
// observed disk encoding, reporting whether they differ (used during
// revalidate to flag a directory-layout mismatch).
func (l *Layout) Mismatch(subvol string, diskBytes []byte) (bool, error) {
	d, err := Decode(diskBytes)
	if err != nil {
		return false, err
	}
	for _, s := range l.Slices {
		if s.Subvol == subvol {
			return s.CommitHash != d.CommitHash || s.Start != d.Start || s.Stop != d.Stop, nil
		}
	}
	return true, nil
}
