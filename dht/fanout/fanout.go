// Package fanout implements the per-call fan-out/gather mechanics DHT uses
// whenever one logical operation (lookup, mkdir, rename-lock, ...) must be
// sent to several subvolumes and the replies folded into one result.
// Grounded on backend/union/union.go's multithread+Errors idiom, with the
// hand-rolled WaitGroup generalized into golang.org/x/sync/errgroup and the
// merge/lock bookkeeping reframed as a "Frame local" accumulator.
package fanout

import (
	"context"
	"sync"

	"github.com/gluster-dht/dht-core/dht/dhterrors"
	"golang.org/x/sync/errgroup"
)

// Iatt is the subset of inode attributes DHT's merge rules care about:
// directory aggregation of blocks/size, and "first non-linkto reply wins"
// for files.
type Iatt struct {
	Blocks   uint64
	Size     uint64
	IsDir    bool
	IsLinkto bool
	Valid    bool
}

// Statvfs mirrors the fields fan-out's statvfs merge rule combines.
type Statvfs struct {
	Bsize, Frsize             uint64
	Blocks, Bfree, Bavail     uint64
	Files, Ffree              uint64
}

// Frame accumulates per-subvolume replies for one logical call. A Frame is
// safe for concurrent Merge calls from multiple subvolume callbacks; it is
// not meant to be reused across calls.
type Frame struct {
	mu sync.Mutex

	callCount int
	opOK      bool
	lastErr   error

	Stbuf      Iatt
	Preparent  Iatt
	Postparent Iatt
	Statvfs    Statvfs
	statvfsSet bool

	Xattr map[string][]byte

	// The following accumulate revalidate's per-slice classification
	// flags (see Reply) across every subvolume in the call: once true,
	// a field stays true for the rest of the frame's life.
	NeedSelfheal         bool
	ReturnESTALE         bool
	NeedLookupEverywhere bool
	LayoutMismatch       bool

	Errs dhterrors.Errors
}

// NewFrame allocates a frame expecting callCount replies.
func NewFrame(callCount int) *Frame {
	return &Frame{
		callCount: callCount,
		Xattr:     make(map[string][]byte),
		Errs:      make(dhterrors.Errors, 0, callCount),
	}
}

// Reply is what one subvolume's callback hands back to MergeReply.
type Reply struct {
	Subvol string
	Err    error
	Stbuf, Preparent, Postparent Iatt
	Statvfs *Statvfs
	Xattr   map[string][]byte
	// Critical marks a failure that must never be masked by a later
	// success.
	Critical bool

	// The following flags drive revalidate's per-slice classification
	// (dht_revalidate's ENOENT/layout-mismatch/linkto/ESTALE branches);
	// a true value here ORs into the frame's matching field and never
	// clears it once set.
	Stale                bool // this subvol returned ESTALE
	Linkto               bool // this subvol now holds a linkto, not the data it cached
	NeedSelfheal         bool // a directory-layout slice's subvolume lost the directory
	NeedLookupEverywhere bool // a file-layout slice's subvolume returned ENOENT
	LayoutMismatch       bool // a directory-layout slice's subvolume now holds a non-directory
}

// mergeXattr deep-copies src's keys into dst, applying per-key
// aggregation: quota-size keys are summed as network-order int64, user.*
// keys are compared for equality (mismatch logged, non-fatal by the
// caller), everything else is first-reply-wins. DESIGN.md records the
// deep-copy-on-insert decision.
func mergeXattr(dst map[string][]byte, src map[string][]byte, onMismatch func(key string)) {
	for k, v := range src {
		cp := append([]byte(nil), v...)
		existing, ok := dst[k]
		if !ok {
			dst[k] = cp
			continue
		}
		switch {
		case k == "trusted.glusterfs.quota-size":
			dst[k] = sumInt64BE(existing, cp)
		case len(k) >= 5 && k[:5] == "user.":
			if string(existing) != string(cp) && onMismatch != nil {
				onMismatch(k)
			}
		default:
			// first reply wins; keep existing
		}
	}
}

func sumInt64BE(a, b []byte) []byte {
	var av, bv int64
	for _, c := range a {
		av = av<<8 | int64(c)
	}
	for _, c := range b {
		bv = bv<<8 | int64(c)
	}
	sum := av + bv
	out := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		out[i] = byte(sum)
		sum >>= 8
	}
	return out
}

// mergeStatvfs takes the max bsize/frsize across replies, rescales both
// sides to the common frsize, then sums blocks/bfree/bavail/files/ffree.
func mergeStatvfs(dst *Statvfs, set *bool, src Statvfs) {
	if !*set {
		*dst = src
		*set = true
		return
	}
	newFrsize := dst.Frsize
	if src.Frsize > newFrsize {
		newFrsize = src.Frsize
	}
	newBsize := dst.Bsize
	if src.Bsize > newBsize {
		newBsize = src.Bsize
	}
	rescale := func(v, oldFrsize, newFrsize uint64) uint64 {
		if oldFrsize == 0 || oldFrsize == newFrsize {
			return v
		}
		return v * oldFrsize / newFrsize
	}
	dst.Blocks = rescale(dst.Blocks, dst.Frsize, newFrsize) + rescale(src.Blocks, src.Frsize, newFrsize)
	dst.Bfree = rescale(dst.Bfree, dst.Frsize, newFrsize) + rescale(src.Bfree, src.Frsize, newFrsize)
	dst.Bavail = rescale(dst.Bavail, dst.Frsize, newFrsize) + rescale(src.Bavail, src.Frsize, newFrsize)
	dst.Files += src.Files
	dst.Ffree += src.Ffree
	dst.Frsize = newFrsize
	dst.Bsize = newBsize
}

// MergeReply folds one subvolume's reply into the frame under the frame
// lock, then decrements the outstanding call count. It returns true when
// this was the last reply (callCount reached 0) so the caller can run its
// terminal transition exactly once.
func (f *Frame) MergeReply(r Reply, onXattrMismatch func(key string)) (done bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Err == nil {
		f.opOK = true
	} else {
		f.lastErr = r.Err
		f.Errs = append(f.Errs, r.Err)
		if r.Critical {
			f.opOK = false
		}
	}

	if r.NeedSelfheal {
		f.NeedSelfheal = true
	}
	if r.NeedLookupEverywhere {
		f.NeedLookupEverywhere = true
	}
	if r.LayoutMismatch {
		f.LayoutMismatch = true
	}
	if r.Stale || r.Linkto {
		f.ReturnESTALE = true
	}

	if r.Err == nil {
		if !r.Stbuf.IsLinkto {
			if r.Stbuf.IsDir {
				f.Stbuf.Blocks += r.Stbuf.Blocks
				f.Stbuf.Size += r.Stbuf.Size
				f.Stbuf.IsDir = true
				f.Stbuf.Valid = true
			} else if !f.Stbuf.Valid {
				f.Stbuf = r.Stbuf
			}
		}
		f.Preparent.Blocks += r.Preparent.Blocks
		f.Preparent.Size += r.Preparent.Size
		f.Postparent.Blocks += r.Postparent.Blocks
		f.Postparent.Size += r.Postparent.Size

		if r.Xattr != nil {
			mergeXattr(f.Xattr, r.Xattr, onXattrMismatch)
		}
		if r.Statvfs != nil {
			mergeStatvfs(&f.Statvfs, &f.statvfsSet, *r.Statvfs)
		}
	}

	f.callCount--
	return f.callCount <= 0
}

// Result is the single (op, err) pair the top-level caller eventually
// unwinds with.
type Result struct {
	OK    bool
	Err   error
	Frame *Frame
}

// Finish computes the final Result from a frame whose call count has
// reached zero: op_ret==0 iff at least one subvolume succeeded and no
// critical failure was recorded; op_errno is the most recent error seen.
func (f *Frame) Finish() Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.opOK {
		return Result{OK: true, Frame: f}
	}
	err := f.lastErr
	if err == nil {
		err = f.Errs.Err()
	}
	return Result{OK: false, Err: err, Frame: f}
}

// Dispatch runs fn once per subvol concurrently and waits for all of them,
// the same barrier backend/union/union.go's multithread helper provides
// but with first-error propagation and context cancellation via errgroup.
// Use this for calls with a "fail-on-any-error" policy (e.g. acquiring
// inodelk across a set of subvolumes).
func Dispatch(ctx context.Context, subvols []string, fn func(ctx context.Context, subvol string) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range subvols {
		s := s
		g.Go(func() error {
			return fn(ctx, s)
		})
	}
	return g.Wait()
}

// DispatchAll runs fn once per subvol concurrently and always waits for
// every call to finish, even once one has failed — required whenever a
// Frame's call count must reach zero for ref-count correctness — the
// remaining replies must still be accepted even after one failure. Unlike Dispatch,
// a failing fn never cancels the others; per-subvol outcomes should be
// folded into the Frame inside fn itself via MergeReply.
func DispatchAll(ctx context.Context, subvols []string, fn func(ctx context.Context, subvol string)) {
	var wg sync.WaitGroup
	wg.Add(len(subvols))
	for _, s := range subvols {
		s := s
		go func() {
			defer wg.Done()
			fn(ctx, s)
		}()
	}
	wg.Wait()
}
