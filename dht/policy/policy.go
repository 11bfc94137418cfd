// Package policy implements DHT's file-creation placement strategies: the
// pluggable rule that picks which subvolume a new file or directory lands
// on, separate from the hash-range lookup the layout package already
// does for existing entries. Grounded on the registerPolicy/Get registry
// idiom in backend/union/policy/policy.go, generalized from a
// read/write-path split (Action/Create/Search) to DHT's single
// placement decision per create.
package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gluster-dht/dht-core/dht/diskusage"
	"github.com/gluster-dht/dht-core/dht/hashfn"
	"github.com/gluster-dht/dht-core/dht/layout"
	"github.com/gluster-dht/dht-core/dht/subvolume"
)

// Placement is the inputs every policy needs to pick a subvolume for a
// new entry: the parent directory's layout, the entry name, and a disk
// usage tracker to consult when the hashed subvolume is full.
type Placement struct {
	Layout  *layout.Layout
	Munger  *hashfn.Munger
	Name    string
	Path    string
	Handles map[string]*subvolume.Handle // by subvolume name
	Usage   *diskusage.Tracker
}

// Decision is what NewFileSubvol resolves to. Create is always set: the
// subvolume the real file's data lands on. LinktoOn is non-nil only
// when Create differs from the name's hashed subvolume — the caller
// must then create a linkto pointer on LinktoOn, pointing at Create,
// before creating the real file, so that a concurrent lookup hashing
// to LinktoOn always finds either nothing or a valid pointer, never a
// hashed subvolume that silently doesn't have the file.
type Decision struct {
	Create   *subvolume.Handle
	LinktoOn *subvolume.Handle
}

// Policy picks the subvolume a new file or directory should be created
// on. Implementations may consult the hash, a configured local
// subvolume, a path pattern, or disk usage; whatever they return becomes
// the subvolume dht_create/dht_mkdir winds its first (and, for
// directories, only) call to.
type Policy interface {
	// Name identifies the policy for config/registry lookups.
	Name() string

	// NewFileSubvol picks the subvolume a new regular file or symlink
	// should be created on.
	NewFileSubvol(ctx context.Context, p Placement) (Decision, error)
}

// decideWithHashed wraps a policy's chosen subvolume into a Decision,
// setting LinktoOn whenever chosen isn't the name's hashed subvolume —
// shared by the overlay policies' non-hashed placement branches (NUFA's
// local subvolume, Switch's matched rule) so a file placed off its hash
// gets a pointer back; Hashed's best-available fallback sets LinktoOn
// itself. Placement
// callers that don't carry a Layout/Munger (e.g. directory-pattern
// round robin in isolation) get a plain Decision with no linkto.
func decideWithHashed(p Placement, chosen *subvolume.Handle) (Decision, error) {
	if p.Layout == nil || p.Munger == nil {
		return Decision{Create: chosen}, nil
	}
	hashedName, err := p.Layout.Search(p.Munger, p.Name)
	if err != nil || p.Handles[hashedName] == nil || hashedName == chosen.Name {
		return Decision{Create: chosen}, nil
	}
	return Decision{Create: chosen, LinktoOn: p.Handles[hashedName]}, nil
}

var (
	mu       sync.RWMutex
	registry = make(map[string]Policy)
)

// Register adds p to the registry under its own Name(), overwriting any
// existing registration of that name. Policies normally self-register
// from an init func, the way backend/union/policy's epmfs.go etc. do.
func Register(p Policy) {
	mu.Lock()
	defer mu.Unlock()
	registry[strings.ToLower(p.Name())] = p
}

// Get looks up a registered policy by name.
func Get(name string) (Policy, error) {
	mu.RLock()
	defer mu.RUnlock()
	p, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("policy: no placement policy registered as %q", name)
	}
	return p, nil
}

func init() {
	Register(&Hashed{})
}

// Hashed is the default placement policy: create on the subvolume the
// name hashes to, falling back to the least-full non-decommissioned
// subvolume when the hashed one is filled.
type Hashed struct{}

func (Hashed) Name() string { return "hashed" }

func (Hashed) NewFileSubvol(ctx context.Context, p Placement) (Decision, error) {
	subvolName, err := p.Layout.Search(p.Munger, p.Name)
	if err != nil {
		return Decision{}, err
	}
	h, ok := p.Handles[subvolName]
	if !ok {
		return Decision{}, fmt.Errorf("policy: hashed subvolume %q has no handle", subvolName)
	}
	if p.Usage == nil || !p.Usage.IsFilled(h) {
		return Decision{Create: h}, nil
	}
	if alt := p.Usage.BestAvailable(h); alt != nil && alt.Name != h.Name {
		return Decision{Create: alt, LinktoOn: h}, nil
	}
	return Decision{Create: h}, nil
}
