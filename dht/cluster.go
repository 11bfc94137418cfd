// Package dht wires the hashfn/layout/lookup/rename/migrate/diskusage/
// lock/policy packages into one cluster: a named, ordered set of
// subvolumes plus the directory-layout cache every lookup and create
// consults. Grounded on backend/union/union.go's Fs struct, which plays
// the identical role of owning a fixed upstream set and the per-call
// fan-out/placement machinery built on top of it.
package dht

import (
	"context"
	"fmt"
	"sync"

	"github.com/gluster-dht/dht-core/dht/config"
	"github.com/gluster-dht/dht-core/dht/dhtlog"
	"github.com/gluster-dht/dht-core/dht/diskusage"
	"github.com/gluster-dht/dht-core/dht/hashfn"
	"github.com/gluster-dht/dht-core/dht/layout"
	"github.com/gluster-dht/dht-core/dht/linkfile"
	"github.com/gluster-dht/dht-core/dht/lookup"
	"github.com/gluster-dht/dht-core/dht/migrate"
	"github.com/gluster-dht/dht-core/dht/policy"
	"github.com/gluster-dht/dht-core/dht/rename"
	"github.com/gluster-dht/dht-core/dht/subvolume"
)

// Cluster owns a fixed set of subvolumes, the per-directory layout
// cache, and the engines (lookup, diskusage, notify) that operate over
// them. One Cluster corresponds to one DHT-distributed volume.
type Cluster struct {
	Options config.Options

	handles map[string]*subvolume.Handle
	order   []string // stable fan-out order, Options.Subvolumes verbatim

	munger *hashfn.Munger
	lookup *lookup.Engine
	usage  *diskusage.Tracker
	policy policy.Policy

	notify *Notifier

	layoutsMu sync.Mutex
	layouts   map[string]*layout.Layout // by directory path, and by entry path for an entry's own layout
}

// New builds a Cluster over vtables, keyed by the subvolume names
// opt.Subvolumes lists (vtables must contain an entry for every name).
func New(opt config.Options, vtables map[string]subvolume.Vtable) (*Cluster, error) {
	if err := opt.Validate(); err != nil {
		return nil, err
	}

	handles := make(map[string]*subvolume.Handle, len(opt.Subvolumes))
	for i, name := range opt.Subvolumes {
		vt, ok := vtables[name]
		if !ok {
			return nil, fmt.Errorf("dht: no vtable provided for subvolume %q", name)
		}
		handles[name] = subvolume.New(name, i, vt)
	}
	for _, name := range opt.DecommissionedBricks {
		if h, ok := handles[name]; ok {
			h.Decommission(true)
		}
	}

	munger, err := hashfn.NewMunger(opt.RsyncHashRegex, opt.ExtraHashRegex)
	if err != nil {
		return nil, fmt.Errorf("dht: compile hash regex: %w", err)
	}

	// NUFA and Switch carry instance-specific configuration (a local
	// subvolume, path-pattern rules) the stateless registry entries
	// don't have, so they're constructed directly here rather than
	// fetched via policy.Get; "hashed" (and any other self-registered,
	// config-free policy) still goes through the registry.
	var pol policy.Policy
	switch opt.Policy {
	case "nufa":
		pol = &policy.NUFA{LocalSubvol: opt.NUFALocalSubvol}
	case "switch":
		pol = &policy.Switch{}
	default:
		pol, err = policy.Get(opt.Policy)
		if err != nil {
			return nil, err
		}
	}

	spread := opt.DirectoryLayoutSpread
	if spread <= 0 {
		spread = len(opt.Subvolumes)
	}

	c := &Cluster{
		Options: opt,
		handles: handles,
		order:   append([]string(nil), opt.Subvolumes...),
		munger:  munger,
		policy:  pol,
		layouts: make(map[string]*layout.Layout),
	}
	c.lookup = &lookup.Engine{
		Handles:           handles,
		Order:             c.order,
		Munger:            munger,
		SpreadCnt:         spread,
		SearchUnhashed:    opt.SearchUnhashed != config.SearchUnhashedOff,
		UnhashedStickyBit: opt.UnhashedStickyBit,
	}
	c.notify = newNotifier(c.order, opt.AssertNoChildDown)
	return c, nil
}

// SetUsageTracker installs the disk-usage tracker placement consults
// when the hashed subvolume is filled. Separate from New because the
// tracker owns its own refresh goroutine lifecycle (started via
// Tracker.Run by the caller, matching dht-diskusage.c's periodic
// statfs timer rather than synctask-per-lookup).
func (c *Cluster) SetUsageTracker(t *diskusage.Tracker) {
	c.usage = t
}

// Handle returns the named subvolume's handle, or nil if unknown.
func (c *Cluster) Handle(name string) *subvolume.Handle {
	return c.handles[name]
}

// Subvolumes returns the cluster's handles in fan-out order.
func (c *Cluster) Subvolumes() []*subvolume.Handle {
	out := make([]*subvolume.Handle, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.handles[name])
	}
	return out
}

// Notifier returns the cluster's CHILD_UP/DOWN state machine.
func (c *Cluster) Notifier() *Notifier {
	return c.notify
}

// Munger returns the cluster's configured hash function, for callers
// (e.g. an external rebalance driver) that need to re-hash a name
// against an already-resolved layout themselves.
func (c *Cluster) Munger() *hashfn.Munger {
	return c.munger
}

// CachedLayout returns dir's cached layout, or nil if nothing is
// cached (or what was cached has gone stale). It never triggers a
// directory fan-out itself; callers that need one should go through
// Lookup first.
func (c *Cluster) CachedLayout(dir string) *layout.Layout {
	return c.cachedLayout(dir)
}

// cachedLayout returns the cluster's cached layout for dir, if the
// notifier's generation counter hasn't stale-marked it since it was
// built (gen < conf.gen ⇒ drop on revalidate).
func (c *Cluster) cachedLayout(dir string) *layout.Layout {
	c.layoutsMu.Lock()
	defer c.layoutsMu.Unlock()
	l, ok := c.layouts[dir]
	if !ok {
		return nil
	}
	if l.Gen < c.notify.Gen() {
		delete(c.layouts, dir)
		return nil
	}
	return l
}

// setCachedLayout stamps l with the cluster's current generation
// before caching it, so a later gen bump (any CHILD_UP/MODIFIED)
// stale-marks it on the next cachedLayout lookup regardless of
// whatever generation lookup.Directory itself assigned at construction.
func (c *Cluster) setCachedLayout(dir string, l *layout.Layout) {
	l.Gen = c.notify.Gen()
	c.layoutsMu.Lock()
	c.layouts[dir] = l
	c.layoutsMu.Unlock()
}

// Lookup resolves name within dir, using (and populating) both the
// directory's cached layout and the entry's own cached layout (a
// single-subvol preset for a file, or the entry's own multi-slice
// layout when it is itself a directory). A second Lookup for an entry
// that already has a cached layout revalidates against it instead of
// re-deriving everything from the parent; this is what lets a stale
// cache entry get corrected (lookup-everywhere, a dropped directory
// layout, or ESTALE) without every call paying the parent-layout
// fan-out cost.
func (c *Cluster) Lookup(ctx context.Context, dir, name string) lookup.Outcome {
	path := childPath(dir, name)

	if cached := c.cachedLayout(path); cached != nil {
		parent := c.cachedLayout(dir)
		out := c.lookup.Revalidate(ctx, cached, parent, dir, name)
		switch {
		case out.Err != nil:
			c.dropCachedLayout(path)
		case out.Layout != nil:
			c.setCachedLayout(path, out.Layout)
		}
		return out
	}

	parent := c.cachedLayout(dir)
	if parent == nil {
		dirOutcome := c.lookup.Directory(ctx, dir)
		if dirOutcome.Err != nil {
			return dirOutcome
		}
		parent = dirOutcome.Layout
		c.setCachedLayout(dir, parent)
	}
	out := c.lookup.Fresh(ctx, parent, dir, name)
	if out.Err == nil && out.Layout != nil {
		// Cache the entry's own layout under its own path: a preset
		// for a file, or (when name is itself a directory) its fresh
		// multi-slice layout — either way, what a later Lookup for the
		// same entry should revalidate against.
		c.setCachedLayout(path, out.Layout)
	}
	return out
}

// dropCachedLayout discards path's cached layout unconditionally, used
// when a revalidate comes back with a hard error (e.g. ESTALE) so the
// next Lookup re-derives from scratch rather than trusting stale state.
func (c *Cluster) dropCachedLayout(path string) {
	c.layoutsMu.Lock()
	delete(c.layouts, path)
	c.layoutsMu.Unlock()
}

func childPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// NewFile picks a placement subvolume for a new regular file named
// name inside dir, consulting the configured policy and the disk-usage
// tracker (if one is installed), then creates it: when placement
// redirects away from the name's hashed subvolume, the linkto pointer
// on the hashed subvolume is created first and only then the real
// file on the destination, so a concurrent lookup hashing to it always
// sees either nothing yet or a valid pointer — never a hashed
// subvolume silently missing the file. The returned handle is where
// the real data landed.
func (c *Cluster) NewFile(ctx context.Context, dir, name string, mode uint32) (*subvolume.Handle, error) {
	parent := c.cachedLayout(dir)
	if parent == nil {
		dirOutcome := c.lookup.Directory(ctx, dir)
		if dirOutcome.Err != nil {
			return nil, dirOutcome.Err
		}
		parent = dirOutcome.Layout
		c.setCachedLayout(dir, parent)
	}

	decision, err := c.policy.NewFileSubvol(ctx, policy.Placement{
		Layout:  parent,
		Munger:  c.munger,
		Name:    name,
		Path:    childPath(dir, name),
		Handles: c.handles,
		Usage:   c.usage,
	})
	if err != nil {
		return nil, err
	}

	path := childPath(dir, name)
	gfid := linkfile.NewGfid()

	if decision.LinktoOn != nil {
		if err := linkfile.Create(ctx, decision.LinktoOn, decision.Create, path, gfid, 0, 0); err != nil {
			return nil, fmt.Errorf("dht: new file: create linkto on %s: %w", decision.LinktoOn.Name, err)
		}
	}

	if _, err := decision.Create.VT.Create(ctx, path, mode, map[string][]byte{"gfid-req": gfid[:]}); err != nil {
		return nil, fmt.Errorf("dht: new file: create on %s: %w", decision.Create.Name, err)
	}

	c.setCachedLayout(path, layout.NewPreset(decision.Create.Name))
	return decision.Create, nil
}

// Rename moves srcDir/srcName to dstDir/dstName, resolving both
// endpoints' hashed and cached subvolumes before handing off to the
// rename package's locked protocol.
func (c *Cluster) Rename(ctx context.Context, srcDir, srcName, dstDir, dstName string) error {
	srcPath := childPath(srcDir, srcName)
	dstPath := childPath(dstDir, dstName)

	srcLookup := c.Lookup(ctx, srcDir, srcName)
	if srcLookup.Err != nil {
		return fmt.Errorf("dht: rename: resolve source: %w", srcLookup.Err)
	}
	srcCached := c.handles[srcLookup.CachedSubvol]
	if srcCached == nil {
		return fmt.Errorf("dht: rename: source %s has no resolved cached subvolume", srcPath)
	}

	srcParent := c.cachedLayout(srcDir)
	srcHashedName, _ := srcParent.Search(c.munger, srcName)

	dstParent := c.cachedLayout(dstDir)
	if dstParent == nil {
		dirOutcome := c.lookup.Directory(ctx, dstDir)
		if dirOutcome.Err != nil {
			return fmt.Errorf("dht: rename: resolve destination directory: %w", dirOutcome.Err)
		}
		dstParent = dirOutcome.Layout
		c.setCachedLayout(dstDir, dstParent)
	}
	dstHashedName, err := dstParent.Search(c.munger, dstName)
	if err != nil {
		return fmt.Errorf("dht: rename: hash destination name: %w", err)
	}

	var dstCached *subvolume.Handle
	if dstLookup := c.Lookup(ctx, dstDir, dstName); dstLookup.Err == nil {
		dstCached = c.handles[dstLookup.CachedSubvol]
	}

	ep := rename.Endpoints{
		SrcHashed: c.handles[srcHashedName],
		SrcCached: srcCached,
		DstHashed: c.handles[dstHashedName],
		DstCached: dstCached,
	}
	return rename.File(ctx, ep, srcPath, dstPath)
}

// MigrateData moves path from its current cached subvolume to dst,
// driving the full four-phase protocol.
func (c *Cluster) MigrateData(ctx context.Context, dir, name string, dst *subvolume.Handle) error {
	out := c.Lookup(ctx, dir, name)
	if out.Err != nil {
		return fmt.Errorf("dht: migrate: resolve source: %w", out.Err)
	}
	src := c.handles[out.CachedSubvol]
	if src == nil {
		return fmt.Errorf("dht: migrate: %s has no resolved cached subvolume", name)
	}
	if src.Name == dst.Name {
		return nil
	}
	return migrate.File(ctx, src, dst, childPath(dir, name))
}

// FixLayout rebuilds dir's layout from scratch by re-running
// LOOKUP_DIRECTORY, discarding whatever was cached.
func (c *Cluster) FixLayout(ctx context.Context, dir string) (layout.NormalizeResult, error) {
	out := c.lookup.Directory(ctx, dir)
	if out.Err != nil {
		return layout.NormalizeResult{}, out.Err
	}
	c.setCachedLayout(dir, out.Layout)
	return out.Layout.Normalize(), nil
}

// DecommissionBrick marks name as draining: new placement must avoid
// it, leaving existing data for an operator-triggered rebalance to
// move off it later.
func (c *Cluster) DecommissionBrick(name string) error {
	h, ok := c.handles[name]
	if !ok {
		return fmt.Errorf("dht: decommission: unknown subvolume %q", name)
	}
	h.Decommission(true)
	dhtlog.WithSubvol(name).Warn("subvolume marked for decommission")
	return nil
}
