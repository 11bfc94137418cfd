package dht

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/gluster-dht/dht-core/dht/dhterrors"
	"github.com/gluster-dht/dht-core/dht/linkfile"
	"github.com/gluster-dht/dht-core/dht/migrate"
)

// Virtual xattr names: the well-known getxattr/setxattr keys that
// trigger cluster introspection and control actions rather than
// touching real on-disk xattrs.
const (
	XattrPathinfo          = "trusted.glusterfs.pathinfo"
	XattrLinkinfo          = "trusted.glusterfs.linkinfo"
	XattrQuotaSize         = "trusted.glusterfs.quota-size"
	XattrMigrateData       = "trusted.distribute.migrate-data"
	XattrFixLayout         = "distribute.fix.layout"
	XattrDecommissionBrick = "decommission-brick"
)

// GetVirtualXattr answers a getxattr against one of the read-only
// virtual xattrs (pathinfo, linkinfo, quota-size); it returns
// dhterrors.ErrInvalid for any key it doesn't recognize, the signal to
// a caller that this wasn't a virtual xattr at all and the request
// should fall through to a real getxattr.
func (c *Cluster) GetVirtualXattr(ctx context.Context, dir, name, key string) ([]byte, error) {
	switch key {
	case XattrPathinfo:
		return c.pathinfo(ctx, dir, name)
	case XattrLinkinfo:
		return c.linkinfo(ctx, dir, name)
	case XattrQuotaSize:
		return c.quotaSize(ctx, dir, name)
	default:
		return nil, dhterrors.ErrInvalid
	}
}

// SetVirtualXattr answers a setxattr against one of the action-trigger
// virtual xattrs (migrate-data, fix.layout, decommission-brick). Like
// GetVirtualXattr, an unrecognized key returns dhterrors.ErrInvalid so
// the caller falls through to a real setxattr.
func (c *Cluster) SetVirtualXattr(ctx context.Context, dir, name, key string, value []byte) error {
	switch key {
	case XattrMigrateData:
		return c.triggerMigrateData(ctx, dir, name, value)
	case XattrFixLayout:
		_, err := c.FixLayout(ctx, childPath(dir, name))
		return err
	case XattrDecommissionBrick:
		return c.DecommissionBrick(string(value))
	default:
		return dhterrors.ErrInvalid
	}
}

// pathinfo resolves the entry's hashed subvolume (from the parent
// layout) and its cached subvolume (via Lookup), rendering
// "(<DISTRIBUTE:<volname>> <<cached>>[ <hashed:<hashed>>] (<subvol>-layout
// <start>-<stop>)...)", after dht_getxattr's pathinfo branch.
func (c *Cluster) pathinfo(ctx context.Context, dir, name string) ([]byte, error) {
	parent := c.cachedLayout(dir)
	if parent == nil {
		dirOutcome := c.lookup.Directory(ctx, dir)
		if dirOutcome.Err != nil {
			return nil, dirOutcome.Err
		}
		parent = dirOutcome.Layout
		c.setCachedLayout(dir, parent)
	}
	hashedName, err := parent.Search(c.munger, name)
	if err != nil {
		return nil, err
	}
	out := c.Lookup(ctx, dir, name)
	cachedName := out.CachedSubvol
	if cachedName == "" {
		cachedName = hashedName
	}

	volname := c.Options.VolumeName
	if volname == "" {
		volname = "dht"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "(<DISTRIBUTE:%s> <%s>", volname, cachedName)
	if hashedName != cachedName {
		fmt.Fprintf(&b, " <hashed:%s>", hashedName)
	}
	for _, s := range parent.Slices {
		fmt.Fprintf(&b, " (%s-layout %d-%d)", s.Subvol, s.Start, s.Stop)
	}
	b.WriteString(")")
	return []byte(b.String()), nil
}

// linkinfo resolves name's linkto target subvolume, or ErrNotLinkfile
// if it isn't currently a linkto pointer.
func (c *Cluster) linkinfo(ctx context.Context, dir, name string) ([]byte, error) {
	parent := c.cachedLayout(dir)
	if parent == nil {
		dirOutcome := c.lookup.Directory(ctx, dir)
		if dirOutcome.Err != nil {
			return nil, dirOutcome.Err
		}
		parent = dirOutcome.Layout
		c.setCachedLayout(dir, parent)
	}
	hashedName, err := parent.Search(c.munger, name)
	if err != nil {
		return nil, err
	}
	hashed := c.handles[hashedName]
	if hashed == nil {
		return nil, fmt.Errorf("dht: linkinfo: hashed subvolume %q not found", hashedName)
	}
	path := childPath(dir, name)
	reply, err := hashed.VT.Lookup(ctx, path, []string{linkfile.XattrName})
	if err != nil {
		return nil, err
	}
	target, ok := linkfile.TargetSubvol(reply.Xattr)
	if !ok {
		return nil, dhterrors.ErrNotLinkfile
	}
	return []byte(target), nil
}

// quotaSize fans out to every subvolume and sums each reply's
// quota-size xattr as a big-endian int64, the same aggregation
// fanout.mergeXattr applies inline to an ordinary fan-out call.
func (c *Cluster) quotaSize(ctx context.Context, dir, name string) ([]byte, error) {
	path := childPath(dir, name)
	var total int64
	var anyFound bool
	for _, h := range c.Subvolumes() {
		v, err := h.VT.Getxattr(ctx, path, XattrQuotaSize)
		if err != nil || len(v) != 8 {
			continue
		}
		anyFound = true
		var n int64
		for _, bb := range v {
			n = n<<8 | int64(bb)
		}
		total += n
	}
	if !anyFound {
		return nil, dhterrors.ErrNotExist
	}
	out := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		out[i] = byte(total)
		total >>= 8
	}
	return out, nil
}

// triggerMigrateData implements the trusted.distribute.migrate-data
// setxattr: value names the destination subvolume; a ":force" suffix
// (<subvol>:force) skips the free-space refusal.
func (c *Cluster) triggerMigrateData(ctx context.Context, dir, name string, value []byte) error {
	spec := string(bytes.TrimSpace(value))
	force := false
	if strings.HasSuffix(spec, ":force") {
		force = true
		spec = strings.TrimSuffix(spec, ":force")
	}
	dst := c.handles[spec]
	if dst == nil {
		return fmt.Errorf("dht: migrate-data: unknown destination subvolume %q", spec)
	}
	if force {
		ctx = migrate.WithForce(ctx)
	}
	return c.MigrateData(ctx, dir, name, dst)
}
