// Package linkfile creates, resolves, and cleans up linkto pointer
// files: zero-length, sticky-bit-only regular files whose
// trusted.glusterfs.dht.linkto xattr names the subvolume the real data
// lives on. Grounded on dht_linkfile_create/dht_linkfile_subvol in
// original_source/xlators/cluster/dht/src/dht-linkfile.c.
package linkfile

import (
	"context"

	"github.com/google/uuid"

	"github.com/gluster-dht/dht-core/dht/dhterrors"
	"github.com/gluster-dht/dht-core/dht/subvolume"
)

// XattrName is the on-disk key carrying the target subvolume name.
const XattrName = "glusterfs.dht.linkto"

// IsLinkfile reports whether attr/xattr describe a linkto pointer: mode
// must equal subvolume.LinkfileMode exactly and the linkto xattr must be
// present.
func IsLinkfile(attr subvolume.Attr, xattr map[string][]byte) bool {
	if attr.Mode != subvolume.LinkfileMode {
		return false
	}
	_, ok := xattr[XattrName]
	return ok
}

// TargetSubvol extracts the linkto target name from xattr, matching it
// against known by calling code; this package only decodes the raw
// name, leaving subvolume-set membership checks to the caller (which
// holds the cluster's subvolume table).
func TargetSubvol(xattr map[string][]byte) (string, bool) {
	v, ok := xattr[XattrName]
	if !ok || len(v) == 0 {
		return "", false
	}
	return string(v), true
}

// Create builds a linkto file on from pointing at to, at path, carrying
// gfid as the requested gfid so the eventual real file and its pointer
// share an identity. If a linkto already exists at path (EEXIST), the
// existing file is verified to itself be a linkto for to; anything else
// is a failure. After creating the pointer, Create issues a best-effort
// setattr to heal ownership to uid/gid — failures there are swallowed,
// matching dht_linkfile_attr_heal's fire-and-forget frame copy.
func Create(ctx context.Context, from *subvolume.Handle, to *subvolume.Handle, path string, gfid [16]byte, uid, gidWant uint32) error {
	xattrs := map[string][]byte{
		"gfid-req":     gfid[:],
		XattrName:      []byte(to.Name),
		"internal-fop": []byte("yes"),
	}
	_, err := from.VT.Mknod(ctx, path, subvolume.LinkfileMode, xattrs)
	if err == nil {
		healOwnership(ctx, from, path, uid, gidWant)
		return nil
	}
	if err != dhterrors.ErrExist {
		return err
	}
	reply, lookupErr := from.VT.Lookup(ctx, path, []string{XattrName})
	if lookupErr != nil {
		return lookupErr
	}
	if !IsLinkfile(reply.Attr, reply.Xattr) {
		return dhterrors.ErrNotLinkfile
	}
	target, _ := TargetSubvol(reply.Xattr)
	if target != to.Name {
		return dhterrors.ErrExist
	}
	return nil
}

func healOwnership(ctx context.Context, h *subvolume.Handle, path string, uid, gid uint32) {
	_, _ = h.VT.Setattr(ctx, path, subvolume.Attr{UID: uid, GID: gid}, subvolume.AttrUID|subvolume.AttrGID)
}

// NewGfid mints a fresh gfid the way a real mknod/create would, for
// callers that don't already have one to propagate (e.g. a brand new
// file, as opposed to a linkfile that must carry the eventual real
// file's identity).
func NewGfid() [16]byte {
	var g [16]byte
	id := uuid.New()
	copy(g[:], id[:])
	return g
}

// Delete unlinks the linkto file at path on subvol. Used both for
// explicit cleanup (rename superseding an old pointer) and for the
// stale-linkto sweep below.
func Delete(ctx context.Context, subvol *subvolume.Handle, path string) error {
	_, err := subvol.VT.Unlink(ctx, path)
	if err == dhterrors.ErrNotExist {
		return nil
	}
	return err
}

// StaleCheck decides, given a linkto file's reply, whether it is stale
// and should be unlinked during lookup-everywhere: its target
// subvolume either doesn't exist in the cluster or no longer holds a
// non-linkto file at this path.
type StaleCheck struct {
	// TargetExists reports whether the linkto's named target subvolume
	// is a real, currently-known cluster member.
	TargetExists func(name string) bool
	// TargetHasData reports whether target currently holds a
	// non-linkto file at path (i.e. the data the pointer promises).
	TargetHasData func(ctx context.Context, target string, path string) bool
}

// Sweep inspects one linkto candidate discovered during lookup-everywhere
// and unlinks it if stale, returning whether it did so.
func Sweep(ctx context.Context, check StaleCheck, subvol *subvolume.Handle, path string, xattr map[string][]byte) (removed bool, err error) {
	target, ok := TargetSubvol(xattr)
	if !ok {
		return false, nil
	}
	stale := !check.TargetExists(target) || !check.TargetHasData(ctx, target, path)
	if !stale {
		return false, nil
	}
	if err := Delete(ctx, subvol, path); err != nil {
		return false, err
	}
	return true, nil
}
