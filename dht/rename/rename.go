// Package rename implements DHT's rename protocol: distributed inodelk
// across the endpoints' subvolumes, a linkto pointer at the
// destination so the new name resolves before the data moves, and one
// critical rename call whose subvolume is chosen by a fixed rule.
// Grounded on dht_rename_cbk/dht_rename_cleanup in
// original_source/xlators/cluster/dht/src/dht-rename.c.
package rename

import (
	"context"
	"fmt"

	"github.com/gluster-dht/dht-core/dht/dhterrors"
	"github.com/gluster-dht/dht-core/dht/linkfile"
	"github.com/gluster-dht/dht-core/dht/lock"
	"github.com/gluster-dht/dht-core/dht/subvolume"
)

// Endpoints names the four subvolumes a rename touches; any of them may
// coincide.
type Endpoints struct {
	SrcHashed, SrcCached *subvolume.Handle
	DstHashed, DstCached *subvolume.Handle // DstCached is nil if dst doesn't exist yet
}

// renameSubvol is the one subvolume the actual rename(2) call lands on:
// src_cached if it equals dst_cached, otherwise dst_hashed.
func (e Endpoints) renameSubvol() *subvolume.Handle {
	if e.DstCached != nil && e.SrcCached.Name == e.DstCached.Name {
		return e.SrcCached
	}
	return e.DstHashed
}

// File renames one regular file, srcPath on e.SrcCached to dstPath,
// following the five-step protocol: lock, guard against renaming onto a
// linkfile, create a destination linkto pointer, issue the single
// critical rename, then clean up superseded pointers/data.
func File(ctx context.Context, e Endpoints, srcPath, dstPath string) error {
	targets := lock.Dedup([]lock.Target{
		{Subvol: e.SrcCached, Path: srcPath},
	})
	if e.DstCached != nil {
		targets = lock.Dedup(append(targets, lock.Target{Subvol: e.DstCached, Path: dstPath}))
	}
	ls := lock.New(lock.DomainMigrate, targets)
	if err := ls.Acquire(ctx); err != nil {
		return fmt.Errorf("rename: acquire lock: %w", err)
	}
	defer ls.Release(ctx)

	srcReply, err := e.SrcCached.VT.Lookup(ctx, srcPath, []string{linkfile.XattrName})
	if err != nil {
		return err
	}
	if linkfile.IsLinkfile(srcReply.Attr, srcReply.Xattr) {
		return fmt.Errorf("rename: %w: source is a linkto, a migration is in flight", dhterrors.ErrInvalid)
	}

	addedLink := false
	if e.SrcCached.Name != e.DstHashed.Name {
		if err := linkfile.Create(ctx, e.DstHashed, e.SrcCached, dstPath, srcReply.Attr.Gfid, srcReply.Attr.UID, srcReply.Attr.GID); err != nil {
			return fmt.Errorf("rename: create destination linkto: %w", err)
		}
		addedLink = true
	}

	// The critical rename moves whichever name-to-target mapping lives
	// on renameSubvol. When src_cached == dst_cached that's the data
	// file itself; renameSubvol.VT.Rename must succeed. Otherwise
	// renameSubvol is dst_hashed: the data file is first hard-linked
	// under dstPath on src_cached, and dst_hashed only holds something at
	// srcPath when it also happens to be src_hashed (a pre-existing
	// pointer there gets renamed along with the name); if it holds
	// nothing at srcPath the step-2 linkto already maps the new name and
	// there is nothing left to rename there. The old name on src_cached
	// is unlinked once the rename has succeeded.
	renameSubvol := e.renameSubvol()
	linkedData := false
	if renameSubvol.Name != e.SrcCached.Name {
		if _, err := e.SrcCached.VT.Link(ctx, srcPath, dstPath); err != nil {
			cleanupAfterFailedRename(ctx, e, dstPath, addedLink)
			return fmt.Errorf("rename: link data file on %s: %w", e.SrcCached.Name, err)
		}
		linkedData = true
	}
	if _, err := renameSubvol.VT.Rename(ctx, srcPath, dstPath); err != nil {
		if !(renameSubvol.Name != e.SrcCached.Name && err == dhterrors.ErrNotExist) {
			if linkedData {
				_, _ = e.SrcCached.VT.Unlink(ctx, dstPath)
			}
			cleanupAfterFailedRename(ctx, e, dstPath, addedLink)
			return fmt.Errorf("rename: critical rename on %s failed: %w", renameSubvol.Name, err)
		}
	}

	cleanup(ctx, e, srcPath, dstPath, renameSubvol)
	if linkedData {
		_, _ = e.SrcCached.VT.Unlink(ctx, srcPath)
	}
	return nil
}

// cleanup removes pointers left stale by a successful rename: the old
// src_hashed linkto (if src_cached != src_hashed) and any stale data
// that was sitting at dst_cached, mirroring dht_rename_cleanup's
// post-success branch.
func cleanup(ctx context.Context, e Endpoints, srcPath, dstPath string, renameSubvol *subvolume.Handle) {
	if e.SrcCached.Name == handleName(e.DstCached) {
		return
	}
	if e.SrcHashed != nil && e.SrcHashed.Name != e.SrcCached.Name && e.SrcHashed.Name != renameSubvol.Name {
		_ = linkfile.Delete(ctx, e.SrcHashed, srcPath)
	}
	if e.DstCached != nil && e.DstCached.Name != e.SrcCached.Name && e.DstCached.Name != renameSubvol.Name {
		_ = linkfile.Delete(ctx, e.DstCached, dstPath)
	}
}

// cleanupAfterFailedRename undoes the destination linkto this call
// added, if the critical rename itself then failed, restoring the old
// linkto state rather than leaving a dangling pointer to a source that
// never actually moved.
func cleanupAfterFailedRename(ctx context.Context, e Endpoints, dstPath string, addedLink bool) {
	if addedLink {
		_ = linkfile.Delete(ctx, e.DstHashed, dstPath)
	}
}

func handleName(h *subvolume.Handle) string {
	if h == nil {
		return ""
	}
	return h.Name
}

// Directory renames a directory across every subvolume after locking
// all of them for the layout-heal domain. If any per-subvolume rename
// fails, the subvolumes that already succeeded are renamed back before
// the caller sees an error, matching dht_rename_dir's
// lock-all/rename-all/compensate-on-any-failure shape.
func Directory(ctx context.Context, all []*subvolume.Handle, srcPath, dstPath string) error {
	targets := make([]lock.Target, 0, len(all))
	for _, h := range all {
		targets = append(targets, lock.Target{Subvol: h, Path: srcPath})
	}
	ls := lock.New(lock.DomainLayoutHeal, lock.Dedup(targets))
	if err := ls.Acquire(ctx); err != nil {
		return fmt.Errorf("rename: acquire directory lock: %w", err)
	}
	defer ls.Release(ctx)

	succeeded := make([]*subvolume.Handle, 0, len(all))
	var renameErr error
	for _, h := range all {
		if _, err := h.VT.Rename(ctx, srcPath, dstPath); err != nil {
			renameErr = fmt.Errorf("rename: directory rename failed on %s: %w", h.Name, err)
			break
		}
		succeeded = append(succeeded, h)
	}
	if renameErr == nil {
		return nil
	}

	for i := len(succeeded) - 1; i >= 0; i-- {
		_, _ = succeeded[i].VT.Rename(ctx, dstPath, srcPath)
	}
	return renameErr
}
