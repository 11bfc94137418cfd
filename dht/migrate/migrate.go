// Package migrate implements DHT's two-phase file migration: mark the
// source with sticky+sgid while copying, swap the destination in, then
// demote the source to a sticky-only linkto and remove it. Grounded on
// dht_migrate_file/dht_start_rebalance_task in
// original_source/xlators/cluster/dht/src/dht-rebalance.c.
package migrate

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/gluster-dht/dht-core/dht/dhterrors"
	"github.com/gluster-dht/dht-core/dht/dhtlog"
	"github.com/gluster-dht/dht-core/dht/linkfile"
	"github.com/gluster-dht/dht-core/dht/metrics"
	"github.com/gluster-dht/dht-core/dht/subvolume"
)

type forceKey struct{}

// WithForce marks ctx so a migration started with it skips phase 1's
// free-space refusal, the effect of setxattr'ing migrate-data with the
// value "force".
func WithForce(ctx context.Context) context.Context {
	return context.WithValue(ctx, forceKey{}, true)
}

func forced(ctx context.Context) bool {
	v, _ := ctx.Value(forceKey{}).(bool)
	return v
}

// ChunkSize is the default copy buffer size.
const ChunkSize = 128 * 1024

// SectorSize is the granularity at which the sparse-preserving copy
// decides whether a region needs writing.
const SectorSize = 512

// File moves one regular file, path, from src to dst, running all four
// phases in order. A failure in phase 1 leaves src completely
// untouched; a failure after phase 2 has begun leaves the source
// carrying a phase marker that a later retry or rebalance_complete_check
// must resolve (this package does not attempt automatic rollback of a
// partially-copied destination, matching the original's own behavior
// of leaving that to the next pass).
func File(ctx context.Context, src, dst *subvolume.Handle, path string) error {
	srcReply, err := src.VT.Lookup(ctx, path, nil)
	if err != nil {
		return fmt.Errorf("migrate: lookup source: %w", err)
	}
	if !srcReply.Attr.IsRegular {
		return fmt.Errorf("migrate: %w: source is not a regular file", dhterrors.ErrInvalid)
	}
	if srcReply.Attr.Nlink > 1 {
		return fmt.Errorf("migrate: %w: hardlinked files are not migratable", dhterrors.ErrInvalid)
	}

	if err := prepareDestination(ctx, src, dst, path, srcReply.Attr); err != nil {
		metrics.MigrationPhase.WithLabelValues("prepare", "error").Inc()
		return err
	}
	metrics.MigrationPhase.WithLabelValues("prepare", "ok").Inc()

	if err := markSourcePhase1(ctx, src, dst, path); err != nil {
		metrics.MigrationPhase.WithLabelValues("mark_phase1", "error").Inc()
		return err
	}
	metrics.MigrationPhase.WithLabelValues("mark_phase1", "ok").Inc()

	if err := copyData(ctx, src, dst, path); err != nil {
		metrics.MigrationPhase.WithLabelValues("copy", "error").Inc()
		return err
	}
	metrics.MigrationPhase.WithLabelValues("copy", "ok").Inc()

	if err := swap(ctx, src, dst, path, srcReply.Attr); err != nil {
		metrics.MigrationPhase.WithLabelValues("swap", "error").Inc()
		return err
	}
	metrics.MigrationPhase.WithLabelValues("swap", "ok").Inc()
	return nil
}

// prepareDestination implements phase 1: create (or reuse) the
// destination linkto-shaped placeholder and verify it has enough free
// space to hold the source, refusing a migration that would leave the
// cluster less balanced than before.
func prepareDestination(ctx context.Context, src, dst *subvolume.Handle, path string, srcAttr subvolume.Attr) error {
	if err := linkfile.Create(ctx, dst, src, path, srcAttr.Gfid, srcAttr.UID, srcAttr.GID); err != nil {
		reply, lookupErr := dst.VT.Lookup(ctx, path, nil)
		if lookupErr != nil || reply.Attr.Gfid != srcAttr.Gfid {
			return fmt.Errorf("migrate: prepare destination: %w", err)
		}
	}

	if forced(ctx) {
		return nil
	}

	vfs, err := dst.VT.Statfs(ctx, path)
	if err != nil {
		return fmt.Errorf("migrate: destination statfs: %w", err)
	}
	srcBytes := srcAttr.Blocks * 512
	availBytes := vfs.Bavail * vfs.Frsize
	if availBytes < srcBytes {
		return fmt.Errorf("migrate: %w: destination has less free space than source, would make cluster less balanced", dhterrors.ErrNoSpace)
	}
	return nil
}

// markSourcePhase1 sets the source's linkto xattr to dst's name and
// flips its mode to sticky+sgid, the on-wire Phase-1 marker foreground
// FOPs key off of.
func markSourcePhase1(ctx context.Context, src, dst *subvolume.Handle, path string) error {
	if err := src.VT.Setxattr(ctx, path, linkfile.XattrName, []byte(dst.Name)); err != nil {
		return fmt.Errorf("migrate: mark source linkto: %w", err)
	}
	_, err := src.VT.Setattr(ctx, path, subvolume.Attr{Mode: subvolume.ModeSticky | subvolume.ModeSGID}, subvolume.AttrMode)
	if err != nil {
		return fmt.Errorf("migrate: set phase-1 marker: %w", err)
	}
	return nil
}

// copyData implements phase 3: a sparse-preserving chunked copy plus
// best-effort xattr propagation and a destination fsync.
func copyData(ctx context.Context, src, dst *subvolume.Handle, path string) error {
	srcHandle, err := src.VT.Open(ctx, path)
	if err != nil {
		return fmt.Errorf("migrate: open source: %w", err)
	}
	defer src.VT.Flush(ctx, srcHandle)

	dstHandle, err := dst.VT.Open(ctx, path)
	if err != nil {
		return fmt.Errorf("migrate: open destination: %w", err)
	}
	defer dst.VT.Flush(ctx, dstHandle)

	buf := make([]byte, ChunkSize)
	var offset int64
	for {
		n, _, err := src.VT.Readv(ctx, srcHandle, buf, offset)
		if n == 0 {
			break
		}
		if err != nil {
			return fmt.Errorf("migrate: read source at %d: %w", offset, err)
		}
		if err := writeSparse(ctx, dst, dstHandle, buf[:n], offset); err != nil {
			return err
		}
		offset += int64(n)
		if n < len(buf) {
			break
		}
	}

	if err := copyXattr(ctx, src, dst, path); err != nil {
		return err
	}
	return dst.VT.Fsync(ctx, dstHandle)
}

// writeSparse writes chunk to dst at offset, skipping any all-zero
// sector run that follows a nonzero sector in the same chunk — the
// pattern step 7 calls out as "track write_needed; flush the final
// partial sector unconditionally."
func writeSparse(ctx context.Context, dst *subvolume.Handle, h subvolume.FileHandle, chunk []byte, offset int64) error {
	writeNeeded := false
	for start := 0; start < len(chunk); start += SectorSize {
		end := start + SectorSize
		last := end >= len(chunk)
		if last {
			end = len(chunk)
		}
		sector := chunk[start:end]
		zero := isZero(sector)
		if zero && writeNeeded && !last {
			continue
		}
		if _, _, err := dst.VT.Writev(ctx, h, sector, offset+int64(start)); err != nil {
			return fmt.Errorf("migrate: write destination at %d: %w", offset+int64(start), err)
		}
		metrics.MigrationBytesCopied.Add(float64(len(sector)))
		writeNeeded = !zero
	}
	return nil
}

func isZero(b []byte) bool {
	return bytes.Count(b, []byte{0}) == len(b)
}

// copyXattr propagates every xattr from src to dst, logging and
// continuing past individual setxattr failures rather than aborting
// the migration over a non-essential attribute.
func copyXattr(ctx context.Context, src, dst *subvolume.Handle, path string) error {
	keys, err := src.VT.Listxattr(ctx, path)
	if err != nil {
		return nil
	}
	for _, k := range keys {
		v, err := src.VT.Getxattr(ctx, path, k)
		if err != nil {
			continue
		}
		if err := dst.VT.Setxattr(ctx, path, k, v); err != nil {
			dhtlog.WithSubvol(dst.Name).WithError(err).Warnf("migrate: copy xattr %s of %s", k, path)
		}
	}
	return nil
}

// swap implements phase 4: copy the real attributes onto the
// destination, demote the source to the Phase-2 (sticky-only) marker,
// unlink and truncate the source, then drop the destination's linkto
// xattr so it becomes the canonical file.
func swap(ctx context.Context, src, dst *subvolume.Handle, path string, capturedAttr subvolume.Attr) error {
	finalMode := capturedAttr.Mode &^ (subvolume.ModeSticky | subvolume.ModeSGID)
	if _, err := dst.VT.Setattr(ctx, path, subvolume.Attr{
		Mode: finalMode,
		UID:  capturedAttr.UID,
		GID:  capturedAttr.GID,
	}, subvolume.AttrMode|subvolume.AttrUID|subvolume.AttrGID); err != nil {
		return fmt.Errorf("migrate: apply final attrs to destination: %w", err)
	}
	if _, err := dst.VT.Setattr(ctx, path, subvolume.Attr{
		Mtime: capturedAttr.Mtime,
		Atime: capturedAttr.Atime,
	}, subvolume.AttrMtime|subvolume.AttrAtime); err != nil {
		return fmt.Errorf("migrate: apply final times to destination: %w", err)
	}

	if _, err := src.VT.Setattr(ctx, path, subvolume.Attr{Mode: subvolume.LinkfileMode}, subvolume.AttrMode); err != nil {
		return fmt.Errorf("migrate: set phase-2 marker: %w", err)
	}
	reply, err := src.VT.Stat(ctx, path)
	if err != nil || reply.Attr.Gfid != capturedAttr.Gfid {
		// gfid no longer matches: something else replaced source
		// between steps, skip the unlink to avoid deleting the wrong
		// inode.
		return nil
	}

	if _, err := src.VT.Unlink(ctx, path); err != nil {
		return fmt.Errorf("migrate: unlink source: %w", err)
	}
	_, _ = src.VT.Truncate(ctx, path, 0)

	return dst.VT.Removexattr(ctx, path, linkfile.XattrName)
}

// NewGfid mints a gfid for a migration that needs to mint one fresh
// (e.g. a worker-initiated placement change with no prior identity).
func NewGfid() [16]byte {
	var g [16]byte
	id := uuid.New()
	copy(g[:], id[:])
	return g
}
