package policy

import "context"

// NUFA ("non-uniform file access") prefers a single configured local
// subvolume for every new file, falling back to Fallback (normally
// Hashed) when the local subvolume is unknown, down, or full. Grounded
// on nufa_find_local_subvol/nufa_find_local_brick in
// original_source/xlators/cluster/dht/src/nufa.c, which resolves
// "local-volume-name" (or the local hostname) to exactly one subvolume
// at startup and routes every create there while it's usable.
type NUFA struct {
	// LocalSubvol is the subvolume name Cluster.New copies from the
	// "nufa-local-subvol" config option; no hostname matching is done.
	LocalSubvol string
	Fallback    Policy
}

func (n *NUFA) Name() string { return "nufa" }

func (n *NUFA) NewFileSubvol(ctx context.Context, p Placement) (Decision, error) {
	if n.LocalSubvol != "" {
		if h, ok := p.Handles[n.LocalSubvol]; ok && h.IsUp() && !h.IsDecommissioned() {
			if p.Usage == nil || !p.Usage.IsFilled(h) {
				return decideWithHashed(p, h)
			}
		}
	}
	fb := n.Fallback
	if fb == nil {
		fb = Hashed{}
	}
	return fb.NewFileSubvol(ctx, p)
}
