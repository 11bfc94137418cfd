package policy

import (
	"context"
	"fmt"
	"path"
	"sync/atomic"
)

// SwitchRule binds one shell glob path pattern (matched with path.Match,
// whose wildcards never match '/', like POSIX fnmatch with FNM_PATHNAME) to a fixed
// ordered list of candidate subvolumes, round-robined across successive
// creates that match the pattern.
type SwitchRule struct {
	Pattern  string
	Subvols  []string
	roundRobin uint64
}

// Switch routes new-file placement by matching the entry's path against
// an ordered list of glob rules and round-robining across that rule's
// subvolume list; a path matching no rule falls back to Fallback.
// Grounded on get_switch_matching_subvol / set_switch_pattern in
// original_source/xlators/cluster/dht/src/switch.c, which parses a
// "pattern:subvol1,subvol2;pattern2:subvol3" option string into exactly
// this rule shape and round-robins trav->node_index across matches.
type Switch struct {
	Rules    []*SwitchRule
	Fallback Policy
}

func (s *Switch) Name() string { return "switch" }

func (s *Switch) NewFileSubvol(ctx context.Context, p Placement) (Decision, error) {
	for _, rule := range s.Rules {
		matched, err := path.Match(rule.Pattern, p.Path)
		if err != nil || !matched {
			continue
		}
		if len(rule.Subvols) == 0 {
			continue
		}
		idx := atomic.AddUint64(&rule.roundRobin, 1) - 1
		name := rule.Subvols[idx%uint64(len(rule.Subvols))]
		h, ok := p.Handles[name]
		if !ok {
			return Decision{}, fmt.Errorf("policy: switch rule %q names unknown subvolume %q", rule.Pattern, name)
		}
		if h.IsUp() && !h.IsDecommissioned() {
			return decideWithHashed(p, h)
		}
		break
	}
	fb := s.Fallback
	if fb == nil {
		fb = Hashed{}
	}
	return fb.NewFileSubvol(ctx, p)
}
