// Package hashfn computes the deterministic 32-bit hash DHT uses to pick a
// name's hashed subvolume, and the rsync/extra-regex munging applied to
// the name before hashing. Every client in the cluster must agree on this
// function's output for the same input.
package hashfn

import (
	"regexp"
	"sync"
)

// Type selects the hash algorithm. Only HashTypeDM is defined at this
// layer; HashTypeDMUser is a compatibility passthrough recorded on disk
// when an operator has forced a user-chosen commit hash, per
// original_source/dht-disk_layout_merge's DHT_HASH_TYPE_DM_USER handling.
type Type uint32

const (
	// HashTypeDM is the only hash algorithm this layer implements.
	HashTypeDM Type = 1
	// HashTypeDMUser is DM with a user-forced commit_hash; same bytes on the wire.
	HashTypeDMUser Type = 2
)

// defaultRsyncRegex matches rsync's temporary-file dance: ".foo.txt.abcXYZ"
// hashes the same as "foo.txt" so a concurrent rsync rename never triggers
// a migration. Grounded on original_source/dht-hashfn.c's documented default.
const defaultRsyncRegex = `^\.(.+)\.[^.]+$`

// Munger applies the configured rsync/extra regexes to a filename before
// hashing, in the same order and read-lock discipline as
// original_source/dht-hashfn.c's dht_hash_compute: extra-regex is tried
// first, then rsync-regex, and the first one whose capture group matches
// wins. Config updates (reconfigure) replace both regexes atomically.
type Munger struct {
	mu    sync.RWMutex
	rsync *regexp.Regexp
	extra *regexp.Regexp
}

// NewMunger compiles the configured regexes once, at config time. An empty
// pattern disables that regex. rsyncPattern defaults to defaultRsyncRegex
// when empty, matching the original's built-in default.
func NewMunger(rsyncPattern, extraPattern string) (*Munger, error) {
	m := &Munger{}
	if err := m.Reconfigure(rsyncPattern, extraPattern); err != nil {
		return nil, err
	}
	return m, nil
}

// Reconfigure recompiles both regexes under the config lock, as
// original_source's dht-hashfn.c does when rsync-hash-regex or
// extra-hash-regex options change.
func (m *Munger) Reconfigure(rsyncPattern, extraPattern string) error {
	if rsyncPattern == "" {
		rsyncPattern = defaultRsyncRegex
	}
	var rsync, extra *regexp.Regexp
	var err error
	if rsync, err = regexp.Compile(rsyncPattern); err != nil {
		return err
	}
	if extraPattern != "" {
		if extra, err = regexp.Compile(extraPattern); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.rsync, m.extra = rsync, extra
	m.mu.Unlock()
	return nil
}

// Munge returns the name to hash: the first capture group of whichever
// regex matches (extra first, then rsync), or name unchanged if neither
// matches. Munge(Munge(x)) == Munge(x): munging a once-munged name is a
// no-op because the munged name no longer matches the pattern that
// produced it (it has shed the variable suffix the capture group strips).
func (m *Munger) Munge(name string) string {
	m.mu.RLock()
	extra, rsync := m.extra, m.rsync
	m.mu.RUnlock()

	if extra != nil {
		if out, ok := mungeOne(extra, name); ok {
			return out
		}
	}
	if rsync != nil {
		if out, ok := mungeOne(rsync, name); ok {
			return out
		}
	}
	return name
}

func mungeOne(re *regexp.Regexp, name string) (string, bool) {
	loc := re.FindStringSubmatchIndex(name)
	if loc == nil || len(loc) < 4 || loc[2] < 0 {
		return "", false
	}
	return name[loc[2]:loc[3]], true
}

// scramble is a fixed, deterministically-generated 256-entry mixing table
// used by Hash below. It is a from-scratch Davies-Meyer-style scramble,
// not a transcription of GlusterFS's gf_dm_hashfn (whose table is not part
// of the retrieval pack — see DESIGN.md's dht/hashfn entry); it only needs
// to be deterministic across every client in the cluster, which it is by
// construction (a fixed additive-congruential seed).
var scramble [256]uint32

func init() {
	var x uint32 = 0x4f1bbcdc
	for i := range scramble {
		x = x*1103515245 + 12345
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		scramble[i] = x
	}
}

// Hash computes the 32-bit hash of a byte-oriented key using the scramble
// table, Davies-Meyer style: each input byte selects a table entry that is
// folded into a running compression state via xor/rotate/add, so the same
// bytes always fold to the same 32-bit value on every client.
func hash(key []byte) uint32 {
	var h uint32 = 0x811c9dc5
	for _, b := range key {
		h = (h << 5) | (h >> 27) // rotate left 5
		h ^= scramble[b]
		h += uint32(b)
	}
	return h
}

// Compute applies Munge then hashes the result, selecting the algorithm by
// typ. It mirrors dht_hash_compute: returns an error only for an
// unrecognized Type, since name munging itself cannot fail.
func Compute(m *Munger, typ Type, name string) (uint32, error) {
	switch typ {
	case HashTypeDM, HashTypeDMUser:
	default:
		return 0, &UnknownTypeError{Type: typ}
	}
	munged := name
	if m != nil {
		munged = m.Munge(name)
	}
	return hash([]byte(munged)), nil
}

// UnknownTypeError is returned by Compute for a Type neither HashTypeDM nor
// HashTypeDMUser.
type UnknownTypeError struct {
	Type Type
}

func (e *UnknownTypeError) Error() string {
	return "hashfn: unknown hash type"
}
