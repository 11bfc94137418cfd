// Package dhtlog centralizes DHT's structured logging and the
// per-subvolume rate limiting noisy warnings ("subvolume filled") need
// so that read/write-path logging stays at
// DEBUG/TRACE while admin-triggered operations (migrate-data, fix-layout,
// decommission-brick) log in full at INFO and above.
package dhtlog

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Log is the package-wide structured logger. Callers should prefer
// Log.WithFields over the package-level helpers when they have more than
// one or two fields to attach.
var Log = logrus.StandardLogger()

func init() {
	Log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// WithSubvol returns an entry pre-tagged with the subvolume name, the unit
// nearly every DHT log line is keyed by.
func WithSubvol(name string) *logrus.Entry {
	return Log.WithField("subvol", name)
}

// WithGfid tags an entry with a gfid, formatted the way admin diagnostics
// expect (lowercase hex, no dashes trimmed).
func WithGfid(gfid [16]byte) *logrus.Entry {
	return Log.WithField("gfid", formatGfid(gfid))
}

func formatGfid(g [16]byte) string {
	const hexdigits = "0123456789abcdef"
	buf := make([]byte, 0, 36)
	for i, b := range g {
		if i == 4 || i == 6 || i == 8 || i == 10 {
			buf = append(buf, '-')
		}
		buf = append(buf, hexdigits[b>>4], hexdigits[b&0xf])
	}
	return string(buf)
}

// RateLimiter enforces "a single log message per subvol per minute" for a
// named warning class, e.g. "subvolume filled".
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
}

// NewRateLimiter builds a limiter that allows one log line per key per interval.
func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{interval: interval, last: make(map[string]time.Time)}
}

// Allow reports whether a log line for key should be emitted now, and
// records that it was (callers that get false must not log).
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if last, ok := r.last[key]; ok && now.Sub(last) < r.interval {
		return false
	}
	r.last[key] = now
	return true
}
