// Package config defines the cluster's tagged Options struct and a
// YAML cluster-file loader, generalizing
// backend/union/common/options.go's "config:"-tagged struct idiom from
// a small set of upstream/policy knobs to DHT's full configuration
// surface.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// SearchUnhashedMode is the three-way on/off/auto switch several options
// use.
type SearchUnhashedMode string

const (
	SearchUnhashedOn   SearchUnhashedMode = "on"
	SearchUnhashedOff  SearchUnhashedMode = "off"
	SearchUnhashedAuto SearchUnhashedMode = "auto"
)

// Throttle is the rebalance parallelism knob.
type Throttle string

const (
	ThrottleLazy      Throttle = "lazy"
	ThrottleNormal    Throttle = "normal"
	ThrottleAggressive Throttle = "aggressive"
)

// Options is the cluster's full set of recognized configuration knobs.
// Field tags match the on-wire option names so the yaml loader and any
// future CLI flag binding share one vocabulary.
type Options struct {
	VolumeName string   `yaml:"volume-name"`
	Subvolumes []string `yaml:"subvolumes"`

	LookupUnhashed         SearchUnhashedMode `yaml:"lookup-unhashed"`
	LookupOptimize         bool               `yaml:"lookup-optimize"`
	MinFreeDisk            float64            `yaml:"min-free-disk"`
	MinFreeInodes          float64            `yaml:"min-free-inodes"`
	DirectoryLayoutSpread  int                `yaml:"directory-layout-spread"`
	UnhashedStickyBit      bool               `yaml:"unhashed-sticky-bit"`
	UseReaddirp            bool               `yaml:"use-readdirp"`
	RsyncHashRegex         string             `yaml:"rsync-hash-regex"`
	ExtraHashRegex         string             `yaml:"extra-hash-regex"`
	AssertNoChildDown      bool               `yaml:"assert-no-child-down"`
	WeightedRebalance      bool               `yaml:"weighted-rebalance"`
	LockMigration          bool               `yaml:"lock-migration"`
	RebalThrottle          Throttle           `yaml:"rebal-throttle"`
	XattrName              string             `yaml:"xattr-name"`
	DecommissionedBricks   []string           `yaml:"decommissioned-bricks"`
	SearchUnhashed         SearchUnhashedMode `yaml:"search-unhashed"`
	Policy                 string             `yaml:"policy"`
	NUFALocalSubvol        string             `yaml:"nufa-local-subvol"`
}

// Default returns the option set DHT falls back to when a cluster file
// doesn't override a field.
func Default() Options {
	return Options{
		LookupUnhashed:        SearchUnhashedAuto,
		MinFreeDisk:           10,
		MinFreeInodes:         5,
		DirectoryLayoutSpread: 0, // 0 means "all subvolumes"
		UseReaddirp:           true,
		RebalThrottle:         ThrottleNormal,
		XattrName:             "glusterfs.dht",
		SearchUnhashed:        SearchUnhashedAuto,
		Policy:                "hashed",
	}
}

// Load reads a YAML cluster file at path, starting from Default and
// overlaying whatever fields the file sets.
func Load(path string) (Options, error) {
	opt := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return opt, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &opt); err != nil {
		return opt, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := opt.Validate(); err != nil {
		return opt, err
	}
	return opt, nil
}

// Validate rejects option combinations that can't be honored.
func (o Options) Validate() error {
	if len(o.Subvolumes) == 0 {
		return fmt.Errorf("config: at least one subvolume is required")
	}
	switch o.LookupUnhashed {
	case SearchUnhashedOn, SearchUnhashedOff, SearchUnhashedAuto, "":
	default:
		return fmt.Errorf("config: lookup-unhashed: unknown mode %q", o.LookupUnhashed)
	}
	switch o.RebalThrottle {
	case ThrottleLazy, ThrottleNormal, ThrottleAggressive, "":
	default:
		return fmt.Errorf("config: rebal-throttle: unknown value %q", o.RebalThrottle)
	}
	if o.DirectoryLayoutSpread < 0 || o.DirectoryLayoutSpread > len(o.Subvolumes) {
		return fmt.Errorf("config: directory-layout-spread: must be between 0 and the subvolume count")
	}
	return nil
}

// ParseDecommissionedBricks splits the comma-separated CLI/legacy form of
// decommissioned-bricks into a slice, trimming whitespace around each
// entry.
func ParseDecommissionedBricks(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseMinFree interprets a min-free-disk/min-free-inodes value the way
// the original CLI does: a bare integer under 100 with no '%' or unit
// suffix is still a percentage, a value followed by a byte-unit suffix
// (e.g. "100GB") is bytes.
func ParseMinFree(raw string) (value float64, bytesUnit bool, err error) {
	raw = strings.TrimSpace(raw)
	if strings.HasSuffix(raw, "%") {
		v, err := strconv.ParseFloat(strings.TrimSuffix(raw, "%"), 64)
		return v, false, err
	}
	trimmed := strings.TrimRight(raw, "KMGTkmgtBb")
	if trimmed != raw {
		v, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, false, err
		}
		return v * unitMultiplier(raw[len(trimmed):]), true, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, err
	}
	return v, v >= 100, nil
}

func unitMultiplier(suffix string) float64 {
	switch strings.ToUpper(strings.TrimRight(suffix, "Bb")) {
	case "K":
		return 1 << 10
	case "M":
		return 1 << 20
	case "G":
		return 1 << 30
	case "T":
		return 1 << 40
	default:
		return 1
	}
}
