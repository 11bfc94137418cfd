// Command dhtctl is an operator entry point for driving the cluster's
// admin-only operations from outside the process that owns it: the
// Go-native replacement for volfile-driven rebalance-cmd/
// decommissioned-bricks knobs, grounded on rclone's cobra command tree
// convention (each verb self-registers onto a shared root via init).
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gluster-dht/dht-core/dht"
	"github.com/gluster-dht/dht-core/dht/config"
	"github.com/gluster-dht/dht-core/dht/diskusage"
	"github.com/gluster-dht/dht-core/dht/subvolume"
	"github.com/gluster-dht/dht-core/dht/subvolume/posix"
)

var (
	configPath string
	brickFlags []string
)

// root is the top-level command every verb attaches itself to via init,
// the same self-registration idiom backend/torrent/cmd/backend.go uses
// against rclone's own cmd.Root.
var root = &cobra.Command{
	Use:   "dhtctl",
	Short: "Administer a DHT-distributed volume",
	Long: `dhtctl drives the admin-only operations of a running DHT
cluster: triggering and inspecting rebalance, migrating a single file,
repairing a directory's layout, and decommissioning a brick.`,
	SilenceUsage: true,
}

func init() {
	flags := root.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "path to the cluster's YAML config file (required)")
	flags.StringArrayVar(&brickFlags, "brick", nil, "brick `name=path` mapping; repeat once per subvolume")
	_ = root.MarkPersistentFlagRequired("config")
}

// Main is the package entry point; kept separate from func main so tests
// can exercise command wiring without calling os.Exit.
func Main() int {
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dhtctl: %v\n", err)
		return 1
	}
	return 0
}

// parseBrickFlags turns repeated "name=path" flags into a name->path map.
func parseBrickFlags(flags []string) (map[string]string, error) {
	out := make(map[string]string, len(flags))
	for _, f := range flags {
		name, path, ok := strings.Cut(f, "=")
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("malformed --brick %q, want name=path", f)
		}
		out[name] = path
	}
	return out, nil
}

// buildCluster loads the cluster config, constructs a posix.Brick for
// every subvolume named in it from the --brick path mapping, marks every
// subvolume up, and primes the disk-usage tracker with one synchronous
// refresh (this is a one-shot CLI invocation, not a long-running daemon,
// so there's no periodic Tracker.Run goroutine to start).
func buildCluster(cmd *cobra.Command) (*dht.Cluster, error) {
	opt, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	paths, err := parseBrickFlags(brickFlags)
	if err != nil {
		return nil, err
	}

	vtables := make(map[string]subvolume.Vtable, len(opt.Subvolumes))
	sources := make(map[string]diskusage.Source, len(opt.Subvolumes))
	for _, name := range opt.Subvolumes {
		path, ok := paths[name]
		if !ok {
			return nil, fmt.Errorf("no --brick mapping given for subvolume %q", name)
		}
		b := posix.New(path)
		vtables[name] = b
		sources[name] = b
	}

	c, err := dht.New(opt, vtables)
	if err != nil {
		return nil, err
	}

	for _, h := range c.Subvolumes() {
		c.Notifier().Handle(h, subvolume.EventChildUp)
	}

	th := diskusage.Thresholds{MinFreeDisk: opt.MinFreeDisk, Unit: diskusage.UnitPercent, MinFreeInodes: opt.MinFreeInodes}
	tracker := diskusage.NewTracker(c.Subvolumes(), sources, time.Minute, th)
	tracker.RefreshOnce(cmd.Context())
	c.SetUsageTracker(tracker)

	return c, nil
}

func ctx(cmd *cobra.Command) context.Context {
	if cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}
