package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gluster-dht/dht-core/dht"
	"github.com/gluster-dht/dht-core/dht/dhtlog"
)

var stateFile string

var rebalanceCmd = &cobra.Command{
	Use:   "rebalance",
	Short: "Drive or inspect a full-volume rebalance",
}

func init() {
	root.AddCommand(rebalanceCmd)
	rebalanceCmd.PersistentFlags().StringVar(&stateFile, "state-file", "dhtctl-rebalance-status.json",
		"where rebalance start/status/stop keep run status between invocations")
	rebalanceCmd.AddCommand(rebalanceStartCmd, rebalanceStopCmd, rebalanceStatusCmd)
}

// status is rebalance's on-disk progress record; start writes it as it
// walks so a concurrent status/stop invocation (a separate dhtctl
// process) has something to read.
type status struct {
	Running       bool      `json:"running"`
	FilesScanned  int       `json:"files_scanned"`
	FilesMigrated int       `json:"files_migrated"`
	Errors        int       `json:"errors"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at,omitempty"`
}

func loadStatus(path string) (status, error) {
	var s status
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return s, err
	}
	err = json.Unmarshal(data, &s)
	return s, err
}

func saveStatus(path string, s status) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func stopFilePath(statePath string) string {
	return statePath + ".stop"
}

var rebalanceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Walk the volume and migrate every misplaced file onto its hashed subvolume",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildCluster(cmd)
		if err != nil {
			return err
		}
		os.Remove(stopFilePath(stateFile))

		s := status{Running: true, StartedAt: time.Now()}
		if err := saveStatus(stateFile, s); err != nil {
			return err
		}

		w := &rebalanceWalk{cluster: c, state: &s, statePath: stateFile}
		walkErr := w.walk(ctx(cmd), "/")

		s.Running = false
		s.FinishedAt = time.Now()
		if err := saveStatus(stateFile, s); err != nil {
			return err
		}
		dhtlog.Log.WithField("scanned", s.FilesScanned).WithField("migrated", s.FilesMigrated).
			WithField("errors", s.Errors).Info("rebalance finished")
		return walkErr
	},
}

var rebalanceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask an in-progress rebalance to stop at its next checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Create(stopFilePath(stateFile))
		if err != nil {
			return err
		}
		return f.Close()
	},
}

var rebalanceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the last (or currently running) rebalance's progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadStatus(stateFile)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "running=%v scanned=%d migrated=%d errors=%d\n",
			s.Running, s.FilesScanned, s.FilesMigrated, s.Errors)
		return nil
	},
}

// rebalanceWalk recursively unions every subvolume's directory listing
// (files, unlike directories, live on only one or two subvolumes at a
// time, so no single subvolume's Readdir is authoritative) and migrates
// each regular file whose cached subvolume no longer matches its
// layout-hashed one.
type rebalanceWalk struct {
	cluster   *dht.Cluster
	state     *status
	statePath string
}

func (w *rebalanceWalk) stopRequested() bool {
	_, err := os.Stat(stopFilePath(w.statePath))
	return err == nil
}

func (w *rebalanceWalk) walk(ctx context.Context, dir string) error {
	if w.stopRequested() {
		return nil
	}

	seen := make(map[string]bool)
	var names []string
	for _, h := range w.cluster.Subvolumes() {
		entries, err := h.VT.Readdir(ctx, dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !seen[e.Name] {
				seen[e.Name] = true
				names = append(names, e.Name)
			}
		}
	}

	for _, name := range names {
		if w.stopRequested() {
			return nil
		}
		if err := w.visit(ctx, dir, name); err != nil {
			w.state.Errors++
			dhtlog.Log.WithField("dir", dir).WithField("name", name).WithError(err).Warn("rebalance: visit failed")
		}
		if w.state.FilesScanned%50 == 0 {
			_ = saveStatus(w.statePath, *w.state)
		}
	}
	return nil
}

func (w *rebalanceWalk) visit(ctx context.Context, dir, name string) error {
	out := w.cluster.Lookup(ctx, dir, name)
	if out.Err != nil {
		return out.Err
	}
	w.state.FilesScanned++

	if out.Attr.IsDir {
		child := dir + "/" + name
		if dir == "/" {
			child = "/" + name
		}
		return w.walk(ctx, child)
	}
	if !out.Attr.IsRegular {
		return nil
	}

	parent := w.cluster.CachedLayout(dir)
	if parent == nil {
		return nil
	}
	hashedName, err := parent.Search(w.cluster.Munger(), name)
	if err != nil {
		return err
	}
	if hashedName == out.CachedSubvol {
		return nil
	}
	dst := w.cluster.Handle(hashedName)
	if dst == nil {
		return nil
	}
	if err := w.cluster.MigrateData(ctx, dir, name, dst); err != nil {
		return err
	}
	w.state.FilesMigrated++
	return nil
}
