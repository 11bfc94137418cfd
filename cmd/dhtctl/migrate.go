package main

import (
	"fmt"
	"path"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	root.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate <path> <dest-brick>",
	Short: "Move a single file onto a named destination subvolume",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildCluster(cmd)
		if err != nil {
			return err
		}
		dir, name := splitPath(args[0])
		dst := c.Handle(args[1])
		if dst == nil {
			return fmt.Errorf("unknown destination subvolume %q", args[1])
		}
		return c.MigrateData(ctx(cmd), dir, name, dst)
	},
}

// splitPath breaks a cluster-relative path into its parent directory
// and final component, the shape every dht.Cluster method expects.
func splitPath(p string) (dir, name string) {
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		return "/", ""
	}
	dir = path.Dir(p)
	name = path.Base(p)
	return dir, name
}
