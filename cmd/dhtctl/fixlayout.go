package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	root.AddCommand(fixLayoutCmd)
}

var fixLayoutCmd = &cobra.Command{
	Use:   "fix-layout <dir>",
	Short: "Rebuild a directory's hash-range layout from its subvolumes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildCluster(cmd)
		if err != nil {
			return err
		}
		result, err := c.FixLayout(ctx(cmd), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "missing_dirs=%d holes=%d overlaps=%d\n",
			result.MissingDirs, result.Anomalies.Holes, result.Anomalies.Overlaps)
		return nil
	},
}
