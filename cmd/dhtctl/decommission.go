package main

import (
	"github.com/spf13/cobra"
)

func init() {
	root.AddCommand(decommissionCmd)
}

var decommissionCmd = &cobra.Command{
	Use:   "decommission <brick>",
	Short: "Mark a brick as draining so new placement avoids it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildCluster(cmd)
		if err != nil {
			return err
		}
		return c.DecommissionBrick(args[0])
	},
}
