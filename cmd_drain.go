package main

import (
	"github.com/spf13/cobra"
)

func newDrainCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Process one batch of due queue items and exit",
		Long: `Process one batch of due retry queue items and exit.

Intended for an external cron trigger when serve runs with --no-scheduler.
Items are processed one at a time, so a failure never undoes earlier items.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.scheduler.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
}
