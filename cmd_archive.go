package main

import (
	"github.com/spf13/cobra"

	"boardsync/internal/archive"
)

func newArchiveCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Upload JSON-lines snapshots of the queue and conflict log to S3",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := archive.NewS3Client(root.cfg.S3)
			if err != nil {
				return err
			}
			a, err := openStore(root.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			objs, err := archive.NewExporter(a.db, client, root.cfg.S3, nil).Export(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), objs)
		},
	}
}
