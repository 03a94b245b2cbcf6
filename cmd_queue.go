package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"boardsync/internal/models"
	"boardsync/internal/queue"
)

func newQueueCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the sync retry queue",
	}
	cmd.AddCommand(newQueueStatsCommand(root))
	cmd.AddCommand(newQueueListCommand(root))
	cmd.AddCommand(newQueueRetryCommand(root))
	return cmd
}

func newQueueStatsCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show item counts per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStore(root.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := queue.NewReport(a.db)
			if err != nil {
				return err
			}
			stats, err := report.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func newQueueListCommand(root *rootOptions) *cobra.Command {
	var (
		entityType, direction, status string
		page, pageSize                int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStore(root.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := queue.NewReport(a.db)
			if err != nil {
				return err
			}
			res, err := report.List(cmd.Context(), queue.Filter{
				EntityType: models.EntityType(entityType),
				Direction:  models.QueueDirection(direction),
				Status:     models.QueueStatus(status),
			}, page, pageSize)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&entityType, "entity-type", "", "filter by entity type (contact|organization)")
	cmd.Flags().StringVar(&direction, "direction", "", "filter by direction (to_remote|to_local)")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending|in_progress|completed|failed)")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "items per page")
	return cmd
}

func newQueueRetryCommand(root *rootOptions) *cobra.Command {
	var resetAttempts bool

	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Make a queue item due immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid queue item id %q", args[0])
			}

			a, err := openStore(root.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			item, err := a.queue.ManualRetry(cmd.Context(), uint(id), resetAttempts)
			if err != nil {
				return err
			}
			if item == nil {
				return fmt.Errorf("queue item %d not found", id)
			}
			return writeJSON(cmd.OutOrStdout(), item)
		},
	}
	cmd.Flags().BoolVar(&resetAttempts, "reset-attempts", false, "reset the attempt counter to zero")
	return cmd
}
