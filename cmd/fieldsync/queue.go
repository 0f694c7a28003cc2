package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var entityType string

func init() {
	queueListCmd.Flags().StringVarP(&entityType, "type", "t", "", "only list operations of this entity type")
	queueCmd.AddCommand(queueListCmd, queueRetryCmd)
	rootCmd.AddCommand(queueCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the offline mutation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued operations in replay order",
	RunE: withSession(func(cmd *cobra.Command, args []string, s *session) error {
		ops := s.client.Pending(entityType)
		if len(ops) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No pending operations.")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SEQ\tLOCAL ID\tKIND\tTYPE\tSERVER ID\tPHOTOS\tATTEMPTS\tQUEUED\tLAST ERROR")
		for _, op := range ops {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d/%d\t%d\t%s\t%s\n",
				op.Seq,
				op.LocalID,
				op.Kind,
				op.EntityType,
				dash(op.ServerID),
				len(op.Blobs)-len(op.PendingBlobs()), len(op.Blobs),
				op.Attempts,
				op.CreatedAt.Format(time.RFC3339),
				dash(strings.TrimSpace(op.LastError)))
		}
		return tw.Flush()
	}),
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <local-id>...",
	Short: "Reset the attempt counters of parked operations",
	Args:  cobra.MinimumNArgs(1),
	RunE: withSession(func(cmd *cobra.Command, args []string, s *session) error {
		for _, id := range args {
			if err := s.client.RetryPending(cmd.Context(), id); err != nil {
				return fmt.Errorf("retry %s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset %s\n", id)
		}
		return nil
	}),
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
