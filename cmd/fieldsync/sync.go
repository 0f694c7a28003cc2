package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldops/fieldsync/pkg/syncer"
)

func init() {
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued operations against the API",
	RunE: withSession(func(cmd *cobra.Command, args []string, s *session) error {
		out := cmd.OutOrStdout()
		unsub := s.client.SubscribeSync(func(p syncer.Progress) {
			if p.LocalID == "" {
				return
			}
			result := "ok"
			if p.Err != nil {
				result = p.Err.Error()
			}
			fmt.Fprintf(out, "[%3.0f%%] %s %s\n", p.Percent, p.LocalID, result)
		})
		defer unsub()

		res, err := s.client.Sync(cmd.Context())
		if err != nil && res.State == syncer.Idle {
			return err
		}
		fmt.Fprintf(out, "%s: %d synced, %d failed, %d skipped, %d remaining\n",
			res.State, res.Succeeded, res.Failed, res.Skipped, res.Remaining)
		return err
	}),
}
