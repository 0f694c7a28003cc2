package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cacheCmd.AddCommand(cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the read cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every cached read. Queued operations are kept.",
	RunE: withSession(func(cmd *cobra.Command, args []string, s *session) error {
		n := s.client.Stats().MemoryEntries
		if err := s.client.ClearCache(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d cached entries.\n", n)
		return nil
	}),
}
