package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldops/fieldsync/pkg/cache"
)

var params []string

func init() {
	getCmd.Flags().StringArrayVarP(&params, "param", "p", nil, "query parameter as key=value, repeatable")
	rootCmd.AddCommand(getCmd)
}

var getCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Read a path through the cache",
	Args:  cobra.ExactArgs(1),
	RunE: withSession(func(cmd *cobra.Command, args []string, s *session) error {
		q := cache.Query{Template: args[0], Params: map[string][]string{}}
		for _, p := range params {
			k, v, ok := strings.Cut(p, "=")
			if !ok {
				return fmt.Errorf("invalid parameter %q, want key=value", p)
			}
			q.Params[k] = append(q.Params[k], v)
		}

		res, err := s.client.Read(cmd.Context(), q)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.ErrOrStderr(), "state=%s stale=%t cached=%t stored=%s\n",
			res.State, res.IsStale, res.IsFromCache, res.StoredAt.Format(time.RFC3339))
		if res.Warning != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", res.Warning)
		}

		var pretty bytes.Buffer
		if json.Indent(&pretty, res.Data, "", "  ") != nil {
			_, err = cmd.OutOrStdout().Write(res.Data)
			return err
		}
		pretty.WriteByte('\n')
		_, err = pretty.WriteTo(cmd.OutOrStdout())
		return err
	}),
}
