package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/cobra"
)

var showMetrics bool

func init() {
	statusCmd.Flags().BoolVar(&showMetrics, "metrics", false, "also print the exported metrics")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache, queue and circuit breaker status",
	RunE: withSession(func(cmd *cobra.Command, args []string, s *session) error {
		out := cmd.OutOrStdout()
		c := s.client

		st := c.Stats()
		fmt.Fprintln(out, "Cache:")
		fmt.Fprintf(out, "  Entries:  %d (%d bytes)\n", st.MemoryEntries, st.MemoryUsageBytes)
		fmt.Fprintf(out, "  Degraded: %t\n", st.Degraded)

		pending := c.PendingCount()
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Queue:")
		fmt.Fprintf(out, "  Pending:  %d (creates %d, updates %d, deletes %d)\n",
			pending.Total, pending.Creates, pending.Updates, pending.Deletes)
		fmt.Fprintf(out, "  Online:   %t\n", c.Monitor().IsOnline())

		breakers := c.BreakerStatus()
		if len(breakers) > 0 {
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Breakers:")
			endpoints := make([]string, 0, len(breakers))
			for e := range breakers {
				endpoints = append(endpoints, e)
			}
			sort.Strings(endpoints)
			for _, e := range endpoints {
				b := breakers[e]
				fmt.Fprintf(out, "  %-40s %-8s failures=%d\n", e, b.State, b.Failures)
			}
		}

		if showMetrics {
			families, err := s.collector.GetRegistry().Gather()
			if err != nil {
				return fmt.Errorf("failed to gather metrics: %w", err)
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Metrics:")
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, mf := range families {
				for _, m := range mf.GetMetric() {
					fmt.Fprintf(tw, "  %s%s\t%s\n", mf.GetName(), labels(m), value(mf.GetType(), m))
				}
			}
			return tw.Flush()
		}
		return nil
	}),
}

func labels(m *dto.Metric) string {
	if len(m.GetLabel()) == 0 {
		return ""
	}
	parts := make([]string, 0, len(m.GetLabel()))
	for _, l := range m.GetLabel() {
		parts = append(parts, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func value(t dto.MetricType, m *dto.Metric) string {
	switch t {
	case dto.MetricType_COUNTER:
		return fmt.Sprintf("%g", m.GetCounter().GetValue())
	case dto.MetricType_GAUGE:
		return fmt.Sprintf("%g", m.GetGauge().GetValue())
	case dto.MetricType_HISTOGRAM:
		h := m.GetHistogram()
		return fmt.Sprintf("count=%d sum=%g", h.GetSampleCount(), h.GetSampleSum())
	default:
		return "-"
	}
}
