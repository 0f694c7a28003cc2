package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, p *PrometheusCollector) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := p.GetRegistry().Gather()
	require.NoError(t, err)

	out := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		out[mf.GetName()] = mf
	}
	return out
}

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func TestPrometheusCollector(t *testing.T) {
	p, err := NewPrometheusCollector()
	require.NoError(t, err)

	p.RecordCacheHit()
	p.RecordCacheHit()
	p.RecordCacheMiss()
	p.RecordBackgroundRefresh("error")
	p.RecordEvictions(3)
	p.SetCacheSize(2048, 4)
	p.RecordRequest("GET /api/jobs", "OK", 120*time.Millisecond)
	p.RecordRequest("GET /api/jobs", "Server", 80*time.Millisecond)
	p.SetBreakerState("GET /api/jobs", 1)
	p.SetPendingOperations("create", 2)
	p.RecordSyncRun("completed")

	families := gather(t, p)

	assert.Equal(t, 2.0, families["fieldsync_cache_hits_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, families["fieldsync_cache_misses_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 3.0, families["fieldsync_cache_evictions_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 2048.0, families["fieldsync_cache_bytes"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 4.0, families["fieldsync_cache_entries"].GetMetric()[0].GetGauge().GetValue())

	refresh := families["fieldsync_cache_background_refreshes_total"].GetMetric()
	require.Len(t, refresh, 1)
	assert.Equal(t, "error", labelValue(refresh[0], "result"))

	requests := families["fieldsync_requests_total"].GetMetric()
	require.Len(t, requests, 2)
	for _, m := range requests {
		assert.Equal(t, "GET /api/jobs", labelValue(m, "endpoint"))
	}

	duration := families["fieldsync_request_duration_seconds"].GetMetric()
	require.Len(t, duration, 1)
	assert.Equal(t, uint64(2), duration[0].GetHistogram().GetSampleCount())

	assert.Equal(t, 1.0, families["fieldsync_breaker_state"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, "create", labelValue(families["fieldsync_pending_operations"].GetMetric()[0], "kind"))
	assert.Contains(t, families, "fieldsync_sync_runs_total")
}

func TestCustomConfiguration(t *testing.T) {
	p, err := NewPrometheusCollector(
		WithNamespace("field"),
		WithSubsystem("client"),
		WithConstLabels(map[string]string{"device": "tablet-7"}),
	)
	require.NoError(t, err)

	p.RecordCacheMiss()

	families := gather(t, p)
	mf, ok := families["field_client_cache_misses_total"]
	require.True(t, ok)
	assert.Equal(t, "tablet-7", labelValue(mf.GetMetric()[0], "device"))
}

func TestCounters(t *testing.T) {
	var c Counters

	assert.Zero(t, c.Snapshot().HitRate)

	c.Hit()
	c.Hit()
	c.Hit()
	c.Miss()
	c.Error()
	c.BackgroundRefresh()
	c.BackgroundRefreshFailed()
	c.ObserveResponse(10 * time.Millisecond)
	c.ObserveResponse(30 * time.Millisecond)

	s := c.Snapshot()
	assert.Equal(t, uint64(3), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.Equal(t, uint64(1), s.Errors)
	assert.Equal(t, uint64(1), s.BackgroundRefreshes)
	assert.Equal(t, uint64(1), s.BackgroundRefreshFailures)
	assert.InDelta(t, 0.75, s.HitRate, 1e-9)
	assert.InDelta(t, 20.0, s.AvgResponseTimeMs, 1e-9)

	c.Reset()
	assert.Equal(t, Snapshot{}, c.Snapshot())
}
