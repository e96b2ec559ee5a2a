package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemo-db/mnemo"
)

var _ mnemo.MetricsCollector = (*PrometheusCollector)(nil)

func newTestCollector(t *testing.T) (*PrometheusCollector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	c, err := NewPrometheusCollector(func(o *Options) {
		o.Registerer = reg
	})
	require.NoError(t, err)
	return c, reg
}

func TestCollectorRecordsOperations(t *testing.T) {
	c, reg := newTestCollector(t)

	c.RecordLearn(5*time.Millisecond, nil)
	c.RecordLearn(time.Millisecond, errors.New("boom"))
	c.RecordEdge(time.Millisecond, nil)
	c.RecordSearch(10, 2*time.Millisecond, nil)
	c.RecordDelete(time.Millisecond, nil)

	// One histogram series per op/status pair that was observed.
	assert.Equal(t, 5, testutil.CollectAndCount(c.opLatency, "mnemo_operation_latency_seconds"))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(mfs))
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["mnemo_operation_latency_seconds"])
	assert.True(t, names["mnemo_search_k"])
}

func TestCollectorSnapshotStatus(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordSnapshot(time.Second, 2048, nil)
	assert.Equal(t, float64(1), testutil.ToFloat64(c.snapshots.WithLabelValues("success")))
	assert.Equal(t, float64(2048), testutil.ToFloat64(c.snapshotSize))

	// Failures count but keep the last good size.
	c.RecordSnapshot(time.Second, 0, errors.New("disk full"))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.snapshots.WithLabelValues("error")))
	assert.Equal(t, float64(2048), testutil.ToFloat64(c.snapshotSize))
}

func TestCollectorReplay(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordReplay(42, 3*time.Second, nil)
	assert.Equal(t, float64(42), testutil.ToFloat64(c.replayEntries))
	assert.Equal(t, float64(3), testutil.ToFloat64(c.replaySeconds))
	assert.Equal(t, float64(0), testutil.ToFloat64(c.replayFailures))

	c.RecordReplay(0, time.Second, errors.New("torn log"))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.replayFailures))
}

func TestCollectorDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheusCollector(func(o *Options) { o.Registerer = reg })
	require.NoError(t, err)

	_, err = NewPrometheusCollector(func(o *Options) { o.Registerer = reg })
	assert.Error(t, err)
}

func TestCollectorCustomNamespace(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewPrometheusCollector(func(o *Options) {
		o.Registerer = reg
		o.Namespace = "graphd"
	})
	require.NoError(t, err)

	c.RecordLearn(time.Millisecond, nil)
	assert.Equal(t, 1, testutil.CollectAndCount(c.opLatency, "graphd_operation_latency_seconds"))
}
