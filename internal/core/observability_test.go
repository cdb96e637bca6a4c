package core

import (
	"bytes"
	"context"
	"encoding/json"
	"expvar"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitycore/pkg/domain"
	"entitycore/testutil"
)

func TestOperationsAreInstrumented(t *testing.T) {
	metrics := &recordingMetrics{}
	audit := &recordingAudit{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := ClockFunc(func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	})
	transport := &stubTransport{}
	m := newTestManager(t, WithMetricsRecorder(metrics), WithAuditRecorder(audit), WithClock(clock), WithTransport(transport))

	_, err := m.CreateEntity(testutil.TypeOrder, nil)
	require.NoError(t, err)
	_, err = m.SaveChanges(context.Background())
	require.NoError(t, err)
	_, err = m.ExportEntities(ExportOptions{})
	require.NoError(t, err)
	_, err = m.ImportEntities([]byte("{"), ImportOptions{})
	require.Error(t, err)

	assert.Equal(t, []string{opAttach, opSave, opExport, opImport}, metrics.ops)
	assert.Equal(t, []bool{true, true, true, false}, metrics.ok)

	require.Len(t, audit.entries, 3, "attach is not audited")
	save := audit.entries[0]
	assert.Equal(t, opSave, save.Operation)
	assert.Equal(t, AuditStatusSuccess, save.Status)
	assert.Equal(t, 1, save.Entities)
	assert.Equal(t, transport.batches[0].ID, save.BatchID)
	assert.Positive(t, save.Duration)
	assert.Equal(t, AuditStatusError, audit.entries[2].Status)
	assert.NotEmpty(t, audit.entries[2].Error)
}

func TestPrometheusMetricsRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusMetricsRecorder(reg)
	require.NoError(t, err)
	m := newTestManager(t, WithMetricsRecorder(rec))

	_, err = m.CreateEntity(testutil.TypeOrder, nil)
	require.NoError(t, err)
	_, err = m.CreateEntity(testutil.TypeOrder, map[string]any{"OrderID": -1})
	require.Error(t, err)

	assert.Equal(t, 1.0, promtest.ToFloat64(rec.operations.WithLabelValues(opAttach, "true")))
	assert.Equal(t, 1.0, promtest.ToFloat64(rec.operations.WithLabelValues(opAttach, "false")))
	assert.Equal(t, 1, promtest.CollectAndCount(rec.latency))

	_, err = NewPrometheusMetricsRecorder(reg)
	assert.Error(t, err, "collectors register once per registry")
	_, err = NewPrometheusMetricsRecorder(nil)
	assert.NoError(t, err)
}

func TestExpvarMetricsRecorder(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	rec.Observe(context.Background(), opSave, true, 3*time.Millisecond)
	rec.Observe(context.Background(), opSave, false, 5*time.Millisecond)
	rec.Observe(context.Background(), "", true, time.Second)

	snap := rec.Snapshot()
	assert.Equal(t, 8.0, snap.DurationsMS[opSave])
	assert.Equal(t, 5.0, snap.SlowestMS[opSave])
	assert.Equal(t, map[string]int64{"success": 1, "error": 1}, snap.Results[opSave])

	published := expvar.Get(rec.Name())
	require.NotNil(t, published)
	assert.Contains(t, published.String(), `"durations_ms_total"`)
}

func TestJSONTracerClassifiesErrors(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewJSONTracer(&buf)
	m := newTestManager(t, WithTracer(tracer), WithTransport(&stubTransport{err: &domain.SaveRejectedError{Kind: domain.SaveErrorConflict}}))

	_, err := m.CreateEntity(testutil.TypeOrder, nil)
	require.NoError(t, err)
	_, err = m.SaveChanges(context.Background())
	require.Error(t, err)

	entries := tracer.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "success", entries[0].Status)
	assert.Equal(t, "error", entries[1].Status)
	assert.Equal(t, "save_conflict", entries[1].ErrorKind)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var decoded JSONTraceEntry
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &decoded))
	assert.Equal(t, opSave, decoded.Operation)

	assert.Equal(t, "concurrent_save", errorKind(&domain.ConcurrentSaveError{}))
	assert.Equal(t, "cancelled", errorKind(context.Canceled))
	assert.Equal(t, "other", errorKind(assert.AnError))
}
