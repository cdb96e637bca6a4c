package core

import (
	"context"
	"time"
)

// MetricsRecorder receives one observation per cache operation.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Tracer opens spans around cache operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is closed with the operation outcome.
type TraceSpan interface {
	End(err error)
}

// AuditStatus is the outcome of an audited operation.
type AuditStatus string

// Audit statuses.
const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry describes one completed operation.
type AuditEntry struct {
	Operation string
	Status    AuditStatus
	Entities  int
	BatchID   string
	Error     string
	Duration  time.Duration
	Timestamp time.Time
}

// AuditRecorder receives audit entries for saves, imports and exports.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type noopMetricsRecorder struct{}

func (noopMetricsRecorder) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

type noopAuditRecorder struct{}

func (noopAuditRecorder) Record(context.Context, AuditEntry) {}

// Operation names reported to metrics, traces and audit.
const (
	opAttach = "attach"
	opMerge  = "merge"
	opQuery  = "query"
	opSave   = "save"
	opImport = "import"
	opExport = "export"
)

// operation tracks one instrumented call.
type operation struct {
	m       *Manager
	ctx     context.Context
	name    string
	span    TraceSpan
	started time.Time
	audited bool

	entities int
	batchID  string
}

func (m *Manager) instrument(ctx context.Context, name string, audited bool) (context.Context, *operation) {
	ctx, span := m.tracer.Start(ctx, name)
	return ctx, &operation{m: m, ctx: ctx, name: name, span: span, started: m.clock.Now(), audited: audited}
}

func (o *operation) end(err error) {
	duration := o.m.clock.Now().Sub(o.started)
	o.span.End(err)
	o.m.metrics.Observe(o.ctx, o.name, err == nil, duration)
	if !o.audited {
		return
	}
	entry := AuditEntry{
		Operation: o.name,
		Status:    AuditStatusSuccess,
		Entities:  o.entities,
		BatchID:   o.batchID,
		Duration:  duration,
		Timestamp: o.m.clock.Now(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
	}
	o.m.audit.Record(o.ctx, entry)
}
