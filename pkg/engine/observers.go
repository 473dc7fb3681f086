package engine

import (
	"context"

	"github.com/openfroyo/converge/pkg/telemetry"
)

// MetricsObserver feeds reconciliation results into Prometheus metrics.
type MetricsObserver struct {
	metrics *telemetry.Metrics
}

// NewMetricsObserver creates an observer recording into m.
func NewMetricsObserver(m *telemetry.Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

// Observe implements Observer.
func (o *MetricsObserver) Observe(_ context.Context, rec Record) {
	kind := string(rec.Spec.Kind)
	if rec.Err != nil {
		o.metrics.RecordReconciliation(kind, "error", CodeOf(rec.Err), rec.Duration)
		return
	}
	o.metrics.RecordReconciliation(kind, string(rec.Result.Outcome), rec.Result.Reason, rec.Duration)
	if rec.Result.BackupPath != "" && !rec.Result.DryRun {
		o.metrics.RecordBackup(kind)
	}
}

// Tally counts results by outcome.
type Tally struct {
	Calls     int            `json:"calls"`
	Changed   int            `json:"changed"`
	Unchanged int            `json:"unchanged"`
	Aborted   int            `json:"aborted"`
	Failed    int            `json:"failed"`
	Reasons   map[string]int `json:"reasons,omitempty"`
}

// Observe implements Observer.
func (t *Tally) Observe(_ context.Context, rec Record) {
	t.Calls++
	if rec.Err != nil {
		t.Failed++
		return
	}
	switch rec.Result.Outcome {
	case OutcomeChanged:
		t.Changed++
	case OutcomeUnchanged:
		t.Unchanged++
	case OutcomeAborted:
		t.Aborted++
		if t.Reasons == nil {
			t.Reasons = make(map[string]int)
		}
		t.Reasons[rec.Result.Reason]++
	}
}
