package stores

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// Journal records one apply run and every reconciliation result in a Store.
// It implements engine.Observer; write failures are logged, never returned to
// the engine.
type Journal struct {
	store  Store
	logger *telemetry.Logger
	now    func() time.Time

	mu     sync.Mutex
	run    *Run
	counts RunCounts
}

var _ engine.Observer = (*Journal)(nil)

// NewJournal creates a journal writing to store.
func NewJournal(store Store, logger *telemetry.Logger) *Journal {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Journal{
		store:  store,
		logger: logger.NewComponentLogger("journal"),
		now:    time.Now,
	}
}

// Begin opens a run record and returns its ID.
func (j *Journal) Begin(ctx context.Context, manifest string, dryRun bool) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.run != nil {
		return "", fmt.Errorf("run %s is still open", j.run.ID)
	}

	run := &Run{
		ID:        uuid.New().String(),
		Manifest:  manifest,
		DryRun:    dryRun,
		Status:    RunStatusRunning,
		StartedAt: j.now(),
	}
	if err := j.store.CreateRun(ctx, run); err != nil {
		return "", err
	}

	j.run = run
	j.counts = RunCounts{}
	j.logger.WithRunID(run.ID).Debug("journal run opened")
	return run.ID, nil
}

// Observe implements engine.Observer.
func (j *Journal) Observe(ctx context.Context, rec engine.Record) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.run == nil {
		return
	}

	res := newResourceResult(j.run.ID, rec, j.now())
	j.counts.Calls++
	switch res.Outcome {
	case ResultChanged:
		j.counts.Changed++
	case ResultAborted:
		j.counts.Aborted++
	case ResultFailed:
		j.counts.Failed++
	}

	if err := j.store.AppendResult(ctx, res); err != nil {
		j.logger.WithError(err).WithField("path", res.Path).Warn("failed to journal result")
	}
}

// Finish closes the open run. runErr decides the final status.
func (j *Journal) Finish(ctx context.Context, runErr error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.run == nil {
		return fmt.Errorf("no open run")
	}

	status := RunStatusCompleted
	var errMsg *string
	if runErr != nil {
		status = RunStatusFailed
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			status = RunStatusCancelled
		}
		msg := runErr.Error()
		errMsg = &msg
	}

	// The run context may already be cancelled; the final write must still land.
	err := j.store.FinishRun(context.WithoutCancel(ctx), j.run.ID, status, j.counts, errMsg)
	j.logger.WithRunID(j.run.ID).WithField("status", string(status)).Debug("journal run closed")
	j.run = nil
	return err
}

// Counts returns the counts of the open run.
func (j *Journal) Counts() RunCounts {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.counts
}

func newResourceResult(runID string, rec engine.Record, at time.Time) *ResourceResult {
	res := &ResourceResult{
		RunID:      runID,
		Kind:       string(rec.Spec.Kind),
		Duration:   rec.Duration,
		RecordedAt: at,
	}

	if rec.Err != nil || rec.Result == nil {
		res.Path = rec.Spec.Dest
		res.Outcome = ResultFailed
		if rec.Err != nil {
			res.Reason = optional(engine.CodeOf(rec.Err))
			res.Message = optional(rec.Err.Error())
		}
		return res
	}

	r := rec.Result
	res.Path = r.Path
	if res.Path == "" {
		res.Path = rec.Spec.Dest
	}
	res.Outcome = ResultOutcome(r.Outcome)
	res.Reason = optional(r.Reason)
	res.Message = optional(r.Message)
	res.BackupPath = optional(r.BackupPath)
	if r.Diff != nil {
		res.Diff = optional(r.Diff.Unified)
	}
	return res
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
