package stores

import (
	"context"
	"time"
)

// RunStatus represents the status of an apply run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// ResultOutcome is the journaled outcome of one reconciliation. It extends
// the engine outcomes with failed, for calls that returned a fatal error.
type ResultOutcome string

const (
	ResultUnchanged ResultOutcome = "unchanged"
	ResultChanged   ResultOutcome = "changed"
	ResultAborted   ResultOutcome = "aborted"
	ResultFailed    ResultOutcome = "failed"
)

// RunCounts summarises the results of a run.
type RunCounts struct {
	Calls   int `json:"calls" yaml:"calls"`
	Changed int `json:"changed" yaml:"changed"`
	Aborted int `json:"aborted" yaml:"aborted"`
	Failed  int `json:"failed" yaml:"failed"`
}

// Run represents one manifest apply
type Run struct {
	ID          string     `json:"id" yaml:"id"`
	Manifest    string     `json:"manifest" yaml:"manifest"`
	DryRun      bool       `json:"dry_run" yaml:"dry_run"`
	Status      RunStatus  `json:"status" yaml:"status"`
	Counts      RunCounts  `json:"counts" yaml:"counts"`
	Error       *string    `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at" yaml:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// ResourceResult is the journaled result of one reconciliation
type ResourceResult struct {
	ID         int64         `json:"id" yaml:"id"`
	RunID      string        `json:"run_id" yaml:"run_id"`
	Kind       string        `json:"kind" yaml:"kind"`
	Path       string        `json:"path" yaml:"path"`
	Outcome    ResultOutcome `json:"outcome" yaml:"outcome"`
	Reason     *string       `json:"reason,omitempty" yaml:"reason,omitempty"`
	Message    *string       `json:"message,omitempty" yaml:"message,omitempty"`
	BackupPath *string       `json:"backup_path,omitempty" yaml:"backup_path,omitempty"`
	Diff       *string       `json:"diff,omitempty" yaml:"diff,omitempty"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
	RecordedAt time.Time     `json:"recorded_at" yaml:"recorded_at"`
}

// Store defines the interface for the journal persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	FinishRun(ctx context.Context, id string, status RunStatus, counts RunCounts, errMsg *string) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error
	PruneRuns(ctx context.Context, before time.Time) (int64, error)

	// Result operations
	AppendResult(ctx context.Context, result *ResourceResult) error
	ListResults(ctx context.Context, runID string) ([]*ResourceResult, error)
	ListResultsByPath(ctx context.Context, path string, limit int) ([]*ResourceResult, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
