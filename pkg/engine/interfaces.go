package engine

import (
	"context"
	"time"
)

// Agent is the fixed convergence API exposed to manifests and templates.
type Agent interface {
	// Edit makes a file hold compiled content with the given attributes.
	Edit(ctx context.Context, req EditRequest) (*ChangeResult, error)

	// Mkdir makes a directory exist with the given attributes.
	Mkdir(ctx context.Context, req MkdirRequest) (*ChangeResult, error)

	// Symlink makes a symbolic link exist with the given target and owner.
	Symlink(ctx context.Context, req SymlinkRequest) (*ChangeResult, error)

	// Visudo installs a sudoers drop-in after a syntax check.
	Visudo(ctx context.Context, req VisudoRequest) (*ChangeResult, error)
}

// SyntaxChecker validates candidate sudoers content without touching the host.
type SyntaxChecker interface {
	// Check returns ok=false with the checker's diagnostics when content is
	// rejected. err is reserved for failing to run the checker at all.
	Check(ctx context.Context, content []byte) (ok bool, output string, err error)
}

// GuardRequest describes a mutation about to be reconciled.
type GuardRequest struct {
	Kind      ResourceKind `json:"kind"`
	Operation string       `json:"operation"`
	Path      string       `json:"path"`
	Mode      string       `json:"mode,omitempty"`
	Owner     string       `json:"owner,omitempty"`
	Group     string       `json:"group,omitempty"`
	DryRun    bool         `json:"dry_run"`
}

// GuardDecision is the verdict of a Guard.
type GuardDecision struct {
	Allowed    bool     `json:"allowed"`
	Violations []string `json:"violations,omitempty"`
}

// Guard vets a resource before it is reconciled.
type Guard interface {
	Check(ctx context.Context, req GuardRequest) (*GuardDecision, error)
}

// Record is what observers receive after every reconciliation.
type Record struct {
	Spec     ResourceSpec
	Result   *ChangeResult
	Err      error
	Duration time.Duration
}

// Observer receives a Record for every completed call. Observers must not
// fail the reconciliation.
type Observer interface {
	Observe(ctx context.Context, rec Record)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, rec Record)

// Observe implements Observer.
func (f ObserverFunc) Observe(ctx context.Context, rec Record) {
	f(ctx, rec)
}

// TemplateContext supplies extra template functions, such as the package
// and command helpers of the manifest runtime.
type TemplateContext interface {
	TemplateFuncs(ctx context.Context) map[string]any
}
