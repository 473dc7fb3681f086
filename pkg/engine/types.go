package engine

import (
	"io/fs"
	"time"
)

// ResourceKind identifies what a reconciliation manages.
type ResourceKind string

const (
	// KindFile is a regular file with managed content.
	KindFile ResourceKind = "file"
	// KindDirectory is a directory with managed attributes.
	KindDirectory ResourceKind = "directory"
	// KindSymlink is a symbolic link with a managed target.
	KindSymlink ResourceKind = "symlink"
	// KindSudoers is a file under the sudoers directory.
	KindSudoers ResourceKind = "sudoers"
)

// ResourceSpec is the desired state of one managed entry.
type ResourceSpec struct {
	// Kind is the resource kind.
	Kind ResourceKind `json:"kind" yaml:"kind"`

	// Dest is the logical destination, possibly starting with "~" or "~user".
	Dest string `json:"dest" yaml:"dest"`

	// Source locates the desired content or the link target.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`

	// Owner and Group are principal names. Empty leaves the attribute alone.
	Owner string `json:"owner,omitempty" yaml:"owner,omitempty"`
	Group string `json:"group,omitempty" yaml:"group,omitempty"`

	// Mode is a 10-character symbolic mode such as "-rw-r--r--".
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`

	// Vars are template bindings. Nil means the source is copied verbatim.
	Vars map[string]any `json:"vars,omitempty" yaml:"vars,omitempty"`
}

// Location pairs the path the manifest names with the path on disk.
type Location struct {
	// Logical is the destination as written in the manifest.
	Logical string `json:"logical"`
	// Absolute is the logical path with the tilde expanded.
	Absolute string `json:"absolute"`
	// Real is Absolute joined under the configured filesystem root.
	Real string `json:"real"`
}

// EntryState is the observed state of a filesystem entry, taken with lstat.
type EntryState struct {
	Exists       bool        `json:"exists"`
	IsSymlink    bool        `json:"is_symlink"`
	IsDir        bool        `json:"is_dir"`
	IsMountpoint bool        `json:"is_mountpoint"`
	UID          int         `json:"uid"`
	GID          int         `json:"gid"`
	Perm         fs.FileMode `json:"perm"`
	LinkTarget   string      `json:"link_target,omitempty"`
	ModTime      time.Time   `json:"mod_time"`
	AccessTime   time.Time   `json:"access_time"`
}

// Outcome is the terminal state of one reconciliation call.
type Outcome string

const (
	// OutcomeUnchanged means the entry already matched.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeChanged means at least one corrective action was applied (or would be, in dry-run).
	OutcomeChanged Outcome = "changed"
	// OutcomeAborted means a recoverable problem stopped the call before any mutation it guards.
	OutcomeAborted Outcome = "aborted"
)

// ChangeResult reports what one reconciliation did.
type ChangeResult struct {
	// Kind and Path identify the reconciled entry.
	Kind ResourceKind `json:"kind"`
	Path string       `json:"path"`

	// Changed is the value returned to the manifest.
	Changed bool `json:"changed"`

	// Outcome is the terminal state.
	Outcome Outcome `json:"outcome"`

	// Reason is the abort error code when Outcome is aborted.
	Reason string `json:"reason,omitempty"`

	// Message is the human-readable abort explanation.
	Message string `json:"message,omitempty"`

	// Diff is set when content differed.
	Diff *DiffResult `json:"diff,omitempty"`

	// BackupPath is the backup taken before an overwrite, if any.
	BackupPath string `json:"backup_path,omitempty"`

	// DryRun records whether mutations were skipped.
	DryRun bool `json:"dry_run"`
}

// aborted builds an aborted result from a resource-class error.
func aborted(kind ResourceKind, path string, dryRun bool, err *EngineError) *ChangeResult {
	return &ChangeResult{
		Kind:    kind,
		Path:    path,
		Outcome: OutcomeAborted,
		Reason:  err.Code,
		Message: err.Error(),
		DryRun:  dryRun,
	}
}

// finish sets Outcome from Changed.
func (r *ChangeResult) finish() *ChangeResult {
	if r.Outcome == OutcomeAborted {
		return r
	}
	if r.Changed {
		r.Outcome = OutcomeChanged
	} else {
		r.Outcome = OutcomeUnchanged
	}
	return r
}

// EditRequest asks for a file to hold compiled content.
type EditRequest struct {
	// Source is relative to the source tree; empty derives it from Dest.
	Source string
	Dest   string
	Owner  string
	Group  string
	Mode   string
	// Vars nil means verbatim copy.
	Vars map[string]any
}

// MkdirRequest asks for a directory to exist with the given attributes.
type MkdirRequest struct {
	Dest  string
	Owner string
	Group string
	Mode  string
}

// SymlinkRequest asks for Dest to be a symlink pointing at Target.
type SymlinkRequest struct {
	Target string
	Dest   string
	Owner  string
	Group  string
}

// VisudoRequest asks for a sudoers drop-in named Filename.
type VisudoRequest struct {
	Source   string
	Filename string
	Vars     map[string]any
}

// Spec returns the request as a ResourceSpec.
func (r EditRequest) Spec() ResourceSpec {
	return ResourceSpec{Kind: KindFile, Dest: r.Dest, Source: r.Source, Owner: r.Owner, Group: r.Group, Mode: r.Mode, Vars: r.Vars}
}

// Spec returns the request as a ResourceSpec.
func (r MkdirRequest) Spec() ResourceSpec {
	return ResourceSpec{Kind: KindDirectory, Dest: r.Dest, Owner: r.Owner, Group: r.Group, Mode: r.Mode}
}

// Spec returns the request as a ResourceSpec.
func (r SymlinkRequest) Spec() ResourceSpec {
	return ResourceSpec{Kind: KindSymlink, Dest: r.Dest, Source: r.Target, Owner: r.Owner, Group: r.Group}
}

// Spec returns the request as a ResourceSpec.
func (r VisudoRequest) Spec() ResourceSpec {
	return ResourceSpec{Kind: KindSudoers, Dest: r.Filename, Source: r.Source, Vars: r.Vars}
}
