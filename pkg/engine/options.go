package engine

import (
	"path/filepath"
	"time"
)

// BackupLayout selects where backups are written.
type BackupLayout string

const (
	// BackupSibling writes "<path>-YYYYMMDD_HHMMSS~" next to the original.
	BackupSibling BackupLayout = "sibling"
	// BackupTree mirrors the original under "<workdir>/backups/YYYYMMDD_HHMMSS/".
	BackupTree BackupLayout = "tree"
)

// BackupTimeFormat is the timestamp layout used in backup names.
const BackupTimeFormat = "20060102_150405"

// SudoersMode is forced onto every sudoers drop-in.
const SudoersMode = "-r--r-----"

// Options is the run-wide configuration handed to every reconciler.
type Options struct {
	// WorkDir holds the manifests, the files/ source tree and the backups/ tree.
	WorkDir string

	// Root is prefixed to every destination. "/" converges the live system.
	Root string

	// DryRun skips every mutating call while reporting the same changes.
	DryRun bool

	// Verbose logs unified diffs.
	Verbose bool

	// BackupLayout is sibling or tree.
	BackupLayout BackupLayout

	// SudoersDir is the sudoers drop-in directory, as seen from Root.
	SudoersDir string

	// SudoersOwner and SudoersGroup are forced onto sudoers drop-ins.
	SudoersOwner string
	SudoersGroup string

	// Now is the clock used for backup timestamps.
	Now func() time.Time
}

// DefaultOptions returns options converging the live system from workDir.
func DefaultOptions(workDir string) Options {
	return Options{
		WorkDir:      workDir,
		Root:         "/",
		BackupLayout: BackupSibling,
		SudoersDir:   "/etc/sudoers.d",
		SudoersOwner: "root",
		SudoersGroup: "root",
		Now:          time.Now,
	}
}

// withDefaults fills zero values.
func (o Options) withDefaults() Options {
	if o.Root == "" {
		o.Root = "/"
	}
	if o.BackupLayout == "" {
		o.BackupLayout = BackupSibling
	}
	if o.SudoersDir == "" {
		o.SudoersDir = "/etc/sudoers.d"
	}
	if o.SudoersOwner == "" {
		o.SudoersOwner = "root"
	}
	if o.SudoersGroup == "" {
		o.SudoersGroup = "root"
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// SourceDir is the root of the source-of-truth tree.
func (o Options) SourceDir() string {
	return filepath.Join(o.WorkDir, "files")
}

// BackupDir is the root of the mirrored backup tree.
func (o Options) BackupDir() string {
	return filepath.Join(o.WorkDir, "backups")
}
