package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
)

// Visudo implements Agent. The candidate content must pass the syntax
// checker, and the write happens under an exclusive "<path>.tmp" lockfile.
// Owner, group and mode are forced regardless of the request.
func (c *Converger) Visudo(ctx context.Context, req VisudoRequest) (*ChangeResult, error) {
	spec := req.Spec()
	spec.Dest = c.sudoersPath(req.Filename)
	return c.run(ctx, spec, "visudo", func(ctx context.Context) (*ChangeResult, error) {
		return c.visudo(ctx, req)
	})
}

func (c *Converger) visudo(ctx context.Context, req VisudoRequest) (*ChangeResult, error) {
	if req.Filename == "" || strings.Contains(req.Filename, "/") {
		return nil, NewFatalError(ErrCodeInvalidArgument,
			fmt.Sprintf("sudoers filename %q must be a plain file name", req.Filename), nil)
	}
	if c.checker == nil {
		return nil, NewFatalError(ErrCodeInternal, "no sudoers syntax checker configured", nil)
	}
	own, err := resolveOwnership(c.principal, c.opts.SudoersOwner, c.opts.SudoersGroup)
	if err != nil {
		return nil, err
	}

	abs := c.sudoersPath(req.Filename)
	loc := Location{Logical: abs, Absolute: abs, Real: c.resolver.Real(abs)}
	source := req.Source
	if source == "" {
		source = path.Join("root", abs)
	}

	state, err := c.lstat(loc.Real)
	if err != nil {
		return nil, err
	}
	if state.IsSymlink {
		return nil, NewResourceError(ErrCodeSymlinkRefusal, "refusing to edit symlink", nil).
			WithPath(abs).WithDetail("target", state.LinkTarget)
	}
	if state.IsDir {
		return nil, NewResourceError(ErrCodeConflict, "refusing to edit directory", nil).WithPath(abs)
	}
	if err := c.vet(ctx, KindSudoers, "visudo", loc, SudoersMode, c.opts.SudoersOwner, c.opts.SudoersGroup); err != nil {
		return nil, err
	}

	desired, err := c.content.Compile(ctx, source, req.Vars, c.templateFuncs(ctx))
	if err != nil {
		return nil, withPath(err, abs)
	}

	result := &ChangeResult{Kind: KindSudoers, Path: abs, DryRun: c.opts.DryRun}
	d, err := c.content.Diff(loc.Real, abs, desired)
	if err != nil {
		return nil, err
	}

	if d.Differs() {
		ok, output, err := c.checker.Check(ctx, desired)
		if err != nil {
			return nil, NewFatalError(ErrCodeIO, "failed to run sudoers syntax checker", err).WithPath(abs)
		}
		if !ok {
			return nil, NewResourceError(ErrCodeSyntax, "sudoers syntax check failed", nil).
				WithPath(abs).WithDetail("output", strings.TrimSpace(output))
		}

		if err := c.writeSudoers(loc, state, desired, d, result); err != nil {
			return nil, err
		}
		if !c.opts.DryRun {
			if state, err = c.lstat(loc.Real); err != nil {
				return nil, err
			}
		}
	}

	changed, err := c.attrs.Reconcile(loc.Real, state, own, SudoersMode)
	if err != nil {
		return nil, withPath(err, abs)
	}
	result.Changed = result.Changed || changed
	return result.finish(), nil
}

// writeSudoers takes the lock, backs up the current file and writes desired.
// The lock is released on every path once acquired.
func (c *Converger) writeSudoers(loc Location, state EntryState, desired []byte, d *DiffResult, result *ChangeResult) (err error) {
	lock := loc.Real + ".tmp"
	log := c.logger.WithResource(loc.Absolute, "visudo")

	if !state.Exists {
		if err := c.requireParent(loc, "write"); err != nil {
			return err
		}
	}
	if c.opts.DryRun {
		held, err := c.lstat(lock)
		if err != nil {
			return err
		}
		if held.Exists {
			return busy(loc, lock, fs.ErrExist)
		}
	} else {
		if err := c.host.CreateExclusive(lock, 0o600); err != nil {
			if isBusy(err) {
				return busy(loc, lock, err)
			}
			return NewFatalError(ErrCodeIO, "failed to create lockfile", err).
				WithPath(loc.Absolute).WithOperation("lock")
		}
		defer func() {
			if rmErr := c.host.Remove(lock); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				log.WithError(rmErr).Error("failed to remove lockfile")
				if err == nil {
					err = NewFatalError(ErrCodeIO, "failed to remove lockfile", rmErr).
						WithPath(loc.Absolute).WithOperation("unlock")
				}
			}
		}()
	}

	log.Info("editing")
	if c.opts.Verbose {
		log.Debug(d.Unified)
	}
	result.Diff = d
	result.Changed = true

	if state.Exists {
		backup, err := c.backups.Backup(loc)
		if err != nil {
			return err
		}
		result.BackupPath = backup
	}
	if c.opts.DryRun {
		return nil
	}

	perm, _ := ParseMode(SudoersMode)
	if err := c.host.WriteFileAtomic(loc.Real, desired, perm); err != nil {
		return NewFatalError(ErrCodeIO, "failed to write sudoers file", err).
			WithPath(loc.Absolute).WithOperation("write")
	}
	return nil
}

func busy(loc Location, lock string, err error) *EngineError {
	return NewResourceError(ErrCodeBusy, "sudoers file is locked by another writer", err).
		WithPath(loc.Absolute).
		WithOperation("lock").
		WithDetail("lockfile", lock)
}

// sudoersPath joins a drop-in filename under the sudoers directory.
func (c *Converger) sudoersPath(filename string) string {
	return path.Join(c.opts.SudoersDir, filename)
}

// isBusy reports whether err means the lockfile already exists.
func isBusy(err error) bool {
	return errors.Is(err, fs.ErrExist)
}
