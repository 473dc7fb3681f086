package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/openfroyo/converge/pkg/telemetry"
)

// BackupManager preserves an existing file before it is overwritten.
type BackupManager struct {
	host     HostFS
	resolver *PathResolver
	opts     Options
	logger   *telemetry.Logger
}

// NewBackupManager creates a backup manager for the configured layout.
func NewBackupManager(host HostFS, resolver *PathResolver, opts Options, logger *telemetry.Logger) *BackupManager {
	return &BackupManager{host: host, resolver: resolver, opts: opts.withDefaults(), logger: logger}
}

// PathFor returns where a backup of loc taken now would be written.
func (b *BackupManager) PathFor(loc Location) string {
	return b.pathAt(loc, b.opts.Now().Format(BackupTimeFormat))
}

func (b *BackupManager) pathAt(loc Location, stamp string) string {
	if b.opts.BackupLayout == BackupTree {
		return filepath.Join(b.stampDir(stamp), strings.TrimPrefix(loc.Absolute, "/"))
	}
	return loc.Real + "-" + stamp + "~"
}

func (b *BackupManager) stampDir(stamp string) string {
	return filepath.Join(b.opts.BackupDir(), stamp)
}

// Backup copies loc to its backup path and returns that path. An existing
// backup path is never overwritten. In dry-run only the collision is checked.
func (b *BackupManager) Backup(loc Location) (string, error) {
	// The clock is read once so the path and the mirrored tree agree.
	stamp := b.opts.Now().Format(BackupTimeFormat)
	dst := b.pathAt(loc, stamp)
	log := b.logger.WithResource(loc.Absolute, "backup").WithField("backup", dst)

	existing, err := b.host.Lstat(dst)
	if err != nil {
		return "", backupFailed(loc, dst, "failed to inspect backup path", err)
	}
	if existing.Exists {
		return "", backupFailed(loc, dst, "backup path already exists", fs.ErrExist)
	}

	log.Info("backing up")
	if b.opts.DryRun {
		return dst, nil
	}

	src, err := b.host.Stat(loc.Real)
	if err != nil || !src.Exists {
		return "", backupFailed(loc, dst, "failed to stat original", err)
	}

	if b.opts.BackupLayout == BackupTree {
		if err := b.mirrorParents(loc, dst, b.stampDir(stamp)); err != nil {
			return "", err
		}
	}

	if err := b.host.CopyFile(loc.Real, dst, src.Perm); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", backupFailed(loc, dst, "backup path already exists", err)
		}
		return "", backupFailed(loc, dst, "failed to copy original", err)
	}
	if err := b.host.Chmod(dst, src.Perm); err != nil {
		return "", backupFailed(loc, dst, "failed to copy permissions", err)
	}
	if err := b.host.Chtimes(dst, src.AccessTime, src.ModTime); err != nil {
		return "", backupFailed(loc, dst, "failed to copy timestamps", err)
	}
	if err := b.host.Chown(dst, src.UID, src.GID); err != nil {
		if !errors.Is(err, fs.ErrPermission) {
			return "", backupFailed(loc, dst, "failed to copy ownership", err)
		}
		log.WithError(err).Warn("cannot restore ownership on backup, keeping content only")
	}
	return dst, nil
}

// mirrorParents recreates, under stampDir, the directories leading to dst with the mode and
// ownership of their counterparts under the filesystem root.
func (b *BackupManager) mirrorParents(loc Location, dst, stampDir string) error {
	if err := b.ensureDir(b.opts.BackupDir(), 0o700); err != nil {
		return backupFailed(loc, dst, "failed to create backup tree", err)
	}
	if err := b.ensureDir(stampDir, 0o700); err != nil {
		return backupFailed(loc, dst, "failed to create backup tree", err)
	}

	current := "/"
	mirror := stampDir
	for _, part := range strings.Split(strings.Trim(path.Dir(loc.Absolute), "/"), "/") {
		if part == "" {
			continue
		}
		current = path.Join(current, part)
		mirror = filepath.Join(mirror, part)

		orig, err := b.host.Lstat(b.resolver.Real(current))
		if err != nil || !orig.Exists {
			return backupFailed(loc, dst, "failed to stat parent directory", err)
		}
		state, err := b.host.Lstat(mirror)
		if err != nil {
			return backupFailed(loc, dst, "failed to inspect backup tree", err)
		}
		if state.Exists {
			continue
		}
		if err := b.host.Mkdir(mirror, orig.Perm); err != nil {
			return backupFailed(loc, dst, "failed to create backup directory", err)
		}
		if err := b.host.Chmod(mirror, orig.Perm); err != nil {
			return backupFailed(loc, dst, "failed to mirror directory mode", err)
		}
		if err := b.host.Chown(mirror, orig.UID, orig.GID); err != nil {
			if !errors.Is(err, fs.ErrPermission) {
				return backupFailed(loc, dst, "failed to mirror directory ownership", err)
			}
			b.logger.WithResource(mirror, "backup").WithError(err).Warn("cannot mirror directory ownership")
		}
	}
	return nil
}

func (b *BackupManager) ensureDir(dir string, perm fs.FileMode) error {
	state, err := b.host.Lstat(dir)
	if err != nil {
		return err
	}
	if state.Exists {
		if !state.IsDir {
			return fmt.Errorf("%s is not a directory", dir)
		}
		return nil
	}
	return b.host.Mkdir(dir, perm)
}

func backupFailed(loc Location, dst, msg string, err error) *EngineError {
	return NewResourceError(ErrCodeBackupFailed, msg, err).
		WithPath(loc.Absolute).
		WithOperation("backup").
		WithDetail("backup", dst)
}
