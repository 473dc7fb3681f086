package engine

import (
	"fmt"
	"io/fs"

	"github.com/openfroyo/converge/pkg/telemetry"
)

// AttributeReconciler corrects ownership and permission bits.
type AttributeReconciler struct {
	host   HostFS
	dryRun bool
	logger *telemetry.Logger
}

// NewAttributeReconciler creates an attribute reconciler.
func NewAttributeReconciler(host HostFS, dryRun bool, logger *telemetry.Logger) *AttributeReconciler {
	return &AttributeReconciler{host: host, dryRun: dryRun, logger: logger}
}

// ReconcileOwnership applies own to path when it differs from state.
// Symlinks are changed with lchown. Mountpoints are left alone.
func (a *AttributeReconciler) ReconcileOwnership(path string, state EntryState, own Ownership) (bool, error) {
	if own.Keep() || !state.Exists {
		return false, nil
	}
	uidDiffers := own.UID >= 0 && own.UID != state.UID
	gidDiffers := own.GID >= 0 && own.GID != state.GID
	if !uidDiffers && !gidDiffers {
		return false, nil
	}

	log := a.logger.WithResource(path, "chown").WithFields(map[string]interface{}{
		"uid": own.UID,
		"gid": own.GID,
	})
	if state.IsMountpoint {
		log.Warn("not chowning mountpoint")
		return false, nil
	}

	log.Info("chowning")
	if a.dryRun {
		return true, nil
	}

	var err error
	if state.IsSymlink {
		err = a.host.Lchown(path, own.UID, own.GID)
	} else {
		err = a.host.Chown(path, own.UID, own.GID)
	}
	if err != nil {
		return false, NewFatalError(ErrCodeIO, "failed to change ownership", err).
			WithPath(path).WithOperation("chown")
	}
	return true, nil
}

// ReconcileMode applies the symbolic mode to path when its permission bits
// differ. Symlinks carry no mode of their own and are skipped.
func (a *AttributeReconciler) ReconcileMode(path string, state EntryState, mode string) (bool, error) {
	if mode == "" || !state.Exists || state.IsSymlink {
		return false, nil
	}
	perm, err := ParseMode(mode)
	if err != nil {
		return false, err
	}
	if perm == state.Perm {
		return false, nil
	}

	log := a.logger.WithResource(path, "chmod").WithFields(map[string]interface{}{
		"from": RenderMode(state.Perm, state.IsDir),
		"to":   RenderMode(perm, state.IsDir),
	})
	if state.IsMountpoint {
		log.Warn("not chmoding mountpoint")
		return false, nil
	}

	log.Info("chmoding")
	if a.dryRun {
		return true, nil
	}
	if err := a.host.Chmod(path, perm); err != nil {
		return false, NewFatalError(ErrCodeIO, fmt.Sprintf("failed to chmod to %s", mode), err).
			WithPath(path).WithOperation("chmod")
	}
	return true, nil
}

// Reconcile applies ownership then mode and reports whether either changed.
func (a *AttributeReconciler) Reconcile(path string, state EntryState, own Ownership, mode string) (bool, error) {
	chowned, err := a.ReconcileOwnership(path, state, own)
	if err != nil {
		return false, err
	}
	chmoded, err := a.ReconcileMode(path, state, mode)
	if err != nil {
		return chowned, err
	}
	return chowned || chmoded, nil
}

// permOrDefault parses mode, falling back to def when mode is empty.
func permOrDefault(mode string, def fs.FileMode) fs.FileMode {
	if mode == "" {
		return def
	}
	perm, err := ParseMode(mode)
	if err != nil {
		return def
	}
	return perm
}
