package system

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/afero"
)

// MarkerName is the file whose presence means the host was converged before.
const MarkerName = "notjustinstalled"

// Facts answers questions about the host that manifests branch on.
type Facts struct {
	fs          afero.Fs
	workDir     string
	powerSupply string
	dryRun      bool
}

// NewFacts creates host facts backed by fsys. workDir holds the marker file.
func NewFacts(fsys afero.Fs, workDir string, dryRun bool) *Facts {
	return &Facts{
		fs:          fsys,
		workDir:     workDir,
		powerSupply: "/sys/class/power_supply",
		dryRun:      dryRun,
	}
}

// WithPowerSupplyDir overrides where IsLaptop looks for power supplies.
func (f *Facts) WithPowerSupplyDir(dir string) *Facts {
	f.powerSupply = dir
	return f
}

func (f *Facts) marker() string {
	return f.workDir + "/" + MarkerName
}

// IsJustInstalled reports whether the host has never been marked.
func (f *Facts) IsJustInstalled() (bool, error) {
	ok, err := afero.Exists(f.fs, f.marker())
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", f.marker(), err)
	}
	return !ok, nil
}

// MarkNotJustInstalled records that the host has been converged. It is a
// no-op in dry-run and reports whether the marker was created.
func (f *Facts) MarkNotJustInstalled() (bool, error) {
	fresh, err := f.IsJustInstalled()
	if err != nil || !fresh {
		return false, err
	}
	if f.dryRun {
		return true, nil
	}
	if err := afero.WriteFile(f.fs, f.marker(), nil, 0o644); err != nil {
		return false, fmt.Errorf("failed to create %s: %w", f.marker(), err)
	}
	return true, nil
}

// IsLaptop reports whether the kernel lists any power supply.
func (f *Facts) IsLaptop() (bool, error) {
	entries, err := afero.ReadDir(f.fs, f.powerSupply)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to list %s: %w", f.powerSupply, err)
	}
	return len(entries) > 0, nil
}
