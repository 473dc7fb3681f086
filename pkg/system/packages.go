package system

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/converge/pkg/telemetry"
)

// Packages manages Debian packages with apt-get and dpkg-query.
type Packages struct {
	runner Runner
	dryRun bool
	logger *telemetry.Logger
}

// NewPackages creates a package manager driving runner.
func NewPackages(runner Runner, dryRun bool, logger *telemetry.Logger) *Packages {
	return &Packages{runner: runner, dryRun: dryRun, logger: component(logger, "packages")}
}

// Install installs the packages that are not installed yet and reports
// whether any were missing.
func (p *Packages) Install(ctx context.Context, names ...string) (bool, error) {
	missing, err := p.filter(ctx, names, false)
	if err != nil {
		return false, err
	}
	if len(missing) == 0 {
		return false, nil
	}
	return true, p.aptGet(ctx, "install", missing)
}

// Purge removes the packages that are installed and reports whether any were.
func (p *Packages) Purge(ctx context.Context, names ...string) (bool, error) {
	present, err := p.filter(ctx, names, true)
	if err != nil {
		return false, err
	}
	if len(present) == 0 {
		return false, nil
	}
	return true, p.aptGet(ctx, "purge", present)
}

// Installed reports whether dpkg considers name installed.
func (p *Packages) Installed(ctx context.Context, name string) (bool, error) {
	res, err := p.runner.Run(ctx, Command{
		Name: "dpkg-query",
		Args: []string{"-W", "-f=${Status}", name},
	})
	if err != nil {
		return false, fmt.Errorf("failed to query package %s: %w", name, err)
	}
	// dpkg-query exits 1 for unknown packages.
	if !res.Success() {
		return false, nil
	}
	return strings.HasSuffix(strings.TrimSpace(res.Stdout), " installed"), nil
}

func (p *Packages) filter(ctx context.Context, names []string, installed bool) ([]string, error) {
	var out []string
	for _, name := range names {
		if name == "" {
			return nil, fmt.Errorf("package name is required")
		}
		ok, err := p.Installed(ctx, name)
		if err != nil {
			return nil, err
		}
		if ok == installed {
			out = append(out, name)
		}
	}
	return out, nil
}

// aptGet runs apt-get non-interactively. In dry-run apt-get simulates with -s,
// which is read-only and therefore still executed.
func (p *Packages) aptGet(ctx context.Context, command string, names []string) error {
	args := []string{"-qy"}
	if p.dryRun {
		args = append(args, "-s")
	}
	args = append(args, command)
	args = append(args, names...)

	p.logger.WithFields(map[string]interface{}{
		"action":   command,
		"packages": names,
	}).Info("apt-get")

	res, err := p.runner.Run(ctx, Command{
		Name: "apt-get",
		Args: args,
		Env:  map[string]string{"DEBIAN_FRONTEND": "noninteractive"},
	})
	if err != nil {
		return fmt.Errorf("apt-get %s: %w", command, err)
	}
	if !res.Success() {
		return fmt.Errorf("apt-get %s %s exited with %d: %s",
			command, strings.Join(names, " "), res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}
