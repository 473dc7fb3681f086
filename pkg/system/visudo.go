package system

import (
	"context"
	"fmt"
)

// VisudoChecker validates sudoers content with "visudo -c -f -".
type VisudoChecker struct {
	runner Runner
	// Path is the visudo binary.
	Path string
}

// NewVisudoChecker creates a checker running the visudo binary at path.
func NewVisudoChecker(runner Runner, path string) *VisudoChecker {
	if path == "" {
		path = "/usr/sbin/visudo"
	}
	return &VisudoChecker{runner: runner, Path: path}
}

// Check pipes content to the checker. It only reads, so it runs in dry-run too.
func (v *VisudoChecker) Check(ctx context.Context, content []byte) (bool, string, error) {
	res, err := v.runner.Run(ctx, Command{
		Name:  v.Path,
		Args:  []string{"-c", "-f", "-"},
		Stdin: content,
	})
	if err != nil {
		return false, "", fmt.Errorf("failed to run %s: %w", v.Path, err)
	}
	if !res.Success() {
		return false, res.Stderr + res.Stdout, nil
	}
	return true, res.Stdout, nil
}
