// Package system wraps the host commands a manifest drives: packages,
// services, accounts and arbitrary commands, plus a few host facts.
package system

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/converge/pkg/telemetry"
)

// Command is one external process invocation.
type Command struct {
	// Name is the program, or the shell script when Shell is set.
	Name string
	Args []string

	// Shell runs Name through "/bin/sh -c".
	Shell bool

	Stdin []byte
	Env   map[string]string
	Dir   string

	// Mutating commands are skipped in dry-run.
	Mutating bool
}

// String renders the command for logs.
func (c Command) String() string {
	if c.Shell {
		return c.Name
	}
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Result is the outcome of a Command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	// Skipped is set when a mutating command was not run in dry-run.
	Skipped bool
}

// Success reports a zero exit status.
func (r *Result) Success() bool {
	return r.ExitCode == 0
}

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner runs commands with os/exec, draining stdout and stderr line by
// line into the log while they run.
type ExecRunner struct {
	// Timeout bounds every command. Zero means no limit.
	Timeout time.Duration
	DryRun  bool
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
}

var _ Runner = (*ExecRunner)(nil)

// Run implements Runner. A non-zero exit is reported in Result, not as an
// error; err is reserved for commands that could not run or timed out.
func (r *ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	if c.Name == "" {
		return nil, fmt.Errorf("command is required")
	}
	log := r.logger().WithField("command", c.String())

	if r.DryRun && c.Mutating {
		log.Info("dry-run: not running")
		return &Result{Skipped: true}, nil
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var cmd *exec.Cmd
	if c.Shell {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", c.Name)
	} else {
		cmd = exec.CommandContext(ctx, c.Name, c.Args...)
	}
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), envList(c.Env)...)
	}
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}

	log.Debug("running")
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.Name, err)
	}

	var outBuf, errBuf bytes.Buffer
	var g errgroup.Group
	g.Go(func() error {
		return drain(stdout, &outBuf, log.Debug)
	})
	g.Go(func() error {
		return drain(stderr, &errBuf, log.Warn)
	})
	drainErr := g.Wait()
	waitErr := cmd.Wait()

	result := &Result{
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		Duration: time.Since(start),
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) || ctx.Err() != nil {
			if ctx.Err() != nil {
				return result, fmt.Errorf("%s: %w", c.Name, ctx.Err())
			}
			return result, fmt.Errorf("failed to run %s: %w", c.Name, waitErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	if drainErr != nil {
		return result, fmt.Errorf("failed to read output of %s: %w", c.Name, drainErr)
	}

	if r.Metrics != nil {
		r.Metrics.RecordCommand(filepath.Base(c.Name), result.ExitCode, result.Duration)
	}
	log.WithField("exit_code", result.ExitCode).Debug("finished")
	return result, nil
}

func (r *ExecRunner) logger() *telemetry.Logger {
	if r.Logger == nil {
		return telemetry.NewNopLogger()
	}
	return r.Logger
}

func component(l *telemetry.Logger, name string) *telemetry.Logger {
	if l == nil {
		l = telemetry.NewNopLogger()
	}
	return l.NewComponentLogger(name)
}

// maxLogLine caps how much of one output line is logged; Result keeps it all.
const maxLogLine = 4096

// drain reads rd to EOF whatever the line lengths, so the child never
// blocks on a full pipe.
func drain(rd io.Reader, buf *bytes.Buffer, emit func(string)) error {
	br := bufio.NewReader(rd)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			line = strings.TrimSuffix(line, "\n")
			buf.WriteString(line)
			buf.WriteByte('\n')
			if len(line) > maxLogLine {
				emit(line[:maxLogLine] + "...")
			} else {
				emit(line)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			_, _ = io.Copy(io.Discard, br)
			return err
		}
	}
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
