package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sourcegraph/go-diff/diff"
	"github.com/spf13/afero"
)

const noNewlineMarker = `\ No newline at end of file`

// Renderer compiles a template source with bindings and template functions.
type Renderer interface {
	Render(name, src string, vars map[string]any, funcs map[string]any) (string, error)
}

// EditOp is the kind of one line edit in a hunk.
type EditOp string

const (
	EditContext EditOp = " "
	EditInsert  EditOp = "+"
	EditDelete  EditOp = "-"
)

// LineEdit is one line of a hunk.
type LineEdit struct {
	Op   EditOp `json:"op"`
	Text string `json:"text"`
	// NoNewline marks a final line without a trailing newline.
	NoNewline bool `json:"no_newline,omitempty"`
}

// Hunk is one contiguous region of a diff.
type Hunk struct {
	OrigStart int        `json:"orig_start"`
	OrigLines int        `json:"orig_lines"`
	NewStart  int        `json:"new_start"`
	NewLines  int        `json:"new_lines"`
	Edits     []LineEdit `json:"edits"`
}

// DiffResult compares a destination with its desired content.
type DiffResult struct {
	// Exists is false when the destination is absent, which is "fully different".
	Exists bool `json:"exists"`
	// Unified is the unified diff text, empty when contents match.
	Unified string `json:"unified,omitempty"`
	// Hunks is Unified parsed back into structured edits.
	Hunks []Hunk `json:"hunks,omitempty"`

	current []byte
	desired []byte
}

// Differs reports whether the destination must be written.
func (d *DiffResult) Differs() bool {
	return !d.Exists || !bytes.Equal(d.current, d.desired)
}

// Stats counts inserted and deleted lines.
func (d *DiffResult) Stats() (added, removed int) {
	for _, h := range d.Hunks {
		for _, e := range h.Edits {
			switch e.Op {
			case EditInsert:
				added++
			case EditDelete:
				removed++
			}
		}
	}
	return added, removed
}

// ContentReconciler compiles desired content and compares it with the host.
type ContentReconciler struct {
	source   afero.Fs
	renderer Renderer
	host     HostFS
}

// NewContentReconciler creates a content reconciler reading sources from source.
func NewContentReconciler(source afero.Fs, renderer Renderer, host HostFS) *ContentReconciler {
	return &ContentReconciler{source: source, renderer: renderer, host: host}
}

// Compile returns the desired bytes for source. Nil vars copy the source
// verbatim; otherwise it is rendered with vars as bindings and funcs as the
// template functions.
func (c *ContentReconciler) Compile(_ context.Context, source string, vars map[string]any, funcs map[string]any) ([]byte, error) {
	raw, err := afero.ReadFile(c.source, source)
	if err != nil {
		return nil, NewFatalError(ErrCodeIO, fmt.Sprintf("failed to read source %q", source), err).
			WithOperation("compile")
	}
	if vars == nil {
		return raw, nil
	}

	out, err := c.renderer.Render(source, string(raw), vars, funcs)
	if err != nil {
		return nil, NewFatalError(ErrCodeTemplate, fmt.Sprintf("failed to render %q", source), err).
			WithOperation("compile")
	}
	return []byte(out), nil
}

// SourceInfo returns the source file's state for metadata copying.
func (c *ContentReconciler) SourceInfo(source string) (fs.FileInfo, error) {
	return c.source.Stat(source)
}

// Diff compares the file at real with desired. label names the file in the
// diff header. A read error other than not-exist is fatal.
func (c *ContentReconciler) Diff(real, label string, desired []byte) (*DiffResult, error) {
	current, err := c.host.ReadFile(real)
	exists := true
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, NewFatalError(ErrCodeIO, "failed to read destination", err).
				WithPath(real).WithOperation("diff")
		}
		exists = false
		current = nil
	}
	return UnifiedDiff(label, current, desired, exists)
}

// UnifiedDiff builds a DiffResult between current and desired.
func UnifiedDiff(label string, current, desired []byte, exists bool) (*DiffResult, error) {
	result := &DiffResult{Exists: exists, current: current, desired: desired}
	if exists && bytes.Equal(current, desired) {
		return result, nil
	}

	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        splitLines(current),
		B:        splitLines(desired),
		FromFile: label,
		ToFile:   "<new>",
		Context:  3,
	})
	if err != nil {
		return nil, NewFatalError(ErrCodeInternal, "failed to compute diff", err).WithPath(label)
	}
	result.Unified = text
	if text == "" {
		return result, nil
	}

	hunks, err := parseHunks(text)
	if err != nil {
		return nil, NewFatalError(ErrCodeInternal, "failed to parse diff", err).WithPath(label)
	}
	result.Hunks = hunks
	return result, nil
}

// splitLines keeps line terminators so that a missing final newline is a
// difference of its own, marked the way diff(1) does.
func splitLines(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	lines := strings.SplitAfter(string(b), "\n")
	if lines[len(lines)-1] == "" {
		return lines[:len(lines)-1]
	}
	last := len(lines) - 1
	lines[last] = lines[last] + "\n" + noNewlineMarker + "\n"
	return lines
}

func parseHunks(text string) ([]Hunk, error) {
	fd, err := diff.ParseFileDiff([]byte(text))
	if err != nil {
		return nil, err
	}

	hunks := make([]Hunk, 0, len(fd.Hunks))
	for _, h := range fd.Hunks {
		hunk := Hunk{
			OrigStart: int(h.OrigStartLine),
			OrigLines: int(h.OrigLines),
			NewStart:  int(h.NewStartLine),
			NewLines:  int(h.NewLines),
		}
		for _, line := range strings.Split(strings.TrimSuffix(string(h.Body), "\n"), "\n") {
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, `\`) {
				if n := len(hunk.Edits); n > 0 {
					hunk.Edits[n-1].NoNewline = true
				}
				continue
			}
			hunk.Edits = append(hunk.Edits, LineEdit{Op: EditOp(line[:1]), Text: line[1:]})
		}
		hunks = append(hunks, hunk)
	}
	return hunks, nil
}
