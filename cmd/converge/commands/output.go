package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/converge/pkg/engine"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func printResult(w io.Writer, result *engine.ChangeResult, jsonOutput bool) error {
	if jsonOutput {
		return printJSON(w, result)
	}

	mode := ""
	if result.DryRun {
		mode = " (dry-run)"
	}
	fmt.Fprintf(w, "%s %s: %s%s\n", result.Kind, result.Path, result.Outcome, mode)
	if result.BackupPath != "" {
		fmt.Fprintf(w, "  backup: %s\n", result.BackupPath)
	}
	if result.Outcome == engine.OutcomeAborted {
		fmt.Fprintf(w, "  %s: %s\n", result.Reason, result.Message)
	}
	if result.Diff != nil && result.Diff.Unified != "" {
		added, removed := result.Diff.Stats()
		fmt.Fprintf(w, "  +%d -%d\n", added, removed)
	}
	return nil
}
