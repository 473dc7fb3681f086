package manifest

import (
	"fmt"
	"path/filepath"

	"cuelang.org/go/cue"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// VarsDir is the directory under the work directory holding variable files.
const VarsDir = "vars"

// LoadVars reads template bindings from a CUE or YAML file under
// <workdir>/vars. CUE values must be concrete.
func (e *Evaluator) LoadVars(name string) (map[string]any, error) {
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.opts.WorkDir, VarsDir, name)
	}

	data, err := afero.ReadFile(e.fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vars: %w", err)
	}

	var vars map[string]any
	switch filepath.Ext(path) {
	case ".cue":
		val := e.cue.CompileBytes(data, cue.Filename(path))
		if err := val.Err(); err != nil {
			return nil, fmt.Errorf("failed to compile %s: %w", name, err)
		}
		if err := val.Validate(cue.Concrete(true)); err != nil {
			return nil, fmt.Errorf("vars in %s are not concrete: %w", name, err)
		}
		if err := val.Decode(&vars); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", name, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &vars); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
	default:
		return nil, fmt.Errorf("unsupported vars file %s: want .cue, .yaml or .yml", name)
	}

	if vars == nil {
		vars = map[string]any{}
	}
	return vars, nil
}
