package manifest

import (
	"context"
	"fmt"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/system"
)

var _ engine.TemplateContext = (*Evaluator)(nil)

// TemplateFuncs exposes the host builtins to rendered sources, so a template
// can install a package or run a command while it is compiled.
func (e *Evaluator) TemplateFuncs(ctx context.Context) map[string]any {
	funcs := map[string]any{}

	if e.host.Packages != nil {
		funcs["install"] = func(names ...string) (bool, error) {
			return e.host.Packages.Install(ctx, names...)
		}
		funcs["purge"] = func(names ...string) (bool, error) {
			return e.host.Packages.Purge(ctx, names...)
		}
	}
	if e.host.Runner != nil {
		// run returns stdout so its output can be spliced into the file.
		funcs["run"] = func(command string) (string, error) {
			res, err := e.host.Runner.Run(ctx, system.Command{Name: command, Shell: true, Mutating: true})
			if err != nil {
				return "", err
			}
			if !res.Success() {
				return "", fmt.Errorf("%q exited with %d", command, res.ExitCode)
			}
			return res.Stdout, nil
		}
	}
	if e.host.Services != nil {
		funcs["service"] = func(name, action string) (bool, error) {
			return e.host.Services.Ensure(ctx, name, system.ServiceAction(action))
		}
	}
	if e.host.Facts != nil {
		funcs["is_laptop"] = e.host.Facts.IsLaptop
		funcs["is_just_installed"] = e.host.Facts.IsJustInstalled
	}
	return funcs
}
