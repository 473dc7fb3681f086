// Package render compiles configuration templates with text/template.
//
// Bindings are reachable as fields of the dot (".port"); the capability
// functions handed in by the engine and the manifest runtime are template
// functions. A reference to a missing binding is an error, never an empty
// string.
package render

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// TemplateError reports a template that failed to parse or execute.
type TemplateError struct {
	Name  string
	Phase string
	Err   error
}

// Error implements the error interface.
func (e *TemplateError) Error() string {
	return fmt.Sprintf("template %s: %s failed: %v", e.Name, e.Phase, e.Err)
}

// Unwrap returns the underlying error.
func (e *TemplateError) Unwrap() error {
	return e.Err
}

// Renderer renders text templates. The zero value is ready to use.
type Renderer struct {
	// Funcs are available to every template in addition to the per-call ones.
	Funcs template.FuncMap
}

// New creates a renderer with the built-in helper functions.
func New() *Renderer {
	return &Renderer{Funcs: builtins()}
}

// Render executes src with vars as the dot and funcs as template functions.
func (r *Renderer) Render(name, src string, vars map[string]any, funcs map[string]any) (string, error) {
	tmpl := template.New(name).Option("missingkey=error")
	if len(r.Funcs) > 0 {
		tmpl = tmpl.Funcs(r.Funcs)
	}
	if len(funcs) > 0 {
		tmpl = tmpl.Funcs(template.FuncMap(funcs))
	}

	tmpl, err := tmpl.Parse(src)
	if err != nil {
		return "", &TemplateError{Name: name, Phase: "parse", Err: err}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", &TemplateError{Name: name, Phase: "execute", Err: err}
	}
	return buf.String(), nil
}

func builtins() template.FuncMap {
	return template.FuncMap{
		"join":  strings.Join,
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"trim":  strings.TrimSpace,
		"default": func(def, v any) any {
			if v == nil {
				return def
			}
			if s, ok := v.(string); ok && s == "" {
				return def
			}
			return v
		},
		"indent": func(n int, s string) string {
			pad := strings.Repeat(" ", n)
			lines := strings.Split(s, "\n")
			for i, l := range lines {
				if l != "" {
					lines[i] = pad + l
				}
			}
			return strings.Join(lines, "\n")
		},
	}
}
