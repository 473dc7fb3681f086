// Package manifest runs Starlark manifests against the convergence engine.
//
// A manifest is a plain Starlark file. Its predeclared names are the engine
// operations (edit, mkdir, symlink, visudo), the host operations (install,
// purge, run, service, group, user), the host facts (is_just_installed,
// not_just_installed, is_laptop), include and load_vars, and the constants
// MODES and DRYRUN:
//
//	vars = load_vars("web.cue")
//	install("nginx")
//	if edit("nginx.conf.tmpl", "/etc/nginx/nginx.conf", "root", "root", "-rw-r--r--", vars):
//	    service("nginx", "reload")
//
// Every operation returns whether it changed the host. Recoverable resource
// problems return False and are listed in the Summary; fatal engine errors
// stop the manifest.
package manifest
