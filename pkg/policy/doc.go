// Package policy provides Open Policy Agent (OPA) guards for converge.
//
// Every resource is vetted by the policy engine before it is reconciled.
// The engine implements engine.Guard: a policy whose deny set is non-empty
// for a resource either blocks it (error and critical severities) or logs a
// warning.
//
// # Usage
//
//	guard, err := policy.NewEngine(logger, true)
//	if err != nil {
//	    return err
//	}
//	if err := guard.LoadPolicies(ctx, []string{"/etc/converge/policies"}); err != nil {
//	    return err
//	}
//	converger := engine.NewConverger(opts, engine.Dependencies{Guard: guard})
//
// # Built-in Policies
//
//  1. protected-paths - refuses entries under /proc, /sys and /dev
//  2. world-writable - refuses o+w on files and sudoers drop-ins
//
// # Custom Policies
//
// A policy is a Rego module with a deny set. The input document is
//
//	{
//	  "resource": {"kind": "file", "path": "/etc/motd", "mode": "-rw-r--r--", "owner": "root", "group": "root"},
//	  "operation": "edit",
//	  "dry_run": false,
//	  "timestamp": "..."
//	}
//
// Policies loaded from a .rego file are named after the file. A leading
// comment block becomes the description, and a "# severity: error" line sets
// the severity (warning by default):
//
//	# Keeps host keys out of manifests.
//	# severity: error
//	package site.host_keys
//
//	import rego.v1
//
//	deny contains msg if {
//	    startswith(input.resource.path, "/etc/ssh/ssh_host_")
//	    msg := "host keys are not managed"
//	}
//
// Deny entries may also be objects with "message" and "severity" fields.
// Policy directories can be watched with Engine.Watch; changes are reloaded
// without touching the built-ins.
package policy
