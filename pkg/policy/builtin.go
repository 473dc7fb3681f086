package policy

import (
	"time"
)

// BuiltinPolicies returns the policies shipped with the agent.
func BuiltinPolicies() []Policy {
	return []Policy{
		protectedPathsPolicy(),
		worldWritablePolicy(),
	}
}

// protectedPathsPolicy refuses to manage anything under the kernel's virtual
// filesystems.
func protectedPathsPolicy() Policy {
	return Policy{
		Name:        "protected-paths",
		Description: "Refuses to manage entries under /proc, /sys and /dev",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		LoadedAt:    time.Now(),
		Rego: `package converge.policies.protected_paths

import rego.v1

protected := ["/proc", "/sys", "/dev"]

under(path, prefix) if path == prefix

under(path, prefix) if startswith(path, concat("", [prefix, "/"]))

deny contains violation if {
	some prefix in protected
	under(input.resource.path, prefix)
	violation := {
		"message": sprintf("%s is under the protected path %s", [input.resource.path, prefix]),
		"severity": "error",
	}
}
`,
	}
}

// worldWritablePolicy refuses o+w on managed files and sudoers drop-ins.
func worldWritablePolicy() Policy {
	return Policy{
		Name:        "world-writable",
		Description: "Refuses world-writable modes on files and sudoers drop-ins",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		LoadedAt:    time.Now(),
		Rego: `package converge.policies.world_writable

import rego.v1

deny contains violation if {
	input.resource.kind in {"file", "sudoers"}
	count(input.resource.mode) == 10
	substring(input.resource.mode, 8, 1) != "-"
	violation := {
		"message": sprintf("mode %s of %s is world-writable", [input.resource.mode, input.resource.path]),
		"severity": "error",
	}
}
`,
	}
}
