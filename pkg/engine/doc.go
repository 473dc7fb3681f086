// Package engine is the convergence core of the converge agent.
//
// # Overview
//
// For every managed entry (file, directory, symlink, sudoers drop-in) the
// engine decides whether the host differs from the desired state and, if so,
// applies the smallest corrective action. Every call re-derives the current
// state with lstat; nothing is cached between calls.
//
// A call moves through these steps:
//
//  1. Validate - mode length and principals (Ownership)
//  2. Resolve - logical destination to real path (PathResolver)
//  3. Refuse - symlinks, conflicting entries and policy denials
//  4. Compile and diff - desired content (ContentReconciler)
//  5. Backup and write - atomic replace after a backup (BackupManager)
//  6. Attributes - ownership and mode (AttributeReconciler)
//
// # Outcomes
//
// Each call ends Unchanged, Changed or Aborted. Aborts are recoverable,
// per-resource problems (symlink refusal, backup collision, sudoers syntax,
// lock held, policy denial): they are logged and reported as "not changed".
// Fatal errors (unknown principal, template error, I/O failure) are returned
// so that the manifest run fails:
//
//	result, err := conv.Edit(ctx, engine.EditRequest{
//	    Source: "demo.conf.tmpl",
//	    Dest:   "/etc/demo.conf",
//	    Owner:  "root",
//	    Group:  "root",
//	    Mode:   "-rw-r--r--",
//	    Vars:   map[string]any{"port": 8080},
//	})
//	if err != nil {
//	    return err
//	}
//	if result.Changed {
//	    // restart the service
//	}
//
// # Dry run
//
// With Options.DryRun every read, diff and log happens but no mutating call
// is made, and the reported Changed value is the one a real run would report.
package engine
