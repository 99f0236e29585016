// Package policy checks playbooks against Open Policy Agent (OPA) policies
// before they run.
//
// Every task, block section task and handler of a playbook is turned into one
// policy input and evaluated against each enabled policy. A policy reports
// problems through a `deny` set in its package; entries are either plain
// strings or objects with "message" and "severity" keys.
//
// # Architecture
//
// The policy system consists of four main components:
//
//  1. Engine - Compiles policies and evaluates them against playbooks
//  2. Loader - Reads .rego and .json policy files and watches them for changes
//  3. Types - Policy metadata and the input document
//  4. Built-in Policies - Checks shipped with hostplay
//
// # Usage
//
//	pe, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := pe.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//
//	result, err := pe.EvaluatePlaybook(ctx, pb)
//	if err != nil {
//	    return err
//	}
//	for _, v := range result.Violations {
//	    fmt.Printf("%s (line %d): %s\n", v.Policy, v.Line, v.Message)
//	}
//
// The engine satisfies engine.PolicyEngine, so it can be handed to the
// executor with engine.WithPolicy. In advisory mode violations are logged and
// published as events; in enforcing mode a violation with error or critical
// severity stops the run before any host is contacted.
//
// # Built-in Policies
//
//  1. shell-pipe-to-interpreter (error) - curl or wget piped into a shell
//  2. ignored-errors-need-register (warning) - ignore_errors without register
//  3. plaintext-smtp-password (warning) - literal passwords on mail tasks
//  4. insecure-git-transport (warning) - git repositories over http:// or git://
//
// # Input Document
//
//	{
//	  "play": {"name": "...", "hosts": "web", "become": false, "force_handlers": false, "vars": {}},
//	  "task": {
//	    "name": "Install nginx", "action": "package", "args": {"name": "nginx"},
//	    "when": "", "register": "", "ignore_errors": false, "become": true,
//	    "notify": ["restart nginx"], "handler": false, "line": 12
//	  },
//	  "context": {"playbook": "site.yaml", "timestamp": "..."}
//	}
//
// # Custom Policies
//
// A .rego file becomes a policy named after the file. Leading comments give
// the description, and a "# severity: <level>" comment sets the default
// severity for string violations:
//
//	# Handlers must not escalate privileges
//	# severity: error
//	package site.become
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.task.handler
//	    input.task.become
//	    msg := sprintf("handler '%s' uses become", [input.task.name])
//	}
//
// JSON files hold a full Policy object instead. Loading a new set replaces
// all custom policies at once; built-in policies stay loaded.
//
// # Thread Safety
//
// Engine is safe for concurrent use. Evaluation holds a read lock, loading
// and enable/disable changes hold the write lock.
package policy
