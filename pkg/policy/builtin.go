package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		shellPipePolicy(),
		ignoredErrorsPolicy(),
		smtpPasswordPolicy(),
		insecureGitPolicy(),
	}
}

func builtin(p Policy) Policy {
	p.Enabled = true
	p.Builtin = true
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	return p
}

// shellPipePolicy rejects downloads piped straight into an interpreter.
func shellPipePolicy() Policy {
	return builtin(Policy{
		Name:        "shell-pipe-to-interpreter",
		Description: "Commands must not pipe curl or wget output into a shell or interpreter",
		Severity:    SeverityError,
		Tags:        []string{"security", "supply-chain"},
		Rego: `package hostplay.policies.shell_pipe

import rego.v1

shell_actions := {"shell", "command"}

commands contains cmd if {
	cmd := input.task.args._raw
	is_string(cmd)
}

commands contains cmd if {
	cmd := input.task.args.cmd
	is_string(cmd)
}

deny contains violation if {
	input.task.action in shell_actions
	some cmd in commands
	regex.match("(curl|wget)\\b[^|;&]*\\|\\s*(sudo\\s+)?(sh|bash|zsh|dash|python3?|perl|ruby)\\b", cmd)
	violation := {
		"message": sprintf("task '%s' pipes a download into an interpreter; download, verify and then execute instead", [input.task.name]),
		"severity": "error",
	}
}
`,
	})
}

// ignoredErrorsPolicy flags ignored failures whose output is thrown away.
func ignoredErrorsPolicy() Policy {
	return builtin(Policy{
		Name:        "ignored-errors-need-register",
		Description: "Tasks that ignore errors should register their result so the failure can be reported",
		Severity:    SeverityWarning,
		Tags:        []string{"reliability"},
		Rego: `package hostplay.policies.ignored_errors

import rego.v1

deny contains violation if {
	input.task.ignore_errors
	input.task.register == ""
	violation := {
		"message": sprintf("task '%s' ignores errors without registering its result", [input.task.name]),
		"severity": "warning",
	}
}
`,
	})
}

// smtpPasswordPolicy flags SMTP passwords written into the playbook.
func smtpPasswordPolicy() Policy {
	return builtin(Policy{
		Name:        "plaintext-smtp-password",
		Description: "Mail passwords should come from variables, not literals in the playbook",
		Severity:    SeverityWarning,
		Tags:        []string{"security", "secrets"},
		Rego: `package hostplay.policies.smtp_password

import rego.v1

deny contains violation if {
	input.task.action == "mail"
	password := input.task.args.password
	is_string(password)
	password != ""
	not contains(password, "{{")
	violation := {
		"message": sprintf("mail task '%s' has a plaintext SMTP password; pass it with -e or --env-file", [input.task.name]),
		"severity": "warning",
	}
}
`,
	})
}

// insecureGitPolicy flags repositories cloned over plain HTTP or git://.
func insecureGitPolicy() Policy {
	return builtin(Policy{
		Name:        "insecure-git-transport",
		Description: "Repositories should be cloned over https or ssh",
		Severity:    SeverityWarning,
		Tags:        []string{"security", "supply-chain"},
		Rego: `package hostplay.policies.git_transport

import rego.v1

insecure_schemes := {"http://", "git://"}

deny contains violation if {
	input.task.action == "git"
	repo := input.task.args.repo
	is_string(repo)
	some scheme in insecure_schemes
	startswith(lower(repo), scheme)
	violation := {
		"message": sprintf("git task '%s' clones %s over an unauthenticated transport", [input.task.name, repo]),
		"severity": "warning",
	}
}
`,
	})
}
