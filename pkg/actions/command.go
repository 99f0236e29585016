package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/shell"

	"github.com/openfroyo/hostplay/pkg/transports"
)

type commandConfig struct {
	Cmd  string   `mapstructure:"cmd"`
	Raw  string   `mapstructure:"_raw"`
	Argv []string `mapstructure:"argv"`

	// Chdir changes into this directory before running.
	Chdir string `mapstructure:"chdir"`

	// Creates skips the command when this path already exists.
	Creates string `mapstructure:"creates"`

	// Removes skips the command when this path does not exist.
	Removes string `mapstructure:"removes"`

	Stdin string            `mapstructure:"stdin"`
	Env   map[string]string `mapstructure:"env"`

	// Executable replaces /bin/sh for the shell action.
	Executable string `mapstructure:"executable"`
}

func (c *commandConfig) line() string {
	if c.Cmd != "" {
		return c.Cmd
	}
	return c.Raw
}

type commandAction struct {
	cfg     commandConfig
	command string
	shell   bool
}

func newCommand(args map[string]interface{}) (Action, error) {
	var cfg commandConfig
	if err := decode(args, &cfg); err != nil {
		return nil, err
	}
	if cfg.Executable != "" {
		return nil, errors.New("executable is only valid for shell")
	}

	argv := cfg.Argv
	if len(argv) == 0 {
		if cfg.line() == "" {
			return nil, errors.New("cmd or argv is required")
		}
		// Variables stay literal: the command runs without a shell.
		fields, err := shell.Fields(literalExpansions(cfg.line()), func(string) string { return "" })
		if err != nil {
			return nil, fmt.Errorf("failed to split command: %w", err)
		}
		argv = fields
	}
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}

	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = transports.ShellQuote(a)
	}
	return &commandAction{cfg: cfg, command: strings.Join(quoted, " ")}, nil
}

// literalExpansions backslash-escapes every character that would start a
// parameter expansion, command substitution or tilde expansion, leaving
// single-quoted text untouched.
func literalExpansions(line string) string {
	var (
		b              strings.Builder
		single, double bool
		escaped        bool
	)
	for _, r := range line {
		switch {
		case escaped:
			escaped = false
		case single:
			single = r != '\''
		case r == '\\':
			escaped = true
		case r == '\'' && !double:
			single = true
		case r == '"':
			double = !double
		case r == '$' || r == '`':
			b.WriteByte('\\')
		case r == '~' && !double:
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func newShell(args map[string]interface{}) (Action, error) {
	var cfg commandConfig
	if err := decode(args, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Argv) > 0 {
		return nil, errors.New("argv is only valid for command")
	}
	if strings.TrimSpace(cfg.line()) == "" {
		return nil, errors.New("cmd is required")
	}

	command := cfg.line()
	if cfg.Executable != "" {
		command = transports.ShellQuote(cfg.Executable) + " -c " + transports.ShellQuote(command)
	}
	return &commandAction{cfg: cfg, command: command, shell: true}, nil
}

func (a *commandAction) Run(ctx context.Context, actx *Context) (*Result, error) {
	if a.cfg.Creates != "" {
		_, exists, err := actx.Transport.Stat(ctx, a.cfg.Creates)
		if err != nil {
			return nil, err
		}
		if exists {
			return &Result{Msg: fmt.Sprintf("skipped, since %s exists", a.cfg.Creates)}, nil
		}
	}
	if a.cfg.Removes != "" {
		_, exists, err := actx.Transport.Stat(ctx, a.cfg.Removes)
		if err != nil {
			return nil, err
		}
		if !exists {
			return &Result{Msg: fmt.Sprintf("skipped, since %s does not exist", a.cfg.Removes)}, nil
		}
	}

	if actx.Check {
		return &Result{Skipped: true, Msg: "command would have run (check mode)"}, nil
	}

	req := transports.ExecRequest{
		Command: a.command,
		Become:  actx.Become,
		Dir:     a.cfg.Chdir,
		Env:     a.cfg.Env,
	}
	if a.cfg.Stdin != "" {
		req.Stdin = []byte(a.cfg.Stdin)
	}

	res, err := actx.Transport.Exec(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Changed: true,
		RC:      res.ExitCode,
		Stdout:  strings.TrimRight(res.Stdout, "\n"),
		Stderr:  strings.TrimRight(res.Stderr, "\n"),
		Data: map[string]interface{}{
			"cmd":   a.command,
			"delta": res.Duration.String(),
		},
	}
	if res.ExitCode != 0 {
		result.Failed = true
		result.Msg = fmt.Sprintf("non-zero return code %d", res.ExitCode)
	}
	return result, nil
}
