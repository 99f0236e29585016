package actions

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/hostplay/pkg/transports"
)

type sudoersConfig struct {
	User string `mapstructure:"user"`

	// Commands restricts the rule; empty allows ALL.
	Commands []string `mapstructure:"commands"`
	NoPasswd bool     `mapstructure:"nopasswd"`

	// State is present or absent.
	State string `mapstructure:"state"`

	// Dir holds the drop-in file, /etc/sudoers.d by default.
	Dir string `mapstructure:"dir"`
}

// sudoersAction manages one validated drop-in file per user.
type sudoersAction struct {
	cfg sudoersConfig
}

func newSudoers(args map[string]interface{}) (Action, error) {
	var cfg sudoersConfig
	if err := decode(args, &cfg); err != nil {
		return nil, err
	}
	if cfg.User == "" {
		return nil, errors.New("user is required")
	}
	if strings.ContainsAny(cfg.User, " \t\n/") {
		return nil, fmt.Errorf("invalid user %q", cfg.User)
	}
	switch cfg.State {
	case "":
		cfg.State = StatePresent
	case StatePresent, StateAbsent:
	default:
		return nil, fmt.Errorf("invalid state: %s", cfg.State)
	}
	if cfg.Dir == "" {
		cfg.Dir = "/etc/sudoers.d"
	}
	return &sudoersAction{cfg: cfg}, nil
}

func (a *sudoersAction) path() string {
	// sudo skips drop-ins containing a dot.
	return path.Join(a.cfg.Dir, "hostplay-"+strings.ReplaceAll(a.cfg.User, ".", "_"))
}

func (a *sudoersAction) rule() string {
	var b strings.Builder
	b.WriteString("# Managed by hostplay\n")
	fmt.Fprintf(&b, "# User: %s\n", a.cfg.User)

	tag := ""
	if a.cfg.NoPasswd {
		tag = "NOPASSWD: "
	}
	commands := "ALL"
	if len(a.cfg.Commands) > 0 {
		commands = strings.Join(a.cfg.Commands, ", ")
	}
	fmt.Fprintf(&b, "%s ALL=(ALL) %s%s\n", a.cfg.User, tag, commands)
	return b.String()
}

func (a *sudoersAction) Run(ctx context.Context, actx *Context) (*Result, error) {
	file := a.path()
	result := &Result{Data: map[string]interface{}{"path": file}}

	_, exists, err := actx.Transport.Stat(ctx, file)
	if err != nil {
		return nil, err
	}

	if a.cfg.State == StateAbsent {
		if !exists {
			result.Msg = file + " already absent"
			return result, nil
		}
		result.Changed = true
		if actx.Check {
			result.Msg = file + " would be removed (check mode)"
			return result, nil
		}
		if _, err := runChecked(ctx, actx, "rm -f "+transports.ShellQuote(file)); err != nil {
			return failedFrom(err, "failed to remove sudoers file")
		}
		result.Msg = file + " removed"
		return result, nil
	}

	rule := a.rule()
	if exists {
		current, err := actx.Transport.ReadFile(ctx, file)
		if err != nil {
			return nil, err
		}
		if string(current) == rule {
			result.Msg = file + " is up to date"
			return result, nil
		}
	}

	result.Changed = true
	if actx.Check {
		result.Msg = file + " would be written (check mode)"
		return result, nil
	}

	if err := putFile(ctx, actx, file, []byte(rule), 0o440); err != nil {
		return failedFrom(err, "failed to write sudoers file")
	}
	if _, err := runChecked(ctx, actx, "visudo -c -f "+transports.ShellQuote(file)); err != nil {
		_, _ = run(ctx, actx, "rm -f "+transports.ShellQuote(file))
		return failedFrom(err, "invalid sudoers syntax")
	}

	result.Msg = file + " written"
	return result, nil
}

type sshdConfig struct {
	// Path is the server config, /etc/ssh/sshd_config by default.
	Path string `mapstructure:"path"`

	// Options sets arbitrary keywords.
	Options map[string]string `mapstructure:"options"`

	DisablePasswordAuth bool     `mapstructure:"disable_password_auth"`
	DisableRootLogin    bool     `mapstructure:"disable_root_login"`
	AllowUsers          []string `mapstructure:"allow_users"`
	Port                int      `mapstructure:"port"`

	// Validate runs sshd -t before keeping the new file. Default true.
	Validate *bool `mapstructure:"validate"`

	// Reload reloads the ssh service after a change. Default true.
	Reload *bool `mapstructure:"reload"`
}

// sshdAction rewrites keywords in sshd_config, keeping comments and order.
type sshdAction struct {
	cfg      sshdConfig
	settings map[string]string
}

func newSSHDConfig(args map[string]interface{}) (Action, error) {
	var cfg sshdConfig
	if err := decode(args, &cfg); err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		cfg.Path = "/etc/ssh/sshd_config"
	}

	settings := make(map[string]string, len(cfg.Options)+4)
	for k, v := range cfg.Options {
		if strings.ContainsAny(k, " \t\n") || strings.Contains(v, "\n") {
			return nil, fmt.Errorf("invalid option %q", k)
		}
		settings[k] = v
	}
	if cfg.DisablePasswordAuth {
		settings["PasswordAuthentication"] = "no"
	}
	if cfg.DisableRootLogin {
		settings["PermitRootLogin"] = "no"
	}
	if len(cfg.AllowUsers) > 0 {
		settings["AllowUsers"] = strings.Join(cfg.AllowUsers, " ")
	}
	if cfg.Port > 0 {
		settings["Port"] = fmt.Sprintf("%d", cfg.Port)
	}
	if len(settings) == 0 {
		return nil, errors.New("no settings given")
	}
	return &sshdAction{cfg: cfg, settings: settings}, nil
}

func enabled(b *bool) bool {
	return b == nil || *b
}

func (a *sshdAction) Run(ctx context.Context, actx *Context) (*Result, error) {
	current, err := actx.Transport.ReadFile(ctx, a.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", a.cfg.Path, err)
	}

	updated, modified := rewriteKeywords(string(current), a.settings)
	result := &Result{Data: map[string]interface{}{
		"path":          a.cfg.Path,
		"modified_keys": modified,
	}}
	if len(modified) == 0 {
		result.Msg = a.cfg.Path + " is up to date"
		return result, nil
	}

	result.Changed = true
	if actx.Check {
		result.Msg = fmt.Sprintf("%s would change %s (check mode)", a.cfg.Path, strings.Join(modified, ", "))
		return result, nil
	}

	backup := fmt.Sprintf("%s.%s.bak", a.cfg.Path, time.Now().Format("20060102T150405"))
	if err := putFile(ctx, actx, backup, current, 0o600); err != nil {
		return failedFrom(err, "failed to create backup")
	}
	result.Data["backup_file"] = backup

	restore := func() {
		_ = putFile(ctx, actx, a.cfg.Path, current, 0o644)
	}

	if err := putFile(ctx, actx, a.cfg.Path, []byte(updated), 0o644); err != nil {
		return failedFrom(err, "failed to write "+a.cfg.Path)
	}

	if enabled(a.cfg.Validate) {
		if _, err := runChecked(ctx, actx, "sshd -t -f "+transports.ShellQuote(a.cfg.Path)); err != nil {
			restore()
			return failedFrom(err, "sshd config test failed")
		}
	}

	if enabled(a.cfg.Reload) {
		if _, err := runChecked(ctx, actx, "systemctl reload sshd 2>/dev/null || systemctl reload ssh"); err != nil {
			restore()
			return failedFrom(err, "failed to reload sshd")
		}
		result.Data["service_action"] = "reloaded"
	}

	result.Msg = fmt.Sprintf("%s updated: %s", a.cfg.Path, strings.Join(modified, ", "))
	return result, nil
}

// rewriteKeywords replaces the first occurrence of each keyword, drops later
// duplicates and appends missing ones. Keywords match case-insensitively
// because sshd does. The changed keywords are returned sorted.
func rewriteKeywords(content string, settings map[string]string) (string, []string) {
	lower := make(map[string]string, len(settings))
	for k := range settings {
		lower[strings.ToLower(k)] = k
	}

	var (
		lines    []string
		seen     = make(map[string]bool)
		modified = make(map[string]bool)
	)
	for _, line := range strings.Split(strings.TrimRight(content, "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			lines = append(lines, line)
			continue
		}
		fields := strings.Fields(trimmed)
		key, ok := lower[strings.ToLower(fields[0])]
		if !ok {
			lines = append(lines, line)
			continue
		}
		if seen[key] {
			modified[key] = true
			continue
		}
		seen[key] = true
		want := settings[key]
		if strings.Join(fields[1:], " ") != want {
			modified[key] = true
			lines = append(lines, key+" "+want)
			continue
		}
		lines = append(lines, line)
	}

	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !seen[k] {
			lines = append(lines, k+" "+settings[k])
			modified[k] = true
		}
	}

	changed := make([]string, 0, len(modified))
	for k := range modified {
		changed = append(changed, k)
	}
	sort.Strings(changed)
	return strings.Join(lines, "\n") + "\n", changed
}
