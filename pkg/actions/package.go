package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/hostplay/pkg/transports"
)

// Package states.
const (
	StatePresent = "present"
	StateAbsent  = "absent"
	StateLatest  = "latest"
)

type packageConfig struct {
	Name []string `mapstructure:"name"`
	Pkg  []string `mapstructure:"pkg"`

	// State is present, absent or latest. installed and removed are aliases.
	State string `mapstructure:"state"`

	UpdateCache bool `mapstructure:"update_cache"`

	// Manager forces apt, dnf, yum or zypper instead of detecting it.
	Manager string `mapstructure:"manager"`
	Use     string `mapstructure:"use"`

	// Version pins the install to a specific version.
	Version string `mapstructure:"version"`

	// Options are passed to the package manager verbatim.
	Options []string `mapstructure:"options"`
}

type packageAction struct {
	names []string
	cfg   packageConfig
}

func newPackage(args map[string]interface{}) (Action, error) {
	var cfg packageConfig
	if err := decode(args, &cfg); err != nil {
		return nil, err
	}
	return buildPackage(cfg)
}

func newApt(args map[string]interface{}) (Action, error) {
	var cfg packageConfig
	if err := decode(args, &cfg); err != nil {
		return nil, err
	}
	cfg.Manager = "apt"
	return buildPackage(cfg)
}

func buildPackage(cfg packageConfig) (Action, error) {
	names := append(append([]string{}, cfg.Name...), cfg.Pkg...)
	for i := range names {
		names[i] = strings.TrimSpace(names[i])
	}
	if len(names) == 0 && !cfg.UpdateCache {
		return nil, errors.New("package name is required")
	}

	switch cfg.State {
	case "", "installed":
		cfg.State = StatePresent
	case "removed":
		cfg.State = StateAbsent
	case StatePresent, StateAbsent, StateLatest:
	default:
		return nil, fmt.Errorf("invalid state: %s", cfg.State)
	}

	if cfg.Manager == "" {
		cfg.Manager = cfg.Use
	}
	switch cfg.Manager {
	case "", "apt", "dnf", "yum", "zypper":
	default:
		return nil, fmt.Errorf("unsupported package manager: %s", cfg.Manager)
	}
	return &packageAction{names: names, cfg: cfg}, nil
}

func (a *packageAction) Run(ctx context.Context, actx *Context) (*Result, error) {
	manager := a.cfg.Manager
	if manager == "" {
		var err error
		manager, err = DetectPackageManager(ctx, actx.Transport)
		if err != nil {
			return nil, fmt.Errorf("failed to detect package manager: %w", err)
		}
	}
	pm := packageManager{name: manager, actx: actx, options: a.cfg.Options}

	result := &Result{Data: map[string]interface{}{"manager": manager}}
	var installed, removed, upgraded []string
	versions := map[string]interface{}{}

	if a.cfg.UpdateCache && !actx.Check {
		if err := pm.updateCache(ctx); err != nil {
			return failedFrom(err, "failed to update package cache")
		}
		result.Data["cache_updated"] = true
	}

	for _, name := range a.names {
		present, before, err := pm.query(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to check package status: %w", err)
		}

		switch a.cfg.State {
		case StatePresent:
			if present {
				versions[name] = before
				continue
			}
			if !actx.Check {
				if err := pm.install(ctx, name, a.cfg.Version); err != nil {
					return failedFrom(err, "failed to install "+name)
				}
			}
			installed = append(installed, name)

		case StateAbsent:
			if !present {
				continue
			}
			if !actx.Check {
				if err := pm.remove(ctx, name); err != nil {
					return failedFrom(err, "failed to remove "+name)
				}
			}
			removed = append(removed, name)

		case StateLatest:
			if actx.Check {
				if !present {
					installed = append(installed, name)
				}
				continue
			}
			if !present {
				if err := pm.install(ctx, name, ""); err != nil {
					return failedFrom(err, "failed to install "+name)
				}
				installed = append(installed, name)
			} else {
				if err := pm.upgrade(ctx, name); err != nil {
					return failedFrom(err, "failed to upgrade "+name)
				}
			}
		}

		if !actx.Check {
			if _, after, err := pm.query(ctx, name); err == nil {
				versions[name] = after
				if a.cfg.State == StateLatest && present && after != before {
					upgraded = append(upgraded, name)
				}
			}
		}
	}

	result.Changed = len(installed)+len(removed)+len(upgraded) > 0
	result.Data["installed"] = installed
	result.Data["removed"] = removed
	result.Data["upgraded"] = upgraded
	result.Data["versions"] = versions

	switch {
	case !result.Changed:
		result.Msg = "all packages already in the desired state"
	case actx.Check:
		result.Msg = "packages would change (check mode)"
	default:
		var parts []string
		if len(installed) > 0 {
			parts = append(parts, "installed "+strings.Join(installed, ", "))
		}
		if len(removed) > 0 {
			parts = append(parts, "removed "+strings.Join(removed, ", "))
		}
		if len(upgraded) > 0 {
			parts = append(parts, "upgraded "+strings.Join(upgraded, ", "))
		}
		result.Msg = strings.Join(parts, "; ")
	}
	return result, nil
}

// DetectPackageManager finds the first supported package manager on the host.
func DetectPackageManager(ctx context.Context, t transports.Transport) (string, error) {
	res, err := t.Exec(ctx, transports.ExecRequest{
		Command: `for m in apt-get dnf yum zypper; do if command -v "$m" >/dev/null 2>&1; then echo "$m"; exit 0; fi; done; exit 1`,
	})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", errors.New("no supported package manager found")
	}
	manager := strings.TrimSpace(res.Stdout)
	if manager == "apt-get" {
		manager = "apt"
	}
	return manager, nil
}

type packageManager struct {
	name    string
	actx    *Context
	options []string
}

func (p packageManager) exec(ctx context.Context, command string) error {
	req := transports.ExecRequest{Command: command, Become: p.actx.Become}
	if p.name == "apt" {
		req.Env = map[string]string{"DEBIAN_FRONTEND": "noninteractive"}
	}
	res, err := p.actx.Transport.Exec(ctx, req)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &CommandError{Command: command, Result: res}
	}
	return nil
}

func (p packageManager) binary() string {
	if p.name == "apt" {
		return "apt-get"
	}
	return p.name
}

func (p packageManager) opts() string {
	if len(p.options) == 0 {
		return ""
	}
	quoted := make([]string, len(p.options))
	for i, o := range p.options {
		quoted[i] = transports.ShellQuote(o)
	}
	return " " + strings.Join(quoted, " ")
}

// query reports whether name is installed and its version.
func (p packageManager) query(ctx context.Context, name string) (bool, string, error) {
	var command string
	switch p.name {
	case "apt":
		command = "dpkg-query -W -f='${Status} ${Version}' " + transports.ShellQuote(name)
	case "dnf", "yum", "zypper":
		command = "rpm -q --queryformat '%{VERSION}-%{RELEASE}' " + transports.ShellQuote(name)
	default:
		return false, "", fmt.Errorf("unsupported package manager: %s", p.name)
	}

	res, err := p.actx.Transport.Exec(ctx, transports.ExecRequest{Command: command})
	if err != nil {
		return false, "", err
	}
	if res.ExitCode != 0 {
		return false, "", nil
	}

	out := strings.TrimSpace(res.Stdout)
	if p.name == "apt" {
		// "install ok installed 2.4.52-1ubuntu4"
		fields := strings.Fields(out)
		if len(fields) < 4 || fields[2] != "installed" {
			return false, "", nil
		}
		return true, fields[3], nil
	}
	return true, out, nil
}

func (p packageManager) updateCache(ctx context.Context) error {
	switch p.name {
	case "apt":
		return p.exec(ctx, "apt-get update -q")
	case "dnf", "yum":
		return p.exec(ctx, p.name+" makecache -q")
	case "zypper":
		return p.exec(ctx, "zypper --non-interactive refresh")
	}
	return fmt.Errorf("unsupported package manager: %s", p.name)
}

func (p packageManager) install(ctx context.Context, name, version string) error {
	spec := name
	if version != "" {
		switch p.name {
		case "apt":
			spec = name + "=" + version
		case "dnf", "yum":
			spec = name + "-" + version
		case "zypper":
			spec = name + "=" + version
		}
	}
	if p.name == "zypper" {
		return p.exec(ctx, "zypper --non-interactive install"+p.opts()+" "+transports.ShellQuote(spec))
	}
	return p.exec(ctx, p.binary()+" install -y"+p.opts()+" "+transports.ShellQuote(spec))
}

func (p packageManager) remove(ctx context.Context, name string) error {
	if p.name == "zypper" {
		return p.exec(ctx, "zypper --non-interactive remove"+p.opts()+" "+transports.ShellQuote(name))
	}
	return p.exec(ctx, p.binary()+" remove -y"+p.opts()+" "+transports.ShellQuote(name))
}

func (p packageManager) upgrade(ctx context.Context, name string) error {
	switch p.name {
	case "apt":
		return p.exec(ctx, "apt-get install -y --only-upgrade"+p.opts()+" "+transports.ShellQuote(name))
	case "zypper":
		return p.exec(ctx, "zypper --non-interactive update"+p.opts()+" "+transports.ShellQuote(name))
	default:
		return p.exec(ctx, p.name+" upgrade -y"+p.opts()+" "+transports.ShellQuote(name))
	}
}
