package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/hostplay/pkg/transports"
)

type serviceConfig struct {
	Name string `mapstructure:"name"`

	// State is started, stopped, restarted or reloaded.
	State string `mapstructure:"state"`

	// Enabled sets whether the unit starts at boot. Nil leaves it alone.
	Enabled *bool `mapstructure:"enabled"`

	DaemonReload bool `mapstructure:"daemon_reload"`
}

type serviceAction struct {
	cfg serviceConfig
}

func newService(args map[string]interface{}) (Action, error) {
	var cfg serviceConfig
	if err := decode(args, &cfg); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		return nil, errors.New("service name is required")
	}
	switch cfg.State {
	case "", "started", "stopped", "restarted", "reloaded":
	default:
		return nil, fmt.Errorf("invalid state: %s", cfg.State)
	}
	if cfg.State == "" && cfg.Enabled == nil {
		return nil, errors.New("one of state or enabled is required")
	}
	return &serviceAction{cfg: cfg}, nil
}

func (a *serviceAction) Run(ctx context.Context, actx *Context) (*Result, error) {
	name := transports.ShellQuote(a.cfg.Name)

	if a.cfg.DaemonReload && !actx.Check {
		if _, err := runChecked(ctx, actx, "systemctl daemon-reload"); err != nil {
			return failedFrom(err, "failed to reload systemd")
		}
	}

	beforeStatus, beforeEnabled, err := a.status(ctx, actx)
	if err != nil {
		return nil, fmt.Errorf("failed to get service status: %w", err)
	}

	result := &Result{Data: map[string]interface{}{"name": a.cfg.Name}}
	var actions []string

	apply := func(verb string) error {
		actions = append(actions, verb)
		if actx.Check {
			return nil
		}
		_, err := runChecked(ctx, actx, "systemctl "+verb+" "+name)
		return err
	}

	switch a.cfg.State {
	case "started":
		if beforeStatus != "active" {
			if err := apply("start"); err != nil {
				return failedFrom(err, "failed to start service")
			}
		}
	case "stopped":
		if beforeStatus == "active" || beforeStatus == "activating" || beforeStatus == "reloading" {
			if err := apply("stop"); err != nil {
				return failedFrom(err, "failed to stop service")
			}
		}
	case "restarted":
		if err := apply("restart"); err != nil {
			return failedFrom(err, "failed to restart service")
		}
	case "reloaded":
		verb := "reload"
		if beforeStatus != "active" {
			// A stopped unit cannot reload; start it instead.
			verb = "start"
		}
		if err := apply(verb); err != nil {
			return failedFrom(err, "failed to "+verb+" service")
		}
	}

	if a.cfg.Enabled != nil && *a.cfg.Enabled != beforeEnabled {
		verb := "disable"
		if *a.cfg.Enabled {
			verb = "enable"
		}
		if err := apply(verb); err != nil {
			return failedFrom(err, "failed to "+verb+" service")
		}
	}

	result.Changed = len(actions) > 0
	result.Data["actions"] = actions

	status, enabled := beforeStatus, beforeEnabled
	if !actx.Check && result.Changed {
		if status, enabled, err = a.status(ctx, actx); err != nil {
			return nil, fmt.Errorf("failed to get service status after action: %w", err)
		}
	}
	result.Data["status"] = status
	result.Data["enabled"] = enabled

	if result.Changed {
		result.Msg = a.cfg.Name + ": " + strings.Join(actions, ", ")
	} else {
		result.Msg = a.cfg.Name + " already in the desired state"
	}
	return result, nil
}

// status returns the unit's active state and whether it is enabled.
func (a *serviceAction) status(ctx context.Context, actx *Context) (string, bool, error) {
	name := transports.ShellQuote(a.cfg.Name)

	active, err := run(ctx, actx, "systemctl is-active "+name)
	if err != nil {
		return "", false, err
	}
	enabled, err := run(ctx, actx, "systemctl is-enabled "+name)
	if err != nil {
		return "", false, err
	}
	return strings.TrimSpace(active.Stdout), strings.TrimSpace(enabled.Stdout) == "enabled", nil
}
