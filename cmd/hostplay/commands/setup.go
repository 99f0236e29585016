package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostplay/pkg/engine"
	"github.com/openfroyo/hostplay/pkg/playbook"
	"github.com/openfroyo/hostplay/pkg/policy"
	"github.com/openfroyo/hostplay/pkg/stores"
	"github.com/openfroyo/hostplay/pkg/telemetry"
	"github.com/openfroyo/hostplay/pkg/transports/dialer"
)

// loadInventory reads the inventory given by flag, falling back to the
// configured one. Without either only localhost is known.
func loadInventory(flag string) (*playbook.Inventory, error) {
	path := flag
	if path == "" {
		path = cfg.Inventory
	}
	return playbook.LoadInventory(path)
}

// newDialer applies the SSH defaults from the configuration.
func newDialer(logger zerolog.Logger) *dialer.Dialer {
	d := dialer.New(logger)
	d.DefaultUser = cfg.SSH.DefaultUser
	d.ConnectTimeout = cfg.SSH.ConnectTimeout
	d.KeepAlive = cfg.SSH.KeepAlive
	return d
}

// newPolicyEngine loads configured policy paths and disables the built-ins
// listed in the configuration.
func newPolicyEngine(ctx context.Context, logger zerolog.Logger) (*policy.Engine, error) {
	pe, err := policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := pe.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return nil, err
		}
	}
	for _, name := range cfg.Policy.Disabled {
		if err := pe.DisablePolicy(name); err != nil {
			return nil, fmt.Errorf("policy.disabled: %w", err)
		}
	}
	return pe, nil
}

// openHistory opens the run history database, creating its directory.
func openHistory(ctx context.Context) (*stores.SQLiteStore, error) {
	if dir := filepath.Dir(cfg.History.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}
	store, err := stores.Open(ctx, cfg.History.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history %s: %w", cfg.History.Path, err)
	}
	return store, nil
}

// fanout publishes every event to each publisher, returning the first error.
type fanout []engine.EventPublisher

func (f fanout) Publish(ctx context.Context, event telemetry.Event) error {
	var first error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
