package config

import (
	"time"

	"github.com/openfroyo/hostplay/pkg/telemetry"
)

// Policy modes.
const (
	PolicyModeAdvisory  = "advisory"
	PolicyModeEnforcing = "enforcing"
)

// Config is the content of hostplay.yaml.
type Config struct {
	// Inventory is the inventory file used when -i is not given.
	Inventory string `yaml:"inventory"`

	// Telemetry configures logging, tracing, metrics and events.
	Telemetry telemetry.Config `yaml:"telemetry"`

	// SSH sets connection defaults for SSH hosts.
	SSH SSHConfig `yaml:"ssh"`

	// Run sets executor defaults.
	Run RunConfig `yaml:"run"`

	// Policy configures playbook policy checks.
	Policy PolicyConfig `yaml:"policy"`

	// History configures the SQLite run history.
	History HistoryConfig `yaml:"history"`

	// path is the file the config was read from, empty for defaults.
	path string
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

// SSHConfig holds SSH connection defaults.
type SSHConfig struct {
	// DefaultUser is used for SSH hosts that set no user.
	DefaultUser string `yaml:"default_user"`

	// ConnectTimeout bounds connection setup.
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gte=0"`

	// KeepAlive sends keep-alive requests at this interval when set.
	KeepAlive time.Duration `yaml:"keep_alive" validate:"gte=0"`
}

// RunConfig holds executor defaults.
type RunConfig struct {
	// AlwaysGrace bounds always sections that run after cancellation.
	AlwaysGrace time.Duration `yaml:"always_grace" validate:"gt=0"`

	// EnvFile is loaded as extra vars before -e values.
	EnvFile string `yaml:"env_file"`
}

// PolicyConfig configures the policy engine.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled"`

	// Mode is advisory (report only) or enforcing (refuse to run).
	Mode string `yaml:"mode" validate:"oneof=advisory enforcing"`

	// Paths are extra .rego/.json files or directories.
	Paths []string `yaml:"paths" validate:"dive,required"`

	// Disabled lists built-in policies to turn off.
	Disabled []string `yaml:"disabled" validate:"dive,required"`
}

// Enforcing reports whether violations stop a run.
func (p PolicyConfig) Enforcing() bool {
	return p.Enabled && p.Mode == PolicyModeEnforcing
}

// HistoryConfig configures run history.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`

	// Path is the SQLite database file.
	Path string `yaml:"path" validate:"required_if=Enabled true"`
}
