package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/hostplay/pkg/telemetry"
)

// Environment variables read by the loader.
const (
	EnvConfig   = "HOSTPLAY_CONFIG"
	EnvLogLevel = "LOG_LEVEL"
	EnvHistory  = "HOSTPLAY_HISTORY"
)

// DefaultFile is looked up in the working directory when no path is given.
const DefaultFile = "hostplay.yaml"

// Default returns the configuration used when no file is found.
func Default() *Config {
	historyPath := filepath.Join(".hostplay", "history.db")
	if home, err := os.UserHomeDir(); err == nil {
		historyPath = filepath.Join(home, ".hostplay", "history.db")
	}

	return &Config{
		Telemetry: *telemetry.DefaultConfig(),
		SSH: SSHConfig{
			ConnectTimeout: 30 * time.Second,
		},
		Run: RunConfig{
			AlwaysGrace: 30 * time.Second,
		},
		Policy: PolicyConfig{
			Enabled: true,
			Mode:    PolicyModeAdvisory,
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    historyPath,
		},
	}
}

// Resolve picks the config file: the explicit path, then $HOSTPLAY_CONFIG,
// then hostplay.yaml in the working directory. It returns "" when none
// applies.
func Resolve(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(EnvConfig); env != "" {
		return env
	}
	if _, err := os.Stat(DefaultFile); err == nil {
		return DefaultFile
	}
	return ""
}

// Load reads the config file chosen by Resolve on top of the defaults,
// applies environment overrides and validates the result.
func Load(explicit string) (*Config, error) {
	cfg := Default()

	if path := Resolve(explicit); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		cfg.path = path
		cfg.resolvePaths(filepath.Dir(path))
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data on top of the defaults without reading the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	if raw == nil {
		return nil
	}

	sr, err := registry()
	if err != nil {
		return err
	}
	if err := sr.ValidateAgainstSchema("config", raw); err != nil {
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	return nil
}

// resolvePaths makes relative file settings relative to the config file.
func (c *Config) resolvePaths(dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) || strings.HasPrefix(p, "~") {
			return p
		}
		return filepath.Join(dir, p)
	}

	c.Inventory = abs(c.Inventory)
	c.Run.EnvFile = abs(c.Run.EnvFile)
	c.History.Path = abs(c.History.Path)
	for i, p := range c.Policy.Paths {
		c.Policy.Paths[i] = abs(p)
	}
}

func (c *Config) applyEnv() {
	if level := os.Getenv(EnvLogLevel); level != "" {
		c.Telemetry.Logging.Level = strings.ToLower(level)
	}
	if path := os.Getenv(EnvHistory); path != "" {
		c.History.Path = path
	}
}

// Validate checks struct tags and the telemetry section.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on the %q rule", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}
