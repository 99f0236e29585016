package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hostplay/pkg/config"
	"github.com/openfroyo/hostplay/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	noColor    bool

	// cfg is loaded before every command runs.
	cfg *config.Config
)

// ExitError carries a process exit status without an error message. A
// failed run exits with 2, usage and setup errors with 1.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hostplay",
		Short: "hostplay - declarative host provisioning",
		Long: `hostplay runs YAML playbooks against the hosts of an inventory.

Features:
  - Ordered tasks with block/rescue/always recovery
  - Ignorable failures whose output is still registered
  - Handlers notified on change and run once per host
  - Local and SSH transports
  - OPA policy checks before anything runs
  - SQLite run history`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			setLogLevel(cfg.Telemetry.Logging.Level)
			if noColor || os.Getenv("NO_COLOR") != "" {
				text.DisableColors()
			}

			if cfg.Path() != "" {
				log.Debug().Str("config", cfg.Path()).Msg("Loaded configuration")
			}
			return nil
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default $HOSTPLAY_CONFIG or ./hostplay.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newFactsCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newPolicyCommand())

	return rootCmd
}

func setLogLevel(level string) {
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	zerolog.SetGlobalLevel(telemetry.ParseLevel(level))
}
