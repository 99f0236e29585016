package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hostplay/pkg/actions"
	"github.com/openfroyo/hostplay/pkg/engine"
	"github.com/openfroyo/hostplay/pkg/playbook"
	"github.com/openfroyo/hostplay/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		inventory   string
		extraVars   []string
		envFile     string
		checkMode   bool
		limit       string
		metricsAddr string
		noHistory   bool
	)

	cmd := &cobra.Command{
		Use:   "run <playbook>",
		Short: "Run a playbook against inventory hosts",
		Long: `Run a playbook against the hosts of an inventory.

Hosts and tasks execute one at a time in file order. Before anything runs,
the playbook is validated and evaluated against the configured policies.
In enforcing mode an error severity violation refuses the run.

The command exits with status 2 when any host failed or was unreachable.`,
		Example: `  # Run against the configured inventory
  hostplay run site.yaml

  # Dry run on a single host with extra variables
  hostplay run site.yaml -i inventory.yaml --check --limit web1 -e version=1.2

  # Load variables from a dotenv file and expose prometheus metrics
  hostplay run site.yaml --env-file .env --metrics-addr :9090`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			pb, err := playbook.Load(args[0])
			if err != nil {
				return err
			}
			issues := playbook.NewValidator(actions.DefaultRegistry().Names()...).Validate(pb)
			if playbook.HasErrors(issues) {
				printIssues(cmd.ErrOrStderr(), issues)
				return fmt.Errorf("playbook %s is invalid", args[0])
			}

			inv, err := loadInventory(inventory)
			if err != nil {
				return err
			}

			vars, err := collectExtraVars(envFile, extraVars)
			if err != nil {
				return err
			}

			tcfg := cfg.Telemetry
			if metricsAddr != "" {
				tcfg.Metrics.Enabled = true
			}
			tel, err := telemetry.NewTelemetry(&tcfg)
			if err != nil {
				return fmt.Errorf("failed to initialize telemetry: %w", err)
			}
			defer func() {
				if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
					log.Warn().Err(err).Msg("Telemetry shutdown failed")
				}
			}()
			if err := tel.Metrics.StartMetricsServer(ctx, metricsAddr); err != nil {
				return err
			}

			zlog := tel.Logger.Zerolog()
			opts := []engine.Option{
				engine.WithLogger(tel.Logger),
				engine.WithMetrics(tel.Metrics),
				engine.WithTracer(tel.Tracer),
				engine.WithTransportFactory(newDialer(zlog)),
				engine.WithAlwaysGrace(cfg.Run.AlwaysGrace),
			}

			if cfg.Policy.Enabled {
				pe, err := newPolicyEngine(ctx, zlog)
				if err != nil {
					return err
				}
				opts = append(opts, engine.WithPolicy(pe, cfg.Policy.Enforcing()))
			}

			publishers := fanout{tel.Events}
			if cfg.History.Enabled && !noHistory {
				store, err := openHistory(ctx)
				if err != nil {
					return err
				}
				defer store.Close()
				opts = append(opts, engine.WithRecorder(store))
				publishers = append(publishers, store)
			}
			opts = append(opts, engine.WithEventPublisher(publishers))

			if !jsonOutput {
				printer := &resultPrinter{w: out}
				opts = append(opts, engine.WithResultCallback(printer.print))
			}

			exec := engine.NewExecutor(opts...)
			run, runErr := exec.Run(ctx, pb, inv, engine.RunOptions{
				ExtraVars: vars,
				CheckMode: checkMode,
				Limit:     limit,
				User:      currentUser(),
			})
			if run == nil {
				return runErr
			}

			if jsonOutput {
				if err := printJSON(out, run); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(out)
				fmt.Fprintln(out, engine.RenderRecap(run))
			}

			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				log.Error().Err(runErr).Str("run_id", run.ID).Msg("Run aborted")
			}
			if run.Status != engine.RunStatusSucceeded {
				return &ExitError{Code: 2}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inventory, "inventory", "i", "", "inventory file (defaults to the configured inventory)")
	cmd.Flags().StringArrayVarP(&extraVars, "extra-vars", "e", nil, "extra variables as key=value or @file")
	cmd.Flags().StringVar(&envFile, "env-file", "", "dotenv file loaded as extra variables")
	cmd.Flags().BoolVar(&checkMode, "check", false, "report changes without applying them")
	cmd.Flags().StringVarP(&limit, "limit", "l", "", "further restrict the hosts of every play")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address during the run")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "do not record the run in the history database")

	return cmd
}

// collectExtraVars layers the env file under -e values. The configured env
// file is used when the flag is empty.
func collectExtraVars(envFile string, entries []string) (playbook.Vars, error) {
	if envFile == "" {
		envFile = cfg.Run.EnvFile
	}

	var layers []playbook.Vars
	if envFile != "" {
		env, err := playbook.LoadEnvFile(envFile)
		if err != nil {
			return nil, err
		}
		layers = append(layers, env)
	}

	extra, err := playbook.ParseExtraVars(entries)
	if err != nil {
		return nil, err
	}
	layers = append(layers, extra)
	return playbook.Merge(layers...)
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}
