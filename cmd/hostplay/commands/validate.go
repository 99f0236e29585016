package commands

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hostplay/pkg/actions"
	"github.com/openfroyo/hostplay/pkg/engine"
	"github.com/openfroyo/hostplay/pkg/playbook"
	"github.com/openfroyo/hostplay/pkg/policy"
)

// validationReport is the --json form of a validation.
type validationReport struct {
	Playbook string               `json:"playbook"`
	Valid    bool                 `json:"valid"`
	Issues   []playbook.Issue     `json:"issues,omitempty"`
	Policy   *engine.PolicyResult `json:"policy,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "validate <playbook>",
		Short: "Validate a playbook without running it",
		Long: `Validate a playbook without connecting to any host.

This command checks:
  - YAML syntax and schema conformance
  - Task structure, handler references and register names
  - when expressions and argument templates
  - Policy compliance (OPA/rego)`,
		Example: `  # Validate a playbook
  hostplay validate site.yaml

  # Re-validate whenever the playbook or a policy changes
  hostplay validate site.yaml --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := args[0]

			var pe *policy.Engine
			if cfg.Policy.Enabled {
				var err error
				pe, err = newPolicyEngine(ctx, log.Logger)
				if err != nil {
					return err
				}
			}

			report := validatePlaybook(ctx, path, pe)
			printReport(cmd.OutOrStdout(), report)

			if watch {
				return watchPlaybook(ctx, cmd.OutOrStdout(), path, pe)
			}
			if !report.Valid {
				return &ExitError{Code: 1}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-validate when the playbook or policies change")

	return cmd
}

func validatePlaybook(ctx context.Context, path string, pe *policy.Engine) *validationReport {
	report := &validationReport{Playbook: path}

	pb, err := playbook.Load(path)
	if err != nil {
		report.Issues = []playbook.Issue{{Severity: playbook.SeverityError, Message: err.Error()}}
		return report
	}

	report.Issues = playbook.NewValidator(actions.DefaultRegistry().Names()...).Validate(pb)
	report.Valid = !playbook.HasErrors(report.Issues)

	if pe != nil && report.Valid {
		result, err := pe.EvaluatePlaybook(ctx, pb)
		if err != nil {
			report.Issues = append(report.Issues, playbook.Issue{
				Severity: playbook.SeverityError,
				Message:  fmt.Sprintf("policy evaluation failed: %v", err),
			})
			report.Valid = false
			return report
		}
		report.Policy = result
		if !result.Allowed && cfg.Policy.Enforcing() {
			report.Valid = false
		}
	}
	return report
}

func printReport(w io.Writer, report *validationReport) {
	if jsonOutput {
		if err := printJSON(w, report); err != nil {
			log.Error().Err(err).Msg("Failed to encode report")
		}
		return
	}

	printIssues(w, report.Issues)
	if report.Policy != nil {
		printViolations(w, report.Policy.Violations)
		for _, warning := range report.Policy.Warnings {
			fmt.Fprintln(w, text.FgYellow.Sprint("warning: "+warning))
		}
	}

	if report.Valid {
		fmt.Fprintln(w, text.FgGreen.Sprintf("%s is valid", report.Playbook))
	} else {
		fmt.Fprintln(w, text.FgRed.Sprintf("%s is invalid", report.Playbook))
	}
}

// watchPlaybook re-validates on every write to the playbook directory. Policy
// files are reloaded by the policy engine's own watcher.
func watchPlaybook(ctx context.Context, w io.Writer, path string, pe *policy.Engine) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	if pe != nil && len(cfg.Policy.Paths) > 0 {
		if err := pe.WatchPolicies(ctx, cfg.Policy.Paths); err != nil {
			return err
		}
	}

	log.Info().Str("playbook", path).Msg("Watching for changes")

	// Editors emit bursts of events for a single save.
	const settle = 200 * time.Millisecond
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending = time.After(settle)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Watcher error")
		case <-pending:
			pending = nil
			fmt.Fprintln(w)
			printReport(w, validatePlaybook(ctx, path, pe))
		}
	}
}
