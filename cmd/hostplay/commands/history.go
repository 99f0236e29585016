package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hostplay/pkg/engine"
	"github.com/openfroyo/hostplay/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded runs",
		Long: `Inspect runs recorded in the history database.

Every run records its per-host recap, each task result in execution order
and the events published while it ran.`,
	}

	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())

	return cmd
}

func newHistoryListCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Example: `  # Show the last 5 runs
  hostplay history list --limit 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openHistory(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(ctx, limit)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), runs)
			}

			runsTable := table.NewWriter()
			runsTable.SetOutputMirror(cmd.OutOrStdout())
			runsTable.AppendHeader(table.Row{"ID", "Playbook", "Status", "Check", "User", "Started", "Duration"})
			for _, run := range runs {
				runsTable.AppendRow(table.Row{
					run.ID,
					run.Playbook,
					run.Status,
					run.CheckMode,
					run.User,
					run.StartedAt.Local().Format(time.DateTime),
					run.Duration.Round(time.Millisecond),
				})
			}
			runsTable.Render()
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to show")

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	var events bool

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the recap and task results of a run",
		Example: `  # Show a run with its events
  hostplay history show 3f2c9a1e-... --events`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			store, err := openHistory(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(ctx, args[0])
			if errors.Is(err, stores.ErrNotFound) {
				return fmt.Errorf("run %s not found", args[0])
			}
			if err != nil {
				return err
			}

			var runEvents []*stores.Event
			if events {
				runEvents, err = store.ListEvents(ctx, run.ID)
				if err != nil {
					return err
				}
			}

			if jsonOutput {
				return printJSON(out, struct {
					*engine.Run
					Events []*stores.Event `json:"events,omitempty"`
				}{run, runEvents})
			}

			fmt.Fprintf(out, "Run %s: %s\n", run.ID, run.Playbook)
			if run.Error != "" {
				fmt.Fprintf(out, "Error: %s\n", run.Error)
			}
			fmt.Fprintln(out, engine.RenderResults(run.Results))
			fmt.Fprintln(out, engine.RenderRecap(run))

			if events {
				eventsTable := table.NewWriter()
				eventsTable.SetOutputMirror(out)
				eventsTable.AppendHeader(table.Row{"Time", "Type", "Level", "Host", "Task", "Message"})
				for _, e := range runEvents {
					eventsTable.AppendRow(table.Row{
						e.Timestamp.Local().Format(time.TimeOnly),
						e.Type,
						e.Level,
						e.Host,
						e.Task,
						e.Message,
					})
				}
				eventsTable.Render()
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&events, "events", false, "also list the events published during the run")

	return cmd
}
