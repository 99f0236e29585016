package commands

import (
	"fmt"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hostplay/pkg/facts"
)

func newFactsCommand() *cobra.Command {
	var inventory string

	cmd := &cobra.Command{
		Use:   "facts <host>",
		Short: "Gather and print the facts of a host",
		Long: `Connect to an inventory host and print the facts a play with
gather_facts would see:
  - hostname, OS name and version
  - kernel and architecture
  - CPU count and memory
  - detected package manager`,
		Example: `  # Facts of the controller
  hostplay facts localhost

  # Facts of an inventory host as JSON
  hostplay facts web1 -i inventory.yaml --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			inv, err := loadInventory(inventory)
			if err != nil {
				return err
			}
			host, ok := inv.Host(args[0])
			if !ok {
				return fmt.Errorf("host %q is not in the inventory", args[0])
			}

			transport, err := newDialer(log.Logger).Open(ctx, host)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", host.Name, err)
			}
			defer transport.Close()

			hostFacts, err := facts.NewGatherer(log.Logger).Gather(ctx, transport)
			if err != nil {
				return fmt.Errorf("failed to gather facts from %s: %w", host.Name, err)
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), hostFacts)
			}

			keys := make([]string, 0, len(hostFacts))
			for k := range hostFacts {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			factsTable := table.NewWriter()
			factsTable.SetOutputMirror(cmd.OutOrStdout())
			factsTable.SetTitle(host.Name)
			factsTable.AppendHeader(table.Row{"Fact", "Value"})
			for _, k := range keys {
				factsTable.AppendRow(table.Row{k, hostFacts[k]})
			}
			factsTable.Render()
			return nil
		},
	}

	cmd.Flags().StringVarP(&inventory, "inventory", "i", "", "inventory file (defaults to the configured inventory)")

	return cmd
}
