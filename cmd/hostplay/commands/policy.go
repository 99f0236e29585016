package commands

import (
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect playbook policies",
		Long: `Inspect the policies evaluated before every run.

Built-in policies ship with hostplay. Additional .rego and .json policies
are loaded from the paths listed under policy.paths in the configuration.`,
	}

	cmd.AddCommand(newPolicyListCommand())

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List built-in and configured policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pe, err := newPolicyEngine(cmd.Context(), log.Logger)
			if err != nil {
				return err
			}
			policies := pe.ListPolicies()

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), policies)
			}

			policyTable := table.NewWriter()
			policyTable.SetOutputMirror(cmd.OutOrStdout())
			policyTable.SetTitle("Policies (" + cfg.Policy.Mode + ")")
			policyTable.AppendHeader(table.Row{"Name", "Severity", "Enabled", "Source", "Tags", "Description"})
			for _, p := range policies {
				source := "builtin"
				if !p.Builtin {
					source = "custom"
					if s, ok := p.Metadata["source"].(string); ok {
						source = s
					}
				}
				policyTable.AppendRow(table.Row{p.Name, p.Severity, p.Enabled, source, strings.Join(p.Tags, ","), p.Description})
			}
			policyTable.Render()
			return nil
		},
	}
}
