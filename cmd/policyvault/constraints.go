package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/policyvault/internal/application"
	"github.com/sawpanic/policyvault/internal/policy"
)

func newConstraintsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "constraints",
		Short: "Inspect investment constraints",
	}

	var output string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted and seeded constraints in insertion order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			rt, err := application.Bootstrap(cmd.Context(), cfg, application.BootstrapOptions{})
			if err != nil {
				return fmt.Errorf("bootstrap: %w", err)
			}
			defer rt.Close()

			constraints := rt.Service.Constraints()
			out := cmd.OutOrStdout()
			switch output {
			case "yaml":
				return yaml.NewEncoder(out).Encode(constraints)
			case "table":
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tACTIVE\tMIN STABLE\tMAX UNBACKED\tMAX RISK\tMAX SINGLE\tDESCRIPTION")
				for _, c := range constraints {
					fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\t%s\t%s\n", c.ID, c.Active,
						policy.Percent(c.Limits.MinStableBps),
						policy.Percent(c.Limits.MaxUnbackedBps),
						policy.Percent(c.Limits.MaxRiskBps),
						policy.Percent(c.Limits.MaxSingleAssetBps),
						c.Description)
				}
				return tw.Flush()
			default:
				return fmt.Errorf("unknown output %q (want table or yaml)", output)
			}
		},
	}
	listCmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table|yaml)")

	cmd.AddCommand(listCmd)
	return cmd
}
