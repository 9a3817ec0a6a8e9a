package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/policyvault/internal/config"
	"github.com/sawpanic/policyvault/internal/policy"
)

// errCheckFailed makes the process exit non-zero without extra output
var errCheckFailed = errors.New("portfolio violates active constraints")

// snapshotFile is the on-disk form read by the check command
type snapshotFile struct {
	TotalAssets    uint64            `yaml:"total_assets"`
	StableAssets   uint64            `yaml:"stable_assets"`
	UnbackedAssets uint64            `yaml:"unbacked_assets"`
	DailyRiskBps   uint64            `yaml:"daily_risk_bps"`
	Exposures      map[string]uint64 `yaml:"exposures"`
}

func newCheckCmd(flags *globalFlags) *cobra.Command {
	var (
		snapshotPath string
		output       string
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate a portfolio snapshot against the configured constraints",
		Long: `Evaluate a YAML portfolio snapshot against the seed constraints of the
configuration without starting the vault. Exits non-zero when any active
constraint is violated.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			snap, err := readSnapshot(snapshotPath)
			if err != nil {
				return err
			}

			report, err := evaluateOffline(cmd.Context(), cfg, snap)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch output {
			case "yaml":
				if err := yaml.NewEncoder(out).Encode(report); err != nil {
					return fmt.Errorf("encode report: %w", err)
				}
			case "table":
				printReport(out, report)
			default:
				return fmt.Errorf("unknown output %q (want table or yaml)", output)
			}

			if !report.Passed {
				cmd.SilenceErrors = true
				return errCheckFailed
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&snapshotPath, "snapshot", "s", "", "Path to the YAML portfolio snapshot")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table|yaml)")
	_ = cmd.MarkFlagRequired("snapshot")
	return cmd
}

func readSnapshot(path string) (snapshotFile, error) {
	var snap snapshotFile
	raw, err := os.ReadFile(path)
	if err != nil {
		return snap, fmt.Errorf("read snapshot: %w", err)
	}
	if err := yaml.Unmarshal(raw, &snap); err != nil {
		return snap, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	return snap, nil
}

// evaluateOffline builds a throwaway engine from the seed constraints
func evaluateOffline(ctx context.Context, cfg *config.Config, snap snapshotFile) (policy.Report, error) {
	store := policy.NewConstraintStore(nil)
	for _, sc := range cfg.Policy.Constraints {
		if err := store.Add(ctx, sc.ID, sc.Description, sc.Limits); err != nil {
			return policy.Report{}, fmt.Errorf("constraint %s: %w", sc.ID, err)
		}
	}

	portfolio := policy.NewPortfolio(nil)
	portfolio.Update(ctx, snap.TotalAssets, snap.StableAssets, snap.UnbackedAssets, snap.DailyRiskBps)
	for asset, exposure := range snap.Exposures {
		if err := portfolio.SetExposure(ctx, asset, exposure); err != nil {
			return policy.Report{}, fmt.Errorf("exposure %s: %w", asset, err)
		}
	}

	engine := policy.NewEngine(store, portfolio, nil, policy.Options{
		Name:                    cfg.Policy.Name,
		EnforceSingleAssetLimit: cfg.Policy.EnforceSingleAssetLimit,
	})
	return engine.Evaluate(), nil
}

func printReport(out io.Writer, report policy.Report) {
	s := report.Snapshot
	fmt.Fprintf(out, "Total %d  Stable %d  Unbacked %d  Risk %s\n",
		s.TotalAssets, s.StableAssets, s.UnbackedAssets, policy.Percent(s.DailyRiskBps))
	if len(s.Exposures) > 0 {
		assets := make([]string, 0, len(s.Exposures))
		for a := range s.Exposures {
			assets = append(assets, a)
		}
		sort.Strings(assets)
		for _, a := range assets {
			fmt.Fprintf(out, "  %-10s %d\n", a, s.Exposures[a])
		}
	}
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONSTRAINT\tSTABLE\tUNBACKED\tRISK\tRESULT")
	for _, row := range report.Evaluations {
		result := "PASS"
		if row.Violation != nil {
			result = "FAIL: " + row.Violation.Reason
			if row.Violation.Asset != "" {
				result += " (" + row.Violation.Asset + ")"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", row.ConstraintID,
			policy.Percent(row.StableBps), policy.Percent(row.UnbackedBps), policy.Percent(row.RiskBps), result)
	}
	tw.Flush()

	switch {
	case len(report.Evaluations) == 0:
		fmt.Fprintln(out, "\nNo active constraints")
	case report.Vacuous:
		fmt.Fprintln(out, "\nPASSED (zero total assets satisfies every constraint)")
	case report.Passed:
		fmt.Fprintln(out, "\nPASSED")
	default:
		fmt.Fprintln(out, "\nFAILED")
	}
}
