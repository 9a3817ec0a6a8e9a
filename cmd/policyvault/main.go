package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/sawpanic/policyvault/internal/config"
)

const (
	appName = "policyvault"
	version = "v0.4.0"
)

// globalFlags are shared by every subcommand
type globalFlags struct {
	configPath string
	logLevel   string
	jsonLogs   bool
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Policy-gated asset custody vault",
		Version: version,
		Long: `policyvault holds pooled assets, issues proportional shares and only lets
capital be redeployed while the portfolio satisfies every active investment
constraint.

Run 'policyvault serve' to start the HTTP API, or 'policyvault check' to
evaluate a portfolio snapshot offline.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(cmd.ErrOrStderr(), flags)
		},
	}

	bindGlobalFlags(rootCmd.PersistentFlags(), flags)

	rootCmd.AddCommand(
		newServeCmd(flags),
		newCheckCmd(flags),
		newConstraintsCmd(flags),
		newMigrateCmd(flags),
	)
	return rootCmd
}

func bindGlobalFlags(fs *pflag.FlagSet, flags *globalFlags) {
	fs.StringVarP(&flags.configPath, "config", "c", os.Getenv("POLICYVAULT_CONFIG"), "Path to the YAML configuration file")
	fs.StringVar(&flags.logLevel, "log-level", "", "Log level override (debug|info|warn|error)")
	fs.BoolVar(&flags.jsonLogs, "json-logs", false, "Force JSON log output")
}

// setupLogging picks a console writer on terminals and JSON otherwise
func setupLogging(out io.Writer, flags *globalFlags) error {
	level := zerolog.InfoLevel
	if flags.logLevel != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(flags.logLevel))
		if err != nil {
			return fmt.Errorf("invalid --log-level %q: %w", flags.logLevel, err)
		}
		level = parsed
	}
	zerolog.SetGlobalLevel(level)

	if f, ok := out.(*os.File); ok && !flags.jsonLogs && term.IsTerminal(int(f.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	}
	return nil
}

// loadConfig reads the configuration and applies the logging overrides it
// carries unless a flag already set them
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if flags.logLevel == "" && cfg.Log.Level != "" {
		level, err := zerolog.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log.level %q: %w", cfg.Log.Level, err)
		}
		zerolog.SetGlobalLevel(level)
	}
	if cfg.Log.JSON && !flags.jsonLogs {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return cfg, nil
}
