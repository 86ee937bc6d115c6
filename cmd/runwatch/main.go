package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/runwatch/pkg/config"
)

var (
	// Version information set at build time.
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	cfgFiles  []string
	logLevel  string
	logFormat string
	log       = logrus.New()
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatal("Command failed")
	}
}

var rootCmd = &cobra.Command{
	Use:   "runwatch",
	Short: "Test execution orchestrator with live progress",
	Long: `Runwatch launches an external test runner for a filtered set of tests,
records every result the runner reports, and streams aggregated progress
to any number of subscribers across instances.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setLogFormat(logFormat); err != nil {
			return err
		}

		if !cmd.Flags().Changed("log-level") {
			return nil
		}

		return setLogLevel(logLevel)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("runwatch %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&cfgFiles, "config", nil,
		"config file path (repeat to merge overlays)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", config.DefaultLogLevel,
		"log level ("+strings.Join(logLevels(), ", ")+")")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text",
		"log format (text, json)")

	rootCmd.AddCommand(versionCmd)
}

func setLogLevel(value string) error {
	level, err := logrus.ParseLevel(value)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", value, err)
	}

	log.SetLevel(level)

	return nil
}

func setLogFormat(value string) error {
	switch value {
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q", value)
	}

	return nil
}

// loadConfig loads and validates configuration. The --log-level flag wins
// over global.log_level.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if !cmd.Flags().Changed("log-level") {
		if err := setLogLevel(cfg.Global.LogLevel); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func logLevels() []string {
	levels := make([]string, 0, len(logrus.AllLevels))
	for _, level := range logrus.AllLevels {
		levels = append(levels, level.String())
	}

	return levels
}
