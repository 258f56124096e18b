// Package main is the entry point for the plantwatch binary: the assessment
// API server and the evaluation tooling around it.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// errGatesFailed makes the process exit non-zero without an extra message;
// the eval report already explains which gate failed.
var errGatesFailed = errors.New("quality gates failed")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errGatesFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	pretty     bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:   "plantwatch",
		Short: "Plant health assessment service with guardrails and LLM evaluation",
		Long: `plantwatch serves plant health assessments from sensor readings behind an
input guardrail, samples responses into an evaluation queue scored by an
LLM judge, and reports quality metrics against release gates.

Examples:
  plantwatch serve --config plantwatch.yaml
  plantwatch assess --file request.json
  plantwatch eval --dataset data/golden_dataset.json --output report.json`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", os.Getenv("PLANTWATCH_CONFIG"), "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&flags.logLevel, "log-level", "l", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flags.pretty, "pretty", false, "Human-readable log output")

	rootCmd.AddCommand(
		newServeCmd(flags),
		newAssessCmd(flags),
		newEvalCmd(flags),
		newDeadLetterCmd(flags),
		newConfigCmd(flags),
	)
	return rootCmd
}
