package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "pharmarag",
	Short: "Manufacturing telemetry reports with retrieval-augmented generation",
	Long: `pharmarag collects telemetry from the prediction services, indexes it next
to a regulatory knowledge base and generates GMP-style manufacturing reports.
When the language model is unavailable it falls back to template reports.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.AddCommand(serveCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(reportCmd, reportsCmd, typesCmd)
	rootCmd.AddCommand(collectCmd, docsCmd, searchCmd, cleanupCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

