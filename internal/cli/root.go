// Package cli implements the command-line interface using Cobra. Each
// subcommand builds the daemon in-process and talks to its services
// directly.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "llmrd",
	Short: "llmrd — route inference across local and hosted models",
	Long: `llmrd is a model inference router. Register models in any supported
format (gguf, onnx, safetensors, hosted APIs, ...), and route requests
across them by quality, cost, speed, or load.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $LLMRD_HOME/config.toml)")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
