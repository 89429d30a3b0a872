package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kiln-project/kiln/pkg/constants"
	"github.com/kiln-project/kiln/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:     constants.AgentName,
	Short:   "Run Kiln Agent",
	Long:    "Kiln Agent fine-tunes causal language models with low-rank adapters and manages the model and dataset snapshots the training runs need.",
	Version: fmt.Sprintf("gitVersion=%s, gitCommit=%s, buildDate=%s", version.GitVersion, version.GitCommit, version.BuildDate),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	// Register all agent commands
	rootCmd.AddCommand(CreateAgentCommand(NewGRPOTunerAgent()))
	rootCmd.AddCommand(CreateAgentCommand(NewHFDownloadAgent()))
}
