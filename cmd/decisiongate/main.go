// Command decisiongate is the Decision Gate control plane entry
// point: it wires configuration, structured logging, the evidence
// federation, the capability and schema registries, the security
// pipeline, and the MCP tool server together, then serves them over
// stdio or HTTP/SSE.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "decisiongate",
	Short: "Decision Gate — a scenario/gate control plane served over MCP",
	Long: `Decision Gate evaluates scenario specs against federated evidence,
advancing append-only runs through gated stages and exporting
verifiable runpacks for audit.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (env vars still override)")
	rootCmd.AddCommand(serveCmd, runpackCmd, migrateCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("decisiongate %s (commit: %s, built: %s)\n", version, commit, date)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
