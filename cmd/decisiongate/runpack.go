package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marcus-qen/decisiongate/internal/runpack"
)

var runpackCmd = &cobra.Command{
	Use:   "runpack",
	Short: "Inspect exported runpacks without starting a server",
}

var runpackVerifyCmd = &cobra.Command{
	Use:   "verify <dir>",
	Short: "Verify a runpack directory's manifest, content hashes, and path containment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source := runpack.NewFilesystemSource(args[0])
		report, err := runpack.Verify(context.Background(), source, runpack.DefaultPathLimits())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
		if report.Status != "pass" {
			return fmt.Errorf("runpack verify: %s", report.Status)
		}
		return nil
	},
}

func init() {
	runpackCmd.AddCommand(runpackVerifyCmd)
}
