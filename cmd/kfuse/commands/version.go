package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/born-ml/kfuse/internal/runtime"
)

const version = "v0.1.0-dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "kfuse %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "device drivers: %s\n", strings.Join(runtime.Drivers(), ", "))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
