package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/born-ml/kfuse/internal/op"
)

var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "List the built-in operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := op.Builtins()
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tKIND\tARITY\tFUSABLE")
		for _, name := range reg.Names() {
			def, err := reg.Lookup(name)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%t\n", def.Name(), def.Kind(), def.Arity(), def.Fusable())
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(opsCmd)
}
