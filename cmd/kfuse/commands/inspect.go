package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/born-ml/kfuse/internal/kernel"
	"github.com/born-ml/kfuse/internal/op"
	"github.com/born-ml/kfuse/internal/signature"
	"github.com/born-ml/kfuse/internal/specialize"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect OP ARG...",
	Short: "Print the kernel generated for an operation",
	Long: `Lower a built-in operation for an argument signature and print the
generated kernel source with its parameters and launch geometry.

Each ARG is a number (a scalar) or an array shape such as 64x64,
optionally prefixed with its element type: f64:64x64.`,
	Example: `  kfuse inspect add 64x64 64x64
  kfuse inspect axpy 2.5 100 100 --dialect wgsl
  kfuse inspect laplace 33x45 --dialect c`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().String("dialect", "opencl", "kernel dialect: opencl, c or wgsl")
	inspectCmd.Flags().Int("group", kernel.DefaultGroupSize, "work-group size")
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	def, err := op.Builtins().Lookup(args[0])
	if err != nil {
		return err
	}
	specs := make([]signature.ArgSpec, 0, len(args)-1)
	for _, a := range args[1:] {
		spec, err := parseArgSpec(a)
		if err != nil {
			return err
		}
		specs = append(specs, spec)
	}
	name, _ := cmd.Flags().GetString("dialect")
	dialect, err := parseDialect(name)
	if err != nil {
		return err
	}
	group, _ := cmd.Flags().GetInt("group")

	sig := signature.New(specs...)
	k, entry, err := specialize.New(specialize.Options{}).Generate(specialize.Single(def), sig, dialect, group)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "// kernel    %s (%s)\n", k.Name, k.Dialect)
	fmt.Fprintf(out, "// signature %s\n", sig)
	fmt.Fprintf(out, "// geometry  %s\n", k.Geometry)
	for _, p := range k.Params {
		switch p.Kind {
		case kernel.ScalarParam:
			fmt.Fprintf(out, "// param     %-6s %s = %g\n", p.Name, p.Kind, p.Value)
		default:
			fmt.Fprintf(out, "// param     %-6s %s %s[%d]\n", p.Name, p.Kind, p.DType, p.Len)
		}
	}
	for i, o := range entry.Outputs {
		fmt.Fprintf(out, "// output    %d %s\n", i, o)
	}
	fmt.Fprintln(out)
	fmt.Fprint(out, k.Source)
	return nil
}
