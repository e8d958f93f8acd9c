package commands

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/kfuse/internal/fusion"
	"github.com/born-ml/kfuse/internal/op"
	"github.com/born-ml/kfuse/internal/runtime"
	"github.com/born-ml/kfuse/internal/tensor"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Compute D = (A + B) - A eagerly and fused",
	Long: `Run D = (A + B) - A on random square matrices, first as two separate
kernel launches and then as one fused kernel, and check both results
against B.`,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().Int("size", 200, "matrix extent")
	demoCmd.Flags().Uint64("seed", 42, "random seed")
	rootCmd.AddCommand(demoCmd)
}

func runDemo(cmd *cobra.Command, args []string) error {
	size, _ := cmd.Flags().GetInt("size")
	seed, _ := cmd.Flags().GetUint64("seed")
	if size < 1 {
		return errors.Errorf("size must be positive, got %d", size)
	}

	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	rng := rand.New(rand.NewPCG(seed, 1))
	am, bm := randomMatrix(rng, size), randomMatrix(rng, size)
	a, err := tensor.FromMatrix(am, tensor.Float32)
	if err != nil {
		return err
	}
	b, err := tensor.FromMatrix(bm, tensor.Float32)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "backend %s, %dx%d float32\n", eng.Backend().Name(), size, size)

	start := time.Now()
	d, err := eagerDemo(eng, a, b)
	if err != nil {
		return err
	}
	if err := report(cmd, "eager", d, bm, time.Since(start)); err != nil {
		return err
	}

	start = time.Now()
	d, err = fusedDemo(eng, a, b)
	if err != nil {
		return err
	}
	if err := report(cmd, "fused", d, bm, time.Since(start)); err != nil {
		return err
	}

	st := eng.Cache().Stats()
	fmt.Fprintf(out, "cache: %d compiles, %d hits, %d misses\n", st.Compiles, st.Hits, st.Misses)
	return nil
}

func eagerDemo(eng *runtime.Engine, a, b *tensor.Array) (*tensor.Array, error) {
	c, err := eng.Call("add", a, b)
	if err != nil {
		return nil, err
	}
	return eng.Call("sub", c, a)
}

func fusedDemo(eng *runtime.Engine, a, b *tensor.Array) (*tensor.Array, error) {
	g := fusion.NewGraph()
	ga := g.Input(a)
	c, err := g.Call(op.AddOp, ga, g.Input(b))
	if err != nil {
		return nil, err
	}
	d, err := g.Call(op.SubOp, c, ga)
	if err != nil {
		return nil, err
	}
	g.Output(d)
	res, err := eng.Run(g)
	if err != nil {
		return nil, err
	}
	return res.Array(d)
}

func report(cmd *cobra.Command, label string, d *tensor.Array, want *mat.Dense, elapsed time.Duration) error {
	got, err := d.ToMatrix()
	if err != nil {
		return err
	}
	var diff mat.Dense
	diff.Sub(got, want)
	maxErr := mat.Norm(&diff, math.Inf(1))
	fmt.Fprintf(cmd.OutOrStdout(), "%-6s %10s  inf-norm error %.3g\n", label, elapsed.Round(time.Microsecond), maxErr)
	if !mat.EqualApprox(got, want, 1e-3) {
		return errors.Errorf("%s result differs from B", label)
	}
	return nil
}

func randomMatrix(rng *rand.Rand, n int) *mat.Dense {
	data := make([]float64, n*n)
	for i := range data {
		data[i] = rng.Float64()
	}
	return mat.NewDense(n, n, data)
}
