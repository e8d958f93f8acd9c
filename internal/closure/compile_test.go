package closure

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/kfuse/internal/errs"
	"github.com/born-ml/kfuse/internal/kernel"
	"github.com/born-ml/kfuse/internal/op"
	"github.com/born-ml/kfuse/internal/tensor"
)

func spec(def *op.Definition, shape tensor.Shape, d kernel.Dialect) kernel.Spec {
	iter := shape
	if def.Kind() == op.Reduce {
		iter = shape.Without(def.Axis())
	}
	var params []kernel.Param
	st := kernel.Stage{Def: def}
	for i := 0; i < def.Arity(); i++ {
		params = append(params, kernel.Param{Name: "in" + string(rune('0'+i)), Kind: kernel.SourceParam, DType: tensor.Float32, Arg: i, Len: shape.NumElements()})
		st.Operands = append(st.Operands, kernel.ParamOperand(i))
	}
	st.Sinks = []int{len(params)}
	params = append(params, kernel.Param{Name: "out0", Kind: kernel.SinkParam, DType: tensor.Float32, Len: iter.NumElements()})
	return kernel.Spec{Name: def.Name() + "_t", Params: params, Stages: []kernel.Stage{st}, Iter: iter, In: shape, Dialect: d}
}

func bytesOf(v []float32) []byte {
	b := make([]byte, len(v)*4)
	copy(tensor.AsFloat32(b), v)
	return b
}

// run executes k over every launch item (or the loop nest) and returns out0.
func run(t *testing.T, k *kernel.Kernel, ins ...[]float32) []float32 {
	t.Helper()
	prog, err := Compile(k)
	require.NoError(t, err)
	bufs := make([][]byte, 0, len(ins)+1)
	for _, in := range ins {
		bufs = append(bufs, bytesOf(in))
	}
	out := make([]byte, k.Shape.NumElements()*4)
	bufs = append(bufs, out)
	f, err := prog.Bind(bufs)
	require.NoError(t, err)
	if k.Mode == kernel.Loops {
		prog.Exec(f)
	} else {
		prog.RunItems(f, 0, k.Geometry.Items())
	}
	return append([]float32(nil), tensor.AsFloat32(out)...)
}

func seq(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = float32(i + 1)
	}
	return v
}

func TestRunBinaryBothModes(t *testing.T) {
	shape := tensor.Shape{37, 5}
	a, b := seq(shape.NumElements()), seq(shape.NumElements())
	for i := range b {
		b[i] *= 0.5
	}
	for _, d := range []kernel.Dialect{kernel.OpenCL, kernel.C} {
		k, err := kernel.Generate(spec(op.SubOp, shape, d))
		require.NoError(t, err)
		got := run(t, k, a, b)
		for i := range got {
			assert.InDelta(t, a[i]-b[i], got[i], 1e-6)
		}
	}
}

func TestRunStencilZeroBoundaryMatchesReference(t *testing.T) {
	lap, err := op.Builtins().Lookup("laplace")
	require.NoError(t, err)
	const n = 5
	in := seq(n * n)
	at := func(i, j int) float32 {
		if i < 0 || j < 0 || i >= n || j >= n {
			return 0
		}
		return in[i*n+j]
	}

	for _, d := range []kernel.Dialect{kernel.OpenCL, kernel.C, kernel.WGSL} {
		k, err := kernel.Generate(spec(lap, tensor.Shape{n, n}, d))
		require.NoError(t, err)
		got := run(t, k, in)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				want := at(i-1, j) + at(i+1, j) + at(i, j-1) + at(i, j+1) - 4*at(i, j)
				assert.InDelta(t, want, got[i*n+j], 1e-5, "%s at (%d,%d)", d, i, j)
			}
		}
	}
}

func TestRunReduce(t *testing.T) {
	sum, err := op.Builtins().Lookup("sum")
	require.NoError(t, err)
	k, err := kernel.Generate(spec(sum, tensor.Shape{4, 3}, kernel.OpenCL))
	require.NoError(t, err)
	got := run(t, k, seq(12))
	assert.Equal(t, []float32{1 + 4 + 7 + 10, 2 + 5 + 8 + 11, 3 + 6 + 9 + 12}, got)
}

func TestParallelLoopSplits(t *testing.T) {
	shape := tensor.Shape{64, 8}
	k, err := kernel.Generate(spec(op.AddOp, shape, kernel.C))
	require.NoError(t, err)
	prog, err := Compile(k)
	require.NoError(t, err)

	a := seq(shape.NumElements())
	out := make([]byte, len(a)*4)
	f, err := prog.Bind([][]byte{bytesOf(a), bytesOf(a), out})
	require.NoError(t, err)

	var mu sync.Mutex
	chunks := 0
	f.WithSplitter(func(n int, fn func(lo, hi int)) {
		var wg sync.WaitGroup
		for lo := 0; lo < n; lo += 16 {
			mu.Lock()
			chunks++
			mu.Unlock()
			wg.Add(1)
			go func(lo int) {
				defer wg.Done()
				fn(lo, min(lo+16, n))
			}(lo)
		}
		wg.Wait()
	})
	prog.Exec(f)
	assert.Equal(t, 4, chunks)
	for i, v := range tensor.AsFloat32(out) {
		assert.Equal(t, 2*a[i], v)
	}
}

func TestCompileRejectsMalformedKernels(t *testing.T) {
	base := func() *kernel.Kernel {
		k, err := kernel.Generate(spec(op.AddOp, tensor.Shape{8}, kernel.OpenCL))
		require.NoError(t, err)
		return k
	}
	tests := []struct {
		name   string
		mutate func(k *kernel.Kernel)
	}{
		{"undeclared identifier", func(k *kernel.Kernel) {
			k.Body = []kernel.Stmt{kernel.DeclF{Name: "x", Value: kernel.FVar{Name: "nope"}}}
		}},
		{"undeclared index", func(k *kernel.Kernel) {
			k.Body = []kernel.Stmt{kernel.DeclI{Name: "x", Value: kernel.IVar{Name: "nope"}}}
		}},
		{"store to source", func(k *kernel.Kernel) {
			k.Body = []kernel.Stmt{kernel.Store{Param: 0, Index: kernel.IConst{}, Value: kernel.FConst{}}}
		}},
		{"load from sink", func(k *kernel.Kernel) {
			k.Body = []kernel.Stmt{kernel.DeclF{Name: "x", Value: kernel.Load{Param: 2, Index: kernel.IConst{}}}}
		}},
		{"assign immutable", func(k *kernel.Kernel) {
			k.Body = []kernel.Stmt{
				kernel.DeclF{Name: "x", Value: kernel.FConst{}},
				kernel.Assign{Name: "x", Value: kernel.FConst{V: 1}},
			}
		}},
		{"work-item dimension", func(k *kernel.Kernel) {
			k.Body = []kernel.Stmt{kernel.DeclI{Name: "x", Value: kernel.GlobalID{Dim: 2}}}
		}},
		{"bad element type", func(k *kernel.Kernel) {
			k.Params[0].DType = tensor.DataType(99)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := base()
			tt.mutate(k)
			_, err := Compile(k)
			require.Error(t, err)
			assert.True(t, errs.IsCompilation(err))
		})
	}
}

func TestBindChecksBuffers(t *testing.T) {
	k, err := kernel.Generate(spec(op.AddOp, tensor.Shape{8}, kernel.OpenCL))
	require.NoError(t, err)
	prog, err := Compile(k)
	require.NoError(t, err)

	_, err = prog.Bind([][]byte{make([]byte, 32)})
	assert.True(t, errs.IsViolation(err))

	_, err = prog.Bind([][]byte{make([]byte, 32), make([]byte, 16), make([]byte, 32)})
	assert.True(t, errs.IsViolation(err))

	// Trailing slack is allowed.
	_, err = prog.Bind([][]byte{make([]byte, 64), make([]byte, 32), make([]byte, 40)})
	assert.NoError(t, err)
}
