package kernel

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/kfuse/internal/errs"
	"github.com/born-ml/kfuse/internal/op"
	"github.com/born-ml/kfuse/internal/tensor"
)

// arraySpec binds def to array parameters only: one source per formal
// argument and one sink per output.
func arraySpec(def *op.Definition, shape tensor.Shape, d Dialect) Spec {
	iter := shape
	if def.Kind() == op.Reduce {
		iter = shape.Without(def.Axis())
	}
	var params []Param
	st := Stage{Def: def}
	for i := 0; i < def.Arity(); i++ {
		params = append(params, Param{Name: "in" + string(rune('0'+i)), Kind: SourceParam, DType: tensor.Float32, Arg: i, Len: shape.NumElements()})
		st.Operands = append(st.Operands, ParamOperand(i))
	}
	for j := 0; j < def.NumOutputs(); j++ {
		st.Sinks = append(st.Sinks, len(params))
		params = append(params, Param{Name: "out" + string(rune('0'+j)), Kind: SinkParam, DType: tensor.Float32, Arg: j, Len: iter.NumElements()})
	}
	return Spec{Name: def.Name() + "_0", Params: params, Stages: []Stage{st}, Iter: iter, In: shape, Dialect: d}
}

func TestGenerateBinaryOpenCL(t *testing.T) {
	k, err := Generate(arraySpec(op.AddOp, tensor.Shape{200, 200}, OpenCL))
	require.NoError(t, err)

	assert.Equal(t, "add_0", k.Name)
	assert.Equal(t, WorkItems, k.Mode)
	assert.Equal(t, 1, k.NumSinks())
	assert.Equal(t, []int{224, 224}, k.Geometry.Global)
	assert.Contains(t, k.Source, "__kernel void add_0(__global const float* restrict in0, __global const float* restrict in1, __global float* restrict out0)")
	assert.Contains(t, k.Source, "int i1 = get_global_id(0);")
	assert.Contains(t, k.Source, "int i0 = get_global_id(1);")
	assert.Contains(t, k.Source, "if ((i0 < 200) && (i1 < 200))")
	assert.Contains(t, k.Source, "int idx = (i0 * 200 + i1);")
	assert.Contains(t, k.Source, "float t0 = (in0[idx] + in1[idx]);")
	assert.Contains(t, k.Source, "out0[idx] = t0;")
}

func TestGenerateNoGuardWithoutPadding(t *testing.T) {
	k, err := Generate(arraySpec(op.AddOp, tensor.Shape{64, 16}, OpenCL))
	require.NoError(t, err)
	assert.False(t, k.Geometry.AnyPadded())
	assert.NotContains(t, k.Source, "if (")
}

func TestGenerateGuardOnlyPaddedAxes(t *testing.T) {
	k, err := Generate(arraySpec(op.AddOp, tensor.Shape{64, 40}, OpenCL))
	require.NoError(t, err)
	assert.Contains(t, k.Source, "if (i1 < 40)")
	assert.NotContains(t, k.Source, "i0 < 64")
}

func TestGenerateLoopsC(t *testing.T) {
	k, err := Generate(arraySpec(op.SubOp, tensor.Shape{3, 4}, C))
	require.NoError(t, err)
	assert.Equal(t, Loops, k.Mode)
	require.Len(t, k.Body, 1)
	pl, ok := k.Body[0].(ParallelLoop)
	require.True(t, ok)
	assert.Equal(t, 3, pl.Extent)
	assert.Contains(t, k.Source, "#include <math.h>")
	assert.Contains(t, k.Source, "#pragma omp parallel for")
	assert.Contains(t, k.Source, "for (int i0 = 0; i0 < 3; i0++) {")
	assert.Contains(t, k.Source, "for (int i1 = 0; i1 < 4; i1++) {")
	assert.Contains(t, k.Source, "float t0 = (in0[idx] - in1[idx]);")
}

func TestGenerateScalarParam(t *testing.T) {
	scale, err := op.Builtins().Lookup("scale")
	require.NoError(t, err)
	spec := Spec{
		Name: "scale_0",
		Params: []Param{
			{Name: "s0", Kind: ScalarParam, Value: 2.5, Arg: 1},
			{Name: "in0", Kind: SourceParam, DType: tensor.Float32, Arg: 0, Len: 8},
			{Name: "out0", Kind: SinkParam, DType: tensor.Float32, Len: 8},
		},
		Stages: []Stage{{Def: scale, Operands: []Operand{ParamOperand(1), ParamOperand(0)}, Sinks: []int{2}}},
		Iter:   tensor.Shape{8},
		In:     tensor.Shape{8},
	}
	k, err := Generate(spec)
	require.NoError(t, err)
	assert.Contains(t, k.Source, "(const float s0, __global const float* restrict in0, __global float* restrict out0)")
	assert.Contains(t, k.Source, "float t0 = (in0[idx] * s0);")

	spec.Dialect = WGSL
	k, err = Generate(spec)
	require.NoError(t, err)
	assert.Contains(t, k.Source, "const s0: f32 = 2.5;")
	assert.Contains(t, k.Source, "@group(0) @binding(0) var<storage, read> in0: array<f32>;")
	assert.Contains(t, k.Source, "@group(0) @binding(1) var<storage, read_write> out0: array<f32>;")
	assert.Contains(t, k.Source, "@compute @workgroup_size(8)")
}

func TestGenerateStencilZeroBoundary(t *testing.T) {
	lap, err := op.Builtins().Lookup("laplace")
	require.NoError(t, err)
	k, err := Generate(arraySpec(lap, tensor.Shape{5, 5}, OpenCL))
	require.NoError(t, err)
	assert.Contains(t, k.Source, "((0 <= (i0 - 1) && (i0 - 1) < 5) ? in0[((i0 - 1) * 5 + i1)] : 0.0f)")
	assert.Contains(t, k.Source, "((0 <= (i1 + 1) && (i1 + 1) < 5) ? in0[(i0 * 5 + (i1 + 1))] : 0.0f)")
	// The centre tap needs no check.
	assert.Contains(t, k.Source, "(4.0f * in0[idx])")
}

func TestGenerateStencilClampAndConstant(t *testing.T) {
	body := op.Add(op.Tap(0, 0, -1), op.Tap(0, 0, 1))
	clamp, err := op.NewStencil("edge", 1, body, op.Clamp(0))
	require.NoError(t, err)
	k, err := Generate(arraySpec(clamp, tensor.Shape{4, 6}, OpenCL))
	require.NoError(t, err)
	assert.Contains(t, k.Source, "in0[(i0 * 6 + clamp((i1 - 1), 0, 5))]")
	assert.NotContains(t, k.Source, "?")

	k, err = Generate(arraySpec(clamp, tensor.Shape{4, 6}, C))
	require.NoError(t, err)
	assert.Contains(t, k.Source, "((i1 - 1) < 0 ? 0 : ((i1 - 1) > 5 ? 5 : (i1 - 1)))")

	cst, err := op.NewStencil("pad", 1, body, op.Constant(7))
	require.NoError(t, err)
	k, err = Generate(arraySpec(cst, tensor.Shape{4, 6}, OpenCL))
	require.NoError(t, err)
	assert.Contains(t, k.Source, ": 7.0f)")
}

func TestGenerateReduce(t *testing.T) {
	sum, err := op.Builtins().Lookup("sum")
	require.NoError(t, err)
	k, err := Generate(arraySpec(sum, tensor.Shape{6, 3}, OpenCL))
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{3}, k.Shape)
	assert.Contains(t, k.Source, "float acc = 0.0f;")
	assert.Contains(t, k.Source, "for (int r = 0; r < 6; r++) {")
	assert.Contains(t, k.Source, "acc = (acc + in0[(r * 3 + i0)]);")
	assert.Contains(t, k.Source, "out0[idx] = acc;")

	k, err = Generate(arraySpec(sum, tensor.Shape{10}, WGSL))
	require.NoError(t, err)
	assert.Contains(t, k.Source, "var acc: f32 = 0.0;")
	assert.Contains(t, k.Source, "for (var r: i32 = 0; r < 10; r++) {")
}

func TestGenerateBlockStores(t *testing.T) {
	blk, err := op.NewBlock("sumdiff", 2, []op.Stmt{
		op.Let("s", op.Add(op.Arg(0), op.Arg(1))),
		op.Let("d", op.Sub(op.Arg(0), op.Arg(1))),
	}, []string{"s", "d"})
	require.NoError(t, err)
	k, err := Generate(arraySpec(blk, tensor.Shape{16}, OpenCL))
	require.NoError(t, err)
	assert.Equal(t, 2, k.NumSinks())
	assert.Contains(t, k.Source, "float t0_s_0 = (in0[idx] + in1[idx]);")
	assert.Contains(t, k.Source, "float t0_d_1 = (in0[idx] - in1[idx]);")
	assert.Contains(t, k.Source, "out0[idx] = t0_s_0;")
	assert.Contains(t, k.Source, "out1[idx] = t0_d_1;")
}

func TestGenerateFusedStagesUseRegisters(t *testing.T) {
	shape := tensor.Shape{200, 200}
	spec := Spec{
		Name: "fused_0",
		Params: []Param{
			{Name: "in0", Kind: SourceParam, DType: tensor.Float32, Len: shape.NumElements()},
			{Name: "in1", Kind: SourceParam, DType: tensor.Float32, Arg: 1, Len: shape.NumElements()},
			{Name: "out0", Kind: SinkParam, DType: tensor.Float32, Len: shape.NumElements()},
		},
		Stages: []Stage{
			{Def: op.AddOp, Operands: []Operand{ParamOperand(0), ParamOperand(1)}},
			{Def: op.SubOp, Operands: []Operand{StageOperand(0), ParamOperand(0)}, Sinks: []int{2}},
		},
		Iter: shape, In: shape, Dialect: OpenCL,
	}
	k, err := Generate(spec)
	require.NoError(t, err)
	assert.Equal(t, 2, k.Stages)
	assert.Contains(t, k.Source, "float t0 = (in0[idx] + in1[idx]);")
	assert.Contains(t, k.Source, "float t1 = (t0 - in0[idx]);")
	assert.Equal(t, 1, strings.Count(k.Source, "out0["), "only the final value is stored")
}

func TestGenerateTapOnIntermediateInlines(t *testing.T) {
	lap, err := op.Builtins().Lookup("laplace")
	require.NoError(t, err)
	shape := tensor.Shape{5, 5}
	spec := Spec{
		Name: "fused_1",
		Params: []Param{
			{Name: "in0", Kind: SourceParam, DType: tensor.Float32, Len: 25},
			{Name: "in1", Kind: SourceParam, DType: tensor.Float32, Arg: 1, Len: 25},
			{Name: "out0", Kind: SinkParam, DType: tensor.Float32, Len: 25},
		},
		Stages: []Stage{
			{Def: op.AddOp, Operands: []Operand{ParamOperand(0), ParamOperand(1)}},
			{Def: lap, Operands: []Operand{StageOperand(0)}, Sinks: []int{2}},
		},
		Iter: shape, In: shape, Dialect: OpenCL,
	}
	k, err := Generate(spec)
	require.NoError(t, err)
	// The shifted read recomputes the producer at the neighbour.
	assert.Contains(t, k.Source, "? (in0[((i0 - 1) * 5 + i1)] + in1[((i0 - 1) * 5 + i1)]) : 0.0f)")
	assert.Contains(t, k.Source, "(4.0f * t0)")
}

func TestGenerateWGSLCollapse(t *testing.T) {
	k, err := Generate(arraySpec(op.MulOp, tensor.Shape{10, 10}, WGSL))
	require.NoError(t, err)
	assert.Equal(t, 1, k.Geometry.Dims)
	assert.Contains(t, k.Source, "let gid: i32 = i32(global_id.x);")
	assert.Contains(t, k.Source, "if (gid < 100) {")
	assert.Contains(t, k.Source, "let i0: i32 = (gid / 10);")
	assert.Contains(t, k.Source, "let i1: i32 = (gid % 10);")
	assert.Contains(t, k.Source, "in0[clamp(idx, 0, 99)]")
}

func TestWGSLNonFiniteConstants(t *testing.T) {
	tests := []struct {
		v    float32
		want string
	}{
		{float32(math.NaN()), "bitcast<f32>(0x7fc00000u)"},
		{float32(math.Inf(1)), "bitcast<f32>(0x7f800000u)"},
		{float32(math.Inf(-1)), "bitcast<f32>(0xff800000u)"},
		{2, "2.0"},
		{0.25, "0.25"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, wgslFloat(tt.v))
	}

	nan, err := op.NewMap("poison", 1, op.Add(op.Arg(0), op.Const(float32(math.NaN()))))
	require.NoError(t, err)
	k, err := Generate(arraySpec(nan, tensor.Shape{8}, WGSL))
	require.NoError(t, err)
	assert.Contains(t, k.Source, "bitcast<f32>(0x7fc00000u)")
	assert.NotContains(t, k.Source, "0.0 / 0.0")
}

func TestGenerateFloat64Conversion(t *testing.T) {
	spec := arraySpec(op.AddOp, tensor.Shape{4}, C)
	for i := range spec.Params {
		spec.Params[i].DType = tensor.Float64
	}
	k, err := Generate(spec)
	require.NoError(t, err)
	assert.Contains(t, k.Source, "const double* restrict in0")
	assert.Contains(t, k.Source, "((float)in0[idx] + (float)in1[idx])")
	assert.Contains(t, k.Source, "out0[idx] = (double)t0;")
}

func TestGenerateErrors(t *testing.T) {
	shape := tensor.Shape{4}

	_, err := Generate(Spec{Name: "empty", Iter: shape, In: shape})
	require.ErrorIs(t, err, errs.ErrEmptyGroup)

	opaque := op.NewOpaque("host", 1, nil)
	_, err = Generate(arraySpec(opaque, shape, OpenCL))
	require.ErrorIs(t, err, errs.ErrOpaqueKernel)

	sum, err := op.Builtins().Lookup("sum")
	require.NoError(t, err)
	spec := arraySpec(op.AddOp, shape, OpenCL)
	spec.Stages = append(spec.Stages, Stage{Def: sum, Operands: []Operand{StageOperand(0)}, Sinks: []int{2}})
	spec.Stages[0].Sinks = nil
	_, err = Generate(spec)
	assert.True(t, errs.IsViolation(err))

	lap, err := op.Builtins().Lookup("laplace")
	require.NoError(t, err)
	spec = Spec{
		Name: "bad",
		Params: []Param{
			{Name: "s0", Kind: ScalarParam, Value: 1},
			{Name: "out0", Kind: SinkParam, DType: tensor.Float32, Len: 4},
		},
		Stages: []Stage{{Def: lap, Operands: []Operand{ParamOperand(0)}, Sinks: []int{1}}},
		Iter:   tensor.Shape{2, 2}, In: tensor.Shape{2, 2},
	}
	_, err = Generate(spec)
	assert.True(t, errs.IsMismatch(err))

	spec = arraySpec(op.AddOp, shape, OpenCL)
	spec.Stages[0].Sinks = nil
	_, err = Generate(spec)
	assert.Error(t, err)
}
