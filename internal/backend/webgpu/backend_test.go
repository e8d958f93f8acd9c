//go:build windows

package webgpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/kfuse/internal/backend"
	"github.com/born-ml/kfuse/internal/errs"
	"github.com/born-ml/kfuse/internal/kernel"
	"github.com/born-ml/kfuse/internal/op"
	"github.com/born-ml/kfuse/internal/tensor"
)

func openBackend(t *testing.T) *Backend {
	t.Helper()
	if !IsAvailable() {
		t.Skip("WebGPU not available")
	}
	b, err := New(kernel.DefaultGroupSize)
	if err != nil {
		t.Skipf("WebGPU not available: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func addKernel(t *testing.T, n int, dtype tensor.DataType) *kernel.Kernel {
	t.Helper()
	shape := tensor.Shape{n}
	k, err := kernel.Generate(kernel.Spec{
		Name: "add_0",
		Params: []kernel.Param{
			{Name: "in0", Kind: kernel.SourceParam, DType: dtype, Len: n},
			{Name: "in1", Kind: kernel.SourceParam, DType: dtype, Arg: 1, Len: n},
			{Name: "out0", Kind: kernel.SinkParam, DType: dtype, Len: n},
		},
		Stages: []kernel.Stage{{
			Def:      op.AddOp,
			Operands: []kernel.Operand{kernel.ParamOperand(0), kernel.ParamOperand(1)},
			Sinks:    []int{2},
		}},
		Iter: shape, In: shape, Dialect: kernel.WGSL,
	})
	require.NoError(t, err)
	return k
}

func upload(t *testing.T, m *Memory, v []float32) tensor.DeviceBuffer {
	t.Helper()
	buf, err := m.Alloc(len(v) * 4)
	require.NoError(t, err)
	src := make([]byte, len(v)*4)
	copy(tensor.AsFloat32(src), v)
	require.NoError(t, m.Upload(buf, src))
	return buf
}

func TestBackendIdentity(t *testing.T) {
	b := openBackend(t)
	assert.Equal(t, backend.Device, b.Name())
	assert.Equal(t, tensor.Device, b.Side())
	assert.Equal(t, kernel.WGSL, b.Dialect())
	assert.NotEmpty(t, b.Adapter())
}

func TestLaunchAddsOnTheGPU(t *testing.T) {
	b := openBackend(t)
	const n = 1000
	k := addKernel(t, n, tensor.Float32)
	prog, err := b.Compile(k)
	require.NoError(t, err)

	x, y := make([]float32, n), make([]float32, n)
	for i := range x {
		x[i] = float32(i)
		y[i] = float32(2 * i)
	}
	m := b.mem
	out, err := m.Alloc(n * 4)
	require.NoError(t, err)

	evt, err := b.Launch(prog, k.Geometry, []backend.Arg{{Buffer: upload(t, m, x)}, {Buffer: upload(t, m, y)}, {Buffer: out}}, nil)
	require.NoError(t, err)
	require.NoError(t, evt.Wait())

	dst := make([]byte, n*4)
	require.NoError(t, m.Download(dst, out))
	got := tensor.AsFloat32(dst)
	for i := range got {
		require.InDelta(t, float32(3*i), got[i], 1e-4)
	}
}

func TestCompileRejectsFloat64(t *testing.T) {
	b := openBackend(t)
	_, err := b.Compile(addKernel(t, 8, tensor.Float64))
	require.Error(t, err)
	assert.True(t, errs.IsCompilation(err))
}

func TestBufferPoolReusesReleasedBuffers(t *testing.T) {
	b := openBackend(t)
	buf, err := b.mem.Alloc(1024)
	require.NoError(t, err)
	buf.Release()
	buf.Release()

	again, err := b.mem.Alloc(1000)
	require.NoError(t, err)
	defer again.Release()

	allocated, hits, misses, idle := b.mem.pool.Stats()
	assert.Equal(t, uint64(1), allocated)
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
	assert.Equal(t, 0, idle)
}

func TestReleasedBufferIsRejected(t *testing.T) {
	b := openBackend(t)
	buf, err := b.mem.Alloc(16)
	require.NoError(t, err)
	buf.Release()
	_, err = b.mem.own(buf)
	assert.ErrorIs(t, err, errs.ErrReleased)
}

func TestLaunchRejectsOversizedGrid(t *testing.T) {
	b := openBackend(t)
	prog, err := b.Compile(addKernel(t, 8, tensor.Float32))
	require.NoError(t, err)
	geom := kernel.Geometry{Dims: 1, Global: []int{32 * (maxWorkgroups + 1)}, Local: []int{32}, Offset: []int{0}, Extent: []int{32 * (maxWorkgroups + 1)}}
	_, err = b.Launch(prog, geom, nil, nil)
	assert.ErrorContains(t, err, "per-dimension limit")
}
