package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/kfuse/internal/backend"
	"github.com/born-ml/kfuse/internal/errs"
	"github.com/born-ml/kfuse/internal/kernel"
	"github.com/born-ml/kfuse/internal/op"
	"github.com/born-ml/kfuse/internal/tensor"
)

func binaryKernel(t *testing.T, def *op.Definition, shape tensor.Shape) *kernel.Kernel {
	t.Helper()
	n := shape.NumElements()
	k, err := kernel.Generate(kernel.Spec{
		Name: def.Name() + "_0",
		Params: []kernel.Param{
			{Name: "in0", Kind: kernel.SourceParam, DType: tensor.Float32, Len: n},
			{Name: "in1", Kind: kernel.SourceParam, DType: tensor.Float32, Arg: 1, Len: n},
			{Name: "out0", Kind: kernel.SinkParam, DType: tensor.Float32, Len: n},
		},
		Stages: []kernel.Stage{{
			Def:      def,
			Operands: []kernel.Operand{kernel.ParamOperand(0), kernel.ParamOperand(1)},
			Sinks:    []int{2},
		}},
		Iter: shape, In: shape, Dialect: kernel.OpenCL,
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

func download(t *testing.T, m *Memory, buf tensor.DeviceBuffer) []float32 {
	t.Helper()
	dst := make([]byte, buf.Size())
	require.NoError(t, m.Download(dst, buf))
	return tensor.AsFloat32(dst)
}

func ramp(n int, scale float32) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = float32(i) * scale
	}
	return v
}

func TestDeviceLaunchPaddedGridKeepsCanary(t *testing.T) {
	d := New(Options{Seed: 1})
	defer d.Close()

	shape := tensor.Shape{33, 45}
	n := shape.NumElements()
	k := binaryKernel(t, op.AddOp, shape)
	require.True(t, k.Geometry.AnyPadded())
	prog, err := d.Compile(k)
	require.NoError(t, err)

	m := d.DeviceMemory()
	a, b := upload(t, m, ramp(n, 1)), upload(t, m, ramp(n, 2))
	out, err := m.Alloc(n * 4)
	require.NoError(t, err)

	evt, err := d.Launch(prog, k.Geometry, []backend.Arg{{Buffer: a}, {Buffer: b}, {Buffer: out}}, nil)
	require.NoError(t, err)
	require.NoError(t, evt.Wait())

	for i, v := range download(t, m, out) {
		assert.Equal(t, float32(3*i), v)
	}
	assert.True(t, out.(*Buffer).Intact(), "padded work items wrote past the end")
}

func TestDeviceUnguardedKernelBreaksCanary(t *testing.T) {
	d := New(Options{Seed: 2})
	defer d.Close()

	shape := tensor.Shape{33}
	k := binaryKernel(t, op.AddOp, shape)
	// Strip the guard so padded items store out of range.
	guard := k.Body[len(k.Body)-1].(kernel.If)
	k.Body = append(k.Body[:len(k.Body)-1], guard.Body...)
	prog, err := d.Compile(k)
	require.NoError(t, err)

	m := d.DeviceMemory()
	a, b := upload(t, m, ramp(64, 1)), upload(t, m, ramp(64, 1))
	out, err := m.Alloc(33 * 4)
	require.NoError(t, err)

	evt, err := d.Launch(prog, k.Geometry, []backend.Arg{{Buffer: a}, {Buffer: b}, {Buffer: out}}, nil)
	require.NoError(t, err)
	require.NoError(t, evt.Wait())
	assert.False(t, out.(*Buffer).Intact())
}

func TestDeviceWaitListOrdersAcrossQueues(t *testing.T) {
	d := New(Options{Queues: 8, Seed: 3})
	defer d.Close()

	shape := tensor.Shape{64}
	add := binaryKernel(t, op.AddOp, shape)
	addProg, err := d.Compile(add)
	require.NoError(t, err)

	m := d.DeviceMemory()
	x := upload(t, m, ramp(64, 1))
	one := upload(t, m, make([]float32, 64))
	ones := make([]byte, 64*4)
	for i := range tensor.AsFloat32(ones) {
		tensor.AsFloat32(ones)[i] = 1
	}
	require.NoError(t, m.Upload(one, ones))

	// A chain of x = x + 1 through ping-pong buffers; each launch waits on
	// the previous one, wherever the queues place them.
	y, err := m.Alloc(64 * 4)
	require.NoError(t, err)
	bufs := []tensor.DeviceBuffer{x, y}
	var prev tensor.Event
	const steps = 40
	for s := 0; s < steps; s++ {
		src, dst := bufs[s%2], bufs[(s+1)%2]
		var wait []tensor.Event
		if prev != nil {
			wait = []tensor.Event{prev}
		}
		prev, err = d.Launch(addProg, add.Geometry, []backend.Arg{{Buffer: src}, {Buffer: one}, {Buffer: dst}}, wait)
		require.NoError(t, err)
	}
	require.NoError(t, d.Wait())
	assert.Equal(t, int64(steps), d.Launches())

	got := download(t, m, bufs[steps%2])
	for i, v := range got {
		assert.Equal(t, float32(i+steps), v)
	}
}

func TestDeviceFailedDependencyPropagates(t *testing.T) {
	d := New(Options{Seed: 4})
	defer d.Close()

	k := binaryKernel(t, op.AddOp, tensor.Shape{4})
	prog, err := d.Compile(k)
	require.NoError(t, err)
	m := d.DeviceMemory()
	buf := upload(t, m, ramp(4, 1))

	failed := backend.NewSignal()
	evt, err := d.Launch(prog, k.Geometry, []backend.Arg{{Buffer: buf}, {Buffer: buf}, {Buffer: buf}}, []tensor.Event{failed})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.False(t, evt.Done(), "launch ran before its dependency")
	failed.Complete(errs.ErrQueueClosed)
	assert.ErrorIs(t, evt.Wait(), errs.ErrQueueClosed)
	assert.ErrorIs(t, d.Wait(), errs.ErrQueueClosed)
	assert.NoError(t, d.Wait(), "errors are reported once")
}

func TestDeviceRejectsForeignBuffersAndLoopKernels(t *testing.T) {
	d := New(Options{Seed: 5})
	defer d.Close()
	other := NewMemory()

	k := binaryKernel(t, op.AddOp, tensor.Shape{4})
	prog, err := d.Compile(k)
	require.NoError(t, err)
	foreign, err := other.Alloc(16)
	require.NoError(t, err)
	_, err = d.Launch(prog, k.Geometry, []backend.Arg{{Buffer: foreign}, {Buffer: foreign}, {Buffer: foreign}}, nil)
	assert.True(t, errs.IsViolation(err))

	loops, err := kernel.Generate(kernel.Spec{
		Name:   "loop",
		Params: k.Params,
		Stages: []kernel.Stage{{Def: op.AddOp, Operands: []kernel.Operand{kernel.ParamOperand(0), kernel.ParamOperand(1)}, Sinks: []int{2}}},
		Iter:   tensor.Shape{4}, In: tensor.Shape{4}, Dialect: kernel.C,
	})
	require.NoError(t, err)
	_, err = d.Compile(loops)
	assert.True(t, errs.IsCompilation(err))
}

func TestDeviceClose(t *testing.T) {
	d := New(Options{Queues: 2, Seed: 6})
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	k := binaryKernel(t, op.AddOp, tensor.Shape{4})
	prog, err := d.Compile(k)
	require.NoError(t, err)
	m := d.DeviceMemory()
	buf := upload(t, m, ramp(4, 1))
	_, err = d.Launch(prog, k.Geometry, []backend.Arg{{Buffer: buf}, {Buffer: buf}, {Buffer: buf}}, nil)
	assert.ErrorIs(t, err, errs.ErrQueueClosed)
}

func TestMemoryAccounting(t *testing.T) {
	m := NewMemory()
	buf, err := m.Alloc(100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), m.Live())
	assert.Equal(t, int64(1), m.Buffers())
	assert.True(t, buf.(*Buffer).Intact())

	assert.Error(t, m.Upload(buf, make([]byte, 101)))

	buf.Release()
	buf.Release()
	assert.Equal(t, int64(0), m.Live())
	assert.Equal(t, int64(0), m.Buffers())
	assert.ErrorIs(t, m.Download(make([]byte, 100), buf), errs.ErrReleased)
}
