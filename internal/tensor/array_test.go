package tensor

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/kfuse/internal/errs"
)

// fakeMemory keeps device buffers in ordinary byte slices and counts copies.
type fakeMemory struct {
	mu        sync.Mutex
	uploads   int
	downloads int
	live      int
}

type fakeBuffer struct {
	data []byte
	mem  *fakeMemory
	once sync.Once
}

func (b *fakeBuffer) Size() int { return len(b.data) }

func (b *fakeBuffer) Release() {
	b.once.Do(func() {
		b.mem.mu.Lock()
		b.mem.live--
		b.mem.mu.Unlock()
	})
}

func (m *fakeMemory) Alloc(size int) (DeviceBuffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live++
	return &fakeBuffer{data: make([]byte, size), mem: m}, nil
}

func (m *fakeMemory) Upload(dst DeviceBuffer, src []byte) error {
	m.mu.Lock()
	m.uploads++
	m.mu.Unlock()
	copy(dst.(*fakeBuffer).data, src)
	return nil
}

func (m *fakeMemory) Download(dst []byte, src DeviceBuffer) error {
	m.mu.Lock()
	m.downloads++
	m.mu.Unlock()
	copy(dst, src.(*fakeBuffer).data)
	return nil
}

// event is a manually completed Event.
type event struct {
	done chan struct{}
	err  error
}

func newEvent() *event { return &event{done: make(chan struct{})} }

func (e *event) complete(err error) {
	e.err = err
	close(e.done)
}

func (e *event) Wait() error {
	<-e.done
	return e.err
}

func (e *event) Done() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(Shape{}, Float32)
	assert.Error(t, err)
	_, err = New(Shape{2, 0}, Float32)
	assert.Error(t, err)
	_, err = New(Shape{2}, DataType(9))
	assert.Error(t, err)
	_, err = FromFloat32(Shape{3}, []float32{1, 2})
	assert.Error(t, err)

	// Construction errors carry the stack of the failing call.
	_, err = New(Shape{2, 0}, Float32)
	assert.Contains(t, fmt.Sprintf("%+v", err), "tensor.New")
	_, err = FromFloat64(Shape{3}, []float64{1})
	assert.Contains(t, fmt.Sprintf("%+v", err), "tensor.FromFloat64")

	a, err := New(Shape{2, 3}, Float64)
	require.NoError(t, err)
	assert.Equal(t, 6, a.NumElements())
	assert.Equal(t, 48, a.ByteSize())
	assert.Equal(t, []int{3, 1}, a.Strides())
	assert.False(t, a.HasDevice())
}

func TestDeviceRoundTripFollowsDirtyFlags(t *testing.T) {
	mem := &fakeMemory{}
	a, err := FromFloat32(Shape{4}, []float32{1, 2, 3, 4})
	require.NoError(t, err)

	buf, err := a.ReadDevice(mem)
	require.NoError(t, err)
	assert.Equal(t, 16, buf.Size())
	assert.Equal(t, 1, mem.uploads)

	// A clean device side is not uploaded again.
	_, err = a.ReadDevice(mem)
	require.NoError(t, err)
	assert.Equal(t, 1, mem.uploads)

	copy(AsFloat32(buf.(*fakeBuffer).data), []float32{9, 8, 7, 6})
	require.NoError(t, a.MarkWritten(Device))
	host, device := a.Dirty()
	assert.True(t, host)
	assert.False(t, device)

	got, err := a.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{9, 8, 7, 6}, got)
	assert.Equal(t, 1, mem.downloads)
	host, device = a.Dirty()
	assert.False(t, host)
	assert.False(t, device)

	require.NoError(t, a.SetFloat32s([]float32{0, 0, 0, 1}))
	_, device = a.Dirty()
	assert.True(t, device)
	_, err = a.ReadDevice(mem)
	require.NoError(t, err)
	assert.Equal(t, 2, mem.uploads)
	assert.Equal(t, []float32{0, 0, 0, 1}, AsFloat32(buf.(*fakeBuffer).data))
}

func TestDeviceTargetSkipsUpload(t *testing.T) {
	mem := &fakeMemory{}
	a, err := New(Shape{8}, Float32)
	require.NoError(t, err)
	_, err = a.DeviceTarget(mem)
	require.NoError(t, err)
	assert.Equal(t, 0, mem.uploads)
	assert.True(t, a.HasDevice())
}

func TestDeviceWriteNeedsBuffer(t *testing.T) {
	a, err := New(Shape{2}, Float32)
	require.NoError(t, err)
	err = a.MarkWritten(Device)
	assert.True(t, errs.IsViolation(err))
}

func TestBufferBelongsToOneMemory(t *testing.T) {
	a, err := New(Shape{2}, Float32)
	require.NoError(t, err)
	_, err = a.ReadDevice(&fakeMemory{})
	require.NoError(t, err)
	_, err = a.ReadDevice(&fakeMemory{})
	assert.True(t, errs.IsViolation(err))

	b, err := New(Shape{2}, Float32)
	require.NoError(t, err)
	_, err = b.ReadDevice(nil)
	assert.ErrorIs(t, err, errs.ErrNoDevice)
}

func TestReadHostWaitsForWriter(t *testing.T) {
	mem := &fakeMemory{}
	a, err := New(Shape{2}, Float32)
	require.NoError(t, err)
	buf, err := a.DeviceTarget(mem)
	require.NoError(t, err)

	evt := newEvent()
	a.SetWriter(evt)
	require.NoError(t, a.MarkWritten(Device))

	done := make(chan []float32)
	go func() {
		got, err := a.Float32s()
		assert.NoError(t, err)
		done <- got
	}()

	copy(AsFloat32(buf.(*fakeBuffer).data), []float32{5, 6})
	evt.complete(nil)
	assert.Equal(t, []float32{5, 6}, <-done)
	assert.Nil(t, a.Writer())
}

func TestWriterFailurePropagates(t *testing.T) {
	mem := &fakeMemory{}
	a, err := New(Shape{2}, Float32)
	require.NoError(t, err)
	_, err = a.DeviceTarget(mem)
	require.NoError(t, err)

	boom := errors.New("boom")
	evt := newEvent()
	evt.complete(boom)
	a.SetWriter(evt)
	_, err = a.ReadHost()
	assert.ErrorIs(t, err, boom)
}

func TestReuploadWaitsForReaders(t *testing.T) {
	mem := &fakeMemory{}
	a, err := FromFloat32(Shape{2}, []float32{1, 2})
	require.NoError(t, err)
	_, err = a.ReadDevice(mem)
	require.NoError(t, err)

	reader := newEvent()
	a.AddReader(reader)
	require.NoError(t, a.SetFloat32s([]float32{3, 4}))

	uploaded := make(chan struct{})
	go func() {
		_, err := a.ReadDevice(mem)
		assert.NoError(t, err)
		close(uploaded)
	}()
	select {
	case <-uploaded:
		t.Fatal("upload overtook a pending reader")
	default:
	}
	reader.complete(nil)
	<-uploaded
	assert.Equal(t, 2, mem.uploads)
}

func TestReleaseFreesDeviceBuffer(t *testing.T) {
	mem := &fakeMemory{}
	a, err := New(Shape{3}, Float32)
	require.NoError(t, err)
	_, err = a.ReadDevice(mem)
	require.NoError(t, err)
	assert.Equal(t, 1, mem.live)

	a.Release()
	a.Release()
	assert.Equal(t, 0, mem.live)
	_, err = a.ReadHost()
	assert.ErrorIs(t, err, errs.ErrReleased)
	assert.ErrorIs(t, a.MarkWritten(Host), errs.ErrReleased)
}

func TestFloat64Views(t *testing.T) {
	a, err := FromFloat64(Shape{3}, []float64{1.5, 2.5, 3.5})
	require.NoError(t, err)
	_, err = a.Float32s()
	assert.Error(t, err)
	got, err := a.ToFloat32()
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, 2.5, 3.5}, got)

	require.NoError(t, a.SetFloat32s([]float32{4, 5, 6}))
	f64, err := a.Float64s()
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 5, 6}, f64)
}

func TestMatrixConversion(t *testing.T) {
	m := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	a, err := FromMatrix(m, Float32)
	require.NoError(t, err)
	assert.Equal(t, Shape{2, 3}, a.Shape())

	back, err := a.ToMatrix()
	require.NoError(t, err)
	assert.True(t, mat.Equal(m, back))

	v, err := New(Shape{6}, Float32)
	require.NoError(t, err)
	_, err = v.ToMatrix()
	assert.Error(t, err)
}

func TestShapeIndexing(t *testing.T) {
	s := Shape{2, 3, 4}
	assert.Equal(t, 24, s.NumElements())
	assert.Equal(t, []int{12, 4, 1}, s.ComputeStrides())
	assert.Equal(t, Shape{2, 4}, s.Without(1))
	assert.Equal(t, Shape{1}, Shape{5}.Without(0))
	assert.Equal(t, "2x3x4", s.String())
	assert.Equal(t, 8, Float64.Size())
}
