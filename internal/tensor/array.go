package tensor

import (
	"runtime"
	"sync"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/born-ml/kfuse/internal/errs"
)

// Array is a dual-memory array value. It exclusively owns a host buffer and,
// once used on a device, a device buffer. At most one side is dirty (stale)
// at a time; both clean means the copies are synchronized.
//
// Device buffers are never shared between arrays.
type Array struct {
	mu sync.Mutex

	shape  Shape
	stride []int
	dtype  DataType

	host   []byte
	device DeviceBuffer
	mem    DeviceMemory // Allocator that owns device.

	hostDirty   bool
	deviceDirty bool

	writer  Event   // Last pending operation that wrote the device side.
	readers []Event // Pending operations reading the device side.

	released bool
}

// New allocates a zero-filled array. The device buffer is allocated lazily.
func New(shape Shape, dtype DataType) (*Array, error) {
	if err := shape.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid shape")
	}
	if !dtype.Valid() {
		return nil, errors.Errorf("unsupported data type %d", int(dtype))
	}
	return newArray(shape, dtype, make([]byte, shape.NumElements()*dtype.Size())), nil
}

// FromFloat32 wraps an existing host buffer without copying it. The device
// buffer is allocated and populated on first device use.
func FromFloat32(shape Shape, data []float32) (*Array, error) {
	if err := shape.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid shape")
	}
	if len(data) != shape.NumElements() {
		return nil, errors.Errorf("data length %d does not match shape %v", len(data), shape)
	}
	//nolint:gosec // unsafe.Slice for zero-copy wrapping, length checked above
	host := unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*4)
	return newArray(shape, Float32, host), nil
}

// FromFloat64 wraps an existing float64 host buffer without copying it.
func FromFloat64(shape Shape, data []float64) (*Array, error) {
	if err := shape.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid shape")
	}
	if len(data) != shape.NumElements() {
		return nil, errors.Errorf("data length %d does not match shape %v", len(data), shape)
	}
	//nolint:gosec // unsafe.Slice for zero-copy wrapping, length checked above
	host := unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*8)
	return newArray(shape, Float64, host), nil
}

func newArray(shape Shape, dtype DataType, host []byte) *Array {
	a := &Array{
		shape:  shape.Clone(),
		stride: shape.ComputeStrides(),
		dtype:  dtype,
		host:   host,
	}
	// Release the device buffer when the array becomes unreachable.
	runtime.SetFinalizer(a, func(arr *Array) {
		arr.Release()
	})
	return a
}

// Shape returns the array's shape.
func (a *Array) Shape() Shape {
	return a.shape
}

// Strides returns the row-major element strides.
func (a *Array) Strides() []int {
	return a.stride
}

// DType returns the element type.
func (a *Array) DType() DataType {
	return a.dtype
}

// Rank returns the number of axes.
func (a *Array) Rank() int {
	return len(a.shape)
}

// NumElements returns the total number of elements.
func (a *Array) NumElements() int {
	return a.shape.NumElements()
}

// ByteSize returns the host buffer size in bytes.
func (a *Array) ByteSize() int {
	return a.NumElements() * a.dtype.Size()
}

// Dirty reports the host and device dirty flags.
func (a *Array) Dirty() (host, device bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hostDirty, a.deviceDirty
}

// HasDevice reports whether a device buffer has been allocated.
func (a *Array) HasDevice() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.device != nil
}

// ReadHost returns the host buffer, copying device to host first when the
// host side is dirty. It blocks until the operation that produced the device
// data has completed.
func (a *Array) ReadHost() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.syncHostLocked(); err != nil {
		return nil, err
	}
	return a.host, nil
}

func (a *Array) syncHostLocked() error {
	if a.released {
		return errs.ErrReleased
	}
	if a.writer != nil {
		if err := a.writer.Wait(); err != nil {
			return errors.Wrap(err, "waiting for producer")
		}
		a.writer = nil
	}
	if !a.hostDirty {
		return nil
	}
	if a.device == nil {
		return errs.Violation("host-dirty", "host marked dirty but no device buffer exists")
	}
	if err := a.mem.Download(a.host, a.device); err != nil {
		return errors.Wrap(err, "device to host copy")
	}
	a.hostDirty = false
	return nil
}

// ReadDevice returns the device buffer owned by mem, allocating it on first
// use and copying host to device when the device side is dirty or has never
// been populated.
func (a *Array) ReadDevice(mem DeviceMemory) (DeviceBuffer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return nil, errs.ErrReleased
	}
	fresh, err := a.ensureDeviceLocked(mem)
	if err != nil {
		return nil, err
	}
	if fresh || a.deviceDirty {
		// In-flight kernels may still be reading the old contents.
		if err := a.waitReadersLocked(); err != nil {
			return nil, err
		}
		if err := mem.Upload(a.device, a.host); err != nil {
			return nil, errors.Wrap(err, "host to device copy")
		}
		a.deviceDirty = false
	}
	return a.device, nil
}

// DeviceTarget returns the device buffer for an operation that overwrites
// every element, allocating it without uploading host contents.
func (a *Array) DeviceTarget(mem DeviceMemory) (DeviceBuffer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return nil, errs.ErrReleased
	}
	if _, err := a.ensureDeviceLocked(mem); err != nil {
		return nil, err
	}
	if err := a.waitReadersLocked(); err != nil {
		return nil, err
	}
	if a.writer != nil {
		if err := a.writer.Wait(); err != nil {
			return nil, errors.Wrap(err, "waiting for producer")
		}
		a.writer = nil
	}
	return a.device, nil
}

// HostTarget returns the host buffer for an operation that overwrites every
// element. Pending device work touching the array is drained first.
func (a *Array) HostTarget() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return nil, errs.ErrReleased
	}
	if a.writer != nil {
		if err := a.writer.Wait(); err != nil {
			return nil, errors.Wrap(err, "waiting for producer")
		}
		a.writer = nil
	}
	if err := a.waitReadersLocked(); err != nil {
		return nil, err
	}
	return a.host, nil
}

func (a *Array) ensureDeviceLocked(mem DeviceMemory) (fresh bool, err error) {
	if a.device != nil {
		if a.mem != mem {
			return false, errs.Violation("ownership", "array device buffer belongs to another backend")
		}
		return false, nil
	}
	if mem == nil {
		return false, errs.ErrNoDevice
	}
	buf, err := mem.Alloc(a.ByteSize())
	if err != nil {
		return false, errors.Wrap(err, "allocating device buffer")
	}
	a.device = buf
	a.mem = mem
	return true, nil
}

func (a *Array) waitReadersLocked() error {
	for _, r := range a.readers {
		if err := r.Wait(); err != nil {
			return errors.Wrap(err, "waiting for reader")
		}
	}
	a.readers = a.readers[:0]
	return nil
}

// MarkWritten records that side now holds the authoritative data, marking
// the opposite side dirty. Both sides being dirty beforehand is an
// InvariantViolation.
func (a *Array) MarkWritten(side Side) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.markWrittenLocked(side)
}

func (a *Array) markWrittenLocked(side Side) error {
	if a.released {
		return errs.ErrReleased
	}
	if a.hostDirty && a.deviceDirty {
		return errs.Violation("dirty-flags", "both host and device marked dirty")
	}
	switch side {
	case Host:
		a.hostDirty = false
		a.deviceDirty = true
	case Device:
		if a.device == nil {
			return errs.Violation("device-write", "device side written without a device buffer")
		}
		a.deviceDirty = false
		a.hostDirty = true
	}
	return nil
}

// SetWriter records the pending operation that writes the device side.
func (a *Array) SetWriter(evt Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.writer = evt
}

// AddReader records a pending operation that reads the device side.
func (a *Array) AddReader(evt Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	live := a.readers[:0]
	for _, r := range a.readers {
		if !r.Done() {
			live = append(live, r)
		}
	}
	a.readers = append(live, evt)
}

// Writer returns the pending producer event, or nil.
func (a *Array) Writer() Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writer
}

// Sync blocks until every pending operation touching the array completes.
func (a *Array) Sync() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.writer != nil {
		if err := a.writer.Wait(); err != nil {
			return err
		}
		a.writer = nil
	}
	return a.waitReadersLocked()
}

// WriteHost synchronizes the host side, lets fn modify it in place and
// marks the device side dirty.
func (a *Array) WriteHost(fn func(host []byte)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.syncHostLocked(); err != nil {
		return err
	}
	// Kernels still reading the device copy are unaffected by host writes;
	// the next ReadDevice waits for them before uploading.
	fn(a.host)
	return a.markWrittenLocked(Host)
}

// Float32s returns a synchronized float32 view of the host buffer.
func (a *Array) Float32s() ([]float32, error) {
	if a.dtype != Float32 {
		return nil, errors.Errorf("array dtype is %s, not float32", a.dtype)
	}
	host, err := a.ReadHost()
	if err != nil {
		return nil, err
	}
	return AsFloat32(host), nil
}

// Float64s returns a synchronized float64 view of the host buffer.
func (a *Array) Float64s() ([]float64, error) {
	if a.dtype != Float64 {
		return nil, errors.Errorf("array dtype is %s, not float64", a.dtype)
	}
	host, err := a.ReadHost()
	if err != nil {
		return nil, err
	}
	return AsFloat64(host), nil
}

// ToFloat32 returns a synchronized copy of the contents converted to float32.
func (a *Array) ToFloat32() ([]float32, error) {
	host, err := a.ReadHost()
	if err != nil {
		return nil, err
	}
	out := make([]float32, a.NumElements())
	if a.dtype == Float64 {
		for i, v := range AsFloat64(host) {
			out[i] = float32(v)
		}
		return out, nil
	}
	copy(out, AsFloat32(host))
	return out, nil
}

// SetFloat32s overwrites the host contents and marks the device side dirty.
func (a *Array) SetFloat32s(values []float32) error {
	if len(values) != a.NumElements() {
		return errors.Errorf("got %d values for %d elements", len(values), a.NumElements())
	}
	return a.WriteHost(func(host []byte) {
		if a.dtype == Float64 {
			dst := AsFloat64(host)
			for i, v := range values {
				dst[i] = float64(v)
			}
			return
		}
		copy(AsFloat32(host), values)
	})
}

// Release frees the device buffer. The array must not be used afterwards.
func (a *Array) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return
	}
	a.released = true
	if a.device != nil {
		a.device.Release()
		a.device = nil
	}
}

// AsFloat32 reinterprets a byte buffer as []float32.
func AsFloat32(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy performance
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// AsFloat64 reinterprets a byte buffer as []float64.
func AsFloat64(b []byte) []float64 {
	if len(b) == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy performance
	return unsafe.Slice((*float64)(unsafe.Pointer(&b[0])), len(b)/8)
}
