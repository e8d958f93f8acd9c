package tensor

// Side identifies one of the two memory spaces an Array lives in.
type Side int

// Memory spaces.
const (
	Host Side = iota
	Device
)

// String returns a human-readable side name.
func (s Side) String() string {
	if s == Device {
		return "device"
	}
	return "host"
}

// DeviceBuffer is an opaque device-resident allocation owned by one Array.
type DeviceBuffer interface {
	// Size returns the allocation size in bytes.
	Size() int
	// Release frees the device memory. Calling it twice is a no-op.
	Release()
}

// DeviceMemory moves bytes between host memory and device buffers.
// Backends with a separate memory space implement it.
type DeviceMemory interface {
	// Alloc creates a device buffer of size bytes.
	Alloc(size int) (DeviceBuffer, error)
	// Upload copies src into the device buffer dst.
	Upload(dst DeviceBuffer, src []byte) error
	// Download copies the device buffer src into dst.
	Download(dst []byte, src DeviceBuffer) error
}

// Event represents pending completion of an enqueued device operation.
type Event interface {
	// Wait blocks until the operation completes and returns its error.
	Wait() error
	// Done reports whether the operation has completed.
	Done() bool
}
