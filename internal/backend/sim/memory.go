package sim

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/born-ml/kfuse/internal/errs"
	"github.com/born-ml/kfuse/internal/tensor"
)

// Slack is the number of canary bytes placed after every device buffer.
const Slack = 256

const canary byte = 0xA5

// Buffer is a device allocation. Its backing store is longer than Size by
// Slack canary bytes, so a write past the end is detectable rather than
// silently corrupting a neighbour.
type Buffer struct {
	data     []byte
	size     int
	mem      *Memory
	released atomic.Bool
}

// Size returns the usable size in bytes.
func (b *Buffer) Size() int { return b.size }

// Release frees the buffer. Calling it twice is a no-op.
func (b *Buffer) Release() {
	if b.released.Swap(true) {
		return
	}
	b.mem.live.Add(-int64(b.size))
	b.mem.count.Add(-1)
}

// Intact reports whether the canary region past the end is untouched.
func (b *Buffer) Intact() bool {
	for _, v := range b.data[b.size:] {
		if v != canary {
			return false
		}
	}
	return true
}

// Memory is the device memory space.
type Memory struct {
	live  atomic.Int64
	count atomic.Int64
}

// NewMemory creates an empty device memory space.
func NewMemory() *Memory {
	return &Memory{}
}

// Alloc creates a zero-filled buffer of size bytes.
func (m *Memory) Alloc(size int) (tensor.DeviceBuffer, error) {
	if size < 0 {
		return nil, errors.Errorf("negative allocation %d", size)
	}
	data := make([]byte, size+Slack)
	for i := size; i < len(data); i++ {
		data[i] = canary
	}
	m.live.Add(int64(size))
	m.count.Add(1)
	return &Buffer{data: data, size: size, mem: m}, nil
}

// Upload copies src into dst.
func (m *Memory) Upload(dst tensor.DeviceBuffer, src []byte) error {
	b, err := m.own(dst)
	if err != nil {
		return err
	}
	if len(src) > b.size {
		return errors.Errorf("upload of %d bytes into %d-byte buffer", len(src), b.size)
	}
	copy(b.data, src)
	return nil
}

// Download copies src into dst.
func (m *Memory) Download(dst []byte, src tensor.DeviceBuffer) error {
	b, err := m.own(src)
	if err != nil {
		return err
	}
	copy(dst, b.data[:b.size])
	return nil
}

// Live returns the number of bytes currently allocated.
func (m *Memory) Live() int64 { return m.live.Load() }

// Buffers returns the number of live buffers.
func (m *Memory) Buffers() int64 { return m.count.Load() }

func (m *Memory) own(buf tensor.DeviceBuffer) (*Buffer, error) {
	b, ok := buf.(*Buffer)
	if !ok || b.mem != m {
		return nil, errs.Violation("ownership", "buffer %T does not belong to this device", buf)
	}
	if b.released.Load() {
		return nil, errors.WithStack(errs.ErrReleased)
	}
	return b, nil
}
