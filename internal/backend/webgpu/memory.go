//go:build windows

package webgpu

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/born-ml/kfuse/internal/errs"
	"github.com/born-ml/kfuse/internal/tensor"
)

// Buffer is a storage buffer owned by one array.
type Buffer struct {
	buf      *wgpu.Buffer
	size     int    // Bytes requested by the array.
	capacity uint64 // Bytes actually allocated.
	mem      *Memory
	released atomic.Bool
}

// Size returns the usable size in bytes.
func (b *Buffer) Size() int { return b.size }

// Release returns the buffer to the pool. Calling it twice is a no-op.
func (b *Buffer) Release() {
	if b.released.Swap(true) {
		return
	}
	b.mem.pool.Put(b.buf, b.capacity)
}

// Memory moves data between host memory and GPU storage buffers.
type Memory struct {
	device *wgpu.Device
	queue  *wgpu.Queue
	pool   *BufferPool
}

// Alloc takes a storage buffer of at least size bytes from the pool.
// Sizes are rounded up to a multiple of 4 as storage bindings require.
func (m *Memory) Alloc(size int) (tensor.DeviceBuffer, error) {
	if size < 0 {
		return nil, errors.Errorf("negative allocation %d", size)
	}
	aligned := (uint64(size) + 3) &^ 3
	if aligned == 0 {
		aligned = 4
	}
	buf, capacity := m.pool.Acquire(aligned)
	return &Buffer{buf: buf, size: size, capacity: capacity, mem: m}, nil
}

// Upload copies src into dst through a mapped staging buffer.
func (m *Memory) Upload(dst tensor.DeviceBuffer, src []byte) error {
	b, err := m.own(dst)
	if err != nil {
		return err
	}
	if len(src) > b.size {
		return errors.Errorf("upload of %d bytes into %d-byte buffer", len(src), b.size)
	}
	size := (uint64(len(src)) + 3) &^ 3
	if size == 0 {
		return nil
	}
	staging := m.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageCopySrc,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	defer staging.Release()
	//nolint:gosec // mapped range is exactly size bytes
	mapped := unsafe.Slice((*byte)(staging.GetMappedRange(0, size)), size)
	copy(mapped, src)
	staging.Unmap()

	encoder := m.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(staging, 0, b.buf, 0, size)
	m.queue.Submit(encoder.Finish(nil))
	return nil
}

// Download copies src into dst. Mapping the staging buffer waits for every
// command submitted before it.
func (m *Memory) Download(dst []byte, src tensor.DeviceBuffer) error {
	b, err := m.own(src)
	if err != nil {
		return err
	}
	size := (uint64(b.size) + 3) &^ 3
	if size == 0 {
		return nil
	}
	staging := m.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer staging.Release()

	encoder := m.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(b.buf, 0, staging, 0, size)
	m.queue.Submit(encoder.Finish(nil))

	if err := staging.MapAsync(m.device, wgpu.MapModeRead, 0, size); err != nil {
		return fmt.Errorf("webgpu: mapping staging buffer: %w", err)
	}
	//nolint:gosec // mapped range is exactly size bytes
	mapped := unsafe.Slice((*byte)(staging.GetMappedRange(0, size)), size)
	copy(dst, mapped[:b.size])
	staging.Unmap()
	return nil
}

func (m *Memory) own(buf tensor.DeviceBuffer) (*Buffer, error) {
	b, ok := buf.(*Buffer)
	if !ok || b.mem != m {
		return nil, errs.Violation("ownership", "buffer %T does not belong to this GPU", buf)
	}
	if b.released.Load() {
		return nil, errors.WithStack(errs.ErrReleased)
	}
	return b, nil
}
