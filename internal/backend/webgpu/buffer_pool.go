//go:build windows

package webgpu

import (
	"sync"

	"github.com/go-webgpu/webgpu/wgpu"
)

const (
	// Size class thresholds.
	smallThreshold  = 4 * 1024    // 4KB
	mediumThreshold = 1024 * 1024 // 1MB
	maxPoolSize     = 100         // Max idle buffers per class
)

type sizeClass int

const (
	smallClass sizeClass = iota
	mediumClass
	largeClass
	numClasses
)

func classOf(size uint64) sizeClass {
	switch {
	case size < smallThreshold:
		return smallClass
	case size < mediumThreshold:
		return mediumClass
	default:
		return largeClass
	}
}

type pooledBuffer struct {
	buffer *wgpu.Buffer
	size   uint64
}

// BufferPool recycles storage buffers released by arrays. Every pooled
// buffer carries the storage and copy usages device arrays need.
type BufferPool struct {
	device *wgpu.Device
	usage  wgpu.BufferUsage

	mu   sync.Mutex
	idle [numClasses][]pooledBuffer

	allocated uint64
	hits      uint64
	misses    uint64
}

// NewBufferPool creates a pool handing out buffers with usage.
func NewBufferPool(device *wgpu.Device, usage wgpu.BufferUsage) *BufferPool {
	return &BufferPool{device: device, usage: usage}
}

// Acquire returns an idle buffer of at least size bytes, or a new one.
func (p *BufferPool) Acquire(size uint64) (*wgpu.Buffer, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := classOf(size)
	for i, pb := range p.idle[c] {
		if pb.size >= size {
			p.idle[c] = append(p.idle[c][:i], p.idle[c][i+1:]...)
			p.hits++
			return pb.buffer, pb.size
		}
	}
	p.misses++
	p.allocated++
	buf := p.device.CreateBuffer(&wgpu.BufferDescriptor{Usage: p.usage, Size: size})
	return buf, size
}

// Put returns a buffer for reuse, releasing it when its class is full.
func (p *BufferPool) Put(buffer *wgpu.Buffer, size uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := classOf(size)
	if len(p.idle[c]) >= maxPoolSize {
		buffer.Release()
		return
	}
	p.idle[c] = append(p.idle[c], pooledBuffer{buffer: buffer, size: size})
}

// Clear releases every idle buffer.
func (p *BufferPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c := range p.idle {
		for _, pb := range p.idle[c] {
			pb.buffer.Release()
		}
		p.idle[c] = nil
	}
}

// Stats returns allocation counters and the number of idle buffers.
func (p *BufferPool) Stats() (allocated, hits, misses uint64, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c := range p.idle {
		idle += len(p.idle[c])
	}
	return p.allocated, p.hits, p.misses, idle
}
