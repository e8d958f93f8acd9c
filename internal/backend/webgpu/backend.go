//go:build windows

// Package webgpu is the GPU driver of the device backend. Kernels are
// generated in WGSL, compiled into compute pipelines and dispatched on the
// adapter's single queue. Uses go-webgpu (github.com/go-webgpu/webgpu) for
// zero-CGO WebGPU bindings.
package webgpu

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/born-ml/kfuse/internal/backend"
	"github.com/born-ml/kfuse/internal/errs"
	"github.com/born-ml/kfuse/internal/kernel"
	"github.com/born-ml/kfuse/internal/logging"
	"github.com/born-ml/kfuse/internal/tensor"
)

// maxWorkgroups is the WebGPU default for maxComputeWorkgroupsPerDimension.
const maxWorkgroups = 65535

// Backend implements backend.Backend on a WebGPU adapter.
type Backend struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	info     *wgpu.AdapterInfo

	mem   *Memory
	group int

	mu     sync.Mutex
	closed bool
}

// New opens the default high-performance adapter. It fails when the native
// library or a GPU is unavailable.
func New(group int) (b *Backend, err error) {
	// wgpu panics when the native library cannot be loaded.
	defer func() {
		if r := recover(); r != nil {
			b = nil
			err = fmt.Errorf("webgpu: native library not available: %v", r)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to request adapter: %w", err)
	}
	info := adapter.GetInfo()

	device, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to request device: %w", err)
	}
	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to get queue")
	}
	if group <= 0 {
		group = kernel.DefaultGroupSize
	}

	usage := wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst
	return &Backend{
		instance: instance,
		adapter:  adapter,
		device:   device,
		queue:    queue,
		info:     &info,
		mem:      &Memory{device: device, queue: queue, pool: NewBufferPool(device, usage)},
		group:    group,
	}, nil
}

// IsAvailable reports whether an adapter can be opened.
func IsAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()
	instance := wgpu.CreateInstance(nil)
	defer instance.Release()
	adapter, err := instance.RequestAdapter(nil)
	if err != nil {
		return false
	}
	adapter.Release()
	return true
}

// Name returns the backend name.
func (b *Backend) Name() string { return backend.Device }

// Side returns tensor.Device.
func (b *Backend) Side() tensor.Side { return tensor.Device }

// Dialect returns kernel.WGSL.
func (b *Backend) Dialect() kernel.Dialect { return kernel.WGSL }

// GroupSize returns the workgroup size.
func (b *Backend) GroupSize() int { return b.group }

// Memory returns the GPU memory space.
func (b *Backend) Memory() tensor.DeviceMemory { return b.mem }

// Adapter describes the GPU in use.
func (b *Backend) Adapter() string {
	if b.info == nil {
		return "unknown"
	}
	return fmt.Sprintf("%s %s", b.info.Name, b.info.VendorName)
}

// Program is a WGSL kernel compiled into a compute pipeline.
type Program struct {
	kernel   *kernel.Kernel
	shader   *wgpu.ShaderModule
	pipeline *wgpu.ComputePipeline
}

// Kernel returns the generated kernel.
func (p *Program) Kernel() *kernel.Kernel { return p.kernel }

// Compile builds a compute pipeline from the kernel's WGSL source. WGSL has
// no double precision storage, so float64 parameters are rejected.
func (b *Backend) Compile(k *kernel.Kernel) (p backend.Program, err error) {
	if k.Dialect != kernel.WGSL {
		return nil, errs.Compilation(k.Name, k.Source, "webgpu needs WGSL, got %s", k.Dialect)
	}
	for _, prm := range k.Params {
		if prm.Kind != kernel.ScalarParam && prm.DType != tensor.Float32 {
			return nil, errs.Compilation(k.Name, k.Source, "parameter %s is %s; webgpu supports float32 only", prm.Name, prm.DType)
		}
	}
	defer func() {
		if r := recover(); r != nil {
			p = nil
			err = errs.Compilation(k.Name, k.Source, "%v", r)
		}
	}()
	shader := b.device.CreateShaderModuleWGSL(k.Source)
	pipeline := b.device.CreateComputePipelineSimple(nil, shader, "main")
	logging.For("webgpu").WithField("kernel", k.Name).Debug("pipeline created")
	return &Program{kernel: k, shader: shader, pipeline: pipeline}, nil
}

// Launch binds the array parameters in order and dispatches one workgroup
// per Local[0] work items. The queue executes submissions in order, so the
// wait-list only has to cover work issued elsewhere; it is waited on here.
func (b *Backend) Launch(p backend.Program, geom kernel.Geometry, args []backend.Arg, waitFor []tensor.Event) (tensor.Event, error) {
	prog, ok := p.(*Program)
	if !ok {
		return nil, errors.Errorf("webgpu cannot launch %T", p)
	}
	if geom.Dims != 1 {
		return nil, errs.Violation("geometry", "webgpu launches are 1-D, got %d-D", geom.Dims)
	}
	groups := geom.Global[0] / geom.Local[0]
	if groups > maxWorkgroups {
		return nil, errors.Errorf("webgpu: %d workgroups exceed the per-dimension limit %d", groups, maxWorkgroups)
	}
	if err := backend.WaitAll(waitFor); err != nil {
		return nil, errors.Wrap(err, "waiting for dependencies")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.WithStack(errs.ErrQueueClosed)
	}

	var entries []wgpu.BindGroupEntry
	for i, prm := range prog.kernel.Params {
		if prm.Kind == kernel.ScalarParam {
			continue
		}
		buf, err := b.mem.own(args[i].Buffer)
		if err != nil {
			return nil, err
		}
		//nolint:gosec // G115: binding count and capacity are non-negative
		entries = append(entries, wgpu.BufferBindingEntry(uint32(len(entries)), buf.buf, 0, buf.capacity))
	}

	layout := prog.pipeline.GetBindGroupLayout(0)
	group := b.device.CreateBindGroupSimple(layout, entries)
	defer group.Release()

	encoder := b.device.CreateCommandEncoder(nil)
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(prog.pipeline)
	pass.SetBindGroup(0, group, nil)
	//nolint:gosec // G115: workgroup count is non-negative
	pass.DispatchWorkgroups(uint32(groups), 1, 1)
	pass.End()
	b.queue.Submit(encoder.Finish(nil))

	return backend.Completed(nil), nil
}

// Wait returns immediately: reads map a staging buffer, which waits for
// every earlier submission.
func (b *Backend) Wait() error { return nil }

// Close releases pooled buffers and the WebGPU objects.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.mem.pool.Clear()
	b.queue.Release()
	b.device.Release()
	b.adapter.Release()
	b.instance.Release()
	return nil
}
