// Package cpu implements the cpu-parallel backend: kernels run synchronously
// over host buffers, with the outermost loop split across worker goroutines.
package cpu

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/born-ml/kfuse/internal/backend"
	"github.com/born-ml/kfuse/internal/closure"
	"github.com/born-ml/kfuse/internal/errs"
	"github.com/born-ml/kfuse/internal/kernel"
	"github.com/born-ml/kfuse/internal/logging"
	"github.com/born-ml/kfuse/internal/parallel"
	"github.com/born-ml/kfuse/internal/tensor"
)

// CPUBackend executes generated loop kernels on the host.
type CPUBackend struct {
	cfg   parallel.Config
	group int
}

// New creates a cpu-parallel backend. workers <= 0 uses one worker per CPU.
func New(workers, group int) *CPUBackend {
	cfg := parallel.DefaultConfig()
	if workers > 0 {
		cfg.NumWorkers = workers
		cfg.Enabled = workers > 1
	}
	if group <= 0 {
		group = kernel.DefaultGroupSize
	}
	return &CPUBackend{cfg: cfg, group: group}
}

// Name returns the backend name.
func (cpu *CPUBackend) Name() string {
	return backend.CPUParallel
}

// Side returns tensor.Host: kernels read and write host buffers.
func (cpu *CPUBackend) Side() tensor.Side {
	return tensor.Host
}

// Dialect returns kernel.C.
func (cpu *CPUBackend) Dialect() kernel.Dialect {
	return kernel.C
}

// GroupSize returns the group size used for geometry reporting.
func (cpu *CPUBackend) GroupSize() int {
	return cpu.group
}

// Memory returns nil: the backend has no device memory.
func (cpu *CPUBackend) Memory() tensor.DeviceMemory {
	return nil
}

// Compile lowers a loop kernel into a closure program.
func (cpu *CPUBackend) Compile(k *kernel.Kernel) (backend.Program, error) {
	if k.Mode != kernel.Loops {
		return nil, errs.Compilation(k.Name, k.Source, "cpu-parallel needs a loop kernel, got %s", k.Dialect)
	}
	start := time.Now()
	p, err := closure.Compile(k)
	if err != nil {
		return nil, err
	}
	logging.For("cpu").WithField("kernel", k.Name).WithField("took", time.Since(start)).Debug("compiled")
	return p, nil
}

// Launch waits for waitFor, then runs the kernel to completion before
// returning. The returned event is already complete.
func (cpu *CPUBackend) Launch(p backend.Program, _ kernel.Geometry, args []backend.Arg, waitFor []tensor.Event) (tensor.Event, error) {
	prog, ok := p.(*closure.Program)
	if !ok {
		return nil, errors.Errorf("cpu-parallel cannot launch %T", p)
	}
	if err := backend.WaitAll(waitFor); err != nil {
		return nil, errors.Wrap(err, "waiting for dependencies")
	}

	bufs := make([][]byte, len(args))
	for i, a := range args {
		bufs[i] = a.Host
	}
	f, err := prog.Bind(bufs)
	if err != nil {
		return nil, err
	}
	var chunkErr error
	f.WithSplitter(func(n int, fn func(lo, hi int)) {
		chunkErr = parallel.Range(n, cpu.cfg, func(lo, hi int) error {
			return guard(prog, func() { fn(lo, hi) })
		})
	})
	if err := guard(prog, func() { prog.Exec(f) }); err != nil {
		return nil, err
	}
	if chunkErr != nil {
		return nil, chunkErr
	}
	return backend.Completed(nil), nil
}

// guard turns a fault inside a kernel into an error. Workers run on their
// own goroutines, so each chunk recovers separately.
func guard(p *closure.Program, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.Violation("launch", "kernel %s faulted: %s", p.Kernel().Name, fmt.Sprint(r))
		}
	}()
	fn()
	return nil
}

// Wait returns immediately: launches complete synchronously.
func (cpu *CPUBackend) Wait() error {
	return nil
}

// Close releases nothing.
func (cpu *CPUBackend) Close() error {
	return nil
}
