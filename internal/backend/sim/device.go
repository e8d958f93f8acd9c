// Package sim is the in-process device driver. It models a discrete device:
// a separate memory space reached only through explicit transfers, and a
// fixed pool of execution queues, each draining its commands in issuance
// order. Launches pick a queue at random, so correctness across queues
// rests entirely on wait-lists.
package sim

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
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

// DefaultQueues is the size of the execution queue pool.
const DefaultQueues = 8

// Options configures a device.
type Options struct {
	Queues    int
	GroupSize int
	Workers   int    // Goroutines per launch; <= 0 uses one per CPU.
	Seed      uint64 // Queue choice seed; 0 seeds from the clock.
}

// Device implements backend.Backend over simulated device memory.
type Device struct {
	mem    *Memory
	queues []chan command
	group  int
	par    parallel.Config

	rngMu sync.Mutex
	rng   *rand.Rand

	mu       sync.RWMutex // Held for reading while enqueuing, for writing by Close.
	closed   bool
	running  sync.WaitGroup
	pending  sync.WaitGroup
	launches atomic.Int64
	errMu    sync.Mutex
	firstErr error
}

type command struct {
	prog    *closure.Program
	frame   *closure.Frame
	waitFor []tensor.Event
	done    *backend.Signal
	queue   int
}

// New starts a device with its queue goroutines.
func New(opts Options) *Device {
	if opts.Queues <= 0 {
		opts.Queues = DefaultQueues
	}
	if opts.GroupSize <= 0 {
		opts.GroupSize = kernel.DefaultGroupSize
	}
	seed := opts.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	par := parallel.DefaultConfig()
	if opts.Workers > 0 {
		par.NumWorkers = opts.Workers
		par.Enabled = opts.Workers > 1
	}
	par.MinChunkSize = 256

	d := &Device{
		mem:    NewMemory(),
		queues: make([]chan command, opts.Queues),
		group:  opts.GroupSize,
		par:    par,
		rng:    rand.New(rand.NewPCG(seed, seed>>1|1)),
	}
	for i := range d.queues {
		d.queues[i] = make(chan command, 64)
		d.running.Add(1)
		go d.drain(d.queues[i])
	}
	return d
}

// Name returns the backend name.
func (d *Device) Name() string { return backend.Device }

// Side returns tensor.Device.
func (d *Device) Side() tensor.Side { return tensor.Device }

// Dialect returns kernel.OpenCL.
func (d *Device) Dialect() kernel.Dialect { return kernel.OpenCL }

// GroupSize returns the work-group extent.
func (d *Device) GroupSize() int { return d.group }

// Memory returns the device memory space.
func (d *Device) Memory() tensor.DeviceMemory { return d.mem }

// DeviceMemory returns the concrete memory, for inspection.
func (d *Device) DeviceMemory() *Memory { return d.mem }

// Queues returns the size of the queue pool.
func (d *Device) Queues() int { return len(d.queues) }

// Launches returns the number of kernels enqueued so far.
func (d *Device) Launches() int64 { return d.launches.Load() }

// Compile builds a work-item kernel.
func (d *Device) Compile(k *kernel.Kernel) (backend.Program, error) {
	if k.Mode != kernel.WorkItems {
		return nil, errs.Compilation(k.Name, k.Source, "device needs a work-item kernel, got %s", k.Dialect)
	}
	start := time.Now()
	p, err := closure.Compile(k)
	if err != nil {
		return nil, err
	}
	logging.For("device").WithField("kernel", k.Name).WithField("took", time.Since(start)).Debug("compiled")
	return p, nil
}

// Launch binds args and enqueues the kernel on a randomly chosen queue.
// The command starts only after every event in waitFor completed.
func (d *Device) Launch(p backend.Program, geom kernel.Geometry, args []backend.Arg, waitFor []tensor.Event) (tensor.Event, error) {
	prog, ok := p.(*closure.Program)
	if !ok {
		return nil, errors.Errorf("device cannot launch %T", p)
	}
	if geom.Dims != prog.Kernel().Geometry.Dims {
		return nil, errs.Violation("geometry", "launch of %d-D kernel %s over %d-D geometry", prog.Kernel().Geometry.Dims, prog.Kernel().Name, geom.Dims)
	}
	bufs := make([][]byte, len(args))
	for i, a := range args {
		if a.Buffer == nil {
			continue
		}
		b, err := d.mem.own(a.Buffer)
		if err != nil {
			return nil, err
		}
		bufs[i] = b.data
	}
	f, err := prog.Bind(bufs)
	if err != nil {
		return nil, err
	}

	d.rngMu.Lock()
	q := d.rng.IntN(len(d.queues))
	d.rngMu.Unlock()

	cmd := command{
		prog:    prog,
		frame:   f,
		waitFor: append([]tensor.Event(nil), waitFor...),
		done:    backend.NewSignal(),
		queue:   q,
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, errors.WithStack(errs.ErrQueueClosed)
	}
	d.pending.Add(1)
	d.launches.Add(1)
	d.queues[q] <- cmd
	return cmd.done, nil
}

func (d *Device) drain(q chan command) {
	defer d.running.Done()
	for cmd := range q {
		err := backend.WaitAll(cmd.waitFor)
		if err != nil {
			err = errors.Wrap(err, "dependency failed")
		} else {
			err = d.execute(cmd)
		}
		if err != nil {
			d.errMu.Lock()
			if d.firstErr == nil {
				d.firstErr = err
			}
			d.errMu.Unlock()
		}
		logging.For("device").WithField("kernel", cmd.prog.Kernel().Name).WithField("queue", cmd.queue).Trace("completed")
		cmd.done.Complete(err)
		d.pending.Done()
	}
}

// execute runs every launched work item, padding included, so the
// kernel's own guard is what keeps padded items from touching memory.
func (d *Device) execute(cmd command) error {
	items := cmd.prog.Kernel().Geometry.Items()
	return parallel.Range(items, d.par, func(lo, hi int) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errs.Violation("launch", "kernel %s faulted: %s", cmd.prog.Kernel().Name, fmt.Sprint(r))
			}
		}()
		cmd.prog.RunItems(cmd.frame.Fork(), lo, hi)
		return nil
	})
}

// Wait blocks until every launch issued so far completed and returns the
// first launch error seen since the previous Wait.
func (d *Device) Wait() error {
	d.pending.Wait()
	d.errMu.Lock()
	defer d.errMu.Unlock()
	err := d.firstErr
	d.firstErr = nil
	return err
}

// Close drains the queues and stops their goroutines.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()
	d.running.Wait()
	return nil
}
