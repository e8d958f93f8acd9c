// Package backend defines the contract between the launch runtime and the
// compute backends: compile a generated kernel, bind arrays to its
// parameters and enqueue it behind a wait-list of events.
package backend

import (
	"github.com/born-ml/kfuse/internal/kernel"
	"github.com/born-ml/kfuse/internal/tensor"
)

// Backend names accepted by the runtime.
const (
	Device      = "device"
	CPUParallel = "cpu-parallel"
)

// Program is a kernel compiled for one backend.
type Program interface {
	Kernel() *kernel.Kernel
}

// Arg binds one kernel parameter: host bytes for host-side backends, a
// device buffer for device-side ones. Scalar parameters bind the zero Arg.
type Arg struct {
	Host   []byte
	Buffer tensor.DeviceBuffer
}

// Backend compiles and launches kernels.
type Backend interface {
	// Name is the backend name used in cache keys and configuration.
	Name() string
	// Side is the memory side kernels read and write.
	Side() tensor.Side
	// Dialect is the source language kernels are generated in.
	Dialect() kernel.Dialect
	// GroupSize is the work-group extent used for launch geometry.
	GroupSize() int
	// Memory allocates and transfers device buffers. Host-side backends
	// return nil.
	Memory() tensor.DeviceMemory
	// Compile builds a generated kernel.
	Compile(k *kernel.Kernel) (Program, error)
	// Launch enqueues p over geom once every event in waitFor completed.
	// The returned event completes when the kernel finished.
	Launch(p Program, geom kernel.Geometry, args []Arg, waitFor []tensor.Event) (tensor.Event, error)
	// Wait blocks until every launch issued so far completed.
	Wait() error
	// Close drains outstanding work and releases backend resources.
	Close() error
}
