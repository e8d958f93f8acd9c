// Package runtime is the launch and dispatch layer. An Engine owns one
// backend, resolves operations by name, specializes them through the
// compilation cache and launches them with the wait-lists that keep
// dependent kernels ordered.
package runtime

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/born-ml/kfuse/internal/backend"
	"github.com/born-ml/kfuse/internal/backend/cpu"
	"github.com/born-ml/kfuse/internal/backend/sim"
	"github.com/born-ml/kfuse/internal/config"
	"github.com/born-ml/kfuse/internal/errs"
	"github.com/born-ml/kfuse/internal/logging"
	"github.com/born-ml/kfuse/internal/op"
	"github.com/born-ml/kfuse/internal/specialize"
)

// Device drivers.
const (
	SimDriver    = "sim"
	WebGPUDriver = "webgpu"
)

// Config selects and tunes the backend.
type Config struct {
	// Backend is "device" or "cpu-parallel". Empty means "device".
	Backend string
	// Driver picks the implementation of the device backend. Empty means
	// the in-process simulator.
	Driver    string
	Queues    int
	GroupSize int
	Workers   int
	// Seed fixes the simulator's queue choice; 0 seeds from the clock.
	Seed uint64
	// DumpDir, when set, gives the engine a private cache that writes
	// every generated kernel source there.
	DumpDir string
	// Cache overrides the process-wide compilation cache.
	Cache *specialize.Specializer
}

// FromConfig maps loaded settings onto an engine configuration.
func FromConfig(c *config.Config) Config {
	return Config{
		Backend:   c.Backend,
		Driver:    c.Driver,
		Queues:    c.Queues,
		GroupSize: c.GroupSize,
		Workers:   c.Workers,
		DumpDir:   c.DumpDir,
	}
}

// DriverFunc opens a device backend.
type DriverFunc func(cfg Config) (backend.Backend, error)

var (
	driversMu sync.RWMutex
	drivers   = map[string]DriverFunc{
		SimDriver: func(cfg Config) (backend.Backend, error) {
			return sim.New(sim.Options{
				Queues:    cfg.Queues,
				GroupSize: cfg.GroupSize,
				Workers:   cfg.Workers,
				Seed:      cfg.Seed,
			}), nil
		},
	}
)

// RegisterDriver makes a device driver available under name.
func RegisterDriver(name string, fn DriverFunc) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = fn
}

// Drivers returns the registered device driver names.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for n := range drivers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Engine dispatches operations to one backend.
type Engine struct {
	cfg   Config
	be    backend.Backend
	cache *specialize.Specializer
	reg   *op.Registry
	log   *logrus.Entry
}

// New opens the configured backend. An unknown backend or driver name
// fails with UnsupportedBackendError.
func New(cfg Config) (*Engine, error) {
	if cfg.Backend == "" {
		cfg.Backend = backend.Device
	}
	var be backend.Backend
	switch cfg.Backend {
	case backend.CPUParallel:
		be = cpu.New(cfg.Workers, cfg.GroupSize)
	case backend.Device:
		name := cfg.Driver
		if name == "" {
			name = SimDriver
		}
		driversMu.RLock()
		open, ok := drivers[name]
		driversMu.RUnlock()
		if !ok {
			return nil, errs.Unsupported(cfg.Backend + "/" + name)
		}
		b, err := open(cfg)
		if err != nil {
			return nil, errors.Wrapf(err, "opening %s driver", name)
		}
		be = b
	default:
		return nil, errs.Unsupported(cfg.Backend)
	}
	return NewWithBackend(be, cfg), nil
}

// NewWithBackend wraps an already opened backend.
func NewWithBackend(be backend.Backend, cfg Config) *Engine {
	cache := cfg.Cache
	switch {
	case cache != nil:
	case cfg.DumpDir != "":
		cache = specialize.New(specialize.Options{DumpDir: cfg.DumpDir})
	default:
		cache = specialize.Shared()
	}
	e := &Engine{
		cfg:   cfg,
		be:    be,
		cache: cache,
		reg:   op.Builtins(),
		log:   logging.For("runtime").WithField("backend", be.Name()),
	}
	e.log.Debug("engine ready")
	return e
}

// Backend returns the engine's backend.
func (e *Engine) Backend() backend.Backend { return e.be }

// Cache returns the compilation cache the engine specializes through.
func (e *Engine) Cache() *specialize.Specializer { return e.cache }

// Registry returns the operations callable by name.
func (e *Engine) Registry() *op.Registry { return e.reg }

// Register makes def callable by name.
func (e *Engine) Register(def *op.Definition) { e.reg.Register(def) }

// Wait blocks until every launch issued so far completed.
func (e *Engine) Wait() error { return e.be.Wait() }

// Close drains the backend and releases it.
func (e *Engine) Close() error { return e.be.Close() }
