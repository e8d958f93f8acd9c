package specialize

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/born-ml/kfuse/internal/backend"
	"github.com/born-ml/kfuse/internal/errs"
	"github.com/born-ml/kfuse/internal/fusion"
	"github.com/born-ml/kfuse/internal/kernel"
	"github.com/born-ml/kfuse/internal/logging"
	"github.com/born-ml/kfuse/internal/op"
	"github.com/born-ml/kfuse/internal/signature"
	"github.com/born-ml/kfuse/internal/tensor"
)

// Entry is one compiled specialization.
type Entry struct {
	Kernel  *kernel.Kernel
	Program backend.Program
	// Signature is the argument signature the kernel was specialized for.
	Signature signature.Signature
	// Outputs describes the arrays the kernel writes, one per sink.
	Outputs []signature.ArgSpec
	// DType is the element type of every array the kernel touches.
	DType tensor.DataType
}

// Stats counts cache traffic.
type Stats struct {
	Hits     int64
	Misses   int64
	Compiles int64
	Entries  int
}

// Options configures a Specializer.
type Options struct {
	// DumpDir, when set, receives the source of every generated kernel.
	DumpDir string
}

// Specializer generates, compiles and caches kernels. Entries are keyed by
// plan identity, argument signature and backend name, and are never
// evicted. Concurrent requests for one key compile once.
type Specializer struct {
	opts  Options
	names *kernel.Names

	mu      sync.RWMutex
	entries map[string]*cached
	flight  singleflight.Group

	hits     atomic.Int64
	misses   atomic.Int64
	compiles atomic.Int64
}

type cached struct {
	entry *Entry
	err   error
}

// New creates an empty specializer.
func New(opts Options) *Specializer {
	return &Specializer{
		opts:    opts,
		names:   kernel.NewNames(),
		entries: make(map[string]*cached),
	}
}

var (
	sharedOnce sync.Once
	shared     *Specializer
)

// Shared returns the process-wide specializer.
func Shared() *Specializer {
	sharedOnce.Do(func() {
		shared = New(Options{})
	})
	return shared
}

// Key builds the cache key of plan p for sig on backend b.
func Key(p Plan, sig signature.Signature, b backend.Backend) string {
	return p.Identity() + "|" + sig.Key() + "|" + b.Name()
}

// Specialize returns the compiled kernel of def for the arguments described
// by sig.
func (s *Specializer) Specialize(def *op.Definition, sig signature.Signature, b backend.Backend) (*Entry, error) {
	return s.SpecializePlan(Single(def), sig, b)
}

// SpecializeGroup returns the compiled kernel of a fusion group. sig
// describes the group's inputs.
func (s *Specializer) SpecializeGroup(g *fusion.Group, sig signature.Signature, b backend.Backend) (*Entry, error) {
	return s.SpecializePlan(FromGroup(g), sig, b)
}

// SpecializePlan returns the compiled kernel for p with arguments described
// by sig, generating and compiling it on first use. A kernel that failed to
// compile is remembered and its error returned for later requests with the
// same key.
func (s *Specializer) SpecializePlan(p Plan, sig signature.Signature, b backend.Backend) (*Entry, error) {
	key := Key(p, sig, b)
	if c, ok := s.lookup(key); ok {
		s.hits.Add(1)
		return c.entry, c.err
	}
	s.misses.Add(1)

	v, err, _ := s.flight.Do(key, func() (any, error) {
		if c, ok := s.lookup(key); ok {
			return c.entry, c.err
		}
		entry, err := s.build(p, sig, b)
		if err != nil && !errs.IsCompilation(err) {
			return nil, err
		}
		s.mu.Lock()
		s.entries[key] = &cached{entry: entry, err: err}
		s.mu.Unlock()
		return entry, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

func (s *Specializer) lookup(key string) (*cached, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.entries[key]
	return c, ok
}

// Stats returns a snapshot of the cache counters.
func (s *Specializer) Stats() Stats {
	s.mu.RLock()
	n := len(s.entries)
	s.mu.RUnlock()
	return Stats{
		Hits:     s.hits.Load(),
		Misses:   s.misses.Load(),
		Compiles: s.compiles.Load(),
		Entries:  n,
	}
}

// Generate lowers p for sig into kernel form without compiling it.
func (s *Specializer) Generate(p Plan, sig signature.Signature, dialect kernel.Dialect, group int) (*kernel.Kernel, *Entry, error) {
	spec, entry, err := s.lower(p, sig)
	if err != nil {
		return nil, nil, err
	}
	spec.Dialect = dialect
	spec.GroupSize = group
	k, err := kernel.Generate(spec)
	if err != nil {
		return nil, nil, err
	}
	entry.Kernel = k
	return k, entry, nil
}

func (s *Specializer) build(p Plan, sig signature.Signature, b backend.Backend) (*Entry, error) {
	log := logging.For("specialize")
	start := time.Now()

	k, entry, err := s.Generate(p, sig, b.Dialect(), b.GroupSize())
	if err != nil {
		return nil, err
	}
	s.dump(k)

	s.compiles.Add(1)
	prog, err := b.Compile(k)
	if err != nil {
		log.WithField("kernel", k.Name).WithError(err).Warn("compile failed")
		return nil, err
	}
	entry.Program = prog

	log.WithField("kernel", k.Name).
		WithField("signature", sig.Key()).
		WithField("backend", b.Name()).
		WithField("took", time.Since(start)).
		Debug("specialized")
	return entry, nil
}

// lower binds every step against the signature and lays out kernel
// parameters: scalars first, then array sources in argument order, then
// one sink per output of the last step.
func (s *Specializer) lower(p Plan, sig signature.Signature) (kernel.Spec, *Entry, error) {
	if len(p.Steps) == 0 {
		return kernel.Spec{}, nil, errors.WithStack(errs.ErrEmptyGroup)
	}

	bounds := make([]signature.Bound, len(p.Steps))
	for i, st := range p.Steps {
		specs := make([]signature.ArgSpec, len(st.Args))
		for j, r := range st.Args {
			switch {
			case r.Step && r.Index >= 0 && r.Index < i:
				if len(bounds[r.Index].Outputs) != 1 {
					return kernel.Spec{}, nil, errs.Violation("fusion", "step %d reads multi-output step %d", i, r.Index)
				}
				specs[j] = bounds[r.Index].Outputs[0]
			case !r.Step && r.Index >= 0 && r.Index < sig.Len():
				specs[j] = sig.Arg(r.Index)
			default:
				return kernel.Spec{}, nil, errs.Violation("fusion", "step %d operand %d has a dangling reference", i, j)
			}
		}
		if !st.Def.Symbolic() {
			return kernel.Spec{}, nil, errors.Wrapf(errs.ErrOpaqueKernel, "%s", st.Def.Name())
		}
		bound, err := signature.Bind(st.Def, signature.New(specs...))
		if err != nil {
			return kernel.Spec{}, nil, err
		}
		if i > 0 && !bound.Iter.Equal(bounds[0].Iter) {
			return kernel.Spec{}, nil, errs.Violation("fusion", "step %s iterates %v, group iterates %v", st.Def.Name(), bound.Iter, bounds[0].Iter)
		}
		bounds[i] = bound
	}
	last := bounds[len(bounds)-1]

	var params []kernel.Param
	argParam := make([]int, sig.Len())
	for i := range argParam {
		argParam[i] = -1
	}
	for i, a := range sig.Args() {
		if a.Scalar {
			argParam[i] = len(params)
			params = append(params, kernel.Param{
				Name:  fmt.Sprintf("s%d", i),
				Kind:  kernel.ScalarParam,
				DType: last.DType,
				Value: float32(a.Value),
				Arg:   i,
			})
		}
	}
	for i, a := range sig.Args() {
		if !a.Scalar {
			argParam[i] = len(params)
			params = append(params, kernel.Param{
				Name:  fmt.Sprintf("in%d", i),
				Kind:  kernel.SourceParam,
				DType: a.DType,
				Arg:   i,
				Len:   a.Shape.NumElements(),
			})
		}
	}
	var sinks []int
	for i, out := range last.Outputs {
		sinks = append(sinks, len(params))
		params = append(params, kernel.Param{
			Name:  fmt.Sprintf("out%d", i),
			Kind:  kernel.SinkParam,
			DType: out.DType,
			Arg:   i,
			Len:   out.Shape.NumElements(),
		})
	}

	stages := make([]kernel.Stage, len(p.Steps))
	for i, st := range p.Steps {
		stages[i].Def = st.Def
		for _, r := range st.Args {
			if r.Step {
				stages[i].Operands = append(stages[i].Operands, kernel.StageOperand(r.Index))
			} else {
				stages[i].Operands = append(stages[i].Operands, kernel.ParamOperand(argParam[r.Index]))
			}
		}
	}
	stages[len(stages)-1].Sinks = sinks

	spec := kernel.Spec{
		Name:   s.names.Fresh(p.Name),
		Params: params,
		Stages: stages,
		Iter:   last.Iter,
		In:     bounds[0].In,
	}
	return spec, &Entry{Signature: sig, Outputs: last.Outputs, DType: last.DType}, nil
}

func (s *Specializer) dump(k *kernel.Kernel) {
	if s.opts.DumpDir == "" {
		return
	}
	log := logging.For("specialize")
	if err := os.MkdirAll(s.opts.DumpDir, 0o755); err != nil {
		log.WithError(err).Warn("cannot create dump directory")
		return
	}
	path := filepath.Join(s.opts.DumpDir, k.Name+extension(k.Dialect))
	if err := os.WriteFile(path, []byte(k.Source), 0o644); err != nil {
		log.WithError(err).Warn("cannot dump kernel source")
	}
}

func extension(d kernel.Dialect) string {
	switch d {
	case kernel.C:
		return ".c"
	case kernel.WGSL:
		return ".wgsl"
	default:
		return ".cl"
	}
}
