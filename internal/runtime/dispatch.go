package runtime

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/born-ml/kfuse/internal/backend"
	"github.com/born-ml/kfuse/internal/errs"
	"github.com/born-ml/kfuse/internal/kernel"
	"github.com/born-ml/kfuse/internal/op"
	"github.com/born-ml/kfuse/internal/signature"
	"github.com/born-ml/kfuse/internal/specialize"
	"github.com/born-ml/kfuse/internal/tensor"
)

// Call invokes the operation registered under name and returns its single
// output array.
func (e *Engine) Call(name string, args ...any) (*tensor.Array, error) {
	def, err := e.reg.Lookup(name)
	if err != nil {
		return nil, err
	}
	if def.NumOutputs() != 1 {
		return nil, errors.Errorf("%s has %d outputs; use Invoke", name, def.NumOutputs())
	}
	outs, err := e.Invoke(def, args...)
	if err != nil {
		return nil, err
	}
	return outs[0], nil
}

// Invoke runs def on args: arrays and numeric scalars in formal order. It
// returns one new array per output. The launch is asynchronous on device
// backends; reading an output waits for it.
func (e *Engine) Invoke(def *op.Definition, args ...any) ([]*tensor.Array, error) {
	args, err := normalize(args)
	if err != nil {
		return nil, errs.Mismatch(def.Name(), "%v", err)
	}
	if !def.Symbolic() {
		out, err := e.runHost(def, args)
		if err != nil {
			return nil, err
		}
		return []*tensor.Array{out}, nil
	}

	sig, err := signature.Of(args...)
	if err != nil {
		return nil, err
	}
	entry, err := e.cache.Specialize(def, sig, e.be)
	if err != nil {
		return nil, err
	}
	outs, err := allocate(entry)
	if err != nil {
		return nil, err
	}
	if _, err := e.dispatch(entry, args, outs, nil, true); err != nil {
		return nil, err
	}
	return outs, nil
}

// Specialize returns the compiled kernel of def for args without running
// it. Pair it with Launch to control ordering by hand.
func (e *Engine) Specialize(def *op.Definition, args ...any) (*specialize.Entry, error) {
	args, err := normalize(args)
	if err != nil {
		return nil, errs.Mismatch(def.Name(), "%v", err)
	}
	sig, err := signature.Of(args...)
	if err != nil {
		return nil, err
	}
	return e.cache.Specialize(def, sig, e.be)
}

// Launch runs a specialized kernel over args, writing outs, once every
// event in waitFor completed. Unlike Invoke it does not wait on the
// producers of args: the caller supplies the complete wait-list.
func (e *Engine) Launch(entry *specialize.Entry, args []any, outs []*tensor.Array, waitFor ...tensor.Event) (tensor.Event, error) {
	args, err := normalize(args)
	if err != nil {
		return nil, errs.Mismatch(entry.Kernel.Name, "%v", err)
	}
	sig, err := signature.Of(args...)
	if err != nil {
		return nil, err
	}
	if !sig.Equal(entry.Signature) {
		return nil, errs.Mismatch(entry.Kernel.Name, "arguments %s, kernel specialized for %s", sig, entry.Signature)
	}
	if len(outs) != entry.Kernel.NumSinks() {
		return nil, errs.Mismatch(entry.Kernel.Name, "got %d output arrays, kernel writes %d", len(outs), entry.Kernel.NumSinks())
	}
	for i, o := range outs {
		want := entry.Outputs[i]
		if o == nil || !o.Shape().Equal(want.Shape) || o.DType() != want.DType {
			return nil, errs.Mismatch(entry.Kernel.Name, "output %d does not match %s", i, want)
		}
	}
	return e.dispatch(entry, args, outs, waitFor, false)
}

// dispatch binds args and outs to the kernel parameters and launches it.
// With thread set, the pending writers of array arguments join the
// wait-list.
func (e *Engine) dispatch(entry *specialize.Entry, args []any, outs []*tensor.Array, waitFor []tensor.Event, thread bool) (tensor.Event, error) {
	k := entry.Kernel
	side := e.be.Side()
	mem := e.be.Memory()

	wait := append([]tensor.Event(nil), waitFor...)
	bound := make([]backend.Arg, len(k.Params))
	var sources []*tensor.Array

	for i, p := range k.Params {
		switch p.Kind {
		case kernel.SourceParam:
			if p.Arg >= len(args) {
				return nil, errs.Mismatch(k.Name, "missing argument %d", p.Arg)
			}
			a, ok := args[p.Arg].(*tensor.Array)
			if !ok {
				return nil, errs.Mismatch(k.Name, "argument %d is %T, want array", p.Arg, args[p.Arg])
			}
			if side == tensor.Device {
				buf, err := a.ReadDevice(mem)
				if err != nil {
					return nil, errors.Wrapf(err, "binding %s", p.Name)
				}
				bound[i].Buffer = buf
				if w := a.Writer(); thread && w != nil && !w.Done() {
					wait = append(wait, w)
				}
			} else {
				host, err := a.ReadHost()
				if err != nil {
					return nil, errors.Wrapf(err, "binding %s", p.Name)
				}
				bound[i].Host = host
			}
			sources = append(sources, a)
		case kernel.SinkParam:
			if p.Arg >= len(outs) {
				return nil, errs.Violation("binding", "%s sink %s has no output array", k.Name, p.Name)
			}
			o := outs[p.Arg]
			if side == tensor.Device {
				buf, err := o.DeviceTarget(mem)
				if err != nil {
					return nil, errors.Wrapf(err, "binding %s", p.Name)
				}
				bound[i].Buffer = buf
			} else {
				host, err := o.HostTarget()
				if err != nil {
					return nil, errors.Wrapf(err, "binding %s", p.Name)
				}
				bound[i].Host = host
			}
		}
	}

	start := time.Now()
	evt, err := e.be.Launch(entry.Program, k.Geometry, bound, wait)
	if err != nil {
		return nil, errors.Wrapf(err, "launching %s", k.Name)
	}
	for _, a := range sources {
		a.AddReader(evt)
	}
	for _, o := range outs {
		o.SetWriter(evt)
		if err := o.MarkWritten(side); err != nil {
			return nil, err
		}
	}
	e.log.WithField("kernel", k.Name).
		WithField("geometry", k.Geometry.String()).
		WithField("waits", len(wait)).
		WithField("took", time.Since(start)).
		Debug("launched")
	return evt, nil
}

// runHost executes an opaque definition on synchronized host data. The
// output is shaped like the first array argument.
func (e *Engine) runHost(def *op.Definition, args []any) (*tensor.Array, error) {
	if len(args) != def.Arity() {
		return nil, errs.Mismatch(def.Name(), "got %d arguments, want %d", len(args), def.Arity())
	}
	if def.Host() == nil {
		return nil, errors.Errorf("%s has no host implementation", def.Name())
	}
	var first *tensor.Array
	for _, a := range args {
		arr, ok := a.(*tensor.Array)
		if !ok {
			continue
		}
		if _, err := arr.ReadHost(); err != nil {
			return nil, errors.Wrapf(err, "syncing argument of %s", def.Name())
		}
		if first == nil {
			first = arr
		}
	}
	if first == nil {
		return nil, errs.Mismatch(def.Name(), "at least one array argument is required")
	}
	out, err := tensor.New(first.Shape().Clone(), first.DType())
	if err != nil {
		return nil, err
	}
	if err := def.Host()(args, out); err != nil {
		return nil, errors.Wrapf(err, "host operation %s", def.Name())
	}
	if err := out.MarkWritten(tensor.Host); err != nil {
		return nil, err
	}
	e.log.WithField("op", def.Name()).Debug("ran on host")
	return out, nil
}

func allocate(entry *specialize.Entry) ([]*tensor.Array, error) {
	outs := make([]*tensor.Array, len(entry.Outputs))
	for i, spec := range entry.Outputs {
		a, err := tensor.New(spec.Shape.Clone(), spec.DType)
		if err != nil {
			return nil, err
		}
		outs[i] = a
	}
	return outs, nil
}

// normalize converts numeric scalars to float64 so host functions and
// signatures see one scalar type.
func normalize(args []any) ([]any, error) {
	out := make([]any, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case *tensor.Array:
			if v == nil {
				return nil, fmt.Errorf("argument %d is a nil array", i)
			}
			out[i] = v
		case float64:
			out[i] = v
		case float32:
			out[i] = float64(v)
		case int:
			out[i] = float64(v)
		case int32:
			out[i] = float64(v)
		case int64:
			out[i] = float64(v)
		default:
			return nil, fmt.Errorf("argument %d has unsupported type %T", i, a)
		}
	}
	return out, nil
}
