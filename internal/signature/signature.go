// Package signature derives canonical compile-time signatures from runtime
// argument tuples. A Signature is the compilation cache key: two calls with
// equal signatures reuse one compiled kernel regardless of the data.
package signature

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/born-ml/kfuse/internal/errs"
	"github.com/born-ml/kfuse/internal/op"
	"github.com/born-ml/kfuse/internal/tensor"
)

// ArgSpec describes one argument: an array (dtype, rank, shape) or a scalar
// literal.
type ArgSpec struct {
	Scalar bool
	Value  float64
	DType  tensor.DataType
	Shape  tensor.Shape
}

// Rank returns the number of axes of an array argument, 0 for scalars.
func (a ArgSpec) Rank() int {
	return len(a.Shape)
}

// String formats the argument as used in cache keys.
func (a ArgSpec) String() string {
	if a.Scalar {
		return "s:" + strconv.FormatFloat(a.Value, 'g', -1, 64)
	}
	return fmt.Sprintf("%s/%d[%s]", a.DType, len(a.Shape), a.Shape)
}

// Signature is an immutable tuple of argument specs.
type Signature struct {
	args []ArgSpec
	key  string
}

// New builds a signature from specs.
func New(args ...ArgSpec) Signature {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	cp := make([]ArgSpec, len(args))
	for i, a := range args {
		cp[i] = a
		if !a.Scalar {
			cp[i].Shape = a.Shape.Clone()
		}
	}
	return Signature{args: cp, key: "(" + strings.Join(parts, ",") + ")"}
}

// Of derives the signature of a runtime argument tuple. Arguments must be
// *tensor.Array or a Go number.
func Of(args ...any) (Signature, error) {
	specs := make([]ArgSpec, len(args))
	for i, arg := range args {
		spec, err := specOf(arg)
		if err != nil {
			return Signature{}, errs.Mismatch("signature", "argument %d: %v", i, err)
		}
		specs[i] = spec
	}
	return New(specs...), nil
}

func specOf(arg any) (ArgSpec, error) {
	switch v := arg.(type) {
	case *tensor.Array:
		if v == nil {
			return ArgSpec{}, fmt.Errorf("nil array")
		}
		return ArgSpec{DType: v.DType(), Shape: v.Shape().Clone()}, nil
	case float32:
		return ArgSpec{Scalar: true, Value: float64(v)}, nil
	case float64:
		return ArgSpec{Scalar: true, Value: v}, nil
	case int:
		return ArgSpec{Scalar: true, Value: float64(v)}, nil
	case int32:
		return ArgSpec{Scalar: true, Value: float64(v)}, nil
	case int64:
		return ArgSpec{Scalar: true, Value: float64(v)}, nil
	default:
		return ArgSpec{}, fmt.Errorf("unsupported argument type %T", arg)
	}
}

// Key returns the canonical cache key.
func (s Signature) Key() string {
	return s.key
}

// Len returns the number of arguments.
func (s Signature) Len() int {
	return len(s.args)
}

// Arg returns argument i.
func (s Signature) Arg(i int) ArgSpec {
	return s.args[i]
}

// Args returns a copy of the argument specs.
func (s Signature) Args() []ArgSpec {
	return append([]ArgSpec(nil), s.args...)
}

// Equal reports whether two signatures have the same key.
func (s Signature) Equal(other Signature) bool {
	return s.key == other.key
}

// String returns the key.
func (s Signature) String() string {
	return s.key
}

// Bound is a signature validated against an operation definition.
type Bound struct {
	// Iter is the iteration shape: one work item per element.
	Iter tensor.Shape
	// In is the shape every array argument shares.
	In tensor.Shape
	// DType is the element type of the array arguments and outputs.
	DType tensor.DataType
	// Outputs is one spec per array the operation writes.
	Outputs []ArgSpec
}

// Bind checks sig against the definition's declared arity and rank
// expectations. Broadcasting is not supported: every array argument must
// share one shape and dtype.
func Bind(def *op.Definition, sig Signature) (Bound, error) {
	name := def.Name()
	if sig.Len() != def.Arity() {
		return Bound{}, errs.Mismatch(name, "got %d arguments, want %d", sig.Len(), def.Arity())
	}

	first := -1
	for i, a := range sig.args {
		if a.Scalar {
			continue
		}
		if first < 0 {
			first = i
			continue
		}
		ref := sig.args[first]
		if !a.Shape.Equal(ref.Shape) {
			return Bound{}, errs.Mismatch(name, "argument %d has shape %v, argument %d has %v", i, a.Shape, first, ref.Shape)
		}
		if a.DType != ref.DType {
			return Bound{}, errs.Mismatch(name, "argument %d is %s, argument %d is %s", i, a.DType, first, ref.DType)
		}
	}
	if first < 0 {
		return Bound{}, errs.Mismatch(name, "at least one array argument is required")
	}
	ref := sig.args[first]

	for _, t := range def.Footprint() {
		a := sig.args[t.Input]
		if a.Scalar {
			return Bound{}, errs.Mismatch(name, "windowed read of scalar argument %d", t.Input)
		}
		if len(t.Offset) != a.Rank() {
			return Bound{}, errs.Mismatch(name, "tap %v has rank %d, array has rank %d", t.Offset, len(t.Offset), a.Rank())
		}
	}

	b := Bound{Iter: ref.Shape.Clone(), In: ref.Shape.Clone(), DType: ref.DType}
	if def.Kind() == op.Reduce {
		if def.Axis() >= ref.Rank() {
			return Bound{}, errs.Mismatch(name, "reduce axis %d out of range for rank %d", def.Axis(), ref.Rank())
		}
		b.Iter = ref.Shape.Without(def.Axis())
	}
	for i := 0; i < def.NumOutputs(); i++ {
		b.Outputs = append(b.Outputs, ArgSpec{DType: ref.DType, Shape: b.Iter.Clone()})
	}
	return b, nil
}
