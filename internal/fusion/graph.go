// Package fusion records chains of operation invocations and partitions
// them into groups that can execute as one kernel.
package fusion

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/born-ml/kfuse/internal/op"
	"github.com/born-ml/kfuse/internal/signature"
	"github.com/born-ml/kfuse/internal/tensor"
)

// ValueKind says where a graph value comes from.
type ValueKind int

// Value kinds.
const (
	InputValue ValueKind = iota
	ScalarValue
	ResultValue
)

// Value is an edge of the invocation graph.
type Value struct {
	id       int
	kind     ValueKind
	spec     signature.ArgSpec
	array    *tensor.Array
	scalar   float64
	producer *Call
	index    int // Output index within producer.
	users    []*Call
	output   bool
}

// ID returns the value's position in creation order.
func (v *Value) ID() int { return v.id }

// Kind returns the value kind.
func (v *Value) Kind() ValueKind { return v.kind }

// Spec returns the value's argument spec.
func (v *Value) Spec() signature.ArgSpec { return v.spec }

// Array returns the bound array of an input value.
func (v *Value) Array() *tensor.Array { return v.array }

// Scalar returns the literal of a scalar value.
func (v *Value) Scalar() float64 { return v.scalar }

// Producer returns the call producing a result value.
func (v *Value) Producer() *Call { return v.producer }

// OutputIndex returns which output of its producer v is.
func (v *Value) OutputIndex() int { return v.index }

// Consumers returns the distinct calls reading v.
func (v *Value) Consumers() []*Call { return v.users }

// IsOutput reports whether v was marked as a graph output.
func (v *Value) IsOutput() bool { return v.output }

// Observers counts the distinct readers of v, a graph output counting as
// one more.
func (v *Value) Observers() int {
	n := len(v.users)
	if v.output {
		n++
	}
	return n
}

// String formats the value for logs.
func (v *Value) String() string {
	switch v.kind {
	case ScalarValue:
		return fmt.Sprintf("%%%d=%g", v.id, v.scalar)
	case InputValue:
		return fmt.Sprintf("%%%d:in", v.id)
	default:
		return fmt.Sprintf("%%%d=%s", v.id, v.producer.def.Name())
	}
}

// Call is one recorded invocation.
type Call struct {
	id      int
	def     *op.Definition
	args    []*Value
	results []*Value
	bound   signature.Bound
}

// ID returns the call's position in invocation order.
func (c *Call) ID() int { return c.id }

// Def returns the invoked definition.
func (c *Call) Def() *op.Definition { return c.def }

// Args returns the operand values in formal order.
func (c *Call) Args() []*Value { return c.args }

// Results returns the produced values.
func (c *Call) Results() []*Value { return c.results }

// Iter returns the call's iteration shape.
func (c *Call) Iter() tensor.Shape { return c.bound.Iter }

// Graph is an explicit invocation graph. Building it performs no work;
// Analyze partitions it and the runtime executes it.
type Graph struct {
	values []*Value
	calls  []*Call
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{}
}

// Input binds an existing array.
func (g *Graph) Input(a *tensor.Array) *Value {
	v := g.value(InputValue)
	v.array = a
	v.spec = signature.ArgSpec{DType: a.DType(), Shape: a.Shape().Clone()}
	return v
}

// Scalar binds a literal.
func (g *Graph) Scalar(x float64) *Value {
	v := g.value(ScalarValue)
	v.scalar = x
	v.spec = signature.ArgSpec{Scalar: true, Value: x}
	return v
}

func (g *Graph) value(kind ValueKind) *Value {
	v := &Value{id: len(g.values), kind: kind}
	g.values = append(g.values, v)
	return v
}

// Call records def applied to args and returns its single result.
func (g *Graph) Call(def *op.Definition, args ...*Value) (*Value, error) {
	if def.NumOutputs() != 1 {
		return nil, errors.Errorf("%s has %d outputs; use CallN", def.Name(), def.NumOutputs())
	}
	out, err := g.CallN(def, args...)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// CallN records def applied to args and returns all of its results.
func (g *Graph) CallN(def *op.Definition, args ...*Value) ([]*Value, error) {
	specs := make([]signature.ArgSpec, len(args))
	for i, a := range args {
		if a == nil || !g.owns(a) {
			return nil, errors.Errorf("%s: argument %d is not a value of this graph", def.Name(), i)
		}
		specs[i] = a.spec
	}
	var bound signature.Bound
	if def.Symbolic() {
		b, err := signature.Bind(def, signature.New(specs...))
		if err != nil {
			return nil, err
		}
		bound = b
	} else {
		b, err := opaqueBound(def, specs)
		if err != nil {
			return nil, err
		}
		bound = b
	}

	c := &Call{id: len(g.calls), def: def, args: append([]*Value(nil), args...), bound: bound}
	for i := range bound.Outputs {
		v := g.value(ResultValue)
		v.producer = c
		v.index = i
		v.spec = bound.Outputs[i]
		c.results = append(c.results, v)
	}
	for _, a := range args {
		if !containsCall(a.users, c) {
			a.users = append(a.users, c)
		}
	}
	g.calls = append(g.calls, c)
	return c.results, nil
}

// Output marks v as observed after the graph runs.
func (g *Graph) Output(v *Value) {
	v.output = true
}

// Calls returns the recorded invocations in order.
func (g *Graph) Calls() []*Call { return g.calls }

// Outputs returns the values marked as outputs, in creation order.
func (g *Graph) Outputs() []*Value {
	var out []*Value
	for _, v := range g.values {
		if v.output {
			out = append(out, v)
		}
	}
	return out
}

func (g *Graph) owns(v *Value) bool {
	return v.id < len(g.values) && g.values[v.id] == v
}

// opaqueBound shapes the result of an opaque call like its first array
// argument; there is no symbolic form to derive it from.
func opaqueBound(def *op.Definition, specs []signature.ArgSpec) (signature.Bound, error) {
	if len(specs) != def.Arity() {
		return signature.Bound{}, errors.Errorf("%s: got %d arguments, want %d", def.Name(), len(specs), def.Arity())
	}
	for _, s := range specs {
		if !s.Scalar {
			return signature.Bound{
				Iter:    s.Shape.Clone(),
				In:      s.Shape.Clone(),
				DType:   s.DType,
				Outputs: []signature.ArgSpec{{DType: s.DType, Shape: s.Shape.Clone()}},
			}, nil
		}
	}
	return signature.Bound{}, errors.Errorf("%s: at least one array argument is required", def.Name())
}

func containsCall(list []*Call, c *Call) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}
