package op

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/born-ml/kfuse/internal/tensor"
)

// Kind tags the symbolic form of an operation.
type Kind int

// Operation kinds.
const (
	ElementwiseBinary Kind = iota
	Map
	Reduce
	WindowedStencil
	Block
	Opaque
)

// String returns the kind tag.
func (k Kind) String() string {
	switch k {
	case ElementwiseBinary:
		return "elementwise-binary"
	case Map:
		return "map"
	case Reduce:
		return "reduce"
	case WindowedStencil:
		return "windowed-stencil"
	case Block:
		return "multi-statement-block"
	case Opaque:
		return "opaque"
	default:
		return "unknown"
	}
}

// BoundaryPolicy selects what a windowed read returns outside the array.
type BoundaryPolicy int

// Boundary policies.
const (
	BoundaryZero BoundaryPolicy = iota
	BoundaryClamp
	BoundaryConstant
)

// Boundary is a boundary policy with its parameters.
type Boundary struct {
	Policy BoundaryPolicy
	Border int     // Clamp: indices are clamped into [Border, extent-Border-1].
	Value  float32 // Constant: value returned for out-of-range reads.
}

// Zero returns the zero boundary policy.
func Zero() Boundary { return Boundary{Policy: BoundaryZero} }

// Clamp returns the clamp policy with the given border width.
func Clamp(border int) Boundary { return Boundary{Policy: BoundaryClamp, Border: border} }

// Constant returns the constant(v) policy.
func Constant(v float32) Boundary { return Boundary{Policy: BoundaryConstant, Value: v} }

// String formats the policy.
func (b Boundary) String() string {
	switch b.Policy {
	case BoundaryClamp:
		return fmt.Sprintf("clamp(%d)", b.Border)
	case BoundaryConstant:
		return fmt.Sprintf("constant(%g)", b.Value)
	default:
		return "zero"
	}
}

// Reducer combines elements along a reduced axis.
type Reducer int

// Reducers.
const (
	ReduceSum Reducer = iota
	ReduceMax
	ReduceMin
	ReduceProd
)

// Identity returns the reducer's initial accumulator value.
func (r Reducer) Identity() float32 {
	switch r {
	case ReduceMax:
		return -maxFloat32
	case ReduceMin:
		return maxFloat32
	case ReduceProd:
		return 1
	default:
		return 0
	}
}

// Combine folds v into acc.
func (r Reducer) Combine() BinOp {
	switch r {
	case ReduceMax:
		return OpMax
	case ReduceMin:
		return OpMin
	case ReduceProd:
		return OpMul
	default:
		return OpAdd
	}
}

const maxFloat32 = 3.40282346638528859811704183484516925440e+38

// Stmt binds a block local.
type Stmt struct {
	Name  string
	Value Node
}

// Let returns a block statement name = value.
func Let(name string, value Node) Stmt { return Stmt{Name: name, Value: value} }

// HostFunc implements an opaque operation on synchronized host arrays.
// args holds *tensor.Array or float64 values in formal order.
type HostFunc func(args []any, out *tensor.Array) error

// Definition is an immutable symbolic description of one operation.
// Its pointer identity is part of the compilation cache key.
type Definition struct {
	name     string
	kind     Kind
	arity    int
	body     Node
	stmts    []Stmt
	outputs  []string
	taps     []TapNode
	boundary Boundary
	axis     int
	reducer  Reducer
	fusable  bool
	host     HostFunc
}

// Option customizes a definition.
type Option func(*Definition)

// WithFusable overrides the default fusability of a kind.
func WithFusable(fusable bool) Option {
	return func(d *Definition) { d.fusable = fusable }
}

// WithBoundary sets the boundary policy for taps inside a block.
func WithBoundary(b Boundary) Option {
	return func(d *Definition) { d.boundary = b }
}

// Name returns the symbolic name.
func (d *Definition) Name() string { return d.name }

// Kind returns the kind tag.
func (d *Definition) Kind() Kind { return d.kind }

// Arity returns the number of formal arguments.
func (d *Definition) Arity() int { return d.arity }

// Body returns the per-element expression. Blocks return nil.
func (d *Definition) Body() Node { return d.body }

// Stmts returns a block's statements.
func (d *Definition) Stmts() []Stmt { return d.stmts }

// Outputs returns a block's output locals. Other kinds have one unnamed output.
func (d *Definition) Outputs() []string { return d.outputs }

// NumOutputs returns the number of arrays the operation writes.
func (d *Definition) NumOutputs() int {
	if d.kind == Block {
		return len(d.outputs)
	}
	return 1
}

// Footprint returns the distinct tap offsets read by windowed kinds.
func (d *Definition) Footprint() []TapNode { return d.taps }

// Boundary returns the boundary policy applied to taps.
func (d *Definition) Boundary() Boundary { return d.boundary }

// Axis returns the reduced axis.
func (d *Definition) Axis() int { return d.axis }

// Reducer returns the reduce combiner.
func (d *Definition) Reducer() Reducer { return d.reducer }

// Fusable reports whether the operation may join a fusion group.
func (d *Definition) Fusable() bool { return d.fusable }

// Host returns the host implementation of an opaque operation.
func (d *Definition) Host() HostFunc { return d.host }

// Symbolic reports whether the operation has an expression form the kernel
// generator understands.
func (d *Definition) Symbolic() bool { return d.kind != Opaque }

// String formats the definition for logs.
func (d *Definition) String() string {
	if d.kind == Block {
		return fmt.Sprintf("%s<%s>%v", d.name, d.kind, d.outputs)
	}
	if d.body == nil {
		return fmt.Sprintf("%s<%s>", d.name, d.kind)
	}
	return fmt.Sprintf("%s<%s> %s", d.name, d.kind, d.body)
}

// NewBinary defines an element-wise binary operator over two arguments.
func NewBinary(name string, o BinOp, opts ...Option) *Definition {
	d := &Definition{
		name:    name,
		kind:    ElementwiseBinary,
		arity:   2,
		body:    BinaryNode{Op: o, X: Arg(0), Y: Arg(1)},
		fusable: true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewMap defines an element-wise expression over arity arguments.
func NewMap(name string, arity int, body Node, opts ...Option) (*Definition, error) {
	d := &Definition{name: name, kind: Map, arity: arity, body: body, fusable: true}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewStencil defines a windowed read over a fixed footprint. The footprint is
// the set of Tap nodes found in body.
func NewStencil(name string, arity int, body Node, boundary Boundary, opts ...Option) (*Definition, error) {
	d := &Definition{
		name:     name,
		kind:     WindowedStencil,
		arity:    arity,
		body:     body,
		boundary: boundary,
		fusable:  true,
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	if len(d.taps) == 0 {
		return nil, errors.Errorf("stencil %s reads no taps", name)
	}
	return d, nil
}

// NewReduce defines a reduction of body along axis. A nil body reduces
// argument 0 directly. Reductions change the iteration shape and are not
// fusable.
func NewReduce(name string, arity int, reducer Reducer, axis int, body Node, opts ...Option) (*Definition, error) {
	if body == nil {
		body = Arg(0)
	}
	d := &Definition{
		name:    name,
		kind:    Reduce,
		arity:   arity,
		body:    body,
		axis:    axis,
		reducer: reducer,
	}
	for _, opt := range opts {
		opt(d)
	}
	if axis < 0 {
		return nil, errors.Errorf("reduce %s: negative axis %d", name, axis)
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewBlock defines a multi-statement block. Each output names a local; the
// block writes one array per output. Only single-output blocks are fusable.
func NewBlock(name string, arity int, stmts []Stmt, outputs []string, opts ...Option) (*Definition, error) {
	d := &Definition{
		name:    name,
		kind:    Block,
		arity:   arity,
		stmts:   append([]Stmt(nil), stmts...),
		outputs: append([]string(nil), outputs...),
		fusable: len(outputs) == 1,
	}
	for _, opt := range opts {
		opt(d)
	}
	if len(outputs) == 0 {
		return nil, errors.Errorf("block %s declares no outputs", name)
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewOpaque wraps host-side logic with no symbolic form. The fusion analyzer
// treats it as a barrier.
func NewOpaque(name string, arity int, fn HostFunc) *Definition {
	return &Definition{name: name, kind: Opaque, arity: arity, host: fn}
}

func (d *Definition) validate() error {
	if d.arity <= 0 {
		return errors.Errorf("%s: arity must be positive", d.name)
	}
	defined := map[string]bool{}
	var rank = -1
	check := func(n Node) error {
		var err error
		Walk(n, func(n Node) {
			if err != nil {
				return
			}
			switch v := n.(type) {
			case ArgNode:
				if v.Index < 0 || v.Index >= d.arity {
					err = errors.Errorf("%s: argument %d out of range (arity %d)", d.name, v.Index, d.arity)
				}
			case TapNode:
				if d.kind != WindowedStencil && d.kind != Block {
					err = errors.Errorf("%s: windowed read in %s operation", d.name, d.kind)
					return
				}
				if v.Input < 0 || v.Input >= d.arity {
					err = errors.Errorf("%s: tap argument %d out of range (arity %d)", d.name, v.Input, d.arity)
					return
				}
				if rank >= 0 && len(v.Offset) != rank {
					err = errors.Errorf("%s: tap %s has rank %d, want %d", d.name, v, len(v.Offset), rank)
					return
				}
				rank = len(v.Offset)
				d.addTap(v)
			case RefNode:
				if d.kind != Block {
					err = errors.Errorf("%s: local reference outside a block", d.name)
				} else if !defined[v.Name] {
					err = errors.Errorf("%s: local %q used before definition", d.name, v.Name)
				}
			}
		})
		return err
	}

	if d.kind == Block {
		for _, s := range d.stmts {
			if s.Name == "" {
				return errors.Errorf("%s: statement without a name", d.name)
			}
			if err := check(s.Value); err != nil {
				return err
			}
			defined[s.Name] = true
		}
		for _, o := range d.outputs {
			if !defined[o] {
				return errors.Errorf("%s: output %q is never assigned", d.name, o)
			}
		}
		return nil
	}
	if d.body == nil {
		return errors.Errorf("%s: missing body", d.name)
	}
	return check(d.body)
}

func (d *Definition) addTap(t TapNode) {
	for _, have := range d.taps {
		if have.Input == t.Input && equalInts(have.Offset, t.Offset) {
			return
		}
	}
	d.taps = append(d.taps, t)
}

// Radius returns the largest absolute tap offset per axis for rank axes.
func (d *Definition) Radius(rank int) []int {
	r := make([]int, rank)
	for _, t := range d.taps {
		for i, o := range t.Offset {
			if i >= rank {
				break
			}
			if o < 0 {
				o = -o
			}
			r[i] = max(r[i], o)
		}
	}
	return r
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
