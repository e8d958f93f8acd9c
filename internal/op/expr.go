// Package op describes fusable operations symbolically: a kind tag, an
// expression tree over formal arguments, and for windowed kinds the read
// footprint and boundary policy.
package op

import (
	"fmt"
	"strings"
)

// Node is a symbolic expression over an operation's formal arguments.
// Nodes are immutable once built.
type Node interface {
	isNode()
	String() string
}

// BinOp is a binary arithmetic operator.
type BinOp int

// Binary operators.
const (
	OpAdd BinOp = iota
	OpSub
	OpMul
	OpDiv
	OpMin
	OpMax
	OpPow
)

// Symbol returns the operator as spelled in kernel source. Function-style
// operators return their intrinsic name.
func (o BinOp) Symbol() string {
	switch o {
	case OpAdd:
		return "+"
	case OpSub:
		return "-"
	case OpMul:
		return "*"
	case OpDiv:
		return "/"
	case OpMin:
		return "min"
	case OpMax:
		return "max"
	case OpPow:
		return "pow"
	default:
		return "?"
	}
}

// Infix reports whether the operator is written between its operands.
func (o BinOp) Infix() bool {
	return o <= OpDiv
}

// Apply evaluates the operator in single precision.
func (o BinOp) Apply(x, y float32) float32 {
	switch o {
	case OpAdd:
		return x + y
	case OpSub:
		return x - y
	case OpMul:
		return x * y
	case OpDiv:
		return x / y
	case OpMin:
		return min(x, y)
	case OpMax:
		return max(x, y)
	case OpPow:
		return powf(x, y)
	default:
		panic(fmt.Sprintf("unknown binary operator %d", int(o)))
	}
}

// UnaryFn is a single-argument intrinsic.
type UnaryFn int

// Unary intrinsics.
const (
	FnNeg UnaryFn = iota
	FnSqrt
	FnAbs
	FnExp
	FnLog
)

// Name returns the intrinsic name as spelled in C-like kernel source.
func (f UnaryFn) Name() string {
	switch f {
	case FnNeg:
		return "-"
	case FnSqrt:
		return "sqrt"
	case FnAbs:
		return "fabs"
	case FnExp:
		return "exp"
	case FnLog:
		return "log"
	default:
		return "?"
	}
}

// Apply evaluates the intrinsic in single precision.
func (f UnaryFn) Apply(x float32) float32 {
	switch f {
	case FnNeg:
		return -x
	case FnSqrt:
		return sqrtf(x)
	case FnAbs:
		return absf(x)
	case FnExp:
		return expf(x)
	case FnLog:
		return logf(x)
	default:
		panic(fmt.Sprintf("unknown unary intrinsic %d", int(f)))
	}
}

// ArgNode reads formal argument Index at the current point. Whether the
// argument is an array element or a scalar literal is decided by the
// call-site signature.
type ArgNode struct{ Index int }

// ConstNode is a float literal.
type ConstNode struct{ Value float32 }

// BinaryNode applies a binary operator.
type BinaryNode struct {
	Op   BinOp
	X, Y Node
}

// UnaryNode applies a unary intrinsic.
type UnaryNode struct {
	Fn UnaryFn
	X  Node
}

// TapNode reads array argument Input at a fixed offset from the current point.
type TapNode struct {
	Input  int
	Offset []int
}

// RefNode reads a local defined by an earlier statement of a block.
type RefNode struct{ Name string }

func (ArgNode) isNode()    {}
func (ConstNode) isNode()  {}
func (BinaryNode) isNode() {}
func (UnaryNode) isNode()  {}
func (TapNode) isNode()    {}
func (RefNode) isNode()    {}

func (n ArgNode) String() string   { return fmt.Sprintf("$%d", n.Index) }
func (n ConstNode) String() string { return fmt.Sprintf("%g", n.Value) }
func (n RefNode) String() string   { return n.Name }

func (n BinaryNode) String() string {
	if n.Op.Infix() {
		return fmt.Sprintf("(%s %s %s)", n.X, n.Op.Symbol(), n.Y)
	}
	return fmt.Sprintf("%s(%s, %s)", n.Op.Symbol(), n.X, n.Y)
}

func (n UnaryNode) String() string {
	if n.Fn == FnNeg {
		return fmt.Sprintf("(-%s)", n.X)
	}
	return fmt.Sprintf("%s(%s)", n.Fn.Name(), n.X)
}

func (n TapNode) String() string {
	parts := make([]string, len(n.Offset))
	for i, o := range n.Offset {
		parts[i] = fmt.Sprint(o)
	}
	return fmt.Sprintf("$%d[%s]", n.Input, strings.Join(parts, ","))
}

// Arg reads formal argument i.
func Arg(i int) Node { return ArgNode{Index: i} }

// Const is a float literal.
func Const(v float32) Node { return ConstNode{Value: v} }

// Ref reads a block local.
func Ref(name string) Node { return RefNode{Name: name} }

// Tap reads array argument i at offset from the current point.
func Tap(i int, offset ...int) Node {
	return TapNode{Input: i, Offset: append([]int(nil), offset...)}
}

// Add returns x + y.
func Add(x, y Node) Node { return BinaryNode{Op: OpAdd, X: x, Y: y} }

// Sub returns x - y.
func Sub(x, y Node) Node { return BinaryNode{Op: OpSub, X: x, Y: y} }

// Mul returns x * y.
func Mul(x, y Node) Node { return BinaryNode{Op: OpMul, X: x, Y: y} }

// Div returns x / y.
func Div(x, y Node) Node { return BinaryNode{Op: OpDiv, X: x, Y: y} }

// Min returns min(x, y).
func Min(x, y Node) Node { return BinaryNode{Op: OpMin, X: x, Y: y} }

// Max returns max(x, y).
func Max(x, y Node) Node { return BinaryNode{Op: OpMax, X: x, Y: y} }

// Pow returns pow(x, y).
func Pow(x, y Node) Node { return BinaryNode{Op: OpPow, X: x, Y: y} }

// Neg returns -x.
func Neg(x Node) Node { return UnaryNode{Fn: FnNeg, X: x} }

// Sqrt returns sqrt(x).
func Sqrt(x Node) Node { return UnaryNode{Fn: FnSqrt, X: x} }

// Abs returns fabs(x).
func Abs(x Node) Node { return UnaryNode{Fn: FnAbs, X: x} }

// Exp returns exp(x).
func Exp(x Node) Node { return UnaryNode{Fn: FnExp, X: x} }

// Log returns log(x).
func Log(x Node) Node { return UnaryNode{Fn: FnLog, X: x} }

// Walk calls fn for n and every node below it, parents first.
func Walk(n Node, fn func(Node)) {
	fn(n)
	switch v := n.(type) {
	case BinaryNode:
		Walk(v.X, fn)
		Walk(v.Y, fn)
	case UnaryNode:
		Walk(v.X, fn)
	}
}
