package op

// Built-in element-wise operators.
var (
	AddOp = NewBinary("add", OpAdd)
	SubOp = NewBinary("sub", OpSub)
	MulOp = NewBinary("mul", OpMul)
	DivOp = NewBinary("div", OpDiv)
)

// builtins are created once so their identity, and therefore their cached
// kernels, is shared by every registry in the process.
var builtins = []*Definition{
	AddOp, SubOp, MulOp, DivOp,
	mustMap("square", 1, Mul(Arg(0), Arg(0))),
	mustMap("neg", 1, Neg(Arg(0))),
	mustMap("sqrt", 1, Sqrt(Arg(0))),
	mustMap("abs", 1, Abs(Arg(0))),
	mustMap("exp", 1, Exp(Arg(0))),
	mustMap("scale", 2, Mul(Arg(0), Arg(1))),
	mustMap("axpy", 3, Add(Mul(Arg(0), Arg(1)), Arg(2))),
	mustStencil("laplace", Sub(
		Add(Add(Tap(0, -1, 0), Tap(0, 1, 0)), Add(Tap(0, 0, -1), Tap(0, 0, 1))),
		Mul(Const(4), Tap(0, 0, 0)),
	), Zero()),
	mustStencil("blur3", Mul(Const(1.0/9.0), sumTaps(
		Tap(0, -1, -1), Tap(0, -1, 0), Tap(0, -1, 1),
		Tap(0, 0, -1), Tap(0, 0, 0), Tap(0, 0, 1),
		Tap(0, 1, -1), Tap(0, 1, 0), Tap(0, 1, 1),
	)), Clamp(0)),
	mustReduce("sum", 1, ReduceSum, nil),
	mustReduce("max", 1, ReduceMax, nil),
	mustReduce("dot", 2, ReduceSum, Mul(Arg(0), Arg(1))),
}

// Builtins returns a registry preloaded with the standard operations.
func Builtins() *Registry {
	r := NewRegistry()
	for _, d := range builtins {
		r.Register(d)
	}
	return r
}

func sumTaps(nodes ...Node) Node {
	acc := nodes[0]
	for _, n := range nodes[1:] {
		acc = Add(acc, n)
	}
	return acc
}

func mustMap(name string, arity int, body Node) *Definition {
	d, err := NewMap(name, arity, body)
	if err != nil {
		panic(err)
	}
	return d
}

func mustStencil(name string, body Node, b Boundary) *Definition {
	d, err := NewStencil(name, 1, body, b)
	if err != nil {
		panic(err)
	}
	return d
}

// Named reductions run along axis 0; on a rank-1 input that is a full
// reduction to a single element.
func mustReduce(name string, arity int, r Reducer, body Node) *Definition {
	d, err := NewReduce(name, arity, r, 0, body)
	if err != nil {
		panic(err)
	}
	return d
}
