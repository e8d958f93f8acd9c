// Package closure compiles generated kernels into trees of Go closures.
// It is the build step of the in-process backends: every identifier is
// resolved to a frame slot and every parameter to a typed buffer view, so a
// malformed kernel fails here with a CompilationError rather than at launch.
package closure

import (
	"github.com/born-ml/kfuse/internal/errs"
	"github.com/born-ml/kfuse/internal/kernel"
	"github.com/born-ml/kfuse/internal/op"
	"github.com/born-ml/kfuse/internal/tensor"
)

type (
	stmtFn  func(f *Frame)
	intFn   func(f *Frame) int
	floatFn func(f *Frame) float32
	condFn  func(f *Frame) bool
)

// Program is a compiled kernel. It is immutable and safe for concurrent use;
// each worker executes it with its own Frame.
type Program struct {
	kernel  *kernel.Kernel
	nInts   int
	nFloats int
	body    stmtFn
}

// Kernel returns the kernel the program was compiled from.
func (p *Program) Kernel() *kernel.Kernel { return p.kernel }

type slot struct {
	index   int
	mutable bool
}

type compiler struct {
	k       *kernel.Kernel
	ints    map[string]int
	floats  map[string]slot
	scalars map[string]float32
	nInts   int
	nFloats int
	depth   int // Loop nesting.
}

// Compile resolves and lowers k. Any inconsistency in the kernel is reported
// as a CompilationError carrying the kernel source.
func Compile(k *kernel.Kernel) (*Program, error) {
	c := &compiler{
		k:       k,
		ints:    map[string]int{},
		floats:  map[string]slot{},
		scalars: map[string]float32{},
	}
	for i, p := range k.Params {
		if p.Kind == kernel.ScalarParam {
			c.scalars[p.Name] = p.Value
			continue
		}
		if p.DType != tensor.Float32 && p.DType != tensor.Float64 {
			return nil, c.fail("parameter %d (%s): unsupported element type %s", i, p.Name, p.DType)
		}
	}
	body, err := c.stmts(k.Body)
	if err != nil {
		return nil, err
	}
	return &Program{kernel: k, nInts: c.nInts, nFloats: c.nFloats, body: body}, nil
}

func (c *compiler) fail(format string, args ...any) error {
	return errs.Compilation(c.k.Name, c.k.Source, format, args...)
}

func (c *compiler) stmts(list []kernel.Stmt) (stmtFn, error) {
	fns := make([]stmtFn, 0, len(list))
	for _, s := range list {
		fn, err := c.stmt(s)
		if err != nil {
			return nil, err
		}
		fns = append(fns, fn)
	}
	if len(fns) == 1 {
		return fns[0], nil
	}
	return func(f *Frame) {
		for _, fn := range fns {
			fn(f)
		}
	}, nil
}

func (c *compiler) stmt(s kernel.Stmt) (stmtFn, error) {
	switch v := s.(type) {
	case kernel.DeclI:
		val, err := c.iexpr(v.Value)
		if err != nil {
			return nil, err
		}
		i := c.declInt(v.Name)
		return func(f *Frame) { f.ints[i] = val(f) }, nil

	case kernel.DeclF:
		val, err := c.fexpr(v.Value)
		if err != nil {
			return nil, err
		}
		if _, ok := c.scalars[v.Name]; ok {
			return nil, c.fail("local %s shadows a scalar parameter", v.Name)
		}
		i := c.nFloats
		c.nFloats++
		c.floats[v.Name] = slot{index: i, mutable: v.Mutable}
		return func(f *Frame) { f.floats[i] = val(f) }, nil

	case kernel.Assign:
		sl, ok := c.floats[v.Name]
		if !ok {
			return nil, c.fail("assignment to undeclared identifier %s", v.Name)
		}
		if !sl.mutable {
			return nil, c.fail("assignment to immutable local %s", v.Name)
		}
		val, err := c.fexpr(v.Value)
		if err != nil {
			return nil, err
		}
		i := sl.index
		return func(f *Frame) { f.floats[i] = val(f) }, nil

	case kernel.Store:
		return c.store(v)

	case kernel.Loop:
		return c.loop(v.Var, v.Extent, v.Body)

	case kernel.ParallelLoop:
		if c.k.Mode != kernel.Loops || c.depth != 0 {
			return nil, c.fail("parallel loop %s outside the top level of a loop kernel", v.Var)
		}
		return c.parallelLoop(v)

	case kernel.If:
		cond, err := c.cond(v.Cond)
		if err != nil {
			return nil, err
		}
		body, err := c.stmts(v.Body)
		if err != nil {
			return nil, err
		}
		return func(f *Frame) {
			if cond(f) {
				body(f)
			}
		}, nil

	default:
		return nil, c.fail("unsupported statement %T", s)
	}
}

func (c *compiler) declInt(name string) int {
	i := c.nInts
	c.nInts++
	c.ints[name] = i
	return i
}

func (c *compiler) store(v kernel.Store) (stmtFn, error) {
	if v.Param < 0 || v.Param >= len(c.k.Params) {
		return nil, c.fail("store to unknown parameter %d", v.Param)
	}
	p := c.k.Params[v.Param]
	if p.Kind != kernel.SinkParam {
		return nil, c.fail("store to read-only parameter %s", p.Name)
	}
	idx, err := c.iexpr(v.Index)
	if err != nil {
		return nil, err
	}
	val, err := c.fexpr(v.Value)
	if err != nil {
		return nil, err
	}
	pi := v.Param
	if p.DType == tensor.Float64 {
		return func(f *Frame) { f.f64[pi][idx(f)] = float64(val(f)) }, nil
	}
	return func(f *Frame) { f.f32[pi][idx(f)] = val(f) }, nil
}

func (c *compiler) loop(name string, extent int, list []kernel.Stmt) (stmtFn, error) {
	if extent < 0 {
		return nil, c.fail("loop %s has negative extent %d", name, extent)
	}
	i := c.declInt(name)
	c.depth++
	body, err := c.stmts(list)
	c.depth--
	if err != nil {
		return nil, err
	}
	return func(f *Frame) {
		for v := 0; v < extent; v++ {
			f.ints[i] = v
			body(f)
		}
	}, nil
}

func (c *compiler) parallelLoop(v kernel.ParallelLoop) (stmtFn, error) {
	i := c.declInt(v.Var)
	c.depth++
	body, err := c.stmts(v.Body)
	c.depth--
	if err != nil {
		return nil, err
	}
	extent := v.Extent
	run := func(f *Frame, lo, hi int) {
		for x := lo; x < hi; x++ {
			f.ints[i] = x
			body(f)
		}
	}
	return func(f *Frame) {
		if f.split == nil {
			run(f, 0, extent)
			return
		}
		f.split(extent, func(lo, hi int) {
			run(f.clone(), lo, hi)
		})
	}, nil
}

func (c *compiler) iexpr(e kernel.IExpr) (intFn, error) {
	switch v := e.(type) {
	case kernel.IConst:
		n := v.V
		return func(*Frame) int { return n }, nil
	case kernel.IVar:
		i, ok := c.ints[v.Name]
		if !ok {
			return nil, c.fail("undeclared index %s", v.Name)
		}
		return func(f *Frame) int { return f.ints[i] }, nil
	case kernel.IAdd:
		x, y, err := c.ipair(v.X, v.Y)
		if err != nil {
			return nil, err
		}
		return func(f *Frame) int { return x(f) + y(f) }, nil
	case kernel.IMul:
		x, y, err := c.ipair(v.X, v.Y)
		if err != nil {
			return nil, err
		}
		return func(f *Frame) int { return x(f) * y(f) }, nil
	case kernel.IDiv:
		if v.C <= 0 {
			return nil, c.fail("division by non-positive constant %d", v.C)
		}
		x, err := c.iexpr(v.X)
		if err != nil {
			return nil, err
		}
		d := v.C
		return func(f *Frame) int { return x(f) / d }, nil
	case kernel.IMod:
		if v.C <= 0 {
			return nil, c.fail("modulo by non-positive constant %d", v.C)
		}
		x, err := c.iexpr(v.X)
		if err != nil {
			return nil, err
		}
		m := v.C
		return func(f *Frame) int { return x(f) % m }, nil
	case kernel.IClamp:
		if v.Hi < v.Lo {
			return nil, c.fail("empty clamp range [%d, %d]", v.Lo, v.Hi)
		}
		x, err := c.iexpr(v.X)
		if err != nil {
			return nil, err
		}
		lo, hi := v.Lo, v.Hi
		return func(f *Frame) int { return min(max(x(f), lo), hi) }, nil
	case kernel.GlobalID:
		if c.k.Mode != kernel.WorkItems {
			return nil, c.fail("work-item id in a loop kernel")
		}
		if v.Dim < 0 || v.Dim >= c.k.Geometry.Dims {
			return nil, c.fail("work-item dimension %d outside a %d-D launch", v.Dim, c.k.Geometry.Dims)
		}
		d := v.Dim
		return func(f *Frame) int { return f.gid[d] }, nil
	default:
		return nil, c.fail("unsupported index expression %T", e)
	}
}

func (c *compiler) ipair(a, b kernel.IExpr) (intFn, intFn, error) {
	x, err := c.iexpr(a)
	if err != nil {
		return nil, nil, err
	}
	y, err := c.iexpr(b)
	if err != nil {
		return nil, nil, err
	}
	return x, y, nil
}

func (c *compiler) cond(e kernel.Cond) (condFn, error) {
	switch v := e.(type) {
	case kernel.InRange:
		x, err := c.iexpr(v.X)
		if err != nil {
			return nil, err
		}
		lo, hi := v.Lo, v.Hi
		return func(f *Frame) bool {
			n := x(f)
			return lo <= n && n < hi
		}, nil
	case kernel.Less:
		x, err := c.iexpr(v.X)
		if err != nil {
			return nil, err
		}
		b := v.Bound
		return func(f *Frame) bool { return x(f) < b }, nil
	case kernel.And:
		terms := make([]condFn, len(v.Terms))
		for i, t := range v.Terms {
			fn, err := c.cond(t)
			if err != nil {
				return nil, err
			}
			terms[i] = fn
		}
		return func(f *Frame) bool {
			for _, t := range terms {
				if !t(f) {
					return false
				}
			}
			return true
		}, nil
	default:
		return nil, c.fail("unsupported condition %T", e)
	}
}

func (c *compiler) fexpr(e kernel.FExpr) (floatFn, error) {
	switch v := e.(type) {
	case kernel.FConst:
		x := v.V
		return func(*Frame) float32 { return x }, nil
	case kernel.FVar:
		if sl, ok := c.floats[v.Name]; ok {
			i := sl.index
			return func(f *Frame) float32 { return f.floats[i] }, nil
		}
		if x, ok := c.scalars[v.Name]; ok {
			return func(*Frame) float32 { return x }, nil
		}
		return nil, c.fail("undeclared identifier %s", v.Name)
	case kernel.Load:
		return c.load(v)
	case kernel.FBin:
		x, err := c.fexpr(v.X)
		if err != nil {
			return nil, err
		}
		y, err := c.fexpr(v.Y)
		if err != nil {
			return nil, err
		}
		return c.binary(v.Op, x, y)
	case kernel.FUnary:
		x, err := c.fexpr(v.X)
		if err != nil {
			return nil, err
		}
		fn := v.Fn
		if fn < op.FnNeg || fn > op.FnLog {
			return nil, c.fail("unknown intrinsic %d", int(fn))
		}
		return func(f *Frame) float32 { return fn.Apply(x(f)) }, nil
	case kernel.Select:
		cond, err := c.cond(v.Cond)
		if err != nil {
			return nil, err
		}
		then, err := c.fexpr(v.Then)
		if err != nil {
			return nil, err
		}
		els, err := c.fexpr(v.Else)
		if err != nil {
			return nil, err
		}
		return func(f *Frame) float32 {
			if cond(f) {
				return then(f)
			}
			return els(f)
		}, nil
	default:
		return nil, c.fail("unsupported expression %T", e)
	}
}

func (c *compiler) load(v kernel.Load) (floatFn, error) {
	if v.Param < 0 || v.Param >= len(c.k.Params) {
		return nil, c.fail("load from unknown parameter %d", v.Param)
	}
	p := c.k.Params[v.Param]
	if p.Kind != kernel.SourceParam {
		return nil, c.fail("load from %s parameter %s", p.Kind, p.Name)
	}
	idx, err := c.iexpr(v.Index)
	if err != nil {
		return nil, err
	}
	pi := v.Param
	if p.DType == tensor.Float64 {
		return func(f *Frame) float32 { return float32(f.f64[pi][idx(f)]) }, nil
	}
	return func(f *Frame) float32 { return f.f32[pi][idx(f)] }, nil
}

func (c *compiler) binary(o op.BinOp, x, y floatFn) (floatFn, error) {
	switch o {
	case op.OpAdd:
		return func(f *Frame) float32 { return x(f) + y(f) }, nil
	case op.OpSub:
		return func(f *Frame) float32 { return x(f) - y(f) }, nil
	case op.OpMul:
		return func(f *Frame) float32 { return x(f) * y(f) }, nil
	case op.OpDiv:
		return func(f *Frame) float32 { return x(f) / y(f) }, nil
	case op.OpMin, op.OpMax, op.OpPow:
		return func(f *Frame) float32 { return o.Apply(x(f), y(f)) }, nil
	default:
		return nil, c.fail("unknown binary operator %d", int(o))
	}
}
