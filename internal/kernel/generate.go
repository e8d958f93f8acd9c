package kernel

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/born-ml/kfuse/internal/errs"
	"github.com/born-ml/kfuse/internal/op"
	"github.com/born-ml/kfuse/internal/tensor"
)

// OperandKind says where a stage operand comes from.
type OperandKind int

// Operand sources.
const (
	// FromParam reads a kernel parameter (scalar or array source).
	FromParam OperandKind = iota
	// FromStage reads the result of an earlier stage of the same kernel.
	FromStage
)

// Operand binds one formal argument of a stage.
type Operand struct {
	Kind  OperandKind
	Index int
}

// ParamOperand reads parameter i.
func ParamOperand(i int) Operand { return Operand{Kind: FromParam, Index: i} }

// StageOperand reads the result of stage i.
func StageOperand(i int) Operand { return Operand{Kind: FromStage, Index: i} }

// Stage is one operation definition bound to its operands. Sinks lists the
// sink parameters receiving the stage's outputs; it is empty for stages
// whose result stays in a register.
type Stage struct {
	Def      *op.Definition
	Operands []Operand
	Sinks    []int
}

// Spec is everything the generator needs to emit one kernel.
type Spec struct {
	Name      string
	Params    []Param
	Stages    []Stage
	Iter      tensor.Shape // One work item per element of Iter.
	In        tensor.Shape // Shape shared by array sources.
	Dialect   Dialect
	GroupSize int
}

// Generate lowers a spec into a kernel and renders its source.
func Generate(spec Spec) (*Kernel, error) {
	if err := spec.check(); err != nil {
		return nil, err
	}
	g := &generator{
		spec:      &spec,
		stageVars: make([]string, len(spec.Stages)),
		strides:   spec.In.ComputeStrides(),
	}

	collapse := Collapsed(spec.Iter, spec.Dialect)
	geom := ComputeGeometry(spec.Iter, spec.GroupSize, collapse)

	body, err := g.stages()
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		Name:     spec.Name,
		Params:   append([]Param(nil), spec.Params...),
		Shape:    spec.Iter.Clone(),
		Mode:     spec.Dialect.Mode(),
		Geometry: geom,
		Dialect:  spec.Dialect,
		Stages:   len(spec.Stages),
	}
	if k.Mode == Loops {
		k.Body = g.loopNest(body)
	} else {
		k.Body = g.workItems(geom, collapse, body)
	}
	k.Source = Render(k)
	return k, nil
}

func (s *Spec) check() error {
	if len(s.Stages) == 0 {
		return errors.WithStack(errs.ErrEmptyGroup)
	}
	if err := s.Iter.Validate(); err != nil {
		return errors.Wrapf(err, "kernel %s", s.Name)
	}
	if err := s.In.Validate(); err != nil {
		return errors.Wrapf(err, "kernel %s", s.Name)
	}
	for i, st := range s.Stages {
		def := st.Def
		if !def.Symbolic() {
			return errors.Wrapf(errs.ErrOpaqueKernel, "kernel %s stage %d (%s)", s.Name, i, def.Name())
		}
		if def.Kind() == op.Reduce && len(s.Stages) > 1 {
			return errs.Violation("fusion", "reduction %s fused into kernel %s", def.Name(), s.Name)
		}
		if len(st.Operands) != def.Arity() {
			return errs.Mismatch(def.Name(), "stage %d binds %d operands, want %d", i, len(st.Operands), def.Arity())
		}
		for j, o := range st.Operands {
			switch o.Kind {
			case FromParam:
				if o.Index < 0 || o.Index >= len(s.Params) || s.Params[o.Index].Kind == SinkParam {
					return errors.Errorf("kernel %s stage %d operand %d: bad parameter %d", s.Name, i, j, o.Index)
				}
			case FromStage:
				if o.Index < 0 || o.Index >= i {
					return errors.Errorf("kernel %s stage %d operand %d: stage %d is not earlier", s.Name, i, j, o.Index)
				}
			}
		}
		if len(st.Sinks) != 0 && len(st.Sinks) != def.NumOutputs() {
			return errors.Errorf("kernel %s stage %d: %d sinks for %d outputs", s.Name, i, len(st.Sinks), def.NumOutputs())
		}
		if len(st.Sinks) == 0 && def.NumOutputs() != 1 {
			return errors.Errorf("kernel %s stage %d: multi-output %s cannot stay in registers", s.Name, i, def.Name())
		}
		for _, p := range st.Sinks {
			if p < 0 || p >= len(s.Params) || s.Params[p].Kind != SinkParam {
				return errors.Errorf("kernel %s stage %d: bad sink parameter %d", s.Name, i, p)
			}
		}
	}
	if last := s.Stages[len(s.Stages)-1]; len(last.Sinks) == 0 {
		return errors.Errorf("kernel %s: final stage writes nothing", s.Name)
	}
	return nil
}

type generator struct {
	spec      *Spec
	stageVars []string
	strides   []int
	locals    int
}

// point is where an expression is evaluated. center means the work item's
// own element, for which loads use the flat index and earlier stages are
// read from their registers.
type point struct {
	pos    []IExpr
	center bool
	env    map[string]FExpr
}

func axisVar(a int) string { return fmt.Sprintf("i%d", a) }

const flatVar = "idx"

func (g *generator) centerPoint() point {
	pos := make([]IExpr, len(g.spec.In))
	for a := range pos {
		pos[a] = IVar{Name: axisVar(a)}
	}
	return point{pos: pos, center: true}
}

func (g *generator) stages() ([]Stmt, error) {
	var out []Stmt
	for s, st := range g.spec.Stages {
		var (
			stmts []Stmt
			err   error
		)
		switch st.Def.Kind() {
		case op.Reduce:
			stmts, err = g.reduce(s)
		case op.Block:
			stmts, err = g.block(s)
		default:
			stmts, err = g.single(s)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, stmts...)
	}
	return out, nil
}

func (g *generator) single(s int) ([]Stmt, error) {
	st := g.spec.Stages[s]
	v, err := g.expr(s, st.Def.Body(), g.centerPoint())
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("t%d", s)
	g.stageVars[s] = name
	stmts := []Stmt{DeclF{Name: name, Value: v}}
	for _, p := range st.Sinks {
		stmts = append(stmts, Store{Param: p, Index: IVar{Name: flatVar}, Value: FVar{Name: name}})
	}
	return stmts, nil
}

func (g *generator) block(s int) ([]Stmt, error) {
	st := g.spec.Stages[s]
	at := g.centerPoint()
	at.env = map[string]FExpr{}
	var stmts []Stmt
	for _, let := range st.Def.Stmts() {
		v, err := g.expr(s, let.Value, at)
		if err != nil {
			return nil, err
		}
		name := fmt.Sprintf("t%d_%s_%d", s, sanitize(let.Name), g.locals)
		g.locals++
		stmts = append(stmts, DeclF{Name: name, Value: v})
		at.env[let.Name] = FVar{Name: name}
	}
	outs := st.Def.Outputs()
	g.stageVars[s] = at.env[outs[0]].(FVar).Name
	for j, p := range st.Sinks {
		stmts = append(stmts, Store{Param: p, Index: IVar{Name: flatVar}, Value: at.env[outs[j]]})
	}
	return stmts, nil
}

func (g *generator) reduce(s int) ([]Stmt, error) {
	st := g.spec.Stages[s]
	def := st.Def
	axis := def.Axis()
	in := g.spec.In

	pos := make([]IExpr, len(in))
	out := 0
	for a := range in {
		if a == axis {
			pos[a] = IVar{Name: "r"}
			continue
		}
		pos[a] = IVar{Name: axisVar(out)}
		out++
	}
	v, err := g.expr(s, def.Body(), point{pos: pos})
	if err != nil {
		return nil, err
	}
	red := def.Reducer()
	g.stageVars[s] = "acc"
	return []Stmt{
		DeclF{Name: "acc", Value: FConst{V: red.Identity()}, Mutable: true},
		Loop{Var: "r", Extent: in[axis], Body: []Stmt{
			Assign{Name: "acc", Value: FBin{Op: red.Combine(), X: FVar{Name: "acc"}, Y: v}},
		}},
		Store{Param: st.Sinks[0], Index: IVar{Name: flatVar}, Value: FVar{Name: "acc"}},
	}, nil
}

func (g *generator) expr(s int, n op.Node, at point) (FExpr, error) {
	switch v := n.(type) {
	case op.ConstNode:
		return FConst{V: v.Value}, nil
	case op.ArgNode:
		return g.operand(s, v.Index, at)
	case op.TapNode:
		return g.tap(s, v, at)
	case op.RefNode:
		e, ok := at.env[v.Name]
		if !ok {
			return nil, errors.Errorf("local %q is not bound", v.Name)
		}
		return e, nil
	case op.BinaryNode:
		x, err := g.expr(s, v.X, at)
		if err != nil {
			return nil, err
		}
		y, err := g.expr(s, v.Y, at)
		if err != nil {
			return nil, err
		}
		return FBin{Op: v.Op, X: x, Y: y}, nil
	case op.UnaryNode:
		x, err := g.expr(s, v.X, at)
		if err != nil {
			return nil, err
		}
		return FUnary{Fn: v.Fn, X: x}, nil
	default:
		return nil, errors.Errorf("unsupported expression node %T", n)
	}
}

func (g *generator) operand(s, i int, at point) (FExpr, error) {
	o := g.spec.Stages[s].Operands[i]
	if o.Kind == FromStage {
		if at.center {
			return FVar{Name: g.stageVars[o.Index]}, nil
		}
		return g.inline(o.Index, at.pos)
	}
	p := g.spec.Params[o.Index]
	if p.Kind == ScalarParam {
		return FVar{Name: p.Name}, nil
	}
	if at.center {
		return Load{Param: o.Index, Index: IVar{Name: flatVar}}, nil
	}
	return Load{Param: o.Index, Index: g.flatten(at.pos)}, nil
}

// inline re-evaluates stage j at pos. Used when a later stage reads the
// intermediate at a shifted point.
func (g *generator) inline(j int, pos []IExpr) (FExpr, error) {
	def := g.spec.Stages[j].Def
	at := point{pos: pos}
	switch def.Kind() {
	case op.Reduce:
		return nil, errs.Violation("fusion", "reduction %s read through a register", def.Name())
	case op.Block:
		at.env = map[string]FExpr{}
		for _, let := range def.Stmts() {
			v, err := g.expr(j, let.Value, at)
			if err != nil {
				return nil, err
			}
			at.env[let.Name] = v
		}
		return at.env[def.Outputs()[0]], nil
	default:
		return g.expr(j, def.Body(), at)
	}
}

func (g *generator) tap(s int, t op.TapNode, at point) (FExpr, error) {
	st := g.spec.Stages[s]
	o := st.Operands[t.Input]
	if o.Kind == FromParam && g.spec.Params[o.Index].Kind == ScalarParam {
		return nil, errs.Mismatch(st.Def.Name(), "windowed read of scalar argument %d", t.Input)
	}
	if len(t.Offset) != len(g.spec.In) {
		return nil, errs.Mismatch(st.Def.Name(), "tap %v on rank %d array", t.Offset, len(g.spec.In))
	}

	b := st.Def.Boundary()
	shifted := make([]IExpr, len(t.Offset))
	moved := false
	for a, off := range t.Offset {
		shifted[a] = addConst(at.pos[a], off)
		if off != 0 {
			moved = true
		}
	}

	if b.Policy == op.BoundaryClamp {
		clamped := false
		for a, off := range t.Offset {
			if off == 0 && b.Border == 0 {
				continue
			}
			extent := g.spec.In[a]
			lo := min(b.Border, extent-1)
			hi := max(extent-b.Border-1, lo)
			shifted[a] = IClamp{X: shifted[a], Lo: lo, Hi: hi}
			clamped = true
		}
		if !clamped {
			return g.operand(s, t.Input, at)
		}
		return g.valueAt(s, t.Input, shifted)
	}

	if !moved {
		return g.operand(s, t.Input, at)
	}
	var terms []Cond
	for a, off := range t.Offset {
		if off != 0 {
			terms = append(terms, InRange{X: shifted[a], Lo: 0, Hi: g.spec.In[a]})
		}
	}
	var cond Cond = And{Terms: terms}
	if len(terms) == 1 {
		cond = terms[0]
	}
	inside, err := g.valueAt(s, t.Input, shifted)
	if err != nil {
		return nil, err
	}
	outside := FConst{}
	if b.Policy == op.BoundaryConstant {
		outside.V = b.Value
	}
	return Select{Cond: cond, Then: inside, Else: outside}, nil
}

func (g *generator) valueAt(s, i int, pos []IExpr) (FExpr, error) {
	return g.operand(s, i, point{pos: pos})
}

func (g *generator) flatten(pos []IExpr) IExpr {
	var out IExpr
	for a, p := range pos {
		term := p
		if g.strides[a] != 1 {
			term = IMul{X: p, Y: IConst{V: g.strides[a]}}
		}
		if out == nil {
			out = term
		} else {
			out = IAdd{X: out, Y: term}
		}
	}
	return out
}

func addConst(x IExpr, c int) IExpr {
	if c == 0 {
		return x
	}
	return IAdd{X: x, Y: IConst{V: c}}
}

// iterFlatten is the flat index of the work item's own element.
func (g *generator) iterFlatten() IExpr {
	strides := g.spec.Iter.ComputeStrides()
	var out IExpr
	for a := range g.spec.Iter {
		var term IExpr = IVar{Name: axisVar(a)}
		if strides[a] != 1 {
			term = IMul{X: term, Y: IConst{V: strides[a]}}
		}
		if out == nil {
			out = term
		} else {
			out = IAdd{X: out, Y: term}
		}
	}
	return out
}

func (g *generator) loopNest(body []Stmt) []Stmt {
	iter := g.spec.Iter
	inner := append([]Stmt{DeclI{Name: flatVar, Value: g.iterFlatten()}}, body...)
	for a := len(iter) - 1; a >= 1; a-- {
		inner = []Stmt{Loop{Var: axisVar(a), Extent: iter[a], Body: inner}}
	}
	return []Stmt{ParallelLoop{Var: axisVar(0), Extent: iter[0], Body: inner}}
}

func (g *generator) workItems(geom Geometry, collapse bool, body []Stmt) []Stmt {
	iter := g.spec.Iter
	var prologue, inner []Stmt
	var guard []Cond

	if collapse {
		prologue = append(prologue, DeclI{Name: "gid", Value: GlobalID{Dim: 0}})
		if geom.Padded(0) {
			guard = append(guard, Less{X: IVar{Name: "gid"}, Bound: geom.Extent[0]})
		}
		strides := iter.ComputeStrides()
		for a := range iter {
			var v IExpr = IVar{Name: "gid"}
			if strides[a] != 1 {
				v = IDiv{X: v, C: strides[a]}
			}
			if a != 0 {
				v = IMod{X: v, C: iter[a]}
			}
			inner = append(inner, DeclI{Name: axisVar(a), Value: v})
		}
		inner = append(inner, DeclI{Name: flatVar, Value: IVar{Name: "gid"}})
	} else {
		for a := range iter {
			d := len(iter) - 1 - a
			prologue = append(prologue, DeclI{Name: axisVar(a), Value: GlobalID{Dim: d}})
		}
		for a := range iter {
			d := len(iter) - 1 - a
			if geom.Padded(d) {
				guard = append(guard, Less{X: IVar{Name: axisVar(a)}, Bound: geom.Extent[d]})
			}
		}
		inner = append(inner, DeclI{Name: flatVar, Value: g.iterFlatten()})
	}
	inner = append(inner, body...)

	if len(guard) == 0 {
		return append(prologue, inner...)
	}
	var cond Cond = And{Terms: guard}
	if len(guard) == 1 {
		cond = guard[0]
	}
	return append(prologue, If{Cond: cond, Body: inner})
}
