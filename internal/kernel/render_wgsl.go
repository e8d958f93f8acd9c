package kernel

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/born-ml/kfuse/internal/op"
)

// wgslRenderer renders compute shaders. Scalars become module constants and
// every array parameter a storage binding in group 0, in parameter order.
type wgslRenderer struct {
	k *Kernel
	w writer
}

func renderWGSL(k *Kernel) string {
	r := &wgslRenderer{k: k}
	binding := 0
	for _, p := range k.Params {
		switch p.Kind {
		case ScalarParam:
			r.w.line("const %s: f32 = %s;", p.Name, wgslFloat(p.Value))
		case SourceParam:
			r.w.line("@group(0) @binding(%d) var<storage, read> %s: array<f32>;", binding, p.Name)
			binding++
		case SinkParam:
			r.w.line("@group(0) @binding(%d) var<storage, read_write> %s: array<f32>;", binding, p.Name)
			binding++
		}
	}
	r.w.line("")
	local := 1
	if len(k.Geometry.Local) > 0 {
		local = k.Geometry.Local[0]
	}
	r.w.line("@compute @workgroup_size(%d)", local)
	r.w.line("fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {")
	r.w.depth++
	r.stmts(k.Body)
	r.w.depth--
	r.w.line("}")
	return r.w.b.String()
}

func (r *wgslRenderer) stmts(list []Stmt) {
	for _, s := range list {
		r.stmt(s)
	}
}

func (r *wgslRenderer) stmt(s Stmt) {
	switch v := s.(type) {
	case DeclI:
		r.w.line("let %s: i32 = %s;", v.Name, r.iexpr(v.Value))
	case DeclF:
		kw := "let"
		if v.Mutable {
			kw = "var"
		}
		r.w.line("%s %s: f32 = %s;", kw, v.Name, r.fexpr(v.Value))
	case Assign:
		r.w.line("%s = %s;", v.Name, r.fexpr(v.Value))
	case Store:
		r.w.line("%s[%s] = %s;", r.k.Params[v.Param].Name, r.iexpr(v.Index), r.fexpr(v.Value))
	case Loop:
		r.loop(v.Var, v.Extent, v.Body)
	case ParallelLoop:
		r.loop(v.Var, v.Extent, v.Body)
	case If:
		r.w.line("if (%s) {", r.cond(v.Cond))
		r.w.depth++
		r.stmts(v.Body)
		r.w.depth--
		r.w.line("}")
	}
}

func (r *wgslRenderer) loop(v string, extent int, body []Stmt) {
	r.w.line("for (var %s: i32 = 0; %s < %d; %s++) {", v, v, extent, v)
	r.w.depth++
	r.stmts(body)
	r.w.depth--
	r.w.line("}")
}

func (r *wgslRenderer) iexpr(e IExpr) string {
	switch v := e.(type) {
	case IConst:
		return strconv.Itoa(v.V)
	case IVar:
		return v.Name
	case IAdd:
		if c, ok := v.Y.(IConst); ok && c.V < 0 {
			return fmt.Sprintf("(%s - %d)", r.iexpr(v.X), -c.V)
		}
		return fmt.Sprintf("(%s + %s)", r.iexpr(v.X), r.iexpr(v.Y))
	case IMul:
		return fmt.Sprintf("%s * %s", r.iexpr(v.X), r.iexpr(v.Y))
	case IDiv:
		return fmt.Sprintf("(%s / %d)", r.iexpr(v.X), v.C)
	case IMod:
		return fmt.Sprintf("(%s %% %d)", r.iexpr(v.X), v.C)
	case IClamp:
		return fmt.Sprintf("clamp(%s, %d, %d)", r.iexpr(v.X), v.Lo, v.Hi)
	case GlobalID:
		return fmt.Sprintf("i32(global_id.%c)", "xyz"[v.Dim])
	default:
		return "?"
	}
}

func (r *wgslRenderer) cond(c Cond) string {
	switch v := c.(type) {
	case InRange:
		x := r.iexpr(v.X)
		return fmt.Sprintf("%d <= %s && %s < %d", v.Lo, x, x, v.Hi)
	case Less:
		return fmt.Sprintf("%s < %d", r.iexpr(v.X), v.Bound)
	case And:
		parts := make([]string, len(v.Terms))
		for i, t := range v.Terms {
			parts[i] = "(" + r.cond(t) + ")"
		}
		return strings.Join(parts, " && ")
	default:
		return "?"
	}
}

// fexpr renders float expressions. WGSL select is eager, so a windowed read
// outside the array is clamped into the buffer before the select discards it.
func (r *wgslRenderer) fexpr(e FExpr) string {
	switch v := e.(type) {
	case FConst:
		return wgslFloat(v.V)
	case FVar:
		return v.Name
	case Load:
		p := r.k.Params[v.Param]
		return fmt.Sprintf("%s[clamp(%s, 0, %d)]", p.Name, r.iexpr(v.Index), max(p.Len-1, 0))
	case FBin:
		if v.Op.Infix() {
			return fmt.Sprintf("(%s %s %s)", r.fexpr(v.X), v.Op.Symbol(), r.fexpr(v.Y))
		}
		return fmt.Sprintf("%s(%s, %s)", v.Op.Symbol(), r.fexpr(v.X), r.fexpr(v.Y))
	case FUnary:
		switch v.Fn {
		case op.FnNeg:
			return fmt.Sprintf("(-%s)", r.fexpr(v.X))
		case op.FnAbs:
			return fmt.Sprintf("abs(%s)", r.fexpr(v.X))
		default:
			return fmt.Sprintf("%s(%s)", v.Fn.Name(), r.fexpr(v.X))
		}
	case Select:
		return fmt.Sprintf("select(%s, %s, %s)", r.fexpr(v.Else), r.fexpr(v.Then), r.cond(v.Cond))
	default:
		return "?"
	}
}

func wgslFloat(v float32) string {
	// WGSL has no literals for non-finite values and rejects constant
	// expressions that evaluate to one.
	f := float64(v)
	switch {
	case math.IsInf(f, 1):
		return "bitcast<f32>(0x7f800000u)"
	case math.IsInf(f, -1):
		return "bitcast<f32>(0xff800000u)"
	case math.IsNaN(f):
		return "bitcast<f32>(0x7fc00000u)"
	}
	s := strconv.FormatFloat(f, 'g', -1, 32)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}
