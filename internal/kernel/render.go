package kernel

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/born-ml/kfuse/internal/op"
	"github.com/born-ml/kfuse/internal/tensor"
)

// writer accumulates indented source lines.
type writer struct {
	b     strings.Builder
	depth int
}

func (w *writer) line(format string, args ...any) {
	w.b.WriteString(strings.Repeat("    ", w.depth))
	fmt.Fprintf(&w.b, format, args...)
	w.b.WriteByte('\n')
}

// cRenderer renders the C-family dialects.
type cRenderer struct {
	k  *Kernel
	cl bool
	w  writer
}

func renderC(k *Kernel) string {
	r := &cRenderer{k: k, cl: k.Dialect == OpenCL}
	if !r.cl {
		r.w.line("#include <math.h>")
		r.w.line("")
	}
	params := make([]string, len(k.Params))
	for i, p := range k.Params {
		params[i] = r.param(p)
	}
	if r.cl {
		r.w.line("__kernel void %s(%s)", k.Name, strings.Join(params, ", "))
	} else {
		r.w.line("void %s(%s)", k.Name, strings.Join(params, ", "))
	}
	r.w.line("{")
	r.w.depth++
	r.stmts(k.Body)
	r.w.depth--
	r.w.line("}")
	return r.w.b.String()
}

func (r *cRenderer) param(p Param) string {
	if p.Kind == ScalarParam {
		return "const float " + p.Name
	}
	elem := p.DType.CType()
	space := ""
	if r.cl {
		space = "__global "
	}
	if p.Kind == SourceParam {
		return fmt.Sprintf("%sconst %s* restrict %s", space, elem, p.Name)
	}
	return fmt.Sprintf("%s%s* restrict %s", space, elem, p.Name)
}

func (r *cRenderer) stmts(list []Stmt) {
	for _, s := range list {
		r.stmt(s)
	}
}

func (r *cRenderer) stmt(s Stmt) {
	switch v := s.(type) {
	case DeclI:
		r.w.line("int %s = %s;", v.Name, r.iexpr(v.Value))
	case DeclF:
		r.w.line("float %s = %s;", v.Name, r.fexpr(v.Value))
	case Assign:
		r.w.line("%s = %s;", v.Name, r.fexpr(v.Value))
	case Store:
		p := r.k.Params[v.Param]
		val := r.fexpr(v.Value)
		if p.DType == tensor.Float64 {
			val = "(double)" + val
		}
		r.w.line("%s[%s] = %s;", p.Name, r.iexpr(v.Index), val)
	case Loop:
		r.loop(v.Var, v.Extent, v.Body)
	case ParallelLoop:
		r.w.line("#pragma omp parallel for")
		r.loop(v.Var, v.Extent, v.Body)
	case If:
		r.w.line("if (%s) {", r.cond(v.Cond))
		r.w.depth++
		r.stmts(v.Body)
		r.w.depth--
		r.w.line("}")
	}
}

func (r *cRenderer) loop(v string, extent int, body []Stmt) {
	r.w.line("for (int %s = 0; %s < %d; %s++) {", v, v, extent, v)
	r.w.depth++
	r.stmts(body)
	r.w.depth--
	r.w.line("}")
}

func (r *cRenderer) iexpr(e IExpr) string {
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
		if r.cl {
			return fmt.Sprintf("clamp(%s, %d, %d)", r.iexpr(v.X), v.Lo, v.Hi)
		}
		x := r.iexpr(v.X)
		return fmt.Sprintf("(%s < %d ? %d : (%s > %d ? %d : %s))", x, v.Lo, v.Lo, x, v.Hi, v.Hi, x)
	case GlobalID:
		return fmt.Sprintf("get_global_id(%d)", v.Dim)
	default:
		return "?"
	}
}

func (r *cRenderer) cond(c Cond) string {
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

func (r *cRenderer) fexpr(e FExpr) string {
	switch v := e.(type) {
	case FConst:
		return cFloat(v.V)
	case FVar:
		return v.Name
	case Load:
		p := r.k.Params[v.Param]
		s := fmt.Sprintf("%s[%s]", p.Name, r.iexpr(v.Index))
		if p.DType == tensor.Float64 {
			s = "(float)" + s
		}
		return s
	case FBin:
		if v.Op.Infix() {
			return fmt.Sprintf("(%s %s %s)", r.fexpr(v.X), v.Op.Symbol(), r.fexpr(v.Y))
		}
		return fmt.Sprintf("%s(%s, %s)", r.binFn(v.Op), r.fexpr(v.X), r.fexpr(v.Y))
	case FUnary:
		if v.Fn == op.FnNeg {
			return fmt.Sprintf("(-%s)", r.fexpr(v.X))
		}
		name := v.Fn.Name()
		if !r.cl {
			name += "f"
		}
		return fmt.Sprintf("%s(%s)", name, r.fexpr(v.X))
	case Select:
		return fmt.Sprintf("((%s) ? %s : %s)", r.cond(v.Cond), r.fexpr(v.Then), r.fexpr(v.Else))
	default:
		return "?"
	}
}

func (r *cRenderer) binFn(o op.BinOp) string {
	name := map[op.BinOp]string{op.OpMin: "fmin", op.OpMax: "fmax", op.OpPow: "pow"}[o]
	if !r.cl {
		name += "f"
	}
	return name
}

func cFloat(v float32) string {
	switch {
	case math.IsInf(float64(v), 1):
		return "INFINITY"
	case math.IsInf(float64(v), -1):
		return "(-INFINITY)"
	case math.IsNaN(float64(v)):
		return "NAN"
	}
	s := strconv.FormatFloat(float64(v), 'g', -1, 32)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s + "f"
}
