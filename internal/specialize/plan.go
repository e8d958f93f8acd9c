// Package specialize turns operation definitions and fusion groups into
// compiled kernels for a concrete argument signature, and caches the result.
package specialize

import (
	"fmt"
	"strings"

	"github.com/born-ml/kfuse/internal/fusion"
	"github.com/born-ml/kfuse/internal/op"
)

// Ref names where a step operand comes from: an argument of the plan or
// the result of an earlier step.
type Ref struct {
	Step  bool
	Index int
}

// Arg refers to plan argument i.
func Arg(i int) Ref { return Ref{Index: i} }

// Result refers to the result of step i.
func Result(i int) Ref { return Ref{Step: true, Index: i} }

// Step is one definition applied to its operands.
type Step struct {
	Def  *op.Definition
	Args []Ref
}

// Plan is an ordered list of steps executed as one kernel. The last step
// writes the kernel outputs; earlier steps stay in registers.
type Plan struct {
	Name  string
	Steps []Step
}

// Single is the plan for one definition invoked directly.
func Single(def *op.Definition) Plan {
	args := make([]Ref, def.Arity())
	for i := range args {
		args[i] = Arg(i)
	}
	return Plan{Name: def.Name(), Steps: []Step{{Def: def, Args: args}}}
}

// FromGroup is the plan for a fusion group. Plan arguments are the group's
// inputs in order.
func FromGroup(g *fusion.Group) Plan {
	p := Plan{Name: g.Name()}
	for _, c := range g.Members() {
		s := Step{Def: c.Def()}
		for _, a := range c.Args() {
			if a.Kind() == fusion.ResultValue {
				if i := g.Stage(a.Producer()); i >= 0 {
					s.Args = append(s.Args, Result(i))
					continue
				}
			}
			s.Args = append(s.Args, Arg(g.Input(a)))
		}
		p.Steps = append(p.Steps, s)
	}
	return p
}

// Identity is the structural part of the cache key: definition identities
// and operand wiring.
func (p Plan) Identity() string {
	var sb strings.Builder
	for i, s := range p.Steps {
		if i > 0 {
			sb.WriteByte(';')
		}
		fmt.Fprintf(&sb, "%p(", s.Def)
		for j, r := range s.Args {
			if j > 0 {
				sb.WriteByte(',')
			}
			if r.Step {
				fmt.Fprintf(&sb, "s%d", r.Index)
			} else {
				fmt.Fprintf(&sb, "x%d", r.Index)
			}
		}
		sb.WriteByte(')')
	}
	return sb.String()
}
