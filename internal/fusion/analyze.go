package fusion

import (
	"fmt"
	"strings"

	"github.com/born-ml/kfuse/internal/logging"
	"github.com/born-ml/kfuse/internal/op"
)

// Group is a set of calls that execute as one kernel. Members are in
// invocation order; the last member produces the group's final value and
// every other member's result is read only inside the group.
type Group struct {
	members []*Call
	inputs  []*Value
}

// Members returns the grouped calls in invocation order.
func (g *Group) Members() []*Call { return g.members }

// Root returns the call producing the group's final value.
func (g *Group) Root() *Call { return g.members[len(g.members)-1] }

// Outputs returns the values the group materializes.
func (g *Group) Outputs() []*Value { return g.Root().results }

// Inputs returns the values read from outside the group, in first-use order.
func (g *Group) Inputs() []*Value { return g.inputs }

// Intermediates returns the values computed and consumed inside the group.
// They never exist as arrays.
func (g *Group) Intermediates() []*Value {
	var out []*Value
	for _, c := range g.members[:len(g.members)-1] {
		out = append(out, c.results...)
	}
	return out
}

// Fused reports whether the group has more than one member.
func (g *Group) Fused() bool { return len(g.members) > 1 }

// Opaque reports whether the group is a single host-side call.
func (g *Group) Opaque() bool { return !g.Root().def.Symbolic() }

// Stage returns the index of c within the group, or -1.
func (g *Group) Stage(c *Call) int {
	for i, m := range g.members {
		if m == c {
			return i
		}
	}
	return -1
}

// Input returns the index of v among the group's inputs, or -1.
func (g *Group) Input(v *Value) int {
	for i, in := range g.inputs {
		if in == v {
			return i
		}
	}
	return -1
}

// Name returns a readable name built from the member definitions.
func (g *Group) Name() string {
	names := make([]string, len(g.members))
	for i, c := range g.members {
		names[i] = c.def.Name()
	}
	return strings.Join(names, "_")
}

// String formats the group for logs.
func (g *Group) String() string {
	return fmt.Sprintf("group[%s] in=%v out=%v", g.Name(), g.inputs, g.Outputs())
}

// fusable reports whether c may share a kernel with other calls at all.
func fusable(c *Call) bool {
	d := c.def
	return d.Symbolic() && d.Fusable() && d.Kind() != op.Reduce && d.NumOutputs() == 1
}

// canAbsorb reports whether the producer of v can be fused into consumer c.
func canAbsorb(v *Value, c *Call) bool {
	p := v.producer
	if v.kind != ResultValue || !fusable(p) || !fusable(c) {
		return false
	}
	if v.Observers() != 1 {
		return false
	}
	return p.Iter().Equal(c.Iter())
}

// windowed reports whether c reads any operand at shifted positions.
func windowed(c *Call) bool { return len(c.def.Footprint()) > 0 }

// extends reports whether c continues the chain of the open group g: c
// reads the value g's root produces and is its only observer. A windowed
// call re-evaluates the chain at every tap, so it never extends a chain
// that already holds a windowed member.
func (g *Group) extends(c *Call) bool {
	v := g.Root().results[0]
	if !containsValue(c.args, v) || !canAbsorb(v, c) {
		return false
	}
	if windowed(c) {
		for _, m := range g.members {
			if windowed(m) {
				return false
			}
		}
	}
	return true
}

// Analyze partitions the graph into maximal fusion groups. Calls are
// walked in invocation order with one open group. A call joins the open
// group when it consumes the group's root value as its only observer, both
// are fusable and they share an iteration shape; otherwise the open group
// is closed and the call starts the next one. Calls that cannot fuse,
// opaque host calls included, form groups of their own. Groups keep
// invocation order, so side effects of host calls happen where they were
// recorded.
func Analyze(g *Graph) []*Group {
	log := logging.For("fusion")
	var groups []*Group
	var open *Group
	closeOpen := func() {
		if open != nil {
			groups = append(groups, open)
			open = nil
		}
	}

	for _, c := range g.calls {
		if open != nil {
			if open.extends(c) {
				open.members = append(open.members, c)
				continue
			}
			if containsValue(c.args, open.Root().results[0]) {
				log.WithField("consumer", c.def.Name()).WithField("group", open.Name()).Trace("fusion barrier")
			}
		}
		closeOpen()
		grp := &Group{members: []*Call{c}}
		if !fusable(c) {
			groups = append(groups, grp)
			continue
		}
		open = grp
	}
	closeOpen()

	for _, grp := range groups {
		grp.collectInputs()
		if grp.Fused() {
			log.WithField("group", grp.Name()).WithField("inputs", len(grp.inputs)).Debug("fused")
		}
	}
	return groups
}

func (g *Group) collectInputs() {
	g.inputs = g.inputs[:0]
	for _, c := range g.members {
		for _, a := range c.args {
			if a.kind == ResultValue && g.Stage(a.producer) >= 0 {
				continue
			}
			if g.Input(a) < 0 {
				g.inputs = append(g.inputs, a)
			}
		}
	}
}

func containsValue(list []*Value, v *Value) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
