// Package kernel generates kernel bodies from operation definitions. It
// lowers expression trees into a small straight-line IR (index arithmetic,
// loads, stores, bounded loops and guards), computes launch geometry, and
// renders the IR as source text for the supported dialects.
package kernel

import (
	"github.com/born-ml/kfuse/internal/op"
	"github.com/born-ml/kfuse/internal/tensor"
)

// IExpr is a signed 32-bit index expression.
type IExpr interface{ isIExpr() }

// IConst is an integer literal.
type IConst struct{ V int }

// IVar reads an integer local.
type IVar struct{ Name string }

// IAdd is X + Y.
type IAdd struct{ X, Y IExpr }

// IMul is X * Y.
type IMul struct{ X, Y IExpr }

// IDiv is X / C for a positive constant C.
type IDiv struct {
	X IExpr
	C int
}

// IMod is X % C for a positive constant C.
type IMod struct {
	X IExpr
	C int
}

// IClamp clamps X into [Lo, Hi].
type IClamp struct {
	X      IExpr
	Lo, Hi int
}

// GlobalID is the work-item coordinate along a launch dimension.
type GlobalID struct{ Dim int }

func (IConst) isIExpr()   {}
func (IVar) isIExpr()     {}
func (IAdd) isIExpr()     {}
func (IMul) isIExpr()     {}
func (IDiv) isIExpr()     {}
func (IMod) isIExpr()     {}
func (IClamp) isIExpr()   {}
func (GlobalID) isIExpr() {}

// Cond is a boolean condition.
type Cond interface{ isCond() }

// InRange is Lo <= X && X < Hi.
type InRange struct {
	X      IExpr
	Lo, Hi int
}

// Less is X < Bound.
type Less struct {
	X     IExpr
	Bound int
}

// And is the conjunction of its terms.
type And struct{ Terms []Cond }

func (InRange) isCond() {}
func (Less) isCond()    {}
func (And) isCond()     {}

// FExpr is a single-precision float expression.
type FExpr interface{ isFExpr() }

// FConst is a float literal.
type FConst struct{ V float32 }

// FVar reads a float local or a scalar parameter.
type FVar struct{ Name string }

// Load reads Params[Param][Index], converted to float.
type Load struct {
	Param int
	Index IExpr
}

// FBin applies a binary operator.
type FBin struct {
	Op   op.BinOp
	X, Y FExpr
}

// FUnary applies a unary intrinsic.
type FUnary struct {
	Fn op.UnaryFn
	X  FExpr
}

// Select evaluates Then when Cond holds and Else otherwise. Only the chosen
// branch is evaluated by the C-family dialects.
type Select struct {
	Cond       Cond
	Then, Else FExpr
}

func (FConst) isFExpr() {}
func (FVar) isFExpr()   {}
func (Load) isFExpr()   {}
func (FBin) isFExpr()   {}
func (FUnary) isFExpr() {}
func (Select) isFExpr() {}

// Stmt is a kernel statement.
type Stmt interface{ isStmt() }

// DeclI declares an integer local.
type DeclI struct {
	Name  string
	Value IExpr
}

// DeclF declares a float local. Mutable locals may be reassigned.
type DeclF struct {
	Name    string
	Value   FExpr
	Mutable bool
}

// Assign reassigns a mutable float local.
type Assign struct {
	Name  string
	Value FExpr
}

// Store writes Params[Param][Index].
type Store struct {
	Param int
	Index IExpr
	Value FExpr
}

// Loop is a bounded loop for (Var = 0; Var < Extent; Var++).
type Loop struct {
	Var    string
	Extent int
	Body   []Stmt
}

// ParallelLoop is a Loop whose iterations are independent and may run on
// several workers.
type ParallelLoop struct {
	Var    string
	Extent int
	Body   []Stmt
}

// If runs Body when Cond holds.
type If struct {
	Cond Cond
	Body []Stmt
}

func (DeclI) isStmt()        {}
func (DeclF) isStmt()        {}
func (Assign) isStmt()       {}
func (Store) isStmt()        {}
func (Loop) isStmt()         {}
func (ParallelLoop) isStmt() {}
func (If) isStmt()           {}

// ParamKind distinguishes kernel parameters.
type ParamKind int

// Parameter kinds, in declaration order.
const (
	ScalarParam ParamKind = iota
	SourceParam
	SinkParam
)

// String returns the parameter kind.
func (k ParamKind) String() string {
	switch k {
	case ScalarParam:
		return "scalar"
	case SourceParam:
		return "source"
	default:
		return "sink"
	}
}

// Param is a formal kernel parameter.
type Param struct {
	Name  string
	Kind  ParamKind
	DType tensor.DataType // Arrays only.
	Value float32         // Scalars: the literal from the signature.
	Arg   int             // Call argument index (scalars, sources) or output index (sinks).
	Len   int             // Arrays: element count.
}

// Mode selects how axis indices are produced.
type Mode int

// Index modes.
const (
	// WorkItems derives axis indices from parallel work-item coordinates.
	WorkItems Mode = iota
	// Loops derives axis indices from an explicit loop nest.
	Loops
)

// Kernel is a generated kernel: parameters, body, geometry and source.
// It is immutable once generated.
type Kernel struct {
	Name     string
	Params   []Param
	Shape    tensor.Shape // Iteration shape.
	Mode     Mode
	Geometry Geometry
	Body     []Stmt
	Dialect  Dialect
	Source   string
	Stages   int // Number of fused operations.
}

// NumSinks returns the number of writable array parameters.
func (k *Kernel) NumSinks() int {
	n := 0
	for _, p := range k.Params {
		if p.Kind == SinkParam {
			n++
		}
	}
	return n
}
