package kernel

import (
	"fmt"

	"github.com/born-ml/kfuse/internal/tensor"
)

// DefaultGroupSize is the work-group extent per launch dimension.
const DefaultGroupSize = 32

// MaxDims is the largest number of work-item dimensions a launch uses.
const MaxDims = 3

// Geometry is the launch shape of a kernel. Dimension 0 is the
// fastest-varying (last) array axis.
type Geometry struct {
	Dims   int
	Global []int // Work items per dimension, after padding.
	Local  []int // Work-group extent per dimension.
	Offset []int
	Extent []int // True extents; items at or beyond them are guarded off.
}

// Padded reports whether dimension d launches more items than its extent.
func (g Geometry) Padded(d int) bool {
	return g.Global[d] != g.Extent[d]
}

// AnyPadded reports whether any dimension needs a guard.
func (g Geometry) AnyPadded() bool {
	for d := 0; d < g.Dims; d++ {
		if g.Padded(d) {
			return true
		}
	}
	return false
}

// Items returns the total number of launched work items.
func (g Geometry) Items() int {
	n := 1
	for _, v := range g.Global {
		n *= v
	}
	return n
}

// String formats the geometry for logs and the inspect command.
func (g Geometry) String() string {
	return fmt.Sprintf("global=%v local=%v offset=%v extent=%v", g.Global, g.Local, g.Offset, g.Extent)
}

// Collapsed reports whether a shape is launched over a 1-D work-item space.
func Collapsed(shape tensor.Shape, dialect Dialect) bool {
	return dialect == WGSL || len(shape) > MaxDims
}

// ComputeGeometry derives the launch geometry for an iteration shape. An
// extent that exceeds group and is not a multiple of it is rounded up to the
// next multiple; the local size is group, or the extent when smaller.
func ComputeGeometry(shape tensor.Shape, group int, collapse bool) Geometry {
	if group <= 0 {
		group = DefaultGroupSize
	}
	var extents []int
	if collapse || len(shape) > MaxDims {
		extents = []int{shape.NumElements()}
	} else {
		extents = make([]int, len(shape))
		for d := range extents {
			extents[d] = shape[len(shape)-1-d]
		}
	}

	g := Geometry{
		Dims:   len(extents),
		Global: make([]int, len(extents)),
		Local:  make([]int, len(extents)),
		Offset: make([]int, len(extents)),
		Extent: extents,
	}
	for d, e := range extents {
		g.Global[d] = padTo(e, group)
		g.Local[d] = min(e, group)
	}
	return g
}

func padTo(extent, group int) int {
	if extent <= group || extent%group == 0 {
		return extent
	}
	return (extent/group + 1) * group
}
