package kernel

// Dialect is the source language a kernel is rendered in.
type Dialect int

// Supported dialects.
const (
	// OpenCL is OpenCL C: one work item per element.
	OpenCL Dialect = iota
	// C is plain C with an OpenMP pragma on the outermost loop.
	C
	// WGSL is the WebGPU shading language over a 1-D work-item space.
	WGSL
)

// String returns the dialect name.
func (d Dialect) String() string {
	switch d {
	case OpenCL:
		return "opencl"
	case C:
		return "c-openmp"
	case WGSL:
		return "wgsl"
	default:
		return "unknown"
	}
}

// Mode returns how the dialect produces axis indices.
func (d Dialect) Mode() Mode {
	if d == C {
		return Loops
	}
	return WorkItems
}

// Render returns the source text of the kernel in its dialect.
func Render(k *Kernel) string {
	if k.Dialect == WGSL {
		return renderWGSL(k)
	}
	return renderC(k)
}
