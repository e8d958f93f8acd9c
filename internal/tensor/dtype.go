// Package tensor provides the array value type shared by the kernel compiler:
// shapes, element types and the dual-memory Array.
package tensor

// DataType represents the element type of an array buffer.
type DataType int

// Supported element types. Kernel arithmetic is always single precision;
// Float64 buffers are converted at load and store.
const (
	Float32 DataType = iota
	Float64
)

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float32:
		return 4
	case Float64:
		return 8
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return "unknown"
	}
}

// CType returns the element type spelled in the C-like kernel dialects.
func (dt DataType) CType() string {
	if dt == Float64 {
		return "double"
	}
	return "float"
}

// Valid reports whether dt is a supported element type.
func (dt DataType) Valid() bool {
	return dt == Float32 || dt == Float64
}
