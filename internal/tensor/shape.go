package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

// Shape represents the extents of an array, slowest-varying axis first.
type Shape []int

// NumElements returns the total number of elements.
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 1
	}
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Validate checks that the shape is non-empty and every extent is positive.
func (s Shape) Validate() error {
	if len(s) == 0 {
		return errors.New("shape must have at least one axis")
	}
	for i, dim := range s {
		if dim <= 0 {
			return errors.Errorf("invalid dimension at index %d: %d (must be > 0)", i, dim)
		}
	}
	return nil
}

// Equal checks if two shapes are equal.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// ComputeStrides calculates row-major strides for the shape:
// stride[i] is the product of all faster-varying extents after i.
func (s Shape) ComputeStrides() []int {
	strides := make([]int, len(s))
	if len(s) == 0 {
		return strides
	}

	strides[len(s)-1] = 1
	for i := len(s) - 2; i >= 0; i-- {
		strides[i] = strides[i+1] * s[i+1]
	}
	return strides
}

// Without returns the shape with axis removed. Removing the only axis
// yields the single-element shape {1}.
func (s Shape) Without(axis int) Shape {
	out := make(Shape, 0, len(s))
	out = append(out, s[:axis]...)
	out = append(out, s[axis+1:]...)
	if len(out) == 0 {
		out = Shape{1}
	}
	return out
}

// String formats the shape as 200x200.
func (s Shape) String() string {
	if len(s) == 0 {
		return "scalar"
	}
	str := ""
	for i, d := range s {
		if i > 0 {
			str += "x"
		}
		str += fmt.Sprint(d)
	}
	return str
}
