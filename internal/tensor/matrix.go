package tensor

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// FromMatrix copies a gonum matrix into a new rank-2 array of the given dtype.
func FromMatrix(m mat.Matrix, dtype DataType) (*Array, error) {
	rows, cols := m.Dims()
	a, err := New(Shape{rows, cols}, dtype)
	if err != nil {
		return nil, err
	}
	err = a.WriteHost(func(host []byte) {
		switch dtype {
		case Float64:
			dst := AsFloat64(host)
			for i := 0; i < rows; i++ {
				for j := 0; j < cols; j++ {
					dst[i*cols+j] = m.At(i, j)
				}
			}
		default:
			dst := AsFloat32(host)
			for i := 0; i < rows; i++ {
				for j := 0; j < cols; j++ {
					dst[i*cols+j] = float32(m.At(i, j))
				}
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ToMatrix copies a synchronized rank-2 array into a gonum dense matrix.
func (a *Array) ToMatrix() (*mat.Dense, error) {
	if a.Rank() != 2 {
		return nil, errors.Errorf("ToMatrix needs a rank-2 array, got shape %v", a.shape)
	}
	values, err := a.ToFloat32()
	if err != nil {
		return nil, err
	}
	data := make([]float64, len(values))
	for i, v := range values {
		data[i] = float64(v)
	}
	return mat.NewDense(a.shape[0], a.shape[1], data), nil
}
