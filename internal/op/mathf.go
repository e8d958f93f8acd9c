package op

import "math"

// Single-precision wrappers; results are rounded to float32 like the
// generated kernels' float intrinsics.

func sqrtf(x float32) float32   { return float32(math.Sqrt(float64(x))) }
func absf(x float32) float32    { return float32(math.Abs(float64(x))) }
func expf(x float32) float32    { return float32(math.Exp(float64(x))) }
func logf(x float32) float32    { return float32(math.Log(float64(x))) }
func powf(x, y float32) float32 { return float32(math.Pow(float64(x), float64(y))) }
