package commands

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/kfuse/internal/kernel"
	"github.com/born-ml/kfuse/internal/signature"
	"github.com/born-ml/kfuse/internal/tensor"
)

// parseArgSpec reads one argument description: a number is a scalar, and
// "[f32:|f64:]D0xD1x..." an array of that shape.
func parseArgSpec(s string) (signature.ArgSpec, error) {
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return signature.ArgSpec{Scalar: true, Value: v}, nil
	}
	dtype := tensor.Float32
	if prefix, rest, ok := strings.Cut(s, ":"); ok {
		switch prefix {
		case "f32":
		case "f64":
			dtype = tensor.Float64
		default:
			return signature.ArgSpec{}, errors.Errorf("unknown element type %q", prefix)
		}
		s = rest
	}
	var shape tensor.Shape
	for _, part := range strings.Split(s, "x") {
		n, err := strconv.Atoi(part)
		if err != nil {
			return signature.ArgSpec{}, errors.Errorf("bad dimension %q", part)
		}
		shape = append(shape, n)
	}
	if err := shape.Validate(); err != nil {
		return signature.ArgSpec{}, err
	}
	return signature.ArgSpec{DType: dtype, Shape: shape}, nil
}

func parseDialect(s string) (kernel.Dialect, error) {
	switch strings.ToLower(s) {
	case "opencl", "cl":
		return kernel.OpenCL, nil
	case "c", "c-openmp", "openmp":
		return kernel.C, nil
	case "wgsl", "webgpu":
		return kernel.WGSL, nil
	default:
		return 0, errors.Errorf("unknown dialect %q", s)
	}
}
