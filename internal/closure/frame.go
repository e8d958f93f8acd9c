package closure

import (
	"github.com/born-ml/kfuse/internal/errs"
	"github.com/born-ml/kfuse/internal/kernel"
	"github.com/born-ml/kfuse/internal/tensor"
)

// Splitter runs fn over chunks covering [0, n), possibly concurrently.
type Splitter func(n int, fn func(lo, hi int))

// Frame holds the locals and buffer views of one executing worker.
type Frame struct {
	ints   []int
	floats []float32
	gid    [kernel.MaxDims]int
	f32    [][]float32
	f64    [][]float64
	split  Splitter
}

// Bind prepares a frame over one byte buffer per kernel parameter. Scalar
// parameters take a nil buffer. Buffers may be longer than the parameter
// needs; the tail is never addressed by a correctly guarded kernel.
func (p *Program) Bind(buffers [][]byte) (*Frame, error) {
	params := p.kernel.Params
	if len(buffers) != len(params) {
		return nil, errs.Violation("binding", "kernel %s takes %d parameters, got %d", p.kernel.Name, len(params), len(buffers))
	}
	f := &Frame{
		ints:   make([]int, p.nInts),
		floats: make([]float32, p.nFloats),
		f32:    make([][]float32, len(params)),
		f64:    make([][]float64, len(params)),
	}
	for i, prm := range params {
		if prm.Kind == kernel.ScalarParam {
			continue
		}
		need := prm.Len * prm.DType.Size()
		if len(buffers[i]) < need {
			return nil, errs.Violation("binding", "parameter %s needs %d bytes, buffer has %d", prm.Name, need, len(buffers[i]))
		}
		if prm.DType == tensor.Float64 {
			f.f64[i] = tensor.AsFloat64(buffers[i])
		} else {
			f.f32[i] = tensor.AsFloat32(buffers[i])
		}
	}
	return f, nil
}

// WithSplitter lets the outermost parallel loop fan out through s.
func (f *Frame) WithSplitter(s Splitter) *Frame {
	f.split = s
	return f
}

func (f *Frame) clone() *Frame {
	c := *f
	c.ints = append([]int(nil), f.ints...)
	c.floats = append([]float32(nil), f.floats...)
	c.split = nil
	return &c
}

// Exec runs the kernel body once. For loop kernels that is the whole
// launch; work-item kernels execute the item last set by RunItems.
func (p *Program) Exec(f *Frame) {
	p.body(f)
}

// RunItems executes work items [lo, hi) of the launch grid, numbered with
// dimension 0 varying fastest. Every launched item runs, including padding.
func (p *Program) RunItems(f *Frame, lo, hi int) {
	g := p.kernel.Geometry
	for n := lo; n < hi; n++ {
		r := n
		for d := 0; d < g.Dims; d++ {
			f.gid[d] = r%g.Global[d] + g.Offset[d]
			r /= g.Global[d]
		}
		p.body(f)
	}
}

// Fork returns an independent frame sharing f's buffer views, for use by
// another worker.
func (f *Frame) Fork() *Frame {
	return f.clone()
}
