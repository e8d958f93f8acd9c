// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package jit is the public API of the array expression compiler.
//
// Operations are declared once as symbolic element-wise, stencil, reduction
// or block expressions. On first use with a given argument signature they
// are lowered to a kernel, compiled for the engine's backend and cached;
// later calls with the same signature reuse the compiled kernel.
//
// Example:
//
//	eng, _ := jit.NewEngine(jit.Config{})
//	defer eng.Close()
//	a, _ := jit.FromFloat32(jit.Shape{2, 2}, []float32{1, 2, 3, 4})
//	b, _ := jit.FromFloat32(jit.Shape{2, 2}, []float32{5, 6, 7, 8})
//	c, _ := eng.Call("add", a, b)
//	values, _ := c.Float32s()
//
// Chains of operations can be recorded on a Graph, which fuses compatible
// producers into their consumers before launching:
//
//	g := jit.NewGraph()
//	s, _ := g.Call(jit.AddOp, g.Input(a), g.Input(b))
//	d, _ := g.Call(jit.SubOp, s, g.Input(a))
//	g.Output(d)
//	res, _ := eng.Run(g)
//	out, _ := res.Array(d)
package jit

import (
	"github.com/born-ml/kfuse/internal/config"
	"github.com/born-ml/kfuse/internal/errs"
	"github.com/born-ml/kfuse/internal/fusion"
	"github.com/born-ml/kfuse/internal/op"
	"github.com/born-ml/kfuse/internal/runtime"
	"github.com/born-ml/kfuse/internal/signature"
	"github.com/born-ml/kfuse/internal/specialize"
	"github.com/born-ml/kfuse/internal/tensor"
)

// Array is an n-dimensional buffer mirrored between host and device memory.
type Array = tensor.Array

// Shape represents array dimensions, outermost first.
type Shape = tensor.Shape

// DataType is an array element type.
type DataType = tensor.DataType

// Element types.
const (
	Float32 DataType = tensor.Float32
	Float64 DataType = tensor.Float64
)

// Event completes when an asynchronous launch finishes.
type Event = tensor.Event

// Signature is the shape and element type of every argument of a call.
type Signature = signature.Signature

// Operation is a symbolic or opaque operation definition.
type Operation = op.Definition

// Node is a symbolic expression node.
type Node = op.Node

// HostFunc implements an opaque operation on the host.
type HostFunc = op.HostFunc

// Graph records a chain of calls for fused execution.
type Graph = fusion.Graph

// Value is a node of a Graph.
type Value = fusion.Value

// Results maps graph values to the arrays computed for them.
type Results = runtime.Results

// Engine owns a backend and launches operations on it.
type Engine = runtime.Engine

// Config selects and tunes the engine's backend.
type Config = runtime.Config

// Entry is a specialized, compiled kernel.
type Entry = specialize.Entry

// CacheStats reports compilation cache activity.
type CacheStats = specialize.Stats

// Built-in binary operations.
var (
	AddOp = op.AddOp
	SubOp = op.SubOp
	MulOp = op.MulOp
	DivOp = op.DivOp
)

// Errors callers can test for with errors.Is.
var (
	ErrReleased      = errs.ErrReleased
	ErrUnknownOp     = errs.ErrUnknownOp
	ErrNotFinalValue = errs.ErrNotFinalValue
)

// New allocates a zero-filled host array.
func New(shape Shape, dtype DataType) (*Array, error) {
	return tensor.New(shape, dtype)
}

// FromFloat32 wraps data as a float32 array without copying it.
func FromFloat32(shape Shape, data []float32) (*Array, error) {
	return tensor.FromFloat32(shape, data)
}

// FromFloat64 wraps data as a float64 array without copying it.
func FromFloat64(shape Shape, data []float64) (*Array, error) {
	return tensor.FromFloat64(shape, data)
}

// NewEngine opens the backend named by cfg.
func NewEngine(cfg Config) (*Engine, error) {
	return runtime.New(cfg)
}

// LoadConfig reads settings from cfgFile, or from the default search path
// when it is empty, and maps them onto an engine configuration.
func LoadConfig(cfgFile string) (Config, error) {
	c, err := config.Load(cfgFile)
	if err != nil {
		return Config{}, err
	}
	return runtime.FromConfig(c), nil
}

// NewGraph creates an empty call graph.
func NewGraph() *Graph {
	return fusion.NewGraph()
}

// Symbolic expression constructors.
var (
	Arg   = op.Arg
	Const = op.Const
	Tap   = op.Tap
	Add   = op.Add
	Sub   = op.Sub
	Mul   = op.Mul
	Div   = op.Div
	Min   = op.Min
	Max   = op.Max
	Neg   = op.Neg
	Sqrt  = op.Sqrt
	Abs   = op.Abs
	Exp   = op.Exp
	Log   = op.Log
)

// NewMap declares an element-wise operation over arity arguments.
func NewMap(name string, arity int, body Node) (*Operation, error) {
	return op.NewMap(name, arity, body)
}

// NewStencil declares a neighborhood operation on one array. Out-of-range
// taps read zero.
func NewStencil(name string, body Node) (*Operation, error) {
	return op.NewStencil(name, 1, body, op.Zero())
}

// NewOpaque declares an operation implemented on the host. It is never
// compiled and acts as a fusion barrier.
func NewOpaque(name string, arity int, fn HostFunc) *Operation {
	return op.NewOpaque(name, arity, fn)
}

// IsMismatch reports whether err is a signature mismatch.
func IsMismatch(err error) bool { return errs.IsMismatch(err) }

// IsCompilation reports whether err is a kernel compilation failure.
func IsCompilation(err error) bool { return errs.IsCompilation(err) }
