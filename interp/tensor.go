// Package interp is a reference evaluator for the IR: it runs a function on
// concrete tensors, sequentially, including loop nests produced by tiling.
// It exists so tests can check that a tiled program computes the same values
// as the original one.
package interp

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/shapes"
)

// Tensor is a dense host tensor with float64 storage in row-major order.
// The logical dtype is kept in the shape; the evaluator computes in float64
// regardless (index tensors hold integral values).
type Tensor struct {
	Shape shapes.Shape
	Data  []float64
}

// NewTensor wraps data with the given shape.
func NewTensor(shape shapes.Shape, data []float64) *Tensor {
	if len(data) != numElements(shape.Dimensions) {
		exceptions.Panicf("interp.NewTensor: %d data elements for shape %s", len(data), shape)
	}
	return &Tensor{Shape: shape, Data: data}
}

// Zeros returns a zero-filled tensor of the given shape.
func Zeros(shape shapes.Shape) *Tensor {
	return &Tensor{Shape: shape, Data: make([]float64, numElements(shape.Dimensions))}
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Shape: t.Shape, Data: data}
}

// At returns the element at the given indices.
func (t *Tensor) At(indices ...int) float64 {
	return t.Data[t.flatIndex(indices)]
}

// Set assigns the element at the given indices.
func (t *Tensor) Set(value float64, indices ...int) {
	t.Data[t.flatIndex(indices)] = value
}

func (t *Tensor) flatIndex(indices []int) int {
	dims := t.Shape.Dimensions
	if len(indices) != len(dims) {
		exceptions.Panicf("interp: %d indices for rank-%d tensor", len(indices), len(dims))
	}
	flat := 0
	for axis, idx := range indices {
		if idx < 0 || idx >= dims[axis] {
			exceptions.Panicf("interp: index %d out of range for axis %d of shape %s", idx, axis, t.Shape)
		}
		flat = flat*dims[axis] + idx
	}
	return flat
}

func numElements(dims []int) int {
	n := 1
	for _, dim := range dims {
		n *= dim
	}
	return n
}

// iterIndices visits every index tuple of the given dimensions in row-major
// order. The visited slice is reused between calls.
func iterIndices(dims []int, visit func(indices []int)) {
	if numElements(dims) == 0 {
		return
	}
	indices := make([]int, len(dims))
	for {
		visit(indices)
		axis := len(dims) - 1
		for ; axis >= 0; axis-- {
			indices[axis]++
			if indices[axis] < dims[axis] {
				break
			}
			indices[axis] = 0
		}
		if axis < 0 {
			return
		}
	}
}
