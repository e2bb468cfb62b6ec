// Package tile rewrites operations over an n-dimensional iteration space
// into explicit loop nests of smaller, tiled sub-operations.
//
// Any operation kind can participate by registering a Tileable
// implementation; the loop-nest generation itself is kind-agnostic. The
// entry point is Tile; Pattern and Pass drive it as a marker-attribute
// rewrite over whole functions.
package tile

import (
	"github.com/gomlx/tiling/ir"
)

// IteratorKind classifies one loop dimension of an operation's iteration
// space.
type IteratorKind int

const (
	// Parallel dimensions are safe to split and distribute.
	Parallel IteratorKind = iota
	// Reduction dimensions must execute as a whole.
	Reduction
)

// String implements fmt.Stringer.
func (k IteratorKind) String() string {
	if k == Parallel {
		return "parallel"
	}
	return "reduction"
}

// Range is a loop bound: offset, size and stride. Strides other than a
// static 1 are not supported by the tiling transformation.
type Range struct {
	Offset, Size, Stride *ir.Value
}

// Tileable is the capability an operation implements to participate in
// tiling. Implementations are thin wrappers over the underlying *ir.Op and
// live only as long as it.
type Tileable interface {
	// Op returns the underlying operation.
	Op() *ir.Op

	// Outputs returns the destination operands tiled results are written
	// back into, one per result (or the mutated buffers, for operations
	// with no results).
	Outputs() []*ir.Value

	// IteratorKinds returns the kind of each loop dimension, in dimension
	// order.
	IteratorKinds() []IteratorKind

	// LoopBounds returns one Range per loop dimension, in dimension order.
	LoopBounds(b *ir.Builder) []Range

	// TiledImplementation builds the tiled sub-operation for the tile at
	// the given offsets/sizes (one entry per loop dimension), reading from
	// and accumulating into the given outputs. It returns the new
	// operation and, per result, the offsets at which the result must be
	// written back into the corresponding output.
	TiledImplementation(b *ir.Builder, outputs []*ir.Value, offsets, sizes []ir.ConstOrValue) (*ir.Op, [][]ir.ConstOrValue, error)
}

// registry maps op kinds to their Tileable wrappers. Operation packages
// register at init time, the same way backend op executors are registered.
var registry = map[ir.OpKind]func(*ir.Op) Tileable{}

// Register installs the Tileable wrapper for an op kind.
func Register(kind ir.OpKind, wrap func(*ir.Op) Tileable) {
	registry[kind] = wrap
}

// AsTileable returns the Tileable capability of op, or nil if its kind does
// not implement it.
func AsTileable(op *ir.Op) Tileable {
	wrap, found := registry[op.Kind()]
	if !found {
		return nil
	}
	return wrap(op)
}
