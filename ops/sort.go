package ops

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/pkg/errors"

	"github.com/gomlx/tiling/ir"
	"github.com/gomlx/tiling/tile"
)

func init() {
	tile.Register(ir.OpSort, func(op *ir.Op) tile.Tileable { return sortTileable{op} })
}

// Sort returns input with its lanes along the given axis sorted ascending.
func Sort(b *ir.Builder, input *ir.Value, axis int) *ir.Value {
	if axis < 0 || axis >= input.Shape().Rank() {
		exceptions.Panicf("sort: axis %d out of range for shape %s", axis, input.Shape())
	}
	op := b.NewOp(ir.OpSort, []*ir.Value{input}, []shapes.Shape{input.Shape()},
		map[string]any{"axis": axis})
	return op.Result(0)
}

// sortTileable exposes sort's iteration space: one dimension per tensor
// axis, where the sorted axis is a reduction (a lane must be sorted whole)
// and every other axis is parallel.
type sortTileable struct {
	op *ir.Op
}

func (s sortTileable) Op() *ir.Op { return s.op }

func (s sortTileable) Outputs() []*ir.Value { return []*ir.Value{s.op.Operand(0)} }

func (s sortTileable) IteratorKinds() []tile.IteratorKind {
	rank := s.op.Operand(0).Shape().Rank()
	axis := s.op.IntAttr("axis")
	kinds := make([]tile.IteratorKind, rank)
	for i := range kinds {
		kinds[i] = tile.Parallel
	}
	kinds[axis] = tile.Reduction
	return kinds
}

func (s sortTileable) LoopBounds(b *ir.Builder) []tile.Range {
	input := s.op.Operand(0)
	zero, one := b.ConstantIndex(0), b.ConstantIndex(1)
	bounds := make([]tile.Range, input.Shape().Rank())
	for axis := range bounds {
		bounds[axis] = tile.Range{Offset: zero, Size: b.Dim(input, axis), Stride: one}
	}
	return bounds
}

func (s sortTileable) TiledImplementation(b *ir.Builder, outputs []*ir.Value,
	offsets, sizes []ir.ConstOrValue) (*ir.Op, [][]ir.ConstOrValue, error) {
	rank := s.op.Operand(0).Shape().Rank()
	if len(offsets) != rank || len(sizes) != rank {
		return nil, nil, errors.Errorf("sort expects %d tile dimensions, got %d offsets and %d sizes",
			rank, len(offsets), len(sizes))
	}
	srcTile := b.ExtractSlice(outputs[0], offsets, sizes)
	tiled := Sort(b, srcTile, s.op.IntAttr("axis"))
	resultOffsets := [][]ir.ConstOrValue{offsets}
	return tiled.DefiningOp(), resultOffsets, nil
}
