package ops

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/tiling/ir"
	"github.com/gomlx/tiling/tile"
)

func init() {
	tile.Register(ir.OpScatter, func(op *ir.Op) tile.Tileable { return scatterTileable{op} })
	tile.Register(ir.OpScatterInPlace, func(op *ir.Op) tile.Tileable { return scatterInPlaceTileable{op} })
}

// checkScatterOperands validates the shared scatter signature: updates
// [B, ...] written to dest rows selected by indices [B]. The trailing
// dimensions of updates must match dest's.
func checkScatterOperands(dest, indices, updates *ir.Value) {
	if indices.Shape().Rank() != 1 {
		exceptions.Panicf("scatter: indices must be rank-1, got %s", indices.Shape())
	}
	if dtype := indices.Shape().DType; dtype != dtypes.Int32 && dtype != dtypes.Int64 {
		exceptions.Panicf("scatter: indices must be Int32 or Int64, got %s", indices.Shape())
	}
	if updates.Shape().Rank() != dest.Shape().Rank() {
		exceptions.Panicf("scatter: updates rank %d must match dest rank %d",
			updates.Shape().Rank(), dest.Shape().Rank())
	}
	checkDimsMatch("scatter: batch", updates.Shape().Dimensions[0], indices.Shape().Dimensions[0])
	for axis := 1; axis < dest.Shape().Rank(); axis++ {
		checkDimsMatch("scatter: update", updates.Shape().Dimensions[axis], dest.Shape().Dimensions[axis])
	}
}

// Scatter writes each row b of updates into dest at row indices[b] and
// returns the updated tensor.
func Scatter(b *ir.Builder, dest, indices, updates *ir.Value) *ir.Value {
	checkScatterOperands(dest, indices, updates)
	op := b.NewOp(ir.OpScatter, []*ir.Value{dest, indices, updates}, []shapes.Shape{dest.Shape()}, nil)
	return op.Result(0)
}

// ScatterInPlace is Scatter with buffer semantics: dest is mutated in place
// and the operation produces no results.
func ScatterInPlace(b *ir.Builder, dest, indices, updates *ir.Value) *ir.Op {
	checkScatterOperands(dest, indices, updates)
	return b.NewOp(ir.OpScatterInPlace, []*ir.Value{dest, indices, updates}, nil, nil)
}

// scatterTileable exposes scatter's iteration space: the dimensions of
// updates, all parallel (tiles scatter disjoint rows, or disjoint column
// ranges of every destination row).
type scatterTileable struct {
	op *ir.Op
}

func (s scatterTileable) Op() *ir.Op { return s.op }

func (s scatterTileable) Outputs() []*ir.Value { return []*ir.Value{s.op.Operand(0)} }

func (s scatterTileable) IteratorKinds() []tile.IteratorKind {
	kinds := make([]tile.IteratorKind, s.op.Operand(2).Shape().Rank())
	for i := range kinds {
		kinds[i] = tile.Parallel
	}
	return kinds
}

func (s scatterTileable) LoopBounds(b *ir.Builder) []tile.Range {
	updates := s.op.Operand(2)
	zero, one := b.ConstantIndex(0), b.ConstantIndex(1)
	bounds := make([]tile.Range, updates.Shape().Rank())
	for axis := range bounds {
		bounds[axis] = tile.Range{Offset: zero, Size: b.Dim(updates, axis), Stride: one}
	}
	return bounds
}

func (s scatterTileable) TiledImplementation(b *ir.Builder, outputs []*ir.Value,
	offsets, sizes []ir.ConstOrValue) (*ir.Op, [][]ir.ConstOrValue, error) {
	indices, updates := s.op.Operand(1), s.op.Operand(2)
	rank := updates.Shape().Rank()
	if len(offsets) != rank || len(sizes) != rank {
		return nil, nil, errors.Errorf("scatter expects %d tile dimensions, got %d offsets and %d sizes",
			rank, len(offsets), len(sizes))
	}
	indicesTile := b.ExtractSlice(indices,
		[]ir.ConstOrValue{offsets[0]}, []ir.ConstOrValue{sizes[0]})
	updatesTile := b.ExtractSlice(updates, offsets, sizes)
	// The destination tile spans all rows: any index may be scattered to,
	// so only the trailing (update) dimensions narrow with the tile.
	destOffsets := make([]ir.ConstOrValue, rank)
	destSizes := make([]ir.ConstOrValue, rank)
	destOffsets[0] = ir.Static(0)
	destSizes[0] = b.DimOf(outputs[0], 0)
	copy(destOffsets[1:], offsets[1:])
	copy(destSizes[1:], sizes[1:])
	destTile := b.ExtractSlice(outputs[0], destOffsets, destSizes)
	tiled := Scatter(b, destTile, indicesTile, updatesTile)
	return tiled.DefiningOp(), [][]ir.ConstOrValue{destOffsets}, nil
}

// scatterInPlaceTileable tiles the buffer form over the update batch only:
// every tile scatters a row range of updates straight into the shared
// destination buffer, so no loop state is carried.
type scatterInPlaceTileable struct {
	op *ir.Op
}

func (s scatterInPlaceTileable) Op() *ir.Op { return s.op }

func (s scatterInPlaceTileable) Outputs() []*ir.Value { return []*ir.Value{s.op.Operand(0)} }

func (s scatterInPlaceTileable) IteratorKinds() []tile.IteratorKind {
	return []tile.IteratorKind{tile.Parallel}
}

func (s scatterInPlaceTileable) LoopBounds(b *ir.Builder) []tile.Range {
	updates := s.op.Operand(2)
	return []tile.Range{{
		Offset: b.ConstantIndex(0),
		Size:   b.Dim(updates, 0),
		Stride: b.ConstantIndex(1),
	}}
}

func (s scatterInPlaceTileable) TiledImplementation(b *ir.Builder, outputs []*ir.Value,
	offsets, sizes []ir.ConstOrValue) (*ir.Op, [][]ir.ConstOrValue, error) {
	indices, updates := s.op.Operand(1), s.op.Operand(2)
	if len(offsets) != 1 || len(sizes) != 1 {
		return nil, nil, errors.Errorf("in-place scatter expects 1 tile dimension, got %d offsets and %d sizes",
			len(offsets), len(sizes))
	}
	indicesTile := b.ExtractSlice(indices, offsets, sizes)
	rank := updates.Shape().Rank()
	updatesOffsets := make([]ir.ConstOrValue, rank)
	updatesSizes := make([]ir.ConstOrValue, rank)
	updatesOffsets[0], updatesSizes[0] = offsets[0], sizes[0]
	for axis := 1; axis < rank; axis++ {
		updatesOffsets[axis] = ir.Static(0)
		updatesSizes[axis] = b.DimOf(updates, axis)
	}
	updatesTile := b.ExtractSlice(updates, updatesOffsets, updatesSizes)
	tiled := ScatterInPlace(b, outputs[0], indicesTile, updatesTile)
	return tiled, nil, nil
}
