// Package ops defines the tensor operations of the IR that implement the
// tile.Tileable capability: matmul, sort and scatter (tensor and in-place
// buffer forms). Each op kind contributes its constructor, its loop
// metadata (iterator kinds and bounds) and the construction of its tiled
// sub-operation.
package ops

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/pkg/errors"

	"github.com/gomlx/tiling/ir"
	"github.com/gomlx/tiling/tile"
)

func init() {
	tile.Register(ir.OpMatmul, func(op *ir.Op) tile.Tileable { return matmulTileable{op} })
}

// Matmul builds acc + lhs·rhs for lhs [M,K], rhs [K,N] and acc [M,N],
// accumulating into acc.
func Matmul(b *ir.Builder, lhs, rhs, acc *ir.Value) *ir.Value {
	if lhs.Shape().Rank() != 2 || rhs.Shape().Rank() != 2 || acc.Shape().Rank() != 2 {
		exceptions.Panicf("matmul: operands must be rank-2, got lhs=%s rhs=%s acc=%s",
			lhs.Shape(), rhs.Shape(), acc.Shape())
	}
	if lhs.Shape().DType != rhs.Shape().DType || lhs.Shape().DType != acc.Shape().DType {
		exceptions.Panicf("matmul: operands must share a dtype, got lhs=%s rhs=%s acc=%s",
			lhs.Shape(), rhs.Shape(), acc.Shape())
	}
	checkDimsMatch("matmul: contracting", lhs.Shape().Dimensions[1], rhs.Shape().Dimensions[0])
	checkDimsMatch("matmul: rows", lhs.Shape().Dimensions[0], acc.Shape().Dimensions[0])
	checkDimsMatch("matmul: columns", rhs.Shape().Dimensions[1], acc.Shape().Dimensions[1])
	op := b.NewOp(ir.OpMatmul, []*ir.Value{lhs, rhs, acc}, []shapes.Shape{acc.Shape()}, nil)
	return op.Result(0)
}

// checkDimsMatch panics unless the two dimensions agree; DynDim matches
// anything.
func checkDimsMatch(what string, a, b int) {
	if ir.IsDynDim(a) || ir.IsDynDim(b) {
		return
	}
	if a != b {
		exceptions.Panicf("%s dimensions do not match: %d vs %d", what, a, b)
	}
}

// matmulTileable exposes matmul's iteration space (i, j, k) = (rows,
// columns, contraction).
type matmulTileable struct {
	op *ir.Op
}

func (m matmulTileable) Op() *ir.Op { return m.op }

func (m matmulTileable) Outputs() []*ir.Value { return []*ir.Value{m.op.Operand(2)} }

func (m matmulTileable) IteratorKinds() []tile.IteratorKind {
	return []tile.IteratorKind{tile.Parallel, tile.Parallel, tile.Reduction}
}

func (m matmulTileable) LoopBounds(b *ir.Builder) []tile.Range {
	lhs, rhs := m.op.Operand(0), m.op.Operand(1)
	zero, one := b.ConstantIndex(0), b.ConstantIndex(1)
	return []tile.Range{
		{Offset: zero, Size: b.Dim(lhs, 0), Stride: one},
		{Offset: zero, Size: b.Dim(rhs, 1), Stride: one},
		{Offset: zero, Size: b.Dim(lhs, 1), Stride: one},
	}
}

func (m matmulTileable) TiledImplementation(b *ir.Builder, outputs []*ir.Value,
	offsets, sizes []ir.ConstOrValue) (*ir.Op, [][]ir.ConstOrValue, error) {
	if len(offsets) != 3 || len(sizes) != 3 {
		return nil, nil, errors.Errorf("matmul expects 3 tile dimensions, got %d offsets and %d sizes",
			len(offsets), len(sizes))
	}
	i, j, k := 0, 1, 2
	lhsTile := b.ExtractSlice(m.op.Operand(0),
		[]ir.ConstOrValue{offsets[i], offsets[k]}, []ir.ConstOrValue{sizes[i], sizes[k]})
	rhsTile := b.ExtractSlice(m.op.Operand(1),
		[]ir.ConstOrValue{offsets[k], offsets[j]}, []ir.ConstOrValue{sizes[k], sizes[j]})
	accTile := b.ExtractSlice(outputs[0],
		[]ir.ConstOrValue{offsets[i], offsets[j]}, []ir.ConstOrValue{sizes[i], sizes[j]})
	tiled := Matmul(b, lhsTile, rhsTile, accTile)
	resultOffsets := [][]ir.ConstOrValue{{offsets[i], offsets[j]}}
	return tiled.DefiningOp(), resultOffsets, nil
}
