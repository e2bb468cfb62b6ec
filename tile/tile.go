package tile

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/pkg/errors"

	"github.com/gomlx/tiling/ir"
)

// TiledOp is the result of tiling one operation: the tiled operation (or
// the original, unchanged, when no tiling happened), the generated loops
// outermost first, and the replacement values for the original results.
// Results is empty for operations that mutate buffers in place.
//
// The zero TiledOp is the "no tiling possible" sentinel returned for
// operations that do not implement the Tileable capability.
type TiledOp struct {
	Op      *ir.Op
	Loops   []*ir.Op
	Results []*ir.Value
}

// Tile rewrites op into a nest of loops over tiled sub-operations,
// inserting the generated IR at b's insertion point. It returns the zero
// TiledOp (and no error) when op's kind does not implement the Tileable
// capability, and a TiledOp holding the unchanged op when every tile size
// is zero.
//
// Errors are operation-level failures (unsupported iterator tiling,
// non-unit strides, capability failure); the caller owns rolling back any
// partially generated IR.
func Tile(b *ir.Builder, op *ir.Op, options Options) (TiledOp, error) {
	tileable := AsTileable(op)
	if tileable == nil {
		return TiledOp{}, nil
	}
	if options.TileSizes == nil {
		exceptions.Panicf("tile: Options.TileSizes is required")
	}

	iteratorKinds := tileable.IteratorKinds()
	tileSizes := ir.FoldValues(options.TileSizes(b, op))
	// Pad with untiled dimensions, or drop extra entries beyond the
	// iteration space rank.
	for len(tileSizes) < len(iteratorKinds) {
		tileSizes = append(tileSizes, ir.Static(0))
	}
	tileSizes = tileSizes[:len(iteratorKinds)]

	// Tiling is only implemented for parallel dimensions.
	for i, kind := range iteratorKinds {
		if kind == Parallel {
			continue
		}
		if !tileSizes[i].IsStaticZero() {
			return TiledOp{}, errors.Errorf("op %s: unimplemented tiling of non-parallel loop iterator type (dimension %d is %s)",
				op.Kind(), i, kind)
		}
	}

	// Trivial case: every dimension untiled.
	allUntiled := true
	for _, size := range tileSizes {
		allUntiled = allUntiled && size.IsStaticZero()
	}
	if allUntiled {
		return TiledOp{Op: op}, nil
	}

	loopBounds := tileable.LoopBounds(b)

	// Worker assignment for the loops being distributed: the dimensions
	// that are both parallel and tiled, in dimension order. The resulting
	// list is consumed front-to-back as those loops are generated.
	var distributionInfo []ProcInfo
	if options.Distribution != nil {
		var distributedBounds []Range
		for i := range tileSizes {
			if tileSizes[i].IsStaticZero() || iteratorKinds[i] != Parallel {
				continue
			}
			distributedBounds = append(distributedBounds, loopBounds[i])
		}
		distributionInfo = options.Distribution.ProcFn(b, distributedBounds)
		if len(distributionInfo) != len(distributedBounds) {
			return TiledOp{}, errors.Errorf("op %s: distribution policy returned %d entries for %d distributed loops",
				op.Kind(), len(distributionInfo), len(distributedBounds))
		}
	}

	offsets := make([]ir.ConstOrValue, 0, len(tileSizes))
	return tileImpl(b, tileable, tileable.Outputs(), tileSizes, iteratorKinds,
		loopBounds, 0, &offsets, distributionInfo)
}

// tileImpl generates the tiled loops and body by recursing over the loop
// dimensions, one per call.
//
//   - outputs are the destination values for the tiled operation's results
//     (rebound to the loop iteration arguments inside result-carrying
//     loops).
//   - tileSizes is rewritten in place as recursion narrows declared sizes
//     to in-bounds sizes for boundary tiles, and untiled dimensions to the
//     full bound.
//   - offsets accumulates the position of the current tile, one entry per
//     dimension, as the loops are generated.
//   - distributionInfo is consumed front-to-back, one entry per tiled
//     parallel loop.
func tileImpl(b *ir.Builder, op Tileable, outputs []*ir.Value,
	tileSizes []ir.ConstOrValue, iteratorKinds []IteratorKind, loopBounds []Range,
	loopDepth int, offsets *[]ir.ConstOrValue, distributionInfo []ProcInfo) (TiledOp, error) {

	// Innermost: generate the tiled implementation of the op and write its
	// results back into the destination at the offsets the op reports.
	if loopDepth == len(tileSizes) {
		tiledOp, resultOffsets, err := op.TiledImplementation(b, outputs, *offsets, tileSizes)
		if err != nil {
			return TiledOp{}, errors.WithMessagef(err, "op %s: failed to get tiled implementation", op.Op().Kind())
		}
		ret := TiledOp{Op: tiledOp}
		if tiledOp.NumResults() == 0 {
			return ret, nil
		}
		if len(resultOffsets) != tiledOp.NumResults() {
			return TiledOp{}, errors.Errorf("op %s: tiled implementation returned %d result offsets for %d results",
				op.Op().Kind(), len(resultOffsets), tiledOp.NumResults())
		}
		ret.Results = make([]*ir.Value, 0, tiledOp.NumResults())
		for i, result := range tiledOp.Results() {
			axes := xslices.Iota(0, result.Shape().Rank())
			resultSizes := xslices.Map(axes, func(axis int) ir.ConstOrValue { return b.DimOf(result, axis) })
			inserted := b.InsertSlice(result, outputs[i], resultOffsets[i], resultSizes)
			ret.Results = append(ret.Results, inserted)
		}
		return ret, nil
	}

	// Untiled dimension: a single tile covers the whole bound. Requires
	// the lower bound to be statically zero -- a capability contract, not
	// guarded here.
	if tileSizes[loopDepth].IsStaticZero() {
		*offsets = append(*offsets, ir.Static(0))
		tileSizes[loopDepth] = ir.FoldValue(loopBounds[loopDepth].Size)
		return tileImpl(b, op, outputs, tileSizes, iteratorKinds, loopBounds,
			loopDepth+1, offsets, distributionInfo)
	}

	// Tiled dimension: generate one explicit loop.
	if stride, ok := ir.MatchConstant(loopBounds[loopDepth].Stride); !ok || stride != 1 {
		return TiledOp{}, errors.Errorf("op %s: expected stride to be 1 on dimension %d", op.Op().Kind(), loopDepth)
	}
	lb := loopBounds[loopDepth].Offset
	ub := loopBounds[loopDepth].Size
	step := b.Materialize(tileSizes[loopDepth])
	if len(distributionInfo) > 0 && iteratorKinds[loopDepth] == Parallel {
		lb, ub, step = updateBoundsForCyclicDistribution(b, distributionInfo[0], lb, ub, step)
		distributionInfo = distributionInfo[1:]
	}

	// Operations without results mutate their output buffers in place: the
	// loop carries no state and the same buffers are used by every
	// iteration.
	isBufferTiling := op.Op().NumResults() == 0
	var initValues []*ir.Value
	if !isBufferTiling {
		initValues = outputs
	}
	declaredSize := tileSizes[loopDepth]

	var inner TiledOp
	var innerErr error
	forOp := b.For(lb, ub, step, initValues, func(bodyB *ir.Builder, iv *ir.Value, iterArgs []*ir.Value) {
		*offsets = append(*offsets, ir.Dynamic(iv))
		// The tile size is min(declared, ub-iv), so the final tile of a
		// dimension the declared size does not divide stays in bounds.
		inBoundsSize := bodyB.Min(bodyB.Materialize(declaredSize), bodyB.Sub(ub, iv))
		tileSizes[loopDepth] = ir.FoldValue(inBoundsSize)
		innerOutputs := outputs
		if !isBufferTiling {
			innerOutputs = iterArgs
		}
		inner, innerErr = tileImpl(bodyB, op, innerOutputs, tileSizes, iteratorKinds,
			loopBounds, loopDepth+1, offsets, distributionInfo)
		if innerErr != nil {
			// Abandon the body without a terminator; the failure aborts
			// the whole rewrite.
			return
		}
		bodyB.Yield(inner.Results...)
	})
	if innerErr != nil {
		return TiledOp{}, innerErr
	}
	inner.Loops = append([]*ir.Op{forOp}, inner.Loops...)
	inner.Results = append([]*ir.Value{}, forOp.Results()...)
	return inner, nil
}
