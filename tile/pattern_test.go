package tile_test

import (
	"strings"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/tiling/ir"
	"github.com/gomlx/tiling/ops"
	"github.com/gomlx/tiling/tile"
)

func opsOfKind(fn *ir.Func, kind ir.OpKind) []*ir.Op {
	var found []*ir.Op
	fn.WalkOps(func(op *ir.Op) {
		if op.Kind() == kind {
			found = append(found, op)
		}
	})
	return found
}

func TestConformancePassTilesScatter(t *testing.T) {
	fn, op := scatterFunc(200, 100, 50)
	op.SetAttr(tile.MarkerAttr, "tiling_input")

	require.NoError(t, tile.NewConformancePass().Run(fn))

	assert.Equal(t, 2, countForOps(fn))
	scatters := opsOfKind(fn, ir.OpScatter)
	require.Len(t, scatters, 1, "the marked scatter is replaced by a single tiled scatter")
	assert.Equal(t, "tiling_output", scatters[0].StrAttr(tile.MarkerAttr))
	assert.NotContains(t, fn.String(), "tiling_input")
}

func TestConformancePassNoTilingUpdatesMarker(t *testing.T) {
	fn, op := scatterFunc(200, 100, 50)
	op.SetAttr(tile.MarkerAttr, "no_tiling_input")
	before := fn.CountOps()

	require.NoError(t, tile.NewConformancePass().Run(fn))

	// All-zero tile sizes: the operation is kept, only its marker moves
	// forward so the pattern cannot re-match.
	assert.Equal(t, 0, countForOps(fn))
	scatters := opsOfKind(fn, ir.OpScatter)
	require.Len(t, scatters, 1)
	assert.Same(t, op, scatters[0])
	assert.Equal(t, "no_tiling_output", op.StrAttr(tile.MarkerAttr))
	assert.Equal(t, before, fn.CountOps())
}

func TestConformancePassSortOuterReduce(t *testing.T) {
	fn, op := sortFunc(0, 30, 50)
	op.SetAttr(tile.MarkerAttr, "outer_reduce_input")

	require.NoError(t, tile.NewConformancePass().Run(fn))

	assert.Equal(t, 1, countForOps(fn))
	sorts := opsOfKind(fn, ir.OpSort)
	require.Len(t, sorts, 1)
	assert.Equal(t, "outer_reduce_output", sorts[0].StrAttr(tile.MarkerAttr))
	assert.Equal(t, 0, sorts[0].IntAttr("axis"))
}

func TestConformancePassSortInnerReduce(t *testing.T) {
	fn, op := sortFunc(2, 12, 9, 7)
	op.SetAttr(tile.MarkerAttr, "inner_reduce_input")

	require.NoError(t, tile.NewConformancePass().Run(fn))

	assert.Equal(t, 1, countForOps(fn))
	sorts := opsOfKind(fn, ir.OpSort)
	require.Len(t, sorts, 1)
	assert.Equal(t, "inner_reduce_output", sorts[0].StrAttr(tile.MarkerAttr))
}

func TestConformancePassDistributes(t *testing.T) {
	fn, op := sortFunc(1, 40, 5, 60)
	op.SetAttr(tile.MarkerAttr, "distribute_input")

	require.NoError(t, tile.NewConformancePass().Run(fn))

	assert.Equal(t, 2, countForOps(fn))
	text := fn.String()
	assert.Contains(t, text, "workgroup_id")
	assert.Contains(t, text, "workgroup_count")
	assert.Contains(t, text, "distribute_output")

	// Same marker drives the scatter variant; the 3-entry size list
	// truncates to the scatter's rank.
	fn, op = scatterFunc(200, 100, 50)
	op.SetAttr(tile.MarkerAttr, "distribute_input")
	require.NoError(t, tile.NewConformancePass().Run(fn))
	assert.Equal(t, 1, countForOps(fn))
	assert.Contains(t, fn.String(), "workgroup_id")
}

func TestConformancePassIgnoresUnmarkedOps(t *testing.T) {
	fn, _ := scatterFunc(200, 100, 50)
	before := fn.CountOps()
	require.NoError(t, tile.NewConformancePass().Run(fn))
	assert.Equal(t, before, fn.CountOps())
	assert.Equal(t, 0, countForOps(fn))
}

// The pass keeps going past a failing operation and reports the failure at
// the end; the failed operation is left untouched.
func TestPassContinuesAfterFailure(t *testing.T) {
	fn := ir.NewFunc("mixed_fn",
		ir.MakeShape(dtypes.Float32, 200, 50),
		ir.MakeShape(dtypes.Int32, 100),
		ir.MakeShape(dtypes.Float32, 100, 50))
	b := ir.NewBuilder(fn)
	scattered := ops.Scatter(b, fn.Arg(0), fn.Arg(1), fn.Arg(2))
	// A rank-2 axis-0 sort under the inner-reduce pattern asks for a
	// nonzero tile on the reduction dimension, a hard failure.
	sorted := ops.Sort(b, fn.Arg(0), 0)
	b.Return(scattered, sorted)

	scatterOp := scattered.DefiningOp()
	scatterOp.SetAttr(tile.MarkerAttr, "tiling_input")
	sortOp := sorted.DefiningOp()
	sortOp.SetAttr(tile.MarkerAttr, "inner_reduce_input")

	err := tile.NewConformancePass().Run(fn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unimplemented tiling of non-parallel loop iterator type")

	// The scatter still tiled; the sort is intact, marker and all.
	assert.Equal(t, 2, countForOps(fn))
	sorts := opsOfKind(fn, ir.OpSort)
	require.Len(t, sorts, 1)
	assert.Same(t, sortOp, sorts[0])
	assert.Equal(t, "inner_reduce_input", sortOp.StrAttr(tile.MarkerAttr))
}

// A failed rewrite leaves no partial IR behind once rolled back.
func TestPatternRollbackOnFailure(t *testing.T) {
	fn, op := sortFunc(0, 30, 50)
	op.SetAttr(tile.MarkerAttr, "inner_reduce_input")
	before := fn.CountOps()

	pattern := &tile.Pattern{
		Kind:    ir.OpSort,
		Options: tile.Options{}.SetConstantTileSizes(10, 0, 0),
		Filter:  tile.TransformFilter{Input: "inner_reduce_input", Output: "inner_reduce_output"},
	}
	rw := ir.NewRewriterBefore(op)
	err := pattern.MatchAndRewrite(rw, op)
	require.Error(t, err)
	assert.False(t, ir.IsMatchFailure(err))

	rw.Rollback()
	assert.Equal(t, before, fn.CountOps())
	assert.Equal(t, "inner_reduce_input", op.StrAttr(tile.MarkerAttr))
}

func TestPatternRejectsUnsupportedOptions(t *testing.T) {
	testCases := []struct {
		name    string
		options tile.Options
		reason  string
	}{
		{
			name:    "interchange",
			options: tile.Options{Interchange: []int{1, 0}}.SetConstantTileSizes(10, 20),
			reason:  "unsupported interchange during tiling",
		},
		{
			name: "padding",
			options: tile.Options{
				PadValue: func(b *ir.Builder, _ *ir.Op) *ir.Value { return b.ConstantIndex(0) },
			}.SetConstantTileSizes(10, 20),
			reason: "unsupported tile + pad option",
		},
		{
			name:    "parallel loops",
			options: tile.Options{Loops: tile.LoopsParallel}.SetConstantTileSizes(10, 20),
			reason:  "only tiling with for loops is supported",
		},
		{
			name: "non-cyclic distribution",
			options: tile.Options{}.SetConstantTileSizes(10, 20).SetDistribution(&tile.DistributionOptions{
				ProcFn:  tile.WorkgroupDistribution().ProcFn,
				Methods: []tile.DistributionMethod{tile.DistributeCyclicNumProcsEqNumIters},
			}),
			reason: "only cyclic distribution is allowed",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			fn, op := scatterFunc(200, 100, 50)
			before := fn.CountOps()
			pattern := &tile.Pattern{Kind: ir.OpScatter, Options: testCase.options}
			rw := ir.NewRewriterBefore(op)
			err := pattern.MatchAndRewrite(rw, op)
			require.Error(t, err)
			assert.True(t, ir.IsMatchFailure(err), "option validation must fail recoverably")
			assert.Contains(t, err.Error(), testCase.reason)
			assert.Equal(t, before, fn.CountOps(), "rejection must happen before any mutation")
		})
	}
}

func TestPatternKindAndMarkerGating(t *testing.T) {
	fn, op := sortFunc(0, 30, 50)
	pattern := &tile.Pattern{
		Kind:    ir.OpScatter,
		Options: tile.Options{}.SetConstantTileSizes(10),
		Filter:  tile.TransformFilter{Input: "tiling_input"},
	}
	rw := ir.NewRewriterBefore(op)
	err := pattern.MatchAndRewrite(rw, op)
	require.Error(t, err)
	assert.True(t, ir.IsMatchFailure(err))

	// Right kind, wrong marker.
	_, op = scatterFunc(200, 100, 50)
	op.SetAttr(tile.MarkerAttr, "somebody_else")
	rw = ir.NewRewriterBefore(op)
	err = pattern.MatchAndRewrite(rw, op)
	require.Error(t, err)
	assert.True(t, ir.IsMatchFailure(err))

	// An empty input filter matches only unmarked ops.
	unmarked := &tile.Pattern{Kind: ir.OpScatter, Options: tile.Options{}.SetConstantTileSizes(10)}
	rw = ir.NewRewriterBefore(op)
	err = unmarked.MatchAndRewrite(rw, op)
	require.Error(t, err)
	assert.True(t, ir.IsMatchFailure(err))
	assert.Equal(t, "somebody_else", op.StrAttr(tile.MarkerAttr))

	fn, op = scatterFunc(200, 100, 50)
	rw = ir.NewRewriterBefore(op)
	require.NoError(t, unmarked.MatchAndRewrite(rw, op))
	assert.Equal(t, 1, countForOps(fn))
}

func TestPatternErasesBufferOp(t *testing.T) {
	fn := ir.NewFunc("scatter_inplace_fn",
		ir.MakeShape(dtypes.Float32, 30, 6),
		ir.MakeShape(dtypes.Int32, 14),
		ir.MakeShape(dtypes.Float32, 14, 6))
	b := ir.NewBuilder(fn)
	op := ops.ScatterInPlace(b, fn.Arg(0), fn.Arg(1), fn.Arg(2))
	b.Return()
	op.SetAttr(tile.MarkerAttr, "buffer_input")

	pass := &tile.Pass{Patterns: []*tile.Pattern{{
		Kind:    ir.OpScatterInPlace,
		Options: tile.Options{}.SetConstantTileSizes(4),
		Filter:  tile.TransformFilter{Input: "buffer_input", Output: "buffer_output"},
	}}}
	require.NoError(t, pass.Run(fn))

	forOps := opsOfKind(fn, ir.OpFor)
	require.Len(t, forOps, 1)
	assert.Equal(t, 0, forOps[0].NumResults(), "buffer tiling carries no loop state")

	inPlaceOps := opsOfKind(fn, ir.OpScatterInPlace)
	require.Len(t, inPlaceOps, 1, "the original op is erased, the tiled one remains")
	assert.NotSame(t, op, inPlaceOps[0])
	assert.Equal(t, "buffer_output", inPlaceOps[0].StrAttr(tile.MarkerAttr))
	assert.False(t, strings.Contains(fn.String(), "yield %"), "the loop body yields nothing")
}

// End to end: the conformance pass rewrite computes the same values as the
// original program.
func TestConformancePassPreservesSemantics(t *testing.T) {
	const destRows, batch, cols = 200, 95, 50
	indices := make([]float64, batch)
	for i := range indices {
		indices[i] = float64((i * 13) % destRows)
	}
	reference, _ := scatterFunc(destRows, batch, cols)
	want := runScatter(t, reference, destRows, batch, cols, indices)

	fn, op := scatterFunc(destRows, batch, cols)
	op.SetAttr(tile.MarkerAttr, "tiling_input")
	require.NoError(t, tile.NewConformancePass().Run(fn))
	got := runScatter(t, fn, destRows, batch, cols, indices)
	assert.InDeltaSlice(t, want.Data, got.Data, 0)
}
