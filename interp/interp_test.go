package interp_test

import (
	"testing"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/tiling/interp"
	"github.com/gomlx/tiling/ir"
)

func TestRunFuncArithmetic(t *testing.T) {
	fn := ir.NewFunc("arith", ir.MakeShape(dtypes.Float32, 4, ir.DynDim))
	b := ir.NewBuilder(fn)
	// dim(arg, 1) is dynamic, so none of this folds at build time.
	d := b.Dim(fn.Arg(0), 1)
	b.Return(
		b.Add(d, b.ConstantIndex(2)),
		b.Sub(d, b.ConstantIndex(2)),
		b.Mul(d, b.ConstantIndex(3)),
		b.Min(d, b.ConstantIndex(4)))

	in := interp.New()
	results := must.M1(in.RunFunc(fn,
		interp.Zeros(ir.MakeShape(dtypes.Float32, 4, 7))))
	require.Len(t, results, 4)
	assert.Equal(t, int64(9), results[0])
	assert.Equal(t, int64(5), results[1])
	assert.Equal(t, int64(21), results[2])
	assert.Equal(t, int64(4), results[3])
}

func TestRunFuncArgCountMismatch(t *testing.T) {
	fn := ir.NewFunc("f", ir.MakeShape(dtypes.Float32, 2))
	_, err := interp.New().RunFunc(fn)
	require.Error(t, err)
}

func TestEvalForCarriesValues(t *testing.T) {
	fn := ir.NewFunc("loop")
	b := ir.NewBuilder(fn)
	lb, ub, step := b.ConstantIndex(0), b.ConstantIndex(10), b.ConstantIndex(2)
	forOp := b.For(lb, ub, step, []*ir.Value{b.ConstantIndex(100)},
		func(bodyB *ir.Builder, iv *ir.Value, iterArgs []*ir.Value) {
			bodyB.Yield(bodyB.Add(iterArgs[0], iv))
		})
	b.Return(forOp.Result(0))

	results := must.M1(interp.New().RunFunc(fn))
	require.Len(t, results, 1)
	// 100 + (0 + 2 + 4 + 6 + 8).
	assert.Equal(t, int64(120), results[0])
}

func TestEvalForRejectsBadStep(t *testing.T) {
	fn := ir.NewFunc("loop")
	b := ir.NewBuilder(fn)
	b.For(b.ConstantIndex(0), b.ConstantIndex(10), b.ConstantIndex(0), nil,
		func(bodyB *ir.Builder, iv *ir.Value, iterArgs []*ir.Value) {
			bodyB.Yield()
		})
	b.Return()

	_, err := interp.New().RunFunc(fn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-positive step")
}

func TestEvalSlices(t *testing.T) {
	fn := ir.NewFunc("slices", ir.MakeShape(dtypes.Float32, 3, 4))
	b := ir.NewBuilder(fn)
	extracted := b.ExtractSlice(fn.Arg(0),
		[]ir.ConstOrValue{ir.Static(1), ir.Static(2)},
		[]ir.ConstOrValue{ir.Static(2), ir.Static(2)})
	inserted := b.InsertSlice(extracted, fn.Arg(0),
		[]ir.ConstOrValue{ir.Static(0), ir.Static(0)},
		[]ir.ConstOrValue{ir.Static(2), ir.Static(2)})
	b.Return(extracted, inserted)

	input := interp.NewTensor(ir.MakeShape(dtypes.Float32, 3, 4), []float64{
		0, 1, 2, 3,
		4, 5, 6, 7,
		8, 9, 10, 11,
	})
	results := must.M1(interp.New().RunFunc(fn, input))
	require.Len(t, results, 2)

	slice := results[0].(*interp.Tensor)
	assert.Equal(t, []int{2, 2}, slice.Shape.Dimensions)
	assert.Equal(t, []float64{6, 7, 10, 11}, slice.Data)

	full := results[1].(*interp.Tensor)
	assert.Equal(t, []float64{
		6, 7, 2, 3,
		10, 11, 6, 7,
		8, 9, 10, 11,
	}, full.Data)
	// The destination tensor itself is untouched.
	assert.Equal(t, float64(0), input.At(0, 0))
}

func TestEvalMatmulAccumulates(t *testing.T) {
	fn := ir.NewFunc("matmul",
		ir.MakeShape(dtypes.Float32, 2, 2),
		ir.MakeShape(dtypes.Float32, 2, 2),
		ir.MakeShape(dtypes.Float32, 2, 2))
	b := ir.NewBuilder(fn)
	op := b.NewOp(ir.OpMatmul,
		[]*ir.Value{fn.Arg(0), fn.Arg(1), fn.Arg(2)},
		[]shapes.Shape{fn.Arg(2).Shape()}, nil)
	b.Return(op.Result(0))

	lhs := interp.NewTensor(ir.MakeShape(dtypes.Float32, 2, 2), []float64{1, 2, 3, 4})
	rhs := interp.NewTensor(ir.MakeShape(dtypes.Float32, 2, 2), []float64{5, 6, 7, 8})
	acc := interp.NewTensor(ir.MakeShape(dtypes.Float32, 2, 2), []float64{100, 0, 0, 100})
	results := must.M1(interp.New().RunFunc(fn, lhs, rhs, acc))
	got := results[0].(*interp.Tensor)
	assert.Equal(t, []float64{119, 22, 43, 150}, got.Data)
	assert.Equal(t, []float64{100, 0, 0, 100}, acc.Data, "accumulator input is not mutated")
}

func TestEvalSortPerLane(t *testing.T) {
	fn := ir.NewFunc("sort", ir.MakeShape(dtypes.Float32, 2, 3))
	b := ir.NewBuilder(fn)
	op := b.NewOp(ir.OpSort, []*ir.Value{fn.Arg(0)},
		[]shapes.Shape{fn.Arg(0).Shape()}, map[string]any{"axis": 1})
	b.Return(op.Result(0))

	input := interp.NewTensor(ir.MakeShape(dtypes.Float32, 2, 3),
		[]float64{3, 1, 2, 9, 7, 8})
	results := must.M1(interp.New().RunFunc(fn, input))
	got := results[0].(*interp.Tensor)
	assert.Equal(t, []float64{1, 2, 3, 7, 8, 9}, got.Data)
}

func TestEvalScatterVariants(t *testing.T) {
	destShape := ir.MakeShape(dtypes.Float32, 4, 2)
	indexShape := ir.MakeShape(dtypes.Int32, 2)
	updateShape := ir.MakeShape(dtypes.Float32, 2, 2)

	buildFn := func(inPlace bool) *ir.Func {
		fn := ir.NewFunc("scatter", destShape, indexShape, updateShape)
		b := ir.NewBuilder(fn)
		if inPlace {
			b.NewOp(ir.OpScatterInPlace, []*ir.Value{fn.Arg(0), fn.Arg(1), fn.Arg(2)}, nil, nil)
			b.Return()
		} else {
			op := b.NewOp(ir.OpScatter, []*ir.Value{fn.Arg(0), fn.Arg(1), fn.Arg(2)},
				[]shapes.Shape{fn.Arg(0).Shape()}, nil)
			b.Return(op.Result(0))
		}
		return fn
	}

	dest := interp.Zeros(destShape)
	indices := interp.NewTensor(indexShape, []float64{2, 0})
	updates := interp.NewTensor(updateShape, []float64{1, 2, 3, 4})

	results := must.M1(interp.New().RunFunc(buildFn(false), dest, indices, updates))
	got := results[0].(*interp.Tensor)
	assert.Equal(t, []float64{3, 4, 0, 0, 1, 2, 0, 0}, got.Data)
	assert.Equal(t, []float64{0, 0, 0, 0, 0, 0, 0, 0}, dest.Data, "tensor form clones")

	_ = must.M1(interp.New().RunFunc(buildFn(true), dest, indices, updates))
	assert.Equal(t, []float64{3, 4, 0, 0, 1, 2, 0, 0}, dest.Data, "buffer form mutates")

	// Out-of-range index.
	bad := interp.NewTensor(indexShape, []float64{7, 0})
	_, err := interp.New().RunFunc(buildFn(false), interp.Zeros(destShape), bad, updates)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestWorkgroupOpsUseConfiguredValues(t *testing.T) {
	fn := ir.NewFunc("workgroups")
	b := ir.NewBuilder(fn)
	b.Return(b.WorkgroupID(0), b.WorkgroupCount(0), b.WorkgroupID(1), b.WorkgroupCount(1))

	// Defaults: a single worker covering everything.
	results := must.M1(interp.New().RunFunc(fn))
	assert.Equal(t, []any{int64(0), int64(1), int64(0), int64(1)}, results)

	in := &interp.Interpreter{WorkgroupID: []int64{3}, WorkgroupCount: []int64{8}}
	results = must.M1(in.RunFunc(fn))
	// Dimension 1 is beyond the configured grid and falls back to 0 of 1.
	assert.Equal(t, []any{int64(3), int64(8), int64(0), int64(1)}, results)
}
