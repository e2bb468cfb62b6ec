package ir

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/shapes"
)

// dynMarker is the sentinel used in static_offsets/static_sizes attributes
// for entries whose value is a runtime operand.
const dynMarker = math.MinInt64

// Builder inserts new ops at a fixed position of a block, advancing as ops
// are created. Use NewBuilder to append to a function body, or
// NewBuilderBefore to insert in front of an existing op (the usual position
// when rewriting).
//
// Builder methods panic (with exceptions) on caller contract violations like
// shape mismatches; they do not return errors.
type Builder struct {
	fn     *Func
	block  *Block
	pos    int
	consts map[int64]*Value

	// journal, when set, records created ops so a failed rewrite can be
	// rolled back. Shared with child builders.
	journal *journal
}

type journal struct {
	created []*Op
}

// NewBuilder returns a builder appending at the end of the function body.
func NewBuilder(fn *Func) *Builder {
	return &Builder{fn: fn, block: fn.body, pos: len(fn.body.ops), consts: make(map[int64]*Value)}
}

// NewBuilderBefore returns a builder inserting immediately before the given
// op.
func NewBuilderBefore(op *Op) *Builder {
	block := op.parent
	if block == nil {
		exceptions.Panicf("NewBuilderBefore: op %s is not inserted in a block", op.kind)
	}
	return &Builder{fn: enclosingFunc(block), block: block, pos: block.index(op), consts: make(map[int64]*Value)}
}

// enclosingFunc walks up nested blocks to the function body.
func enclosingFunc(block *Block) *Func {
	for block != nil {
		if block.fn != nil {
			return block.fn
		}
		if block.op == nil {
			return nil
		}
		block = block.op.parent
	}
	return nil
}

// Func returns the function being built into.
func (b *Builder) Func() *Func { return b.fn }

// childBuilder returns a builder appending into a nested block.
func (b *Builder) childBuilder(block *Block) *Builder {
	return &Builder{fn: b.fn, block: block, pos: len(block.ops), consts: make(map[int64]*Value), journal: b.journal}
}

// NewOp creates an op of the given kind at the insertion point. It is the
// low-level constructor used by operation packages to define their own op
// kinds; prefer the typed constructors below for the substrate ops.
func (b *Builder) NewOp(kind OpKind, operands []*Value, resultShapes []shapes.Shape, attrs map[string]any) *Op {
	op := &Op{kind: kind, operands: operands, attrs: attrs}
	op.results = make([]*Value, len(resultShapes))
	for i, shape := range resultShapes {
		op.results[i] = &Value{shape: shape, def: op, resultIdx: i}
	}
	b.block.insertAt(b.pos, op)
	b.pos++
	if b.journal != nil {
		b.journal.created = append(b.journal.created, op)
	}
	return op
}

// ConstantIndex returns an index-typed constant, reusing a previously built
// one when this builder already created it.
func (b *Builder) ConstantIndex(c int64) *Value {
	if v, found := b.consts[c]; found {
		return v
	}
	op := b.NewOp(OpConstantIndex, nil, []shapes.Shape{Index()}, map[string]any{"value": c})
	b.consts[c] = op.Result(0)
	return op.Result(0)
}

func (b *Builder) checkIndex(name string, values ...*Value) {
	for _, v := range values {
		if !v.Shape().IsScalar() {
			exceptions.Panicf("%s: operand must be index-typed, got shape %s", name, v.Shape())
		}
	}
}

func (b *Builder) binaryIndexOp(kind OpKind, lhs, rhs *Value, fold func(a, c int64) int64) *Value {
	b.checkIndex(kind.String(), lhs, rhs)
	if a, okA := MatchConstant(lhs); okA {
		if c, okC := MatchConstant(rhs); okC {
			return b.ConstantIndex(fold(a, c))
		}
	}
	op := b.NewOp(kind, []*Value{lhs, rhs}, []shapes.Shape{Index()}, nil)
	return op.Result(0)
}

// Add returns lhs+rhs, folded to a constant when both sides are.
func (b *Builder) Add(lhs, rhs *Value) *Value {
	return b.binaryIndexOp(OpAdd, lhs, rhs, func(a, c int64) int64 { return a + c })
}

// Sub returns lhs-rhs, folded to a constant when both sides are.
func (b *Builder) Sub(lhs, rhs *Value) *Value {
	return b.binaryIndexOp(OpSub, lhs, rhs, func(a, c int64) int64 { return a - c })
}

// Mul returns lhs*rhs, folded to a constant when both sides are.
func (b *Builder) Mul(lhs, rhs *Value) *Value {
	return b.binaryIndexOp(OpMul, lhs, rhs, func(a, c int64) int64 { return a * c })
}

// Min returns min(lhs, rhs), folded to a constant when both sides are.
func (b *Builder) Min(lhs, rhs *Value) *Value {
	return b.binaryIndexOp(OpMin, lhs, rhs, func(a, c int64) int64 {
		if a < c {
			return a
		}
		return c
	})
}

// Dim returns the size of the given axis of a tensor value: a constant when
// the dimension is statically known, a dim op otherwise.
func (b *Builder) Dim(tensor *Value, axis int) *Value {
	shape := tensor.Shape()
	if axis < 0 || axis >= shape.Rank() {
		exceptions.Panicf("dim: axis %d out of range for shape %s", axis, shape)
	}
	if dim := shape.Dimensions[axis]; !IsDynDim(dim) {
		return b.ConstantIndex(int64(dim))
	}
	op := b.NewOp(OpDim, []*Value{tensor}, []shapes.Shape{Index()}, map[string]any{"axis": axis})
	return op.Result(0)
}

// DimOf is like Dim but keeps statically known dimensions unmaterialized.
func (b *Builder) DimOf(tensor *Value, axis int) ConstOrValue {
	shape := tensor.Shape()
	if dim := shape.Dimensions[axis]; !IsDynDim(dim) {
		return Static(int64(dim))
	}
	return Dynamic(b.Dim(tensor, axis))
}

// Materialize returns a Value for cv, building a constant op only when cv is
// static.
func (b *Builder) Materialize(cv ConstOrValue) *Value {
	if cv.IsStatic() {
		return b.ConstantIndex(cv.StaticValue())
	}
	return cv.Value()
}

// For builds a loop op over [lb, ub) with the given step. The body is
// populated by bodyFn, called with a builder positioned inside the new body
// block, the induction variable and the iteration-carried arguments (one per
// init value). The loop has one result per init value; bodyFn is expected to
// finish the body with Yield, but For does not enforce it so that a failing
// body construction can be abandoned by the caller.
func (b *Builder) For(lb, ub, step *Value, inits []*Value, bodyFn func(b *Builder, iv *Value, iterArgs []*Value)) *Op {
	b.checkIndex("for", lb, ub, step)
	body := &Block{}
	iv := body.addArg(Index())
	iterArgs := make([]*Value, len(inits))
	resultShapes := make([]shapes.Shape, len(inits))
	for i, init := range inits {
		iterArgs[i] = body.addArg(init.Shape())
		resultShapes[i] = init.Shape()
	}
	operands := append([]*Value{lb, ub, step}, inits...)
	op := b.NewOp(OpFor, operands, resultShapes, nil)
	op.blocks = []*Block{body}
	body.op = op
	bodyFn(b.childBuilder(body), iv, iterArgs)
	return op
}

// Yield terminates a loop body, forwarding the iteration-carried values.
func (b *Builder) Yield(values ...*Value) *Op {
	return b.NewOp(OpYield, values, nil, nil)
}

// Return terminates a function body.
func (b *Builder) Return(values ...*Value) *Op {
	return b.NewOp(OpReturn, values, nil, nil)
}

// WorkgroupID returns the runtime id of the executing workgroup along the
// given distribution dimension.
func (b *Builder) WorkgroupID(dim int) *Value {
	op := b.NewOp(OpWorkgroupID, nil, []shapes.Shape{Index()}, map[string]any{"dim": dim})
	return op.Result(0)
}

// WorkgroupCount returns the runtime number of workgroups along the given
// distribution dimension.
func (b *Builder) WorkgroupCount(dim int) *Value {
	op := b.NewOp(OpWorkgroupCount, nil, []shapes.Shape{Index()}, map[string]any{"dim": dim})
	return op.Result(0)
}

// encodeMixed splits offsets/sizes into a static attribute (with dynMarker
// holes) plus the dynamic operands filling those holes, in order.
func encodeMixed(mixed []ConstOrValue) (statics []int64, dynamic []*Value) {
	statics = make([]int64, len(mixed))
	for i, cv := range mixed {
		if cv.IsStatic() {
			statics[i] = cv.StaticValue()
		} else {
			statics[i] = dynMarker
			dynamic = append(dynamic, cv.Value())
		}
	}
	return
}

func decodeMixed(statics []int64, dynamic []*Value) []ConstOrValue {
	mixed := make([]ConstOrValue, len(statics))
	cursor := 0
	for i, s := range statics {
		if s == dynMarker {
			mixed[i] = Dynamic(dynamic[cursor])
			cursor++
		} else {
			mixed[i] = Static(s)
		}
	}
	return mixed
}

func countDynamic(statics []int64) int {
	count := 0
	for _, s := range statics {
		if s == dynMarker {
			count++
		}
	}
	return count
}

// ExtractSlice reads the sub-range of src starting at offsets with the given
// sizes, with unit strides. The result shape has static dimensions where the
// sizes are static and DynDim elsewhere.
func (b *Builder) ExtractSlice(src *Value, offsets, sizes []ConstOrValue) *Value {
	rank := src.Shape().Rank()
	if len(offsets) != rank || len(sizes) != rank {
		exceptions.Panicf("extract_slice: %d offsets / %d sizes for rank-%d source", len(offsets), len(sizes), rank)
	}
	staticOffsets, dynOffsets := encodeMixed(offsets)
	staticSizes, dynSizes := encodeMixed(sizes)
	dims := make([]int, rank)
	for i, s := range staticSizes {
		if s == dynMarker {
			dims[i] = DynDim
		} else {
			dims[i] = int(s)
		}
	}
	operands := append([]*Value{src}, dynOffsets...)
	operands = append(operands, dynSizes...)
	op := b.NewOp(OpExtractSlice, operands,
		[]shapes.Shape{MakeShape(src.Shape().DType, dims...)},
		map[string]any{"static_offsets": staticOffsets, "static_sizes": staticSizes})
	return op.Result(0)
}

// InsertSlice writes src into the sub-range of dest starting at offsets with
// the given sizes, with unit strides, and returns the updated tensor.
func (b *Builder) InsertSlice(src, dest *Value, offsets, sizes []ConstOrValue) *Value {
	rank := dest.Shape().Rank()
	if len(offsets) != rank || len(sizes) != rank {
		exceptions.Panicf("insert_slice: %d offsets / %d sizes for rank-%d destination", len(offsets), len(sizes), rank)
	}
	if src.Shape().Rank() != rank {
		exceptions.Panicf("insert_slice: rank mismatch between source (%s) and destination (%s)", src.Shape(), dest.Shape())
	}
	staticOffsets, dynOffsets := encodeMixed(offsets)
	staticSizes, dynSizes := encodeMixed(sizes)
	operands := append([]*Value{src, dest}, dynOffsets...)
	operands = append(operands, dynSizes...)
	op := b.NewOp(OpInsertSlice, operands,
		[]shapes.Shape{dest.Shape()},
		map[string]any{"static_offsets": staticOffsets, "static_sizes": staticSizes})
	return op.Result(0)
}

// SliceOffsets decodes the mixed static/dynamic offsets of an extract_slice
// or insert_slice op.
func SliceOffsets(op *Op) []ConstOrValue {
	statics := op.Int64sAttr("static_offsets")
	start := sliceFixedOperands(op)
	return decodeMixed(statics, op.operands[start:start+countDynamic(statics)])
}

// SliceSizes decodes the mixed static/dynamic sizes of an extract_slice or
// insert_slice op.
func SliceSizes(op *Op) []ConstOrValue {
	staticOffsets := op.Int64sAttr("static_offsets")
	statics := op.Int64sAttr("static_sizes")
	start := sliceFixedOperands(op) + countDynamic(staticOffsets)
	return decodeMixed(statics, op.operands[start:start+countDynamic(statics)])
}

func sliceFixedOperands(op *Op) int {
	switch op.kind {
	case OpExtractSlice:
		return 1
	case OpInsertSlice:
		return 2
	}
	exceptions.Panicf("op %s has no slice offsets/sizes", op.kind)
	return 0
}
