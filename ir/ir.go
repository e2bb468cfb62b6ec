// Package ir implements a small region-based tensor IR: enough of an
// operation/value substrate to build, rewrite and print loop nests over
// tensor computations.
//
// Values are SSA-like: each is either the result of an Op or an argument of a
// Block. Tensor types are shapes.Shape values (see github.com/gomlx/gomlx),
// where a dimension of DynDim (-1) means the size is only known at runtime.
// Index-typed scalars are represented as Int64 scalar shapes.
package ir

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// OpKind identifies the operation performed by an Op.
type OpKind int

const (
	OpInvalid OpKind = iota

	// Index arithmetic and constants.
	OpConstantIndex
	OpAdd
	OpSub
	OpMul
	OpMin
	OpDim

	// Control flow.
	OpFor
	OpYield
	OpReturn

	// Sub-range reads and writes.
	OpExtractSlice
	OpInsertSlice

	// Runtime workgroup identification, used by distribution policies.
	OpWorkgroupID
	OpWorkgroupCount

	// Tensor computations.
	OpMatmul
	OpSort
	OpScatter
	OpScatterInPlace
)

var opKindNames = map[OpKind]string{
	OpConstantIndex:  "constant",
	OpAdd:            "add",
	OpSub:            "sub",
	OpMul:            "mul",
	OpMin:            "min",
	OpDim:            "dim",
	OpFor:            "for",
	OpYield:          "yield",
	OpReturn:         "return",
	OpExtractSlice:   "extract_slice",
	OpInsertSlice:    "insert_slice",
	OpWorkgroupID:    "workgroup_id",
	OpWorkgroupCount: "workgroup_count",
	OpMatmul:         "matmul",
	OpSort:           "sort",
	OpScatter:        "scatter",
	OpScatterInPlace: "scatter_inplace",
}

// String implements fmt.Stringer.
func (k OpKind) String() string {
	if name, found := opKindNames[k]; found {
		return name
	}
	return "invalid"
}

// DynDim marks a dimension whose size is only known at runtime.
const DynDim = -1

// Index returns the shape used for index-typed scalar values (loop bounds,
// offsets, sizes).
func Index() shapes.Shape {
	return shapes.Make(dtypes.Int64)
}

// MakeShape builds a tensor shape that, unlike shapes.Make, accepts DynDim
// dimensions.
func MakeShape(dtype dtypes.DType, dimensions ...int) shapes.Shape {
	for _, dim := range dimensions {
		if dim <= 0 && dim != DynDim {
			exceptions.Panicf("ir.MakeShape(%s, %v): dimensions must be positive or DynDim", dtype, dimensions)
		}
	}
	dims := make([]int, len(dimensions))
	copy(dims, dimensions)
	return shapes.Shape{DType: dtype, Dimensions: dims}
}

// IsDynDim returns whether the dimension size is only known at runtime.
func IsDynDim(dim int) bool { return dim == DynDim }

// Value is the result of an Op or an argument of a Block.
type Value struct {
	shape shapes.Shape

	// Result values:
	def       *Op
	resultIdx int

	// Block arguments:
	owner  *Block
	argIdx int
}

// Shape of the value.
func (v *Value) Shape() shapes.Shape { return v.shape }

// DefiningOp returns the Op that produces this value, or nil for block
// arguments.
func (v *Value) DefiningOp() *Op { return v.def }

// IsBlockArg returns whether this value is a block argument.
func (v *Value) IsBlockArg() bool { return v.owner != nil }

// Op is one operation of the IR: a kind, operands, results, attributes and,
// for structured ops like For, nested blocks.
type Op struct {
	kind     OpKind
	operands []*Value
	results  []*Value
	attrs    map[string]any
	blocks   []*Block
	parent   *Block
}

// Kind of the operation.
func (op *Op) Kind() OpKind { return op.kind }

// NumOperands returns the number of operands.
func (op *Op) NumOperands() int { return len(op.operands) }

// Operand returns the i-th operand.
func (op *Op) Operand(i int) *Value { return op.operands[i] }

// Operands returns the operand list. The returned slice is owned by the Op.
func (op *Op) Operands() []*Value { return op.operands }

// NumResults returns the number of results.
func (op *Op) NumResults() int { return len(op.results) }

// Result returns the i-th result value.
func (op *Op) Result(i int) *Value { return op.results[i] }

// Results returns the result values. The returned slice is owned by the Op.
func (op *Op) Results() []*Value { return op.results }

// Body returns the i-th nested block.
func (op *Op) Body(i int) *Block { return op.blocks[i] }

// NumBlocks returns the number of nested blocks.
func (op *Op) NumBlocks() int { return len(op.blocks) }

// ParentBlock returns the block holding this op.
func (op *Op) ParentBlock() *Block { return op.parent }

// Attr returns the attribute value for key, or nil if not set.
func (op *Op) Attr(key string) any {
	if op.attrs == nil {
		return nil
	}
	return op.attrs[key]
}

// HasAttr returns whether the attribute is set.
func (op *Op) HasAttr(key string) bool {
	_, found := op.attrs[key]
	return found
}

// SetAttr sets an attribute on the op.
func (op *Op) SetAttr(key string, value any) {
	if op.attrs == nil {
		op.attrs = make(map[string]any)
	}
	op.attrs[key] = value
}

// RemoveAttr removes the attribute, if set.
func (op *Op) RemoveAttr(key string) {
	delete(op.attrs, key)
}

// IntAttr returns an int attribute. It panics if the attribute is missing or
// of the wrong type: used for attributes that are structural to the op kind.
func (op *Op) IntAttr(key string) int {
	value, ok := op.Attr(key).(int)
	if !ok {
		exceptions.Panicf("op %s: attribute %q is not an int (%v)", op.kind, key, op.Attr(key))
	}
	return value
}

// Int64sAttr returns an []int64 attribute, or nil if not set.
func (op *Op) Int64sAttr(key string) []int64 {
	value, _ := op.Attr(key).([]int64)
	return value
}

// StrAttr returns a string attribute, or "" if not set.
func (op *Op) StrAttr(key string) string {
	value, _ := op.Attr(key).(string)
	return value
}

// Block is an ordered list of ops plus the block arguments (the induction
// variable and iteration-carried values, for loop bodies).
type Block struct {
	op   *Op   // Owning op, nil for a function body.
	fn   *Func // Set for function bodies.
	args []*Value
	ops  []*Op
}

// NumArgs returns the number of block arguments.
func (b *Block) NumArgs() int { return len(b.args) }

// Arg returns the i-th block argument.
func (b *Block) Arg(i int) *Value { return b.args[i] }

// Args returns the block arguments. The returned slice is owned by the Block.
func (b *Block) Args() []*Value { return b.args }

// Ops returns the ops of the block, in order. The returned slice is owned by
// the Block.
func (b *Block) Ops() []*Op { return b.ops }

// ParentOp returns the op owning this block, or nil for function bodies.
func (b *Block) ParentOp() *Op { return b.op }

func (b *Block) addArg(shape shapes.Shape) *Value {
	arg := &Value{shape: shape, owner: b, argIdx: len(b.args)}
	b.args = append(b.args, arg)
	return arg
}

func (b *Block) insertAt(pos int, op *Op) {
	if pos < 0 || pos > len(b.ops) {
		exceptions.Panicf("block insertion position %d out of range (%d ops)", pos, len(b.ops))
	}
	b.ops = append(b.ops, nil)
	copy(b.ops[pos+1:], b.ops[pos:])
	b.ops[pos] = op
	op.parent = b
}

func (b *Block) remove(op *Op) {
	for i, o := range b.ops {
		if o == op {
			b.ops = append(b.ops[:i], b.ops[i+1:]...)
			op.parent = nil
			return
		}
	}
	exceptions.Panicf("op %s is not in the block it claims as parent", op.kind)
}

// index returns the position of op in the block, or -1.
func (b *Block) index(op *Op) int {
	for i, o := range b.ops {
		if o == op {
			return i
		}
	}
	return -1
}

// Func is a function: named, with typed arguments and a single body block.
type Func struct {
	name string
	body *Block
}

// NewFunc creates a function whose body block has one argument per given
// shape.
func NewFunc(name string, argShapes ...shapes.Shape) *Func {
	fn := &Func{name: name}
	fn.body = &Block{fn: fn}
	for _, shape := range argShapes {
		fn.body.addArg(shape)
	}
	return fn
}

// Name of the function.
func (f *Func) Name() string { return f.name }

// Body block of the function.
func (f *Func) Body() *Block { return f.body }

// NumArgs returns the number of function arguments.
func (f *Func) NumArgs() int { return f.body.NumArgs() }

// Arg returns the i-th function argument value.
func (f *Func) Arg(i int) *Value { return f.body.Arg(i) }

// WalkOps visits every op of the function in program order, including ops
// nested in loop bodies.
func (f *Func) WalkOps(visit func(op *Op)) {
	walkBlock(f.body, visit)
}

func walkBlock(block *Block, visit func(op *Op)) {
	for _, op := range block.ops {
		visit(op)
		for _, nested := range op.blocks {
			walkBlock(nested, visit)
		}
	}
}

// CountOps returns the number of ops in the function, including nested ones.
func (f *Func) CountOps() int {
	count := 0
	f.WalkOps(func(*Op) { count++ })
	return count
}
