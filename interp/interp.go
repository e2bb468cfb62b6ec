package interp

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/gomlx/tiling/ir"
)

// Interpreter evaluates functions. WorkgroupID/WorkgroupCount give the
// runtime values of the workgroup-identification ops, per distribution
// dimension; they default to id 0 of 1, i.e. a single worker executing
// every distributed iteration.
type Interpreter struct {
	WorkgroupID    []int64
	WorkgroupCount []int64
}

// New returns a single-worker interpreter.
func New() *Interpreter {
	return &Interpreter{}
}

// env binds IR values to runtime values: int64 for index scalars, *Tensor
// otherwise.
type env map[*ir.Value]any

// RunFunc evaluates fn on the given arguments (int64 or *Tensor, one per
// function argument) and returns the values of its return op, if any.
func (in *Interpreter) RunFunc(fn *ir.Func, args ...any) ([]any, error) {
	if len(args) != fn.NumArgs() {
		return nil, errors.Errorf("function %s takes %d arguments, got %d", fn.Name(), fn.NumArgs(), len(args))
	}
	e := make(env)
	for i, arg := range args {
		e[fn.Arg(i)] = arg
	}
	return in.evalBlock(e, fn.Body())
}

// evalBlock runs the ops of a block and returns the operands of its
// terminator (yield or return), or nil if the block has none.
func (in *Interpreter) evalBlock(e env, block *ir.Block) ([]any, error) {
	for _, op := range block.Ops() {
		switch op.Kind() {
		case ir.OpYield, ir.OpReturn:
			results := make([]any, op.NumOperands())
			for i, operand := range op.Operands() {
				value, found := e[operand]
				if !found {
					return nil, errors.Errorf("%s references an unbound value", op.Kind())
				}
				results[i] = value
			}
			return results, nil
		}
		if err := in.evalOp(e, op); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (in *Interpreter) index(e env, v *ir.Value) (int64, error) {
	value, found := e[v]
	if !found {
		return 0, errors.New("unbound index value")
	}
	idx, ok := value.(int64)
	if !ok {
		return 0, errors.Errorf("expected an index value, got %T", value)
	}
	return idx, nil
}

func (in *Interpreter) tensor(e env, v *ir.Value) (*Tensor, error) {
	value, found := e[v]
	if !found {
		return nil, errors.New("unbound tensor value")
	}
	t, ok := value.(*Tensor)
	if !ok {
		return nil, errors.Errorf("expected a tensor value, got %T", value)
	}
	return t, nil
}

// resolveMixed resolves static/dynamic offsets or sizes to concrete ints.
func (in *Interpreter) resolveMixed(e env, mixed []ir.ConstOrValue) ([]int, error) {
	resolved := make([]int, len(mixed))
	for i, cv := range mixed {
		if cv.IsStatic() {
			resolved[i] = int(cv.StaticValue())
			continue
		}
		idx, err := in.index(e, cv.Value())
		if err != nil {
			return nil, err
		}
		resolved[i] = int(idx)
	}
	return resolved, nil
}

func (in *Interpreter) evalOp(e env, op *ir.Op) error {
	switch op.Kind() {
	case ir.OpConstantIndex:
		e[op.Result(0)] = op.Attr("value").(int64)
		return nil

	case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpMin:
		lhs, err := in.index(e, op.Operand(0))
		if err != nil {
			return err
		}
		rhs, err := in.index(e, op.Operand(1))
		if err != nil {
			return err
		}
		var result int64
		switch op.Kind() {
		case ir.OpAdd:
			result = lhs + rhs
		case ir.OpSub:
			result = lhs - rhs
		case ir.OpMul:
			result = lhs * rhs
		case ir.OpMin:
			result = min(lhs, rhs)
		}
		e[op.Result(0)] = result
		return nil

	case ir.OpDim:
		t, err := in.tensor(e, op.Operand(0))
		if err != nil {
			return err
		}
		e[op.Result(0)] = int64(t.Shape.Dimensions[op.IntAttr("axis")])
		return nil

	case ir.OpWorkgroupID:
		e[op.Result(0)] = at(in.WorkgroupID, op.IntAttr("dim"), 0)
		return nil
	case ir.OpWorkgroupCount:
		e[op.Result(0)] = at(in.WorkgroupCount, op.IntAttr("dim"), 1)
		return nil

	case ir.OpFor:
		return in.evalFor(e, op)
	case ir.OpExtractSlice:
		return in.evalExtractSlice(e, op)
	case ir.OpInsertSlice:
		return in.evalInsertSlice(e, op)
	case ir.OpMatmul:
		return in.evalMatmul(e, op)
	case ir.OpSort:
		return in.evalSort(e, op)
	case ir.OpScatter:
		return in.evalScatter(e, op, false)
	case ir.OpScatterInPlace:
		return in.evalScatter(e, op, true)
	}
	return errors.Errorf("interpreter does not handle op %s", op.Kind())
}

func at(values []int64, dim int, deflt int64) int64 {
	if dim < len(values) {
		return values[dim]
	}
	return deflt
}

func (in *Interpreter) evalFor(e env, op *ir.Op) error {
	lb, err := in.index(e, op.Operand(0))
	if err != nil {
		return err
	}
	ub, err := in.index(e, op.Operand(1))
	if err != nil {
		return err
	}
	step, err := in.index(e, op.Operand(2))
	if err != nil {
		return err
	}
	if step <= 0 {
		return errors.Errorf("for loop with non-positive step %d", step)
	}
	body := op.Body(0)
	carried := make([]any, op.NumOperands()-3)
	for i := range carried {
		carried[i] = e[op.Operand(3 + i)]
	}
	for iv := lb; iv < ub; iv += step {
		e[body.Arg(0)] = iv
		for i, value := range carried {
			e[body.Arg(1+i)] = value
		}
		yielded, err := in.evalBlock(e, body)
		if err != nil {
			return err
		}
		if len(yielded) != len(carried) {
			return errors.Errorf("for body yielded %d values, loop carries %d", len(yielded), len(carried))
		}
		carried = yielded
	}
	for i, result := range op.Results() {
		e[result] = carried[i]
	}
	return nil
}

func (in *Interpreter) evalExtractSlice(e env, op *ir.Op) error {
	src, err := in.tensor(e, op.Operand(0))
	if err != nil {
		return err
	}
	offsets, err := in.resolveMixed(e, ir.SliceOffsets(op))
	if err != nil {
		return err
	}
	sizes, err := in.resolveMixed(e, ir.SliceSizes(op))
	if err != nil {
		return err
	}
	outShape := src.Shape
	outShape.Dimensions = sizes
	out := &Tensor{Shape: outShape, Data: make([]float64, numElements(sizes))}
	srcIndices := make([]int, len(sizes))
	iterIndices(sizes, func(indices []int) {
		for axis, idx := range indices {
			srcIndices[axis] = idx + offsets[axis]
		}
		out.Set(src.At(srcIndices...), indices...)
	})
	e[op.Result(0)] = out
	return nil
}

func (in *Interpreter) evalInsertSlice(e env, op *ir.Op) error {
	src, err := in.tensor(e, op.Operand(0))
	if err != nil {
		return err
	}
	dest, err := in.tensor(e, op.Operand(1))
	if err != nil {
		return err
	}
	offsets, err := in.resolveMixed(e, ir.SliceOffsets(op))
	if err != nil {
		return err
	}
	out := dest.Clone()
	destIndices := make([]int, src.Shape.Rank())
	iterIndices(src.Shape.Dimensions, func(indices []int) {
		for axis, idx := range indices {
			destIndices[axis] = idx + offsets[axis]
		}
		out.Set(src.At(indices...), destIndices...)
	})
	e[op.Result(0)] = out
	return nil
}

func (in *Interpreter) evalMatmul(e env, op *ir.Op) error {
	lhs, err := in.tensor(e, op.Operand(0))
	if err != nil {
		return err
	}
	rhs, err := in.tensor(e, op.Operand(1))
	if err != nil {
		return err
	}
	acc, err := in.tensor(e, op.Operand(2))
	if err != nil {
		return err
	}
	m, k := lhs.Shape.Dimensions[0], lhs.Shape.Dimensions[1]
	n := rhs.Shape.Dimensions[1]
	if rhs.Shape.Dimensions[0] != k || acc.Shape.Dimensions[0] != m || acc.Shape.Dimensions[1] != n {
		return errors.Errorf("matmul shape mismatch: %s x %s into %s", lhs.Shape, rhs.Shape, acc.Shape)
	}
	out := acc.Clone()
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			sum := 0.0
			for kk := 0; kk < k; kk++ {
				sum += lhs.At(i, kk) * rhs.At(kk, j)
			}
			out.Set(out.At(i, j)+sum, i, j)
		}
	}
	e[op.Result(0)] = out
	return nil
}

func (in *Interpreter) evalSort(e env, op *ir.Op) error {
	input, err := in.tensor(e, op.Operand(0))
	if err != nil {
		return err
	}
	axis := op.IntAttr("axis")
	out := input.Clone()
	dims := out.Shape.Dimensions
	laneDims := make([]int, 0, len(dims)-1)
	for i, dim := range dims {
		if i != axis {
			laneDims = append(laneDims, dim)
		}
	}
	lane := make([]float64, dims[axis])
	fullIndices := make([]int, len(dims))
	iterIndices(laneDims, func(indices []int) {
		pos := 0
		for i := range fullIndices {
			if i == axis {
				continue
			}
			fullIndices[i] = indices[pos]
			pos++
		}
		for i := 0; i < dims[axis]; i++ {
			fullIndices[axis] = i
			lane[i] = out.At(fullIndices...)
		}
		sort.Float64s(lane)
		for i := 0; i < dims[axis]; i++ {
			fullIndices[axis] = i
			out.Set(lane[i], fullIndices...)
		}
	})
	e[op.Result(0)] = out
	return nil
}

func (in *Interpreter) evalScatter(e env, op *ir.Op, inPlace bool) error {
	dest, err := in.tensor(e, op.Operand(0))
	if err != nil {
		return err
	}
	indices, err := in.tensor(e, op.Operand(1))
	if err != nil {
		return err
	}
	updates, err := in.tensor(e, op.Operand(2))
	if err != nil {
		return err
	}
	out := dest
	if !inPlace {
		out = dest.Clone()
	}
	batch := updates.Shape.Dimensions[0]
	rowDims := updates.Shape.Dimensions[1:]
	updateIndices := make([]int, updates.Shape.Rank())
	destIndices := make([]int, updates.Shape.Rank())
	for b := 0; b < batch; b++ {
		row := int(indices.At(b))
		if row < 0 || row >= dest.Shape.Dimensions[0] {
			return errors.Errorf("scatter index %d out of range for destination %s", row, dest.Shape)
		}
		updateIndices[0], destIndices[0] = b, row
		iterIndices(rowDims, func(rest []int) {
			copy(updateIndices[1:], rest)
			copy(destIndices[1:], rest)
			out.Set(updates.At(updateIndices...), destIndices...)
		})
	}
	if !inPlace {
		e[op.Result(0)] = out
	}
	return nil
}
