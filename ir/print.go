package ir

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/exp/maps"
)

// Textual form of the IR, the surface used by transformation tests: build a
// function, run a pass, compare the printed result.

type printer struct {
	sb     strings.Builder
	names  map[*Value]string
	taken  map[string]bool
	nextID int
}

func newPrinter() *printer {
	return &printer{names: make(map[*Value]string), taken: make(map[string]bool)}
}

func (p *printer) unique(base string) string {
	name := base
	for suffix := 0; p.taken[name]; suffix++ {
		name = fmt.Sprintf("%s_%d", base, suffix)
	}
	p.taken[name] = true
	return name
}

func (p *printer) name(v *Value) string {
	if name, found := p.names[v]; found {
		return name
	}
	var name string
	switch {
	case v.owner != nil && v.owner.fn != nil:
		name = p.unique(fmt.Sprintf("%%arg%d", v.argIdx))
	case v.def != nil && v.def.kind == OpConstantIndex:
		name = p.unique(fmt.Sprintf("%%c%d", v.def.Attr("value").(int64)))
	default:
		name = p.unique(fmt.Sprintf("%%%d", p.nextID))
		p.nextID++
	}
	p.names[v] = name
	return name
}

func (p *printer) nameList(values []*Value) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = p.name(v)
	}
	return strings.Join(parts, ", ")
}

func (p *printer) mixedList(mixed []ConstOrValue) string {
	parts := make([]string, len(mixed))
	for i, cv := range mixed {
		if cv.IsStatic() {
			parts[i] = fmt.Sprintf("%d", cv.StaticValue())
		} else {
			parts[i] = p.name(cv.Value())
		}
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (p *printer) indent(depth int) {
	p.sb.WriteString(strings.Repeat("  ", depth))
}

// attrSuffix prints remaining attributes in a stable order, skipping the ones
// the op syntax already displays.
func (p *printer) attrSuffix(op *Op, skip ...string) string {
	if len(op.attrs) == 0 {
		return ""
	}
	skipped := make(map[string]bool, len(skip))
	for _, key := range skip {
		skipped[key] = true
	}
	keys := maps.Keys(op.attrs)
	sort.Strings(keys)
	var parts []string
	for _, key := range keys {
		if skipped[key] {
			continue
		}
		switch value := op.attrs[key].(type) {
		case string:
			parts = append(parts, fmt.Sprintf("%s=%q", key, value))
		default:
			parts = append(parts, fmt.Sprintf("%s=%v", key, value))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return " {" + strings.Join(parts, ", ") + "}"
}

func (p *printer) printOp(op *Op, depth int) {
	p.indent(depth)
	if op.NumResults() > 0 {
		parts := make([]string, op.NumResults())
		for i, result := range op.Results() {
			parts[i] = p.name(result)
		}
		p.sb.WriteString(strings.Join(parts, ", "))
		p.sb.WriteString(" = ")
	}
	switch op.kind {
	case OpConstantIndex:
		fmt.Fprintf(&p.sb, "constant %d", op.Attr("value").(int64))
	case OpDim:
		fmt.Fprintf(&p.sb, "dim %s, %d", p.name(op.Operand(0)), op.IntAttr("axis"))
	case OpWorkgroupID, OpWorkgroupCount:
		fmt.Fprintf(&p.sb, "%s[%d]", op.kind, op.IntAttr("dim"))
	case OpFor:
		body := op.Body(0)
		fmt.Fprintf(&p.sb, "for %s = %s to %s step %s",
			p.name(body.Arg(0)), p.name(op.Operand(0)), p.name(op.Operand(1)), p.name(op.Operand(2)))
		if op.NumOperands() > 3 {
			var iters []string
			for i, init := range op.operands[3:] {
				iters = append(iters, fmt.Sprintf("%s = %s", p.name(body.Arg(i+1)), p.name(init)))
			}
			fmt.Fprintf(&p.sb, " iter(%s)", strings.Join(iters, ", "))
		}
		p.sb.WriteString(" {\n")
		for _, inner := range body.ops {
			p.printOp(inner, depth+1)
		}
		p.indent(depth)
		p.sb.WriteString("}")
	case OpYield, OpReturn:
		p.sb.WriteString(op.kind.String())
		if op.NumOperands() > 0 {
			p.sb.WriteString(" " + p.nameList(op.operands))
		}
	case OpExtractSlice:
		fmt.Fprintf(&p.sb, "extract_slice %s%s %s : %s",
			p.name(op.Operand(0)), p.mixedList(SliceOffsets(op)), p.mixedList(SliceSizes(op)),
			op.Result(0).Shape())
	case OpInsertSlice:
		fmt.Fprintf(&p.sb, "insert_slice %s into %s%s %s",
			p.name(op.Operand(0)), p.name(op.Operand(1)),
			p.mixedList(SliceOffsets(op)), p.mixedList(SliceSizes(op)))
	default:
		p.sb.WriteString(op.kind.String())
		if op.NumOperands() > 0 {
			p.sb.WriteString(" " + p.nameList(op.operands))
		}
		p.sb.WriteString(p.attrSuffix(op))
		if op.NumResults() == 1 {
			fmt.Fprintf(&p.sb, " : %s", op.Result(0).Shape())
		}
	}
	if op.kind != OpFor {
		// Marker and other non-structural attributes.
		switch op.kind {
		case OpConstantIndex:
			p.sb.WriteString(p.attrSuffix(op, "value"))
		case OpDim, OpWorkgroupID, OpWorkgroupCount:
			p.sb.WriteString(p.attrSuffix(op, "axis", "dim"))
		case OpExtractSlice, OpInsertSlice:
			p.sb.WriteString(p.attrSuffix(op, "static_offsets", "static_sizes"))
		}
	} else {
		p.sb.WriteString(p.attrSuffix(op))
	}
	p.sb.WriteString("\n")
}

// String prints the function in its textual form.
func (f *Func) String() string {
	p := newPrinter()
	var args []string
	for _, arg := range f.body.args {
		args = append(args, fmt.Sprintf("%s: %s", p.name(arg), arg.Shape()))
	}
	fmt.Fprintf(&p.sb, "func @%s(%s) {\n", f.name, strings.Join(args, ", "))
	for _, op := range f.body.ops {
		p.printOp(op, 1)
	}
	p.sb.WriteString("}\n")
	return p.sb.String()
}

// String prints a single op (without its nested regions' sharing of names
// with the enclosing function).
func (op *Op) String() string {
	p := newPrinter()
	p.printOp(op, 0)
	return strings.TrimSuffix(p.sb.String(), "\n")
}
