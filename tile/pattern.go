package tile

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/tiling/ir"
)

// MarkerAttr is the attribute used to select which operations a tiling
// pattern applies to and to stamp the operations it produced.
const MarkerAttr = "tiling.transform"

// TransformFilter gates a pattern on the MarkerAttr value and rewrites it
// on success, so a pattern never re-matches its own output.
type TransformFilter struct {
	// Input is the marker an op must carry to match. If empty, the
	// pattern matches ops without any marker.
	Input string

	// Output is stamped on the tiled operation. If empty the marker is
	// removed instead.
	Output string
}

func (f TransformFilter) check(rw *ir.Rewriter, op *ir.Op) error {
	marker := op.StrAttr(MarkerAttr)
	if f.Input == "" {
		if op.HasAttr(MarkerAttr) {
			return rw.MatchFailure(op, "op already carries a transformation marker")
		}
		return nil
	}
	if marker != f.Input {
		return rw.MatchFailure(op, "transformation marker mismatch")
	}
	return nil
}

func (f TransformFilter) stamp(op *ir.Op) {
	if f.Output == "" {
		op.RemoveAttr(MarkerAttr)
		return
	}
	op.SetAttr(MarkerAttr, f.Output)
}

// Pattern tiles one operation kind with fixed options, gated by a marker
// filter.
type Pattern struct {
	Kind    ir.OpKind
	Options Options
	Filter  TransformFilter
}

// MatchAndRewrite applies the pattern to op: on success the original
// operation is replaced by the generated loop nest (or erased, when it
// produced no results) and the tiled operation is stamped with the output
// marker.
//
// Errors satisfying ir.IsMatchFailure mean the pattern does not apply and
// nothing was mutated; other errors abort the rewrite of this operation.
func (p *Pattern) MatchAndRewrite(rw *ir.Rewriter, op *ir.Op) error {
	if op.Kind() != p.Kind {
		return rw.MatchFailure(op, "pattern applies to a different operation kind")
	}
	if err := p.Filter.check(rw, op); err != nil {
		return err
	}
	if err := validateSupportedOptions(rw, op, p.Options); err != nil {
		return err
	}

	tiled, err := Tile(rw.Builder, op, p.Options)
	if err != nil {
		return err
	}
	if tiled.Op == nil {
		return rw.MatchFailure(op, "operation does not implement the tileable capability")
	}
	klog.V(2).Infof("tiled %s: %d loops, %d results", op.Kind(), len(tiled.Loops), len(tiled.Results))
	if tiled.Op == op {
		// Nothing was tiled; only the materialized tile sizes were created
		// and nothing uses them. Drop them and just move the marker forward.
		rw.Rollback()
		p.Filter.stamp(op)
		return nil
	}
	p.Filter.stamp(tiled.Op)
	if len(tiled.Results) == 0 {
		rw.EraseOp(op)
	} else {
		rw.ReplaceOp(op, tiled.Results...)
	}
	return nil
}

// Pass greedily applies a set of tiling patterns to every operation of a
// function until none applies anymore. One operation failing to tile does
// not stop the pass; the failures are reported together at the end.
type Pass struct {
	Patterns []*Pattern
}

// Run applies the pass to fn.
func (p *Pass) Run(fn *ir.Func) error {
	var failures []error
	failed := make(map[*ir.Op]bool)
	for {
		applied := false
		var candidates []*ir.Op
		fn.WalkOps(func(op *ir.Op) {
			if !failed[op] {
				candidates = append(candidates, op)
			}
		})
	opsLoop:
		for _, op := range candidates {
			for _, pattern := range p.Patterns {
				rw := ir.NewRewriterBefore(op)
				err := pattern.MatchAndRewrite(rw, op)
				if err == nil {
					applied = true
					break opsLoop
				}
				rw.Rollback()
				if ir.IsMatchFailure(err) {
					klog.V(3).Infof("pattern skipped %s: %v", op.Kind(), err)
					continue
				}
				klog.Warningf("failed to tile %s: %v", op.Kind(), err)
				failures = append(failures, err)
				failed[op] = true
				continue opsLoop
			}
		}
		if !applied {
			break
		}
	}
	if len(failures) > 0 {
		return errors.Errorf("tiling pass: %d operations failed to tile (first: %v)", len(failures), failures[0])
	}
	return nil
}

// NewConformancePass returns the fixed battery of tiling patterns used to
// exercise the mechanism: plain, untiled, reduction-adjacent and
// distributed configurations over scatter and sort operations.
func NewConformancePass() *Pass {
	return &Pass{Patterns: []*Pattern{
		{
			Kind:    ir.OpScatter,
			Options: Options{}.SetConstantTileSizes(10, 20),
			Filter:  TransformFilter{Input: "tiling_input", Output: "tiling_output"},
		},
		{
			Kind:    ir.OpScatter,
			Options: Options{}.SetConstantTileSizes(0),
			Filter:  TransformFilter{Input: "no_tiling_input", Output: "no_tiling_output"},
		},
		{
			Kind:    ir.OpSort,
			Options: Options{}.SetConstantTileSizes(0, 20),
			Filter:  TransformFilter{Input: "outer_reduce_input", Output: "outer_reduce_output"},
		},
		{
			Kind:    ir.OpSort,
			Options: Options{}.SetConstantTileSizes(10, 0, 0),
			Filter:  TransformFilter{Input: "inner_reduce_input", Output: "inner_reduce_output"},
		},
		{
			Kind:    ir.OpScatter,
			Options: Options{}.SetConstantTileSizes(10, 0, 30).SetDistribution(WorkgroupDistribution()),
			Filter:  TransformFilter{Input: "distribute_input", Output: "distribute_output"},
		},
		{
			Kind:    ir.OpSort,
			Options: Options{}.SetConstantTileSizes(10, 0, 30).SetDistribution(WorkgroupDistribution()),
			Filter:  TransformFilter{Input: "distribute_input", Output: "distribute_output"},
		},
	}}
}
