package tile

import (
	"github.com/gomlx/tiling/ir"
)

// LoopsKind selects the loop construct the tiled operation is lowered to.
// Only explicit for loops are supported.
type LoopsKind int

const (
	// LoopsFor lowers to explicit sequential for loops.
	LoopsFor LoopsKind = iota
	// LoopsAffine and LoopsParallel name lowerings this transformation
	// does not implement; requesting them is rejected during validation.
	LoopsAffine
	LoopsParallel
)

// TileSizeFn computes the per-dimension tile sizes for an operation, as
// index-typed values. Entries that are (constant) zero leave the dimension
// untiled; missing trailing entries default to untiled.
type TileSizeFn func(b *ir.Builder, op *ir.Op) []*ir.Value

// PadValueFn would compute the padding value for boundary tiles. Padding is
// not supported; setting it is rejected during validation.
type PadValueFn func(b *ir.Builder, op *ir.Op) *ir.Value

// Options configure one tiling rewrite.
type Options struct {
	// TileSizes is required by Tile.
	TileSizes TileSizeFn

	// Interchange would permute the generated loops. Unsupported.
	Interchange []int

	// PadValue would pad partial tiles. Unsupported.
	PadValue PadValueFn

	// Loops selects the generated loop construct.
	Loops LoopsKind

	// Distribution, if set, assigns tiled parallel loops to workers.
	Distribution *DistributionOptions
}

// SetConstantTileSizes sets TileSizes to a function materializing the given
// static sizes.
func (o Options) SetConstantTileSizes(sizes ...int64) Options {
	o.TileSizes = func(b *ir.Builder, _ *ir.Op) []*ir.Value {
		values := make([]*ir.Value, len(sizes))
		for i, size := range sizes {
			values[i] = b.ConstantIndex(size)
		}
		return values
	}
	return o
}

// SetDistribution sets the distribution policy.
func (o Options) SetDistribution(distribution *DistributionOptions) Options {
	o.Distribution = distribution
	return o
}

// validateSupportedOptions rejects option combinations the transformation
// does not implement. It runs before any mutation and reports rejections as
// recoverable match failures.
func validateSupportedOptions(rw *ir.Rewriter, op *ir.Op, options Options) error {
	if len(options.Interchange) > 0 {
		return rw.MatchFailure(op, "unsupported interchange during tiling")
	}
	if options.PadValue != nil {
		return rw.MatchFailure(op, "unsupported tile + pad option")
	}
	if options.Loops != LoopsFor {
		return rw.MatchFailure(op, "only tiling with for loops is supported")
	}
	if options.Distribution != nil {
		for _, method := range options.Distribution.Methods {
			if method != DistributeCyclic {
				return rw.MatchFailure(op, "only cyclic distribution is allowed")
			}
		}
	}
	return nil
}
