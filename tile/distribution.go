package tile

import (
	"github.com/gomlx/tiling/ir"
)

// DistributionMethod describes how one distributed loop partitions its
// iterations across workers. Only cyclic partitioning is supported.
type DistributionMethod int

const (
	// DistributeCyclic assigns iterations cyclically: worker i handles
	// iterations i, i+nprocs, i+2*nprocs, ...
	DistributeCyclic DistributionMethod = iota
	// DistributeCyclicNumProcsGeNumIters and
	// DistributeCyclicNumProcsEqNumIters are cyclic variants with
	// guarantees this transformation does not exploit; they are rejected.
	DistributeCyclicNumProcsGeNumIters
	DistributeCyclicNumProcsEqNumIters
	// DistributeNone leaves the loop undistributed. Rejected.
	DistributeNone
)

// ProcInfo is the runtime worker assignment for one distributed loop: the
// executing processor id and the total processor count.
type ProcInfo struct {
	ProcID, NProcs *ir.Value
}

// ProcFn builds the ProcInfo for each distributed loop. It is called once
// per tiling with the bounds of the loops being distributed -- the
// dimensions that are both parallel and tiled, in dimension order -- and
// must return exactly one entry per bound.
type ProcFn func(b *ir.Builder, distributedBounds []Range) []ProcInfo

// DistributionOptions is the pluggable distribution policy.
type DistributionOptions struct {
	ProcFn ProcFn

	// Methods, indexed by distributed loop, must all be DistributeCyclic.
	Methods []DistributionMethod
}

// WorkgroupDistribution returns the standard policy distributing loops over
// runtime workgroups, innermost distributed loop on workgroup dimension 0.
func WorkgroupDistribution() *DistributionOptions {
	return &DistributionOptions{
		ProcFn: func(b *ir.Builder, distributedBounds []Range) []ProcInfo {
			n := len(distributedBounds)
			procInfo := make([]ProcInfo, n)
			for dim := 0; dim < n; dim++ {
				procInfo[n-dim-1] = ProcInfo{
					ProcID: b.WorkgroupID(dim),
					NProcs: b.WorkgroupCount(dim),
				}
			}
			return procInfo
		},
		Methods: []DistributionMethod{DistributeCyclic, DistributeCyclic, DistributeCyclic},
	}
}

// updateBoundsForCyclicDistribution rewrites a loop range so each worker
// starts at its own offset and strides over the other workers:
// lb+procID*step to ub, step nprocs*step.
func updateBoundsForCyclicDistribution(b *ir.Builder, info ProcInfo, lb, ub, step *ir.Value) (newLB, newUB, newStep *ir.Value) {
	newLB = b.Add(lb, b.Mul(info.ProcID, step))
	newStep = b.Mul(info.NProcs, step)
	return newLB, ub, newStep
}
