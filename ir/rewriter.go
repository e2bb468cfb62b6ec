package ir

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Rewriter extends a Builder with the primitives a rewrite rule needs:
// non-fatal match failures, and replacing or erasing the matched op.
type Rewriter struct {
	*Builder
}

// NewRewriterBefore returns a rewriter whose builder inserts immediately
// before the op about to be rewritten. Ops created through the rewriter are
// journaled so Rollback can undo an aborted rewrite.
func NewRewriterBefore(op *Op) *Rewriter {
	b := NewBuilderBefore(op)
	b.journal = &journal{}
	return &Rewriter{Builder: b}
}

// Rollback removes every op created through this rewriter, newest first.
// Used by drivers to keep failed rewrites from committing partial IR.
func (r *Rewriter) Rollback() {
	created := r.journal.created
	for i := len(created) - 1; i >= 0; i-- {
		if created[i].parent != nil {
			created[i].parent.remove(created[i])
		}
	}
	r.journal.created = nil
}

// matchFailure is the recoverable "this rule does not apply" error: the
// driver may try another rule or skip the operation.
type matchFailure struct {
	kind   OpKind
	reason string
}

func (e *matchFailure) Error() string {
	return "match failure on " + e.kind.String() + ": " + e.reason
}

// MatchFailure reports that the rule does not apply to op. The returned
// error satisfies IsMatchFailure and must be produced before any mutation.
func (r *Rewriter) MatchFailure(op *Op, reason string) error {
	return &matchFailure{kind: op.Kind(), reason: reason}
}

// IsMatchFailure returns whether err is a recoverable match failure, as
// opposed to an error that aborts the rewrite of the operation.
func IsMatchFailure(err error) bool {
	var mf *matchFailure
	return errors.As(err, &mf)
}

// ReplaceOp replaces every use of op's results with the given values and
// removes op from its block.
func (r *Rewriter) ReplaceOp(op *Op, with ...*Value) {
	if len(with) != op.NumResults() {
		exceptions.Panicf("ReplaceOp: op %s has %d results, got %d replacement values",
			op.Kind(), op.NumResults(), len(with))
	}
	replacement := make(map[*Value]*Value, len(with))
	for i, result := range op.Results() {
		replacement[result] = with[i]
	}
	r.fn.WalkOps(func(user *Op) {
		for i, operand := range user.operands {
			if newValue, found := replacement[operand]; found {
				user.operands[i] = newValue
			}
		}
	})
	op.parent.remove(op)
}

// EraseOp removes an op that has no remaining uses from its block.
func (r *Rewriter) EraseOp(op *Op) {
	op.parent.remove(op)
}
