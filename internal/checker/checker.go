// Package checker decides proof obligations: for a pair of paths through a
// target and a rewrite, does the assumption at the start imply the property
// at the end.
package checker

import (
	"context"
	"fmt"
	"time"

	"bvcheck/internal/cfg"
	"bvcheck/internal/cpustate"
	"bvcheck/internal/invariant"
	"bvcheck/internal/memory"
)

// Testcase is a pair of concrete start states, one per program.
type Testcase struct {
	Target  *cpustate.CpuState
	Rewrite *cpustate.CpuState
}

// Obligation asks whether every pair of executions along P and Q that
// starts in states satisfying Assume ends in states satisfying Prove.
type Obligation struct {
	Target, Rewrite *cfg.Cfg
	// block each path continues to after its last block
	TargetEnd, RewriteEnd cfg.BlockID
	P, Q                  cfg.Path
	Assume, Prove         invariant.Invariant
	// concrete runs used to guide memory modeling; may be empty
	Testcases []Testcase
	// passed through to the result
	Optional interface{}
}

type Result struct {
	Verified bool
	HasCeg   bool
	// a model was found but did not reproduce on the sandbox
	Spurious     bool
	HasError     bool
	ErrorMessage string

	GenTime  time.Duration
	SmtTime  time.Duration
	Solver   string
	Strategy memory.Type
	Comments string

	TargetCeg       *cpustate.CpuState
	RewriteCeg      *cpustate.CpuState
	TargetFinalCeg  *cpustate.CpuState
	RewriteFinalCeg *cpustate.CpuState

	Optional interface{}
}

func (r *Result) String() string {
	switch {
	case r.HasError:
		return "error: " + r.ErrorMessage
	case r.Verified:
		return "verified"
	case r.HasCeg:
		return "counterexample"
	case r.Spurious:
		return "spurious counterexample"
	}
	return fmt.Sprintf("unknown (%s)", r.Comments)
}

type Callback func(*Result)

// ObligationChecker runs obligations and reports each result through its
// callback. Check may return before the callback runs.
type ObligationChecker interface {
	Check(ctx context.Context, ob *Obligation, cb Callback)
	// BlockUntilComplete waits for every callback of obligations queued so
	// far.
	BlockUntilComplete()
}
