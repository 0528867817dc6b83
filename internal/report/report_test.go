package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bvcheck/internal/cfg"
	"bvcheck/internal/checker"
	"bvcheck/internal/cpustate"
	"bvcheck/internal/memory"
	"bvcheck/internal/validator"
	"bvcheck/internal/x64"
)

func init() {
	color.NoColor = true
}

func Test_VerifiedReport(t *testing.T) {
	v := &validator.Verdict{
		Verified: true,
		Elapsed:  1500 * time.Millisecond,
		Pairs: []*validator.PairResult{{
			P:        cfg.Path{0},
			Q:        cfg.Path{0},
			Attempts: []*checker.Result{{Verified: true, Strategy: memory.TypeFlat}},
		}},
	}
	r := &Report{Target: "a.s", Rewrite: "b.s", Verdict: v, Regs: x64.NewRegSet(x64.RAX)}
	out := r.String()
	assert.Contains(t, out, "a.s => b.s")
	assert.Contains(t, out, "VERIFIED (1 path pairs, 1.50s)")
	assert.NotContains(t, out, "pair [0] / [0]")

	r.Verbose = true
	assert.Contains(t, r.String(), "pair [0] / [0]")
}

func Test_CounterexampleReport(t *testing.T) {
	start := cpustate.New()
	start.GP[x64.RAX] = 0x10
	tend, rend := start.Clone(), start.Clone()
	tend.GP[x64.RAX] = 0x11
	rend.GP[x64.RAX] = 0x12
	ceg := &checker.Result{
		HasCeg:          true,
		Strategy:        memory.TypeARM,
		TargetCeg:       start,
		RewriteCeg:      start.Clone(),
		TargetFinalCeg:  tend,
		RewriteFinalCeg: rend,
	}
	v := &validator.Verdict{
		Counterexample: ceg,
		Pairs: []*validator.PairResult{{
			P: cfg.Path{0, 1},
			Q: cfg.Path{0},
			Attempts: []*checker.Result{
				{Spurious: true, Strategy: memory.TypeFlat, Comments: "replay diverged"},
				ceg,
			},
		}},
	}
	var buf bytes.Buffer
	r := &Report{Target: "t", Rewrite: "r", Verdict: v, Regs: x64.NewRegSet(x64.RAX)}
	require.NoError(t, r.Write(&buf))
	out := buf.String()
	assert.Contains(t, out, "NOT EQUIVALENT")
	assert.Contains(t, out, "pair [0 1] / [0]")
	assert.Contains(t, out, "spurious counterexample")
	assert.Contains(t, out, "(replay diverged)")
	assert.Contains(t, out, "target end: %rax=0x11")
	assert.Contains(t, out, "rewrite end: %rax=0x12")
	assert.Contains(t, out, "end state difference")
}

func Test_ErrorReport(t *testing.T) {
	v := &validator.Verdict{
		HasError:     true,
		ErrorMessage: "pair [0]/[0]: solver: timeout",
		Pairs: []*validator.PairResult{{
			P:        cfg.Path{0},
			Q:        cfg.Path{0},
			Attempts: []*checker.Result{{HasError: true, ErrorMessage: "solver: timeout"}},
		}},
	}
	out := (&Report{Verdict: v}).String()
	assert.Contains(t, out, "UNKNOWN")
	assert.Contains(t, out, "error: pair [0]/[0]: solver: timeout")
}
