package checker

import (
	"context"
	"sync"
	"testing"

	yices2 "github.com/ianamason/yices2_go_bindings/yices_api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bvcheck/internal/cfg"
	"bvcheck/internal/cpustate"
	"bvcheck/internal/handler"
	"bvcheck/internal/invariant"
	"bvcheck/internal/memory"
	"bvcheck/internal/sandbox"
	"bvcheck/internal/smt"
	"bvcheck/internal/x64"
)

func newChecker(strategy memory.Type) *SmtChecker {
	return NewSmtChecker(smt.NewYices(), handler.NewDefaultFilter(handler.NewSimpleHandler()), strategy)
}

// straightLine builds the obligation that target and rewrite agree on
// liveOuts and memory when started in states agreeing on defIns and memory.
func straightLine(t *testing.T, target, rewrite string, defIns, liveOuts x64.RegSet) *Obligation {
	tc, err := cfg.New(x64.MustParse(target), defIns, liveOuts)
	require.NoError(t, err)
	rc, err := cfg.New(x64.MustParse(rewrite), defIns, liveOuts)
	require.NoError(t, err)
	tp := cfg.EnumeratePaths(tc, 1)
	rp := cfg.EnumeratePaths(rc, 1)
	require.Len(t, tp, 1)
	require.Len(t, rp, 1)
	return &Obligation{
		Target:     tc,
		Rewrite:    rc,
		TargetEnd:  cfg.Exit,
		RewriteEnd: cfg.Exit,
		P:          tp[0],
		Q:          rp[0],
		Assume:     invariant.NewConjunction(invariant.NewStateEquality(defIns), invariant.NewMemoryEquality()),
		Prove:      invariant.NewConjunction(invariant.NewStateEquality(liveOuts), invariant.NewMemoryEquality()),
	}
}

func run(t *testing.T, c *SmtChecker, ob *Obligation) *Result {
	var res *Result
	c.Check(context.Background(), ob, func(r *Result) { res = r })
	require.NotNil(t, res)
	return res
}

func Test_IncrementEquivalence(t *testing.T) {
	yices2.Init()
	defer yices2.Exit()

	for _, strategy := range []memory.Type{memory.TypeFlat, memory.TypeARM, memory.TypeCell} {
		c := newChecker(strategy)
		ob := straightLine(t,
			"incq %rax\ncmpq $0x10, %rax\nretq\n",
			"addq $1, %rax\ncmpq $0x10, %rax\nretq\n",
			x64.AllRegs(), x64.AllRegs())
		res := run(t, c, ob)
		assert.False(t, res.HasError, "%s: %s", strategy, res.ErrorMessage)
		assert.True(t, res.Verified, strategy.String())
		assert.False(t, res.HasCeg, strategy.String())
		assert.Equal(t, strategy, res.Strategy)
		assert.Equal(t, "yices", res.Solver)
		c.Solver.Close()
	}
}

func Test_MemoryCounterexample(t *testing.T) {
	yices2.Init()
	defer yices2.Exit()

	c := newChecker(memory.TypeFlat)
	defer c.Solver.Close()
	rs := x64.NewRegSet(x64.RAX)
	ob := straightLine(t, "addl $5, (%rax)\nretq\n", "addl $4, (%rax)\nretq\n", rs, rs)
	res := run(t, c, ob)
	require.False(t, res.HasError, res.ErrorMessage)
	assert.False(t, res.Verified)
	require.True(t, res.HasCeg)
	assert.False(t, res.Spurious)

	lines := func(c *cfg.Cfg, p cfg.Path) []cfg.Line { return cfg.Unroll(c, p, cfg.Exit) }
	var outs []*cpustate.CpuState
	for _, side := range []struct {
		lines []cfg.Line
		start *cpustate.CpuState
	}{
		{lines(ob.Target, ob.P), res.TargetCeg},
		{lines(ob.Rewrite, ob.Q), res.RewriteCeg},
	} {
		sb := sandbox.NewSandbox()
		sb.InsertInput(side.start)
		out, err := sb.RunLines(side.lines, 0)
		require.NoError(t, err)
		require.Equal(t, cpustate.Normal, out.Output.Code)
		outs = append(outs, out.Output)
	}
	assert.False(t, outs[0].Equal(outs[1], rs))

	// the model's end states are what the sandbox computes
	assert.Empty(t, cpustate.Diff(res.TargetFinalCeg, outs[0], x64.AllRegs()))
	assert.Empty(t, cpustate.Diff(res.RewriteFinalCeg, outs[1], x64.AllRegs()))
}

func Test_OverlappingWrites(t *testing.T) {
	yices2.Init()
	defer yices2.Exit()

	for _, strategy := range []memory.Type{memory.TypeFlat, memory.TypeARM, memory.TypeCell} {
		c := newChecker(strategy)
		rs := x64.NewRegSet(x64.RAX)
		ob := straightLine(t,
			"movl $0xc0decafe, (%rax)\nretq\n",
			"movw $0xcafe, (%rax)\nmovw $0xc0de, 2(%rax)\nretq\n",
			rs, rs)
		res := run(t, c, ob)
		assert.False(t, res.HasError, "%s: %s", strategy, res.ErrorMessage)
		assert.True(t, res.Verified, strategy.String())
		c.Solver.Close()
	}
}

func Test_StrategiesAgree(t *testing.T) {
	yices2.Init()
	defer yices2.Exit()

	rs := x64.NewRegSet(x64.RAX, x64.RDI)
	pairs := []struct {
		target, rewrite string
	}{
		{"movq (%rdi), %rax\naddq $1, %rax\nretq\n", "movq (%rdi), %rax\nincq %rax\nretq\n"},
		{"movq %rax, (%rdi)\nmovq (%rdi), %rax\nretq\n", "movq %rax, (%rdi)\nretq\n"},
		{"movq $1, (%rdi)\nretq\n", "movq $2, (%rdi)\nretq\n"},
		{"movl $7, 8(%rdi)\nmovq 8(%rdi), %rax\nretq\n", "movl $7, 8(%rdi)\nmovq 8(%rdi), %rax\nretq\n"},
	}
	for _, p := range pairs {
		var verdicts []bool
		for _, strategy := range []memory.Type{memory.TypeFlat, memory.TypeARM} {
			c := newChecker(strategy)
			res := run(t, c, straightLine(t, p.target, p.rewrite, rs, rs))
			c.Solver.Close()
			require.False(t, res.HasError, res.ErrorMessage)
			if !res.Spurious {
				verdicts = append(verdicts, res.Verified)
			}
		}
		if len(verdicts) == 2 {
			assert.Equal(t, verdicts[0], verdicts[1], p.target)
		}
	}
}

func Test_Idempotent(t *testing.T) {
	yices2.Init()
	defer yices2.Exit()

	c := newChecker(memory.TypeARM)
	defer c.Solver.Close()
	rs := x64.NewRegSet(x64.RAX)
	ob := straightLine(t, "addl $5, (%rax)\nretq\n", "addl $4, (%rax)\nretq\n", rs, rs)
	first := run(t, c, ob)
	second := run(t, c, ob)
	assert.Equal(t, first.Verified, second.Verified)
	assert.Equal(t, first.HasCeg, second.HasCeg)
}

func Test_ShortCircuit(t *testing.T) {
	yices2.Init()
	defer yices2.Exit()

	code := `
  cmpq $0, %rdi
  je .L1
  movq $1, %rax
  retq
.L1:
  movq $2, %rax
  retq
`
	rs := x64.NewRegSet(x64.RDI)
	tc, err := cfg.New(x64.MustParse(code), rs, x64.NewRegSet(x64.RAX))
	require.NoError(t, err)
	paths := cfg.EnumeratePaths(tc, 1)
	require.Len(t, paths, 2)

	// the rewrite takes the other branch: the pair is infeasible under equal %rdi
	c := newChecker(memory.TypeFlat)
	defer c.Solver.Close()
	ob := &Obligation{
		Target: tc, Rewrite: tc,
		TargetEnd: cfg.Exit, RewriteEnd: cfg.Exit,
		P: paths[0], Q: paths[1],
		Assume: invariant.NewConjunction(invariant.NewStateEquality(rs), invariant.NewMemoryEquality()),
		Prove:  invariant.NewConjunction(invariant.NewStateEquality(x64.NewRegSet(x64.RAX)), invariant.NewMemoryEquality()),
	}
	res := run(t, c, ob)
	require.False(t, res.HasError, res.ErrorMessage)
	assert.True(t, res.Verified)
	assert.Equal(t, "No memory short circuit", res.Comments)

	ob.Q = paths[0]
	res = run(t, c, ob)
	assert.True(t, res.Verified)
	assert.Empty(t, res.Comments)
}

func Test_SpuriousUnderTrivialMemory(t *testing.T) {
	yices2.Init()
	defer yices2.Exit()

	// without a memory model the two reads are unrelated, so the model
	// cannot meet the assumed memory equality
	c := newChecker(memory.TypeTrivial)
	defer c.Solver.Close()
	rs := x64.NewRegSet(x64.RDI, x64.RAX)
	ob := straightLine(t,
		"movq (%rdi), %rax\nretq\n",
		"movq (%rdi), %rax\nretq\n",
		rs, rs)
	ob.Prove = invariant.NewStateEquality(rs)
	res := run(t, c, ob)
	require.False(t, res.HasError, res.ErrorMessage)
	assert.False(t, res.Verified)
	assert.False(t, res.HasCeg)
	assert.True(t, res.Spurious)
}

func Test_ExcludedLocations(t *testing.T) {
	yices2.Init()
	defer yices2.Exit()

	rs := x64.NewRegSet(x64.RDI, x64.RAX)
	slot := invariant.Location{Mem: x64.Mem{HasBase: true, Base: x64.RDI}, Size: 8}
	for _, strategy := range []memory.Type{memory.TypeFlat, memory.TypeARM} {
		c := newChecker(strategy)
		// the slot may differ on entry; both programs overwrite it
		ob := straightLine(t, "movq $3, (%rdi)\nretq\n", "movq $3, (%rdi)\nretq\n", rs, rs)
		ob.Assume = invariant.NewConjunction(invariant.NewStateEquality(rs), invariant.NewMemoryEquality(slot))
		res := run(t, c, ob)
		assert.False(t, res.HasError, res.ErrorMessage)
		assert.True(t, res.Verified, strategy.String())

		// nothing overwrites it here, so the difference survives. The model's
		// start heap predates the ghost writes, so replay cannot confirm it.
		ob = straightLine(t, "movq (%rdi), %rax\nretq\n", "movq (%rdi), %rax\nretq\n", rs, rs)
		ob.Assume = invariant.NewConjunction(invariant.NewStateEquality(rs), invariant.NewMemoryEquality(slot))
		res = run(t, c, ob)
		assert.False(t, res.HasError, res.ErrorMessage)
		assert.False(t, res.Verified, strategy.String())
		assert.False(t, res.HasCeg, strategy.String())
		assert.True(t, res.Spurious, strategy.String())
		c.Solver.Close()
	}
}

func Test_HandlerErrorIsReported(t *testing.T) {
	yices2.Init()
	defer yices2.Exit()

	c := NewSmtChecker(smt.NewYices(), handler.NewNaclFilter(handler.NewSimpleHandler()), memory.TypeFlat)
	defer c.Solver.Close()
	rs := x64.NewRegSet(x64.RDI)
	ob := straightLine(t, "movq (%rdi), %rax\nretq\n", "movq (%rdi), %rax\nretq\n", rs, rs)
	ob.Optional = "tag"
	res := run(t, c, ob)
	assert.True(t, res.HasError)
	assert.False(t, res.Verified)
	assert.Contains(t, res.ErrorMessage, "base register")
	assert.Equal(t, "tag", res.Optional)
}

func Test_InfeasiblePath(t *testing.T) {
	yices2.Init()
	defer yices2.Exit()

	c := newChecker(memory.TypeFlat)
	defer c.Solver.Close()
	rs := x64.NewRegSet(x64.RAX)
	ob := straightLine(t, "incq %rax\nretq\n", "incq %rax\nretq\n", rs, rs)
	ob.P = cfg.Path{3}
	res := c.Run(context.Background(), ob)
	assert.True(t, res.HasError)
	assert.Contains(t, res.ErrorMessage, "target")
}

func Test_AsyncChecker(t *testing.T) {
	yices2.Init()
	defer yices2.Exit()

	ac, err := NewAsyncChecker(3, func() (*SmtChecker, error) {
		return newChecker(memory.TypeFlat), nil
	})
	require.NoError(t, err)

	rs := x64.NewRegSet(x64.RAX)
	var (
		mu      sync.Mutex
		results = make(map[int]*Result)
	)
	for i := 0; i < 8; i++ {
		rewrite := "addq $1, %rax\nretq\n"
		if i%2 == 1 {
			rewrite = "addq $2, %rax\nretq\n"
		}
		ob := straightLine(t, "incq %rax\nretq\n", rewrite, rs, rs)
		ob.Optional = i
		ac.Check(context.Background(), ob, func(r *Result) {
			mu.Lock()
			defer mu.Unlock()
			results[r.Optional.(int)] = r
		})
	}
	ac.BlockUntilComplete()
	require.NoError(t, ac.Close())

	require.Len(t, results, 8)
	for i, r := range results {
		assert.False(t, r.HasError, r.ErrorMessage)
		assert.Equal(t, i%2 == 0, r.Verified, "obligation %d", i)
	}
}

func Test_SplitMemoryEquality(t *testing.T) {
	eq := invariant.NewMemoryEquality()
	se := invariant.NewStateEquality(x64.NewRegSet(x64.RAX))
	conj := invariant.NewConjunction(se, eq)

	me, rest := splitMemoryEquality(conj)
	assert.Same(t, eq, me)
	assert.Equal(t, 1, rest.Len())
	assert.Equal(t, 2, conj.Len(), "input is left alone")

	me, rest = splitMemoryEquality(se)
	assert.Nil(t, me)
	assert.Equal(t, 1, rest.Len())

	me, rest = splitMemoryEquality(eq)
	assert.Same(t, eq, me)
	assert.Equal(t, 0, rest.Len())
}
