package sandbox

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bvcheck/internal/cfg"
	"bvcheck/internal/cpustate"
	"bvcheck/internal/expr"
	"bvcheck/internal/handler"
	"bvcheck/internal/memory"
	"bvcheck/internal/symstate"
	"bvcheck/internal/x64"
)

func mustCfg(t *testing.T, text string) *cfg.Cfg {
	c, err := cfg.New(x64.MustParse(text), x64.AllRegs(), x64.AllRegs())
	require.NoError(t, err)
	return c
}

func Test_RunCfgPath(t *testing.T) {
	c := mustCfg(t, `
  movq $0, %rax
.L1:
  addq $1, %rax
  cmpq $3, %rax
  jne .L1
  retq
`)
	sb := NewSandbox()
	sb.InsertInput(cpustate.New())
	res, err := sb.RunCfg(c, 0)
	require.NoError(t, err)
	assert.Equal(t, cpustate.Normal, res.Output.Code)
	assert.Equal(t, uint64(3), res.Output.GP[x64.RAX])
	assert.Equal(t, cfg.Path{0, 1, 1, 1, 2}, res.Path)
	assert.Same(t, res, sb.Output(0))
	assert.Nil(t, sb.Output(1))
}

func Test_RunLinesDivergence(t *testing.T) {
	c := mustCfg(t, `
  cmpq $0, %rdi
  je .L1
  movq $1, %rax
.L1:
  retq
`)
	lines := cfg.Unroll(c, cfg.Path{0, 2}, cfg.Exit)
	require.Len(t, lines, 2)
	require.Equal(t, cfg.JumpTaken, lines[1].Jump)

	zero, five := cpustate.New(), cpustate.New()
	five.GP[x64.RDI] = 5
	sb := NewSandbox()
	sb.InsertInput(zero)
	sb.InsertInput(five)
	assert.Equal(t, 2, sb.NumInputs())

	res, err := sb.RunLines(lines, 0)
	require.NoError(t, err)
	assert.False(t, res.Diverged)

	res, err = sb.RunLines(lines, 1)
	require.NoError(t, err)
	assert.True(t, res.Diverged)

	_, err = sb.RunLines(lines, 2)
	assert.Error(t, err)
	sb.ClearInputs()
	assert.Equal(t, 0, sb.NumInputs())
}

func Test_Fault(t *testing.T) {
	c := mustCfg(t, "movq (%rdi), %rax\nretq\n")
	in := cpustate.New()
	in.GP[x64.RDI] = 0x1000

	sb := NewSandbox()
	sb.InsertInput(in)
	res, err := sb.RunCfg(c, 0)
	require.NoError(t, err)
	assert.Equal(t, cpustate.SigSegv, res.Output.Code)
	assert.Equal(t, uint64(0x1000), res.FaultAddr)
	assert.Equal(t, 8, res.FaultSize)
	assert.Equal(t, 0, res.FaultLine)

	in.Allocate(0x1000, 8)
	require.True(t, in.Write(0x1000, 8, 0xdeadbeef))
	sb.ClearInputs()
	sb.InsertInput(in)
	res, err = sb.RunCfg(c, 0)
	require.NoError(t, err)
	assert.Equal(t, cpustate.Normal, res.Output.Code)
	assert.Equal(t, uint64(0xdeadbeef), res.Output.GP[x64.RAX])
}

func Test_MaxSteps(t *testing.T) {
	c := mustCfg(t, ".L1:\n  jmp .L1\n")
	sb := NewSandbox()
	sb.MaxSteps = 50
	sb.InsertInput(cpustate.New())
	res, err := sb.RunCfg(c, 0)
	require.NoError(t, err)
	assert.Equal(t, cpustate.SigAlrm, res.Output.Code)
	assert.Equal(t, 50, res.Steps)
}

func Test_TraceDereferences(t *testing.T) {
	c := mustCfg(t, "movq 8(%rdi), %rax\nleaq 4(%rsi), %rdx\naddl %eax, (%rsi)\nretq\n")
	lines := cfg.Unroll(c, cfg.Path{0}, cfg.Exit)

	in := cpustate.New()
	in.GP[x64.RDI] = 0x2000
	in.GP[x64.RSI] = 0x3000
	in.Allocate(0x2008, 8)
	in.Allocate(0x3000, 4)

	seen := 0
	dm, res, err := TraceDereferences(lines, true, in)
	require.NoError(t, err)
	assert.Equal(t, cpustate.Normal, res.Output.Code)
	assert.Equal(t, memory.DereferenceMap{
		{IsRewrite: true, LineNumber: 0}: 0x2008,
		{IsRewrite: true, LineNumber: 2}: 0x3000,
	}, dm)

	sb := NewSandbox()
	sb.InsertBefore(func(line cfg.Line, cs *cpustate.CpuState) { seen++ })
	sb.InsertInput(in)
	_, err = sb.RunLines(lines, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, seen)
}

func Test_StateGen(t *testing.T) {
	c := mustCfg(t, `
  movq 8(%rdi), %rax
  addq (%rsi), %rax
  movq %rax, 16(%rdi)
  movq %rax, -8(%rsp)
  retq
`)
	lines := cfg.Unroll(c, cfg.Path{0}, cfg.Exit)
	g := NewStateGen(1)

	cs := cpustate.New()
	require.NoError(t, g.Get(cs, lines, false))
	sb := NewSandbox()
	sb.InsertInput(cs)
	res, err := sb.RunLines(lines, 0)
	require.NoError(t, err)
	assert.Equal(t, cpustate.Normal, res.Output.Code)

	cs = cpustate.New()
	cs.GP[x64.RDI] = 0x5000
	cs.GP[x64.RSI] = 0x6000
	cs.GP[x64.RSP] = 0x7000
	regs := cs.GP
	require.NoError(t, g.Get(cs, lines, true))
	assert.Equal(t, regs, cs.GP)
	assert.True(t, cs.IsValid(0x5008, 8))
	assert.True(t, cs.IsValid(0x5010, 8))
	assert.True(t, cs.IsValid(0x6000, 8))
	assert.True(t, cs.IsValid(0x6ff8, 8))

	cs = cpustate.New()
	require.NoError(t, g.GetCfg(cs, c, false))
}

func Test_StateGenGivesUp(t *testing.T) {
	c := mustCfg(t, "movq (%rdi), %rax\nretq\n")
	lines := cfg.Unroll(c, cfg.Path{0}, cfg.Exit)
	g := NewStateGen(1)
	g.MaxMemory = 4

	cs := cpustate.New()
	err := g.Get(cs, lines, true)
	assert.ErrorIs(t, err, ErrNoState)
}

// Every instruction must leave the concrete state where the symbolic handler
// says it ends up.
func Test_HandlerAgreement(t *testing.T) {
	programs := []string{
		"addq %rbx, %rax", "addl %ebx, %eax", "addw %bx, %ax", "addb %bl, %al",
		"subq %rbx, %rax", "subb $3, %al", "cmpl %ebx, %eax", "cmpq $-1, %rax",
		"andq %rbx, %rax", "orw %bx, %ax", "xorl %ebx, %eax", "testb %bl, %al",
		"incl %eax", "decq %rax", "negw %ax", "notb %al",
		"shlq %cl, %rax", "shll $31, %eax", "shlb %cl, %al", "shrw %cl, %ax", "shrb $7, %al",
		"sarq %cl, %rax", "sarl $1, %eax", "sarb %cl, %al", "shlq $0, %rax",
		"imulq %rbx, %rax", "imull %ebx, %eax", "imulw %bx, %ax",
		"movzbl %bl, %eax", "movswq %bx, %rax", "movsbw %bl, %ax",
		"leaq 8(%rax,%rbx,4), %rdx", "leal -4(%rbx), %edx", "movl %ebx, %eax", "movb $-1, %al",
	}
	h := handler.NewSimpleHandler()
	rng := rand.New(rand.NewSource(7))
	interesting := []uint64{0, 1, 0x7f, 0x80, 0xff, 0x7fff, 0x8000, 0x7fffffff, 0x80000000,
		0xffffffff, 0x7fffffffffffffff, 0x8000000000000000, 0xffffffffffffffff}
	pick := func() uint64 {
		if rng.Intn(2) == 0 {
			return interesting[rng.Intn(len(interesting))]
		}
		return rng.Uint64()
	}

	for _, text := range programs {
		code := x64.MustParse(text + "\n")
		require.Len(t, code, 1, text)
		for k := 0; k < 20; k++ {
			in := cpustate.New()
			for r := range in.GP {
				in.GP[r] = pick()
			}
			in.GP[x64.RCX] = uint64(rng.Intn(80))
			for f := range in.Flags {
				in.Flags[f] = rng.Intn(2) == 1
			}

			sb := NewSandbox()
			sb.InsertInput(in)
			res, err := sb.RunLines([]cfg.Line{{Instr: code[0]}}, 0)
			require.NoError(t, err)

			a := expr.NewArena()
			s := symstate.New(a, "1_INIT", memory.NewTrivial(a, "mem_1_INIT"))
			val := expr.NewValuation()
			for r := x64.Reg(0); r < x64.NumRegs; r++ {
				val.SetBV(r.String()+"_1_INIT", in.GP[r])
			}
			for f := x64.Flag(0); f < x64.NumFlags; f++ {
				val.Bool[f.String()+"_1_INIT"] = in.Flags[f]
			}
			require.NoError(t, h.BuildCircuit(&code[0], s))

			for r := x64.Reg(0); r < x64.NumRegs; r++ {
				v, err := val.EvalBV(s.GP[r])
				require.NoError(t, err)
				assert.Equal(t, v.Uint64(), res.Output.GP[r], "%s: %%%s", text, r)
			}
			for f := x64.Flag(0); f < x64.NumFlags; f++ {
				v, err := val.EvalBool(s.Flags[f])
				require.NoError(t, err)
				assert.Equal(t, v, res.Output.Flags[f], "%s: %%%s", text, f)
			}
			a.Release()
		}
	}
}
