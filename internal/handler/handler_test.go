package handler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bvcheck/internal/expr"
	"bvcheck/internal/memory"
	"bvcheck/internal/symstate"
	"bvcheck/internal/x64"
)

type run struct {
	a     *expr.Arena
	state *symstate.SymState
	val   *expr.Valuation
}

func newRun(regs map[x64.Reg]uint64) *run {
	a := expr.NewArena()
	r := &run{a: a, state: symstate.New(a, "1_INIT", memory.NewTrivial(a, "mem_1_INIT")), val: expr.NewValuation()}
	for reg := x64.Reg(0); reg < x64.NumRegs; reg++ {
		r.val.SetBV(reg.String()+"_1_INIT", regs[reg])
	}
	for f := x64.Flag(0); f < x64.NumFlags; f++ {
		r.val.Bool[f.String()+"_1_INIT"] = false
	}
	return r
}

func (r *run) exec(t *testing.T, h Handler, text string) {
	for _, instr := range x64.MustParse(text) {
		instr := instr
		require.NoError(t, h.BuildCircuit(&instr, r.state))
	}
}

func (r *run) reg(t *testing.T, reg x64.Reg) uint64 {
	v, err := r.val.EvalBV(r.state.GP[reg])
	require.NoError(t, err)
	return v.Uint64()
}

func (r *run) flag(t *testing.T, f x64.Flag) bool {
	v, err := r.val.EvalBool(r.state.Flags[f])
	require.NoError(t, err)
	return v
}

func Test_Arithmetic(t *testing.T) {
	h := NewSimpleHandler()
	r := newRun(map[x64.Reg]uint64{x64.RAX: 0xffffffffffffffff, x64.RBX: 7})
	r.exec(t, h, "addq $1, %rax\n")
	assert.Equal(t, uint64(0), r.reg(t, x64.RAX))
	assert.True(t, r.flag(t, x64.CF))
	assert.True(t, r.flag(t, x64.ZF))
	assert.False(t, r.flag(t, x64.OF))

	r.exec(t, h, "subq $8, %rbx\n")
	assert.Equal(t, uint64(0xffffffffffffffff), r.reg(t, x64.RBX))
	assert.True(t, r.flag(t, x64.CF))
	assert.True(t, r.flag(t, x64.SF))

	r.exec(t, h, "incq %rbx\n")
	// inc keeps CF
	assert.True(t, r.flag(t, x64.CF))
	assert.True(t, r.flag(t, x64.ZF))
}

func Test_SubRegisters(t *testing.T) {
	h := NewSimpleHandler()
	r := newRun(map[x64.Reg]uint64{x64.RAX: 0x1122334455667788, x64.RCX: 0xff})
	r.exec(t, h, "movb %cl, %al\n")
	assert.Equal(t, uint64(0x11223344556677ff), r.reg(t, x64.RAX))
	r.exec(t, h, "addl $1, %eax\n")
	assert.Equal(t, uint64(0x55667800), r.reg(t, x64.RAX))
	r.exec(t, h, "movsbq %al, %rdx\nmovzbl %cl, %esi\n")
	assert.Equal(t, uint64(0), r.reg(t, x64.RDX))
	assert.Equal(t, uint64(0xff), r.reg(t, x64.RSI))
}

func Test_OverflowFlags(t *testing.T) {
	h := NewSimpleHandler()
	r := newRun(map[x64.Reg]uint64{x64.RAX: 0x7fffffff})
	r.exec(t, h, "addl $1, %eax\n")
	assert.True(t, r.flag(t, x64.OF))
	assert.True(t, r.flag(t, x64.SF))
	assert.False(t, r.flag(t, x64.CF))

	r = newRun(map[x64.Reg]uint64{x64.RAX: 0x80000000})
	r.exec(t, h, "negl %eax\n")
	assert.True(t, r.flag(t, x64.OF))
	assert.True(t, r.flag(t, x64.CF))
}

func Test_Shifts(t *testing.T) {
	h := NewSimpleHandler()
	r := newRun(map[x64.Reg]uint64{x64.RAX: 0x8000000000000001, x64.RCX: 0x41})
	r.exec(t, h, "shlq %cl, %rax\n")
	// count is masked to 1
	assert.Equal(t, uint64(2), r.reg(t, x64.RAX))
	assert.True(t, r.flag(t, x64.CF))
	assert.True(t, r.flag(t, x64.OF))

	r = newRun(map[x64.Reg]uint64{x64.RAX: 5})
	r.exec(t, h, "cmpq $5, %rax\nshrq $0, %rax\n")
	assert.True(t, r.flag(t, x64.ZF))

	r = newRun(map[x64.Reg]uint64{x64.RAX: 0xf0})
	r.exec(t, h, "sarb $4, %al\n")
	assert.Equal(t, uint64(0xff), r.reg(t, x64.RAX))
	assert.False(t, r.flag(t, x64.CF))
}

func Test_Imul(t *testing.T) {
	for _, uninterpreted := range []bool{false, true} {
		h := &SimpleHandler{UninterpretedMul: uninterpreted}
		r := newRun(map[x64.Reg]uint64{x64.RAX: 6, x64.RBX: 7})
		r.exec(t, h, "imulq %rbx, %rax\n")
		if uninterpreted {
			_, err := r.val.EvalBV(r.state.GP[x64.RAX])
			assert.Error(t, err)
			continue
		}
		assert.Equal(t, uint64(42), r.reg(t, x64.RAX))
		assert.False(t, r.flag(t, x64.OF))
	}

	r := newRun(map[x64.Reg]uint64{x64.RAX: 0x10000, x64.RBX: 0x10000})
	r.exec(t, NewSimpleHandler(), "imull %ebx, %eax\n")
	assert.Equal(t, uint64(0), r.reg(t, x64.RAX))
	assert.True(t, r.flag(t, x64.OF))
	assert.True(t, r.flag(t, x64.CF))
	assert.True(t, r.flag(t, x64.ZF))
}

func Test_LeaAndLogic(t *testing.T) {
	h := NewSimpleHandler()
	r := newRun(map[x64.Reg]uint64{x64.RSI: 3, x64.RDI: 0x100})
	r.exec(t, h, "leaq 8(%rdi,%rsi,4), %rax\nxorq %rdx, %rdx\nnotq %rdx\n")
	assert.Equal(t, uint64(0x114), r.reg(t, x64.RAX))
	assert.Equal(t, uint64(0xffffffffffffffff), r.reg(t, x64.RDX))
	assert.False(t, r.flag(t, x64.SF))
	assert.True(t, r.flag(t, x64.ZF))
}

func Test_ConditionPredicate(t *testing.T) {
	h := NewSimpleHandler()
	r := newRun(map[x64.Reg]uint64{x64.RAX: 3, x64.RBX: 5})
	r.exec(t, h, "cmpq %rbx, %rax\n")
	for c, want := range map[x64.Cond]bool{
		x64.CondL: true, x64.CondB: true, x64.CondE: false, x64.CondGE: false, x64.CondA: false, x64.CondNE: true,
	} {
		got, err := r.val.EvalBool(ConditionPredicate(c, r.state))
		require.NoError(t, err)
		assert.Equal(t, want, got, c.String())
	}
}

func Test_Memory(t *testing.T) {
	h := NewSimpleHandler()
	r := newRun(map[x64.Reg]uint64{x64.RAX: 0x1000})
	r.state.Deref = memory.DereferenceInfo{LineNumber: 4}
	r.exec(t, h, "addl $5, (%rax)\n")
	acc := r.state.Memory.AccessList()
	require.Len(t, acc, 2)
	assert.False(t, acc[0].Write)
	assert.True(t, acc[1].Write)
	assert.Equal(t, 4, acc[1].Deref.LineNumber)
	assert.Equal(t, uint16(32), acc[1].Size)
}

func Test_NaclFilter(t *testing.T) {
	f := NewNaclFilter(NewSimpleHandler())
	r := newRun(nil)
	code := x64.MustParse("movq (%r15,%rax,1), %rbx\nmovq (%rdi), %rbx\n")
	extra, err := f.Apply(&code[0], r.state)
	require.NoError(t, err)
	require.Len(t, extra, 1)
	_, err = f.Apply(&code[1], r.state)
	assert.Error(t, err)

	extra, err = NewDefaultFilter(NewSimpleHandler()).Apply(&code[1], r.state)
	assert.NoError(t, err)
	assert.Empty(t, extra)
}
