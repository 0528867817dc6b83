package symstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bvcheck/internal/expr"
	"bvcheck/internal/memory"
	"bvcheck/internal/x64"
)

func eval(t *testing.T, val *expr.Valuation, x expr.BV) uint64 {
	v, err := val.EvalBV(x)
	require.NoError(t, err)
	return v.Uint64()
}

func Test_SubRegisterWrites(t *testing.T) {
	a := expr.NewArena()
	s := New(a, "1_INIT", memory.NewTrivial(a, "mem_1_INIT"))
	val := expr.NewValuation()
	val.SetBV("rax_1_INIT", 0x1122334455667788)

	s.SetReg(x64.Register{Reg: x64.RAX, Width: 8}, a.BVConst(0xaa, 8))
	assert.Equal(t, uint64(0x11223344556677aa), eval(t, val, s.GP[x64.RAX]))
	s.SetReg(x64.Register{Reg: x64.RAX, Width: 16}, a.BVConst(0xbbcc, 16))
	assert.Equal(t, uint64(0x112233445566bbcc), eval(t, val, s.GP[x64.RAX]))
	assert.Equal(t, uint64(0xcc), eval(t, val, s.Reg(x64.Register{Reg: x64.RAX, Width: 8})))
	s.SetReg(x64.Register{Reg: x64.RAX, Width: 32}, a.BVConst(0xdeadbeef, 32))
	assert.Equal(t, uint64(0xdeadbeef), eval(t, val, s.GP[x64.RAX]))
}

func Test_Address(t *testing.T) {
	a := expr.NewArena()
	s := New(a, "1_INIT", memory.NewTrivial(a, "mem_1_INIT"))
	val := expr.NewValuation()
	val.SetBV("rdi_1_INIT", 0x1000)
	val.SetBV("rsi_1_INIT", 3)

	m := x64.Mem{HasBase: true, Base: x64.RDI, HasIndex: true, Index: x64.RSI, Scale: 8, Disp: -16}
	assert.Equal(t, uint64(0x1000+24-16), eval(t, val, s.Address(m)))
	gp := [x64.NumRegs]uint64{}
	gp[x64.RDI], gp[x64.RSI] = 0x1000, 3
	assert.Equal(t, m.Address(&gp), eval(t, val, s.Address(m)))
}

func Test_MemoryOperands(t *testing.T) {
	a := expr.NewArena()
	s := New(a, "1_INIT", memory.NewTrivial(a, "mem_1_INIT"))
	s.Deref = memory.DereferenceInfo{LineNumber: 2}
	op := x64.Operand{Kind: x64.OperandMem, Mem: x64.Mem{HasBase: true, Base: x64.RDI}}

	v := s.Read(op, 32)
	assert.Equal(t, uint16(32), v.Width())
	s.Write(op, a.BVConst(1, 16))
	acc := s.Memory.AccessList()
	require.Len(t, acc, 2)
	assert.Equal(t, 2, acc[0].Deref.LineNumber)
	assert.Equal(t, uint16(16), acc[1].Size)
	assert.True(t, s.SigSegv.IsFalse())

	assert.Panics(t, func() { s.Write(x64.Operand{Kind: x64.OperandImm, Imm: 1}, v) })
}

func Test_EqualityConstraints(t *testing.T) {
	a := expr.NewArena()
	s := New(a, "1_INIT", nil)
	final := NewVars(a, "1_FINAL")
	assert.Equal(t, "sigsegv_1_FINAL", final.SigSegv.Name())

	rs := x64.NewRegSet(x64.RAX, x64.RBX).AddFlag(x64.ZF)
	eqs := s.EqualityConstraints(final, rs)
	// two registers, one flag, three signals
	assert.Len(t, eqs, 6)

	val := expr.NewValuation()
	for _, name := range []string{"rax", "rbx"} {
		val.SetBV(name+"_1_INIT", 5)
		val.SetBV(name+"_1_FINAL", 5)
	}
	val.Bool["zf_1_INIT"], val.Bool["zf_1_FINAL"] = true, true
	val.Bool["sigsegv_1_FINAL"] = false
	val.Bool["sigfpe_1_FINAL"] = false
	val.Bool["sigbus_1_FINAL"] = false
	ok, err := val.EvalBool(a.All(eqs...))
	require.NoError(t, err)
	assert.True(t, ok)

	val.SetBV("rbx_1_FINAL", 6)
	ok, err = val.EvalBool(a.All(eqs...))
	require.NoError(t, err)
	assert.False(t, ok)
}
