package x64

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ParseProgram(t *testing.T) {
	code, err := Parse(`
  .text
  movq %rdi, %rax      # copy
  addq $-8, %rax
.L1:
  incl 4(%rsp,%rcx,8)
  cmpb $0x10, %al
  jne .L1
  movzbl (%rdi), %eax
  leaq 16(,%rsi,4), %rdx
  shlq %rdx
  retq
`)
	require.NoError(t, err)
	require.Len(t, code, 10)

	assert.Equal(t, MOV, code[0].Op)
	assert.Equal(t, uint16(64), code[0].Width)
	assert.Equal(t, Register{RDI, 64}, code[0].Operands[0].Reg)

	assert.Equal(t, int64(-8), code[1].Operands[0].Imm)

	assert.True(t, code[2].IsLabel())
	assert.Equal(t, ".L1", code[2].Label)

	mem, ok := code[3].MemOperand()
	require.True(t, ok)
	assert.Equal(t, Mem{HasBase: true, Base: RSP, HasIndex: true, Index: RCX, Scale: 8, Disp: 4}, mem)
	assert.Equal(t, uint16(32), code[3].Width)

	assert.Equal(t, uint16(8), code[4].Width)
	assert.Equal(t, int64(16), code[4].Operands[0].Imm)

	assert.True(t, code[5].IsCondJump())
	assert.Equal(t, CondNE, code[5].Cond)
	assert.Equal(t, ".L1", code[5].Target())

	assert.Equal(t, MOVZX, code[6].Op)
	assert.Equal(t, uint16(8), code[6].SrcWidth)
	assert.Equal(t, uint16(32), code[6].Width)

	_, ok = code[7].MemOperand()
	assert.False(t, ok, "lea does not dereference")

	assert.Equal(t, int64(1), code[8].Operands[0].Imm)
	assert.True(t, code[9].IsReturn())
}

func Test_ParseErrors(t *testing.T) {
	bad := []string{
		"frobq %rax",
		"addq %eax, %rbx",
		"movq $1, $2",
		"movq (%rax), (%rbx)",
		"addq $1, (%rax",
		"add $1, (%rax)",
		"jmp *%rax",
		"leaq %rax, %rbx",
		"shlq %rax, %rbx",
		"addq $0x100000000, %rax",
		"movq (%rax,%rbx,3), %rcx",
	}
	for _, line := range bad {
		_, err := Parse(line)
		assert.Error(t, err, line)
	}
}

func Test_InstructionString(t *testing.T) {
	code := MustParse("movq -8(%rbp), %rax\nje done\ndone:\naddl $3, %ecx\nmovslq %ecx, %rcx\n")
	assert.Equal(t, "movq -8(%rbp), %rax", code[0].String())
	assert.Equal(t, "je done", code[1].String())
	assert.Equal(t, "done:", code[2].String())
	assert.Equal(t, "addl $3, %ecx", code[3].String())
	assert.Equal(t, "movslq %ecx, %rcx", code[4].String())

	again := MustParse(code.String())
	assert.Equal(t, code, again)
}

func Test_RegSet(t *testing.T) {
	rs, err := ParseRegSet("%rax, rdx zf")
	require.NoError(t, err)
	assert.True(t, rs.ContainsReg(RAX))
	assert.True(t, rs.ContainsReg(RDX))
	assert.False(t, rs.ContainsReg(RBX))
	assert.True(t, rs.ContainsFlag(ZF))
	assert.Equal(t, "{ %rax %rdx %zf }", rs.String())

	other := NewRegSet(RAX).AddFlag(ZF).AddReg(RDX)
	assert.True(t, rs.Equal(other))
	assert.False(t, rs.Equal(NewRegSet(RAX)))

	_, err = ParseRegSet("rax, xmm0")
	assert.Error(t, err)
}

func Test_CondNegate(t *testing.T) {
	for c := CondE; c <= CondNO; c++ {
		assert.Equal(t, c, c.Negate().Negate())
		assert.NotEqual(t, c, c.Negate())
	}
}

func Test_CondEval(t *testing.T) {
	// cf zf sf of
	assert.True(t, CondL.Eval(false, false, true, false))
	assert.False(t, CondGE.Eval(false, false, true, false))
	assert.True(t, CondBE.Eval(false, true, false, false))
	assert.True(t, CondA.Eval(false, false, false, false))
	for c := CondE; c <= CondNO; c++ {
		for bits := 0; bits < 16; bits++ {
			cf, zf, sf, of := bits&1 != 0, bits&2 != 0, bits&4 != 0, bits&8 != 0
			assert.NotEqual(t, c.Eval(cf, zf, sf, of), c.Negate().Eval(cf, zf, sf, of), c.String())
		}
	}
}

func Test_MemAddress(t *testing.T) {
	var gp [NumRegs]uint64
	gp[RSP] = 0x1000
	gp[RCX] = 2
	instr, err := ParseInstruction("incl -4(%rsp,%rcx,8)")
	require.NoError(t, err)
	m, ok := instr.MemOperand()
	require.True(t, ok)
	assert.Equal(t, uint64(0x100c), m.Address(&gp))
}
