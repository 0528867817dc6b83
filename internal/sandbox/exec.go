package sandbox

import (
	"math/big"

	"bvcheck/internal/cpustate"
	"bvcheck/internal/x64"
)

// fault describes the access that stopped a run.
type fault struct {
	addr uint64
	size int
}

func mask(w uint16) uint64 {
	if w >= 64 {
		return ^uint64(0)
	}
	return 1<<w - 1
}

func msb(v uint64, w uint16) bool {
	return v>>(w-1)&1 == 1
}

func signExtend(v uint64, from uint16) uint64 {
	if from >= 64 {
		return v
	}
	shift := 64 - from
	return uint64(int64(v<<shift) >> shift)
}

type machine struct {
	cs    *cpustate.CpuState
	fault *fault
}

func (m *machine) reg(r x64.Register) uint64 {
	return m.cs.GP[r.Reg] & mask(r.Width)
}

func (m *machine) setReg(r x64.Register, v uint64) {
	v &= mask(r.Width)
	switch r.Width {
	case 64, 32:
		m.cs.GP[r.Reg] = v
	default:
		m.cs.GP[r.Reg] = m.cs.GP[r.Reg]&^mask(r.Width) | v
	}
}

func (m *machine) read(op x64.Operand, w uint16) uint64 {
	switch op.Kind {
	case x64.OperandImm:
		return uint64(op.Imm) & mask(w)
	case x64.OperandReg:
		return m.reg(op.Reg)
	case x64.OperandMem:
		addr := op.Mem.Address(&m.cs.GP)
		v, ok := m.cs.Read(addr, int(w/8))
		if !ok && m.fault == nil {
			m.fault = &fault{addr, int(w / 8)}
		}
		return v
	}
	return 0
}

func (m *machine) write(op x64.Operand, w uint16, v uint64) {
	switch op.Kind {
	case x64.OperandReg:
		m.setReg(op.Reg, v)
	case x64.OperandMem:
		addr := op.Mem.Address(&m.cs.GP)
		if !m.cs.Write(addr, int(w/8), v&mask(w)) && m.fault == nil {
			m.fault = &fault{addr, int(w / 8)}
		}
	}
}

func (m *machine) resultFlags(res uint64, w uint16) {
	m.cs.Flags[x64.ZF] = res&mask(w) == 0
	m.cs.Flags[x64.SF] = msb(res, w)
}

func (m *machine) addFlags(x, y, res uint64, w uint16, carry bool) {
	if carry {
		m.cs.Flags[x64.CF] = res < x
	}
	m.cs.Flags[x64.OF] = msb(x, w) == msb(y, w) && msb(res, w) != msb(x, w)
	m.resultFlags(res, w)
}

func (m *machine) subFlags(x, y, res uint64, w uint16, carry bool) {
	if carry {
		m.cs.Flags[x64.CF] = x < y
	}
	m.cs.Flags[x64.OF] = msb(x, w) != msb(y, w) && msb(res, w) != msb(x, w)
	m.resultFlags(res, w)
}

// step executes one instruction and reports whether a jump is taken. The
// flag definitions match the symbolic handler.
func (m *machine) step(instr *x64.Instruction) bool {
	w := instr.Width
	ops := instr.Operands
	mk := mask(w)
	cs := m.cs

	switch instr.Op {
	case x64.JMP:
		return true
	case x64.JCC:
		return instr.Cond.Eval(cs.Flags[x64.CF], cs.Flags[x64.ZF], cs.Flags[x64.SF], cs.Flags[x64.OF])

	case x64.MOV:
		m.write(ops[1], w, m.read(ops[0], w))
	case x64.MOVZX:
		m.write(ops[1], w, m.read(ops[0], instr.SrcWidth))
	case x64.MOVSX:
		m.write(ops[1], w, signExtend(m.read(ops[0], instr.SrcWidth), instr.SrcWidth)&mk)
	case x64.LEA:
		m.write(ops[1], w, ops[0].Mem.Address(&cs.GP)&mk)

	case x64.ADD:
		x, y := m.read(ops[1], w), m.read(ops[0], w)
		res := (x + y) & mk
		m.addFlags(x, y, res, w, true)
		m.write(ops[1], w, res)
	case x64.SUB, x64.CMP:
		x, y := m.read(ops[1], w), m.read(ops[0], w)
		res := (x - y) & mk
		m.subFlags(x, y, res, w, true)
		if instr.Op == x64.SUB {
			m.write(ops[1], w, res)
		}
	case x64.AND, x64.OR, x64.XOR, x64.TEST:
		x, y := m.read(ops[1], w), m.read(ops[0], w)
		var res uint64
		switch instr.Op {
		case x64.AND, x64.TEST:
			res = x & y
		case x64.OR:
			res = x | y
		default:
			res = x ^ y
		}
		cs.Flags[x64.CF], cs.Flags[x64.OF] = false, false
		m.resultFlags(res, w)
		if instr.Op != x64.TEST {
			m.write(ops[1], w, res)
		}
	case x64.INC:
		x := m.read(ops[0], w)
		res := (x + 1) & mk
		m.addFlags(x, 1, res, w, false)
		m.write(ops[0], w, res)
	case x64.DEC:
		x := m.read(ops[0], w)
		res := (x - 1) & mk
		m.subFlags(x, 1, res, w, false)
		m.write(ops[0], w, res)
	case x64.NEG:
		x := m.read(ops[0], w)
		res := -x & mk
		m.subFlags(0, x, res, w, true)
		m.write(ops[0], w, res)
	case x64.NOT:
		m.write(ops[0], w, ^m.read(ops[0], w)&mk)

	case x64.SHL, x64.SHR, x64.SAR:
		m.shift(instr)

	case x64.IMUL:
		x, y := m.read(ops[1], w), m.read(ops[0], w)
		res := (x * y) & mk
		full := new(big.Int).Mul(
			big.NewInt(int64(signExtend(x, w))),
			big.NewInt(int64(signExtend(y, w))))
		overflow := big.NewInt(int64(signExtend(res, w))).Cmp(full) != 0
		cs.Flags[x64.CF], cs.Flags[x64.OF] = overflow, overflow
		m.resultFlags(res, w)
		m.write(ops[1], w, res)
	}
	return false
}

func (m *machine) shift(instr *x64.Instruction) {
	w := instr.Width
	ops := instr.Operands
	cs := m.cs
	limit := uint64(0x1f)
	if w == 64 {
		limit = 0x3f
	}
	count := m.read(ops[0], 8) & limit
	if ops[0].Kind == x64.OperandImm {
		count = uint64(ops[0].Imm) & limit
	}
	x := m.read(ops[1], w)
	if count == 0 {
		m.write(ops[1], w, x)
		return
	}

	var res uint64
	var cf, of bool
	switch instr.Op {
	case x64.SHL:
		if count < 64 {
			res = x << count & mask(w)
		}
		if count <= uint64(w) {
			cf = x>>(uint64(w)-count)&1 == 1
		}
		of = msb(res, w) != cf
	case x64.SHR:
		if count < 64 {
			res = x >> count
		}
		if count-1 < uint64(w) {
			cf = x>>(count-1)&1 == 1
		}
		of = msb(x, w)
	case x64.SAR:
		sx := int64(signExtend(x, w))
		res = uint64(sx>>count) & mask(w)
		if count-1 < uint64(w) {
			cf = uint64(sx>>(count-1))&1 == 1
		} else {
			cf = msb(x, w)
		}
	}
	cs.Flags[x64.CF], cs.Flags[x64.OF] = cf, of
	m.resultFlags(res, w)
	m.write(ops[1], w, res)
}
