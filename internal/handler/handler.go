// Package handler translates instructions into updates of a symbolic state.
package handler

import (
	"fmt"

	"github.com/pkg/errors"

	"bvcheck/internal/expr"
	"bvcheck/internal/symstate"
	"bvcheck/internal/x64"
)

var ErrUnsupported = errors.New("unsupported instruction")

type Handler interface {
	Supported(instr *x64.Instruction) bool
	// BuildCircuit applies instr to s. Control flow instructions leave s
	// unchanged; path directions are the caller's business.
	BuildCircuit(instr *x64.Instruction, s *symstate.SymState) error
}

// SimpleHandler covers the whole x64 subset.
type SimpleHandler struct {
	// UninterpretedMul models multiplication by uninterpreted functions,
	// which keeps nonlinear arithmetic out of the solver.
	UninterpretedMul bool
}

func NewSimpleHandler() *SimpleHandler {
	return &SimpleHandler{}
}

func (h *SimpleHandler) Supported(instr *x64.Instruction) bool {
	_, ok := x64.GetOPCodeInfo(instr.Op)
	return ok
}

func (h *SimpleHandler) BuildCircuit(instr *x64.Instruction, s *symstate.SymState) error {
	if !h.Supported(instr) {
		return errors.Wrapf(ErrUnsupported, "%s", instr)
	}
	a := s.Arena()
	w := instr.Width
	ops := instr.Operands

	switch instr.Op {
	case x64.NOP, x64.RET, x64.JMP, x64.JCC, x64.LABEL:
		return nil

	case x64.MOV:
		s.Write(ops[1], s.Read(ops[0], w))

	case x64.MOVZX:
		s.Write(ops[1], s.Read(ops[0], instr.SrcWidth).ZeroExtend(w))

	case x64.MOVSX:
		s.Write(ops[1], s.Read(ops[0], instr.SrcWidth).SignExtend(w))

	case x64.LEA:
		addr := s.Address(ops[0].Mem)
		s.Write(ops[1], addr.Extract(w-1, 0))

	case x64.ADD:
		dst, src := s.Read(ops[1], w), s.Read(ops[0], w)
		res := dst.Add(src)
		setAddFlags(s, dst, src, res, true)
		s.Write(ops[1], res)

	case x64.SUB, x64.CMP:
		dst, src := s.Read(ops[1], w), s.Read(ops[0], w)
		res := dst.Sub(src)
		setSubFlags(s, dst, src, res, true)
		if instr.Op == x64.SUB {
			s.Write(ops[1], res)
		}

	case x64.AND, x64.OR, x64.XOR, x64.TEST:
		dst, src := s.Read(ops[1], w), s.Read(ops[0], w)
		var res expr.BV
		switch instr.Op {
		case x64.AND, x64.TEST:
			res = dst.And(src)
		case x64.OR:
			res = dst.Or(src)
		default:
			res = dst.Xor(src)
		}
		s.Flags[x64.CF], s.Flags[x64.OF] = a.False(), a.False()
		setResultFlags(s, res)
		if instr.Op != x64.TEST {
			s.Write(ops[1], res)
		}

	case x64.INC:
		dst := s.Read(ops[0], w)
		one := a.BVConst(1, w)
		res := dst.Add(one)
		setAddFlags(s, dst, one, res, false)
		s.Write(ops[0], res)

	case x64.DEC:
		dst := s.Read(ops[0], w)
		one := a.BVConst(1, w)
		res := dst.Sub(one)
		setSubFlags(s, dst, one, res, false)
		s.Write(ops[0], res)

	case x64.NEG:
		dst := s.Read(ops[0], w)
		zero := a.BVConst(0, w)
		res := zero.Sub(dst)
		setSubFlags(s, zero, dst, res, true)
		s.Write(ops[0], res)

	case x64.NOT:
		s.Write(ops[0], s.Read(ops[0], w).Not())

	case x64.SHL, x64.SHR, x64.SAR:
		h.shift(instr, s)

	case x64.IMUL:
		dst, src := s.Read(ops[1], w), s.Read(ops[0], w)
		res, full := h.multiply(a, dst, src)
		overflow := res.SignExtend(2 * w).Ne(full)
		s.Flags[x64.CF], s.Flags[x64.OF] = overflow, overflow
		setResultFlags(s, res)
		s.Write(ops[1], res)

	default:
		return errors.Wrapf(ErrUnsupported, "%s", instr)
	}
	return nil
}

func (h *SimpleHandler) multiply(a *expr.Arena, x, y expr.BV) (expr.BV, expr.BV) {
	w := x.Width()
	xs, ys := x.SignExtend(2*w), y.SignExtend(2*w)
	if h.UninterpretedMul {
		full := a.Apply(fmt.Sprintf("mul%d", 2*w), 2*w, xs, ys)
		return full.Extract(w-1, 0), full
	}
	full := xs.Mul(ys)
	return x.Mul(y), full
}

func msb(x expr.BV) expr.Bool {
	w := x.Width()
	return x.Extract(w-1, w-1).Eq(x.Arena().BVConst(1, 1))
}

func setResultFlags(s *symstate.SymState, res expr.BV) {
	s.Flags[x64.ZF] = res.Eq(s.Arena().BVConst(0, res.Width()))
	s.Flags[x64.SF] = msb(res)
}

func setAddFlags(s *symstate.SymState, x, y, res expr.BV, carry bool) {
	if carry {
		s.Flags[x64.CF] = res.ULt(x)
	}
	sameSign := msb(x).Iff(msb(y))
	s.Flags[x64.OF] = sameSign.And(msb(res).Xor(msb(x)))
	setResultFlags(s, res)
}

func setSubFlags(s *symstate.SymState, x, y, res expr.BV, carry bool) {
	if carry {
		s.Flags[x64.CF] = x.ULt(y)
	}
	diffSign := msb(x).Xor(msb(y))
	s.Flags[x64.OF] = diffSign.And(msb(res).Xor(msb(x)))
	setResultFlags(s, res)
}

// shift masks the count to 5 bits (6 for 64-bit operands). A zero count
// leaves the flags alone. CF is the last bit shifted out; OF is computed as
// for a one bit shift whatever the count.
func (h *SimpleHandler) shift(instr *x64.Instruction, s *symstate.SymState) {
	a := s.Arena()
	w := instr.Width
	ops := instr.Operands
	mask := uint64(0x1f)
	if w == 64 {
		mask = 0x3f
	}

	var count expr.BV
	if ops[0].Kind == x64.OperandImm {
		count = a.BVConst(uint64(ops[0].Imm)&mask, w)
	} else {
		cl := s.Reg(ops[0].Reg)
		if w > 8 {
			cl = cl.ZeroExtend(w)
		}
		count = cl.And(a.BVConst(mask, w))
	}

	dst := s.Read(ops[1], w)
	one := a.BVConst(1, w)
	var res, lastOut expr.BV
	var of expr.Bool
	switch instr.Op {
	case x64.SHL:
		res = dst.Shl(count)
		lastOut = dst.Lshr(a.BVConst(uint64(w), w).Sub(count))
		cf := lastOut.And(one).Eq(one)
		of = msb(res).Xor(cf)
	case x64.SHR:
		res = dst.Lshr(count)
		lastOut = dst.Lshr(count.Sub(one))
		of = msb(dst)
	case x64.SAR:
		res = dst.Ashr(count)
		lastOut = dst.Ashr(count.Sub(one))
		of = a.False()
	}
	cf := lastOut.And(one).Eq(one)

	zero := count.Eq(a.BVConst(0, w))
	old := s.Flags
	setResultFlags(s, res)
	s.Flags[x64.CF] = zero.Ite(old[x64.CF], cf)
	s.Flags[x64.OF] = zero.Ite(old[x64.OF], of)
	s.Flags[x64.ZF] = zero.Ite(old[x64.ZF], s.Flags[x64.ZF])
	s.Flags[x64.SF] = zero.Ite(old[x64.SF], s.Flags[x64.SF])
	s.Write(ops[1], res)
}
