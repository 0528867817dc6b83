package x64

import (
	"fmt"
	"strings"
)

type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandImm
	OperandReg
	OperandMem
	OperandLabel
)

// Mem is an AT&T memory operand disp(base,index,scale).
type Mem struct {
	HasBase  bool
	Base     Reg
	HasIndex bool
	Index    Reg
	Scale    uint8
	Disp     int64
}

func (m Mem) String() string {
	var sb strings.Builder
	if m.Disp != 0 || (!m.HasBase && !m.HasIndex) {
		fmt.Fprintf(&sb, "%d", m.Disp)
	}
	if m.HasBase || m.HasIndex {
		sb.WriteByte('(')
		if m.HasBase {
			sb.WriteString("%" + m.Base.String())
		}
		if m.HasIndex {
			fmt.Fprintf(&sb, ",%%%s,%d", m.Index, m.Scale)
		}
		sb.WriteByte(')')
	}
	return sb.String()
}

// Address computes the effective address against concrete register values.
func (m Mem) Address(gp *[NumRegs]uint64) uint64 {
	addr := uint64(m.Disp)
	if m.HasBase {
		addr += gp[m.Base]
	}
	if m.HasIndex {
		addr += gp[m.Index] * uint64(m.Scale)
	}
	return addr
}

type Operand struct {
	Kind  OperandKind
	Imm   int64
	Reg   Register
	Mem   Mem
	Label string
}

func (o Operand) String() string {
	switch o.Kind {
	case OperandImm:
		return fmt.Sprintf("$%d", o.Imm)
	case OperandReg:
		return "%" + o.Reg.String()
	case OperandMem:
		return o.Mem.String()
	case OperandLabel:
		return o.Label
	}
	return ""
}

// Cond is the condition of a conditional jump.
type Cond uint8

const (
	CondNone Cond = iota
	CondE
	CondNE
	CondL
	CondLE
	CondG
	CondGE
	CondB
	CondBE
	CondA
	CondAE
	CondS
	CondNS
	CondO
	CondNO
)

var condNames = map[Cond]string{
	CondE: "e", CondNE: "ne", CondL: "l", CondLE: "le", CondG: "g", CondGE: "ge",
	CondB: "b", CondBE: "be", CondA: "a", CondAE: "ae", CondS: "s", CondNS: "ns",
	CondO: "o", CondNO: "no",
}

var condsByName = map[string]Cond{
	"e": CondE, "z": CondE, "ne": CondNE, "nz": CondNE,
	"l": CondL, "nge": CondL, "le": CondLE, "ng": CondLE,
	"g": CondG, "nle": CondG, "ge": CondGE, "nl": CondGE,
	"b": CondB, "c": CondB, "nae": CondB, "be": CondBE, "na": CondBE,
	"a": CondA, "nbe": CondA, "ae": CondAE, "nb": CondAE, "nc": CondAE,
	"s": CondS, "ns": CondNS, "o": CondO, "no": CondNO,
}

func (c Cond) String() string {
	return condNames[c]
}

// Negate returns the condition that holds exactly when c does not.
func (c Cond) Negate() Cond {
	switch c {
	case CondE:
		return CondNE
	case CondNE:
		return CondE
	case CondL:
		return CondGE
	case CondGE:
		return CondL
	case CondLE:
		return CondG
	case CondG:
		return CondLE
	case CondB:
		return CondAE
	case CondAE:
		return CondB
	case CondBE:
		return CondA
	case CondA:
		return CondBE
	case CondS:
		return CondNS
	case CondNS:
		return CondS
	case CondO:
		return CondNO
	case CondNO:
		return CondO
	}
	return CondNone
}

// Eval tells whether the condition holds for the given flag values.
func (c Cond) Eval(cf, zf, sf, of bool) bool {
	switch c {
	case CondE:
		return zf
	case CondNE:
		return !zf
	case CondL:
		return sf != of
	case CondLE:
		return zf || sf != of
	case CondG:
		return !zf && sf == of
	case CondGE:
		return sf == of
	case CondB:
		return cf
	case CondBE:
		return cf || zf
	case CondA:
		return !cf && !zf
	case CondAE:
		return !cf
	case CondS:
		return sf
	case CondNS:
		return !sf
	case CondO:
		return of
	case CondNO:
		return !of
	}
	return false
}

// Instruction is one parsed line. Operands are in AT&T order, destination last.
type Instruction struct {
	Op       Operation
	Width    uint16
	SrcWidth uint16
	Cond     Cond
	Operands []Operand
	Label    string
}

func (i *Instruction) IsLabel() bool      { return i.Op == LABEL }
func (i *Instruction) IsReturn() bool     { return i.Op == RET }
func (i *Instruction) IsUncondJump() bool { return i.Op == JMP }
func (i *Instruction) IsCondJump() bool   { return i.Op == JCC }
func (i *Instruction) IsJump() bool       { return i.Op == JMP || i.Op == JCC }
func (i *Instruction) IsNop() bool        { return i.Op == NOP }

// Target is the label a jump goes to.
func (i *Instruction) Target() string {
	if !i.IsJump() || len(i.Operands) == 0 {
		return ""
	}
	return i.Operands[0].Label
}

// Dest is the written operand.
func (i *Instruction) Dest() Operand {
	if len(i.Operands) == 0 {
		return Operand{}
	}
	return i.Operands[len(i.Operands)-1]
}

// MemOperand returns the memory operand an instruction dereferences. lea
// computes an address without touching memory.
func (i *Instruction) MemOperand() (Mem, bool) {
	if i.Op == LEA {
		return Mem{}, false
	}
	for _, o := range i.Operands {
		if o.Kind == OperandMem {
			return o.Mem, true
		}
	}
	return Mem{}, false
}

func suffix(width uint16) string {
	switch width {
	case 8:
		return "b"
	case 16:
		return "w"
	case 32:
		return "l"
	case 64:
		return "q"
	}
	return ""
}

func (i *Instruction) Mnemonic() string {
	switch i.Op {
	case JCC:
		return "j" + i.Cond.String()
	case MOVZX, MOVSX:
		return string(i.Op) + suffix(i.SrcWidth) + suffix(i.Width)
	}
	if info, ok := opCodeInfos[i.Op]; ok && info.Sized {
		return string(i.Op) + suffix(i.Width)
	}
	return string(i.Op)
}

func (i *Instruction) String() string {
	if i.IsLabel() {
		return i.Label + ":"
	}
	var sb strings.Builder
	sb.WriteString(i.Mnemonic())
	for k, o := range i.Operands {
		if k == 0 {
			sb.WriteByte(' ')
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(o.String())
	}
	return sb.String()
}

// Code is a parsed program.
type Code []Instruction

func (c Code) String() string {
	var sb strings.Builder
	for i := range c {
		if !c[i].IsLabel() {
			sb.WriteString("  ")
		}
		sb.WriteString(c[i].String())
		sb.WriteByte('\n')
	}
	return sb.String()
}
