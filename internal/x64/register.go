package x64

import (
	"strings"

	"github.com/pkg/errors"
)

// Reg is one of the 16 general purpose registers.
type Reg uint8

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	NumRegs
)

var regNames64 = [NumRegs]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}
var regNames32 = [NumRegs]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi",
	"r8d", "r9d", "r10d", "r11d", "r12d", "r13d", "r14d", "r15d"}
var regNames16 = [NumRegs]string{"ax", "cx", "dx", "bx", "sp", "bp", "si", "di",
	"r8w", "r9w", "r10w", "r11w", "r12w", "r13w", "r14w", "r15w"}
var regNames8 = [NumRegs]string{"al", "cl", "dl", "bl", "spl", "bpl", "sil", "dil",
	"r8b", "r9b", "r10b", "r11b", "r12b", "r13b", "r14b", "r15b"}

func (r Reg) String() string {
	if r >= NumRegs {
		return "?"
	}
	return regNames64[r]
}

// Register is a view of Width bits of a general purpose register.
type Register struct {
	Reg   Reg
	Width uint16
}

func (r Register) String() string {
	switch r.Width {
	case 32:
		return regNames32[r.Reg]
	case 16:
		return regNames16[r.Reg]
	case 8:
		return regNames8[r.Reg]
	}
	return regNames64[r.Reg]
}

var registersByName map[string]Register

func init() {
	registersByName = make(map[string]Register)
	for r := Reg(0); r < NumRegs; r++ {
		registersByName[regNames64[r]] = Register{r, 64}
		registersByName[regNames32[r]] = Register{r, 32}
		registersByName[regNames16[r]] = Register{r, 16}
		registersByName[regNames8[r]] = Register{r, 8}
	}
}

func LookupRegister(name string) (Register, bool) {
	r, ok := registersByName[strings.ToLower(strings.TrimPrefix(name, "%"))]
	return r, ok
}

// Flag is a status flag.
type Flag uint8

const (
	CF Flag = iota
	ZF
	SF
	OF
	NumFlags
)

var flagNames = [NumFlags]string{"cf", "zf", "sf", "of"}

func (f Flag) String() string {
	if f >= NumFlags {
		return "?"
	}
	return flagNames[f]
}

// RegSet is a set of general purpose registers and flags.
type RegSet struct {
	gp    uint16
	flags uint8
}

func NewRegSet(regs ...Reg) RegSet {
	var rs RegSet
	for _, r := range regs {
		rs = rs.AddReg(r)
	}
	return rs
}

// AllRegs is every register and flag.
func AllRegs() RegSet {
	return RegSet{gp: 0xffff, flags: 1<<NumFlags - 1}
}

func (rs RegSet) AddReg(r Reg) RegSet {
	rs.gp |= 1 << r
	return rs
}

func (rs RegSet) AddFlag(f Flag) RegSet {
	rs.flags |= 1 << f
	return rs
}

func (rs RegSet) ContainsReg(r Reg) bool {
	return rs.gp&(1<<r) != 0
}

func (rs RegSet) ContainsFlag(f Flag) bool {
	return rs.flags&(1<<f) != 0
}

func (rs RegSet) Union(other RegSet) RegSet {
	return RegSet{gp: rs.gp | other.gp, flags: rs.flags | other.flags}
}

func (rs RegSet) Equal(other RegSet) bool {
	return rs == other
}

func (rs RegSet) Regs() []Reg {
	var out []Reg
	for r := Reg(0); r < NumRegs; r++ {
		if rs.ContainsReg(r) {
			out = append(out, r)
		}
	}
	return out
}

func (rs RegSet) Flags() []Flag {
	var out []Flag
	for f := Flag(0); f < NumFlags; f++ {
		if rs.ContainsFlag(f) {
			out = append(out, f)
		}
	}
	return out
}

func (rs RegSet) String() string {
	names := make([]string, 0)
	for _, r := range rs.Regs() {
		names = append(names, "%"+r.String())
	}
	for _, f := range rs.Flags() {
		names = append(names, "%"+f.String())
	}
	return "{ " + strings.Join(names, " ") + " }"
}

// ParseRegSet reads a comma or space separated list like "rax,rdx,zf".
func ParseRegSet(text string) (RegSet, error) {
	var rs RegSet
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ' ' || r == '{' || r == '}'
	})
	for _, f := range fields {
		name := strings.ToLower(strings.TrimPrefix(f, "%"))
		if reg, ok := registersByName[name]; ok {
			rs = rs.AddReg(reg.Reg)
			continue
		}
		found := false
		for fl := Flag(0); fl < NumFlags; fl++ {
			if flagNames[fl] == name {
				rs = rs.AddFlag(fl)
				found = true
			}
		}
		if !found {
			return RegSet{}, errors.Errorf("unknown register %q", f)
		}
	}
	return rs, nil
}
