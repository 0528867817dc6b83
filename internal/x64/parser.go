package x64

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Parse reads AT&T syntax assembly, one instruction or label per line.
// '#' starts a comment; assembler directives are ignored.
func Parse(text string) (Code, error) {
	var code Code
	for lineno, line := range strings.Split(text, "\n") {
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasSuffix(line, ":") {
			name := strings.TrimSuffix(line, ":")
			if name == "" || strings.ContainsAny(name, " \t,") {
				return nil, errors.Errorf("line %d: bad label %q", lineno+1, line)
			}
			code = append(code, Instruction{Op: LABEL, Label: name})
			continue
		}
		if strings.HasPrefix(line, ".") {
			continue
		}
		instr, err := ParseInstruction(line)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineno+1)
		}
		code = append(code, instr)
	}
	return code, nil
}

func MustParse(text string) Code {
	code, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return code
}

func widthOfSuffix(c byte) uint16 {
	switch c {
	case 'b':
		return 8
	case 'w':
		return 16
	case 'l':
		return 32
	case 'q':
		return 64
	}
	return 0
}

func decodeMnemonic(m string) (Instruction, error) {
	m = strings.ToLower(m)
	if op, ok := aliases[m]; ok {
		return Instruction{Op: op}, nil
	}
	switch op := Operation(m); op {
	case NOP, RET, JMP:
		return Instruction{Op: op}, nil
	}
	if strings.HasPrefix(m, "j") {
		if c, ok := condsByName[m[1:]]; ok {
			return Instruction{Op: JCC, Cond: c}, nil
		}
	}
	if len(m) == 6 && (strings.HasPrefix(m, "movz") || strings.HasPrefix(m, "movs")) {
		src, dst := widthOfSuffix(m[4]), widthOfSuffix(m[5])
		if src != 0 && dst != 0 && src < dst {
			return Instruction{Op: Operation(m[:4]), SrcWidth: src, Width: dst}, nil
		}
	}
	if info, ok := opCodeInfos[Operation(m)]; ok && info.Sized {
		return Instruction{Op: info.Operation}, nil
	}
	if len(m) > 1 {
		if w := widthOfSuffix(m[len(m)-1]); w != 0 {
			base := m[:len(m)-1]
			if op, ok := aliases[base]; ok {
				base = string(op)
			}
			if info, ok := opCodeInfos[Operation(base)]; ok && info.Sized {
				return Instruction{Op: info.Operation, Width: w}, nil
			}
		}
	}
	return Instruction{}, errors.Errorf("unsupported mnemonic %q", m)
}

// splitOperands splits on commas outside parentheses.
func splitOperands(s string) []string {
	var out []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if rest := strings.TrimSpace(s[start:]); rest != "" || len(out) > 0 {
		out = append(out, rest)
	}
	return out
}

func parseInt(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if v, err := strconv.ParseInt(s, 0, 64); err == nil {
		return v, nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, errors.Errorf("bad number %q", s)
	}
	return int64(v), nil
}

func parseOperand(s string, isJump bool) (Operand, error) {
	switch {
	case s == "":
		return Operand{}, errors.New("empty operand")
	case strings.HasPrefix(s, "$"):
		v, err := parseInt(s[1:])
		if err != nil {
			return Operand{}, err
		}
		return Operand{Kind: OperandImm, Imm: v}, nil
	case strings.HasPrefix(s, "%"):
		r, ok := LookupRegister(s)
		if !ok {
			return Operand{}, errors.Errorf("unknown register %q", s)
		}
		return Operand{Kind: OperandReg, Reg: r}, nil
	case isJump:
		if strings.HasPrefix(s, "*") {
			return Operand{}, errors.New("indirect jumps are not supported")
		}
		return Operand{Kind: OperandLabel, Label: s}, nil
	}
	return parseMem(s)
}

func parseMem(s string) (Operand, error) {
	var m Mem
	open := strings.IndexByte(s, '(')
	if open < 0 {
		v, err := parseInt(s)
		if err != nil {
			return Operand{}, err
		}
		m.Disp = v
		return Operand{Kind: OperandMem, Mem: m}, nil
	}
	if !strings.HasSuffix(s, ")") {
		return Operand{}, errors.Errorf("bad memory operand %q", s)
	}
	disp, err := parseInt(s[:open])
	if err != nil {
		return Operand{}, err
	}
	m.Disp = disp
	parts := strings.Split(s[open+1:len(s)-1], ",")
	if len(parts) > 3 {
		return Operand{}, errors.Errorf("bad memory operand %q", s)
	}
	if base := strings.TrimSpace(parts[0]); base != "" {
		r, ok := LookupRegister(base)
		if !ok || r.Width != 64 {
			return Operand{}, errors.Errorf("bad base register in %q", s)
		}
		m.HasBase, m.Base = true, r.Reg
	}
	if len(parts) >= 2 {
		r, ok := LookupRegister(strings.TrimSpace(parts[1]))
		if !ok || r.Width != 64 {
			return Operand{}, errors.Errorf("bad index register in %q", s)
		}
		m.HasIndex, m.Index, m.Scale = true, r.Reg, 1
	}
	if len(parts) == 3 {
		scale, err := parseInt(parts[2])
		if err != nil || (scale != 1 && scale != 2 && scale != 4 && scale != 8) {
			return Operand{}, errors.Errorf("bad scale in %q", s)
		}
		m.Scale = uint8(scale)
	}
	return Operand{Kind: OperandMem, Mem: m}, nil
}

// ParseInstruction reads a single instruction.
func ParseInstruction(line string) (Instruction, error) {
	line = strings.TrimSpace(line)
	mnemonic, rest := line, ""
	if idx := strings.IndexAny(line, " \t"); idx >= 0 {
		mnemonic, rest = line[:idx], strings.TrimSpace(line[idx:])
	}
	instr, err := decodeMnemonic(mnemonic)
	if err != nil {
		return Instruction{}, err
	}
	for _, s := range splitOperands(rest) {
		op, err := parseOperand(s, instr.IsJump())
		if err != nil {
			return Instruction{}, errors.Wrapf(err, "%s", line)
		}
		instr.Operands = append(instr.Operands, op)
	}
	if err := instr.normalize(); err != nil {
		return Instruction{}, errors.Wrapf(err, "%s", line)
	}
	return instr, nil
}

func (i *Instruction) normalize() error {
	info := opCodeInfos[i.Op]
	if (i.Op == SHL || i.Op == SHR || i.Op == SAR) && len(i.Operands) == 1 {
		i.Operands = append([]Operand{{Kind: OperandImm, Imm: 1}}, i.Operands...)
	}
	if len(i.Operands) != info.Operands {
		return errors.Errorf("%s takes %d operands, got %d", i.Op, info.Operands, len(i.Operands))
	}
	if i.IsJump() {
		if i.Operands[0].Kind != OperandLabel {
			return errors.New("indirect jumps are not supported")
		}
		return nil
	}

	regWidth := uint16(0)
	mems := 0
	for k, o := range i.Operands {
		switch o.Kind {
		case OperandReg:
			isShiftCount := k == 0 && (i.Op == SHL || i.Op == SHR || i.Op == SAR)
			isExtendSrc := k == 0 && (i.Op == MOVZX || i.Op == MOVSX)
			if !isShiftCount && !isExtendSrc {
				if regWidth != 0 && regWidth != o.Reg.Width {
					return errors.New("operand size mismatch")
				}
				regWidth = o.Reg.Width
			}
		case OperandMem:
			mems++
		case OperandLabel:
			return errors.Errorf("unexpected label operand %s", o.Label)
		}
	}
	if mems > 1 {
		return errors.New("at most one memory operand")
	}
	if i.Width == 0 {
		i.Width = regWidth
	}
	if info.Operands > 0 && i.Width == 0 {
		return errors.New("ambiguous operand size")
	}
	if regWidth != 0 && regWidth != i.Width {
		return errors.New("suffix does not match register size")
	}
	if info.WritesDest && i.Dest().Kind == OperandImm {
		return errors.New("immediate destination")
	}

	switch i.Op {
	case LEA, IMUL, MOVZX, MOVSX:
		if i.Dest().Kind != OperandReg {
			return errors.Errorf("%s needs a register destination", i.Op)
		}
	case SHL, SHR, SAR:
		c := i.Operands[0]
		if c.Kind == OperandMem || (c.Kind == OperandReg && c.Reg != (Register{RCX, 8})) {
			return errors.New("shift count must be an immediate or %cl")
		}
	}
	switch i.Op {
	case LEA:
		if i.Operands[0].Kind != OperandMem || i.Width < 16 {
			return errors.New("lea needs a memory source and a 16/32/64-bit destination")
		}
	case MOVZX, MOVSX:
		src := i.Operands[0]
		if src.Kind == OperandImm {
			return errors.New("extension of an immediate")
		}
		if src.Kind == OperandReg && src.Reg.Width != i.SrcWidth {
			return errors.New("suffix does not match source size")
		}
	}
	for _, o := range i.Operands {
		if o.Kind == OperandImm && i.Width == 64 && (o.Imm > 0x7fffffff || o.Imm < -0x80000000) && i.Op != MOV {
			return errors.New("immediate does not fit in 32 bits")
		}
	}
	return nil
}
