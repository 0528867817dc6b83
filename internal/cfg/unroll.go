package cfg

import (
	"strings"

	"bvcheck/internal/x64"
)

// Line is one executable instruction of an unrolled path.
type Line struct {
	Instr x64.Instruction
	// position in the unrolled sequence; memory dereferences are keyed by it
	Number int
	// index of the instruction in Code
	Index int
	Block BlockID
	// position of Block within the path
	PathIndex int
	// direction of a conditional jump
	Jump JumpType
}

// Unroll flattens path p into straight-line code. Labels, unconditional
// jumps, nops and returns carry no semantics once the path is fixed and are
// dropped; conditional jumps stay with the direction the path takes.
func Unroll(c *Cfg, p Path, end BlockID) []Line {
	var lines []Line
	for i, id := range p {
		b := c.Block(id)
		for idx := b.Start; idx < b.End; idx++ {
			instr := c.Code[idx]
			if instr.IsLabel() || instr.IsUncondJump() || instr.IsNop() || instr.IsReturn() {
				continue
			}
			line := Line{
				Instr:     instr,
				Number:    len(lines),
				Index:     idx,
				Block:     id,
				PathIndex: i,
			}
			if instr.IsCondJump() {
				line.Jump = JumpTypeAt(c, p, i, end)
			}
			lines = append(lines, line)
		}
	}
	return lines
}

func LinesString(lines []Line) string {
	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString(l.Instr.String())
		if l.Jump != JumpNone {
			sb.WriteString("   # " + l.Jump.String())
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
