// Package cfg splits programs into basic blocks and enumerates bounded paths.
package cfg

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"bvcheck/internal/x64"
)

type BlockID int

// Exit is the pseudo-block reached by returning or falling off the end.
const Exit BlockID = -1

func (b BlockID) String() string {
	if b == Exit {
		return "exit"
	}
	return fmt.Sprintf("%d", int(b))
}

type Block struct {
	ID BlockID
	// instruction index range [Start, End) in Code
	Start, End int
	// fall-through successor first, then the jump target
	Succs []BlockID
}

type Cfg struct {
	Code     x64.Code
	Blocks   []Block
	DefIns   x64.RegSet
	LiveOuts x64.RegSet
	labels   map[string]BlockID
}

// New builds the control flow graph of code. Labels start blocks; jumps and
// returns end them.
func New(code x64.Code, defIns, liveOuts x64.RegSet) (*Cfg, error) {
	c := &Cfg{
		Code:     code,
		DefIns:   defIns,
		LiveOuts: liveOuts,
		labels:   make(map[string]BlockID),
	}

	leaders := map[int]bool{0: true}
	for i := range code {
		instr := &code[i]
		if instr.IsLabel() {
			leaders[i] = true
		}
		if instr.IsJump() || instr.IsReturn() {
			leaders[i+1] = true
		}
	}
	start := 0
	for i := 1; i <= len(code); i++ {
		if i == len(code) || leaders[i] {
			c.Blocks = append(c.Blocks, Block{ID: BlockID(len(c.Blocks)), Start: start, End: i})
			start = i
		}
	}
	if len(c.Blocks) == 0 {
		c.Blocks = append(c.Blocks, Block{ID: 0})
	}

	for _, b := range c.Blocks {
		if b.End > b.Start && code[b.Start].IsLabel() {
			name := code[b.Start].Label
			if _, dup := c.labels[name]; dup {
				return nil, errors.Errorf("duplicate label %s", name)
			}
			c.labels[name] = b.ID
		}
	}

	for i := range c.Blocks {
		b := &c.Blocks[i]
		next := BlockID(i + 1)
		if int(next) >= len(c.Blocks) {
			next = Exit
		}
		if b.End == b.Start {
			b.Succs = []BlockID{next}
			continue
		}
		last := &code[b.End-1]
		switch {
		case last.IsReturn():
			b.Succs = []BlockID{Exit}
		case last.IsUncondJump():
			target, ok := c.labels[last.Target()]
			if !ok {
				return nil, errors.Errorf("undefined label %s", last.Target())
			}
			b.Succs = []BlockID{target}
		case last.IsCondJump():
			target, ok := c.labels[last.Target()]
			if !ok {
				return nil, errors.Errorf("undefined label %s", last.Target())
			}
			if target == next {
				b.Succs = []BlockID{next}
			} else {
				b.Succs = []BlockID{next, target}
			}
		default:
			b.Succs = []BlockID{next}
		}
	}
	return c, nil
}

func (c *Cfg) Entry() BlockID {
	return 0
}

func (c *Cfg) NumBlocks() int {
	return len(c.Blocks)
}

func (c *Cfg) Block(id BlockID) *Block {
	return &c.Blocks[id]
}

func (c *Cfg) Successors(id BlockID) []BlockID {
	return c.Blocks[id].Succs
}

func (c *Cfg) Instructions(id BlockID) []x64.Instruction {
	b := c.Blocks[id]
	return c.Code[b.Start:b.End]
}

// LastInstruction returns the final instruction of a block, if any.
func (c *Cfg) LastInstruction(id BlockID) (*x64.Instruction, bool) {
	b := c.Blocks[id]
	if b.End == b.Start {
		return nil, false
	}
	return &c.Code[b.End-1], true
}

// BlockOf maps an instruction index to its block.
func (c *Cfg) BlockOf(index int) BlockID {
	for _, b := range c.Blocks {
		if index >= b.Start && index < b.End {
			return b.ID
		}
	}
	return Exit
}

func (c *Cfg) LabelBlock(name string) (BlockID, bool) {
	id, ok := c.labels[name]
	return id, ok
}

func (c *Cfg) String() string {
	var sb strings.Builder
	for _, b := range c.Blocks {
		succs := make([]string, len(b.Succs))
		for i, s := range b.Succs {
			succs[i] = s.String()
		}
		fmt.Fprintf(&sb, "block %d -> [%s]\n", b.ID, strings.Join(succs, " "))
		for _, instr := range c.Code[b.Start:b.End] {
			fmt.Fprintf(&sb, "  %s\n", instr.String())
		}
	}
	return sb.String()
}
