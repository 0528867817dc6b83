package cfg

import (
	"fmt"
	"strings"

	"bvcheck/internal/strategy"
)

// Path is a sequence of blocks starting at the entry.
type Path []BlockID

func (p Path) String() string {
	parts := make([]string, len(p))
	for i, b := range p {
		parts[i] = b.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func (p Path) Equal(q Path) bool {
	if len(p) != len(q) {
		return false
	}
	for i := range p {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}

type partialPath struct {
	blocks Path
	visits map[BlockID]int
}

// EnumeratePaths lists every entry-to-exit path that visits each block at
// most bound times.
func EnumeratePaths(c *Cfg, bound int) []Path {
	if bound < 1 {
		bound = 1
	}
	var paths []Path
	work := strategy.NewDFS[partialPath]()
	_ = work.Push(partialPath{
		blocks: Path{c.Entry()},
		visits: map[BlockID]int{c.Entry(): 1},
	})
	for work.HasNext() {
		pp, _ := work.Pop()
		last := pp.blocks[len(pp.blocks)-1]
		succs := c.Successors(last)
		// reverse push keeps fall-through paths first
		for i := len(succs) - 1; i >= 0; i-- {
			next := succs[i]
			if next == Exit {
				done := make(Path, len(pp.blocks))
				copy(done, pp.blocks)
				paths = append(paths, done)
				continue
			}
			if pp.visits[next] >= bound {
				continue
			}
			blocks := make(Path, len(pp.blocks), len(pp.blocks)+1)
			copy(blocks, pp.blocks)
			visits := make(map[BlockID]int, len(pp.visits)+1)
			for k, v := range pp.visits {
				visits[k] = v
			}
			visits[next]++
			_ = work.Push(partialPath{blocks: append(blocks, next), visits: visits})
		}
	}
	return paths
}

type JumpType uint8

const (
	JumpNone JumpType = iota
	JumpTaken
	FallThrough
)

func (j JumpType) String() string {
	switch j {
	case JumpTaken:
		return "JUMP"
	case FallThrough:
		return "FALL_THROUGH"
	}
	return "NONE"
}

// JumpTypeAt tells which edge leaves path[i]. The block after the last one
// in the path is end.
func JumpTypeAt(c *Cfg, p Path, i int, end BlockID) JumpType {
	succs := c.Successors(p[i])
	if len(succs) != 2 {
		return JumpNone
	}
	next := end
	if i+1 < len(p) {
		next = p[i+1]
	}
	if next == succs[0] {
		return FallThrough
	}
	return JumpTaken
}

// Feasible reports whether p follows edges of c.
func Feasible(c *Cfg, p Path, end BlockID) error {
	if len(p) == 0 || p[0] != c.Entry() {
		return fmt.Errorf("path %s does not start at the entry", p)
	}
	for i, b := range p {
		if int(b) < 0 || int(b) >= c.NumBlocks() {
			return fmt.Errorf("path %s has unknown block %d", p, b)
		}
		next := end
		if i+1 < len(p) {
			next = p[i+1]
		}
		found := false
		for _, s := range c.Successors(b) {
			if s == next {
				found = true
			}
		}
		if !found {
			return fmt.Errorf("path %s has no edge %s -> %s", p, b, next)
		}
	}
	return nil
}
