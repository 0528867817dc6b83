package cfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bvcheck/internal/x64"
)

const loopProgram = `
  movq $0, %rax
.L1:
  addq $1, %rax
  cmpq %rdi, %rax
  jne .L1
  retq
`

func Test_Blocks(t *testing.T) {
	c, err := New(x64.MustParse(loopProgram), x64.NewRegSet(x64.RDI), x64.NewRegSet(x64.RAX))
	require.NoError(t, err)
	require.Equal(t, 3, c.NumBlocks())

	assert.Equal(t, []BlockID{1}, c.Successors(0))
	assert.Equal(t, []BlockID{2, 1}, c.Successors(1))
	assert.Equal(t, []BlockID{Exit}, c.Successors(2))

	id, ok := c.LabelBlock(".L1")
	require.True(t, ok)
	assert.Equal(t, BlockID(1), id)

	last, ok := c.LastInstruction(1)
	require.True(t, ok)
	assert.True(t, last.IsCondJump())
}

func Test_UndefinedLabel(t *testing.T) {
	_, err := New(x64.MustParse("jmp nowhere\n"), x64.RegSet{}, x64.RegSet{})
	assert.Error(t, err)
}

func Test_EnumeratePaths(t *testing.T) {
	c, err := New(x64.MustParse(loopProgram), x64.RegSet{}, x64.RegSet{})
	require.NoError(t, err)

	paths := EnumeratePaths(c, 1)
	require.Len(t, paths, 1)
	assert.Equal(t, Path{0, 1, 2}, paths[0])

	paths = EnumeratePaths(c, 3)
	require.Len(t, paths, 3)
	assert.Equal(t, Path{0, 1, 2}, paths[0])
	assert.Equal(t, Path{0, 1, 1, 2}, paths[1])
	assert.Equal(t, Path{0, 1, 1, 1, 2}, paths[2])

	for _, p := range paths {
		assert.NoError(t, Feasible(c, p, Exit))
	}
	assert.Error(t, Feasible(c, Path{0, 2}, Exit))
}

func Test_EmptyProgram(t *testing.T) {
	c, err := New(nil, x64.RegSet{}, x64.RegSet{})
	require.NoError(t, err)
	paths := EnumeratePaths(c, 2)
	require.Len(t, paths, 1)
	assert.Equal(t, Path{0}, paths[0])
	assert.Empty(t, Unroll(c, paths[0], Exit))
}

func Test_JumpTypeAndUnroll(t *testing.T) {
	c, err := New(x64.MustParse(loopProgram), x64.RegSet{}, x64.RegSet{})
	require.NoError(t, err)

	p := Path{0, 1, 1, 2}
	assert.Equal(t, JumpNone, JumpTypeAt(c, p, 0, Exit))
	assert.Equal(t, JumpTaken, JumpTypeAt(c, p, 1, Exit))
	assert.Equal(t, FallThrough, JumpTypeAt(c, p, 2, Exit))
	assert.Equal(t, JumpNone, JumpTypeAt(c, p, 3, Exit))

	lines := Unroll(c, p, Exit)
	// mov, (add, cmp, jne) x2; ret dropped
	require.Len(t, lines, 7)
	for i, l := range lines {
		assert.Equal(t, i, l.Number)
	}
	assert.Equal(t, JumpTaken, lines[3].Jump)
	assert.Equal(t, FallThrough, lines[6].Jump)
	assert.Equal(t, 2, lines[6].PathIndex)
}

func Test_CondJumpToNextBlock(t *testing.T) {
	c, err := New(x64.MustParse("cmpq $0, %rdi\nje .L\n.L:\nretq\n"), x64.RegSet{}, x64.RegSet{})
	require.NoError(t, err)
	assert.Equal(t, []BlockID{1}, c.Successors(0))
	lines := Unroll(c, Path{0, 1}, Exit)
	require.Len(t, lines, 2)
	assert.Equal(t, JumpNone, lines[1].Jump)
}
