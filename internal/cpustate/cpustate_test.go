package cpustate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bvcheck/internal/x64"
)

func Test_ReadWrite(t *testing.T) {
	cs := New()
	cs.Allocate(0x1000, 16)

	require.True(t, cs.Write(0x1000, 4, 0xc0decafe))
	v, ok := cs.Read(0x1000, 4)
	require.True(t, ok)
	assert.Equal(t, uint64(0xc0decafe), v)

	b, ok := cs.ReadByte(0x1000)
	require.True(t, ok)
	assert.Equal(t, byte(0xfe), b)

	v, ok = cs.Read(0x1002, 2)
	require.True(t, ok)
	assert.Equal(t, uint64(0xc0de), v)

	_, ok = cs.Read(0x100c, 8)
	assert.False(t, ok)
	assert.False(t, cs.Write(0xfff, 2, 0))
	assert.False(t, cs.IsValid(0xffffffffffffffff, 2))
}

func Test_AllocateMerges(t *testing.T) {
	cs := New()
	cs.Allocate(0x100, 4)
	require.True(t, cs.Write(0x100, 4, 0x04030201))
	cs.Allocate(0x104, 4)
	cs.Allocate(0x102, 4)
	require.Len(t, cs.Segments, 1)
	assert.Equal(t, uint64(0x100), cs.Segments[0].Base)
	assert.Equal(t, 8, cs.Segments[0].Size())

	v, ok := cs.Read(0x100, 4)
	require.True(t, ok)
	assert.Equal(t, uint64(0x04030201), v)

	cs.Allocate(0x200, 1)
	assert.Len(t, cs.Segments, 2)
}

func Test_MemoryFromMap(t *testing.T) {
	m := NewByteMap()
	m = m.Set(uint64(0x12), byte(3))
	m = m.Set(uint64(0x10), byte(1))
	m = m.Set(uint64(0x11), byte(2))
	m = m.Set(uint64(0x40), byte(9))

	segs := MemoryFromMap(m)
	require.Len(t, segs, 2)
	assert.Equal(t, uint64(0x10), segs[0].Base)
	assert.Equal(t, []byte{1, 2, 3}, segs[0].Contents)
	assert.Equal(t, []bool{true, true, true}, segs[0].Valid)
	assert.Equal(t, uint64(0x40), segs[1].Base)
	assert.Empty(t, MemoryFromMap(NewByteMap()))
}

func Test_EqualAndDiff(t *testing.T) {
	a := New()
	a.GP[x64.RAX] = 1
	a.GP[x64.RBX] = 2
	a.Flags[x64.ZF] = true
	a.SetBytes(map[uint64]byte{0x20: 7})

	b := a.Clone()
	b.GP[x64.RBX] = 3
	live := x64.NewRegSet(x64.RAX).AddFlag(x64.ZF)

	assert.True(t, a.Equal(b, live))
	assert.Empty(t, Diff(a, b, live))
	assert.False(t, a.Equal(b, x64.AllRegs()))
	assert.Contains(t, Diff(a, b, x64.AllRegs()), "rbx")

	b.Write(0x20, 1, 8)
	assert.False(t, a.Equal(b, live))

	c := a.Clone()
	c.Code = SigSegv
	assert.False(t, a.Equal(c, live))
	assert.Equal(t, "SIGSEGV", c.Code.String())
}

func Test_CloneIsDeep(t *testing.T) {
	a := New()
	a.Allocate(0x10, 1)
	b := a.Clone()
	b.Write(0x10, 1, 0xff)
	v, _ := a.Read(0x10, 1)
	assert.Equal(t, uint64(0), v)
}
