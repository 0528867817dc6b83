// Package cpustate models concrete machine states: registers, flags, memory
// segments with valid bits, and the signal a run ended with.
package cpustate

import (
	"fmt"
	"strings"

	"github.com/google/go-cmp/cmp"

	"bvcheck/internal/x64"
)

type ErrorCode int

const (
	Normal ErrorCode = iota
	SigSegv
	SigBus
	SigFpe
	// the run exceeded its step budget
	SigAlrm
)

func (e ErrorCode) String() string {
	switch e {
	case Normal:
		return "NORMAL"
	case SigSegv:
		return "SIGSEGV"
	case SigBus:
		return "SIGBUS"
	case SigFpe:
		return "SIGFPE"
	case SigAlrm:
		return "SIGALRM"
	}
	return fmt.Sprintf("signal(%d)", int(e))
}

type CpuState struct {
	GP       [x64.NumRegs]uint64
	Flags    [x64.NumFlags]bool
	Segments []*Memory
	Code     ErrorCode
}

func New() *CpuState {
	return &CpuState{}
}

func (cs *CpuState) Clone() *CpuState {
	res := &CpuState{
		GP:    cs.GP,
		Flags: cs.Flags,
		Code:  cs.Code,
	}
	for _, s := range cs.Segments {
		res.Segments = append(res.Segments, s.Clone())
	}
	return res
}

func (cs *CpuState) segment(addr uint64) *Memory {
	for _, s := range cs.Segments {
		if s.InRange(addr) {
			return s
		}
	}
	return nil
}

// IsValid reports whether every byte of [addr, addr+size) is accessible.
func (cs *CpuState) IsValid(addr uint64, size int) bool {
	if addr+uint64(size) < addr {
		return false
	}
	for i := 0; i < size; i++ {
		a := addr + uint64(i)
		s := cs.segment(a)
		if s == nil || !s.Valid[a-s.Base] {
			return false
		}
	}
	return true
}

// ReadByte returns the byte at addr and whether it is valid.
func (cs *CpuState) ReadByte(addr uint64) (byte, bool) {
	s := cs.segment(addr)
	if s == nil || !s.Valid[addr-s.Base] {
		return 0, false
	}
	return s.Contents[addr-s.Base], true
}

// Read loads size bytes (at most 8) little endian.
func (cs *CpuState) Read(addr uint64, size int) (uint64, bool) {
	if !cs.IsValid(addr, size) {
		return 0, false
	}
	var v uint64
	for i := size - 1; i >= 0; i-- {
		b, _ := cs.ReadByte(addr + uint64(i))
		v = v<<8 | uint64(b)
	}
	return v, true
}

// Write stores size bytes (at most 8) little endian.
func (cs *CpuState) Write(addr uint64, size int, v uint64) bool {
	if !cs.IsValid(addr, size) {
		return false
	}
	for i := 0; i < size; i++ {
		a := addr + uint64(i)
		s := cs.segment(a)
		s.Contents[a-s.Base] = byte(v >> (8 * i))
	}
	return true
}

// Allocate makes [addr, addr+size) valid, keeping existing contents.
func (cs *CpuState) Allocate(addr uint64, size int) {
	fresh := NewMemory(addr, size)
	for i := range fresh.Valid {
		fresh.Valid[i] = true
	}
	for i := 0; i < size; i++ {
		if b, ok := cs.ReadByte(addr + uint64(i)); ok {
			fresh.Contents[i] = b
		}
	}
	cs.Segments = mergeSegments(append([]*Memory{fresh}, cs.Segments...))
}

// SetBytes allocates and fills memory from an address -> byte map.
func (cs *CpuState) SetBytes(bytes map[uint64]byte) {
	for addr, b := range bytes {
		cs.Allocate(addr, 1)
		cs.Write(addr, 1, uint64(b))
	}
}

// ValidBytes lists every valid byte.
func (cs *CpuState) ValidBytes() map[uint64]byte {
	res := make(map[uint64]byte)
	for _, s := range cs.Segments {
		for i, ok := range s.Valid {
			if ok {
				res[s.Base+uint64(i)] = s.Contents[i]
			}
		}
	}
	return res
}

// Equal compares the signal, the registers and flags in rs, and every valid
// byte of cs against other.
func (cs *CpuState) Equal(other *CpuState, rs x64.RegSet) bool {
	if cs.Code != other.Code {
		return false
	}
	for _, r := range rs.Regs() {
		if cs.GP[r] != other.GP[r] {
			return false
		}
	}
	for _, f := range rs.Flags() {
		if cs.Flags[f] != other.Flags[f] {
			return false
		}
	}
	for addr, b := range cs.ValidBytes() {
		ob, ok := other.ReadByte(addr)
		if !ok || ob != b {
			return false
		}
	}
	return true
}

type comparable struct {
	Code  string
	Regs  map[string]uint64
	Flags map[string]bool
	Bytes map[uint64]byte
}

func (cs *CpuState) comparable(rs x64.RegSet) comparable {
	c := comparable{
		Code:  cs.Code.String(),
		Regs:  make(map[string]uint64),
		Flags: make(map[string]bool),
		Bytes: cs.ValidBytes(),
	}
	for _, r := range rs.Regs() {
		c.Regs[r.String()] = cs.GP[r]
	}
	for _, f := range rs.Flags() {
		c.Flags[f.String()] = cs.Flags[f]
	}
	return c
}

// Diff renders the differences between two states over rs.
func Diff(want, got *CpuState, rs x64.RegSet) string {
	return cmp.Diff(want.comparable(rs), got.comparable(rs))
}

func (cs *CpuState) String() string {
	var sb strings.Builder
	for r := x64.Reg(0); r < x64.NumRegs; r++ {
		fmt.Fprintf(&sb, "%%%-4s 0x%016x\n", r, cs.GP[r])
	}
	for f := x64.Flag(0); f < x64.NumFlags; f++ {
		v := 0
		if cs.Flags[f] {
			v = 1
		}
		fmt.Fprintf(&sb, "%%%s %d ", f, v)
	}
	sb.WriteByte('\n')
	for _, s := range cs.Segments {
		sb.WriteString(s.String())
	}
	fmt.Fprintf(&sb, "signal %s\n", cs.Code)
	return sb.String()
}
