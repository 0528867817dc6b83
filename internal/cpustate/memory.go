package cpustate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/benbjohnson/immutable"
)

// Memory is a contiguous byte range; only bytes marked valid may be accessed.
type Memory struct {
	Base     uint64
	Contents []byte
	Valid    []bool
}

func NewMemory(base uint64, size int) *Memory {
	return &Memory{
		Base:     base,
		Contents: make([]byte, size),
		Valid:    make([]bool, size),
	}
}

func (m *Memory) Size() int {
	return len(m.Contents)
}

// End is one past the last address.
func (m *Memory) End() uint64 {
	return m.Base + uint64(len(m.Contents))
}

func (m *Memory) InRange(addr uint64) bool {
	return addr >= m.Base && addr < m.End()
}

func (m *Memory) Clone() *Memory {
	res := &Memory{
		Base:     m.Base,
		Contents: make([]byte, len(m.Contents)),
		Valid:    make([]bool, len(m.Valid)),
	}
	copy(res.Contents, m.Contents)
	copy(res.Valid, m.Valid)
	return res
}

func (m *Memory) String() string {
	var sb strings.Builder
	for i := 0; i < len(m.Contents); i += 16 {
		fmt.Fprintf(&sb, "%016x:", m.Base+uint64(i))
		for j := i; j < i+16 && j < len(m.Contents); j++ {
			if m.Valid[j] {
				fmt.Fprintf(&sb, " %02x", m.Contents[j])
			} else {
				sb.WriteString(" ..")
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// uint64Comparer orders uint64 keys. Implements immutable.Comparer.
type uint64Comparer struct{}

func (c *uint64Comparer) Compare(a, b interface{}) int {
	if i, j := a.(uint64), b.(uint64); i < j {
		return -1
	} else if i > j {
		return 1
	}
	return 0
}

// NewByteMap returns an empty address -> byte map.
func NewByteMap() *immutable.SortedMap {
	return immutable.NewSortedMap(&uint64Comparer{})
}

// MemoryFromMap turns an address -> byte map into segments, one per run of
// contiguous addresses. Every byte of the result is valid.
func MemoryFromMap(m *immutable.SortedMap) []*Memory {
	var segments []*Memory
	var cur *Memory
	itr := m.Iterator()
	for !itr.Done() {
		k, v := itr.Next()
		addr, b := k.(uint64), v.(byte)
		if cur == nil || addr != cur.End() {
			cur = &Memory{Base: addr}
			segments = append(segments, cur)
		}
		cur.Contents = append(cur.Contents, b)
		cur.Valid = append(cur.Valid, true)
	}
	return segments
}

// mergeSegments combines overlapping or adjacent segments; earlier segments
// win on conflicting valid bytes.
func mergeSegments(segs []*Memory) []*Memory {
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].Base < segs[j].Base })
	var out []*Memory
	for _, s := range segs {
		if len(out) > 0 && s.Base <= out[len(out)-1].End() {
			last := out[len(out)-1]
			if s.End() > last.End() {
				grow := int(s.End() - last.End())
				last.Contents = append(last.Contents, make([]byte, grow)...)
				last.Valid = append(last.Valid, make([]bool, grow)...)
			}
			for i := range s.Contents {
				off := s.Base + uint64(i) - last.Base
				if s.Valid[i] && !last.Valid[off] {
					last.Contents[off] = s.Contents[i]
					last.Valid[off] = true
				}
			}
			continue
		}
		out = append(out, s.Clone())
	}
	return out
}
