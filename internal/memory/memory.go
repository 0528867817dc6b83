// Package memory holds the symbolic memory models a SymState can carry.
package memory

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"bvcheck/internal/expr"
)

var ErrUnsupported = errors.New("operation not supported by this memory model")

type Type int

const (
	TypeFlat Type = iota
	TypeARM
	TypeCell
	TypeTrivial
)

var typeNames = map[Type]string{
	TypeFlat:    "flat",
	TypeARM:     "arm",
	TypeCell:    "cell",
	TypeTrivial: "trivial",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("type(%d)", int(t))
}

func ParseType(s string) (Type, error) {
	for t, n := range typeNames {
		if strings.EqualFold(n, s) {
			return t, nil
		}
	}
	return 0, errors.Errorf("unknown memory model %q", s)
}

// DereferenceInfo names the site a memory access comes from: a line of an
// unrolled path, or a ghost access made on behalf of an invariant.
type DereferenceInfo struct {
	IsRewrite       bool
	IsInvariant     bool
	InvariantNumber int
	LineNumber      int
}

func (di DereferenceInfo) String() string {
	side := "target"
	if di.IsRewrite {
		side = "rewrite"
	}
	if di.IsInvariant {
		return fmt.Sprintf("%s:inv%d", side, di.InvariantNumber)
	}
	return fmt.Sprintf("%s:%d", side, di.LineNumber)
}

// DereferenceMap records the concrete address each site accessed in one run.
type DereferenceMap map[DereferenceInfo]uint64

// Access is one memory operation seen while building a circuit.
type Access struct {
	Address expr.BV
	Value   expr.BV
	// bits
	Size    uint16
	Write   bool
	Deref   DereferenceInfo
	IsOther bool

	// filled in by cell partitioning
	Cell       int
	CellOffset int
}

func (ac Access) Bytes() int {
	return int(ac.Size) / 8
}

// Memory is a symbolic memory model. Read and Write return the condition
// under which the access faults; layout violations panic.
type Memory interface {
	Write(addr, value expr.BV, size uint16, di DereferenceInfo) expr.Bool
	Read(addr expr.BV, size uint16, di DereferenceInfo) (expr.BV, expr.Bool)
	Constraints() []expr.Bool
	AccessList() []Access
	// EqualityConstraint holds when both memories agree everywhere.
	EqualityConstraint(other Memory) (expr.Bool, error)
	Type() Type
}

// Heaped memories keep the whole address space in one array so that start
// and final contents can be read back from a model.
type Heaped interface {
	Memory
	Start() expr.Array
	// Final is null until Finalize is called.
	Final() expr.Array
	// Finalize introduces the final-state array; later equality constraints
	// refer to it.
	Finalize(name string)
}

func checkSize(size uint16) {
	if size == 0 || size%8 != 0 || size > 64 {
		panic(fmt.Sprintf("memory access of %d bits", size))
	}
}

// readBytes loads size bits little endian.
func readBytes(heap expr.Array, addr expr.BV, size uint16) expr.BV {
	var v expr.BV
	for i := 0; i < int(size)/8; i++ {
		b := heap.Select(addr.AddConst(int64(i)))
		if v.IsNull() {
			v = b
		} else {
			v = b.Concat(v)
		}
	}
	return v
}

func writeBytes(heap expr.Array, addr, value expr.BV, size uint16) expr.Array {
	for i := 0; i < int(size)/8; i++ {
		heap = heap.Store(addr.AddConst(int64(i)), value.Byte(uint16(i)))
	}
	return heap
}
