package memory

import (
	"fmt"

	"github.com/pkg/errors"

	"bvcheck/internal/expr"
)

// Flat models memory as one array from 64-bit addresses to bytes.
type Flat struct {
	a     *expr.Arena
	name  string
	start expr.Array
	heap  expr.Array
	final expr.Array

	constraints []expr.Bool
	accesses    []Access
}

func NewFlat(a *expr.Arena, name string) *Flat {
	start := a.ArrayVar(name, 64, 8)
	return &Flat{a: a, name: name, start: start, heap: start}
}

func (m *Flat) Type() Type { return TypeFlat }

func (m *Flat) Start() expr.Array { return m.start }
func (m *Flat) Final() expr.Array { return m.final }

func (m *Flat) Finalize(name string) {
	m.final = m.a.ArrayVar(name, 64, 8)
	m.constraints = append(m.constraints, m.final.Eq(m.heap))
	m.heap = m.final
}

func (m *Flat) Write(addr, value expr.BV, size uint16, di DereferenceInfo) expr.Bool {
	checkSize(size)
	m.heap = writeBytes(m.heap, addr, value, size)
	m.accesses = append(m.accesses, Access{Address: addr, Value: value, Size: size, Write: true, Deref: di})
	return m.a.False()
}

// Read binds the loaded value to a named variable so models can report it.
func (m *Flat) Read(addr expr.BV, size uint16, di DereferenceInfo) (expr.BV, expr.Bool) {
	checkSize(size)
	v := m.a.BVVar(fmt.Sprintf("%s_r%d", m.name, len(m.accesses)), size)
	m.constraints = append(m.constraints, v.Eq(readBytes(m.heap, addr, size)))
	m.accesses = append(m.accesses, Access{Address: addr, Value: v, Size: size, Deref: di})
	return v, m.a.False()
}

func (m *Flat) Constraints() []expr.Bool {
	return m.constraints
}

func (m *Flat) AccessList() []Access {
	return m.accesses
}

func (m *Flat) EqualityConstraint(other Memory) (expr.Bool, error) {
	o, ok := other.(*Flat)
	if !ok {
		return expr.Bool{}, errors.Wrapf(ErrUnsupported, "flat memory compared with %s", other.Type())
	}
	return m.heap.Eq(o.heap), nil
}
