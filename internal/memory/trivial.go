package memory

import (
	"fmt"

	"github.com/pkg/errors"

	"bvcheck/internal/expr"
)

// Trivial does not model memory at all: every read yields a fresh value.
// Accesses are still recorded so callers can inspect them.
type Trivial struct {
	a        *expr.Arena
	name     string
	accesses []Access
}

func NewTrivial(a *expr.Arena, name string) *Trivial {
	return &Trivial{a: a, name: name}
}

func (m *Trivial) Type() Type { return TypeTrivial }

func (m *Trivial) Write(addr, value expr.BV, size uint16, di DereferenceInfo) expr.Bool {
	checkSize(size)
	m.accesses = append(m.accesses, Access{Address: addr, Value: value, Size: size, Write: true, Deref: di})
	return m.a.False()
}

func (m *Trivial) Read(addr expr.BV, size uint16, di DereferenceInfo) (expr.BV, expr.Bool) {
	checkSize(size)
	v := m.a.BVVar(fmt.Sprintf("%s_r%d", m.name, len(m.accesses)), size)
	m.accesses = append(m.accesses, Access{Address: addr, Value: v, Size: size, Deref: di})
	return v, m.a.False()
}

func (m *Trivial) Constraints() []expr.Bool {
	return nil
}

func (m *Trivial) AccessList() []Access {
	return m.accesses
}

// EqualityConstraint always fails: two unmodeled memories cannot be
// compared without making every memory obligation vacuous.
func (m *Trivial) EqualityConstraint(Memory) (expr.Bool, error) {
	return expr.Bool{}, errors.Wrap(ErrUnsupported, "trivial memory has no equality")
}
