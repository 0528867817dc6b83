// Package strategy holds worklist orders used by path exploration.
package strategy

type Strategy[T any] interface {
	Size() int
	HasNext() bool
	Pop() (T, error)
	Push(...T) error
}
