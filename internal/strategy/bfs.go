package strategy

import (
	"fmt"
)

// BFS is a first-in first-out worklist.
type BFS[T any] struct {
	items []T
}

func NewBFS[T any]() *BFS[T] {
	return &BFS[T]{}
}

func (bfs *BFS[T]) Size() int {
	return len(bfs.items)
}

func (bfs *BFS[T]) HasNext() bool {
	return len(bfs.items) > 0
}

func (bfs *BFS[T]) Pop() (T, error) {
	var zero T
	if len(bfs.items) <= 0 {
		return zero, fmt.Errorf("worklist is empty")
	}
	item := bfs.items[0]
	bfs.items = bfs.items[1:]
	return item, nil
}

func (bfs *BFS[T]) Push(items ...T) error {
	bfs.items = append(bfs.items, items...)
	return nil
}
