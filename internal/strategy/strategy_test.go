package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_DFS(t *testing.T) {
	var s Strategy[int] = NewDFS[int]()
	_ = s.Push(1, 2, 3)
	assert.Equal(t, 3, s.Size())
	v, err := s.Pop()
	assert.Nil(t, err)
	assert.Equal(t, 3, v)
	_, _ = s.Pop()
	_, _ = s.Pop()
	assert.False(t, s.HasNext())
	_, err = s.Pop()
	assert.Error(t, err)
}

func Test_BFS(t *testing.T) {
	var s Strategy[string] = NewBFS[string]()
	_ = s.Push("a", "b")
	v, err := s.Pop()
	assert.Nil(t, err)
	assert.Equal(t, "a", v)
	assert.Equal(t, 1, s.Size())
}
