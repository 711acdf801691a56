package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUniqueSlice(t *testing.T) {
	assert.Equal(t, []int{1}, UniqueSlice([]int{1, 1, 1}))
	assert.Equal(t, []int{1, 2, 3}, UniqueSlice([]int{1, 2, 2, 3, 3, 3}))
	assert.Equal(t, []string{"a", "b"}, UniqueSlice([]string{"a", "b", "a"}))
	assert.Empty(t, UniqueSlice([]int{}))
}

func TestCloneMap(t *testing.T) {
	m := map[string]int{"a": 1}
	c := CloneMap(m)
	c["b"] = 2

	assert.Len(t, m, 1)
	assert.Len(t, c, 2)
}
