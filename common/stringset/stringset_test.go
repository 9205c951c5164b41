package stringset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStringSet(t *testing.T) {
	s := New("a")
	assert.True(t, s.Contains("a"))
	assert.False(t, s.Contains("b"))

	s.Add("b")
	assert.True(t, s.Contains("b"))
	assert.Equal(t, 2, s.Len())

	assert.True(t, s.Remove("a"))
	assert.False(t, s.Remove("a"))
	assert.False(t, s.Contains("a"))

	assert.ElementsMatch(t, []string{"b"}, s.ToSlice())
}
