package pathfind

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPath_StraightLine(t *testing.T) {
	path, ok := Path(10, 10, Cell{1, 1}, Cell{4, 1}, nil)
	require.True(t, ok)
	assert.Equal(t, []Cell{{2, 1}, {3, 1}, {4, 1}}, path)
}

func TestPath_StartEqualsGoal(t *testing.T) {
	path, ok := Path(10, 10, Cell{3, 3}, Cell{3, 3}, nil)
	require.True(t, ok)
	assert.Empty(t, path)
}

func TestPath_DetoursAroundBlockedCell(t *testing.T) {
	blocked := func(c Cell) bool { return c == Cell{2, 1} }
	path, ok := Path(10, 10, Cell{1, 1}, Cell{3, 1}, blocked)
	require.True(t, ok)
	assert.Equal(t, Cell{3, 1}, path[len(path)-1])
	assert.Len(t, path, 4) // one detour step around (2,1)
	for _, c := range path {
		assert.NotEqual(t, Cell{2, 1}, c)
	}
}

func TestPath_GoalIgnoresBlockedPredicate(t *testing.T) {
	// The goal itself is occupied; the path must still reach it.
	blocked := func(c Cell) bool { return c == Cell{3, 1} }
	path, ok := Path(10, 10, Cell{1, 1}, Cell{3, 1}, blocked)
	require.True(t, ok)
	assert.Equal(t, Cell{3, 1}, path[len(path)-1])
}

func TestPath_Unreachable(t *testing.T) {
	// Wall off column 2 entirely.
	blocked := func(c Cell) bool { return c.X == 2 }
	path, ok := Path(5, 5, Cell{0, 0}, Cell{4, 4}, blocked)
	assert.False(t, ok)
	assert.Nil(t, path)
}

func TestPath_ExcludesStart(t *testing.T) {
	path, ok := Path(10, 10, Cell{5, 5}, Cell{5, 8}, nil)
	require.True(t, ok)
	for _, c := range path {
		assert.NotEqual(t, Cell{5, 5}, c)
	}
	assert.Len(t, path, 3)
}

func TestPath_DeterministicTieBreak(t *testing.T) {
	a, ok := Path(10, 10, Cell{1, 1}, Cell{4, 4}, nil)
	require.True(t, ok)
	b, ok := Path(10, 10, Cell{1, 1}, Cell{4, 4}, nil)
	require.True(t, ok)
	assert.Equal(t, a, b)
}
