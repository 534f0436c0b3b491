package mapgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bfsReaches(tiles []string, from, to [2]int) bool {
	height := len(tiles)
	if height == 0 {
		return false
	}
	width := len(tiles[0])

	seen := map[[2]int]bool{from: true}
	queue := [][2]int{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			return true
		}
		for _, d := range [][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
			next := [2]int{cur[0] + d[0], cur[1] + d[1]}
			if next[0] < 0 || next[0] >= width || next[1] < 0 || next[1] >= height {
				continue
			}
			if seen[next] || tiles[next[1]][next[0]] != Floor {
				continue
			}
			seen[next] = true
			queue = append(queue, next)
		}
	}
	return false
}

func TestGenerate_Deterministic(t *testing.T) {
	a := Generate(50, 50, 1234, []Direction{North, East}, false)
	b := Generate(50, 50, 1234, []Direction{North, East}, false)
	assert.Equal(t, a, b)

	c := Generate(50, 50, 4321, []Direction{North, East}, false)
	assert.NotEqual(t, a, c, "different seeds should typically differ")
}

func TestGenerate_RequiredEdgesConnected(t *testing.T) {
	// Scenario S6: every required anchor reaches every other over floor.
	tiles := Generate(50, 50, 424242, []Direction{North, East, South, West}, false)
	require.Len(t, tiles, 50)

	anchors := map[Direction][2]int{}
	for _, d := range Directions {
		x, y := EdgeAnchor(50, 50, d)
		anchors[d] = [2]int{x, y}
	}
	assert.Equal(t, [2]int{25, 49}, anchors[North])
	assert.Equal(t, [2]int{49, 25}, anchors[East])
	assert.Equal(t, [2]int{25, 0}, anchors[South])
	assert.Equal(t, [2]int{0, 25}, anchors[West])

	for _, d := range Directions {
		a := anchors[d]
		require.Equal(t, byte(Floor), tiles[a[1]][a[0]], "anchor %s must be floor", d)
	}
	for _, from := range Directions {
		for _, to := range Directions {
			if from == to {
				continue
			}
			assert.True(t, bfsReaches(tiles, anchors[from], anchors[to]),
				"anchor %s should reach anchor %s", from, to)
		}
	}
}

func TestGenerate_SpawnVicinityIsFloor(t *testing.T) {
	for _, seed := range []int64{1, 7, 99, 424242} {
		tiles := Generate(50, 50, seed, []Direction{North}, false)
		assert.Equal(t, byte(Floor), tiles[1][1], "seed %d", seed)
	}
}

func TestGenerate_RootLayoutFixed(t *testing.T) {
	a := Generate(50, 50, 1, nil, true)
	b := Generate(50, 50, 999, nil, true)
	assert.Equal(t, a, b, "root layout ignores the seed")

	// Circular hall: centre is floor, corners stay walls.
	assert.Equal(t, byte(Floor), a[25][25])
	assert.Equal(t, byte(Wall), a[2][2])
	assert.Equal(t, byte(Wall), a[47][47])

	// Exit bands run all the way through on both axes.
	for y := 0; y < 50; y++ {
		assert.Equal(t, byte(Floor), a[y][24])
	}
	for x := 0; x < 50; x++ {
		assert.Equal(t, byte(Floor), a[24][x])
	}
}

func TestGenerate_SmallGridFallback(t *testing.T) {
	tiles := Generate(10, 10, 5, nil, false)
	require.Len(t, tiles, 10)
	for x := 0; x < 10; x++ {
		assert.Equal(t, byte(Floor), tiles[0][x])
		assert.Equal(t, byte(Floor), tiles[9][x])
	}
	for y := 0; y < 10; y++ {
		assert.Equal(t, byte(Floor), tiles[y][0])
		assert.Equal(t, byte(Floor), tiles[y][9])
	}
	assert.Equal(t, byte(Floor), tiles[1][1])
}

func TestGenerate_DegenerateSizes(t *testing.T) {
	assert.Nil(t, Generate(0, 10, 1, nil, false))
	assert.Nil(t, Generate(10, 0, 1, nil, false))
}

func TestOpenFloor(t *testing.T) {
	tiles := OpenFloor(4, 3)
	assert.Equal(t, []string{"....", "....", "...."}, tiles)
}
