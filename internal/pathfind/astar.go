// Package pathfind implements 4-neighbour A* on a bounded grid.
package pathfind

import "container/heap"

// Cell is a grid coordinate.
type Cell struct {
	X int
	Y int
}

// Manhattan returns the L1 distance between two cells.
func Manhattan(a, b Cell) int {
	return abs(a.X-b.X) + abs(a.Y-b.Y)
}

// BlockedFunc reports whether a cell may not be entered. The goal cell is
// always expanded regardless of this predicate so an agent can target a cell
// that is occupied now but may be free by the time it arrives.
type BlockedFunc func(Cell) bool

type node struct {
	cell   Cell
	fScore int
	serial int // insertion order, breaks f-score ties deterministically
}

type openHeap []node

func (h openHeap) Len() int { return len(h) }
func (h openHeap) Less(i, j int) bool {
	if h[i].fScore != h[j].fScore {
		return h[i].fScore < h[j].fScore
	}
	return h[i].serial < h[j].serial
}
func (h openHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *openHeap) Push(x any)        { *h = append(*h, x.(node)) }
func (h *openHeap) Pop() any {
	old := *h
	n := len(old)
	out := old[n-1]
	*h = old[:n-1]
	return out
}

// Path computes a shortest 4-neighbour path from start to goal with unit step
// cost and a Manhattan heuristic. The returned path excludes start and ends
// at goal. It returns an empty slice when start == goal, and ok=false when no
// path exists.
func Path(width, height int, start, goal Cell, blocked BlockedFunc) ([]Cell, bool) {
	if start == goal {
		return []Cell{}, true
	}

	open := &openHeap{{cell: start, fScore: Manhattan(start, goal)}}
	heap.Init(open)

	gScore := map[Cell]int{start: 0}
	cameFrom := map[Cell]Cell{}
	serial := 0

	for open.Len() > 0 {
		current := heap.Pop(open).(node).cell
		if current == goal {
			return rebuild(cameFrom, start, goal), true
		}

		for _, next := range neighbours(current, width, height) {
			if next != goal && blocked != nil && blocked(next) {
				continue
			}

			tentative := gScore[current] + 1
			if prev, seen := gScore[next]; seen && tentative >= prev {
				continue
			}

			cameFrom[next] = current
			gScore[next] = tentative
			serial++
			heap.Push(open, node{
				cell:   next,
				fScore: tentative + Manhattan(next, goal),
				serial: serial,
			})
		}
	}

	return nil, false
}

func neighbours(c Cell, width, height int) []Cell {
	candidates := [4]Cell{
		{c.X + 1, c.Y},
		{c.X - 1, c.Y},
		{c.X, c.Y + 1},
		{c.X, c.Y - 1},
	}
	out := make([]Cell, 0, 4)
	for _, n := range candidates {
		if n.X >= 0 && n.X < width && n.Y >= 0 && n.Y < height {
			out = append(out, n)
		}
	}
	return out
}

func rebuild(cameFrom map[Cell]Cell, start, goal Cell) []Cell {
	var path []Cell
	for cursor := goal; cursor != start; cursor = cameFrom[cursor] {
		path = append(path, cursor)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
