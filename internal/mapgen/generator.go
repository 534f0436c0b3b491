// Package mapgen generates deterministic procedural chunk layouts.
//
// A chunk is a W×H tile grid of '.' (floor) and '#' (wall). Generation is a
// pure function of (width, height, seed, required edges, root layout): the
// same inputs always yield the same tiles.
package mapgen

import (
	"math/rand"
	"sort"
)

// Direction names a cardinal chunk edge.
type Direction string

const (
	North Direction = "N"
	East  Direction = "E"
	South Direction = "S"
	West  Direction = "W"
)

// Directions lists the cardinal edges in canonical order.
var Directions = []Direction{North, East, South, West}

const (
	Floor = '.'
	Wall  = '#'

	// ExitBandWidth is how many cells wide each edge exit is carved.
	ExitBandWidth = 4
)

type cell struct{ x, y int }

type room struct{ x, y, w, h int }

// EdgeAnchor returns the centre cell of the given edge: the cell an agent
// lands on when entering from that side.
func EdgeAnchor(width, height int, d Direction) (int, int) {
	cx := width / 2
	cy := height / 2
	switch d {
	case North:
		return cx, height - 1
	case East:
		return width - 1, cy
	case South:
		return cx, 0
	case West:
		return 0, cy
	}
	return cx, cy
}

// Generate produces the tile rows for a chunk.
//
// Guarantees:
//  1. every required edge anchor is floor, and all required anchors are
//     mutually connected through floor cells;
//  2. the spawn vicinity (1,1) is floor;
//  3. identical inputs produce identical output;
//  4. rootLayout with both dims >= 20 yields a fixed circular hall with four
//     centred cardinal exit bands.
func Generate(width, height int, seed int64, requiredEdges []Direction, rootLayout bool) []string {
	if width <= 0 || height <= 0 {
		return nil
	}

	if rootLayout && width >= 20 && height >= 20 {
		return generateRootLayout(width, height)
	}

	rng := rand.New(rand.NewSource(seed))

	required := map[Direction]bool{}
	for _, d := range requiredEdges {
		switch d {
		case North, East, South, West:
			required[d] = true
		}
	}

	grid := make([][]byte, height)
	for y := range grid {
		row := make([]byte, width)
		for x := range row {
			row[x] = Wall
		}
		grid[y] = row
	}

	centers := buildRooms(grid, width, height, rng)
	exits := chooseExits(required, rng)
	connectExits(grid, width, height, centers, exits, rng)

	// Keep the spawn vicinity walkable and attached to the room graph.
	if width > 2 && height > 2 {
		spawn := cell{1, 1}
		grid[spawn.y][spawn.x] = Floor
		carveLCorridor(grid, spawn, nearestCenter(spawn, centers), rng)
	}

	// Small grids fall back to open borders plus a row-1/col-1 corridor so
	// test maps stay trivially navigable.
	if width < 20 || height < 20 {
		for x := 0; x < width; x++ {
			grid[0][x] = Floor
			grid[height-1][x] = Floor
		}
		for y := 0; y < height; y++ {
			grid[y][0] = Floor
			grid[y][width-1] = Floor
		}
		for x := 1; x < width-1; x++ {
			grid[1][x] = Floor
		}
		for y := 1; y < height-1; y++ {
			grid[y][1] = Floor
		}
	}

	rows := make([]string, height)
	for y, row := range grid {
		rows[y] = string(row)
	}
	return rows
}

// OpenFloor returns a fully walkable chunk of the given size.
func OpenFloor(width, height int) []string {
	row := make([]byte, width)
	for i := range row {
		row[i] = Floor
	}
	rows := make([]string, height)
	for y := range rows {
		rows[y] = string(row)
	}
	return rows
}

// generateRootLayout carves the fixed circular hall with four centred
// 4-wide cardinal exit bands.
func generateRootLayout(width, height int) []string {
	grid := make([][]byte, height)
	for y := range grid {
		row := make([]byte, width)
		for x := range row {
			row[x] = Wall
		}
		grid[y] = row
	}

	cx := width / 2
	cy := height / 2
	radius := min(width, height) / 4
	if radius < 6 {
		radius = 6
	}
	r2 := radius * radius

	for y := 1; y < height-1; y++ {
		for x := 1; x < width-1; x++ {
			dx := x - cx
			dy := y - cy
			if dx*dx+dy*dy <= r2 {
				grid[y][x] = Floor
			}
		}
	}

	for _, x := range centeredIndices(width, ExitBandWidth) {
		for y := 0; y < height; y++ {
			grid[y][x] = Floor
		}
	}
	for _, y := range centeredIndices(height, ExitBandWidth) {
		for x := 0; x < width; x++ {
			grid[y][x] = Floor
		}
	}

	rows := make([]string, height)
	for y, row := range grid {
		rows[y] = string(row)
	}
	return rows
}

// buildRooms places 4-14 non-overlapping rooms by rejection sampling, chains
// consecutive rooms with L-corridors, and adds ~rooms/3 loop corridors.
// Returns the room centres.
func buildRooms(grid [][]byte, width, height int, rng *rand.Rand) []cell {
	var rooms []room
	var centers []cell

	interiorW := max(0, width-2)
	interiorH := max(0, height-2)
	maxRoomW := max(2, min(10, interiorW))
	maxRoomH := max(2, min(10, interiorH))
	minRoomW := max(2, min(5, maxRoomW))
	minRoomH := max(2, min(5, maxRoomH))

	target := max(4, min(14, width*height/180))
	attempts := target * 10

	for i := 0; i < attempts && len(rooms) < target; i++ {
		if interiorW < minRoomW || interiorH < minRoomH {
			break
		}

		rw := randBetween(rng, minRoomW, maxRoomW)
		rh := randBetween(rng, minRoomH, maxRoomH)
		maxX := width - rw - 1
		maxY := height - rh - 1
		if maxX < 1 || maxY < 1 {
			continue
		}

		r := room{x: randBetween(rng, 1, maxX), y: randBetween(rng, 1, maxY), w: rw, h: rh}
		if overlapsAny(rooms, r) {
			continue
		}

		carveRoom(grid, r)
		c := r.center()
		if len(centers) > 0 {
			carveLCorridor(grid, centers[len(centers)-1], c, rng)
		}
		rooms = append(rooms, r)
		centers = append(centers, c)
	}

	if len(centers) == 0 {
		fw := max(2, min(4, interiorW))
		fh := max(2, min(4, interiorH))
		fallback := room{x: max(1, (width-fw)/2), y: max(1, (height-fh)/2), w: fw, h: fh}
		carveRoom(grid, fallback)
		centers = append(centers, fallback.center())
	}

	if len(centers) >= 3 {
		loops := max(1, len(centers)/3)
		for i := 0; i < loops; i++ {
			a := centers[rng.Intn(len(centers))]
			b := centers[rng.Intn(len(centers))]
			for b == a {
				b = centers[rng.Intn(len(centers))]
			}
			carveLCorridor(grid, a, b, rng)
		}
	}

	return centers
}

// chooseExits extends the required edge set with random extras until the
// total exit count lands in [2,4].
func chooseExits(required map[Direction]bool, rng *rand.Rand) map[Direction]bool {
	active := map[Direction]bool{}
	for d := range required {
		active[d] = true
	}

	minExits := max(2, len(active))
	target := randBetween(rng, minExits, 4)

	var candidates []Direction
	for _, d := range Directions {
		if !active[d] {
			candidates = append(candidates, d)
		}
	}
	rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	for i := 0; i < len(candidates) && len(active) < target; i++ {
		active[candidates[i]] = true
	}
	return active
}

// connectExits carves the outer and inner edge bands for every active exit
// and joins the inner band centre to the nearest room centre.
func connectExits(grid [][]byte, width, height int, centers []cell, active map[Direction]bool, rng *rand.Rand) {
	var dirs []string
	for d := range active {
		dirs = append(dirs, string(d))
	}
	sort.Strings(dirs)

	for _, ds := range dirs {
		d := Direction(ds)
		outer := edgeBand(width, height, d, false)
		inner := edgeBand(width, height, d, true)

		for _, c := range outer {
			grid[c.y][c.x] = Floor
		}
		for _, c := range inner {
			grid[c.y][c.x] = Floor
		}

		innerCenter := inner[len(inner)/2]
		for _, c := range inner {
			carveLine(grid, c, innerCenter)
		}
		carveLCorridor(grid, innerCenter, nearestCenter(innerCenter, centers), rng)
	}
}

func edgeBand(width, height int, d Direction, inside bool) []cell {
	if d == North || d == South {
		xs := centeredIndices(width, ExitBandWidth)
		var y int
		if d == North {
			y = height - 1
			if inside && height > 1 {
				y = height - 2
			}
		} else {
			y = 0
			if inside && height > 1 {
				y = 1
			}
		}
		out := make([]cell, 0, len(xs))
		for _, x := range xs {
			out = append(out, cell{x, clamp(y, 0, height-1)})
		}
		return out
	}

	ys := centeredIndices(height, ExitBandWidth)
	var x int
	if d == East {
		x = width - 1
		if inside && width > 1 {
			x = width - 2
		}
	} else {
		x = 0
		if inside && width > 1 {
			x = 1
		}
	}
	out := make([]cell, 0, len(ys))
	for _, y := range ys {
		out = append(out, cell{clamp(x, 0, width-1), y})
	}
	return out
}

func centeredIndices(length, span int) []int {
	width := max(1, min(length, span))
	start := max(0, (length-width)/2)
	out := make([]int, 0, width)
	for i := start; i < start+width; i++ {
		out = append(out, i)
	}
	return out
}

func (r room) center() cell {
	return cell{r.x + r.w/2, r.y + r.h/2}
}

func overlapsAny(rooms []room, candidate room) bool {
	const padding = 1
	for _, r := range rooms {
		left := r.x - padding
		right := r.x + r.w - 1 + padding
		top := r.y - padding
		bottom := r.y + r.h - 1 + padding
		overlapX := !(right < candidate.x || candidate.x+candidate.w-1 < left)
		overlapY := !(bottom < candidate.y || candidate.y+candidate.h-1 < top)
		if overlapX && overlapY {
			return true
		}
	}
	return false
}

func carveRoom(grid [][]byte, r room) {
	for y := r.y; y < r.y+r.h; y++ {
		for x := r.x; x < r.x+r.w; x++ {
			grid[y][x] = Floor
		}
	}
}

func carveLine(grid [][]byte, from, to cell) {
	cursor := from
	grid[cursor.y][cursor.x] = Floor
	for cursor != to {
		cursor = stepTowards(cursor, to)
		grid[cursor.y][cursor.x] = Floor
	}
}

func carveLCorridor(grid [][]byte, from, to cell, rng *rand.Rand) {
	if rng.Float64() < 0.5 {
		carveLine(grid, from, cell{to.x, from.y})
		carveLine(grid, cell{to.x, from.y}, to)
	} else {
		carveLine(grid, from, cell{from.x, to.y})
		carveLine(grid, cell{from.x, to.y}, to)
	}
}

func stepTowards(a, b cell) cell {
	switch {
	case a.x < b.x:
		return cell{a.x + 1, a.y}
	case a.x > b.x:
		return cell{a.x - 1, a.y}
	case a.y < b.y:
		return cell{a.x, a.y + 1}
	case a.y > b.y:
		return cell{a.x, a.y - 1}
	}
	return a
}

func nearestCenter(origin cell, centers []cell) cell {
	best := centers[0]
	bestDist := abs(best.x-origin.x) + abs(best.y-origin.y)
	for _, c := range centers[1:] {
		d := abs(c.x-origin.x) + abs(c.y-origin.y)
		if d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func randBetween(rng *rand.Rand, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + rng.Intn(hi-lo+1)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
