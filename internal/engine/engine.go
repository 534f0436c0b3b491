// Package engine implements the tick-driven world: the chunk graph, agents,
// the move command queue, per-tick conflict resolution, listener fan-out,
// the per-chunk spectator event log and chunk garbage collection.
//
// A single logical writer owns all world state. TickOnce and every public
// operation serialise on one engine-wide mutex; fan-out never blocks on a
// consumer (full listener queues drop, consumers resync via snapshot).
package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dungeonclaw/backend/internal/metrics"
	"github.com/dungeonclaw/backend/internal/pathfind"
)

// Cardinal edge names, canonical order.
var directions = []string{"N", "E", "S", "W"}

var oppositeDir = map[string]string{"N": "S", "E": "W", "S": "N", "W": "E"}

// ListenerQueueSize bounds every per-agent and per-spectator queue.
const ListenerQueueSize = 256

// Error is a stable wire reason raised by engine operations.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return e.Reason }

func worldError(reason string) *Error { return &Error{Reason: reason} }

// Stable world failure reasons.
var (
	ErrAgentNotFound    = worldError("agent_not_found")
	ErrChunkNotFound    = worldError("chunk_not_found")
	ErrBusy             = worldError("busy")
	ErrOutOfBounds      = worldError("out_of_bounds")
	ErrUnreachable      = worldError("unreachable")
	ErrNoSpawnAvailable = worldError("no_spawn_available")
)

// Envelope is one typed message delivered to an agent listener queue.
type Envelope struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// EventRecord is one entry of a chunk's spectator log, stamped
// "<chunk_id>:<tick>:<seq>" with a per-tick 4-hex sequence counter.
type EventRecord struct {
	ID    string         `json:"id"`
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
	Tick  int64          `json:"tick"`
}

// EventMirror receives every appended spectator event record, best effort.
// Implementations must never block the caller.
type EventMirror interface {
	Publish(chunkID string, rec EventRecord)
}

// AgentEntity is an agent's world position. An agent occupies exactly one
// cell of exactly one chunk.
type AgentEntity struct {
	AgentID string
	ChunkID string
	X       int
	Y       int
}

type chunkState struct {
	id        string
	tiles     []string
	neighbors map[string]string // direction -> chunk id, "" when absent
	occupancy map[pathfind.Cell]string
	agents    map[string]struct{}
	createdAt time.Time
	// lastPlayerLeftAt is zero while agents are present.
	lastPlayerLeftAt    time.Time
	pinned              bool
	seed                int64
	transitionLockCount int
}

type moveCommand struct {
	serverCmdID   string
	agentID       string
	targetX       int
	targetY       int
	path          []pathfind.Cell
	acceptedTick  int64
	acceptedOrder int64
	pathIndex     int
}

type neighborKey struct {
	chunkID   string
	direction string
}

type chunkSeq struct {
	tick int64
	seq  int
}

// TileGenerator produces the static tile rows for a new chunk.
type TileGenerator func(width, height int, seed int64, requiredEdges []string, rootLayout bool) []string

// Options configures a new Engine. Zero values select production defaults;
// Clock and TileGenerator are optional.
type Options struct {
	Width             int
	Height            int
	TickHz            int
	ChunkGCTTLSeconds int
	ReplayMaxEvents   int
	RootLayout        bool
	Clock             func() time.Time
	TileGenerator     TileGenerator
	Metrics           *metrics.Metrics
	Mirror            EventMirror
}

// Engine owns all world state.
type Engine struct {
	width      int
	height     int
	tickHz     int
	gcTTL      time.Duration
	replayMax  int
	rootLayout bool
	now        func() time.Time
	tileGen    TileGenerator
	metrics    *metrics.Metrics
	mirror     EventMirror

	mu                 sync.Mutex
	tick               int64
	acceptSerial       int64
	chunkSerial        int64
	rootChunkID        string
	chunks             map[string]*chunkState
	agents             map[string]*AgentEntity
	pending            []*moveCommand
	executing          map[string]*moveCommand
	agentActiveCmd     map[string]string
	neighborLockRefcnt map[neighborKey]int

	listeners  map[string]map[chan Envelope]struct{}    // per agent
	spectators map[string]map[chan EventRecord]struct{} // per chunk
	eventLog   map[string][]EventRecord                 // bounded ring per chunk
	eventSeq   map[string]*chunkSeq

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an engine with a pinned root chunk ("chunk-0").
func New(opts Options) *Engine {
	if opts.Width <= 0 {
		opts.Width = 50
	}
	if opts.Height <= 0 {
		opts.Height = 50
	}
	if opts.TickHz <= 0 {
		opts.TickHz = 5
	}
	if opts.ChunkGCTTLSeconds <= 0 {
		opts.ChunkGCTTLSeconds = 60
	}
	if opts.ReplayMaxEvents <= 0 {
		opts.ReplayMaxEvents = 256
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	e := &Engine{
		width:              opts.Width,
		height:             opts.Height,
		tickHz:             opts.TickHz,
		gcTTL:              time.Duration(opts.ChunkGCTTLSeconds) * time.Second,
		replayMax:          opts.ReplayMaxEvents,
		rootLayout:         opts.RootLayout,
		now:                opts.Clock,
		tileGen:            opts.TileGenerator,
		metrics:            opts.Metrics,
		mirror:             opts.Mirror,
		chunks:             make(map[string]*chunkState),
		agents:             make(map[string]*AgentEntity),
		executing:          make(map[string]*moveCommand),
		agentActiveCmd:     make(map[string]string),
		neighborLockRefcnt: make(map[neighborKey]int),
		listeners:          make(map[string]map[chan Envelope]struct{}),
		spectators:         make(map[string]map[chan EventRecord]struct{}),
		eventLog:           make(map[string][]EventRecord),
		eventSeq:           make(map[string]*chunkSeq),
	}

	root := e.newChunkLocked("chunk-0", true, 0, nil)
	e.rootChunkID = root.id
	e.chunks[root.id] = root
	e.gaugeChunks()
	return e
}

// Start launches the background tick loop. Stop cancels it; an in-flight
// tick runs to completion.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	interval := time.Second / time.Duration(e.tickHz)
	go func() {
		defer close(e.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.TickOnce()
			}
		}
	}()
	slog.Info("tick loop started", "tick_hz", e.tickHz, "chunk_w", e.width, "chunk_h", e.height)
}

// Stop halts the tick loop and waits for it to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		slog.Info("tick loop stopped")
	}
}

// Tick returns the current tick number.
func (e *Engine) Tick() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tick
}

// DefaultChunkID returns the root chunk id (the "demo" chunk).
func (e *Engine) DefaultChunkID() string {
	return e.rootChunkID
}

// RegisterListener attaches a bounded event queue for an agent. The caller
// owns the channel and must UnregisterListener it on disconnect.
func (e *Engine) RegisterListener(agentID string) chan Envelope {
	queue := make(chan Envelope, ListenerQueueSize)
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.listeners[agentID]
	if !ok {
		set = make(map[chan Envelope]struct{})
		e.listeners[agentID] = set
	}
	set[queue] = struct{}{}
	return queue
}

// UnregisterListener detaches a queue; the engine keeps no reference after.
func (e *Engine) UnregisterListener(agentID string, queue chan Envelope) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.listeners[agentID]
	if !ok {
		return
	}
	delete(set, queue)
	if len(set) == 0 {
		delete(e.listeners, agentID)
	}
}

// EnsureAgent returns the agent's entity, spawning it on the first free
// interior floor cell of the root chunk if it does not exist yet.
func (e *Engine) EnsureAgent(agentID string) (AgentEntity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.agents[agentID]; ok {
		return *existing, nil
	}

	chunk := e.chunks[e.rootChunkID]
	for y := 1; y < e.height-1; y++ {
		for x := 1; x < e.width-1; x++ {
			cell := pathfind.Cell{X: x, Y: y}
			if _, occupied := chunk.occupancy[cell]; occupied {
				continue
			}
			if !chunk.isFloor(cell) {
				continue
			}
			entity := &AgentEntity{AgentID: agentID, ChunkID: chunk.id, X: x, Y: y}
			e.agents[agentID] = entity
			chunk.occupancy[cell] = agentID
			chunk.agents[agentID] = struct{}{}
			chunk.lastPlayerLeftAt = time.Time{}
			e.gaugeAgents()
			return *entity, nil
		}
	}
	return AgentEntity{}, ErrNoSpawnAvailable
}

// RemoveAgent clears the agent, its occupancy and any queued commands.
func (e *Engine) RemoveAgent(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.agentActiveCmd, agentID)

	kept := e.pending[:0]
	for _, cmd := range e.pending {
		if cmd.agentID != agentID {
			kept = append(kept, cmd)
		}
	}
	e.pending = kept

	for id, cmd := range e.executing {
		if cmd.agentID == agentID {
			delete(e.executing, id)
		}
	}

	entity, ok := e.agents[agentID]
	if !ok {
		return
	}
	delete(e.agents, agentID)
	if chunk, ok := e.chunks[entity.ChunkID]; ok {
		delete(chunk.occupancy, pathfind.Cell{X: entity.X, Y: entity.Y})
		delete(chunk.agents, agentID)
		if len(chunk.agents) == 0 {
			chunk.lastPlayerLeftAt = e.now()
		}
	}
	e.gaugeAgents()
}

// HasActiveCommand reports whether the agent has an unfinished command.
func (e *Engine) HasActiveCommand(agentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.agentActiveCmd[agentID]
	return ok
}

// SubmitMoveCommand admits a move for execution starting next tick and
// returns the accepted tick. The path is computed now, treating other agents
// in the chunk as blocked (the goal cell excepted).
func (e *Engine) SubmitMoveCommand(agentID, serverCmdID string, targetX, targetY int) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	agent, ok := e.agents[agentID]
	if !ok {
		e.countCommand("agent_not_found")
		return 0, ErrAgentNotFound
	}
	if _, busy := e.agentActiveCmd[agentID]; busy {
		e.countCommand("busy")
		return 0, ErrBusy
	}
	if targetX < 0 || targetX >= e.width || targetY < 0 || targetY >= e.height {
		e.countCommand("out_of_bounds")
		return 0, ErrOutOfBounds
	}
	chunk, ok := e.chunks[agent.ChunkID]
	if !ok {
		e.countCommand("chunk_not_found")
		return 0, ErrChunkNotFound
	}

	start := pathfind.Cell{X: agent.X, Y: agent.Y}
	goal := pathfind.Cell{X: targetX, Y: targetY}
	// The goal-cell exception in the search only forgives occupancy (the
	// occupant may move); a wall target can never become walkable.
	if !chunk.isFloor(goal) {
		e.countCommand("unreachable")
		return 0, ErrUnreachable
	}
	blocked := func(c pathfind.Cell) bool {
		if !chunk.isFloor(c) {
			return true
		}
		occupant, occupied := chunk.occupancy[c]
		return occupied && occupant != agentID
	}

	path, ok := pathfind.Path(e.width, e.height, start, goal, blocked)
	if !ok {
		e.countCommand("unreachable")
		return 0, ErrUnreachable
	}

	e.acceptSerial++
	acceptedTick := e.tick + 1
	e.pending = append(e.pending, &moveCommand{
		serverCmdID:   serverCmdID,
		agentID:       agentID,
		targetX:       targetX,
		targetY:       targetY,
		path:          path,
		acceptedTick:  acceptedTick,
		acceptedOrder: e.acceptSerial,
	})
	e.agentActiveCmd[agentID] = serverCmdID
	e.countCommand("accepted")
	return acceptedTick, nil
}

// AgentState returns the agent's current position.
func (e *Engine) AgentState(agentID string) (AgentEntity, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entity, ok := e.agents[agentID]
	if !ok {
		return AgentEntity{}, false
	}
	return *entity, true
}

// HasChunk reports whether a chunk is currently materialised.
func (e *Engine) HasChunk(chunkID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.chunks[chunkID]
	return ok
}

// ChunkCount returns the number of live chunks.
func (e *Engine) ChunkCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.chunks)
}

// ChunkStaticPayload builds the static payload for a chunk, or for the
// chunk an agent is in when chunkID is empty.
func (e *Engine) ChunkStaticPayload(chunkID, agentID string) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	chunk, err := e.resolveChunkLocked(chunkID, agentID)
	if err != nil {
		return nil, err
	}
	return e.chunkStaticLocked(chunk), nil
}

// ChunkDeltaPayload builds the current delta payload (no events).
func (e *Engine) ChunkDeltaPayload(chunkID, agentID string) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	chunk, err := e.resolveChunkLocked(chunkID, agentID)
	if err != nil {
		return nil, err
	}
	return e.chunkDeltaLocked(chunk, nil), nil
}

// ChunkSnapshotPayload builds the renderer bootstrap: static tiles plus the
// latest delta.
func (e *Engine) ChunkSnapshotPayload(chunkID string) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	chunk, err := e.resolveChunkLocked(chunkID, "")
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"chunk_static": e.chunkStaticLocked(chunk),
		"latest_delta": e.chunkDeltaLocked(chunk, nil),
	}, nil
}

// --- internals ---

func (c *chunkState) isFloor(cell pathfind.Cell) bool {
	if cell.Y < 0 || cell.Y >= len(c.tiles) {
		return false
	}
	row := c.tiles[cell.Y]
	if cell.X < 0 || cell.X >= len(row) {
		return false
	}
	return row[cell.X] == '.'
}

func (e *Engine) resolveChunkLocked(chunkID, agentID string) (*chunkState, error) {
	if chunkID != "" {
		chunk, ok := e.chunks[chunkID]
		if !ok {
			return nil, ErrChunkNotFound
		}
		return chunk, nil
	}
	if agentID != "" {
		agent, ok := e.agents[agentID]
		if !ok {
			return nil, ErrAgentNotFound
		}
		chunk, ok := e.chunks[agent.ChunkID]
		if !ok {
			return nil, ErrChunkNotFound
		}
		return chunk, nil
	}
	return e.chunks[e.rootChunkID], nil
}

// newChunkLocked materialises a chunk. An empty id mints the next serial id.
func (e *Engine) newChunkLocked(chunkID string, pinned bool, seed int64, requiredEdges []string) *chunkState {
	if chunkID == "" {
		e.chunkSerial++
		chunkID = "chunk-" + strconv.FormatInt(e.chunkSerial, 10)
	} else if serial, ok := parseChunkSerial(chunkID); ok && serial > e.chunkSerial {
		e.chunkSerial = serial
	}

	now := e.now()
	c := &chunkState{
		id:               chunkID,
		tiles:            e.generateTiles(chunkID, seed, requiredEdges),
		neighbors:        map[string]string{"N": "", "E": "", "S": "", "W": ""},
		occupancy:        make(map[pathfind.Cell]string),
		agents:           make(map[string]struct{}),
		createdAt:        now,
		lastPlayerLeftAt: now,
		pinned:           pinned,
		seed:             seed,
	}
	return c
}

// generateTiles builds a chunk's static tiles. Without a wired generator
// every chunk is open floor (the engine default). The root chunk passes all
// four edges as required; lazily created neighbours pass their entry edge.
func (e *Engine) generateTiles(chunkID string, seed int64, requiredEdges []string) []string {
	if e.tileGen == nil {
		row := strings.Repeat(".", e.width)
		tiles := make([]string, e.height)
		for i := range tiles {
			tiles[i] = row
		}
		return tiles
	}
	root := chunkID == "chunk-0"
	if root {
		requiredEdges = append([]string{}, directions...)
	}
	return e.tileGen(e.width, e.height, seed, requiredEdges, root && e.rootLayout)
}

// neighborSeed derives a child chunk seed from its parent seed and the edge
// being crossed, so regenerating the same edge yields the same layout.
func neighborSeed(parentSeed int64, direction string) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%s", parentSeed, direction)
	return int64(h.Sum64())
}

func parseChunkSerial(chunkID string) (int64, bool) {
	rest, ok := strings.CutPrefix(chunkID, "chunk-")
	if !ok {
		return 0, false
	}
	serial, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return serial, true
}

func (e *Engine) chunkStaticLocked(c *chunkState) map[string]any {
	neighbors := make(map[string]any, len(directions))
	for _, d := range directions {
		if id := c.neighbors[d]; id != "" {
			neighbors[d] = id
		} else {
			neighbors[d] = nil
		}
	}
	tiles := make([]string, len(c.tiles))
	copy(tiles, c.tiles)
	return map[string]any{
		"chunk_id":  c.id,
		"size":      map[string]any{"w": e.width, "h": e.height},
		"tiles":     tiles,
		"legend":    map[string]any{".": "floor", "#": "wall"},
		"neighbors": neighbors,
		"tick_base": e.tick,
	}
}

func (e *Engine) chunkDeltaLocked(c *chunkState, events []map[string]any) map[string]any {
	if events == nil {
		events = []map[string]any{}
	}
	return map[string]any{
		"chunk_id": c.id,
		"tick":     e.tick,
		"agents":   e.agentSnapshotsLocked(c),
		"events":   events,
	}
}

func (e *Engine) agentSnapshotsLocked(c *chunkState) []map[string]any {
	ids := sortedKeys(c.agents)
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		if entity, ok := e.agents[id]; ok {
			out = append(out, map[string]any{"id": id, "x": entity.X, "y": entity.Y})
		}
	}
	return out
}

func (e *Engine) emitToAgentLocked(agentID string, msg Envelope) {
	for queue := range e.listeners[agentID] {
		select {
		case queue <- msg:
		default:
			e.countDrop()
		}
	}
}

func (e *Engine) countCommand(result string) {
	if e.metrics != nil {
		e.metrics.CommandsTotal.WithLabelValues(result).Inc()
	}
}

func (e *Engine) countDrop() {
	if e.metrics != nil {
		e.metrics.ListenerDrops.Inc()
	}
}

func (e *Engine) gaugeAgents() {
	if e.metrics != nil {
		e.metrics.AgentsLive.Set(float64(len(e.agents)))
	}
}

func (e *Engine) gaugeChunks() {
	if e.metrics != nil {
		e.metrics.ChunksLive.Set(float64(len(e.chunks)))
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

