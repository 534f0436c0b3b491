package engine

import (
	"sort"
	"time"

	"github.com/dungeonclaw/backend/internal/pathfind"
)

type finishedCmd struct {
	cmd    *moveCommand
	status string
	meta   map[string]any
}

type transitionEmit struct {
	agentID   string
	payload   map[string]any
	toChunkID string
}

// TickOnce advances the world one tick: promote due commands, resolve them
// in deterministic order, deliver results and deltas, then collect chunks.
func (e *Engine) TickOnce() {
	started := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	e.tick++

	for len(e.pending) > 0 && e.pending[0].acceptedTick <= e.tick {
		cmd := e.pending[0]
		e.pending = e.pending[1:]
		e.executing[cmd.serverCmdID] = cmd
	}

	affected := make(map[string]struct{})
	chunkEvents := make(map[string][]map[string]any)
	var transitions []transitionEmit
	var finished []finishedCmd

	running := make([]*moveCommand, 0, len(e.executing))
	for _, cmd := range e.executing {
		running = append(running, cmd)
	}
	sort.Slice(running, func(i, j int) bool {
		a, b := running[i], running[j]
		if a.acceptedTick != b.acceptedTick {
			return a.acceptedTick < b.acceptedTick
		}
		if a.acceptedOrder != b.acceptedOrder {
			return a.acceptedOrder < b.acceptedOrder
		}
		return a.agentID < b.agentID
	})

	for _, cmd := range running {
		agent, ok := e.agents[cmd.agentID]
		if !ok {
			finished = append(finished, finishedCmd{cmd, "failed", map[string]any{"reason": "agent_not_found"}})
			continue
		}
		chunk, ok := e.chunks[agent.ChunkID]
		if !ok {
			finished = append(finished, finishedCmd{cmd, "failed", map[string]any{"reason": "chunk_not_found"}})
			continue
		}

		if cmd.pathIndex >= len(cmd.path) {
			finished = append(finished, finishedCmd{cmd, "completed", nil})
			continue
		}

		next := cmd.path[cmd.pathIndex]
		if dir, ok := e.boundaryDirection(pathfind.Cell{X: agent.X, Y: agent.Y}, next); ok {
			outcome := e.attemptBoundaryTransitionLocked(cmd, agent, chunk, dir, next)
			if !outcome.ok {
				meta := map[string]any{
					"reason":     "blocked",
					"blocked_at": map[string]any{"x": outcome.blockedAt.X, "y": outcome.blockedAt.Y},
					"blocker": map[string]any{
						"id": outcome.blocker,
						"x":  outcome.blockedAt.X,
						"y":  outcome.blockedAt.Y,
					},
				}
				chunkEvents[chunk.id] = append(chunkEvents[chunk.id], map[string]any{
					"type": "blocked",
					"by":   outcome.blocker,
					"at":   map[string]any{"x": outcome.blockedAt.X, "y": outcome.blockedAt.Y},
				})
				affected[chunk.id] = struct{}{}
				finished = append(finished, finishedCmd{cmd, "failed", meta})
				continue
			}

			transitions = append(transitions, transitionEmit{
				agentID: cmd.agentID,
				payload: map[string]any{
					"agent_id":      cmd.agentID,
					"from_chunk_id": outcome.fromChunkID,
					"to_chunk_id":   outcome.toChunkID,
					"from":          map[string]any{"x": outcome.from.X, "y": outcome.from.Y},
					"to":            map[string]any{"x": outcome.to.X, "y": outcome.to.Y},
					"tick":          e.tick,
				},
				toChunkID: outcome.toChunkID,
			})
			affected[outcome.fromChunkID] = struct{}{}
			affected[outcome.toChunkID] = struct{}{}
			if cmd.pathIndex >= len(cmd.path) {
				finished = append(finished, finishedCmd{cmd, "completed", nil})
			}
			continue
		}

		if occupant, occupied := chunk.occupancy[next]; occupied && occupant != cmd.agentID {
			meta := map[string]any{
				"reason":     "blocked",
				"blocked_at": map[string]any{"x": next.X, "y": next.Y},
				"blocker":    map[string]any{"id": occupant, "x": next.X, "y": next.Y},
			}
			chunkEvents[chunk.id] = append(chunkEvents[chunk.id], map[string]any{
				"type": "blocked",
				"by":   occupant,
				"at":   map[string]any{"x": next.X, "y": next.Y},
			})
			affected[chunk.id] = struct{}{}
			finished = append(finished, finishedCmd{cmd, "failed", meta})
			continue
		}

		delete(chunk.occupancy, pathfind.Cell{X: agent.X, Y: agent.Y})
		chunk.occupancy[next] = cmd.agentID
		agent.X = next.X
		agent.Y = next.Y
		cmd.pathIndex++
		affected[chunk.id] = struct{}{}

		if cmd.pathIndex >= len(cmd.path) {
			finished = append(finished, finishedCmd{cmd, "completed", nil})
		}
	}

	for _, fin := range finished {
		delete(e.executing, fin.cmd.serverCmdID)
		delete(e.agentActiveCmd, fin.cmd.agentID)

		payload := map[string]any{
			"server_cmd_id": fin.cmd.serverCmdID,
			"status":        fin.status,
			"ended_tick":    e.tick,
		}
		for k, v := range fin.meta {
			payload[k] = v
		}
		e.emitToAgentLocked(fin.cmd.agentID, Envelope{Type: "command_result", Payload: payload})
		e.countCommand(fin.status)
	}

	for _, tr := range transitions {
		e.emitToAgentLocked(tr.agentID, Envelope{Type: "chunk_transition", Payload: tr.payload})
		if toChunk, ok := e.chunks[tr.toChunkID]; ok {
			e.emitToAgentLocked(tr.agentID, Envelope{Type: "chunk_static", Payload: e.chunkStaticLocked(toChunk)})
		}
	}

	for _, chunkID := range sortedKeys(affected) {
		chunk, ok := e.chunks[chunkID]
		if !ok {
			continue
		}
		e.broadcastChunkDeltaLocked(chunk, chunkEvents[chunkID])
	}

	e.runChunkGCLocked(e.now())

	if e.metrics != nil {
		e.metrics.TicksTotal.Inc()
		e.metrics.TickDuration.Observe(time.Since(started).Seconds())
	}
}

// broadcastChunkDeltaLocked delivers one delta to every agent in the chunk
// and appends it to the chunk's spectator log.
func (e *Engine) broadcastChunkDeltaLocked(chunk *chunkState, events []map[string]any) {
	payload := e.chunkDeltaLocked(chunk, events)
	for _, id := range sortedKeys(chunk.agents) {
		e.emitToAgentLocked(id, Envelope{Type: "chunk_delta", Payload: payload})
	}
	data := map[string]any{"type": "chunk_delta"}
	for k, v := range payload {
		data[k] = v
	}
	e.appendSpectatorEventLocked(chunk.id, "chunk_delta", data)
}

// runChunkGCLocked collects expired leaf chunks. A chunk survives while it
// is the root, pinned, holds agents or transition locks, was vacated less
// than the TTL ago, or links to more than one live neighbour. Collected
// chunks emit a final chunk_closed to their spectators.
func (e *Engine) runChunkGCLocked(now time.Time) {
	var candidates []string
	for _, chunk := range e.chunks {
		if chunk.id == e.rootChunkID || chunk.pinned {
			continue
		}
		if len(chunk.agents) > 0 || chunk.transitionLockCount > 0 {
			continue
		}
		if chunk.lastPlayerLeftAt.IsZero() {
			continue
		}
		if now.Sub(chunk.lastPlayerLeftAt) < e.gcTTL {
			continue
		}
		degree := 0
		for _, neighborID := range chunk.neighbors {
			if neighborID == "" {
				continue
			}
			if _, live := e.chunks[neighborID]; live {
				degree++
			}
		}
		if degree > 1 {
			continue
		}
		candidates = append(candidates, chunk.id)
	}
	sort.Strings(candidates)

	for _, chunkID := range candidates {
		chunk, ok := e.chunks[chunkID]
		if !ok {
			continue
		}
		for _, dir := range directions {
			neighborID := chunk.neighbors[dir]
			if neighborID == "" {
				continue
			}
			if neighbor, live := e.chunks[neighborID]; live {
				neighbor.neighbors[oppositeDir[dir]] = ""
			}
			chunk.neighbors[dir] = ""
		}
		delete(e.chunks, chunkID)
		e.closeSpectatorLogLocked(chunkID)
	}
	if len(candidates) > 0 {
		e.gaugeChunks()
	}
}

type transitionOutcome struct {
	ok          bool
	blockedAt   pathfind.Cell
	blocker     string
	fromChunkID string
	toChunkID   string
	from        pathfind.Cell
	to          pathfind.Cell
}

// attemptBoundaryTransitionLocked moves the agent across an edge into the
// neighbour chunk (creating it lazily), holding transition locks on both
// chunks so neither can be collected mid-move.
func (e *Engine) attemptBoundaryTransitionLocked(cmd *moveCommand, agent *AgentEntity, source *chunkState, direction string, boundary pathfind.Cell) transitionOutcome {
	source.transitionLockCount++
	defer func() { source.transitionLockCount-- }()

	if occupant, occupied := source.occupancy[boundary]; occupied && occupant != cmd.agentID {
		return transitionOutcome{blockedAt: boundary, blocker: occupant}
	}

	toChunkID := e.getOrCreateNeighborLocked(source.id, direction)
	target := e.chunks[toChunkID]
	target.transitionLockCount++
	defer func() { target.transitionLockCount-- }()

	dest := e.mapDestination(boundary, direction)
	if occupant, occupied := target.occupancy[dest]; occupied && occupant != cmd.agentID {
		return transitionOutcome{blockedAt: dest, blocker: occupant}
	}

	delete(source.occupancy, pathfind.Cell{X: agent.X, Y: agent.Y})
	delete(source.agents, agent.AgentID)
	if len(source.agents) == 0 {
		source.lastPlayerLeftAt = e.now()
	}

	target.occupancy[dest] = agent.AgentID
	target.agents[agent.AgentID] = struct{}{}
	target.lastPlayerLeftAt = time.Time{}
	agent.ChunkID = target.id
	agent.X = dest.X
	agent.Y = dest.Y
	cmd.pathIndex++

	return transitionOutcome{
		ok:          true,
		fromChunkID: source.id,
		toChunkID:   target.id,
		from:        boundary,
		to:          dest,
	}
}

// getOrCreateNeighborLocked resolves the chunk behind an edge, materialising
// it on first crossing. The refcount map guards the create against the same
// edge being crossed twice within one resolution pass.
func (e *Engine) getOrCreateNeighborLocked(sourceChunkID, direction string) string {
	source := e.chunks[sourceChunkID]
	if existing := source.neighbors[direction]; existing != "" {
		if _, live := e.chunks[existing]; live {
			return existing
		}
	}

	key := neighborKey{chunkID: sourceChunkID, direction: direction}
	e.neighborLockRefcnt[key]++
	defer func() {
		e.neighborLockRefcnt[key]--
		if e.neighborLockRefcnt[key] <= 0 {
			delete(e.neighborLockRefcnt, key)
		}
	}()

	if existing := source.neighbors[direction]; existing != "" {
		if _, live := e.chunks[existing]; live {
			return existing
		}
	}

	neighbor := e.newChunkLocked("", false, neighborSeed(source.seed, direction), []string{oppositeDir[direction]})
	e.chunks[neighbor.id] = neighbor
	source.neighbors[direction] = neighbor.id
	neighbor.neighbors[oppositeDir[direction]] = sourceChunkID
	e.gaugeChunks()
	return neighbor.id
}

// mapDestination mirrors a boundary cell onto the opposite edge of the
// neighbour chunk.
func (e *Engine) mapDestination(boundary pathfind.Cell, direction string) pathfind.Cell {
	switch direction {
	case "W":
		return pathfind.Cell{X: e.width - 1, Y: boundary.Y}
	case "E":
		return pathfind.Cell{X: 0, Y: boundary.Y}
	case "S":
		return pathfind.Cell{X: boundary.X, Y: e.height - 1}
	default: // N
		return pathfind.Cell{X: boundary.X, Y: 0}
	}
}

// boundaryDirection reports the edge being crossed when a unit step lands
// on a boundary cell moving outward. Row 0 exits south, row H-1 north.
func (e *Engine) boundaryDirection(current, next pathfind.Cell) (string, bool) {
	dx := next.X - current.X
	dy := next.Y - current.Y
	if abs(dx)+abs(dy) != 1 {
		return "", false
	}
	switch {
	case next.X == 0 && dx < 0:
		return "W", true
	case next.X == e.width-1 && dx > 0:
		return "E", true
	case next.Y == 0 && dy < 0:
		return "S", true
	case next.Y == e.height-1 && dy > 0:
		return "N", true
	}
	return "", false
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
