package engine

import "fmt"

// FeedBootstrap is everything a spectator stream needs to start: the
// current chunk payloads, the replay decision and a registered queue.
type FeedBootstrap struct {
	ChunkID        string
	Queue          chan EventRecord
	ChunkStatic    map[string]any
	ChunkDelta     map[string]any
	ReplayEvents   []EventRecord
	ResyncRequired bool
}

// OpenSpectatorFeed registers a spectator queue on a chunk. With a
// last-event id still inside the ring the bootstrap carries the tail
// strictly after it; an id that has aged out flips ResyncRequired instead.
func (e *Engine) OpenSpectatorFeed(chunkID, lastEventID string) (*FeedBootstrap, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	chunk, ok := e.chunks[chunkID]
	if !ok {
		return nil, ErrChunkNotFound
	}

	boot := &FeedBootstrap{
		ChunkID:     chunk.id,
		Queue:       make(chan EventRecord, ListenerQueueSize),
		ChunkStatic: e.chunkStaticLocked(chunk),
		ChunkDelta:  e.chunkDeltaLocked(chunk, nil),
	}

	if lastEventID != "" {
		log := e.eventLog[chunk.id]
		at := -1
		for i, rec := range log {
			if rec.ID == lastEventID {
				at = i
				break
			}
		}
		if at < 0 {
			boot.ResyncRequired = true
		} else if at+1 < len(log) {
			boot.ReplayEvents = append([]EventRecord{}, log[at+1:]...)
		}
	}

	set, ok := e.spectators[chunk.id]
	if !ok {
		set = make(map[chan EventRecord]struct{})
		e.spectators[chunk.id] = set
	}
	set[boot.Queue] = struct{}{}
	return boot, nil
}

// UnregisterSpectator detaches a spectator queue. Safe to call after the
// chunk has been collected.
func (e *Engine) UnregisterSpectator(chunkID string, queue chan EventRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.spectators[chunkID]
	if !ok {
		return
	}
	delete(set, queue)
	if len(set) == 0 {
		delete(e.spectators, chunkID)
	}
}

// appendSpectatorEventLocked stamps, logs and fans out one event record.
// Within a tick records carry an increasing 4-hex sequence.
func (e *Engine) appendSpectatorEventLocked(chunkID, event string, data map[string]any) {
	seq, ok := e.eventSeq[chunkID]
	if !ok || seq.tick != e.tick {
		seq = &chunkSeq{tick: e.tick}
		e.eventSeq[chunkID] = seq
	} else {
		seq.seq++
	}

	rec := EventRecord{
		ID:    fmt.Sprintf("%s:%d:%04x", chunkID, e.tick, seq.seq),
		Event: event,
		Data:  data,
		Tick:  e.tick,
	}

	log := append(e.eventLog[chunkID], rec)
	if overflow := len(log) - e.replayMax; overflow > 0 {
		log = log[overflow:]
	}
	e.eventLog[chunkID] = log

	for queue := range e.spectators[chunkID] {
		select {
		case queue <- rec:
		default:
			e.countDrop()
		}
	}
	if e.mirror != nil {
		e.mirror.Publish(chunkID, rec)
	}
}

// closeSpectatorLogLocked emits the terminal chunk_closed record and drops
// the chunk's log state. Attached streams end on the closed event.
func (e *Engine) closeSpectatorLogLocked(chunkID string) {
	e.appendSpectatorEventLocked(chunkID, "chunk_closed", map[string]any{
		"type":     "chunk_closed",
		"chunk_id": chunkID,
		"tick":     e.tick,
	})
	delete(e.eventLog, chunkID)
	delete(e.eventSeq, chunkID)
	delete(e.spectators, chunkID)
}
