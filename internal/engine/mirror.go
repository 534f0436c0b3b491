package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// mirrorQueueSize bounds the publish backlog; the tick loop never waits on
// Redis.
const mirrorQueueSize = 1024

type mirrorItem struct {
	chunkID string
	rec     EventRecord
}

// RedisEventMirror copies every spectator event record onto a Redis pub/sub
// channel per chunk ("dc:events:<chunk_id>"), best effort. External
// consumers (renderers, analytics) subscribe without touching the engine.
type RedisEventMirror struct {
	client *redis.Client
	queue  chan mirrorItem
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisEventMirror connects to Redis and starts the publish worker.
func NewRedisEventMirror(addr string) *RedisEventMirror {
	ctx, cancel := context.WithCancel(context.Background())
	m := &RedisEventMirror{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		queue:  make(chan mirrorItem, mirrorQueueSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go m.run(ctx)
	return m
}

// Publish enqueues a record without blocking; a full backlog drops it.
func (m *RedisEventMirror) Publish(chunkID string, rec EventRecord) {
	select {
	case m.queue <- mirrorItem{chunkID: chunkID, rec: rec}:
	default:
	}
}

// Close stops the worker and releases the client.
func (m *RedisEventMirror) Close() error {
	m.cancel()
	<-m.done
	return m.client.Close()
}

func (m *RedisEventMirror) run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-m.queue:
			payload, err := json.Marshal(item.rec)
			if err != nil {
				slog.Warn("event mirror marshal failed", "chunk_id", item.chunkID, "error", err)
				continue
			}
			channel := "dc:events:" + item.chunkID
			if err := m.client.Publish(ctx, channel, payload).Err(); err != nil {
				slog.Warn("event mirror publish failed", "channel", channel, "error", err)
			}
		}
	}
}
