package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"satukolab/pkg/logger"
	"satukolab/pkg/model"
)

const publishTimeout = 2 * time.Second

type lockEvent struct {
	Origin   string     `json:"origin"`
	Released bool       `json:"released"`
	Lock     model.Lock `json:"lock"`
}

// RedisRelay is the Broadcaster of hub replicas that share a RedisStore.
// Lease changes go to the local hub directly and to the other replicas over
// a Redis channel, so every replica's rooms see every change.
type RedisRelay struct {
	client  *redis.Client
	channel string
	origin  string

	mu    sync.RWMutex
	local Broadcaster
}

func NewRedisRelay(client *redis.Client, prefix string) *RedisRelay {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisRelay{client: client, channel: prefix + "lock-events", origin: uuid.NewString()}
}

// SetLocal sets the broadcaster of this replica's own rooms.
func (r *RedisRelay) SetLocal(b Broadcaster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local = b
}

func (r *RedisRelay) LockAcquired(l model.Lock) {
	r.deliver(lockEvent{Lock: l})
	r.publish(lockEvent{Origin: r.origin, Lock: l})
}

func (r *RedisRelay) LockReleased(l model.Lock) {
	r.deliver(lockEvent{Released: true, Lock: l})
	r.publish(lockEvent{Origin: r.origin, Released: true, Lock: l})
}

func (r *RedisRelay) deliver(e lockEvent) {
	r.mu.RLock()
	local := r.local
	r.mu.RUnlock()
	if local == nil {
		return
	}
	if e.Released {
		local.LockReleased(e.Lock)
	} else {
		local.LockAcquired(e.Lock)
	}
}

func (r *RedisRelay) publish(e lockEvent) {
	b, err := json.Marshal(e)
	if err != nil {
		logger.Sugar.Errorf("Failed to encode lock event %s: %v", e.Lock.Key(), err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, b).Err(); err != nil {
		logger.Sugar.Errorf("Failed to relay lock event %s: %v", e.Lock.Key(), err)
	}
}

// Run forwards the other replicas' lease changes to the local hub until ctx
// is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var e lockEvent
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				logger.Sugar.Warnf("Dropping malformed lock event: %v", err)
				continue
			}
			if e.Origin == r.origin {
				continue
			}
			r.deliver(e)
		}
	}
}
