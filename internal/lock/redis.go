package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"satukolab/pkg/model"
)

const (
	defaultKeyPrefix = "collab:"
	maxTxRetries     = 16
	// Leases stay readable for a while past expiry so the sweeper can
	// still announce who released them.
	expiryGrace = 10 * time.Minute
)

var errTxRetriesExhausted = errors.New("lock table contention: transaction retries exhausted")

// RedisStore shares the lock table between hub replicas. Each mutation runs
// as a WATCH/MULTI transaction on the lease key, which makes grants
// linearizable per resource.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) leaseKey(key string) string { return s.prefix + "lock:" + key }
func (s *RedisStore) expiryKey() string          { return s.prefix + "lock-expiry" }
func (s *RedisStore) entityKey(e model.EntityRef) string {
	return s.prefix + "locks:" + e.Key()
}

func (s *RedisStore) Acquire(ctx context.Context, candidate model.Lock, now time.Time) (model.Lock, Outcome, error) {
	key := candidate.Key()
	lk := s.leaseKey(key)

	var (
		result  model.Lock
		outcome Outcome
	)
	err := s.transact(ctx, lk, func(tx *redis.Tx) error {
		cur, found, err := s.load(ctx, tx, lk)
		if err != nil {
			return err
		}
		if found && !cur.Expired(now) {
			result, outcome = cur, Held
			if cur.OwnerUserID == candidate.OwnerUserID {
				outcome = Refreshed
			}
			return nil
		}
		if err := s.write(ctx, tx, candidate, now); err != nil {
			return err
		}
		result, outcome = candidate, Acquired
		return nil
	})
	return result, outcome, err
}

func (s *RedisStore) Extend(ctx context.Context, key, ownerID string, d time.Duration, now time.Time) (model.Lock, bool, error) {
	lk := s.leaseKey(key)

	var (
		result model.Lock
		ok     bool
	)
	err := s.transact(ctx, lk, func(tx *redis.Tx) error {
		cur, found, err := s.load(ctx, tx, lk)
		if err != nil {
			return err
		}
		if !found || !canExtend(cur, ownerID, now) {
			result, ok = cur, false
			return nil
		}
		next := extended(cur, d, now)
		if err := s.write(ctx, tx, next, now); err != nil {
			return err
		}
		result, ok = next, true
		return nil
	})
	return result, ok, err
}

func (s *RedisStore) Release(ctx context.Context, key, ownerID string, now time.Time) (model.Lock, bool, error) {
	lk := s.leaseKey(key)

	var (
		result   model.Lock
		released bool
	)
	err := s.transact(ctx, lk, func(tx *redis.Tx) error {
		cur, found, err := s.load(ctx, tx, lk)
		if err != nil {
			return err
		}
		if !found || cur.Expired(now) || cur.OwnerUserID != ownerID {
			return nil
		}
		if err := s.remove(ctx, tx, cur); err != nil {
			return err
		}
		result, released = cur, true
		return nil
	})
	return result, released, err
}

func (s *RedisStore) Get(ctx context.Context, key string, now time.Time) (model.Lock, bool, error) {
	cur, found, err := s.load(ctx, s.client, s.leaseKey(key))
	if err != nil || !found || cur.Expired(now) {
		return model.Lock{}, false, err
	}
	return cur, true, nil
}

func (s *RedisStore) List(ctx context.Context, entity model.EntityRef, now time.Time) ([]model.Lock, error) {
	ek := s.entityKey(entity)
	keys, err := s.client.SMembers(ctx, ek).Result()
	if err != nil {
		return nil, fmt.Errorf("list locks for %s: %w", entity.Key(), err)
	}

	locks := []model.Lock{}
	for _, key := range keys {
		cur, found, err := s.load(ctx, s.client, s.leaseKey(key))
		if err != nil {
			return nil, err
		}
		if !found {
			// Lease key aged out past its grace period; drop the index entry.
			s.client.SRem(ctx, ek, key)
			continue
		}
		if !cur.Expired(now) {
			locks = append(locks, cur)
		}
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].ResourceID < locks[j].ResourceID })
	return locks, nil
}

func (s *RedisStore) Sweep(ctx context.Context, now time.Time) ([]model.Lock, error) {
	keys, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan expired leases: %w", err)
	}

	var expired []model.Lock
	for _, key := range keys {
		lk := s.leaseKey(key)
		err := s.transact(ctx, lk, func(tx *redis.Tx) error {
			cur, found, err := s.load(ctx, tx, lk)
			if err != nil {
				return err
			}
			if !found {
				return tx.ZRem(ctx, s.expiryKey(), key).Err()
			}
			if !cur.Expired(now) {
				return nil
			}
			if err := s.remove(ctx, tx, cur); err != nil {
				return err
			}
			expired = append(expired, cur)
			return nil
		})
		if err != nil {
			return expired, err
		}
	}
	return expired, nil
}

// transact runs fn under WATCH on key, retrying when a concurrent writer
// invalidated the transaction.
func (s *RedisStore) transact(ctx context.Context, key string, fn func(*redis.Tx) error) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return errTxRetriesExhausted
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c stringGetter, lk string) (model.Lock, bool, error) {
	data, err := c.Get(ctx, lk).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Lock{}, false, nil
	}
	if err != nil {
		return model.Lock{}, false, fmt.Errorf("read lease %s: %w", lk, err)
	}
	var l model.Lock
	if err := json.Unmarshal(data, &l); err != nil {
		return model.Lock{}, false, fmt.Errorf("decode lease %s: %w", lk, err)
	}
	return l, true, nil
}

func (s *RedisStore) write(ctx context.Context, tx *redis.Tx, l model.Lock, now time.Time) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode lease: %w", err)
	}
	key := l.Key()
	ttl := l.ExpiresAt.Sub(now) + expiryGrace
	_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.leaseKey(key), data, ttl)
		p.SAdd(ctx, s.entityKey(l.Entity()), key)
		p.ZAdd(ctx, s.expiryKey(), redis.Z{Score: float64(l.ExpiresAt.UnixMilli()), Member: key})
		return nil
	})
	return err
}

func (s *RedisStore) remove(ctx context.Context, tx *redis.Tx, l model.Lock) error {
	key := l.Key()
	_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.leaseKey(key))
		p.SRem(ctx, s.entityKey(l.Entity()), key)
		p.ZRem(ctx, s.expiryKey(), key)
		return nil
	})
	return err
}
