package lock

import (
	"context"
	"sort"
	"sync"
	"time"

	"satukolab/pkg/model"
)

// MemoryStore keeps the lock table in process. It is the authority when the
// hub runs as a single replica.
type MemoryStore struct {
	mu    sync.Mutex
	locks map[string]model.Lock
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: make(map[string]model.Lock)}
}

func (s *MemoryStore) Acquire(_ context.Context, candidate model.Lock, now time.Time) (model.Lock, Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := candidate.Key()
	if cur, ok := s.locks[key]; ok && !cur.Expired(now) {
		if cur.OwnerUserID == candidate.OwnerUserID {
			return cur, Refreshed, nil
		}
		return cur, Held, nil
	}
	s.locks[key] = candidate
	return candidate, Acquired, nil
}

func (s *MemoryStore) Extend(_ context.Context, key, ownerID string, d time.Duration, now time.Time) (model.Lock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.locks[key]
	if !ok || !canExtend(cur, ownerID, now) {
		return cur, false, nil
	}
	cur = extended(cur, d, now)
	s.locks[key] = cur
	return cur, true, nil
}

func (s *MemoryStore) Release(_ context.Context, key, ownerID string, now time.Time) (model.Lock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.locks[key]
	if !ok || cur.Expired(now) || cur.OwnerUserID != ownerID {
		return model.Lock{}, false, nil
	}
	delete(s.locks, key)
	return cur, true, nil
}

func (s *MemoryStore) Get(_ context.Context, key string, now time.Time) (model.Lock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.locks[key]
	if !ok || cur.Expired(now) {
		return model.Lock{}, false, nil
	}
	return cur, true, nil
}

func (s *MemoryStore) List(_ context.Context, entity model.EntityRef, now time.Time) ([]model.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	locks := []model.Lock{}
	for _, l := range s.locks {
		if l.Entity() == entity && !l.Expired(now) {
			locks = append(locks, l)
		}
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].ResourceID < locks[j].ResourceID })
	return locks, nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time) ([]model.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []model.Lock
	for key, l := range s.locks {
		if l.Expired(now) {
			expired = append(expired, l)
			delete(s.locks, key)
		}
	}
	return expired, nil
}
