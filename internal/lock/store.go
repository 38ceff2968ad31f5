package lock

import (
	"context"
	"time"

	"satukolab/pkg/model"
)

type Outcome int

const (
	// Acquired means the candidate lease was stored.
	Acquired Outcome = iota
	// Refreshed means the requester already held a live lease.
	Refreshed
	// Held means another user holds a live lease.
	Held
)

// Store is the lock table. Every method is atomic per key; implementations
// must never let two live leases exist for one key.
type Store interface {
	// Acquire stores candidate unless a live lease exists for its key, in
	// which case the live lease is returned untouched.
	Acquire(ctx context.Context, candidate model.Lock, now time.Time) (model.Lock, Outcome, error)
	// Extend pushes the owner's live lease to now+d if it has extensions left.
	Extend(ctx context.Context, key, ownerID string, d time.Duration, now time.Time) (model.Lock, bool, error)
	// Release deletes the owner's live lease. Anything else is a no-op.
	Release(ctx context.Context, key, ownerID string, now time.Time) (model.Lock, bool, error)
	Get(ctx context.Context, key string, now time.Time) (model.Lock, bool, error)
	List(ctx context.Context, entity model.EntityRef, now time.Time) ([]model.Lock, error)
	// Sweep deletes expired leases and returns them.
	Sweep(ctx context.Context, now time.Time) ([]model.Lock, error)
}

func canExtend(l model.Lock, ownerID string, now time.Time) bool {
	return !l.Expired(now) && l.OwnerUserID == ownerID && l.CanExtend()
}

func extended(l model.Lock, d time.Duration, now time.Time) model.Lock {
	l.ExpiresAt = now.Add(d)
	l.ExtensionCount++
	return l
}
