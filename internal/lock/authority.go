package lock

import (
	"context"
	"fmt"
	"time"

	"satukolab/internal/metrics"
	"satukolab/pkg/logger"
	"satukolab/pkg/model"
)

// Broadcaster fans lease changes out to every mirror of the entity.
type Broadcaster interface {
	LockAcquired(l model.Lock)
	LockReleased(l model.Lock)
}

type Config struct {
	DefaultLease  time.Duration
	MaxLease      time.Duration
	MaxExtensions int
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultLease:  model.DefaultLeaseDuration,
		MaxLease:      30 * time.Minute,
		MaxExtensions: model.DefaultMaxExtensions,
		SweepInterval: 5 * time.Second,
	}
}

type Request struct {
	ResourceID   string
	ResourceType model.ResourceType
	FieldName    string
	Timeout      time.Duration
}

// Authority is the single source of truth for lease ownership. Clients only
// ever hold advisory copies of what it grants.
type Authority struct {
	store       Store
	cfg         Config
	now         func() time.Time
	broadcaster Broadcaster
	metrics     *metrics.Metrics
}

type Option func(*Authority)

func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

func WithBroadcaster(b Broadcaster) Option {
	return func(a *Authority) { a.broadcaster = b }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Authority) { a.metrics = m }
}

func NewAuthority(store Store, cfg Config, opts ...Option) *Authority {
	def := DefaultConfig()
	if cfg.DefaultLease <= 0 {
		cfg.DefaultLease = def.DefaultLease
	}
	if cfg.MaxLease <= 0 {
		cfg.MaxLease = def.MaxLease
	}
	if cfg.MaxExtensions <= 0 {
		cfg.MaxExtensions = def.MaxExtensions
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	a := &Authority{store: store, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetBroadcaster wires the fan-out after construction; the hub and the
// authority reference each other.
func (a *Authority) SetBroadcaster(b Broadcaster) {
	a.broadcaster = b
}

func (a *Authority) Config() Config {
	return a.cfg
}

func (a *Authority) leaseFor(d time.Duration) time.Duration {
	if d <= 0 {
		d = a.cfg.DefaultLease
	}
	if d > a.cfg.MaxLease {
		d = a.cfg.MaxLease
	}
	return d
}

// RequestLock grants a lease on req.ResourceID to owner, or returns a denial
// naming the current holder. A denial is a normal result, not an error.
func (a *Authority) RequestLock(ctx context.Context, owner model.Identity, entity model.EntityRef, req Request) (model.LockResult, error) {
	if !req.ResourceType.Valid() {
		return model.LockResult{}, fmt.Errorf("request lock %s: invalid resource type %q", req.ResourceID, req.ResourceType)
	}
	now := a.now()
	candidate := model.Lock{
		ResourceID:    req.ResourceID,
		ResourceType:  req.ResourceType,
		FieldName:     req.FieldName,
		EntityType:    entity.Type,
		EntityID:      entity.ID,
		OwnerUserID:   owner.UserID,
		OwnerName:     owner.UserName,
		AcquiredAt:    now,
		ExpiresAt:     now.Add(a.leaseFor(req.Timeout)),
		MaxExtensions: a.cfg.MaxExtensions,
	}

	cur, outcome, err := a.store.Acquire(ctx, candidate, now)
	if err != nil {
		return model.LockResult{}, fmt.Errorf("request lock %s: %w", candidate.Key(), err)
	}

	switch outcome {
	case Acquired:
		a.metrics.LockRequested(string(req.ResourceType), "granted")
		logger.Sugar.Debugf("Lock %s granted to %s until %s", cur.Key(), owner.UserID, cur.ExpiresAt.Format(time.RFC3339))
		if a.broadcaster != nil {
			a.broadcaster.LockAcquired(cur)
		}
		return model.Granted(cur, false), nil
	case Refreshed:
		a.metrics.LockRequested(string(req.ResourceType), "refreshed")
		return model.Granted(cur, true), nil
	default:
		a.metrics.LockRequested(string(req.ResourceType), "denied")
		return model.Denied(model.NewLockConflict(req.ResourceID, cur)), nil
	}
}

// ReleaseLock ends owner's lease on resourceID. Releasing a lease that is
// missing, expired or held by someone else is a no-op.
func (a *Authority) ReleaseLock(ctx context.Context, owner model.Identity, entity model.EntityRef, resourceID string) error {
	released, ok, err := a.store.Release(ctx, model.LockKey(entity, resourceID), owner.UserID, a.now())
	if err != nil {
		return fmt.Errorf("release lock %s: %w", model.LockKey(entity, resourceID), err)
	}
	if !ok {
		return nil
	}
	a.metrics.LockEnded("released", 1)
	if a.broadcaster != nil {
		a.broadcaster.LockReleased(released)
	}
	return nil
}

// ExtendLock resets the owner's lease to now+d (default lease when d is zero)
// and counts the extension. It reports false, changing nothing, when the
// caller is not the owner or the lease has no extensions left.
func (a *Authority) ExtendLock(ctx context.Context, owner model.Identity, entity model.EntityRef, resourceID string, d time.Duration) (model.Lock, bool, error) {
	key := model.LockKey(entity, resourceID)
	l, ok, err := a.store.Extend(ctx, key, owner.UserID, a.leaseFor(d), a.now())
	if err != nil {
		return model.Lock{}, false, fmt.Errorf("extend lock %s: %w", key, err)
	}
	a.metrics.LockExtended(ok)
	if !ok {
		return l, false, nil
	}
	if a.broadcaster != nil {
		a.broadcaster.LockAcquired(l)
	}
	return l, true, nil
}

func (a *Authority) GetLock(ctx context.Context, entity model.EntityRef, resourceID string) (*model.Lock, error) {
	l, ok, err := a.store.Get(ctx, model.LockKey(entity, resourceID), a.now())
	if err != nil || !ok {
		return nil, err
	}
	return &l, nil
}

// Locks lists the live leases of entity.
func (a *Authority) Locks(ctx context.Context, entity model.EntityRef) ([]model.Lock, error) {
	return a.store.List(ctx, entity, a.now())
}

// Sweep removes lapsed leases and announces them so mirrors converge even
// when the former owner is gone.
func (a *Authority) Sweep(ctx context.Context) (int, error) {
	expired, err := a.store.Sweep(ctx, a.now())
	for _, l := range expired {
		logger.Sugar.Infof("Lock %s held by %s expired", l.Key(), l.OwnerUserID)
		if a.broadcaster != nil {
			a.broadcaster.LockReleased(l)
		}
	}
	a.metrics.LockEnded("expired", len(expired))
	return len(expired), err
}

// Run sweeps on every tick until ctx is done.
func (a *Authority) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.Sweep(ctx); err != nil {
				logger.Sugar.Errorf("Lock sweep failed: %v", err)
			}
		}
	}
}
