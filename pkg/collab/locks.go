package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"satukolab/pkg/eventbus"
	"satukolab/pkg/model"
	"satukolab/pkg/protocol"
)

const (
	DefaultRenewInterval  = 10 * time.Second
	DefaultRenewThreshold = 60 * time.Second
)

type LockOption func(*LockCoordinator)

func WithRenewInterval(d time.Duration) LockOption {
	return func(c *LockCoordinator) { c.renewInterval = d }
}

func WithRenewThreshold(d time.Duration) LockOption {
	return func(c *LockCoordinator) { c.renewThreshold = d }
}

// LockCoordinator is the client side of the lock authority. It keeps an
// advisory mirror of the entity's leases, fed by document_locked,
// document_unlocked and presence_sync, and never grants anything locally.
//
// Callbacks run on the goroutine that observed the change: the caller's for
// request results, the session's read goroutine for channel events.
type LockCoordinator struct {
	s   *Session
	log *zap.Logger

	renewInterval  time.Duration
	renewThreshold time.Duration

	mu          sync.Mutex
	mirror      map[string]model.Lock
	held        map[string]bool
	// cancel funcs of pending requests, per resource and request id
	inflight    map[string]map[string]context.CancelFunc
	outstanding map[string]string
	acquired    []func(model.Lock)
	released    []func(string)
	conflicts   []func(model.LockConflict)

	unsubscribe []func()
}

// NewLockCoordinator attaches a coordinator to s. Its leases are released
// when s is closed.
func NewLockCoordinator(s *Session, opts ...LockOption) *LockCoordinator {
	c := &LockCoordinator{
		s:              s,
		log:            s.log.Named("locks"),
		renewInterval:  DefaultRenewInterval,
		renewThreshold: DefaultRenewThreshold,
		mirror:         make(map[string]model.Lock),
		held:           make(map[string]bool),
		inflight:       make(map[string]map[string]context.CancelFunc),
		outstanding:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.unsubscribe = []func(){
		s.bus.Subscribe(protocol.PresenceSync, c.onSync),
		s.bus.Subscribe(protocol.DocumentLocked, c.onLocked),
		s.bus.Subscribe(protocol.DocumentUnlocked, c.onUnlocked),
	}
	c.unsubscribe = append(c.unsubscribe, s.OnConnectionChange(c.onConnectionChange))
	s.onLateReply(c.onLateReply)
	s.beforeClose(c.ReleaseAll)
	return c
}

func (c *LockCoordinator) OnLockAcquired(fn func(model.Lock)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquired = append(c.acquired, fn)
}

func (c *LockCoordinator) OnLockReleased(fn func(resourceID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = append(c.released, fn)
}

func (c *LockCoordinator) OnLockConflict(fn func(model.LockConflict)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conflicts = append(c.conflicts, fn)
}

// RequestLock asks the authority for a lease on resourceID. A zero timeout
// requests the default lease. Denial is reported in the result, not as an
// error. If ctx ends or Abandon is called before the reply, the request is
// abandoned and a grant that still arrives is released again.
func (c *LockCoordinator) RequestLock(ctx context.Context, resourceID string, resourceType model.ResourceType, fieldName string, timeout time.Duration) (model.LockResult, error) {
	requestID := uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	pending, ok := c.inflight[resourceID]
	if !ok {
		pending = make(map[string]context.CancelFunc)
		c.inflight[resourceID] = pending
	}
	pending[requestID] = cancel
	c.outstanding[requestID] = resourceID
	c.mu.Unlock()

	env, err := c.s.request(ctx, requestID, protocol.LockRequest, protocol.LockRequestPayload{
		ResourceID:   resourceID,
		ResourceType: resourceType,
		FieldName:    fieldName,
		TimeoutMs:    timeout.Milliseconds(),
	})

	c.mu.Lock()
	c.forget(resourceID, requestID)
	// A reply can still arrive for a timed out request; onLateReply owns
	// the entry from here on.
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		delete(c.outstanding, requestID)
	}
	c.mu.Unlock()
	if err != nil {
		return model.LockResult{}, fmt.Errorf("request lock %s: %w", resourceID, err)
	}

	p, err := protocol.DecodeInto[protocol.LockResultPayload](env)
	if err != nil {
		return model.LockResult{}, err
	}
	res := p.Result()

	if ctx.Err() != nil {
		if res.Granted {
			c.ReleaseLock(context.WithoutCancel(ctx), resourceID)
		}
		return model.LockResult{}, fmt.Errorf("request lock %s: %w", resourceID, ctx.Err())
	}

	switch {
	case res.Granted && res.Lock != nil:
		c.mu.Lock()
		c.mirror[resourceID] = *res.Lock
		c.held[resourceID] = true
		callbacks := append([]func(model.Lock){}, c.acquired...)
		c.mu.Unlock()
		for _, fn := range callbacks {
			fn(*res.Lock)
		}
	case res.Conflict != nil:
		c.mu.Lock()
		callbacks := append([]func(model.LockConflict){}, c.conflicts...)
		c.mu.Unlock()
		for _, fn := range callbacks {
			fn(*res.Conflict)
		}
	}
	return res, nil
}

// Abandon gives up every outstanding RequestLock for resourceID, for
// example when the user navigated away. The waiting calls return
// context.Canceled.
func (c *LockCoordinator) Abandon(resourceID string) {
	c.mu.Lock()
	pending := c.inflight[resourceID]
	delete(c.inflight, resourceID)
	c.mu.Unlock()
	for _, cancel := range pending {
		cancel()
	}
}

// forget drops requestID from the in-flight set. Called with c.mu held.
func (c *LockCoordinator) forget(resourceID, requestID string) {
	pending, ok := c.inflight[resourceID]
	if !ok {
		return
	}
	delete(pending, requestID)
	if len(pending) == 0 {
		delete(c.inflight, resourceID)
	}
}

// ReleaseLock drops the caller's lease on resourceID. It never fails: a
// missing, foreign or expired lease is a no-op at the authority, and a
// release that cannot be delivered is left to lease expiry.
func (c *LockCoordinator) ReleaseLock(ctx context.Context, resourceID string) {
	c.dropOwn(resourceID)
	if !c.s.IsConnected() {
		return
	}
	if _, err := c.s.request(ctx, "", protocol.LockRelease, protocol.LockReleasePayload{ResourceID: resourceID}); err != nil {
		c.log.Debug("Release not confirmed", zap.String("resource", resourceID), zap.Error(err))
	}
}

// ExtendLock pushes the caller's lease to now+d (the default lease when d
// is zero). It returns false when the caller is not the owner or the lease
// has used all of its extensions.
func (c *LockCoordinator) ExtendLock(ctx context.Context, resourceID string, d time.Duration) (bool, error) {
	env, err := c.s.request(ctx, "", protocol.LockExtend, protocol.LockExtendPayload{
		ResourceID: resourceID,
		DurationMs: d.Milliseconds(),
	})
	if err != nil {
		return false, fmt.Errorf("extend lock %s: %w", resourceID, err)
	}
	p, err := protocol.DecodeInto[protocol.LockResultPayload](env)
	if err != nil {
		return false, err
	}
	if !p.Extended || p.Lock == nil {
		return false, nil
	}

	c.mu.Lock()
	c.mirror[resourceID] = *p.Lock
	c.held[resourceID] = true
	callbacks := append([]func(model.Lock){}, c.acquired...)
	c.mu.Unlock()
	for _, fn := range callbacks {
		fn(*p.Lock)
	}
	return true, nil
}

// GetFieldLock returns the live lease on resourceID from the local mirror,
// or nil.
func (c *LockCoordinator) GetFieldLock(resourceID string) *model.Lock {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.mirror[resourceID]
	if !ok || l.Expired(c.s.now()) {
		return nil
	}
	return &l
}

func (c *LockCoordinator) IsFieldLocked(resourceID string) bool {
	return c.GetFieldLock(resourceID) != nil
}

// IsLockedByOther reports whether someone other than the session's user
// holds resourceID.
func (c *LockCoordinator) IsLockedByOther(resourceID string) bool {
	l := c.GetFieldLock(resourceID)
	return l != nil && l.OwnerUserID != c.s.Identity().UserID
}

// Locks returns the live leases of the mirror.
func (c *LockCoordinator) Locks() []model.Lock {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.s.now()
	locks := make([]model.Lock, 0, len(c.mirror))
	for _, l := range c.mirror {
		if !l.Expired(now) {
			locks = append(locks, l)
		}
	}
	return locks
}

// Renew extends every held lease whose remaining time dropped below the
// renewal threshold and that still has extensions left. Leases past their
// last extension are left to lapse.
func (c *LockCoordinator) Renew(ctx context.Context) {
	now := c.s.now()
	var due []string
	c.mu.Lock()
	for id := range c.held {
		l, ok := c.mirror[id]
		if !ok || l.Expired(now) {
			continue
		}
		if l.Remaining(now) < c.renewThreshold && l.CanExtend() {
			due = append(due, id)
		}
	}
	c.mu.Unlock()

	for _, id := range due {
		ok, err := c.ExtendLock(ctx, id, 0)
		if err != nil {
			c.log.Warn("Auto-renew failed", zap.String("resource", id), zap.Error(err))
			continue
		}
		if !ok {
			c.log.Info("Lease can no longer be extended", zap.String("resource", id))
		}
	}
}

// Run renews held leases every renew interval until ctx ends.
func (c *LockCoordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.renewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if c.s.IsConnected() {
				c.Renew(ctx)
			}
		}
	}
}

// ReleaseAll releases every lease this coordinator acquired.
func (c *LockCoordinator) ReleaseAll(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.held))
	for id := range c.held {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.ReleaseLock(ctx, id)
	}
}

// Close detaches the coordinator from the session's events.
func (c *LockCoordinator) Close() {
	for _, fn := range c.unsubscribe {
		fn()
	}
}

// dropOwn removes resourceID from the mirror and reports the release if
// the caller held it.
func (c *LockCoordinator) dropOwn(resourceID string) {
	c.mu.Lock()
	l, ok := c.mirror[resourceID]
	own := ok && l.OwnerUserID == c.s.Identity().UserID
	if own {
		delete(c.mirror, resourceID)
	}
	delete(c.held, resourceID)
	callbacks := append([]func(string){}, c.released...)
	c.mu.Unlock()

	if own {
		for _, fn := range callbacks {
			fn(resourceID)
		}
	}
}

func (c *LockCoordinator) onSync(e eventbus.Event) {
	p, ok := e.Payload.(*protocol.PresenceSyncPayload)
	if !ok {
		return
	}
	self := c.s.Identity().UserID
	next := make(map[string]model.Lock, len(p.Locks))
	for _, l := range p.Locks {
		next[l.ResourceID] = l
	}

	c.mu.Lock()
	var lost []string
	for id, l := range c.mirror {
		if _, still := next[id]; !still && l.OwnerUserID == self {
			lost = append(lost, id)
			delete(c.held, id)
		}
	}
	c.mirror = next
	callbacks := append([]func(string){}, c.released...)
	c.mu.Unlock()

	for _, id := range lost {
		for _, fn := range callbacks {
			fn(id)
		}
	}
}

func (c *LockCoordinator) onLocked(e eventbus.Event) {
	p, ok := e.Payload.(*protocol.DocumentLockedPayload)
	if !ok {
		return
	}
	c.mu.Lock()
	c.mirror[p.Lock.ResourceID] = p.Lock
	c.mu.Unlock()
}

func (c *LockCoordinator) onUnlocked(e eventbus.Event) {
	p, ok := e.Payload.(*protocol.DocumentUnlockedPayload)
	if !ok {
		return
	}
	c.mu.Lock()
	l, known := c.mirror[p.ResourceID]
	c.mu.Unlock()
	if !known {
		return
	}
	if l.OwnerUserID == c.s.Identity().UserID {
		c.dropOwn(p.ResourceID)
		return
	}
	c.mu.Lock()
	delete(c.mirror, p.ResourceID)
	c.mu.Unlock()
}

// onConnectionChange forgets abandoned requests when the transport drops:
// their replies can no longer arrive.
func (c *LockCoordinator) onConnectionChange(connected bool) {
	if connected {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for requestID, resourceID := range c.outstanding {
		if _, waiting := c.inflight[resourceID][requestID]; !waiting {
			delete(c.outstanding, requestID)
		}
	}
}

// onLateReply releases grants that arrive for abandoned requests, unless
// the resource was requested again since. It runs on the read goroutine, so
// the release is sent without awaiting a reply.
func (c *LockCoordinator) onLateReply(env protocol.Envelope) {
	if env.Type != protocol.LockResult {
		return
	}
	c.mu.Lock()
	resourceID, ok := c.outstanding[env.RequestID]
	delete(c.outstanding, env.RequestID)
	rerequested := false
	for id := range c.inflight[resourceID] {
		if id != env.RequestID {
			rerequested = true
		}
	}
	wanted := c.held[resourceID] || rerequested
	c.mu.Unlock()
	if !ok || wanted {
		return
	}

	p, err := protocol.DecodeInto[protocol.LockResultPayload](env)
	if err != nil || !p.Granted {
		return
	}
	c.log.Info("Releasing lease granted after abandonment", zap.String("resource", resourceID))
	if err := c.s.send(protocol.LockRelease, protocol.LockReleasePayload{ResourceID: resourceID}); err != nil {
		c.log.Debug("Release not sent", zap.String("resource", resourceID), zap.Error(err))
	}
}
