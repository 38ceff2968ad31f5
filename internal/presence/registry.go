package presence

import (
	"sort"
	"sync"
	"time"

	"satukolab/pkg/model"
)

// Registry tracks who is connected to which entity. A user holding several
// connections to the same entity is one presence entry.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room
	now   func() time.Time
}

type room struct {
	entity  model.EntityRef
	members map[string]*member
}

type member struct {
	user        model.ActiveUser
	conns       int
	heartbeatAt time.Time
}

// Stale identifies a member whose heartbeat lapsed.
type Stale struct {
	Entity model.EntityRef
	UserID string
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		rooms: make(map[string]*room),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Join adds one connection for id. first is true when the user was not
// present in the entity before.
func (r *Registry) Join(entity model.EntityRef, id model.Identity) (user model.ActiveUser, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	rm, ok := r.rooms[entity.Key()]
	if !ok {
		rm = &room{entity: entity, members: make(map[string]*member)}
		r.rooms[entity.Key()] = rm
	}

	m, ok := rm.members[id.UserID]
	if !ok {
		m = &member{user: model.ActiveUser{
			UserID:         id.UserID,
			UserName:       id.UserName,
			Avatar:         id.Avatar,
			LastActivityAt: now,
			CurrentEntity:  &model.CurrentEntity{Type: entity.Type, ID: entity.ID},
		}}
		rm.members[id.UserID] = m
		first = true
	}
	m.conns++
	m.heartbeatAt = now
	return m.user, first
}

// Leave drops one connection for userID. last is true when that was the
// user's final connection and the user is no longer present.
func (r *Registry) Leave(entity model.EntityRef, userID string) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[entity.Key()]
	if !ok {
		return false
	}
	m, ok := rm.members[userID]
	if !ok {
		return false
	}
	m.conns--
	if m.conns > 0 {
		return false
	}
	delete(rm.members, userID)
	if len(rm.members) == 0 {
		delete(r.rooms, entity.Key())
	}
	return true
}

// Remove drops the user regardless of how many connections remain.
func (r *Registry) Remove(entity model.EntityRef, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[entity.Key()]
	if !ok {
		return false
	}
	if _, ok := rm.members[userID]; !ok {
		return false
	}
	delete(rm.members, userID)
	if len(rm.members) == 0 {
		delete(r.rooms, entity.Key())
	}
	return true
}

// Touch records user activity. editing, when non-nil, updates the
// IsEditing flag of the user's current entity.
func (r *Registry) Touch(entity model.EntityRef, userID string, editing *bool) (model.ActiveUser, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.memberLocked(entity, userID)
	if m == nil {
		return model.ActiveUser{}, false
	}
	now := r.now()
	m.user.LastActivityAt = now
	m.heartbeatAt = now
	if editing != nil && m.user.CurrentEntity != nil {
		ce := *m.user.CurrentEntity
		ce.IsEditing = *editing
		m.user.CurrentEntity = &ce
	}
	return m.user, true
}

// Heartbeat refreshes liveness without counting as activity.
func (r *Registry) Heartbeat(entity model.EntityRef, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m := r.memberLocked(entity, userID); m != nil {
		m.heartbeatAt = r.now()
	}
}

func (r *Registry) memberLocked(entity model.EntityRef, userID string) *member {
	rm, ok := r.rooms[entity.Key()]
	if !ok {
		return nil
	}
	return rm.members[userID]
}

// Snapshot returns the complete presence set of entity, ordered by user id.
func (r *Registry) Snapshot(entity model.EntityRef) []model.ActiveUser {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[entity.Key()]
	if !ok {
		return []model.ActiveUser{}
	}
	users := make([]model.ActiveUser, 0, len(rm.members))
	for _, m := range rm.members {
		users = append(users, m.user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

// Stale lists members whose last heartbeat is older than timeout.
func (r *Registry) Stale(timeout time.Duration) []Stale {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-timeout)
	var stale []Stale
	for _, rm := range r.rooms {
		for id, m := range rm.members {
			if m.heartbeatAt.Before(cutoff) {
				stale = append(stale, Stale{Entity: rm.entity, UserID: id})
			}
		}
	}
	return stale
}

func (r *Registry) Count(entity model.EntityRef) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[entity.Key()]; ok {
		return len(rm.members)
	}
	return 0
}

func (r *Registry) Rooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
