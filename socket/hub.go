package socket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"satukolab/internal/access"
	"satukolab/internal/conflict"
	"satukolab/internal/lock"
	"satukolab/internal/metrics"
	"satukolab/internal/presence"
	"satukolab/pkg/logger"
	"satukolab/pkg/model"
	"satukolab/pkg/protocol"
)

const (
	DefaultPresenceTimeout = 90 * time.Second
	syncTimeout            = 3 * time.Second
)

// outbound is one frame queued for a room. A nil users set means everyone
// in the room and exclude skips the connection that produced the frame.
// When only is set the frame is a reply to that connection alone.
type outbound struct {
	entity  model.EntityRef
	env     protocol.Envelope
	exclude *Client
	only    *Client
	users   map[string]bool
}

// Hub owns one room per (entityType, entityId). All fan-out goes through
// Run, so frames from one sender reach every peer in the order sent.
type Hub struct {
	Rooms      map[string]map[*Client]bool
	Broadcast  chan outbound
	Register   chan *Client
	Unregister chan *Client
	mu         sync.Mutex
	done       chan struct{}
	seq        uint64

	Presence  *presence.Registry
	Locks     *lock.Authority
	Conflicts *conflict.Resolver
	Access    access.Checker

	metrics         *metrics.Metrics
	presenceTimeout time.Duration
	allowedOrigins  []string
}

type Option func(*Hub)

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

func WithPresenceTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.presenceTimeout = d
		}
	}
}

// WithAllowedOrigins restricts websocket upgrades to the listed origins.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) { h.allowedOrigins = origins }
}

// NewHub wires the hub as the broadcaster of locks and the notifier of
// conflicts.
func NewHub(reg *presence.Registry, locks *lock.Authority, conflicts *conflict.Resolver, checker access.Checker, opts ...Option) *Hub {
	h := &Hub{
		Rooms:           make(map[string]map[*Client]bool),
		Broadcast:       make(chan outbound, 256),
		Register:        make(chan *Client),
		Unregister:      make(chan *Client),
		done:            make(chan struct{}),
		Presence:        reg,
		Locks:           locks,
		Conflicts:       conflicts,
		Access:          checker,
		presenceTimeout: DefaultPresenceTimeout,
		allowedOrigins:  []string{"*"},
	}
	for _, opt := range opts {
		opt(h)
	}
	locks.SetBroadcaster(h)
	conflicts.SetNotifier(h)
	return h
}

// Run processes registrations and fan-out until ctx is done, then closes
// every connection.
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case client := <-h.Register:
			h.register(ctx, client)
		case client := <-h.Unregister:
			h.unregister(client)
		case msg := <-h.Broadcast:
			h.fanOut(msg)
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, clients := range h.Rooms {
		for client := range clients {
			close(client.Send)
			client.Conn.Close()
		}
		delete(h.Rooms, key)
	}
}

func (h *Hub) register(ctx context.Context, client *Client) {
	key := client.Entity.Key()
	h.mu.Lock()
	if h.Rooms[key] == nil {
		h.Rooms[key] = make(map[*Client]bool)
	}
	h.Rooms[key][client] = true
	h.mu.Unlock()
	h.metrics.SessionOpened()

	user, first := h.Presence.Join(client.Entity, client.Identity)

	// The joining connection always gets the full state, never a delta.
	syncCtx, cancel := context.WithTimeout(ctx, syncTimeout)
	locks, err := h.Locks.Locks(syncCtx, client.Entity)
	cancel()
	if err != nil {
		logger.Sugar.Errorf("Failed to load locks of %s for presence sync: %v", key, err)
		locks = []model.Lock{}
	}
	env, err := protocol.NewEnvelope(protocol.PresenceSync, protocol.PresenceSyncPayload{
		Users: h.Presence.Snapshot(client.Entity),
		Locks: locks,
	})
	if err != nil {
		logger.Sugar.Errorf("Error building presence sync for %s: %v", key, err)
	} else {
		h.deliver(client, h.stamp(env, client.Entity, ""))
	}

	if first {
		joined, err := protocol.NewEnvelope(protocol.UserJoined, protocol.UserJoinedPayload{User: user})
		if err == nil {
			joined.UserID = user.UserID
			h.fanOut(outbound{entity: client.Entity, env: joined, exclude: client})
		}
	}
	logger.Sugar.Infof("User %s joined %s (%d present)", client.Identity.UserID, key, h.Presence.Count(client.Entity))
}

func (h *Hub) unregister(client *Client) {
	if !h.removeClient(client) {
		return
	}
	h.mu.Lock()
	evicted := client.evicted
	h.mu.Unlock()
	// The sweep already removed the user; a reconnect may have joined again.
	if evicted {
		return
	}
	if !h.Presence.Leave(client.Entity, client.Identity.UserID) {
		return
	}
	h.announceLeft(client.Entity, client.Identity.UserID)
}

// removeClient detaches client from its room and closes its send queue. It
// reports false if the client was already gone.
func (h *Hub) removeClient(client *Client) bool {
	key := client.Entity.Key()
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.Rooms[key][client]; !ok {
		return false
	}
	delete(h.Rooms[key], client)
	close(client.Send)
	if len(h.Rooms[key]) == 0 {
		delete(h.Rooms, key)
		logger.Sugar.Infof("Closed and cleaned up empty room: %s", key)
	}
	h.metrics.SessionClosed()
	return true
}

func (h *Hub) announceLeft(entity model.EntityRef, userID string) {
	env, err := protocol.NewEnvelope(protocol.UserLeft, protocol.UserLeftPayload{UserID: userID})
	if err != nil {
		return
	}
	env.UserID = userID
	h.fanOut(outbound{entity: entity, env: env})
}

// fanOut runs on the Run goroutine only.
func (h *Hub) fanOut(msg outbound) {
	env := h.stamp(msg.env, msg.entity, msg.env.UserID)
	payload, err := json.Marshal(env)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling broadcast message: %v", err)
		return
	}
	if env.Type.IsEvent() {
		h.metrics.EventRelayed(string(env.Type))
	}

	// Collect recipients first to avoid holding the lock during I/O.
	h.mu.Lock()
	clientsToSend := make([]*Client, 0, len(h.Rooms[msg.entity.Key()]))
	for client := range h.Rooms[msg.entity.Key()] {
		if client == msg.exclude || (msg.only != nil && client != msg.only) {
			continue
		}
		if msg.users != nil && !msg.users[client.Identity.UserID] {
			continue
		}
		clientsToSend = append(clientsToSend, client)
	}
	h.mu.Unlock()

	var lagging []*Client
	for _, client := range clientsToSend {
		select {
		case client.Send <- payload:
		default:
			lagging = append(lagging, client)
		}
	}
	// Lagging clients are dropped rather than allowed to block the hub.
	for _, client := range lagging {
		logger.Sugar.Warnf("Client %s's send buffer is full. Unregistering.", client.Identity.UserID)
		client.Conn.Close()
		h.unregister(client)
	}
}

func (h *Hub) stamp(env protocol.Envelope, entity model.EntityRef, userID string) protocol.Envelope {
	h.seq++
	env.Seq = h.seq
	env.EntityType = entity.Type
	env.EntityID = entity.ID
	env.UserID = userID
	return env
}

// deliver queues env for a single connection. Used on the Run goroutine.
func (h *Hub) deliver(client *Client, env protocol.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling message for %s: %v", client.Identity.UserID, err)
		return
	}
	select {
	case client.Send <- payload:
	default:
		logger.Sugar.Warnf("Client %s's send buffer was full during presence sync.", client.Identity.UserID)
	}
}

// publish hands msg to the Run goroutine. It gives up once the hub stopped.
func (h *Hub) publish(msg outbound) {
	select {
	case h.Broadcast <- msg:
	case <-h.done:
	}
}

func (h *Hub) publishEvent(entity model.EntityRef, t protocol.Type, userID string, payload any) {
	env, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		logger.Sugar.Errorf("Error building %s for %s: %v", t, entity.Key(), err)
		return
	}
	env.UserID = userID
	h.publish(outbound{entity: entity, env: env})
}

// LockAcquired announces a new or extended lease.
func (h *Hub) LockAcquired(l model.Lock) {
	h.publishEvent(l.Entity(), protocol.DocumentLocked, l.OwnerUserID, protocol.DocumentLockedPayload{Lock: l})
}

// LockReleased announces a released or expired lease.
func (h *Hub) LockReleased(l model.Lock) {
	h.publishEvent(l.Entity(), protocol.DocumentUnlocked, l.OwnerUserID, protocol.DocumentUnlockedPayload{ResourceID: l.ResourceID})
}

func (h *Hub) ConflictUpdated(rec model.ConflictRecord) {
	h.publishEvent(rec.Entity, protocol.ConflictUpdated, "", protocol.ConflictUpdatedPayload{Record: rec})
}

// InfoRequested reaches only the users who submitted competing values.
func (h *Hub) InfoRequested(rec model.ConflictRecord, from model.Identity, message string) {
	env, err := protocol.NewEnvelope(protocol.ConflictInfoRequested, protocol.ConflictInfoPayload{
		ConflictID: rec.ID,
		Message:    message,
		From:       from.UserID,
	})
	if err != nil {
		logger.Sugar.Errorf("Error building info request for %s: %v", rec.ID, err)
		return
	}
	users := make(map[string]bool)
	for _, id := range rec.Participants() {
		users[id] = true
	}
	env.UserID = from.UserID
	h.publish(outbound{entity: rec.Entity, env: env, users: users})
}

// relay forwards a client event to the rest of the room.
func (h *Hub) relay(from *Client, env protocol.Envelope) {
	h.publish(outbound{entity: from.Entity, env: env, exclude: from})
}

// SweepPresence removes users whose heartbeat lapsed and closes their
// connections, returning how many were removed.
func (h *Hub) SweepPresence() int {
	stale := h.Presence.Stale(h.presenceTimeout)
	for _, s := range stale {
		if !h.Presence.Remove(s.Entity, s.UserID) {
			continue
		}
		logger.Sugar.Infof("User %s timed out of %s", s.UserID, s.Entity.Key())

		h.mu.Lock()
		for client := range h.Rooms[s.Entity.Key()] {
			if client.Identity.UserID == s.UserID {
				// readPump exits and unregisters the connection.
				client.evicted = true
				client.Conn.Close()
			}
		}
		h.mu.Unlock()

		h.publishEvent(s.Entity, protocol.UserLeft, s.UserID, protocol.UserLeftPayload{UserID: s.UserID})
	}
	return len(stale)
}

// RunPresenceSweeper calls SweepPresence every interval until ctx is done.
func (h *Hub) RunPresenceSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = h.presenceTimeout / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.SweepPresence()
		}
	}
}

// Connections counts the open connections to entity.
func (h *Hub) Connections(entity model.EntityRef) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.Rooms[entity.Key()])
}
