package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"satukolab/internal/access"
	"satukolab/internal/conflict"
	"satukolab/internal/lock"
	"satukolab/middleware"
	"satukolab/pkg/logger"
	"satukolab/pkg/model"
	"satukolab/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	requestTimeout = 10 * time.Second
)

type Client struct {
	Hub      *Hub
	Conn     *websocket.Conn
	Entity   model.EntityRef
	Identity model.Identity
	Role     access.Role
	Send     chan []byte

	evicted bool
}

// EntityFromRequest reads the room from the query string. The older docId
// parameter still addresses a document.
func EntityFromRequest(r *http.Request) model.EntityRef {
	q := r.URL.Query()
	if docID := q.Get("docId"); docID != "" && q.Get("entityId") == "" {
		return model.EntityRef{Type: "document", ID: docID}
	}
	return model.EntityRef{Type: q.Get("entityType"), ID: q.Get("entityId")}
}

func (h *Hub) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return middleware.OriginAllowed(h.allowedOrigins, r.Header.Get("Origin"))
		},
	}
}

// ServeWs checks the user's role on the requested entity, upgrades the
// connection and registers it with the hub.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, identity model.Identity) {
	entity := EntityFromRequest(r)
	if entity.Type == "" || entity.ID == "" {
		http.Error(w, "Missing entityType or entityId parameter", http.StatusBadRequest)
		return
	}

	role, err := hub.Access.Role(r.Context(), entity, identity.UserID)
	if errors.Is(err, model.ErrForbidden) {
		logger.Sugar.Warnf("Connection rejected: %s has no access to %s", identity.UserID, entity.Key())
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	} else if err != nil {
		logger.Sugar.Errorf("Database error checking role: %v", err)
		http.Error(w, "Failed to check access", http.StatusInternalServerError)
		return
	}

	conn, err := hub.upgrader().Upgrade(w, r, nil)
	if err != nil {
		logger.Sugar.Error(err)
		return
	}

	client := &Client{
		Hub:      hub,
		Conn:     conn,
		Entity:   entity,
		Identity: identity,
		Role:     role,
		Send:     make(chan []byte, 256),
	}

	select {
	case hub.Register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.Hub.Unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		c.Hub.Presence.Heartbeat(c.Entity, c.Identity.UserID)
		return nil
	})

	for {
		_, rawMessage, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Sugar.Errorf("error: %v", err)
			}
			break
		}
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		c.Hub.Presence.Heartbeat(c.Entity, c.Identity.UserID)

		// Frames are handled one at a time so the sender's order survives.
		c.handle(rawMessage)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return // Connection is dead
			}
		}
	}
}

func (c *Client) handle(raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		logger.Sugar.Errorf("Error unmarshalling message: %v", err)
		c.replyError("", model.CodeBadRequest, "malformed frame")
		return
	}

	// Overwrite identity fields with server-authoritative values to
	// prevent spoofing.
	env.UserID = c.Identity.UserID
	env.EntityType = c.Entity.Type
	env.EntityID = c.Entity.ID

	payload, err := env.Decode()
	if err != nil {
		c.replyError(env.RequestID, model.CodeBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch p := payload.(type) {
	case *protocol.TypingPayload:
		if !c.Role.CanEdit() {
			c.deny(env)
			return
		}
		editing := p.IsTyping
		c.Hub.Presence.Touch(c.Entity, c.Identity.UserID, &editing)
		c.Hub.relay(c, env)
	case *protocol.CursorMovedPayload:
		c.Hub.Presence.Touch(c.Entity, c.Identity.UserID, nil)
		c.Hub.relay(c, env)
	case *protocol.LockRequestPayload:
		c.handleLockRequest(ctx, env, p)
	case *protocol.LockReleasePayload:
		c.Hub.Presence.Touch(c.Entity, c.Identity.UserID, nil)
		if err := c.Hub.Locks.ReleaseLock(ctx, c.Identity, c.Entity, p.ResourceID); err != nil {
			c.replyErr(env.RequestID, err)
			return
		}
		c.reply(env.RequestID, protocol.LockResult, protocol.LockResultPayload{Op: protocol.LockRelease})
	case *protocol.LockExtendPayload:
		c.handleLockExtend(ctx, env, p)
	case *protocol.ConflictSubmitPayload:
		c.handleConflictSubmit(ctx, env, p)
	case *protocol.ConflictListPayload:
		var recs []model.ConflictRecord
		if p.History {
			recs, err = c.Hub.Conflicts.History(ctx, c.Entity)
		} else {
			recs, err = c.Hub.Conflicts.ListActive(ctx, c.Entity)
		}
		if err != nil {
			c.replyErr(env.RequestID, err)
			return
		}
		c.reply(env.RequestID, protocol.ConflictResult, protocol.ConflictResultPayload{Records: recs})
	case *protocol.ConflictRefPayload, *protocol.ConflictResolvePayload, *protocol.ConflictInfoPayload:
		c.handleTriage(ctx, env, payload)
	default:
		c.replyError(env.RequestID, model.CodeForbidden, fmt.Sprintf("clients cannot send %s", env.Type))
	}
}

func (c *Client) handleLockRequest(ctx context.Context, env protocol.Envelope, p *protocol.LockRequestPayload) {
	if !c.Role.CanEdit() {
		c.deny(env)
		return
	}
	c.Hub.Presence.Touch(c.Entity, c.Identity.UserID, nil)
	res, err := c.Hub.Locks.RequestLock(ctx, c.Identity, c.Entity, lock.Request{
		ResourceID:   p.ResourceID,
		ResourceType: p.ResourceType,
		FieldName:    p.FieldName,
		Timeout:      time.Duration(p.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		c.replyErr(env.RequestID, err)
		return
	}
	c.reply(env.RequestID, protocol.LockResult, protocol.LockResultPayload{
		Op:       protocol.LockRequest,
		Granted:  res.Granted,
		Refresh:  res.Refreshed,
		Lock:     res.Lock,
		Conflict: res.Conflict,
	})
}

func (c *Client) handleLockExtend(ctx context.Context, env protocol.Envelope, p *protocol.LockExtendPayload) {
	if !c.Role.CanEdit() {
		c.deny(env)
		return
	}
	c.Hub.Presence.Touch(c.Entity, c.Identity.UserID, nil)
	l, ok, err := c.Hub.Locks.ExtendLock(ctx, c.Identity, c.Entity, p.ResourceID, time.Duration(p.DurationMs)*time.Millisecond)
	if err != nil {
		c.replyErr(env.RequestID, err)
		return
	}
	out := protocol.LockResultPayload{Op: protocol.LockExtend, Extended: ok, Granted: ok}
	if l.ResourceID != "" {
		out.Lock = &l
	}
	c.reply(env.RequestID, protocol.LockResult, out)
}

func (c *Client) handleConflictSubmit(ctx context.Context, env protocol.Envelope, p *protocol.ConflictSubmitPayload) {
	if !c.Role.CanEdit() {
		c.deny(env)
		return
	}
	rec, created, err := c.Hub.Conflicts.Observe(ctx, c.Identity, c.Entity, conflict.Observation{
		Kind:       p.Kind,
		ResourceID: p.ResourceID,
		FieldName:  p.FieldName,
		Value:      p.Value,
		Priority:   p.Priority,
	})
	if err != nil {
		c.replyErr(env.RequestID, err)
		return
	}
	c.reply(env.RequestID, protocol.ConflictResult, protocol.ConflictResultPayload{Record: rec, Created: created})
}

// handleTriage serves begin, resolve, cancel and request-info. The record
// must belong to this connection's entity.
func (c *Client) handleTriage(ctx context.Context, env protocol.Envelope, payload any) {
	if !c.Role.CanTriage() {
		c.deny(env)
		return
	}

	var id string
	switch p := payload.(type) {
	case *protocol.ConflictRefPayload:
		id = p.ConflictID
	case *protocol.ConflictResolvePayload:
		id = p.ConflictID
	case *protocol.ConflictInfoPayload:
		id = p.ConflictID
	}
	existing, err := c.Hub.Conflicts.Get(ctx, id)
	if err != nil {
		c.replyErr(env.RequestID, err)
		return
	}
	if existing.Entity != c.Entity {
		c.replyErr(env.RequestID, fmt.Errorf("%w: %s", model.ErrConflictNotFound, id))
		return
	}

	var rec model.ConflictRecord
	switch p := payload.(type) {
	case *protocol.ConflictResolvePayload:
		rec, err = c.Hub.Conflicts.Resolve(ctx, id, p.Resolution, c.Identity)
	case *protocol.ConflictInfoPayload:
		err = c.Hub.Conflicts.RequestMoreInfo(ctx, id, c.Identity, p.Message)
		rec = existing
	default:
		if env.Type == protocol.ConflictBegin {
			rec, err = c.Hub.Conflicts.Begin(ctx, id, c.Identity)
		} else {
			rec, err = c.Hub.Conflicts.Cancel(ctx, id, c.Identity)
		}
	}
	if err != nil {
		c.replyErr(env.RequestID, err)
		return
	}
	c.reply(env.RequestID, protocol.ConflictResult, protocol.ConflictResultPayload{Record: &rec})
}

func (c *Client) reply(requestID string, t protocol.Type, payload any) {
	env, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		logger.Sugar.Errorf("Error building %s reply: %v", t, err)
		c.replyError(requestID, model.CodeInternal, "failed to encode reply")
		return
	}
	env.RequestID = requestID
	c.Hub.publish(outbound{entity: c.Entity, env: env, only: c})
}

func (c *Client) replyErr(requestID string, err error) {
	code := model.CodeOf(err)
	if code == model.CodeInternal {
		logger.Sugar.Errorf("Request %s from %s failed: %v", requestID, c.Identity.UserID, err)
	}
	c.replyError(requestID, code, err.Error())
}

func (c *Client) replyError(requestID, code, message string) {
	env, err := protocol.NewEnvelope(protocol.Error, protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	env.RequestID = requestID
	c.Hub.publish(outbound{entity: c.Entity, env: env, only: c})
}

func (c *Client) deny(env protocol.Envelope) {
	logger.Sugar.Warnf("Permission Denied: User %s (Role: %s) tried %s on %s", c.Identity.UserID, c.Role, env.Type, c.Entity.Key())
	c.replyError(env.RequestID, model.CodeForbidden, fmt.Sprintf("role %s cannot send %s", c.Role, env.Type))
}
