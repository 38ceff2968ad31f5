package collab

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"satukolab/pkg/eventbus"
	"satukolab/pkg/model"
	"satukolab/pkg/protocol"
)

func TestOpenValidatesOptions(t *testing.T) {
	_, err := Open(context.Background(), Options{Entity: entity, Identity: model.Identity{UserID: "a"}})
	assert.Error(t, err)

	_, err = Open(context.Background(), Options{URL: "ws://localhost/ws", Identity: model.Identity{UserID: "a"}})
	assert.Error(t, err, "entity is required")

	_, err = Open(context.Background(), Options{URL: "ws://localhost/ws", Entity: entity})
	assert.Error(t, err, "identity is required")
}

func TestSessionPresenceAndEvents(t *testing.T) {
	e := newTestEnv(t)
	a := e.open(t, "user1")

	typing := make(chan eventbus.Event, 1)
	unsubscribe, err := a.Subscribe(protocol.Typing, func(ev eventbus.Event) { typing <- ev })
	require.NoError(t, err)
	defer unsubscribe()

	b := e.open(t, "user2")
	require.Eventually(t, func() bool { return hasUser(a, "user2") }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, b.ActiveUsers(), 2)

	require.NoError(t, b.Publish(protocol.Typing, protocol.TypingPayload{FieldName: "nome", IsTyping: true}))
	select {
	case ev := <-typing:
		assert.Equal(t, "user2", ev.UserID)
		assert.Equal(t, entity.ID, ev.EntityID)
		p, ok := ev.Payload.(*protocol.TypingPayload)
		require.True(t, ok)
		assert.Equal(t, "nome", p.FieldName)
	case <-time.After(2 * time.Second):
		t.Fatal("typing event never arrived")
	}

	require.Eventually(t, func() bool {
		for _, u := range a.ActiveUsers() {
			if u.UserID == "user2" {
				return u.CurrentEntity != nil && u.CurrentEntity.IsEditing
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Close(ctx))
	assert.False(t, b.IsConnected())
	require.Eventually(t, func() bool { return !hasUser(a, "user2") }, 2*time.Second, 10*time.Millisecond)
}

func TestPublishRejectsHubEvents(t *testing.T) {
	e := newTestEnv(t)
	a := e.open(t, "user1")

	err := a.Publish(protocol.DocumentLocked, protocol.DocumentLockedPayload{})
	assert.ErrorIs(t, err, ErrNotPublished)

	err = a.Publish(protocol.CursorMoved, protocol.CursorMovedPayload{Position: 3})
	assert.ErrorIs(t, err, protocol.ErrInvalidPayload, "field_name is required")

	_, err = a.Subscribe(protocol.LockResult, func(eventbus.Event) {})
	assert.ErrorIs(t, err, protocol.ErrUnknownType)
}

func TestPublishWhileDisconnectedIsDropped(t *testing.T) {
	s, err := Open(context.Background(), Options{
		URL:            "ws://127.0.0.1:1/ws",
		Entity:         entity,
		Identity:       model.Identity{UserID: "user1"},
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer s.Close(context.Background())

	assert.False(t, s.IsConnected())
	assert.NoError(t, s.Publish(protocol.CursorMoved, protocol.CursorMovedPayload{FieldName: "nome", Position: 1}))

	_, err = NewConflictClient(s).ListActive(context.Background())
	assert.ErrorIs(t, err, model.ErrConnectionLost)
}

// flakyServer drops the first connection as soon as a request arrives and
// keeps later connections open without ever replying.
func flakyServer(t *testing.T, accepted *atomic.Int32) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if accepted.Add(1) == 1 {
			conn.ReadMessage()
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestPendingRequestFailsWhenConnectionDrops(t *testing.T) {
	var accepted atomic.Int32
	url := flakyServer(t, &accepted)

	s, err := Open(context.Background(), Options{
		URL:            url,
		Entity:         entity,
		Identity:       model.Identity{UserID: "user1"},
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		RequestTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	defer s.Close(context.Background())

	var mu sync.Mutex
	var states []bool
	s.OnConnectionChange(func(connected bool) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, connected)
	})
	require.Eventually(t, s.IsConnected, 2*time.Second, 5*time.Millisecond)

	_, err = NewConflictClient(s).ListActive(context.Background())
	require.ErrorIs(t, err, model.ErrConnectionLost)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		n := len(states)
		return n >= 2 && !states[n-2] && states[n-1]
	}, 2*time.Second, 5*time.Millisecond, "session never reconnected")
	assert.Equal(t, int32(2), accepted.Load())
}

func TestRequestTimesOut(t *testing.T) {
	var accepted atomic.Int32
	accepted.Store(1)
	url := flakyServer(t, &accepted)

	s, err := Open(context.Background(), Options{
		URL:            url,
		Entity:         entity,
		Identity:       model.Identity{UserID: "user1"},
		RequestTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer s.Close(context.Background())
	require.Eventually(t, s.IsConnected, 2*time.Second, 5*time.Millisecond)

	_, err = NewConflictClient(s).History(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, s.IsConnected(), "a timeout is not a disconnect")
}

func TestSessionResyncsAfterPresenceTimeout(t *testing.T) {
	e := newTestEnv(t)
	a := e.open(t, "user1")
	locks := NewLockCoordinator(a)
	defer locks.Close()

	var released atomic.Int32
	locks.OnLockReleased(func(string) { released.Add(1) })

	res, err := locks.RequestLock(ctxT(t), "nome", model.ResourceField, "nome", 0)
	require.NoError(t, err)
	require.True(t, res.Granted)

	var drops atomic.Int32
	a.OnConnectionChange(func(connected bool) {
		if !connected {
			drops.Add(1)
		}
	})

	e.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, e.hub.SweepPresence())

	require.Eventually(t, func() bool {
		return drops.Load() == 1 && a.IsConnected() && hasUser(a, "user1")
	}, 3*time.Second, 10*time.Millisecond, "session never resynced")

	// The lease outlives the connection, so the resync keeps it.
	l := locks.GetFieldLock("nome")
	require.NotNil(t, l)
	assert.Equal(t, "user1", l.OwnerUserID)
	assert.Zero(t, released.Load())
}

func TestRemoteErrorUnwrapsToSentinel(t *testing.T) {
	err := error(&RemoteError{Code: model.CodeStaleConflict, Message: "conflict c1 is resolved"})
	assert.True(t, errors.Is(err, model.ErrStaleConflict))
	assert.Equal(t, "stale_conflict: conflict c1 is resolved", err.Error())

	err = &RemoteError{Code: model.CodeBadRequest, Message: "nope"}
	assert.False(t, errors.Is(err, model.ErrStaleConflict))
}
