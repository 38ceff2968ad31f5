// Package collab is the Go client of the collaboration hub: a long-lived
// Session per entity with presence, events, a lock coordinator and a
// conflict client layered on top.
package collab

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"satukolab/pkg/eventbus"
	"satukolab/pkg/model"
	"satukolab/pkg/protocol"
)

const (
	writeWait = 10 * time.Second
	// The hub pings every 30s; a silent connection is considered dead
	// after readWait.
	readWait = 75 * time.Second
)

var (
	ErrClosed       = errors.New("session closed")
	ErrNotPublished = errors.New("event kind cannot be published by clients")
)

// RemoteError is an error reply from the hub. It unwraps to the matching
// model sentinel, so errors.Is(err, model.ErrStaleConflict) works.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return model.ErrorForCode(e.Code)
}

type response struct {
	env protocol.Envelope
	err error
}

// Session is one duplex channel to an entity's room. Transport failures
// never surface as errors from the read side; they flip IsConnected and the
// session reconnects with exponential backoff, resyncing presence on every
// connect.
type Session struct {
	opts   Options
	log    *zap.Logger
	bus    *eventbus.Bus
	ownBus bool

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	users     map[string]model.ActiveUser
	pending   map[string]chan response
	late      []func(protocol.Envelope)
	status    map[uint64]func(bool)
	nextID    uint64
	closers   []func(context.Context)

	writeMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// Open validates opts and starts the connection loop. It returns without
// waiting for the first connection; a failing dial is retried in the
// background.
func Open(ctx context.Context, opts Options) (*Session, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	s := &Session{
		opts:    opts,
		log:     opts.Logger.With(zap.String("entity", opts.Entity.Key()), zap.String("user", opts.Identity.UserID)),
		bus:     opts.Bus,
		users:   make(map[string]model.ActiveUser),
		pending: make(map[string]chan response),
		status:  make(map[uint64]func(bool)),
		done:    make(chan struct{}),
	}
	if s.bus == nil {
		s.bus = eventbus.New(opts.Logger)
		s.ownBus = true
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	go s.run(runCtx)
	return s, nil
}

func (s *Session) Entity() model.EntityRef { return s.opts.Entity }

func (s *Session) Identity() model.Identity { return s.opts.Identity }

func (s *Session) now() time.Time { return s.opts.Clock() }

func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// ActiveUsers returns the presence snapshot, ordered by user id.
func (s *Session) ActiveUsers() []model.ActiveUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]model.ActiveUser, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

// Subscribe registers h for one of the six channel event kinds. Handlers
// run on the session's read goroutine and must not block on requests.
func (s *Session) Subscribe(t protocol.Type, h eventbus.Handler) (func(), error) {
	if !t.IsEvent() {
		return nil, fmt.Errorf("%w: %q", protocol.ErrUnknownType, t)
	}
	return s.bus.Subscribe(t, h), nil
}

// OnConnectionChange calls fn with the new state whenever the transport
// connects or drops.
func (s *Session) OnConnectionChange(fn func(connected bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.status[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.status, id)
	}
}

// Publish sends a typing or cursor event to the other members of the room.
// Events are ephemeral: while disconnected they are dropped.
func (s *Session) Publish(t protocol.Type, payload any) error {
	if !t.ClientPublishable() {
		return fmt.Errorf("%w: %s", ErrNotPublished, t)
	}
	env, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	if err := s.write(env); err != nil {
		s.log.Debug("Dropped event while disconnected", zap.String("type", string(t)), zap.Error(err))
	}
	return nil
}

// request sends a control message and waits for the reply carrying the same
// request id. The wait ends with model.ErrConnectionLost if the transport
// drops first. A reply arriving after the wait ended goes to the late
// handlers instead.
func (s *Session) request(ctx context.Context, id string, t protocol.Type, payload any) (protocol.Envelope, error) {
	env, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		return protocol.Envelope{}, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	env.RequestID = id

	ch := make(chan response, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return protocol.Envelope{}, ErrClosed
	}
	if !s.connected {
		s.mu.Unlock()
		return protocol.Envelope{}, model.ErrConnectionLost
	}
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.write(env); err != nil {
		return protocol.Envelope{}, fmt.Errorf("%w: %v", model.ErrConnectionLost, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	select {
	case resp := <-ch:
		if resp.err != nil {
			return protocol.Envelope{}, resp.err
		}
		if resp.env.Type == protocol.Error {
			p, err := protocol.DecodeInto[protocol.ErrorPayload](resp.env)
			if err != nil {
				return protocol.Envelope{}, err
			}
			return protocol.Envelope{}, &RemoteError{Code: p.Code, Message: p.Message}
		}
		return resp.env, nil
	case <-ctx.Done():
		s.mu.Lock()
		_, waiting := s.pending[id]
		delete(s.pending, id)
		s.mu.Unlock()
		if !waiting {
			// dispatch claimed the reply between the timeout and now.
			if resp := <-ch; resp.err == nil {
				s.lateReply(resp.env)
			}
		}
		return protocol.Envelope{}, ctx.Err()
	}
}

func (s *Session) lateReply(env protocol.Envelope) {
	s.mu.Lock()
	late := append([]func(protocol.Envelope){}, s.late...)
	s.mu.Unlock()
	for _, fn := range late {
		fn(env)
	}
}

// send writes a control message without waiting for its reply.
func (s *Session) send(t protocol.Type, payload any) error {
	env, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	env.RequestID = uuid.NewString()
	return s.write(env)
}

// onLateReply registers fn for replies whose request is no longer awaited.
func (s *Session) onLateReply(fn func(protocol.Envelope)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.late = append(s.late, fn)
}

// beforeClose registers fn to run, while still connected, at the start of
// Close.
func (s *Session) beforeClose(fn func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, fn)
}

func (s *Session) write(env protocol.Envelope) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return model.ErrConnectionLost
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}

// Close runs the registered teardown hooks, stops reconnecting and closes
// the transport. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	closers := append([]func(context.Context){}, s.closers...)
	s.mu.Unlock()

	for _, fn := range closers {
		fn(ctx)
	}

	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		s.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		conn.Close()
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.ownBus {
		s.bus.Close()
	}
	return nil
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	b := s.opts.newBackOff()

	for {
		conn, err := s.dial(ctx)
		if err == nil {
			b.Reset()
			s.serve(ctx, conn)
		} else if ctx.Err() == nil {
			s.log.Warn("Dial failed", zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}

		wait := b.NextBackOff()
		s.log.Info("Reconnecting", zap.Duration("in", wait))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(s.opts.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("entityType", s.opts.Entity.Type)
	q.Set("entityId", s.opts.Entity.ID)
	if s.opts.Token != "" {
		q.Set("token", s.opts.Token)
	}
	u.RawQuery = q.Encode()

	conn, resp, err := s.opts.Dialer.DialContext(ctx, u.String(), s.opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", s.opts.Entity.Key(), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", s.opts.Entity.Key(), err)
	}
	return conn, nil
}

// serve reads from conn until it fails. The first frame after a connect is
// the hub's full presence sync.
func (s *Session) serve(ctx context.Context, conn *websocket.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.connected = true
	s.mu.Unlock()
	s.log.Info("Connected")
	s.notifyStatus(true)

	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			var closeErr *websocket.CloseError
			if ctx.Err() == nil && !errors.As(err, &closeErr) {
				s.log.Warn("Connection lost", zap.Error(err))
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(readWait))
		s.dispatch(env)
	}

	conn.Close()
	s.mu.Lock()
	s.conn = nil
	s.connected = false
	pending := s.pending
	s.pending = make(map[string]chan response)
	s.mu.Unlock()

	for _, ch := range pending {
		ch <- response{err: model.ErrConnectionLost}
	}
	s.notifyStatus(false)
}

func (s *Session) notifyStatus(connected bool) {
	s.mu.Lock()
	fns := make([]func(bool), 0, len(s.status))
	for _, fn := range s.status {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(connected)
	}
}

func (s *Session) dispatch(env protocol.Envelope) {
	if env.RequestID != "" {
		s.mu.Lock()
		ch, ok := s.pending[env.RequestID]
		if ok {
			delete(s.pending, env.RequestID)
		}
		s.mu.Unlock()

		if ok {
			ch <- response{env: env}
		} else {
			s.lateReply(env)
		}
		return
	}

	payload, err := env.Decode()
	if err != nil {
		s.log.Warn("Dropped invalid frame", zap.String("type", string(env.Type)), zap.Error(err))
		return
	}

	switch p := payload.(type) {
	case *protocol.PresenceSyncPayload:
		users := make(map[string]model.ActiveUser, len(p.Users))
		for _, u := range p.Users {
			users[u.UserID] = u
		}
		s.mu.Lock()
		s.users = users
		s.mu.Unlock()
	case *protocol.UserJoinedPayload:
		s.mu.Lock()
		s.users[p.User.UserID] = p.User
		s.mu.Unlock()
	case *protocol.UserLeftPayload:
		s.mu.Lock()
		delete(s.users, p.UserID)
		s.mu.Unlock()
	case *protocol.TypingPayload, *protocol.CursorMovedPayload:
		s.mu.Lock()
		if u, ok := s.users[env.UserID]; ok {
			u.LastActivityAt = env.SentAt
			if typing, ok := p.(*protocol.TypingPayload); ok && u.CurrentEntity != nil {
				ce := *u.CurrentEntity
				ce.IsEditing = typing.IsTyping
				u.CurrentEntity = &ce
			}
			s.users[env.UserID] = u
		}
		s.mu.Unlock()
	}

	s.bus.Publish(eventbus.Event{
		Type:       env.Type,
		EntityType: env.EntityType,
		EntityID:   env.EntityID,
		UserID:     env.UserID,
		Seq:        env.Seq,
		Payload:    payload,
	})
}
