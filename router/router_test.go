package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"satukolab/internal/access"
	"satukolab/internal/conflict"
	"satukolab/internal/lock"
	"satukolab/internal/metrics"
	"satukolab/internal/presence"
	"satukolab/pkg/collab"
	"satukolab/pkg/model"
	"satukolab/socket"
)

const secret = "router-secret"

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	checker := access.Static{Default: access.RoleWriter}
	authority := lock.NewAuthority(lock.NewMemoryStore(), lock.DefaultConfig(), lock.WithMetrics(m))
	resolver := conflict.NewResolver(conflict.NewMemoryRepository(), conflict.WithMetrics(m))
	hub := socket.NewHub(presence.NewRegistry(), authority, resolver, checker, socket.WithMetrics(m))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()

	server := httptest.NewServer(Setup(Deps{
		Hub:            hub,
		Locks:          lock.NewHandler(authority, checker),
		Conflicts:      conflict.NewHandler(resolver, checker),
		Gatherer:       reg,
		JWTSecret:      secret,
		AllowedOrigins: []string{"http://localhost:3000"},
	}))
	t.Cleanup(func() {
		cancel()
		<-done
		server.Close()
	})
	return server
}

func token(t *testing.T, sub string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  sub,
		"name": strings.ToUpper(sub),
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func get(t *testing.T, url, bearer string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRoutes(t *testing.T) {
	server := newServer(t)

	assert.Equal(t, http.StatusOK, get(t, server.URL+"/healthz", "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, get(t, server.URL+"/api/locks?entityType=client&entityId=42", "").StatusCode)
	assert.Equal(t, http.StatusOK, get(t, server.URL+"/api/locks?entityType=client&entityId=42", token(t, "a")).StatusCode)
	assert.Equal(t, http.StatusOK, get(t, server.URL+"/api/conflicts?entityType=client&entityId=42", token(t, "a")).StatusCode)
	assert.Equal(t, http.StatusNotFound, get(t, server.URL+"/api/members?entityType=client&entityId=42", token(t, "a")).StatusCode,
		"membership routes need a database")
	assert.Equal(t, http.StatusOK, get(t, server.URL+"/metrics", "").StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	server := newServer(t)

	req, err := http.NewRequest(http.MethodOptions, server.URL+"/api/conflicts/resolve", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestClientConnectsWithToken(t *testing.T) {
	server := newServer(t)

	s, err := collab.Open(context.Background(), collab.Options{
		URL:      "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
		Entity:   model.EntityRef{Type: "client", ID: "42"},
		Identity: model.Identity{UserID: "a", UserName: "A"},
		Token:    token(t, "a"),
	})
	require.NoError(t, err)
	defer s.Close(context.Background())

	require.Eventually(t, func() bool {
		users := s.ActiveUsers()
		return len(users) == 1 && users[0].UserName == "A"
	}, 2*time.Second, 10*time.Millisecond)

	locks := collab.NewLockCoordinator(s)
	res, err := locks.RequestLock(context.Background(), "nome", model.ResourceField, "nome", 0)
	require.NoError(t, err)
	assert.True(t, res.Granted)

	resp := get(t, server.URL+"/api/locks?entityType=client&entityId=42", token(t, "a"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
