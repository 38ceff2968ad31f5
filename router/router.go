package router

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"satukolab/internal/access"
	"satukolab/internal/conflict"
	"satukolab/internal/lock"
	"satukolab/middleware"
	"satukolab/socket"
)

type Deps struct {
	Hub       *socket.Hub
	Locks     *lock.Handler
	Conflicts *conflict.Handler
	// Members is nil when there is no membership database.
	Members  *access.Handler
	Gatherer prometheus.Gatherer

	JWTSecret      string
	AllowedOrigins []string
}

func Setup(d Deps) http.Handler {
	mux := http.NewServeMux()
	auth := middleware.Auth(d.JWTSecret)

	// WebSocket
	wsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ := middleware.IdentityFrom(r.Context())
		socket.ServeWs(d.Hub, w, r, identity)
	})
	mux.Handle("/ws", auth(wsHandler))

	// REST API
	mux.Handle("/api/locks", auth(http.HandlerFunc(d.Locks.ListLocks)))
	mux.Handle("/api/conflicts", auth(http.HandlerFunc(d.Conflicts.ListActive)))
	mux.Handle("/api/conflicts/history", auth(http.HandlerFunc(d.Conflicts.History)))
	mux.Handle("/api/conflicts/resolve", auth(http.HandlerFunc(d.Conflicts.Resolve)))
	mux.Handle("/api/conflicts/cancel", auth(http.HandlerFunc(d.Conflicts.Cancel)))
	mux.Handle("/api/conflicts/request-info", auth(http.HandlerFunc(d.Conflicts.RequestInfo)))
	if d.Members != nil {
		mux.Handle("/api/members", auth(http.HandlerFunc(d.Members.Members)))
		mux.Handle("/api/members/invite", auth(http.HandlerFunc(d.Members.Invite)))
	}

	if d.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return middleware.CORS(d.AllowedOrigins)(mux)
}
