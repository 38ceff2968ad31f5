package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"satukolab/config"
	"satukolab/config/database"
	"satukolab/internal/access"
	"satukolab/internal/conflict"
	"satukolab/internal/lock"
	"satukolab/internal/metrics"
	"satukolab/internal/presence"
	"satukolab/pkg/logger"
	"satukolab/router"
	"satukolab/socket"
	"satukolab/store"
)

func serveCommand(v *viper.Viper, configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the collaboration hub and its REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, *configFile)
			if err != nil {
				return err
			}
			logger.Init(cfg.Log.Level)
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", cfg.Server.Addr)
			if err != nil {
				return err
			}
			return Serve(ctx, cfg, ln)
		},
	}
}

// Serve wires the stores, the lock authority, the conflict resolver and the
// hub, and serves HTTP on ln until ctx is done. Without a database host the
// conflict and membership data live in memory; without a Redis address so
// does the lock table.
func Serve(ctx context.Context, cfg *config.Config, ln net.Listener) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	var checker access.Checker = access.Static{Default: access.Role(cfg.Access.DefaultRole)}
	var conflicts conflict.Repository = conflict.NewMemoryRepository()
	var members *access.Handler
	resolverOpts := []conflict.Option{
		conflict.WithMetrics(m),
		conflict.WithObservationWindow(cfg.Conflict.ObservationWindow),
	}

	if dsn := cfg.Database.DSN(); dsn != "" {
		db, err := database.Connect(ctx, dsn)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := database.Migrate(ctx, db); err != nil {
			return err
		}

		repo := access.NewRepository(db)
		checker = repo
		members = access.NewHandler(repo)
		conflicts = conflict.NewPostgresRepository(db)
		resolverOpts = append(resolverOpts, conflict.WithApplier(store.NewValueRepository(db)))
	} else {
		logger.Sugar.Warnf("No database configured; conflicts are kept in memory and every user gets role %s", cfg.Access.DefaultRole)
	}

	var locks lock.Store = lock.NewMemoryStore()
	var relay *lock.RedisRelay
	if cfg.Redis.Addr != "" {
		rdb, err := database.ConnectRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		locks = lock.NewRedisStore(rdb, cfg.Redis.Prefix)
		relay = lock.NewRedisRelay(rdb, cfg.Redis.Prefix)
	}

	authority := lock.NewAuthority(locks, lock.Config{
		DefaultLease:  cfg.Lock.DefaultLease,
		MaxLease:      cfg.Lock.MaxLease,
		MaxExtensions: cfg.Lock.MaxExtensions,
		SweepInterval: cfg.Lock.SweepInterval,
	}, lock.WithMetrics(m))
	resolver := conflict.NewResolver(conflicts, resolverOpts...)
	hub := socket.NewHub(presence.NewRegistry(), authority, resolver, checker,
		socket.WithMetrics(m),
		socket.WithPresenceTimeout(cfg.Presence.Timeout),
		socket.WithAllowedOrigins(cfg.Server.AllowedOrigins),
	)
	if relay != nil {
		// Other replicas sharing the lock table need to hear about our leases.
		relay.SetLocal(hub)
		authority.SetBroadcaster(relay)
	}

	srv := &http.Server{
		Handler: router.Setup(router.Deps{
			Hub:            hub,
			Locks:          lock.NewHandler(authority, checker),
			Conflicts:      conflict.NewHandler(resolver, checker),
			Members:        members,
			Gatherer:       reg,
			JWTSecret:      cfg.Auth.JWTSecret,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return authority.Run(gctx) })
	g.Go(func() error { return hub.RunPresenceSweeper(gctx, cfg.Presence.SweepInterval) })
	if relay != nil {
		g.Go(func() error { return relay.Run(gctx) })
	}
	g.Go(func() error {
		logger.Sugar.Infof("Go Backend listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Sugar.Info("Shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
