// Package hub provides a reusable hub server that can be embedded in
// other binaries.
package hub

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/agentim/agentim/internal/hub/auth"
	"github.com/agentim/agentim/internal/hub/broker"
	"github.com/agentim/agentim/internal/hub/config"
	"github.com/agentim/agentim/internal/hub/connreg"
	"github.com/agentim/agentim/internal/hub/db"
	"github.com/agentim/agentim/internal/hub/permstore"
	"github.com/agentim/agentim/internal/hub/store"
)

// Server is a reusable hub server instance.
type Server struct {
	cfg         *config.Config
	server      *http.Server
	sqlDB       *sql.DB
	st          *store.Store
	brk         *broker.Broker
	perms       *permstore.Store
	revocations *auth.RevocationRegistry
	rdb         *redis.Client
	shutdownCh  chan struct{}
}

// NewServer creates a hub server. It opens the database, runs
// migrations, and wires the broker. Call Serve() to start listening.
func NewServer(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	sqlDB, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	st := store.New(sqlDB)

	// Agents cannot be online when the hub just started; a crash may
	// have left stale online flags behind.
	if _, err := sqlDB.Exec("UPDATE agents SET online = 0 WHERE online = 1"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("clear stale agent state: %w", err)
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}

	revocations := auth.NewRevocationRegistry(rdb, []byte(cfg.RevocationHMACSecret), cfg.AccessTokenTTL)
	verifier := auth.NewVerifier([]byte(cfg.JWTSecret), []byte(cfg.JWTPrevSecret), revocations)

	reg := connreg.New(connreg.Limits{
		MaxClientsPerUser:  cfg.MaxClientsPerUser,
		MaxClients:         cfg.MaxClients,
		MaxGatewaysPerUser: cfg.MaxGatewaysPerUser,
	})
	perms := permstore.New()
	brk := broker.New(reg, st, verifier, perms)

	shutdownCh := make(chan struct{})

	mux := http.NewServeMux()
	mux.Handle("/ws/client", brk.ClientHandler(shutdownCh))
	mux.Handle("/ws/gateway", brk.GatewayHandler(shutdownCh))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		cfg:         cfg,
		server:      server,
		sqlDB:       sqlDB,
		st:          st,
		brk:         brk,
		perms:       perms,
		revocations: revocations,
		rdb:         rdb,
		shutdownCh:  shutdownCh,
	}, nil
}

// Store returns the hub's store for direct access (seeding, admin CLI).
func (s *Server) Store() *store.Store {
	return s.st
}

// Serve starts the hub server. It blocks until ctx is cancelled, then
// performs graceful shutdown.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		_ = s.sqlDB.Close()
		return fmt.Errorf("listen tcp: %w", err)
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("hub shutting down...")

		// 1. Reject new WebSocket connections.
		close(s.shutdownCh)

		// 2. Drain in-flight requests and open sockets.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)

		close(shutdownDone)
	}()

	slog.Info("hub listening", "addr", s.cfg.Addr)

	if err := s.server.Serve(ln); err != http.ErrServerClosed {
		_ = s.sqlDB.Close()
		return fmt.Errorf("serve: %w", err)
	}
	<-shutdownDone

	// Stop background workers before touching the database.
	s.brk.Close()
	s.perms.Close()
	s.revocations.Close()
	if s.rdb != nil {
		_ = s.rdb.Close()
	}

	// Checkpoint WAL into the main DB file before closing.
	if err := db.Checkpoint(s.sqlDB); err != nil {
		slog.Warn("WAL checkpoint failed", "error", err)
	}
	_ = s.sqlDB.Close()
	return nil
}
