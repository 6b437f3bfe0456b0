package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentim/agentim/internal/gateway/adapter"
	"github.com/agentim/agentim/internal/gateway/config"
	"github.com/agentim/agentim/internal/gateway/hubapi"
	"github.com/agentim/agentim/internal/gateway/session"
	"github.com/agentim/agentim/internal/hub/id"
	"github.com/agentim/agentim/internal/logging"
)

// disposeDeadline bounds adapter teardown on shutdown.
const disposeDeadline = 15 * time.Second

func runGateway(args []string) error {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "usage: agentim gateway <login|start|status> [flags]\n")
		os.Exit(1)
	}

	switch args[0] {
	case "login":
		return gatewayLogin(args[1:])
	case "start":
		return gatewayStart(args[1:])
	case "status":
		return gatewayStatus(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown gateway command: %s\n", args[0])
		fmt.Fprintf(os.Stderr, "usage: agentim gateway <login|start|status> [flags]\n")
		os.Exit(1)
		return nil
	}
}

func gatewayLogin(args []string) error {
	fs := flag.NewFlagSet("gateway login", flag.ExitOnError)
	server := fs.String("server", "", "hub base URL, e.g. https://hub.example.com")
	username := fs.String("username", "", "username")
	password := fs.String("password", "", "password")
	_ = fs.Parse(args)

	if *server == "" || *username == "" || *password == "" {
		return fmt.Errorf("login requires --server, --username and --password")
	}

	base := strings.TrimSuffix(*server, "/")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tokens, err := hubapi.New(base).Login(ctx, *username, *password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	cfg := &config.File{
		ServerURL:    wsURL(base),
		ServerBase:   base,
		Token:        tokens.Token,
		RefreshToken: tokens.RefreshToken,
	}
	if prev, err := config.Load(); err == nil && prev != nil {
		cfg.GatewayID = prev.GatewayID
	}
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}

	fmt.Printf("Logged in to %s as %s\n", base, *username)
	fmt.Printf("Gateway id: %s\n", cfg.GatewayID)
	return nil
}

// wsURL derives the gateway WebSocket endpoint from the HTTP base.
func wsURL(base string) string {
	ws := base
	switch {
	case strings.HasPrefix(base, "https://"):
		ws = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		ws = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return ws + "/ws/gateway"
}

// agentSpecs collects repeated --agent name:type[:workdir] flags.
type agentSpecs []adapter.Settings

func (a *agentSpecs) String() string { return fmt.Sprintf("%d agents", len(*a)) }

func (a *agentSpecs) Set(v string) error {
	parts := strings.SplitN(v, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("agent spec %q: want name:type[:workdir]", v)
	}
	s := adapter.Settings{
		ID:        id.Generate(),
		Name:      parts[0],
		AgentType: parts[1],
	}
	if len(parts) == 3 {
		s.WorkDir = parts[2]
	}
	*a = append(*a, s)
	return nil
}

func gatewayStart(args []string) error {
	fs := flag.NewFlagSet("gateway start", flag.ExitOnError)
	var agents agentSpecs
	fs.Var(&agents, "agent", "agent to register as name:type[:workdir] (repeatable)")
	var passEnv stringList
	fs.Var(&passEnv, "pass-env", "environment variable to pass through to agents (repeatable)")
	ephemeral := fs.Bool("ephemeral", false, "exit when the last agent is removed")
	_ = fs.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg == nil || cfg.Token == "" {
		return fmt.Errorf("not logged in, run: agentim gateway login")
	}

	logging.PrintBanner("gateway", version, cfg.ServerURL)

	mgr := adapter.NewManager()
	for _, spec := range agents {
		spec.PassEnv = passEnv
		a, err := adapter.New(spec)
		if err != nil {
			return err
		}
		mgr.Register(a)
		slog.Info("configured agent", "name", spec.Name, "type", spec.AgentType, "work_dir", spec.WorkDir)
	}

	api := hubapi.New(cfg.ServerBase)
	sess := session.New(session.Options{
		ServerURL:    cfg.ServerURL,
		GatewayID:    cfg.GatewayID,
		Token:        cfg.Token,
		RefreshToken: cfg.RefreshToken,
		Ephemeral:    *ephemeral,
		Version:      version,
		Manager:      mgr,
		Refresh: func(ctx context.Context, rt string) (string, string, error) {
			tokens, err := api.Refresh(ctx, rt)
			return tokens.Token, tokens.RefreshToken, err
		},
		OnTokenRefresh: func(access, refresh string) {
			cfg.Token = access
			cfg.RefreshToken = refresh
			if err := config.Save(cfg); err != nil {
				slog.Warn("persisting refreshed tokens failed", "error", err)
			}
		},
		OnAuthenticated: func(isReconnect bool) {
			slog.Info("gateway online", "reconnect", isReconnect, "agents", mgr.Count())
		},
	})

	signal.Ignore(syscall.SIGPIPE)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	rec := config.DaemonRecord{
		Name:      "gateway",
		PID:       os.Getpid(),
		GatewayID: cfg.GatewayID,
	}
	if err := config.SaveDaemon(rec); err != nil {
		slog.Warn("writing daemon record failed", "error", err)
	}
	defer func() { _ = config.RemoveDaemon(rec.Name) }()

	runErr := sess.Run(ctx)

	// Bounded teardown so a wedged child cannot hold the exit hostage.
	done := make(chan struct{})
	go func() {
		mgr.DisposeAll()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(disposeDeadline):
		slog.Warn("adapter teardown deadline exceeded, exiting anyway")
	}
	return runErr
}

func gatewayStatus(args []string) error {
	fs := flag.NewFlagSet("gateway status", flag.ExitOnError)
	_ = fs.Parse(args)

	fmt.Printf("Config directory: %s\n", config.Dir())
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg == nil {
		fmt.Println("Not logged in.")
		return nil
	}
	fmt.Printf("Server:     %s\n", cfg.ServerBase)
	fmt.Printf("Gateway id: %s\n", cfg.GatewayID)

	recs, err := config.ListDaemons()
	if err != nil {
		return err
	}
	for i := range recs {
		state := "stale"
		if config.DaemonAlive(&recs[i]) {
			state = "running"
		}
		fmt.Printf("Daemon %s: pid %d (%s)\n", recs[i].Name, recs[i].PID, state)
	}
	return nil
}

// stringList collects repeated string flags.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}
