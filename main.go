package main

import (
	"bufio"
	"context"
	"database/sql"
	"embed"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/peterje/coderunner/internal/broker"
	"github.com/peterje/coderunner/internal/config"
	"github.com/peterje/coderunner/internal/db"
	"github.com/peterje/coderunner/internal/hub"
	"github.com/peterje/coderunner/internal/limiter"
	"github.com/peterje/coderunner/internal/preflight"
	"github.com/peterje/coderunner/internal/runner"
	"github.com/peterje/coderunner/internal/server"
	"github.com/peterje/coderunner/internal/shepherd"
	"github.com/peterje/coderunner/internal/terminal"
	"github.com/peterje/coderunner/internal/workspace"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func main() {
	// Subcommand dispatch: "coderunner shepherd" runs the shepherd process
	if len(os.Args) > 1 && os.Args[1] == "shepherd" {
		fset := flag.NewFlagSet("shepherd", flag.ExitOnError)
		configPath := fset.String("config", "", "path to config.yaml")
		fset.Parse(os.Args[2:])
		runShepherd(*configPath)
		return
	}

	configPath := flag.String("config", "", "path to config.yaml")
	port := flag.Int("port", 0, "server port (overrides config)")
	flag.Parse()

	bootLogger := newLogger("info")
	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	if *port != 0 {
		cfg.Port = *port
	}
	logger := newLogger(cfg.LogLevel)

	langs := cfg.Registry()
	toolchains := preflight.CheckAll(langs, &logger)

	database, err := db.Open(cfg.DBPath())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer database.Close()
	if err := migrate(database); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}
	sessionStore := db.NewSessionStore(database)
	runStore := db.NewRunStore(database)

	// Frame delivery: websocket hub, plus the broker when configured
	frames := hub.New(&logger)
	var sink terminal.Sink = frames
	if cfg.Broker.URL != "" {
		pub, err := broker.Dial(cfg.Broker.URL, cfg.Broker.Exchange, &logger)
		if err != nil {
			logger.Error().Err(err).Msg("broker unavailable, frames go to websocket clients only")
		} else {
			defer pub.Close()
			sink = terminal.Fanout(frames, pub)
		}
	}

	workspaces := workspace.NewManager(cfg.ScratchDir)

	// Interactive sessions live in the shepherd when possible
	var controller terminal.Controller
	var engine *terminal.Engine
	var shepherdClient *shepherd.Client
	if cfg.Shepherd.Enabled {
		shepherdClient, err = connectOrStartShepherd(cfg, *configPath, sink, &logger)
		if err != nil {
			logger.Warn().Err(err).Msg("shepherd unavailable, falling back to in-process sessions")
		} else {
			controller = shepherdClient
		}
	}
	if controller == nil {
		engine = terminal.NewEngine(langs, workspaces, sink, terminal.NewRegistry(), cfg.TerminalOptions(), &logger)
		engine.SetJournal(sessionStore)
		controller = engine
	}

	reconcileSessions(sessionStore, controller, &logger)

	run := runner.New(langs, workspaces, cfg.RunnerOptions(), &logger)
	run.SetJournal(runStore)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := limiter.New(cfg.RateLimit.GlobalRPS, cfg.RateLimit.PerClientRPS, cfg.RateLimit.PerClientBurst)
	rl.StartCleanup(ctx, 5*time.Minute)

	srv := server.New(server.Deps{
		Runner:     run,
		Controller: controller,
		Frames:     frames,
		Sessions:   sessionStore,
		Runs:       runStore,
		Languages:  langs,
		Toolchains: toolchains,
		Shepherd:   shepherdClient != nil,
		RunLimit:   rl.Middleware,
	}, &logger)

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: loggingMiddleware(&logger, recoveryMiddleware(&logger, srv)),
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("shutting down")

		// Shepherd sessions keep running; in-process ones die with us.
		if shepherdClient != nil {
			shepherdClient.Close()
		}
		if engine != nil {
			engine.Close()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("server running")
	if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("server failed")
	}
	logger.Info().Msg("server stopped")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl).With().Timestamp().Logger()
}

// migrate applies every embedded migration in name order.
func migrate(database *sql.DB) error {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		migrationSQL, err := migrationsFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if err := db.Migrate(database, string(migrationSQL)); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func runShepherd(configPath string) {
	bootLogger := newLogger("info")
	cfg, err := config.Load(configPath)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg.LogLevel).With().Str("component", "shepherd").Logger()

	shep := shepherd.New(cfg.Registry(), workspace.NewManager(cfg.ScratchDir), cfg.TerminalOptions(), &logger)

	database, err := db.Open(cfg.DBPath())
	if err != nil {
		logger.Error().Err(err).Msg("session history disabled")
	} else {
		defer database.Close()
		if err := migrate(database); err != nil {
			logger.Error().Err(err).Msg("session history disabled")
		} else {
			shep.SetJournal(db.NewSessionStore(database))
		}
	}

	if err := shep.Run(cfg.SocketPath(), cfg.PIDPath()); err != nil {
		logger.Fatal().Err(err).Msg("shepherd failed")
	}
}

// connectOrStartShepherd connects to an existing shepherd or launches a new one.
func connectOrStartShepherd(cfg *config.Config, configPath string, sink terminal.Sink, logger *zerolog.Logger) (*shepherd.Client, error) {
	socketPath := cfg.SocketPath()

	if client, err := dialShepherd(socketPath, sink, logger); err == nil {
		logger.Info().Msg("connected to existing shepherd")
		return client, nil
	}

	logger.Info().Msg("starting shepherd process")
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("get executable path: %w", err)
	}

	args := []string{"shepherd"}
	if configPath != "" {
		args = append(args, "-config", configPath)
	}
	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start shepherd: %w", err)
	}
	// Detach; the shepherd outlives this process
	cmd.Process.Release()

	for i := 0; i < 40; i++ { // 40 * 50ms = 2s
		time.Sleep(50 * time.Millisecond)
		if client, err := dialShepherd(socketPath, sink, logger); err == nil {
			logger.Info().Msg("shepherd started and connected")
			return client, nil
		}
	}
	return nil, fmt.Errorf("shepherd did not become available within 2s")
}

func dialShepherd(socketPath string, sink terminal.Sink, logger *zerolog.Logger) (*shepherd.Client, error) {
	client, err := shepherd.Dial(socketPath, sink, logger)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// reconcileSessions marks history rows of sessions that are no longer
// running anywhere as stopped.
func reconcileSessions(store *db.SessionStore, controller terminal.Controller, logger *zerolog.Logger) {
	live := controller.Active()
	n, err := store.MarkStale(context.Background(), live)
	if err != nil {
		logger.Error().Err(err).Msg("failed to reconcile sessions")
		return
	}
	if n > 0 {
		logger.Info().Int64("count", n).Msg("marked stale sessions as stopped")
	}
	if len(live) > 0 {
		logger.Info().Int("count", len(live)).Msg("re-adopted sessions from shepherd")
	}
}

func loggingMiddleware(logger *zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(rw, r)

		// Don't log WebSocket upgrades or metric scrapes
		if r.Header.Get("Upgrade") == "websocket" || r.URL.Path == "/metrics" {
			return
		}

		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.status).
			Dur("duration", time.Since(start).Round(time.Millisecond)).
			Msg("request")
	})
}

func recoveryMiddleware(logger *zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error().Str("method", r.Method).Str("path", r.URL.Path).Interface("panic", err).Msg("handler panicked")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Implement http.Hijacker so WebSocket upgrades work through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
}
