// ABOUTME: Gateway orchestrator that wires the store, services, and HTTP server
// ABOUTME: Manages component lifecycle from startup through graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/2389/attune/internal/auth"
	"github.com/2389/attune/internal/chat"
	"github.com/2389/attune/internal/config"
	"github.com/2389/attune/internal/engine"
	"github.com/2389/attune/internal/janitor"
	"github.com/2389/attune/internal/realtime"
	"github.com/2389/attune/internal/store"
	"github.com/2389/attune/internal/task"
)

const shutdownTimeout = 10 * time.Second

// Gateway assembles the attune server: SQLite store, task and chat services,
// the conversation engine runner, the realtime hub, and the HTTP API.
type Gateway struct {
	config     *config.Config
	store      *store.SQLiteStore
	tasks      *task.Service
	chat       *chat.Service
	runner     *engine.Runner
	hub        *realtime.Hub
	janitor    *janitor.Janitor
	verifier   *auth.JWTVerifier
	wsHandler  *realtime.Handler
	httpServer *http.Server
	logger     *slog.Logger
}

// initStore creates the store from config, honoring the ATTUNE_DB_PATH override.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("ATTUNE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway with all components wired but not yet serving.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	tasks := task.New(st, logger)
	runner := engine.NewRunner(cfg.Engine.CancelGrace, cfg.Engine.RunTimeout, logger)
	team := engine.NewTeam(nil, logger)
	hub := realtime.NewHub(logger)
	chatSvc := chat.New(tasks, runner, team, hub, logger)
	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))

	g := &Gateway{
		config:    cfg,
		store:     st,
		tasks:     tasks,
		chat:      chatSvc,
		runner:    runner,
		hub:       hub,
		verifier:  verifier,
		wsHandler: realtime.NewHandler(verifier, chatSvc, hub, logger),
		logger:    logger.With("component", "gateway"),
	}

	if cfg.Janitor.Enabled {
		g.janitor = janitor.New(st, cfg.Janitor.Schedule, cfg.Janitor.StaleTimeout, logger)
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// routes builds the HTTP mux: open health endpoint, JWT-protected API, and
// the WebSocket endpoint which authenticates with a first-frame token.
func (g *Gateway) routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/conversations", g.handleCreateConversation)
	api.HandleFunc("GET /api/v1/conversations", g.handleListConversations)
	api.HandleFunc("GET /api/v1/conversations/{id}", g.handleGetConversation)
	api.HandleFunc("PUT /api/v1/conversations/{id}", g.handleUpdateConversation)
	api.HandleFunc("DELETE /api/v1/conversations/{id}", g.handleDeleteConversation)
	api.HandleFunc("GET /api/v1/conversations/{id}/state", g.handleConversationState)

	api.HandleFunc("POST /api/v1/tasks", g.handleCreateTask)
	api.HandleFunc("GET /api/v1/tasks", g.handleListTasks)
	api.HandleFunc("GET /api/v1/tasks/{id}", g.handleGetTask)
	api.HandleFunc("PUT /api/v1/tasks/{id}", g.handleUpdateTask)
	api.HandleFunc("DELETE /api/v1/tasks/{id}", g.handleDeleteTask)
	api.HandleFunc("POST /api/v1/tasks/{id}/messages", g.handleAppendMessage)
	api.HandleFunc("GET /api/v1/tasks/{id}/messages", g.handleTaskMessages)
	api.HandleFunc("POST /api/v1/tasks/{id}/cancel", g.handleCancelTask)

	api.HandleFunc("POST /api/v1/chat", g.handleChat)
	api.HandleFunc("POST /api/v1/chat/{conversation_id}/continue", g.handleChatContinue)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", g.handleHealth)
	mux.Handle("/api/v1/", auth.HTTPAuthMiddleware(g.verifier)(api))
	mux.Handle("/ws", g.wsHandler)
	return mux
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully.
func (g *Gateway) Start(ctx context.Context) error {
	if g.janitor != nil {
		if err := g.janitor.Start(); err != nil {
			return fmt.Errorf("starting janitor: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("http server listening", "addr", g.httpServer.Addr)
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		g.shutdown()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		g.logger.Info("shutting down")
		return g.shutdown()
	}
}

func (g *Gateway) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if g.janitor != nil {
		g.janitor.Stop()
	}
	g.hub.Close()
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	return errors.Join(errs...)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
