// Package api exposes the admin HTTP surface: health, session state, turns,
// synthesis and memory inspection.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"github.com/bdobrica/Kizuna/common/version"
	"github.com/bdobrica/Kizuna/internal/kizuna/chat"
	"github.com/bdobrica/Kizuna/internal/kizuna/memory"
	"github.com/bdobrica/Kizuna/internal/kizuna/state"
)

// Engine is the part of chat.Engine served over HTTP.
type Engine interface {
	CreateSession(ctx context.Context, characterID, title string) (state.Session, error)
	Session(ctx context.Context, sessionID string) (state.Session, error)
	Sessions(ctx context.Context, limit int) ([]state.Session, error)
	Turn(ctx context.Context, sessionID, message string) (chat.Result, error)
	Synthesize(ctx context.Context, sessionID string) (*memory.Fragment, error)
	Recall(ctx context.Context, sessionID, query string) (memory.Recall, error)
}

// Exporter writes a session archive and returns its location.
type Exporter interface {
	Export(ctx context.Context, sessionID string) (string, error)
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Config configures a Server.
type Config struct {
	Addr string

	// TurnTimeout bounds a POST /sessions/:id/turns request. Defaults to 2 min.
	TurnTimeout time.Duration
}

// Server is the admin HTTP server.
type Server struct {
	cfg       Config
	engine    Engine
	exporter  Exporter
	checks    map[string]HealthCheck
	logger    *slog.Logger
	startedAt time.Time
	app       *fiber.App
}

// NewServer creates and configures the server (does not start it).
func NewServer(cfg Config, engine Engine, logger *slog.Logger) *Server {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		engine:    engine,
		checks:    make(map[string]HealthCheck),
		logger:    logger,
		startedAt: time.Now(),
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "Kizuna",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
		// Params and queries outlive the request as session keys and in
		// background indexing, so they must not alias fasthttp buffers.
		Immutable:             true,
		ReadTimeout:           10 * time.Second,
		IdleTimeout:           60 * time.Second,
	})
	s.app.Use(recover.New())
	s.app.Use(requestid.New(requestid.Config{Header: "X-Request-ID"}))
	s.app.Use(s.logRequests)
	s.routes()
	return s
}

// SetExporter enables POST /sessions/:id/export.
func (s *Server) SetExporter(x Exporter) {
	s.exporter = x
}

// AddHealthCheck registers a dependency probe reported by GET /health.
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checks[name] = check
}

// App returns the underlying fiber app, e.g. for App.Test in tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) routes() {
	s.app.Get("/health", s.handleHealth)

	sessions := s.app.Group("/sessions")
	sessions.Get("/", s.handleListSessions)
	sessions.Post("/", s.handleCreateSession)
	sessions.Get("/:id", s.handleGetSession)
	sessions.Post("/:id/turns", s.handleTurn)
	sessions.Post("/:id/synthesize", s.handleSynthesize)
	sessions.Get("/:id/memory", s.handleMemory)
	sessions.Post("/:id/export", s.handleExport)

	s.app.Use(func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusNotFound, "route not found")
	})
}

// Start begins listening in the background. It returns once the listener is
// established, and shuts the server down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", s.cfg.Addr, err)
	}

	go func() {
		s.logger.Info("api server listening", "addr", ln.Addr().String())
		if err := s.app.Listener(ln); err != nil {
			s.logger.Error("api server stopped", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop shuts the server down, waiting up to 5 s for open requests.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		s.logger.Warn("api server shutdown error", "err", err)
	}
}

func (s *Server) logRequests(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	status := c.Response().StatusCode()
	var fe *fiber.Error
	if errors.As(err, &fe) {
		status = fe.Code
	}
	s.logger.Debug("api request",
		"method", c.Method(),
		"path", c.Path(),
		"status", status,
		"request_id", c.GetRespHeader("X-Request-ID"),
		"elapsed", time.Since(start).String(),
	)
	return err
}

// handleError maps domain errors to HTTP statuses.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, state.ErrSessionNotFound):
		code = fiber.StatusNotFound
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, errBadRequest):
		code = fiber.StatusBadRequest
	case errors.Is(err, chat.ErrSynthesisDisabled):
		code = fiber.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		code = fiber.StatusGatewayTimeout
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("api request failed", "path", c.Path(), "err", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

// healthResponse is returned by GET /health.
type healthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Commit     string            `json:"commit"`
	StartedAt  time.Time         `json:"started_at"`
	UptimeSecs float64           `json:"uptime_seconds"`
	Checks     map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	resp := healthResponse{
		Status:     "ok",
		Version:    version.Version,
		Commit:     version.GitCommit,
		StartedAt:  s.startedAt,
		UptimeSecs: time.Since(s.startedAt).Seconds(),
	}

	if len(s.checks) > 0 {
		ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
		defer cancel()
		resp.Checks = make(map[string]string, len(s.checks))
		for name, check := range s.checks {
			if err := check(ctx); err != nil {
				resp.Checks[name] = "unhealthy: " + err.Error()
				resp.Status = "degraded"
				continue
			}
			resp.Checks[name] = "ok"
		}
	}
	return c.JSON(resp)
}
