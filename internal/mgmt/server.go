// Package mgmt is the REST surface: project metadata, collaborators,
// saved trees, chat history and the open rooms.
package mgmt

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/collabhub/internal/health"
	"github.com/p-blackswan/collabhub/internal/metrics"
	"github.com/p-blackswan/collabhub/internal/requestid"
)

// ServerConfig holds configuration for the management API server.
type ServerConfig struct {
	ListenAddr  string
	RateLimit   RateLimitConfig
	CORSOrigins string
	TLSCert     string
	TLSKey      string
}

// Deps are the services the API is built on.
type Deps struct {
	Projects Projects
	Rooms    Rooms
	Trees    Trees
	Auth     Authenticator
	Checker  *health.Checker
	Metrics  *metrics.Metrics
}

// Server is the management API Fiber application.
type Server struct {
	app    *fiber.App
	logger zerolog.Logger
	config ServerConfig
}

// NewServer creates and configures a new management API server.
func NewServer(cfg ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		BodyLimit:             8 << 20,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	if deps.Checker == nil {
		deps.Checker = health.NewChecker(logger)
	}
	handlers := NewHandlers(deps.Projects, deps.Rooms, deps.Trees, deps.Auth, deps.Checker, logger)

	s := &Server{
		app:    app,
		logger: logger.With().Str("component", "mgmt_server").Logger(),
		config: cfg,
	}

	s.setupMiddleware(cfg, deps, s.logger)
	s.setupRoutes(handlers, deps.Metrics)

	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig, deps Deps, logger zerolog.Logger) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(func(c *fiber.Ctx) error {
		ctx, reqID := requestid.New(c.UserContext())
		c.Set("X-Request-ID", reqID)
		c.Locals("request_id", reqID)
		c.SetUserContext(ctx)
		return c.Next()
	})

	if cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods: "GET, POST, PUT, OPTIONS",
		}))
	}

	if cfg.RateLimit.RPS > 0 {
		s.app.Use(NewRateLimitMiddleware(cfg.RateLimit))
	}

	var users UserRecorder
	if deps.Projects != nil {
		users = deps.Projects
	}
	s.app.Use(NewAuthMiddleware(deps.Auth, users, logger))

	// Audit every request except probes.
	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if isProbe(path) {
			return c.Next()
		}

		logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Str("ip", c.IP()).
			Str("user_id", caller(c).UserID).
			Str("request_id", fmt.Sprintf("%v", c.Locals("request_id"))).
			Msg("mgmt api request")

		return c.Next()
	})
}

func (s *Server) setupRoutes(h *Handlers, m *metrics.Metrics) {
	s.app.Get("/healthz", h.Liveness)
	s.app.Get("/readyz", h.Readiness)
	if m != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	}

	v1 := s.app.Group("/api/v1")

	v1.Get("/me", h.Me)
	v1.Post("/logout", h.Logout)
	v1.Get("/users", h.ListUsers)

	v1.Get("/projects", h.ListProjects)
	v1.Post("/projects", h.CreateProject)
	v1.Get("/projects/:id", h.GetProject)
	v1.Put("/projects/:id/users", h.AddUsers)
	v1.Put("/projects/:id/file-tree", h.PutFileTree)
	v1.Get("/projects/:id/messages", h.ListMessages)

	v1.Get("/rooms", h.ListRooms)
	v1.Get("/health", h.HealthDetail)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8090"
	}

	s.logger.Info().Str("addr", addr).Msg("management API server starting")

	if s.config.TLSCert != "" && s.config.TLSKey != "" {
		return s.app.ListenTLS(addr, s.config.TLSCert, s.config.TLSKey)
	}
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("management API server shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		errType := "http_error"
		detail := err.Error()
		if code == fiber.StatusInternalServerError {
			errType = "internal_error"
			detail = "An internal error occurred"
		}

		return c.Status(code).JSON(ProblemDetail{
			Type:     errType,
			Title:    http.StatusText(code),
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}
