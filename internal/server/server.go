package server

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/wallet-ledger/internal/config"
	"github.com/congo-pay/wallet-ledger/internal/routes"
)

// Server wraps the Fiber application and shared dependencies.
type Server struct {
	app *fiber.App
	cfg config.Config
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
func New(cfg config.Config, deps routes.Deps) *Server {
	app := fiber.New(fiber.Config{
		AppName:               cfg.AppName,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	deps.Cfg = cfg
	routes.Setup(app, deps)

	return &Server{app: app, cfg: cfg}
}

// App exposes the underlying Fiber app, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// errorHandler renders middleware failures in the same shape as wallet errors.
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "internal error"
	var ferr *fiber.Error
	if errors.As(err, &ferr) {
		code = ferr.Code
		message = ferr.Message
	}
	return c.Status(code).JSON(fiber.Map{
		"error":     errorKind(code),
		"message":   message,
		"retryable": code == fiber.StatusTooManyRequests || code >= fiber.StatusInternalServerError,
	})
}

func errorKind(code int) string {
	switch code {
	case fiber.StatusBadRequest:
		return "INVALID_REQUEST"
	case fiber.StatusUnauthorized:
		return "UNAUTHORIZED"
	case fiber.StatusForbidden:
		return "FORBIDDEN"
	case fiber.StatusNotFound:
		return "NOT_FOUND"
	case fiber.StatusConflict:
		return "CONFLICT"
	case fiber.StatusTooManyRequests:
		return "RATE_LIMITED"
	default:
		return "INTERNAL"
	}
}
