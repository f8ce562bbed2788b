package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/walletledger/internal/app"
	"github.com/congo-pay/walletledger/internal/config"
	"github.com/congo-pay/walletledger/internal/routes"
)

// Server wraps the Fiber application and the wired ledger components.
type Server struct {
	app        *fiber.App
	cfg        config.Config
	components *app.App
	logger     *slog.Logger
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
func New(cfg config.Config, components *app.App, logger *slog.Logger) (*Server, error) {
	f := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorHandler: errorHandler,
	})

	if err := routes.Setup(f, routes.Deps{
		Cfg:      cfg,
		DB:       components.DB,
		Cache:    components.Cache,
		Logger:   logger,
		Wallets:  components.Wallets,
		Gatherer: components.Registry,
	}); err != nil {
		return nil, err
	}

	return &Server{app: f, cfg: cfg, components: components, logger: logger}, nil
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// RunReaper expires stale idempotency reservations until ctx is done.
func (s *Server) RunReaper(ctx context.Context) {
	s.logger.Info("idempotency reaper started", slog.Duration("interval", s.cfg.ReaperInterval))
	s.components.Guard.RunReaper(ctx, s.cfg.ReaperInterval)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// Handler exposes the underlying fiber app, mainly for tests.
func (s *Server) Handler() *fiber.App {
	return s.app
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := "internal error"
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		msg = fe.Message
	}
	return c.Status(code).JSON(fiber.Map{"error": msg})
}
