package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/congo-pay/walletledger/internal/app"
	"github.com/congo-pay/walletledger/internal/config"
	"github.com/congo-pay/walletledger/internal/logging"
	"github.com/congo-pay/walletledger/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.AppEnv)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	components, cleanup, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("wire components", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	srv, err := server.New(cfg, components, logger)
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		srv.RunReaper(ctx)
	}()

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		stop()
		<-reaperDone
		if err != nil {
			logger.Error("server error", "error", err)
			cleanup()
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	err = srv.Shutdown(shutdownCtx)
	stop()
	<-reaperDone
	if err != nil {
		logger.Error("shutdown error", "error", err)
		cleanup()
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
}
