// Command reloadproxy sits in front of a development web server, injects a
// live reload script into its HTML pages and tells connected browsers to
// reload whenever something POSTs to /__trigger_reload.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/mroth/reloadproxy/internal/app"
	"github.com/mroth/reloadproxy/internal/config"
	"github.com/mroth/reloadproxy/internal/logging"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	a, err := app.New(cfg, logger.Logger)
	if err != nil {
		logger.Fatal("Failed to create proxy", zap.Error(err))
	}

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logger.Fatal("Proxy stopped", zap.Error(err))
	}
}
