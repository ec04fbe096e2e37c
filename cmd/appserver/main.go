package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	app "github.com/devicelab/orchestrator/internal/app"
	"github.com/devicelab/orchestrator/internal/config"
	"github.com/devicelab/orchestrator/pkg/logger"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to config or :8080)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log := logger.New(logger.LoggingConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: cfg.LogOutput,
	})

	listenAddr := determineAddr(*addr, cfg)

	// Storage is an external passive key->document collaborator (§1);
	// this process only needs the in-memory default for stores no caller
	// supplied, so app.Stores{} is left empty here.
	application, err := app.New(app.Stores{}, log, app.WithHTTPAddr(listenAddr))
	if err != nil {
		log.Fatalf("initialise application: %v", err)
	}

	rootCtx := context.Background()
	if err := application.Start(rootCtx); err != nil {
		log.Fatalf("start application: %v", err)
	}
	log.WithField("addr", listenAddr).Info("orchestrator listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := application.Stop(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

func determineAddr(flagAddr string, cfg *config.Config) string {
	addr := strings.TrimSpace(flagAddr)
	if addr != "" {
		return addr
	}
	if cfg != nil && cfg.HTTPAddr != "" {
		return cfg.HTTPAddr
	}
	return ":8080"
}
