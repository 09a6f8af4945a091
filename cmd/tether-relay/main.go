// Command tether-relay is the relay server: it keeps the catalog of
// sessions and machines and routes the wire protocol between daemon
// bridges (/bridge) and browser clients (/web).
//
// Grounded on internal/relay/server.go's listen/route/graceful-shutdown
// shape, adapted to this system's Catalog+Router pair.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tetherhq/tether/internal/config"
	"github.com/tetherhq/tether/internal/logger"
	"github.com/tetherhq/tether/internal/relaysrv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tether-relay:", err)
		os.Exit(1)
	}
}

func run() error {
	if err := logger.Init(envOr("TETHER_LOG_LEVEL", "info"), ""); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log := logger.Log

	cfg := config.RelayConfigFromEnv()

	catalog, err := relaysrv.OpenCatalog(cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer catalog.Close()

	router := relaysrv.NewRouter(catalog, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/bridge", router.HandleBridge)
	mux.HandleFunc("/web", router.HandleWeb)
	router.RegisterREST(mux)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 1)
	go func() {
		log.Info("relay listening", "addr", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("relay server: %w", err)
		}
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	return srv.Shutdown(shutCtx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
