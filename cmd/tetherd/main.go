// Command tetherd is the daemon: it owns the live PTY sessions on this
// machine, persists their state across restarts, and optionally bridges
// each one to a relay server so browsers can attach remotely.
//
// Grounded on internal/daemon/daemon.go's wiring shape (store, engine,
// transport server, signal handling) adapted to this system's persistence
// manager, multiplexer, session manager, and control server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/tetherhq/tether/internal/bridge"
	"github.com/tetherhq/tether/internal/config"
	"github.com/tetherhq/tether/internal/control"
	"github.com/tetherhq/tether/internal/logger"
	"github.com/tetherhq/tether/internal/mux"
	"github.com/tetherhq/tether/internal/persist"
	"github.com/tetherhq/tether/internal/sessionmgr"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tetherd:", err)
		os.Exit(1)
	}
}

func run() error {
	if err := logger.Init(envOr("TETHER_LOG_LEVEL", "info"), ""); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log := logger.Log

	stateDir, err := config.StateDir()
	if err != nil {
		return fmt.Errorf("resolve state dir: %w", err)
	}
	if err := config.EnsureStateDirs(stateDir); err != nil {
		return fmt.Errorf("ensure state dirs: %w", err)
	}

	port := config.DefaultControlPort
	if v := os.Getenv("TETHER_CONTROL_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			port = p
		}
	}
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	store := persist.New(stateDir, 0)
	mx := mux.New(store)

	deps := bridge.Deps{
		ServerURL:   os.Getenv("TETHER_RELAY_WS_URL"),
		Token:       os.Getenv("TETHER_RELAY_TOKEN"),
		MachineID:   os.Getenv("TETHER_MACHINE_ID"),
		MachineName: hostnameOr(os.Getenv("TETHER_MACHINE_NAME")),
	}
	mgr := sessionmgr.New(mx, deps, log)

	if err := mgr.RecoverSessions(); err != nil {
		log.Warn("session recovery failed", "err", err)
	}

	srv := control.NewServer(mgr, addr, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 1)
	go func() {
		log.Info("control server listening", "addr", addr)
		errCh <- srv.ListenAndServe(ctx)
	}()

	if err := os.WriteFile(config.PortFile(stateDir), []byte(strconv.Itoa(port)), 0644); err != nil {
		log.Warn("write port file failed", "err", err)
	}
	if err := os.WriteFile(config.PIDFile(stateDir), []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		log.Warn("write pid file failed", "err", err)
	}

	log.Info("tetherd started", "state_dir", stateDir)

	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig.String())
		cancel()
		mgr.Shutdown()
		time.Sleep(200 * time.Millisecond)
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			cancel()
			mgr.Shutdown()
			return fmt.Errorf("control server: %w", err)
		}
	}

	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func hostnameOr(override string) string {
	if override != "" {
		return override
	}
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
