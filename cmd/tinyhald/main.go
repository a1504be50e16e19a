// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/CirrusLogic/tinyhal-sub001/internal/bootstrap"
	"github.com/CirrusLogic/tinyhal-sub001/internal/cm"
	"github.com/CirrusLogic/tinyhal-sub001/internal/daemon"
	"github.com/CirrusLogic/tinyhal-sub001/internal/health"
	"github.com/CirrusLogic/tinyhal-sub001/internal/lock"
	"github.com/CirrusLogic/tinyhal-sub001/internal/mixer/alsa"
	"github.com/CirrusLogic/tinyhal-sub001/internal/util"
	"github.com/CirrusLogic/tinyhal-sub001/internal/xmlload"
)

const (
	exitSuccess = 0
	exitError   = 1

	lockAcquireTimeout = 5 * time.Second
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "tinyhald: %v\n", err)
		os.Exit(exitError)
	}
	os.Exit(exitSuccess)
}

// run parses flags, boots the Configuration Manager, and serves until
// a termination signal arrives. Extracted from main for testability.
func run(args []string) error {
	configPath := bootstrap.SettingsFilePath
	xmlOverride := ""

	for i := 0; i < len(args); i++ {
		switch {
		case strings.HasPrefix(args[i], "--config="):
			configPath = strings.TrimPrefix(args[i], "--config=")
		case args[i] == "--config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--xml="):
			xmlOverride = strings.TrimPrefix(args[i], "--xml=")
		case args[i] == "--xml" && i+1 < len(args):
			xmlOverride = args[i+1]
			i++
		}
	}

	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := bootstrap.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if xmlOverride != "" {
		cfg.XMLPath = xmlOverride
	}

	fl, err := lock.NewFileLock(cfg.LockPath)
	if err != nil {
		return fmt.Errorf("create lock: %w", err)
	}
	if err := fl.Acquire(lockAcquireTimeout); err != nil {
		return fmt.Errorf("acquire singleton lock %s (is tinyhald already running?): %w", cfg.LockPath, err)
	}
	defer fl.Close()

	mgr, err := openManager(cfg)
	if err != nil {
		return fmt.Errorf("boot configuration manager: %w", err)
	}
	defer mgr.Close()

	ctx := setupSignalHandler(log)

	sup := daemon.New(mgr, daemon.DefaultHotplugInterval, 0, log)
	healthSrv := health.NewHandler(mgr)

	errCh := make(chan error, 2)
	util.SafeGo("supervisor", os.Stderr, func() {
		errCh <- sup.Serve(ctx)
	}, func(r interface{}, _ []byte) {
		errCh <- fmt.Errorf("panic in supervisor: %v", r)
	})
	util.SafeGo("health-server", os.Stderr, func() {
		errCh <- health.ListenAndServe(ctx, cfg.HealthAddr, loggingMiddleware(log, healthSrv))
	}, func(r interface{}, _ []byte) {
		errCh <- fmt.Errorf("panic in health server: %v", r)
	})

	log.Info("tinyhald started", "health_addr", cfg.HealthAddr, "lock_path", cfg.LockPath)

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	log.Info("tinyhald stopped")
	return firstErr
}

// openManager resolves cfg's XML document and opens a live Manager
// against the real ALSA mixer.
func openManager(cfg *bootstrap.Config) (*cm.Manager, error) {
	xmlPath, err := cfg.ResolveXMLPath()
	if err != nil {
		return nil, fmt.Errorf("resolve xml path: %w", err)
	}

	src := xmlload.NewOSSource(filepath.Dir(xmlPath))
	opener := alsa.Opener{ProcRoot: cfg.ProcRoot}

	mgr, err := cm.Init(src, xmlload.OSProbeSource{}, filepath.Base(xmlPath), opener, cfg.ResolveRescanPolicy(), nil)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", xmlPath, err)
	}
	return mgr, nil
}

// setupSignalHandler cancels the returned context on SIGINT/SIGTERM.
func setupSignalHandler(log *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	util.SafeGo("signal-handler", os.Stderr, func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}, nil)

	return ctx
}

func loggingMiddleware(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		log.Debug("handled request", "method", r.Method, "path", r.URL.Path)
	})
}
