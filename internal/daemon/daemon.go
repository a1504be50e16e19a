// SPDX-License-Identifier: MIT

// Package daemon supervises the long-running side of TinyHAL: a
// periodic hotplug-rescan poll that retries controls the binder
// couldn't resolve at load, and a small pool of placeholder workers
// standing in for the out-of-scope HAL shim's per-compressed-stream
// drain threads: an OS thread and optionally an async helper thread
// per compressed stream. Both run under one
// github.com/thejerf/suture/v4 supervision tree so a panic or error in
// either is logged and the worker restarted rather than taking the
// whole daemon down.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/CirrusLogic/tinyhal-sub001/internal/cm"
)

// DefaultHotplugInterval is how often the hotplug poller retries
// unresolved controls when the caller doesn't override it.
const DefaultHotplugInterval = 5 * time.Second

// Supervisor wraps a suture.Supervisor preconfigured with TinyHAL's
// background services.
type Supervisor struct {
	root *suture.Supervisor
}

// New builds a Supervisor that polls mgr for unresolved controls every
// interval (DefaultHotplugInterval if zero) and runs drainWorkers
// placeholder drain services alongside it.
func New(mgr *cm.Manager, interval time.Duration, drainWorkers int, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultHotplugInterval
	}

	root := suture.NewSimple("tinyhald")
	root.Add(&hotplugPoller{mgr: mgr, interval: interval, log: log})
	for i := 0; i < drainWorkers; i++ {
		root.Add(&drainWorker{id: i, log: log})
	}
	return &Supervisor{root: root}
}

// Serve runs every supervised service until ctx is cancelled, restarting
// any that fail. It returns when ctx is done or the supervisor itself
// gives up (suture.ErrTooManyFailures).
func (s *Supervisor) Serve(ctx context.Context) error {
	return s.root.Serve(ctx)
}

// hotplugPoller periodically asks the Manager to retry every
// unresolved control, so a codec that appears after boot (or after a
// card reset) eventually binds without waiting for the next apply.
type hotplugPoller struct {
	mgr      *cm.Manager
	interval time.Duration
	log      *slog.Logger
}

func (h *hotplugPoller) Serve(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := h.mgr.RescanUnresolved(); n > 0 {
				h.log.Debug("unresolved controls remain after hotplug rescan", "count", n)
			}
		}
	}
}

func (h *hotplugPoller) String() string { return "hotplug-poller" }

// drainWorker is a placeholder for the HAL shim's per-compressed-stream
// async drain thread. TinyHAL's CM itself never drives PCM I/O (spec
// §6's "talks only to the mixer/proc"); this worker exists so the
// supervision tree has somewhere to hang that out-of-process concern
// once a real shim is wired in. It only waits for cancellation and
// never fails, so it is never restarted.
type drainWorker struct {
	id  int
	log *slog.Logger
}

func (w *drainWorker) Serve(ctx context.Context) error {
	w.log.Debug("drain worker started", "id", w.id)
	<-ctx.Done()
	return nil
}

func (w *drainWorker) String() string { return fmt.Sprintf("drain-worker-%d", w.id) }
