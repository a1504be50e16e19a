// SPDX-License-Identifier: MIT

// Package health provides an HTTP status endpoint for a tinyhald
// instance: per-device activation counts, per-stream reference
// counts, and the count of controls the binder has never resolved.
// It exposes the same information as a Prometheus-compatible
// /metrics endpoint for fleet monitoring.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// DeviceInfo describes one device's current activation state.
type DeviceInfo struct {
	Name     string `json:"name"`
	UseCount int    `json:"use_count"`
}

// StreamInfo describes one stream's current routing state.
type StreamInfo struct {
	Name           string `json:"name,omitempty"`
	RefCount       int    `json:"ref_count"`
	MaxRefCount    int    `json:"max_ref_count"`
	CurrentDevices uint32 `json:"current_devices"`
}

// Status is the live snapshot a StatusProvider supplies.
type Status struct {
	Devices            []DeviceInfo `json:"devices"`
	Streams            []StreamInfo `json:"streams"`
	UnresolvedControls int          `json:"unresolved_controls"`
}

// StatusProvider returns the current state of a loaded ConfigMgr. The
// reference daemon implements this over internal/model, internal/cm.
type StatusProvider interface {
	Status() Status
}

// Response is the JSON body returned by /healthz.
type Response struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Detail    Status    `json:"detail"`
}

// Handler serves /healthz, /status, and /metrics.
type Handler struct {
	provider StatusProvider
}

// NewHandler creates a status HTTP handler over provider.
func NewHandler(provider StatusProvider) *Handler {
	return &Handler{provider: provider}
}

// ServeHTTP implements http.Handler, routing to /metrics, /status, and
// /healthz (the default).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/metrics":
		h.serveMetrics(w, r)
	case "/status":
		h.serveStatus(w, r)
	default:
		h.serveHealth(w, r)
	}
}

func (h *Handler) snapshot() Status {
	if h.provider == nil {
		return Status{}
	}
	return h.provider.Status()
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	status := h.snapshot()
	resp := Response{Timestamp: time.Now(), Detail: status}

	if h.provider == nil {
		resp.Status = "unconfigured"
	} else if status.UnresolvedControls > 0 {
		resp.Status = "degraded"
	} else {
		resp.Status = "healthy"
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Handler) serveStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(h.snapshot())
}

// serveMetrics writes a minimal Prometheus text-format response
// without any external dependency — no prometheus/client_golang
// import required.
func (h *Handler) serveMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	status := h.snapshot()
	var sb strings.Builder

	if len(status.Devices) > 0 {
		fmt.Fprintln(&sb, "# HELP tinyhal_device_use_count Current reference count of a device's on/off path.")
		fmt.Fprintln(&sb, "# TYPE tinyhal_device_use_count gauge")
		for _, d := range status.Devices {
			fmt.Fprintf(&sb, "tinyhal_device_use_count{device=%q} %d\n", d.Name, d.UseCount)
		}
	}

	if len(status.Streams) > 0 {
		fmt.Fprintln(&sb, "# HELP tinyhal_stream_ref_count Current reference count of a stream.")
		fmt.Fprintln(&sb, "# TYPE tinyhal_stream_ref_count gauge")
		for _, s := range status.Streams {
			name := s.Name
			if name == "" {
				name = "-"
			}
			fmt.Fprintf(&sb, "tinyhal_stream_ref_count{stream=%q} %d\n", name, s.RefCount)
		}
	}

	fmt.Fprintln(&sb, "# HELP tinyhal_unresolved_controls Controls never successfully bound to a mixer handle.")
	fmt.Fprintln(&sb, "# TYPE tinyhal_unresolved_controls gauge")
	fmt.Fprintf(&sb, "tinyhal_unresolved_controls %d\n", status.UnresolvedControls)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}

// ListenAndServe starts the status HTTP server on addr, shutting down
// gracefully when ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	return ListenAndServeReady(ctx, addr, handler, nil)
}

// ListenAndServeReady starts the status HTTP server and closes ready
// once the listener is bound, so a caller can detect a bind failure
// (e.g. port already in use) before treating startup as complete.
func ListenAndServeReady(ctx context.Context, addr string, handler http.Handler, ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	if ready != nil {
		close(ready)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	return <-errCh
}
