// SPDX-License-Identifier: MIT

// Package cm is the top-level Configuration Manager facade: it owns
// the load lifecycle (open the mixer, parse the XML, bind controls)
// and exposes every routing operation behind one mutex, so no two
// calls run concurrently except init/free, which are exclusive of
// everything.
package cm

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/CirrusLogic/tinyhal-sub001/internal/binder"
	"github.com/CirrusLogic/tinyhal-sub001/internal/health"
	"github.com/CirrusLogic/tinyhal-sub001/internal/mixer"
	"github.com/CirrusLogic/tinyhal-sub001/internal/model"
	"github.com/CirrusLogic/tinyhal-sub001/internal/routing"
	"github.com/CirrusLogic/tinyhal-sub001/internal/xmlload"
)

// Manager is the single entry point the HAL shim (or a CLI driving a
// live mixer) talks to. A nil *Manager, returned by a failed Init, is
// the null manager returned for boot failures.
type Manager struct {
	mu sync.Mutex

	cm     *model.ConfigMgr
	engine *routing.Engine
	mixer  mixer.Mixer
	log    *slog.Logger
}

// Init opens doc via src/probes/opener under the given rescan policy
// and returns a ready Manager, or an error if the document fails to
// parse or the mixer cannot be opened: failure to open the file, or
// any parse error, surfaces as a null manager.
func Init(src xmlload.DocumentSource, probes xmlload.ProbeSource, doc string, opener mixer.Opener, policy xmlload.RescanPolicy, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}

	res, err := xmlload.Load(src, probes, doc, opener, policy, log)
	if err != nil {
		return nil, fmt.Errorf("cm: init: %w", err)
	}

	b := binder.New(res.Mixer, policy, log)
	engine := routing.New(res.ConfigMgr, b, log)

	return &Manager{
		cm:     res.ConfigMgr,
		engine: engine,
		mixer:  res.Mixer,
		log:    log,
	}, nil
}

// Close releases the underlying mixer. Not concurrent with any other
// Manager call.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mixer == nil {
		return nil
	}
	err := m.mixer.Close()
	m.mixer = nil
	return err
}

// GetSupportedOutputDevices returns the OR of every output device's
// bitflag.
func (m *Manager) GetSupportedOutputDevices() model.DeviceType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cm.OutputDeviceFlags()
}

// GetSupportedInputDevices returns the OR of every input device's
// bitflag.
func (m *Manager) GetSupportedInputDevices() model.DeviceType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cm.InputDeviceFlags()
}

// GetStream matches an unnamed capability stream, incrementing its
// reference count.
func (m *Manager) GetStream(devicesBits model.DeviceType, isLinearPCM bool) (*model.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine.GetStream(devicesBits, isLinearPCM)
}

// GetNamedStream matches a stream by its declared name.
func (m *Manager) GetNamedStream(name string) (*model.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine.GetNamedStream(name)
}

// ReleaseStream decrements s's reference count, tearing the device(s)
// it left down to off if this was the last reference.
func (m *Manager) ReleaseStream(s *model.Stream) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine.ReleaseStream(s)
}

// ApplyRoute moves s onto newDevices.
func (m *Manager) ApplyRoute(s *model.Stream, newDevices model.DeviceType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine.ApplyRoute(s, newDevices)
}

// ApplyUseCase dispatches a named use-case/case control list on s.
func (m *Manager) ApplyUseCase(s *model.Stream, usecaseName, caseName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine.ApplyUseCase(s, usecaseName, caseName)
}

// SetHWVolume writes s's declared volume control(s).
func (m *Manager) SetHWVolume(s *model.Stream, leftPct, rightPct int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine.SetHWVolume(s, leftPct, rightPct)
}

// RescanUnresolved asks the binder to retry every still-unresolved
// control, rescanning the mixer per the loader's rescan policy. It
// returns the number of controls that remain unresolved. The daemon's
// hotplug loop calls this periodically so a control that only appears
// after a codec/card hot-plug eventually resolves without waiting for
// the next apply.
func (m *Manager) RescanUnresolved() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine.RescanUnresolved()
}

// ConfigMgr exposes the underlying read-mostly model for callers that
// need to enumerate devices/streams directly (the inspector, the
// diagnostics runner). Structural fields never change after load; only
// UseCount/RefCount/CurrentDevices do, and only under m.mu.
func (m *Manager) ConfigMgr() *model.ConfigMgr {
	return m.cm
}

// Status implements health.StatusProvider: a point-in-time snapshot of
// every device's use count, every stream's reference count, and how
// many controls have never successfully bound to a mixer handle.
func (m *Manager) Status() health.Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	var status health.Status
	for _, d := range m.cm.OrderedDevices() {
		status.Devices = append(status.Devices, health.DeviceInfo{Name: d.Name, UseCount: d.UseCount})
	}
	for _, s := range m.cm.Streams {
		status.Streams = append(status.Streams, health.StreamInfo{
			Name:           s.Name,
			RefCount:       s.RefCount,
			MaxRefCount:    s.MaxRefCount,
			CurrentDevices: uint32(s.CurrentDevices),
		})
	}
	status.UnresolvedControls = countUnresolved(m.cm)
	return status
}

func countUnresolved(cm *model.ConfigMgr) int {
	n := 0
	count := func(ctls []model.Control) {
		for _, c := range ctls {
			if c.Handle == model.UnresolvedHandle {
				n++
			}
		}
	}

	for _, d := range cm.OrderedDevices() {
		for _, p := range d.Paths {
			count(p.Controls)
		}
	}
	for _, s := range cm.Streams {
		for _, uc := range s.UseCases {
			for _, c := range uc.Cases {
				count(c.Controls)
			}
		}
		if s.LeftVol != nil && s.LeftVol.Control.Handle == model.UnresolvedHandle {
			n++
		}
		if s.RightVol != nil && s.RightVol.Control.Handle == model.UnresolvedHandle {
			n++
		}
	}
	count(cm.InitControls)
	return n
}
