// SPDX-License-Identifier: MIT

// Package routing implements TinyHAL's routing engine: the
// reference-counted device activation rules and the ordered
// mixer-control dispatch driven by stream lifecycle, device routing,
// and use-case invocation. A single Engine mutex guards every mutable
// field the engine touches.
package routing

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/CirrusLogic/tinyhal-sub001/internal/binder"
	"github.com/CirrusLogic/tinyhal-sub001/internal/model"
)

// Sentinel errors returned by the engine's entry points.
var (
	ErrDirectionMismatch = errors.New("routing: direction mismatch")
	ErrENOSYS            = errors.New("routing: not supported")
	ErrStreamSaturated   = errors.New("routing: no available stream")
)

// Engine applies the routing algorithms against one loaded, frozen
// model.ConfigMgr.
type Engine struct {
	mu     sync.Mutex
	cm     *model.ConfigMgr
	binder *binder.Binder
	log    *slog.Logger
}

// New constructs an Engine over an already-frozen ConfigMgr. b is the
// binder the loader bound every control against; it is reused here so
// lazy rebinds on apply share the same mixer handle and rescan policy.
func New(cm *model.ConfigMgr, b *binder.Binder, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{cm: cm, binder: b, log: log}
}

// streamTypeFor derives the unnamed-stream type get_stream searches
// for from a direction bit and "is linear PCM" flag.
func streamTypeFor(devicesBits model.DeviceType, isLinearPCM bool) model.StreamType {
	output := devicesBits&model.DirectionOutput != 0
	switch {
	case output && isLinearPCM:
		return model.StreamPCMOut
	case output && !isLinearPCM:
		return model.StreamCompressedOut
	case !output && isLinearPCM:
		return model.StreamPCMIn
	default:
		return model.StreamCompressedIn
	}
}

// GetStream searches the unnamed streams for one matching devicesBits'
// direction and isLinearPCM whose RefCount is below MaxRefCount,
// increments its RefCount, and — on first activation — applies
// (on, stream.EnablePathID) on the global device. Returns
// ErrStreamSaturated if none is available.
func (e *Engine) GetStream(devicesBits model.DeviceType, isLinearPCM bool) (*model.Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.beginApply()

	want := streamTypeFor(devicesBits, isLinearPCM)
	for _, s := range e.cm.Streams {
		if s.Name != "" || s.Type != want {
			continue
		}
		if s.RefCount >= s.MaxRefCount {
			continue
		}
		s.RefCount++
		if s.RefCount == 1 {
			if err := e.applyGlobal(model.PathOn, s.EnablePathID); err != nil {
				return nil, err
			}
		}
		return s, nil
	}
	return nil, ErrStreamSaturated
}

// GetNamedStream looks up a stream by name, matching any stream type
// including hw-* and global; this pool is disjoint from GetStream's
// unnamed pool.
func (e *Engine) GetNamedStream(name string) (*model.Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.beginApply()

	for _, s := range e.cm.Streams {
		if s.Name == name {
			if s.RefCount >= s.MaxRefCount && s.MaxRefCount > 0 {
				return nil, ErrStreamSaturated
			}
			s.RefCount++
			if s.RefCount == 1 {
				if err := e.applyGlobal(model.PathOn, s.EnablePathID); err != nil {
					return nil, err
				}
			}
			return s, nil
		}
	}
	return nil, ErrStreamSaturated
}

// ReleaseStream decrements s.RefCount. On reaching zero it applies
// (s.DisablePathID, off) on every device currently in
// s.CurrentDevices, then the same pair on the global device, and
// clears CurrentDevices.
func (e *Engine) ReleaseStream(s *model.Stream) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.beginApply()

	if s.RefCount > 0 {
		s.RefCount--
	}
	if s.RefCount != 0 {
		return nil
	}

	for _, d := range e.cm.OrderedDevices() {
		if s.CurrentDevices&d.Type == 0 {
			continue
		}
		if err := e.applyPaths(d, s.DisablePathID, model.PathOff); err != nil {
			return err
		}
	}
	if err := e.applyGlobal(s.DisablePathID, model.PathOff); err != nil {
		return err
	}
	s.CurrentDevices = 0
	return nil
}

// ApplyRoute moves s from its current device set to newDevices,
// disabling devices it leaves and enabling devices it gains, in
// device-table order, disable-side entirely before enable-side.
func (e *Engine) ApplyRoute(s *model.Stream, newDevices model.DeviceType) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.beginApply()

	if err := checkDirection(s, newDevices); err != nil {
		e.log.Warn("apply_route direction mismatch", "stream", s.Name)
		return err
	}

	disabling := s.CurrentDevices &^ newDevices
	enabling := newDevices &^ s.CurrentDevices

	for _, d := range e.cm.OrderedDevices() {
		if d.Type&disabling == 0 {
			continue
		}
		if err := e.applyPaths(d, s.DisablePathID, model.PathOff); err != nil {
			return err
		}
	}
	for _, d := range e.cm.OrderedDevices() {
		if d.Type&enabling == 0 {
			continue
		}
		if err := e.applyPaths(d, model.PathOn, s.EnablePathID); err != nil {
			return err
		}
	}

	s.CurrentDevices = newDevices
	return nil
}

func checkDirection(s *model.Stream, bits model.DeviceType) error {
	wantOutput := s.IsOutput()
	wantInput := s.IsInput()
	isOutputBits := bits&model.DirectionOutput != 0
	isInputBits := bits&model.DirectionInput != 0

	if isOutputBits && !wantOutput {
		return ErrDirectionMismatch
	}
	if isInputBits && !wantInput {
		return ErrDirectionMismatch
	}
	return nil
}

// ApplyUseCase dispatches usecaseName/caseName's control list against
// the mixer. Returns ErrENOSYS if either name is unknown.
func (e *Engine) ApplyUseCase(s *model.Stream, usecaseName, caseName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.beginApply()

	uc, ok := s.UseCases[usecaseName]
	if !ok {
		return ErrENOSYS
	}
	c, ok := uc.Cases[caseName]
	if !ok {
		return ErrENOSYS
	}
	return e.applyControls(c.Controls)
}

// SetHWVolume writes the stream's declared left/right volume
// controls, mapping a 0..100 percentage into each control's [min,max]
// range. If only one channel is
// declared, both percentages are averaged into it. Returns ErrENOSYS
// if the stream declares no volume control.
func (e *Engine) SetHWVolume(s *model.Stream, leftPct, rightPct int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.beginApply()

	if s.LeftVol == nil && s.RightVol == nil {
		return ErrENOSYS
	}

	if s.LeftVol != nil && s.RightVol != nil {
		if err := e.writeVolume(s.LeftVol, leftPct); err != nil {
			return err
		}
		return e.writeVolume(s.RightVol, rightPct)
	}

	avg := (leftPct + rightPct) / 2
	if s.LeftVol != nil {
		return e.writeVolume(s.LeftVol, avg)
	}
	return e.writeVolume(s.RightVol, avg)
}

func (e *Engine) writeVolume(vc *model.VolumeControl, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	value := vc.Min + pct*(vc.Max-vc.Min)/100
	if value < vc.Min {
		value = vc.Min
	}
	if value > vc.Max {
		value = vc.Max
	}
	c := vc.Control
	c.Kind = model.ValueUint
	c.UInt = uint64(value)
	return e.applyOne(&c)
}

// applyGlobal applies the path-application algorithm against the
// distinguished global device, used by get_stream/release_stream.
func (e *Engine) applyGlobal(first, second int) error {
	global, ok := e.cm.Devices["global"]
	if !ok {
		return nil
	}
	return e.applyPaths(global, first, second)
}

// applyPaths implements the path-application algorithm: look
// up first and second (either may be model.NonePath) on d, then apply
// whichever are found, in order first-then-second, each going through
// the reference-counted on/off wrapper.
func (e *Engine) applyPaths(d *model.Device, first, second int) error {
	var p1, p2 *model.Path
	if first != model.NonePath {
		p1 = d.PathByID(first)
	}
	if second != model.NonePath {
		if second == first {
			p2 = p1
		} else {
			p2 = d.PathByID(second)
		}
	}
	if p1 == nil && p2 == nil {
		return nil
	}
	if p1 != nil {
		if err := e.applyPath(d, p1); err != nil {
			return err
		}
	}
	if p2 != nil && p2 != p1 {
		if err := e.applyPath(d, p2); err != nil {
			return err
		}
	}
	return nil
}

// applyPath executes p's control list on device d, applying the
// reference-counted on/off wrapper: "on" runs its controls only on
// the transition from 0 to 1 active users; "off" only on the
// transition from 1 to 0. Every other path-id runs unconditionally.
func (e *Engine) applyPath(d *model.Device, p *model.Path) error {
	switch p.ID {
	case model.PathOn:
		d.UseCount++
		if d.UseCount != 1 {
			return nil
		}
	case model.PathOff:
		if d.UseCount > 0 {
			d.UseCount--
		}
		if d.UseCount != 0 {
			return nil
		}
	}
	return e.applyControls(p.Controls)
}

func (e *Engine) applyControls(ctls []model.Control) error {
	for i := range ctls {
		if err := e.applyOne(&ctls[i]); err != nil {
			return err
		}
	}
	return nil
}

// RescanUnresolved walks every control in the model and attempts to
// bind any still-unresolved one, asking the mixer to rescan for newly
// appeared controls per e's rescan policy. It returns the number that
// remain unresolved afterward. Intended for a periodic hotplug poll,
// not for the request path.
func (e *Engine) RescanUnresolved() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.beginApply()

	remaining := 0
	bind := func(c *model.Control) {
		if c.Handle != model.UnresolvedHandle {
			return
		}
		if err := e.binder.Bind(c); err != nil {
			remaining++
		}
	}
	bindAll := func(ctls []model.Control) {
		for i := range ctls {
			bind(&ctls[i])
		}
	}

	for _, d := range e.cm.OrderedDevices() {
		for _, p := range d.Paths {
			bindAll(p.Controls)
		}
	}
	for _, s := range e.cm.Streams {
		for _, uc := range s.UseCases {
			for _, c := range uc.Cases {
				bindAll(c.Controls)
			}
		}
		if s.LeftVol != nil {
			bind(&s.LeftVol.Control)
		}
		if s.RightVol != nil {
			bind(&s.RightVol.Control)
		}
	}
	bindAll(e.cm.InitControls)
	return remaining
}

// beginApply resets the binder's per-apply rescan-once bookkeeping.
// Called once at the top of each public entry point, before any
// control within that operation is bound — never per control, or
// RescanOncePerApply degrades into RescanAlways.
func (e *Engine) beginApply() {
	if e.binder != nil {
		e.binder.BeginApply()
	}
}

// applyOne lazily rebinds c if necessary, then applies it. A
// not-found control is logged and skipped, not propagated as a call
// failure.
func (e *Engine) applyOne(c *model.Control) error {
	if e.binder == nil {
		return nil
	}
	if c.Handle == model.UnresolvedHandle {
		if err := e.binder.Bind(c); err != nil {
			e.log.Warn("control unresolved at apply, skipping", "control", c.Name, "error", err)
			return nil
		}
	}
	if err := e.binder.Apply(c); err != nil {
		return fmt.Errorf("routing: apply %q: %w", c.Name, err)
	}
	return nil
}
