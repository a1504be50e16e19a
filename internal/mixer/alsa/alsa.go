// SPDX-License-Identifier: MIT

//go:build linux

// Package alsa adapts github.com/gen2brain/alsa's pure-Go ALSA control
// API to the mixer.Mixer/mixer.Opener interfaces TinyHAL depends on.
// It is the one production mixer.Opener/mixer.Mixer implementation;
// every other package talks only to the mixer interface and is tested
// against internal/mixer/fake instead.
package alsa

import (
	"fmt"

	libalsa "github.com/gen2brain/alsa"

	"github.com/CirrusLogic/tinyhal-sub001/internal/cardscan"
	"github.com/CirrusLogic/tinyhal-sub001/internal/mixer"
)

// Mixer wraps one open ALSA card's control interface.
type Mixer struct {
	card int
	m    *libalsa.Mixer
	byID []libalsa.Control
}

// Opener opens cards either directly by number or by scanning
// /proc/asound for a matching id, for resolving a <mixer name=.../>
// declaration.
type Opener struct {
	// ProcRoot overrides the /proc/asound root, for test harnesses
	// that stage fake procfs trees; empty means cardscan.DefaultRoot.
	ProcRoot string
}

func (o Opener) procRoot() string {
	if o.ProcRoot != "" {
		return o.ProcRoot
	}
	return cardscan.DefaultRoot
}

// OpenByNumber opens the ALSA control device for the given card.
func (o Opener) OpenByNumber(card int) (mixer.Mixer, error) {
	m := libalsa.NewMixer()
	ctls, err := m.ListControls(uint(card))
	if err != nil {
		return nil, fmt.Errorf("mixer/alsa: open card %d: %w", card, err)
	}
	return &Mixer{card: card, m: m, byID: ctls}, nil
}

// OpenByName scans /proc/asound for a card whose id file matches name
// and opens it.
func (o Opener) OpenByName(name string) (mixer.Mixer, error) {
	num, err := cardscan.ByName(o.procRoot(), name)
	if err != nil {
		return nil, fmt.Errorf("mixer/alsa: resolve name %q: %w", name, err)
	}
	return o.OpenByNumber(num)
}

func (m *Mixer) CardNumber() int { return m.card }

func (m *Mixer) controlIndex(name string) (int, *libalsa.Control, error) {
	for i := range m.byID {
		if m.byID[i].Name == name {
			return i, &m.byID[i], nil
		}
	}
	return 0, nil, fmt.Errorf("%w: %q", mixer.ErrControlNotFound, name)
}

func (m *Mixer) ControlByName(name string) (mixer.Handle, error) {
	i, _, err := m.controlIndex(name)
	if err != nil {
		return 0, err
	}
	return mixer.Handle(i), nil
}

func (m *Mixer) ControlByID(h mixer.Handle) error {
	if int(h) < 0 || int(h) >= len(m.byID) {
		return mixer.ErrControlNotFound
	}
	return nil
}

func (m *Mixer) ctl(h mixer.Handle) (*libalsa.Control, error) {
	if int(h) < 0 || int(h) >= len(m.byID) {
		return nil, mixer.ErrControlNotFound
	}
	return &m.byID[h], nil
}

func (m *Mixer) Type(h mixer.Handle) (mixer.ControlType, error) {
	c, err := m.ctl(h)
	if err != nil {
		return mixer.TypeUnknown, err
	}
	switch c.Type {
	case libalsa.ControlTypeBoolean:
		return mixer.TypeBool, nil
	case libalsa.ControlTypeInteger:
		return mixer.TypeInt, nil
	case libalsa.ControlTypeEnumerated:
		return mixer.TypeEnum, nil
	case libalsa.ControlTypeBytes:
		return mixer.TypeByte, nil
	default:
		return mixer.TypeUnknown, fmt.Errorf("mixer/alsa: unsupported control type %v for %q", c.Type, c.Name)
	}
}

func (m *Mixer) NumValues(h mixer.Handle) (int, error) {
	c, err := m.ctl(h)
	if err != nil {
		return 0, err
	}
	if c.Count <= 0 {
		return 1, nil
	}
	return c.Count, nil
}

func (m *Mixer) Range(h mixer.Handle) (int, int, error) {
	c, err := m.ctl(h)
	if err != nil {
		return 0, 0, err
	}
	return c.Min, c.Max, nil
}

func (m *Mixer) GetArray(h mixer.Handle) ([]byte, error) {
	c, err := m.ctl(h)
	if err != nil {
		return nil, err
	}
	b, err := m.m.GetBytes(uint(m.card), c.Name)
	if err != nil {
		return nil, fmt.Errorf("mixer/alsa: get array %q: %w", c.Name, err)
	}
	return b, nil
}

func (m *Mixer) SetValue(h mixer.Handle, index int, value uint64) error {
	c, err := m.ctl(h)
	if err != nil {
		return err
	}
	n, _ := m.NumValues(h)
	values := make([]int, n)
	if index < 0 {
		for i := range values {
			values[i] = int(value)
		}
	} else {
		current, gerr := m.m.GetInt(uint(m.card), c.Name)
		if gerr == nil && len(current) == n {
			copy(values, current)
		}
		if index >= n {
			return fmt.Errorf("mixer/alsa: index %d out of range for %q (%d values)", index, c.Name, n)
		}
		values[index] = int(value)
	}
	if err := m.m.SetVolume(uint(m.card), c.Name, values); err != nil {
		return fmt.Errorf("mixer/alsa: set %q: %w", c.Name, err)
	}
	return nil
}

func (m *Mixer) SetArray(h mixer.Handle, values []byte) error {
	c, err := m.ctl(h)
	if err != nil {
		return err
	}
	if err := m.m.SetBytes(uint(m.card), c.Name, values); err != nil {
		return fmt.Errorf("mixer/alsa: set array %q: %w", c.Name, err)
	}
	return nil
}

func (m *Mixer) SetEnum(h mixer.Handle, value string) error {
	c, err := m.ctl(h)
	if err != nil {
		return err
	}
	if err := m.m.SetEnum(uint(m.card), c.Name, value); err != nil {
		return fmt.Errorf("mixer/alsa: set enum %q=%q: %w", c.Name, value, err)
	}
	return nil
}

// Rescan re-lists the card's controls, picking up anything added
// since Open (e.g. a USB codec's controls appearing after hotplug).
func (m *Mixer) Rescan() error {
	ctls, err := m.m.ListControls(uint(m.card))
	if err != nil {
		return fmt.Errorf("mixer/alsa: rescan card %d: %w", m.card, err)
	}
	m.byID = ctls
	return nil
}

func (m *Mixer) Close() error {
	if closer, ok := interface{}(m.m).(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
