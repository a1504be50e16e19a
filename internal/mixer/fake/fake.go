// SPDX-License-Identifier: MIT

// Package fake provides a deterministic, in-memory mixer.Mixer used by
// every test in this module in place of real ALSA hardware — the same
// role a mocked filesystem plays for config-loading code, but for the
// mixer capability boundary instead of the filesystem.
package fake

import (
	"fmt"
	"sync"

	"github.com/CirrusLogic/tinyhal-sub001/internal/mixer"
)

// Control is a canned control definition installed on a Mixer before
// the test begins exercising TinyHAL against it.
type Control struct {
	Name     string
	Type     mixer.ControlType
	NumVals  int
	Min, Max int
	Enum     []string // valid enum literals, for SetEnum validation
}

// Mixer is a fake mixer.Mixer that records every write it receives so
// tests can assert on the exact mixer-write sequence.
type Mixer struct {
	mu    sync.Mutex
	card  int
	ctls  []Control
	byID  map[mixer.Handle]*Control
	byKey map[string]mixer.Handle

	values map[mixer.Handle][]uint64
	bytes  map[mixer.Handle][]byte

	// Writes accumulates a log of every Set* call, in call order, for
	// assertions like "SPK_EN=1 is written exactly once".
	Writes []Write

	rescanCount int
	// pendingRescan are controls added only once Rescan is called,
	// modelling a control that newly appears after a hot-plug.
	pendingRescan []Control

	closed bool
}

// Write is one recorded mixer write.
type Write struct {
	Control string
	Index   int    // model.UnsetIndex ("all") represented as -1
	UInt    uint64 // for bool/int
	Enum    string // for enum
	Bytes   []byte // for byte (full array after the write)
}

// New creates a fake Mixer for the given card, pre-populated with ctls.
func New(card int, ctls ...Control) *Mixer {
	m := &Mixer{
		card:   card,
		byID:   make(map[mixer.Handle]*Control),
		byKey:  make(map[string]mixer.Handle),
		values: make(map[mixer.Handle][]uint64),
		bytes:  make(map[mixer.Handle][]byte),
	}
	for _, c := range ctls {
		m.install(c)
	}
	return m
}

// AddOnRescan registers a control that only becomes visible once
// Rescan is called, simulating a dynamically-added control.
func (m *Mixer) AddOnRescan(c Control) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingRescan = append(m.pendingRescan, c)
}

func (m *Mixer) install(c Control) mixer.Handle {
	h := mixer.Handle(len(m.ctls))
	m.ctls = append(m.ctls, c)
	cp := &m.ctls[len(m.ctls)-1]
	m.byID[h] = cp
	m.byKey[c.Name] = h
	n := c.NumVals
	if n <= 0 {
		n = 1
	}
	m.values[h] = make([]uint64, n)
	if c.Type == mixer.TypeByte {
		m.bytes[h] = make([]byte, n)
	}
	return h
}

func (m *Mixer) CardNumber() int { return m.card }

func (m *Mixer) ControlByName(name string) (mixer.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.byKey[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", mixer.ErrControlNotFound, name)
	}
	return h, nil
}

func (m *Mixer) ControlByID(h mixer.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[h]; !ok {
		return mixer.ErrControlNotFound
	}
	return nil
}

func (m *Mixer) Type(h mixer.Handle) (mixer.ControlType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[h]
	if !ok {
		return mixer.TypeUnknown, mixer.ErrControlNotFound
	}
	return c.Type, nil
}

func (m *Mixer) NumValues(h mixer.Handle) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[h]
	if !ok {
		return 0, mixer.ErrControlNotFound
	}
	n := c.NumVals
	if n <= 0 {
		n = 1
	}
	return n, nil
}

func (m *Mixer) Range(h mixer.Handle) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[h]
	if !ok {
		return 0, 0, mixer.ErrControlNotFound
	}
	return c.Min, c.Max, nil
}

func (m *Mixer) GetArray(h mixer.Handle) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bytes[h]
	if !ok {
		return nil, mixer.ErrControlNotFound
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (m *Mixer) SetValue(h mixer.Handle, index int, value uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[h]
	if !ok {
		return mixer.ErrControlNotFound
	}
	vals := m.values[h]
	if index < 0 {
		for i := range vals {
			vals[i] = value
		}
	} else {
		if index >= len(vals) {
			return fmt.Errorf("mixer/fake: index %d out of range for %q (%d values)", index, c.Name, len(vals))
		}
		vals[index] = value
	}
	m.Writes = append(m.Writes, Write{Control: c.Name, Index: index, UInt: value})
	return nil
}

func (m *Mixer) SetArray(h mixer.Handle, values []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[h]
	if !ok {
		return mixer.ErrControlNotFound
	}
	buf := m.bytes[h]
	if len(values) != len(buf) {
		return fmt.Errorf("mixer/fake: SetArray length %d != control length %d for %q", len(values), len(buf), c.Name)
	}
	copy(buf, values)
	out := make([]byte, len(buf))
	copy(out, buf)
	m.Writes = append(m.Writes, Write{Control: c.Name, Index: -1, Bytes: out})
	return nil
}

func (m *Mixer) SetEnum(h mixer.Handle, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[h]
	if !ok {
		return mixer.ErrControlNotFound
	}
	if len(c.Enum) > 0 {
		found := false
		for _, e := range c.Enum {
			if e == value {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("mixer/fake: %q is not a valid enum literal for %q", value, c.Name)
		}
	}
	m.Writes = append(m.Writes, Write{Control: c.Name, Index: -1, Enum: value})
	return nil
}

func (m *Mixer) Rescan() error {
	m.mu.Lock()
	m.rescanCount++
	pending := m.pendingRescan
	m.pendingRescan = nil
	for _, c := range pending {
		m.install(c)
	}
	m.mu.Unlock()
	return nil
}

func (m *Mixer) RescanCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rescanCount
}

func (m *Mixer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Mixer) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// WriteNames returns the Control field of every recorded write, in
// order, the shape most tests assert against.
func (m *Mixer) WriteNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.Writes))
	for i, w := range m.Writes {
		names[i] = w.Control
	}
	return names
}

// Opener is a fake mixer.Opener backed by a fixed set of named cards
// and, for OpenByName, a fixed id-file table standing in for
// /proc/asound/cardN/id.
type Opener struct {
	byNumber map[int]*Mixer
	idByName map[string]int
}

// NewOpener builds a fake Opener. cards maps card number to its
// pre-built fake Mixer; ids maps the text a real /proc/asound/cardN/id
// would contain to that same card number.
func NewOpener(cards map[int]*Mixer, ids map[string]int) *Opener {
	return &Opener{byNumber: cards, idByName: ids}
}

func (o *Opener) OpenByNumber(card int) (mixer.Mixer, error) {
	m, ok := o.byNumber[card]
	if !ok {
		return nil, fmt.Errorf("mixer/fake: no card %d", card)
	}
	return m, nil
}

func (o *Opener) OpenByName(name string) (mixer.Mixer, error) {
	card, ok := o.idByName[name]
	if !ok {
		return nil, fmt.Errorf("mixer/fake: no card named %q", name)
	}
	return o.OpenByNumber(card)
}
