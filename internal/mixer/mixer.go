// SPDX-License-Identifier: MIT

// Package mixer defines the capability TinyHAL requires of the
// underlying mixer driver: open a card by number or by name, look up
// controls, and read/write their values. This is the external
// collaborator TinyHAL's configuration manager depends only on — it
// never talks to ALSA directly; internal/mixer/alsa provides the one production
// adapter (Linux, over github.com/gen2brain/alsa), and every test in
// this module drives an in-memory fake that implements the same
// interface.
package mixer

import "fmt"

// ControlType is the mixer-reported shape of a control's value,
// resolved only once the control is found by name.
type ControlType int

const (
	TypeUnknown ControlType = iota
	TypeBool
	TypeInt
	TypeEnum
	TypeByte
)

func (t ControlType) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeInt:
		return "int"
	case TypeEnum:
		return "enum"
	case TypeByte:
		return "byte"
	default:
		return "unknown"
	}
}

// Handle identifies a control on an open Mixer. It is only meaningful
// to the Mixer that issued it.
type Handle int

// ErrControlNotFound is returned by ControlByName/ControlByID when no
// such control exists on the mixer.
var ErrControlNotFound = fmt.Errorf("mixer: control not found")

// Mixer is one open ALSA-style mixer card.
type Mixer interface {
	// CardNumber returns the ALSA card number this Mixer was opened
	// against.
	CardNumber() int

	// ControlByName resolves a control by its mixer-side name. Returns
	// ErrControlNotFound if no such control currently exists.
	ControlByName(name string) (Handle, error)

	// ControlByID re-resolves a previously obtained handle, reporting
	// ErrControlNotFound if it no longer names a control.
	ControlByID(h Handle) error

	// Type returns the control's value type.
	Type(h Handle) (ControlType, error)

	// NumValues returns how many values the control holds (1 for a
	// scalar bool/int/enum control, the array length for a byte
	// control).
	NumValues(h Handle) (int, error)

	// Range returns the control's reported [min, max] for int
	// controls, used by the loader as the default min/max of a volume
	// control that set_hw_volume scales its percentage into.
	Range(h Handle) (min, max int, err error)

	// GetArray reads every value currently held by a byte-type
	// control, used to splice an indexed partial write into the full
	// array before writing it back.
	GetArray(h Handle) ([]byte, error)

	// SetValue writes a single bool/int value at the given index. An
	// index of model.UnsetIndex means "every value".
	SetValue(h Handle, index int, value uint64) error

	// SetArray writes the full byte array for a byte-type control.
	SetArray(h Handle, values []byte) error

	// SetEnum writes an enum control by its string literal.
	SetEnum(h Handle, value string) error

	// Rescan asks the driver to pick up controls added since Open
	// (e.g. after a USB codec hot-plug), used by the binder's lazy
	// rebind path.
	Rescan() error

	// Close releases the underlying card handle.
	Close() error
}

// Opener opens a Mixer either by ALSA card number or by scanning for a
// card whose `/proc/asound/cardN/id` equals name, for resolving a
// <mixer name=.../> declaration.
type Opener interface {
	OpenByNumber(card int) (Mixer, error)
	OpenByName(name string) (Mixer, error)
}
