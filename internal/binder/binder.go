// SPDX-License-Identifier: MIT

// Package binder implements TinyHAL's two-phase control resolution:
// a Control record is bound from its configured name to a
// live mixer handle either eagerly at load or lazily on first apply,
// and a value-string is converted into the mixer-typed shape exactly
// once.
package binder

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/CirrusLogic/tinyhal-sub001/internal/mixer"
	"github.com/CirrusLogic/tinyhal-sub001/internal/model"
)

// RescanPolicy governs how often Bind asks the mixer to rescan for
// controls added since Open, a knob left unspecified by lazy rebind's
// "optionally asking the mixer to rescan".
type RescanPolicy int

const (
	// RescanAlways rescans on every failed lookup. Correct but can be
	// expensive if many controls are simultaneously unresolved.
	RescanAlways RescanPolicy = iota
	// RescanOncePerApply rescans at most once between BeginApply calls
	// (one routing operation), regardless of how many controls within
	// it are unresolved.
	RescanOncePerApply
	// RescanNever never asks the mixer to rescan; only controls
	// present at Mixer-open time can ever resolve.
	RescanNever
)

// Binder resolves Control records against one open mixer.Mixer.
type Binder struct {
	m      mixer.Mixer
	policy RescanPolicy
	log    *slog.Logger

	rescannedThisApply bool

	// rejected holds controls whose value-string failed conversion,
	// with the error Bind returned for them.
	rejected map[*model.Control]error
}

// New creates a Binder for the given mixer under the given rescan
// policy. A nil logger uses slog.Default().
func New(m mixer.Mixer, policy RescanPolicy, log *slog.Logger) *Binder {
	if log == nil {
		log = slog.Default()
	}
	return &Binder{m: m, policy: policy, log: log}
}

// BeginApply resets the per-apply rescan-once bookkeeping. Callers
// invoke this once per routing operation (get_stream, apply_route,
// apply_use_case and the like).
func (b *Binder) BeginApply() {
	b.rescannedThisApply = false
}

// Bind resolves c against the mixer if it isn't already bound.
// Idempotent: a control whose Kind is already set (not ValueUnset) and
// whose Handle is not model.UnresolvedHandle is returned unchanged.
//
// On a lookup failure this rescans according to policy and retries
// once; on continued failure it returns mixer.ErrControlNotFound and
// leaves c untouched so the caller can skip it and continue.
//
// A value-string conversion failure is permanent: the binder records
// the control as rejected (Kind left ValueUnset, Handle left
// unresolved) and every later Bind of it returns the same error
// without another lookup or conversion.
func (b *Binder) Bind(c *model.Control) error {
	if c.Handle != model.UnresolvedHandle {
		return nil
	}
	if err, ok := b.rejected[c]; ok {
		return err
	}

	h, err := b.lookupWithRescan(c.Name)
	if err != nil {
		return err
	}

	typ, err := b.m.Type(h)
	if err != nil {
		return fmt.Errorf("binder: type of %q: %w", c.Name, err)
	}

	n, err := b.m.NumValues(h)
	if err != nil {
		return fmt.Errorf("binder: num-values of %q: %w", c.Name, err)
	}

	if err := convertValue(c, typ, n); err != nil {
		b.log.Warn("control value rejected permanently", "control", c.Name, "error", err)
		err = fmt.Errorf("binder: convert %q: %w", c.Name, err)
		if b.rejected == nil {
			b.rejected = make(map[*model.Control]error)
		}
		b.rejected[c] = err
		return err
	}

	c.Handle = int(h)
	return nil
}

func (b *Binder) lookupWithRescan(name string) (mixer.Handle, error) {
	h, err := b.m.ControlByName(name)
	if err == nil {
		return h, nil
	}

	switch b.policy {
	case RescanNever:
		return 0, err
	case RescanOncePerApply:
		if b.rescannedThisApply {
			return 0, err
		}
		b.rescannedThisApply = true
	}

	if rerr := b.m.Rescan(); rerr != nil {
		b.log.Warn("mixer rescan failed", "error", rerr)
		return 0, err
	}
	return b.m.ControlByName(name)
}

// convertValue converts c.Raw into the typed shape matching typ,
// exactly once, mutating c in place.
func convertValue(c *model.Control, typ mixer.ControlType, numValues int) error {
	switch typ {
	case mixer.TypeBool, mixer.TypeInt:
		v, err := parseUint(c.Raw)
		if err != nil {
			return fmt.Errorf("not a valid integer: %q", c.Raw)
		}
		c.Kind = model.ValueUint
		c.UInt = v
		return nil

	case mixer.TypeEnum:
		c.Kind = model.ValueEnum
		c.Enum = c.Raw
		return nil

	case mixer.TypeByte:
		bytes, err := parseByteList(c.Raw)
		if err != nil {
			return err
		}
		idx := c.Index
		if idx == model.UnsetIndex {
			idx = 0
		}
		if idx+len(bytes) > numValues {
			return fmt.Errorf("byte array overflow: index %d + length %d > %d values", idx, len(bytes), numValues)
		}
		if len(bytes) > model.MaxByteValueLength {
			return fmt.Errorf("byte array too long: %d > %d", len(bytes), model.MaxByteValueLength)
		}
		c.Kind = model.ValueBytes
		c.Bytes = bytes
		return nil

	default:
		return fmt.Errorf("unsupported control type %v", typ)
	}
}

func parseUint(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

func parseByteList(s string) ([]byte, error) {
	parts := strings.Split(s, ",")
	out := make([]byte, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := parseUint(p)
		if err != nil {
			return nil, fmt.Errorf("invalid byte literal %q: %w", p, err)
		}
		if v > 255 {
			return nil, fmt.Errorf("byte literal %q out of range 0..255", p)
		}
		out = append(out, byte(v))
	}
	return out, nil
}

// Apply performs the splice-and-write sequence for one bound control:
// bool/int controls write a single value at c.Index (model.UnsetIndex
// writes every value); byte controls read the full array, splice the
// configured bytes at c.Index, and write the array back;
// enum controls write the literal directly.
func (b *Binder) Apply(c *model.Control) error {
	if c.Handle == model.UnresolvedHandle {
		return fmt.Errorf("%w: %q", mixer.ErrControlNotFound, c.Name)
	}
	h := mixer.Handle(c.Handle)

	switch c.Kind {
	case model.ValueUint:
		return b.m.SetValue(h, c.Index, c.UInt)

	case model.ValueEnum:
		return b.m.SetEnum(h, c.Enum)

	case model.ValueBytes:
		current, err := b.m.GetArray(h)
		if err != nil {
			return fmt.Errorf("binder: get-array %q: %w", c.Name, err)
		}
		idx := c.Index
		if idx == model.UnsetIndex {
			idx = 0
		}
		if idx+len(c.Bytes) > len(current) {
			return fmt.Errorf("binder: splice overflow for %q: index %d + length %d > %d", c.Name, idx, len(c.Bytes), len(current))
		}
		spliced := make([]byte, len(current))
		copy(spliced, current)
		copy(spliced[idx:], c.Bytes)
		return b.m.SetArray(h, spliced)

	default:
		return fmt.Errorf("binder: control %q has no bound value", c.Name)
	}
}
