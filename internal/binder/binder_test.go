package binder

import (
	"testing"

	"github.com/CirrusLogic/tinyhal-sub001/internal/mixer"
	"github.com/CirrusLogic/tinyhal-sub001/internal/mixer/fake"
	"github.com/CirrusLogic/tinyhal-sub001/internal/model"
)

func newControl(name, raw string) *model.Control {
	return &model.Control{Name: name, Raw: raw, Index: model.UnsetIndex, Handle: model.UnresolvedHandle}
}

func TestBindBoolControl(t *testing.T) {
	m := fake.New(0, fake.Control{Name: "SPK_EN", Type: mixer.TypeBool, NumVals: 1})
	b := New(m, RescanNever, nil)

	c := newControl("SPK_EN", "1")
	if err := b.Bind(c); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if c.Kind != model.ValueUint || c.UInt != 1 {
		t.Fatalf("control = %+v", c)
	}

	if err := b.Apply(c); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if names := m.WriteNames(); len(names) != 1 || names[0] != "SPK_EN" {
		t.Fatalf("writes = %v", names)
	}
}

func TestBindHexValue(t *testing.T) {
	m := fake.New(0, fake.Control{Name: "GAIN", Type: mixer.TypeInt, NumVals: 1, Min: 0, Max: 255})
	b := New(m, RescanNever, nil)

	c := newControl("GAIN", "0x1F")
	if err := b.Bind(c); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if c.UInt != 0x1F {
		t.Fatalf("UInt = %d, want 31", c.UInt)
	}
}

func TestBindUnresolvedThenRescan(t *testing.T) {
	m := fake.New(0)
	m.AddOnRescan(fake.Control{Name: "HOTPLUG_SW", Type: mixer.TypeBool})
	b := New(m, RescanAlways, nil)

	c := newControl("HOTPLUG_SW", "1")
	if err := b.Bind(c); err != nil {
		t.Fatalf("Bind after rescan: %v", err)
	}
	if c.Handle == model.UnresolvedHandle {
		t.Fatal("control should be bound after rescan")
	}
}

func TestBindNotFoundLeavesUnresolved(t *testing.T) {
	m := fake.New(0)
	b := New(m, RescanNever, nil)

	c := newControl("MISSING", "1")
	if err := b.Bind(c); err == nil {
		t.Fatal("expected error for missing control")
	}
	if c.Handle != model.UnresolvedHandle {
		t.Fatal("control should remain unresolved")
	}
}

func TestBindByteArraySplice(t *testing.T) {
	m := fake.New(0, fake.Control{Name: "FW_PATCH", Type: mixer.TypeByte, NumVals: 16})
	b := New(m, RescanNever, nil)

	full := newControl("FW_PATCH", "")
	full.Raw = byteLiteral(16)
	full.Index = 0
	if err := b.Bind(full); err != nil {
		t.Fatalf("Bind full: %v", err)
	}
	if err := b.Apply(full); err != nil {
		t.Fatalf("Apply full: %v", err)
	}

	spliced := &model.Control{Name: "FW_PATCH", Raw: "0x10,0x20,0x30,0x40", Index: 4, Handle: model.UnresolvedHandle}
	if err := b.Bind(spliced); err != nil {
		t.Fatalf("Bind splice: %v", err)
	}
	if err := b.Apply(spliced); err != nil {
		t.Fatalf("Apply splice: %v", err)
	}

	got, _ := m.GetArray(mustHandle(t, m, "FW_PATCH"))
	want := []byte{16, 32, 48, 64}
	for i, b := range want {
		if got[4+i] != b {
			t.Fatalf("GetArray()[%d] = %d, want %d (got %v)", 4+i, got[4+i], b, got)
		}
	}
}

func TestBindByteArrayOverflow(t *testing.T) {
	m := fake.New(0, fake.Control{Name: "SMALL", Type: mixer.TypeByte, NumVals: 2})
	b := New(m, RescanNever, nil)

	c := &model.Control{Name: "SMALL", Raw: "1,2,3", Index: 0, Handle: model.UnresolvedHandle}
	if err := b.Bind(c); err == nil {
		t.Fatal("expected overflow error")
	}
}

func byteLiteral(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ","
		}
		s += "0"
	}
	return s
}

func mustHandle(t *testing.T, m *fake.Mixer, name string) mixer.Handle {
	t.Helper()
	h, err := m.ControlByName(name)
	if err != nil {
		t.Fatalf("ControlByName(%q): %v", name, err)
	}
	return h
}
