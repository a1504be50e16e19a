package model

import "testing"

func TestLookupDeviceType(t *testing.T) {
	tests := []struct {
		name string
		want DeviceType
		ok   bool
	}{
		{"global", DeviceGlobal, true},
		{"speaker", DirectionOutput | DeviceSpeaker, true},
		{"mic", DirectionInput | DeviceMic, true},
		{"back mic", DirectionInput | DeviceBackMic, true},
		{"nonexistent", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := LookupDeviceType(tt.name)
			if ok != tt.ok {
				t.Fatalf("LookupDeviceType(%q) ok = %v, want %v", tt.name, ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("LookupDeviceType(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestConfigMgrAddDeviceDuplicate(t *testing.T) {
	cm := NewConfigMgr()
	if err := cm.AddDevice(&Device{Name: "speaker", Type: DirectionOutput | DeviceSpeaker}); err != nil {
		t.Fatalf("first AddDevice: %v", err)
	}
	if err := cm.AddDevice(&Device{Name: "speaker", Type: DirectionOutput | DeviceSpeaker}); err == nil {
		t.Fatal("expected error on duplicate device name")
	}
}

func TestConfigMgrAddStreamDuplicateName(t *testing.T) {
	cm := NewConfigMgr()
	if err := cm.AddStream(&Stream{Name: "voice-call", Type: StreamHWOut}); err != nil {
		t.Fatalf("first AddStream: %v", err)
	}
	if err := cm.AddStream(&Stream{Name: "voice-call", Type: StreamHWOut}); err == nil {
		t.Fatal("expected error on duplicate stream name")
	}
	// Unnamed streams never collide.
	if err := cm.AddStream(&Stream{Type: StreamPCMOut}); err != nil {
		t.Fatalf("unnamed AddStream: %v", err)
	}
	if err := cm.AddStream(&Stream{Type: StreamPCMOut}); err != nil {
		t.Fatalf("second unnamed AddStream: %v", err)
	}
}

func TestConfigMgrFreezePanicsOnMutation(t *testing.T) {
	cm := NewConfigMgr()
	cm.Freeze()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic mutating a frozen ConfigMgr")
		}
	}()
	_ = cm.AddDevice(&Device{Name: "speaker", Type: DirectionOutput | DeviceSpeaker})
}

func TestDeviceFlagAggregation(t *testing.T) {
	cm := NewConfigMgr()
	_ = cm.AddDevice(&Device{Name: "speaker", Type: DirectionOutput | DeviceSpeaker})
	_ = cm.AddDevice(&Device{Name: "mic", Type: DirectionInput | DeviceMic})
	_ = cm.AddDevice(&Device{Name: "global", Type: DeviceGlobal})

	if got, want := cm.OutputDeviceFlags(), DirectionOutput|DeviceSpeaker; got != want {
		t.Errorf("OutputDeviceFlags() = %v, want %v", got, want)
	}
	if got, want := cm.InputDeviceFlags(), DirectionInput|DeviceMic; got != want {
		t.Errorf("InputDeviceFlags() = %v, want %v", got, want)
	}
}

func TestPathByIDNone(t *testing.T) {
	d := &Device{Name: "speaker", Paths: map[int]*Path{PathOn: {ID: PathOn, Name: "on"}}}
	if p := d.PathByID(NonePath); p != nil {
		t.Errorf("PathByID(NonePath) = %v, want nil", p)
	}
	if p := d.PathByID(PathOn); p == nil {
		t.Error("PathByID(PathOn) = nil, want path")
	}
}

func TestStreamDirection(t *testing.T) {
	out := &Stream{Type: StreamPCMOut}
	in := &Stream{Type: StreamPCMIn}
	if !out.IsOutput() || out.IsInput() {
		t.Error("StreamPCMOut direction mismatch")
	}
	if !in.IsInput() || in.IsOutput() {
		t.Error("StreamPCMIn direction mismatch")
	}
}
