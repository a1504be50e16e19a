package routing

import (
	"testing"

	"github.com/CirrusLogic/tinyhal-sub001/internal/binder"
	"github.com/CirrusLogic/tinyhal-sub001/internal/mixer"
	"github.com/CirrusLogic/tinyhal-sub001/internal/mixer/fake"
	"github.com/CirrusLogic/tinyhal-sub001/internal/model"
)

// newBoundControl builds a Control already bound against m under name,
// mirroring what the loader's eager bind would have produced.
func newBoundControl(t *testing.T, m *fake.Mixer, name string, val uint64) model.Control {
	t.Helper()
	h, err := m.ControlByName(name)
	if err != nil {
		t.Fatalf("ControlByName(%q): %v", name, err)
	}
	return model.Control{
		Name:   name,
		Index:  model.UnsetIndex,
		Kind:   model.ValueUint,
		UInt:   val,
		Handle: int(h),
	}
}

func newSingleDeviceCM(t *testing.T, m *fake.Mixer) (*model.ConfigMgr, *model.Device) {
	t.Helper()
	cm := model.NewConfigMgr()

	onCtl := newBoundControl(t, m, "SPK_EN", 1)
	offCtl := newBoundControl(t, m, "SPK_EN", 0)

	dev := &model.Device{
		Name: "speaker",
		Type: model.DirectionOutput | model.DeviceSpeaker,
		Paths: map[int]*model.Path{
			model.PathOn:  {ID: model.PathOn, Name: "on", Controls: []model.Control{onCtl}},
			model.PathOff: {ID: model.PathOff, Name: "off", Controls: []model.Control{offCtl}},
		},
	}
	if err := cm.AddDevice(dev); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	return cm, dev
}

func newPCMOutStream() *model.Stream {
	return &model.Stream{
		Type:          model.StreamPCMOut,
		MaxRefCount:   2,
		EnablePathID:  model.NonePath,
		DisablePathID: model.NonePath,
		UseCases:      map[string]*model.UseCase{},
	}
}

func TestApplyRouteEnableDisable(t *testing.T) {
	m := fake.New(0, fake.Control{Name: "SPK_EN", Type: mixer.TypeBool, NumVals: 1})
	cm, dev := newSingleDeviceCM(t, m)

	s := newPCMOutStream()
	s.EnablePathID = model.PathOn
	s.DisablePathID = model.PathOff
	cm.AddStream(s)
	cm.Freeze()

	b := binder.New(m, binder.RescanNever, nil)
	e := New(cm, b, nil)

	if err := e.ApplyRoute(s, model.DeviceSpeaker|model.DirectionOutput); err != nil {
		t.Fatalf("ApplyRoute enable: %v", err)
	}
	if dev.UseCount != 1 {
		t.Fatalf("UseCount after enable = %d, want 1", dev.UseCount)
	}
	if len(m.Writes) != 1 || m.Writes[0].Control != "SPK_EN" || m.Writes[0].UInt != 1 {
		t.Fatalf("unexpected writes after enable: %+v", m.Writes)
	}

	if err := e.ApplyRoute(s, model.DeviceType(0)); err != nil {
		t.Fatalf("ApplyRoute disable: %v", err)
	}
	if dev.UseCount != 0 {
		t.Fatalf("UseCount after disable = %d, want 0", dev.UseCount)
	}
	if len(m.Writes) != 2 || m.Writes[1].Control != "SPK_EN" || m.Writes[1].UInt != 0 {
		t.Fatalf("unexpected writes after disable: %+v", m.Writes)
	}
}

// TestApplyRouteSharedDeviceRefCounting exercises the shared
// on/off wrapper: two streams routed to the same device only trigger
// the device's "on" controls on the first activation and "off" only
// once the last stream leaves.
func TestApplyRouteSharedDeviceRefCounting(t *testing.T) {
	m := fake.New(0, fake.Control{Name: "SPK_EN", Type: mixer.TypeBool, NumVals: 1})
	cm, dev := newSingleDeviceCM(t, m)

	s1 := newPCMOutStream()
	s1.EnablePathID, s1.DisablePathID = model.PathOn, model.PathOff
	s2 := newPCMOutStream()
	s2.EnablePathID, s2.DisablePathID = model.PathOn, model.PathOff
	cm.AddStream(s1)
	cm.AddStream(s2)
	cm.Freeze()

	b := binder.New(m, binder.RescanNever, nil)
	e := New(cm, b, nil)

	speaker := model.DeviceSpeaker | model.DirectionOutput
	if err := e.ApplyRoute(s1, speaker); err != nil {
		t.Fatalf("route s1: %v", err)
	}
	if err := e.ApplyRoute(s2, speaker); err != nil {
		t.Fatalf("route s2: %v", err)
	}
	if dev.UseCount != 2 {
		t.Fatalf("UseCount = %d, want 2", dev.UseCount)
	}
	if len(m.Writes) != 1 {
		t.Fatalf("expected exactly one write (second activation is a no-op), got %+v", m.Writes)
	}

	if err := e.ApplyRoute(s1, model.DeviceType(0)); err != nil {
		t.Fatalf("unroute s1: %v", err)
	}
	if len(m.Writes) != 1 {
		t.Fatalf("device must stay on while s2 still routed, got %+v", m.Writes)
	}

	if err := e.ApplyRoute(s2, model.DeviceType(0)); err != nil {
		t.Fatalf("unroute s2: %v", err)
	}
	if len(m.Writes) != 2 || m.Writes[1].UInt != 0 {
		t.Fatalf("expected off write once last stream left, got %+v", m.Writes)
	}
}

func TestApplyUseCaseUnknownReturnsENOSYS(t *testing.T) {
	m := fake.New(0, fake.Control{Name: "SPK_EN", Type: mixer.TypeBool, NumVals: 1})
	cm, _ := newSingleDeviceCM(t, m)
	s := newPCMOutStream()
	cm.AddStream(s)
	cm.Freeze()

	e := New(cm, binder.New(m, binder.RescanNever, nil), nil)

	if err := e.ApplyUseCase(s, "nope", "nope"); err != ErrENOSYS {
		t.Fatalf("ApplyUseCase unknown = %v, want ErrENOSYS", err)
	}
}

func TestApplyUseCaseDispatchesControls(t *testing.T) {
	m := fake.New(0,
		fake.Control{Name: "SPK_EN", Type: mixer.TypeBool, NumVals: 1},
		fake.Control{Name: "EQ_MODE", Type: mixer.TypeBool, NumVals: 1},
	)
	cm, _ := newSingleDeviceCM(t, m)

	ctl := newBoundControl(t, m, "EQ_MODE", 1)
	s := newPCMOutStream()
	s.UseCases["voice"] = &model.UseCase{
		Name: "voice",
		Cases: map[string]*model.Case{
			"noisy": {Name: "noisy", Controls: []model.Control{ctl}},
		},
	}
	cm.AddStream(s)
	cm.Freeze()

	e := New(cm, binder.New(m, binder.RescanNever, nil), nil)
	if err := e.ApplyUseCase(s, "voice", "noisy"); err != nil {
		t.Fatalf("ApplyUseCase: %v", err)
	}
	if len(m.Writes) != 1 || m.Writes[0].Control != "EQ_MODE" {
		t.Fatalf("unexpected writes: %+v", m.Writes)
	}
}

func TestGetStreamRefCountsAndSaturates(t *testing.T) {
	m := fake.New(0)
	cm := model.NewConfigMgr()
	s := newPCMOutStream()
	s.MaxRefCount = 1
	cm.AddStream(s)
	cm.Freeze()

	e := New(cm, binder.New(m, binder.RescanNever, nil), nil)

	got, err := e.GetStream(model.DirectionOutput, true)
	if err != nil {
		t.Fatalf("GetStream: %v", err)
	}
	if got != s || s.RefCount != 1 {
		t.Fatalf("unexpected stream/refcount: %+v", s)
	}

	if _, err := e.GetStream(model.DirectionOutput, true); err != ErrStreamSaturated {
		t.Fatalf("second GetStream = %v, want ErrStreamSaturated", err)
	}
}

func TestReleaseStreamDisablesDevices(t *testing.T) {
	m := fake.New(0, fake.Control{Name: "SPK_EN", Type: mixer.TypeBool, NumVals: 1})
	cm, dev := newSingleDeviceCM(t, m)
	s := newPCMOutStream()
	s.EnablePathID, s.DisablePathID = model.PathOn, model.PathOff
	cm.AddStream(s)
	cm.Freeze()

	b := binder.New(m, binder.RescanNever, nil)
	e := New(cm, b, nil)

	speaker := model.DeviceSpeaker | model.DirectionOutput
	if err := e.ApplyRoute(s, speaker); err != nil {
		t.Fatalf("route: %v", err)
	}
	s.RefCount = 1

	if err := e.ReleaseStream(s); err != nil {
		t.Fatalf("ReleaseStream: %v", err)
	}
	if dev.UseCount != 0 {
		t.Fatalf("UseCount after release = %d, want 0", dev.UseCount)
	}
	if s.CurrentDevices != 0 {
		t.Fatalf("CurrentDevices not cleared: %v", s.CurrentDevices)
	}
}

func TestSetHWVolumeScalesIntoRange(t *testing.T) {
	m := fake.New(0, fake.Control{Name: "VOL", Type: mixer.TypeInt, NumVals: 1, Min: 0, Max: 100})
	cm := model.NewConfigMgr()
	s := newPCMOutStream()

	ctl := newBoundControl(t, m, "VOL", 0)
	s.LeftVol = &model.VolumeControl{Control: ctl, Min: 0, Max: 100, HasMin: true, HasMax: true}
	cm.AddStream(s)
	cm.Freeze()

	e := New(cm, binder.New(m, binder.RescanNever, nil), nil)
	if err := e.SetHWVolume(s, 50, 50); err != nil {
		t.Fatalf("SetHWVolume: %v", err)
	}
	if len(m.Writes) != 1 || m.Writes[0].UInt != 50 {
		t.Fatalf("unexpected write: %+v", m.Writes)
	}
}

func TestSetHWVolumeNoControlsIsENOSYS(t *testing.T) {
	m := fake.New(0)
	cm := model.NewConfigMgr()
	s := newPCMOutStream()
	cm.AddStream(s)
	cm.Freeze()

	e := New(cm, binder.New(m, binder.RescanNever, nil), nil)
	if err := e.SetHWVolume(s, 10, 10); err != ErrENOSYS {
		t.Fatalf("SetHWVolume = %v, want ErrENOSYS", err)
	}
}

func TestApplyRouteDirectionMismatch(t *testing.T) {
	m := fake.New(0, fake.Control{Name: "SPK_EN", Type: mixer.TypeBool, NumVals: 1})
	cm, _ := newSingleDeviceCM(t, m)
	s := newPCMOutStream()
	cm.AddStream(s)
	cm.Freeze()

	e := New(cm, binder.New(m, binder.RescanNever, nil), nil)
	if err := e.ApplyRoute(s, model.DirectionInput|model.DeviceMic); err != ErrDirectionMismatch {
		t.Fatalf("ApplyRoute = %v, want ErrDirectionMismatch", err)
	}
}

// TestApplyRouteDeviceOrder confirms device-table order governs the
// write sequence: speaker was added first, headphone second, so
// enabling both must write speaker's controls before headphone's.
func TestApplyRouteDeviceOrder(t *testing.T) {
	m := fake.New(0,
		fake.Control{Name: "SPK_EN", Type: mixer.TypeBool, NumVals: 1},
		fake.Control{Name: "HP_EN", Type: mixer.TypeBool, NumVals: 1},
	)
	cm := model.NewConfigMgr()

	spkOn := newBoundControl(t, m, "SPK_EN", 1)
	hpOn := newBoundControl(t, m, "HP_EN", 1)

	speaker := &model.Device{
		Name: "speaker", Type: model.DirectionOutput | model.DeviceSpeaker,
		Paths: map[int]*model.Path{model.PathOn: {ID: model.PathOn, Controls: []model.Control{spkOn}}},
	}
	headphone := &model.Device{
		Name: "headphone", Type: model.DirectionOutput | model.DeviceHeadphone,
		Paths: map[int]*model.Path{model.PathOn: {ID: model.PathOn, Controls: []model.Control{hpOn}}},
	}
	if err := cm.AddDevice(speaker); err != nil {
		t.Fatal(err)
	}
	if err := cm.AddDevice(headphone); err != nil {
		t.Fatal(err)
	}

	s := newPCMOutStream()
	s.EnablePathID = model.PathOn
	cm.AddStream(s)
	cm.Freeze()

	e := New(cm, binder.New(m, binder.RescanNever, nil), nil)
	both := (model.DirectionOutput | model.DeviceSpeaker) | (model.DirectionOutput | model.DeviceHeadphone)
	if err := e.ApplyRoute(s, both); err != nil {
		t.Fatalf("ApplyRoute: %v", err)
	}
	if len(m.Writes) != 2 || m.Writes[0].Control != "SPK_EN" || m.Writes[1].Control != "HP_EN" {
		t.Fatalf("writes out of device-table order: %+v", m.Writes)
	}
}

// TestApplyRouteRescanOncePerApplyRescansOnce exercises two unresolved
// controls on the same device's "on" path: RescanOncePerApply must
// trigger exactly one mixer rescan across the whole ApplyRoute call,
// not one per control.
func TestApplyRouteRescanOncePerApplyRescansOnce(t *testing.T) {
	m := fake.New(0)
	m.AddOnRescan(fake.Control{Name: "SPK_EN", Type: mixer.TypeBool, NumVals: 1})
	m.AddOnRescan(fake.Control{Name: "SPK_GAIN", Type: mixer.TypeBool, NumVals: 1})
	cm := model.NewConfigMgr()

	unresolved1 := model.Control{Name: "SPK_EN", Index: model.UnsetIndex, Raw: "1", Handle: model.UnresolvedHandle}
	unresolved2 := model.Control{Name: "SPK_GAIN", Index: model.UnsetIndex, Raw: "1", Handle: model.UnresolvedHandle}
	dev := &model.Device{
		Name: "speaker",
		Type: model.DirectionOutput | model.DeviceSpeaker,
		Paths: map[int]*model.Path{
			model.PathOn: {ID: model.PathOn, Name: "on", Controls: []model.Control{unresolved1, unresolved2}},
		},
	}
	if err := cm.AddDevice(dev); err != nil {
		t.Fatal(err)
	}
	s := newPCMOutStream()
	s.EnablePathID = model.PathOn
	cm.AddStream(s)
	cm.Freeze()

	e := New(cm, binder.New(m, binder.RescanOncePerApply, nil), nil)

	if err := e.ApplyRoute(s, model.DeviceSpeaker|model.DirectionOutput); err != nil {
		t.Fatalf("ApplyRoute: %v", err)
	}
	if got := m.RescanCount(); got != 1 {
		t.Fatalf("RescanCount = %d, want 1 (RescanOncePerApply must not rescan per control)", got)
	}
	if len(m.Writes) != 2 {
		t.Fatalf("expected both controls bound and written, got %+v", m.Writes)
	}
}

func TestRescanUnresolvedBindsNewlyAppearedControls(t *testing.T) {
	m := fake.New(0)
	cm := model.NewConfigMgr()

	unresolved := model.Control{Name: "SPK_EN", Index: model.UnsetIndex, Raw: "1", Handle: model.UnresolvedHandle}
	dev := &model.Device{
		Name: "speaker",
		Type: model.DirectionOutput | model.DeviceSpeaker,
		Paths: map[int]*model.Path{
			model.PathOn: {ID: model.PathOn, Name: "on", Controls: []model.Control{unresolved}},
		},
	}
	if err := cm.AddDevice(dev); err != nil {
		t.Fatal(err)
	}
	cm.Freeze()

	e := New(cm, binder.New(m, binder.RescanAlways, nil), nil)

	if n := e.RescanUnresolved(); n != 1 {
		t.Fatalf("RescanUnresolved before control exists = %d, want 1", n)
	}

	m.AddOnRescan(fake.Control{Name: "SPK_EN", Type: mixer.TypeBool, NumVals: 1})

	if n := e.RescanUnresolved(); n != 0 {
		t.Fatalf("RescanUnresolved after hotplug = %d, want 0", n)
	}
	if dev.Paths[model.PathOn].Controls[0].Handle == model.UnresolvedHandle {
		t.Fatal("control still unresolved after successful rescan")
	}
}
