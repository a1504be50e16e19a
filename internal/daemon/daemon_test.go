// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/CirrusLogic/tinyhal-sub001/internal/cm"
	"github.com/CirrusLogic/tinyhal-sub001/internal/mixer"
	"github.com/CirrusLogic/tinyhal-sub001/internal/mixer/fake"
	"github.com/CirrusLogic/tinyhal-sub001/internal/xmlload"
)

func newTestManager(t *testing.T) *cm.Manager {
	t.Helper()
	doc := `<audiohal>
  <mixer card="0"/>
  <device name="speaker">
    <path name="on"><ctl name="SPK_EN" val="1"/></path>
    <path name="off"><ctl name="SPK_EN" val="0"/></path>
  </device>
  <stream type="pcm" dir="out" instances="1">
    <enable path="on"/>
    <disable path="off"/>
  </stream>
</audiohal>`

	m := fake.New(0, fake.Control{Name: "SPK_EN", Type: mixer.TypeBool, NumVals: 1})
	opener := fake.NewOpener(map[int]*fake.Mixer{0: m}, nil)
	src := xmlload.MemorySource{"root.xml": doc}

	mgr, err := cm.Init(src, src, "root.xml", opener, xmlload.RescanAlways, nil)
	if err != nil {
		t.Fatalf("cm.Init: %v", err)
	}
	return mgr
}

func TestSupervisorRunsAndStopsOnCancel(t *testing.T) {
	mgr := newTestManager(t)
	sup := New(mgr, 10*time.Millisecond, 2, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Serve(ctx) }()

	// Let the hotplug poller tick at least once before shutting down.
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop after context cancellation")
	}
}

func TestSupervisorZeroDrainWorkers(t *testing.T) {
	mgr := newTestManager(t)
	sup := New(mgr, time.Millisecond, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop after context cancellation")
	}
}
