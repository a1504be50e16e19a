// SPDX-License-Identifier: MIT

// Package inspector builds an interactive terminal browser over a live
// *cm.Manager on top of the generic internal/menu widget: list devices
// and their use counts, list streams and drive apply_route/apply_use_case
// against them, and show a one-shot health snapshot.
package inspector

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/CirrusLogic/tinyhal-sub001/internal/cm"
	"github.com/CirrusLogic/tinyhal-sub001/internal/menu"
	"github.com/CirrusLogic/tinyhal-sub001/internal/model"
)

// Inspector wires a *cm.Manager to the terminal.
type Inspector struct {
	mgr    *cm.Manager
	input  io.Reader
	output io.Writer
}

// Option configures an Inspector.
type Option func(*Inspector)

// WithInput overrides the input reader (for testing).
func WithInput(r io.Reader) Option {
	return func(i *Inspector) { i.input = r }
}

// WithOutput overrides the output writer (for testing).
func WithOutput(w io.Writer) Option {
	return func(i *Inspector) { i.output = w }
}

// New returns an Inspector bound to mgr.
func New(mgr *cm.Manager, opts ...Option) *Inspector {
	i := &Inspector{mgr: mgr, input: os.Stdin, output: os.Stdout}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Inspector) menuOpts() []menu.Option {
	return []menu.Option{menu.WithInput(i.input), menu.WithOutput(i.output)}
}

// Run displays the main menu until the user exits.
func (i *Inspector) Run() error {
	m := menu.New("TinyHAL Inspector", i.menuOpts()...)
	m.AddItem(menu.MenuItem{Key: "1", Label: "Devices", SubMenu: i.deviceMenu()})
	m.AddItem(menu.MenuItem{Key: "2", Label: "Streams", SubMenu: i.streamMenu()})
	m.AddItem(menu.MenuItem{Key: "3", Label: "Status", Action: i.showStatus})
	m.AddItem(menu.MenuItem{Key: "0", Label: "Exit"})
	return m.Display()
}

func (i *Inspector) orderedDevices() []*model.Device {
	return i.mgr.ConfigMgr().OrderedDevices()
}

func (i *Inspector) deviceMenu() *menu.Menu {
	m := menu.New("Devices", i.menuOpts()...)
	for idx, d := range i.orderedDevices() {
		d := d
		key := fmt.Sprintf("%d", idx+1)
		m.AddItem(menu.MenuItem{
			Key:   key,
			Label: fmt.Sprintf("%s (use_count=%d)", d.Name, d.UseCount),
			Action: func() error {
				return i.showDevice(d)
			},
		})
	}
	m.AddItem(menu.MenuItem{Key: "0", Label: "Back"})
	return m
}

func (i *Inspector) showDevice(d *model.Device) error {
	ids := make([]int, 0, len(d.Paths))
	for id := range d.Paths {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	_, _ = fmt.Fprintf(i.output, "\ndevice %q type=%#x use_count=%d\n", d.Name, d.Type, d.UseCount)
	for _, id := range ids {
		p := d.Paths[id]
		_, _ = fmt.Fprintf(i.output, "  path %q (id=%d): %d control(s)\n", p.Name, p.ID, len(p.Controls))
	}
	menu.WaitForKey(i.input, i.output, "")
	return nil
}

func (i *Inspector) streamMenu() *menu.Menu {
	m := menu.New("Streams", i.menuOpts()...)
	for idx, s := range i.mgr.ConfigMgr().Streams {
		s := s
		key := fmt.Sprintf("%d", idx+1)
		label := s.Name
		if label == "" {
			label = fmt.Sprintf("<unnamed #%d>", idx)
		}
		m.AddItem(menu.MenuItem{
			Key:     key,
			Label:   fmt.Sprintf("%s (ref_count=%d/%d)", label, s.RefCount, s.MaxRefCount),
			SubMenu: i.streamActionMenu(s),
		})
	}
	m.AddItem(menu.MenuItem{Key: "0", Label: "Back"})
	return m
}

func (i *Inspector) streamActionMenu(s *model.Stream) *menu.Menu {
	m := menu.New("Stream actions", i.menuOpts()...)
	m.AddItem(menu.MenuItem{Key: "1", Label: "Apply route", Action: func() error { return i.promptApplyRoute(s) }})
	m.AddItem(menu.MenuItem{Key: "2", Label: "Apply use case", Action: func() error { return i.promptApplyUseCase(s) }})
	m.AddItem(menu.MenuItem{Key: "3", Label: "Release", Action: func() error { return i.mgr.ReleaseStream(s) }})
	m.AddItem(menu.MenuItem{Key: "0", Label: "Back"})
	return m
}

func (i *Inspector) promptApplyRoute(s *model.Stream) error {
	names := make([]string, 0)
	devices := make([]*model.Device, 0)
	for _, d := range i.orderedDevices() {
		names = append(names, d.Name)
		devices = append(devices, d)
	}

	idx := menu.Select(i.input, i.output, "Route to device:", names)
	if idx < 0 {
		return nil
	}
	return i.mgr.ApplyRoute(s, devices[idx].Type)
}

func (i *Inspector) promptApplyUseCase(s *model.Stream) error {
	ucNames := make([]string, 0, len(s.UseCases))
	for name := range s.UseCases {
		ucNames = append(ucNames, name)
	}
	sort.Strings(ucNames)

	ucIdx := menu.Select(i.input, i.output, "Use case:", ucNames)
	if ucIdx < 0 {
		return nil
	}
	uc := s.UseCases[ucNames[ucIdx]]

	caseNames := make([]string, 0, len(uc.Cases))
	for name := range uc.Cases {
		caseNames = append(caseNames, name)
	}
	sort.Strings(caseNames)

	caseIdx := menu.Select(i.input, i.output, "Case:", caseNames)
	if caseIdx < 0 {
		return nil
	}
	return i.mgr.ApplyUseCase(s, ucNames[ucIdx], caseNames[caseIdx])
}

func (i *Inspector) showStatus() error {
	status := i.mgr.Status()
	_, _ = fmt.Fprintf(i.output, "\nunresolved_controls=%d\n", status.UnresolvedControls)
	for _, d := range status.Devices {
		_, _ = fmt.Fprintf(i.output, "  device %s use_count=%d\n", d.Name, d.UseCount)
	}
	for _, s := range status.Streams {
		_, _ = fmt.Fprintf(i.output, "  stream %s ref_count=%d/%d current_devices=%#x\n", s.Name, s.RefCount, s.MaxRefCount, s.CurrentDevices)
	}
	menu.WaitForKey(i.input, i.output, "")
	return nil
}
