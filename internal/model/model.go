// SPDX-License-Identifier: MIT

// Package model defines the in-memory audio policy graph TinyHAL builds
// once from XML and never mutates structurally afterwards: devices,
// their paths, streams, their use-cases, and the control writes each
// of those groups carries.
//
// The graph is a forest by construction: ConfigMgr owns Devices and
// Streams; Devices own Paths which own Controls; Streams own UseCases
// which own Cases which own Controls. Streams reference devices only
// through the Device.Type bitflag and paths only through an interned
// integer id, so no back-pointers and no cycles are possible.
//
// After Freeze is called the only fields any caller may still mutate
// are Device.UseCount, Stream.RefCount, Stream.CurrentDevices, and a
// deferred-bound Control's Handle/Type/Value (the binder's one-shot
// resolution described in package binder).
package model

import "fmt"

// DeviceType is a bitflag identifying an audio endpoint's direction and
// role. The low bit distinguishes input from output; the remaining
// bits identify the specific endpoint.
type DeviceType uint32

// Direction bit.
const (
	DirectionOutput DeviceType = 1 << iota
	DirectionInput
)

// Device role bits, matching the closed vocabulary of device names a
// document may declare.
const (
	DeviceSpeaker DeviceType = 1 << (iota + 2)
	DeviceEarpiece
	DeviceHeadset
	DeviceHeadsetIn
	DeviceHeadphone
	DeviceSCO
	DeviceSCOIn
	DeviceA2DP
	DeviceUSB
	DeviceMic
	DeviceBackMic
	DeviceVoice
	DeviceAux
)

// DeviceGlobal is the distinguished pseudo-device carrying flag 0.
const DeviceGlobal DeviceType = 0

// deviceVocabulary maps the fixed XML device-name vocabulary to a
// direction bit ORed with zero-or-more role bits.
var deviceVocabulary = map[string]DeviceType{
	"global":     DeviceGlobal,
	"speaker":    DirectionOutput | DeviceSpeaker,
	"earpiece":   DirectionOutput | DeviceEarpiece,
	"headset":    DirectionOutput | DeviceHeadset,
	"headset_in": DirectionInput | DeviceHeadsetIn,
	"headphone":  DirectionOutput | DeviceHeadphone,
	"sco":        DirectionOutput | DeviceSCO,
	"sco_in":     DirectionInput | DeviceSCOIn,
	"a2dp":       DirectionOutput | DeviceA2DP,
	"usb":        DirectionOutput | DeviceUSB,
	"mic":        DirectionInput | DeviceMic,
	"back mic":   DirectionInput | DeviceBackMic,
	"voice":      DirectionOutput | DeviceVoice,
	"aux":        DirectionOutput | DeviceAux,
}

// LookupDeviceType resolves an XML device name to its bitflag. ok is
// false for any name outside the closed vocabulary.
func LookupDeviceType(name string) (DeviceType, bool) {
	t, ok := deviceVocabulary[name]
	return t, ok
}

// ValueKind discriminates the three shapes a Control's value can take.
// Conversion from the retained XML value-string to one of these shapes
// happens once, at bind time (see package binder).
type ValueKind int

const (
	// ValueUnset means the control has not yet been bound: Raw holds
	// the original value-string from the XML document.
	ValueUnset ValueKind = iota
	ValueUint
	ValueEnum
	ValueBytes
)

// MaxByteValueLength is the hard cap on a byte-sequence control value's
// explicit length.
const MaxByteValueLength = 512

// UnsetIndex marks a Control.Index that was not specified in the XML,
// meaning "write every value" of a multi-valued control.
const UnsetIndex = -1

// UnresolvedHandle marks a Control.Handle that has not yet been bound
// to a live mixer control.
const UnresolvedHandle = -1

// Control is a single mixer write: a name, an optional index into a
// multi-valued control, and a discriminated value. Kind is ValueUnset
// until the binder resolves it; Raw is retained so the binder can
// retry resolution (and so a never-found control can still be logged
// with its original text).
type Control struct {
	Name  string
	Index int // UnsetIndex if not specified

	Kind  ValueKind
	Raw   string // retained value-string, valid until bound
	UInt  uint64
	Enum  string
	Bytes []byte

	Handle int // UnresolvedHandle until bound
}

// Path is an identified, ordered sequence of Control writes belonging
// to one Device. PathOff and PathOn are reserved ids; all other ids
// are assigned from a name pool interned across the whole document so
// that the same path name on two devices shares one id.
type Path struct {
	ID       int
	Name     string
	Controls []Control
}

// Reserved, pre-interned path ids.
const (
	PathOff = 0
	PathOn  = 1
)

// NonePath is the sentinel used where a path id may be "none"
// (Stream.EnablePathID, Stream.DisablePathID default to it).
const NonePath = -1

// Device is one audio endpoint: a bitflag Type, the ordered paths it
// defines, and a UseCount the routing engine reference-counts across
// every stream that currently has this device active. Duplicate
// devices and duplicate path ids within one device are rejected by
// the loader before Freeze.
type Device struct {
	Name     string
	Type     DeviceType
	Paths    map[int]*Path
	UseCount int
}

// PathByID returns the device's path with the given id, or nil.
func (d *Device) PathByID(id int) *Path {
	if id == NonePath {
		return nil
	}
	return d.Paths[id]
}

// Case is a named ordered sequence of Control writes, the unit a
// use-case dispatches by name.
type Case struct {
	Name     string
	Controls []Control
}

// UseCase is a named mapping from case-name to Case, attached to a
// Stream.
type UseCase struct {
	Name  string
	Cases map[string]*Case
}

// StreamType classifies a Stream by transport and direction, used by
// get_stream to match an unnamed stream request.
type StreamType int

const (
	StreamPCMOut StreamType = iota
	StreamPCMIn
	StreamCompressedOut
	StreamCompressedIn
	StreamHWOut
	StreamHWIn
	StreamGlobal
)

// VolumeControl describes one of a stream's left/right HW volume
// controls, configured via a <ctl function=.../> entry.
type VolumeControl struct {
	Control Control
	Min     int
	Max     int
	HasMin  bool // false until resolved against the mixer's reported range
	HasMax  bool
}

// Bound reports whether the underlying control has a live mixer handle.
func (v *VolumeControl) Bound() bool {
	return v.Control.Handle != UnresolvedHandle
}

// Stream is a logical I/O handle: its capability info, its
// enable/disable path ids, its volume controls, and the mutable
// routing state (RefCount, CurrentDevices) the engine maintains.
type Stream struct {
	Name string // "" for unnamed (capability-matched) streams

	Type        StreamType
	Card        int
	DeviceNum   int
	Rate        int
	PeriodSize  int
	PeriodCount int
	MaxRefCount int

	EnablePathID  int // NonePath if absent
	DisablePathID int // NonePath if absent

	LeftVol  *VolumeControl // nil if undeclared
	RightVol *VolumeControl

	UseCases map[string]*UseCase

	// Mutable after Freeze, guarded by the owning ConfigMgr's mutex.
	RefCount       int
	CurrentDevices DeviceType
}

// IsOutput reports whether the stream's type carries the output
// direction bit, used by apply_route's direction-mismatch check.
func (s *Stream) IsOutput() bool {
	switch s.Type {
	case StreamPCMOut, StreamCompressedOut, StreamHWOut:
		return true
	case StreamGlobal:
		return true
	default:
		return false
	}
}

// IsInput reports whether the stream's type carries the input
// direction bit.
func (s *Stream) IsInput() bool {
	switch s.Type {
	case StreamPCMIn, StreamCompressedIn, StreamHWIn:
		return true
	default:
		return false
	}
}

// CodecProbeCase is one <case name=CODEC file=XML/> entry of a
// <codec_probe>.
type CodecProbeCase struct {
	CodecName string
	File      string
}

// CodecProbe is a load-time-only redirect table: read ProbeFile's
// first line, match it against Cases, and if matched (and not a
// self-redirect) restart the loader on the matched file.
type CodecProbe struct {
	ProbeFile string
	Cases     []CodecProbeCase
}

// ConfigMgr is the root of the model: every device and stream TinyHAL
// knows about, plus the init path applied once at load completion.
// Once Freeze returns, no device, stream, path, case, or control is
// ever added or removed — only the fields documented above the Stream
// and Device types change, and only under the owning manager's mutex.
type ConfigMgr struct {
	Devices map[string]*Device // by name

	// DeviceOrder is device-table order: the order devices were added
	// during load. apply_route's device iteration must be deterministic,
	// which a map range is not.
	DeviceOrder []string

	Streams []*Stream

	// InitControls is the synthetic "initial path" from <mixer><init>,
	// applied once after load completes, outside any lock.
	InitControls []Control

	frozen bool
}

// Freeze marks the model as structurally immutable. Calling any of the
// mutating builder helpers after Freeze panics, which is intentional:
// it is a programmer error for the loader to keep building after
// handing the model to the routing engine.
func (c *ConfigMgr) Freeze() {
	c.frozen = true
}

func (c *ConfigMgr) checkMutable() {
	if c.frozen {
		panic("model: attempted mutation of a frozen ConfigMgr")
	}
}

// NewConfigMgr returns an empty, mutable model ready for the loader to
// populate.
func NewConfigMgr() *ConfigMgr {
	return &ConfigMgr{Devices: make(map[string]*Device)}
}

// AddDevice registers a new device. It is an error to add the same
// name twice.
func (c *ConfigMgr) AddDevice(d *Device) error {
	c.checkMutable()
	if _, exists := c.Devices[d.Name]; exists {
		return fmt.Errorf("model: duplicate device %q", d.Name)
	}
	if d.Paths == nil {
		d.Paths = make(map[int]*Path)
	}
	c.Devices[d.Name] = d
	c.DeviceOrder = append(c.DeviceOrder, d.Name)
	return nil
}

// OrderedDevices returns every device in device-table (insertion)
// order, the order apply_route's device iteration must use.
func (c *ConfigMgr) OrderedDevices() []*Device {
	devices := make([]*Device, len(c.DeviceOrder))
	for i, name := range c.DeviceOrder {
		devices[i] = c.Devices[name]
	}
	return devices
}

// AddStream registers a new stream. Duplicate non-empty names are
// rejected.
func (c *ConfigMgr) AddStream(s *Stream) error {
	c.checkMutable()
	if s.Name != "" {
		for _, existing := range c.Streams {
			if existing.Name == s.Name {
				return fmt.Errorf("model: duplicate stream name %q", s.Name)
			}
		}
	}
	c.Streams = append(c.Streams, s)
	return nil
}

// OutputDeviceFlags returns the OR of every defined output device's
// Type, for get_supported_output_devices.
func (c *ConfigMgr) OutputDeviceFlags() DeviceType {
	var flags DeviceType
	for _, d := range c.Devices {
		if d.Type&DirectionOutput != 0 {
			flags |= d.Type
		}
	}
	return flags
}

// InputDeviceFlags returns the OR of every defined input device's
// Type, for get_supported_input_devices.
func (c *ConfigMgr) InputDeviceFlags() DeviceType {
	var flags DeviceType
	for _, d := range c.Devices {
		if d.Type&DirectionInput != 0 {
			flags |= d.Type
		}
	}
	return flags
}
