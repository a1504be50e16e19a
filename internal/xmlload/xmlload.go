// SPDX-License-Identifier: MIT

// Package xmlload implements TinyHAL's schema-validating, event-driven
// XML loader: it walks <audiohal> documents with
// encoding/xml.Decoder, builds the Data Model defined in
// internal/model, eagerly binds every Control against an open mixer,
// and handles the codec-probe document redirect as an orderly
// teardown-and-restart rather than recursion.
package xmlload

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/CirrusLogic/tinyhal-sub001/internal/arena"
	"github.com/CirrusLogic/tinyhal-sub001/internal/binder"
	"github.com/CirrusLogic/tinyhal-sub001/internal/mixer"
	"github.com/CirrusLogic/tinyhal-sub001/internal/model"
)

// ParseError wraps a structural or semantic violation with the
// document name and line number it occurred on: parse errors abort
// with -EINVAL and the offending line number.
type ParseError struct {
	Doc  string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("xmlload: %s:%d: %v", e.Doc, e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Sentinel errors identifying the structural/semantic violation kinds
// the loader rejects.
var (
	ErrSecondMixer          = errors.New("<mixer> may appear only once")
	ErrMixerAttrs           = errors.New("<mixer> requires exactly one of card or name")
	ErrMixerOpen            = errors.New("failed to open mixer")
	ErrDuplicateDevice      = errors.New("duplicate device definition")
	ErrDuplicateStream      = errors.New("duplicate stream name")
	ErrUnknownElement       = errors.New("unknown element")
	ErrUnknownAttribute     = errors.New("unknown attribute")
	ErrMissingAttribute     = errors.New("missing required attribute")
	ErrIllegalNesting       = errors.New("element is not legal here")
	ErrUnknownPath          = errors.New("referenced path is not defined on any device")
	ErrUnknownDeviceName    = errors.New("unknown device name")
	ErrCodecSelfRedirect    = errors.New("codec probe redirected to itself")
	ErrHWStreamRequiresName = errors.New("a hw stream requires a name")
	ErrInvalidNumber        = errors.New("invalid numeric attribute")
)

// Result is what a completed Load returns: the frozen, fully bound
// model, the mixer it was bound against, and the binder so the
// routing engine can keep lazily rebinding after load.
type Result struct {
	ConfigMgr *model.ConfigMgr
	Mixer     mixer.Mixer
	Binder    *binder.Binder
}

// Load parses initialDoc from src, opening the declared mixer through
// opener, and following any <codec_probe> redirect until a document
// parses to completion without one. probes resolves codec-probe file
// reads; policy controls how eagerly the binder rescans unresolved
// controls.
func Load(src DocumentSource, probes ProbeSource, initialDoc string, opener mixer.Opener, policy binder.RescanPolicy, log *slog.Logger) (*Result, error) {
	if log == nil {
		log = slog.Default()
	}

	doc := initialDoc
	for {
		l := &loader{
			src:     src,
			probes:  probes,
			opener:  opener,
			policy:  policy,
			log:     log,
			doc:     doc,
			cm:      model.NewConfigMgr(),
			pathIDs: map[string]int{"off": model.PathOff, "on": model.PathOn},
			nextID:  2,
		}

		redirect, err := l.parseDocument(doc)
		if err != nil {
			if l.mixer != nil {
				_ = l.mixer.Close()
			}
			return nil, err
		}
		if redirect == "" {
			if err := l.runInit(); err != nil {
				if l.mixer != nil {
					_ = l.mixer.Close()
				}
				return nil, err
			}
			l.cm.Freeze()
			return &Result{ConfigMgr: l.cm, Mixer: l.mixer, Binder: l.binder}, nil
		}
		if l.mixer != nil {
			_ = l.mixer.Close()
		}
		doc = redirect
	}
}

type loader struct {
	src    DocumentSource
	probes ProbeSource
	opener mixer.Opener
	policy RescanPolicy
	log    *slog.Logger
	doc    string

	cm     *model.ConfigMgr
	mixer  mixer.Mixer
	binder *binder.Binder

	mixerSeen bool

	pathIDs map[string]int
	nextID  int

	// pathDefs tracks, for the unknown-path-reference check, which
	// path-ids have actually been defined on at least one device.
	pathDefs map[int]bool
}

// RescanPolicy re-exports binder.RescanPolicy so callers of this
// package don't need to import internal/binder just to pass a policy
// value through Load.
type RescanPolicy = binder.RescanPolicy

const (
	RescanAlways       = binder.RescanAlways
	RescanOncePerApply = binder.RescanOncePerApply
	RescanNever        = binder.RescanNever
)

func (l *loader) err(line int, base error, detail string) error {
	if detail != "" {
		base = fmt.Errorf("%w: %s", base, detail)
	}
	return &ParseError{Doc: l.doc, Line: line, Err: base}
}

func (l *loader) pathID(name string) int {
	if id, ok := l.pathIDs[name]; ok {
		return id
	}
	id := l.nextID
	l.nextID++
	l.pathIDs[name] = id
	return id
}

// elemKind identifies an element type independent of nesting context.
type elemKind int

const (
	eAudiohal elemKind = iota
	eMixer
	eInit
	eCodecProbe
	eCodecCase
	eDevice
	ePath
	eCtl
	eStream
	eEnable
	eDisable
	eUsecase
	eCase
)

func (k elemKind) name() string {
	switch k {
	case eAudiohal:
		return "audiohal"
	case eMixer:
		return "mixer"
	case eInit:
		return "init"
	case eCodecProbe:
		return "codec_probe"
	case eCodecCase:
		return "case"
	case eDevice:
		return "device"
	case ePath:
		return "path"
	case eCtl:
		return "ctl"
	case eStream:
		return "stream"
	case eEnable:
		return "enable"
	case eDisable:
		return "disable"
	case eUsecase:
		return "usecase"
	case eCase:
		return "case"
	default:
		return "?"
	}
}

// frame is one entry of the parse stack (max depth 6).
type frame struct {
	kind  elemKind
	line  int
	legal map[string]bool

	device     *model.Device
	pathTable  *arena.Table[model.Control]
	pathID     int
	pathName   string
	stream     *model.Stream
	useCase    *model.UseCase
	caseTable  *arena.Table[model.Control]
	caseName   string
	codecProbe *pendingCodecProbe
}

type pendingCodecProbe struct {
	file  string
	cases map[string]string // codec name -> alternate document
}

func (l *loader) parseDocument(doc string) (redirect string, err error) {
	rc, oerr := l.src.Open(doc)
	if oerr != nil {
		return "", l.err(0, oerr, "")
	}
	defer rc.Close()

	dec := xml.NewDecoder(rc)

	var stack []*frame
	var initTable arena.Table[model.Control]

	lineTracker := newLineTracker()

	for {
		tok, terr := dec.Token()
		if terr == io.EOF {
			break
		}
		if terr != nil {
			return "", l.err(lineTracker.line, terr, "")
		}
		lineTracker.observe(tok)

		switch t := tok.(type) {
		case xml.StartElement:
			name := t.Name.Local
			var parent *frame
			if len(stack) > 0 {
				parent = stack[len(stack)-1]
			}

			if parent == nil {
				if name != "audiohal" {
					return "", l.err(lineTracker.line, ErrUnknownElement, name)
				}
				stack = append(stack, &frame{
					kind:  eAudiohal,
					line:  lineTracker.line,
					legal: map[string]bool{"mixer": true, "codec_probe": true},
				})
				continue
			}

			if !parent.legal[name] {
				return "", l.err(lineTracker.line, ErrIllegalNesting, fmt.Sprintf("<%s> inside <%s>", name, parent.kind.name()))
			}

			f, ferr := l.startElement(parent, name, t.Attr, lineTracker.line, &initTable)
			if ferr != nil {
				return "", ferr
			}
			stack = append(stack, f)

		case xml.EndElement:
			if len(stack) == 0 {
				return "", l.err(lineTracker.line, ErrIllegalNesting, "unbalanced end tag")
			}
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			var parent *frame
			if len(stack) > 0 {
				parent = stack[len(stack)-1]
			}

			redir, eerr := l.endElement(f, parent, lineTracker.line)
			if eerr != nil {
				return "", eerr
			}
			if redir != "" {
				return redir, nil
			}
		}
	}

	initTable.Shrink()
	l.cm.InitControls = initTable.Slice()

	// on/off are pre-interned and always valid: the reference-counted
	// path-application algorithm treats "not found on this device" as
	// a silent no-op, not an error, so only genuinely
	// custom path names are required to be defined somewhere.
	definedElsewhere := func(id int) bool {
		return id == model.PathOff || id == model.PathOn || l.pathDefs[id]
	}
	for _, s := range l.cm.Streams {
		if s.EnablePathID != model.NonePath && !definedElsewhere(s.EnablePathID) {
			return "", l.err(0, ErrUnknownPath, fmt.Sprintf("stream %q enable path", s.Name))
		}
		if s.DisablePathID != model.NonePath && !definedElsewhere(s.DisablePathID) {
			return "", l.err(0, ErrUnknownPath, fmt.Sprintf("stream %q disable path", s.Name))
		}
	}

	return "", nil
}

func attrMap(attrs []xml.Attr) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[a.Name.Local] = a.Value
	}
	return m
}

func (l *loader) startElement(parent *frame, name string, rawAttrs []xml.Attr, line int, initTable *arena.Table[model.Control]) (*frame, error) {
	attrs := attrMap(rawAttrs)

	switch name {
	case "mixer":
		if l.mixerSeen {
			return nil, l.err(line, ErrSecondMixer, "")
		}
		l.mixerSeen = true
		card, hasCard := attrs["card"]
		nameAttr, hasName := attrs["name"]
		if (hasCard && hasName) || (!hasCard && !hasName) {
			return nil, l.err(line, ErrMixerAttrs, "")
		}
		var m mixer.Mixer
		var oerr error
		if hasCard {
			n, perr := parseIntAttr(card)
			if perr != nil {
				return nil, l.err(line, ErrInvalidNumber, "card="+card)
			}
			m, oerr = l.opener.OpenByNumber(n)
		} else {
			m, oerr = l.opener.OpenByName(nameAttr)
		}
		if oerr != nil {
			return nil, l.err(line, ErrMixerOpen, oerr.Error())
		}
		l.mixer = m
		l.binder = binder.New(m, l.policy, l.log)

		parent.legal["device"] = true
		parent.legal["stream"] = true

		return &frame{kind: eMixer, line: line, legal: map[string]bool{"init": true}}, nil

	case "init":
		return &frame{kind: eInit, line: line, legal: map[string]bool{"ctl": true}}, nil

	case "codec_probe":
		file, ok := attrs["file"]
		if !ok {
			return nil, l.err(line, ErrMissingAttribute, "file")
		}
		return &frame{
			kind:  eCodecProbe,
			line:  line,
			legal: map[string]bool{"case": true},
			codecProbe: &pendingCodecProbe{
				file:  file,
				cases: map[string]string{},
			},
		}, nil

	case "device":
		if parent.kind != eAudiohal {
			return nil, l.err(line, ErrIllegalNesting, "<device> outside <audiohal>")
		}
		dname, ok := attrs["name"]
		if !ok {
			return nil, l.err(line, ErrMissingAttribute, "name")
		}
		dtype, known := model.LookupDeviceType(dname)
		if !known {
			return nil, l.err(line, ErrUnknownDeviceName, dname)
		}
		d := &model.Device{Name: dname, Type: dtype, Paths: map[int]*model.Path{}}
		if err := l.cm.AddDevice(d); err != nil {
			return nil, l.err(line, ErrDuplicateDevice, dname)
		}
		return &frame{kind: eDevice, line: line, legal: map[string]bool{"path": true}, device: d}, nil

	case "path":
		if parent.kind != eDevice {
			return nil, l.err(line, ErrIllegalNesting, "<path> outside <device>")
		}
		pname, ok := attrs["name"]
		if !ok {
			return nil, l.err(line, ErrMissingAttribute, "name")
		}
		id := l.pathID(pname)
		tbl := &arena.Table[model.Control]{}
		return &frame{kind: ePath, line: line, legal: map[string]bool{"ctl": true}, pathTable: tbl, pathID: id, pathName: pname, device: parent.device}, nil

	case "ctl":
		switch parent.kind {
		case ePath, eCase:
			cname, ok := attrs["name"]
			if !ok {
				return nil, l.err(line, ErrMissingAttribute, "name")
			}
			idx := model.UnsetIndex
			if v, ok := attrs["index"]; ok {
				n, perr := parseIntAttr(v)
				if perr != nil {
					return nil, l.err(line, ErrInvalidNumber, "index="+v)
				}
				idx = n
			}
			ctl := model.Control{Name: cname, Raw: attrs["val"], Index: idx, Kind: model.ValueUnset, Handle: model.UnresolvedHandle}
			if err := l.bindEager(&ctl, line); err != nil {
				return nil, err
			}
			var tbl *arena.Table[model.Control]
			if parent.kind == ePath {
				tbl = parent.pathTable
			} else {
				tbl = parent.caseTable
			}
			tbl.Append(ctl)
			return &frame{kind: eCtl, line: line, legal: map[string]bool{}}, nil

		case eInit:
			cname, ok := attrs["name"]
			if !ok {
				return nil, l.err(line, ErrMissingAttribute, "name")
			}
			idx := model.UnsetIndex
			if v, ok := attrs["index"]; ok {
				n, perr := parseIntAttr(v)
				if perr != nil {
					return nil, l.err(line, ErrInvalidNumber, "index="+v)
				}
				idx = n
			}
			ctl := model.Control{Name: cname, Raw: attrs["val"], Index: idx, Kind: model.ValueUnset, Handle: model.UnresolvedHandle}
			if err := l.bindEager(&ctl, line); err != nil {
				return nil, err
			}
			initTable.Append(ctl)
			return &frame{kind: eCtl, line: line, legal: map[string]bool{}}, nil

		case eStream:
			fn, ok := attrs["function"]
			if !ok {
				return nil, l.err(line, ErrMissingAttribute, "function")
			}
			if fn != "leftvol" && fn != "rightvol" {
				return nil, l.err(line, ErrUnknownAttribute, "function="+fn)
			}
			cname, ok := attrs["name"]
			if !ok {
				return nil, l.err(line, ErrMissingAttribute, "name")
			}
			idx := model.UnsetIndex
			if v, ok := attrs["index"]; ok {
				n, perr := parseIntAttr(v)
				if perr != nil {
					return nil, l.err(line, ErrInvalidNumber, "index="+v)
				}
				idx = n
			}
			// A volume control carries no configured value; Raw "0" lets the
			// binder's value conversion succeed, and set_hw_volume supplies
			// the value actually written.
			vc := &model.VolumeControl{Control: model.Control{Name: cname, Raw: "0", Index: idx, Kind: model.ValueUnset, Handle: model.UnresolvedHandle}}
			if v, ok := attrs["min"]; ok {
				n, perr := parseIntAttr(v)
				if perr != nil {
					return nil, l.err(line, ErrInvalidNumber, "min="+v)
				}
				vc.Min, vc.HasMin = n, true
			}
			if v, ok := attrs["max"]; ok {
				n, perr := parseIntAttr(v)
				if perr != nil {
					return nil, l.err(line, ErrInvalidNumber, "max="+v)
				}
				vc.Max, vc.HasMax = n, true
			}
			l.bindVolumeControl(vc)
			switch fn {
			case "leftvol":
				parent.stream.LeftVol = vc
			case "rightvol":
				parent.stream.RightVol = vc
			}
			return &frame{kind: eCtl, line: line, legal: map[string]bool{}}, nil

		default:
			return nil, l.err(line, ErrIllegalNesting, "<ctl> here")
		}

	case "stream":
		if parent.kind != eAudiohal {
			return nil, l.err(line, ErrIllegalNesting, "<stream> outside <audiohal>")
		}
		s, serr := l.newStream(attrs, line)
		if serr != nil {
			return nil, serr
		}
		if err := l.cm.AddStream(s); err != nil {
			return nil, l.err(line, ErrDuplicateStream, s.Name)
		}
		return &frame{
			kind:  eStream,
			line:  line,
			legal: map[string]bool{"enable": true, "disable": true, "usecase": true, "ctl": true},
			stream: s,
		}, nil

	case "enable":
		pname, ok := attrs["path"]
		if !ok {
			return nil, l.err(line, ErrMissingAttribute, "path")
		}
		parent.stream.EnablePathID = l.pathID(pname)
		return &frame{kind: eEnable, line: line, legal: map[string]bool{}}, nil

	case "disable":
		pname, ok := attrs["path"]
		if !ok {
			return nil, l.err(line, ErrMissingAttribute, "path")
		}
		parent.stream.DisablePathID = l.pathID(pname)
		return &frame{kind: eDisable, line: line, legal: map[string]bool{}}, nil

	case "usecase":
		uname, ok := attrs["name"]
		if !ok {
			return nil, l.err(line, ErrMissingAttribute, "name")
		}
		uc := &model.UseCase{Name: uname, Cases: map[string]*model.Case{}}
		parent.stream.UseCases[uname] = uc
		return &frame{kind: eUsecase, line: line, legal: map[string]bool{"case": true}, useCase: uc}, nil

	case "case":
		switch parent.kind {
		case eCodecProbe:
			cname, ok := attrs["name"]
			if !ok {
				return nil, l.err(line, ErrMissingAttribute, "name")
			}
			file, ok := attrs["file"]
			if !ok {
				return nil, l.err(line, ErrMissingAttribute, "file")
			}
			parent.codecProbe.cases[cname] = file
			return &frame{kind: eCodecCase, line: line, legal: map[string]bool{}}, nil

		case eUsecase:
			cname, ok := attrs["name"]
			if !ok {
				return nil, l.err(line, ErrMissingAttribute, "name")
			}
			tbl := &arena.Table[model.Control]{}
			return &frame{kind: eCase, line: line, legal: map[string]bool{"ctl": true}, caseTable: tbl, caseName: cname}, nil

		default:
			return nil, l.err(line, ErrIllegalNesting, "<case> here")
		}

	default:
		return nil, l.err(line, ErrUnknownElement, name)
	}
}

func (l *loader) endElement(f *frame, parent *frame, line int) (redirect string, err error) {
	switch f.kind {
	case ePath:
		f.pathTable.Shrink()
		p := &model.Path{ID: f.pathID, Name: f.pathName, Controls: f.pathTable.Slice()}
		f.device.Paths[f.pathID] = p
		if l.pathDefs == nil {
			l.pathDefs = map[int]bool{}
		}
		l.pathDefs[f.pathID] = true

	case eCase:
		f.caseTable.Shrink()
		c := &model.Case{Name: f.caseName, Controls: f.caseTable.Slice()}
		parent.useCase.Cases[f.caseName] = c

	case eStream:
		if f.stream.EnablePathID == 0 {
			f.stream.EnablePathID = model.NonePath
		}
		if f.stream.DisablePathID == 0 {
			f.stream.DisablePathID = model.NonePath
		}

	case eCodecProbe:
		return l.resolveCodecProbe(f.codecProbe, line)
	}
	return "", nil
}

func (l *loader) resolveCodecProbe(p *pendingCodecProbe, line int) (string, error) {
	rc, oerr := l.probes.Open(p.file)
	if oerr != nil {
		return "", l.err(line, oerr, "")
	}
	defer rc.Close()

	buf := make([]byte, 256)
	n, _ := rc.Read(buf)
	firstLine := strings.TrimSpace(strings.SplitN(string(buf[:n]), "\n", 2)[0])

	alt, ok := p.cases[firstLine]
	if !ok {
		return "", nil
	}
	if alt == l.doc {
		return "", l.err(line, ErrCodecSelfRedirect, alt)
	}
	return alt, nil
}

func (l *loader) newStream(attrs map[string]string, line int) (*model.Stream, error) {
	name := attrs["name"]
	isGlobal := name == "global"

	typ, ok := attrs["type"]
	if !ok {
		return nil, l.err(line, ErrMissingAttribute, "type")
	}
	dir, hasDir := attrs["dir"]
	if !hasDir && !isGlobal {
		return nil, l.err(line, ErrMissingAttribute, "dir")
	}

	var st model.StreamType
	switch {
	case isGlobal:
		st = model.StreamGlobal
	case typ == "hw" && dir == "out":
		st = model.StreamHWOut
	case typ == "hw" && dir == "in":
		st = model.StreamHWIn
	case typ == "pcm" && dir == "out":
		st = model.StreamPCMOut
	case typ == "pcm" && dir == "in":
		st = model.StreamPCMIn
	case typ == "compress" && dir == "out":
		st = model.StreamCompressedOut
	case typ == "compress" && dir == "in":
		st = model.StreamCompressedIn
	default:
		return nil, l.err(line, ErrUnknownAttribute, "type="+typ+" dir="+dir)
	}

	if (st == model.StreamHWOut || st == model.StreamHWIn) && name == "" {
		return nil, l.err(line, ErrHWStreamRequiresName, "")
	}

	s := &model.Stream{
		Name:          name,
		Type:          st,
		EnablePathID:  model.NonePath,
		DisablePathID: model.NonePath,
		UseCases:      map[string]*model.UseCase{},
	}
	if v, ok := attrs["card"]; ok {
		s.Card, _ = parseIntAttr(v)
	}
	if v, ok := attrs["device"]; ok {
		s.DeviceNum, _ = parseIntAttr(v)
	}
	if v, ok := attrs["rate"]; ok {
		s.Rate, _ = parseIntAttr(v)
	}
	if v, ok := attrs["period_size"]; ok {
		s.PeriodSize, _ = parseIntAttr(v)
	}
	if v, ok := attrs["period_count"]; ok {
		s.PeriodCount, _ = parseIntAttr(v)
	}
	if v, ok := attrs["instances"]; ok {
		s.MaxRefCount, _ = parseIntAttr(v)
	} else {
		s.MaxRefCount = 1
	}
	return s, nil
}

// bindEager performs the load-time half of two-phase
// binding: a "not found" failure is non-fatal (the control is left
// unresolved for lazy rebind on first apply); any other failure
// (value-string conversion, byte-array overflow) is a hard parse
// error.
func (l *loader) bindEager(c *model.Control, line int) error {
	if l.binder == nil {
		return nil
	}
	err := l.binder.Bind(c)
	if err == nil {
		return nil
	}
	if errors.Is(err, mixer.ErrControlNotFound) {
		l.log.Warn("control unresolved at load", "control", c.Name)
		return nil
	}
	return l.err(line, err, "")
}

func (l *loader) bindVolumeControl(vc *model.VolumeControl) {
	if l.binder == nil {
		return
	}
	if err := l.binder.Bind(&vc.Control); err != nil {
		l.log.Warn("volume control unresolved at load", "control", vc.Control.Name, "error", err)
		return
	}
	if !vc.HasMin || !vc.HasMax {
		if lo, hi, rerr := l.mixer.Range(mixer.Handle(vc.Control.Handle)); rerr == nil {
			if !vc.HasMin {
				vc.Min, vc.HasMin = lo, true
			}
			if !vc.HasMax {
				vc.Max, vc.HasMax = hi, true
			}
		}
	}
}

func (l *loader) runInit() error {
	if l.binder == nil {
		return nil
	}
	for i := range l.cm.InitControls {
		c := &l.cm.InitControls[i]
		if c.Handle == model.UnresolvedHandle {
			continue
		}
		if err := l.binder.Apply(c); err != nil {
			l.log.Warn("init control apply failed", "control", c.Name, "error", err)
		}
	}
	return nil
}

func parseIntAttr(s string) (int, error) {
	s = strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	var v int64
	var err error
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err = strconv.ParseInt(s[2:], 16, 64)
	} else {
		v, err = strconv.ParseInt(s, 10, 64)
	}
	if err != nil {
		return 0, err
	}
	if neg {
		v = -v
	}
	return int(v), nil
}

// lineTracker counts newlines consumed by the decoder so parse errors
// can report the line they occurred on without re-reading the
// document through a separate pass.
type lineTracker struct {
	line int
}

func newLineTracker() *lineTracker { return &lineTracker{line: 1} }

func (t *lineTracker) observe(tok xml.Token) {
	switch v := tok.(type) {
	case xml.CharData:
		t.line += strings.Count(string(v), "\n")
	case xml.Comment:
		t.line += strings.Count(string(v), "\n")
	}
}

