// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/CirrusLogic/tinyhal-sub001/internal/bootstrap"
	"github.com/CirrusLogic/tinyhal-sub001/internal/cm"
	"github.com/CirrusLogic/tinyhal-sub001/internal/diagnostics"
	"github.com/CirrusLogic/tinyhal-sub001/internal/inspector"
	"github.com/CirrusLogic/tinyhal-sub001/internal/mixer/alsa"
	"github.com/CirrusLogic/tinyhal-sub001/internal/model"
	"github.com/CirrusLogic/tinyhal-sub001/internal/xmlload"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	GitCommit = "none"
	BuildDate = "unknown"
)

const (
	exitSuccess = 0
	exitError   = 1
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
	os.Exit(exitSuccess)
}

// run is the main entry point, extracted for testability.
func run(args []string) error {
	if len(args) == 0 {
		return runHelp()
	}

	command := args[0]
	commandArgs := args[1:]

	switch command {
	case "help", "--help", "-h":
		return runHelp()
	case "version", "--version", "-v":
		return runVersion()
	case "validate":
		return runValidate(commandArgs)
	case "doctor":
		return runDoctor(commandArgs)
	case "dump":
		return runDump(commandArgs)
	case "route":
		return runRoute(commandArgs)
	case "usecase":
		return runUseCase(commandArgs)
	case "volume":
		return runVolume(commandArgs)
	case "inspect":
		return runInspect(commandArgs)
	default:
		return fmt.Errorf("unknown command: %s (run 'tinyhalctl help' for usage)", command)
	}
}

func runHelp() error {
	fmt.Printf(`tinyhalctl v%s

USAGE:
    tinyhalctl [COMMAND] [OPTIONS]

COMMANDS:
    help              Show this help message
    version           Show version information
    validate          Load and parse the configured XML document, reporting errors
    doctor            Run load/coverage/unresolved-control checks and print a report
    dump              Print every device and stream the loaded document declares
    route             Apply a route: --stream=NAME --device=NAME
    usecase           Apply a use case: --stream=NAME --usecase=NAME --case=NAME
    volume            Set stream volume: --stream=NAME --left=PCT [--right=PCT]
    inspect           Launch the interactive terminal inspector

OPTIONS:
    --config PATH     Path to the settings YAML file (default: %s)
    --xml PATH        Root XML document, bypassing product-id resolution

EXAMPLES:
    tinyhalctl validate --xml=/etc/tinyhal/audio.ref.xml
    tinyhalctl doctor --json
    tinyhalctl dump --json
    tinyhalctl route --stream=speaker-out --device=speaker
    tinyhalctl inspect
`, Version, bootstrap.SettingsFilePath)
	return nil
}

func runVersion() error {
	fmt.Printf("tinyhalctl version %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
	return nil
}

// commonFlags holds the settings every subcommand that opens a
// ConfigMgr shares: where to find the settings file, and an explicit
// XML path overriding product-id resolution.
type commonFlags struct {
	configPath string
	xmlPath    string
	jsonOutput bool
}

func parseCommonFlags(args []string) (commonFlags, map[string]string) {
	cf := commonFlags{configPath: bootstrap.SettingsFilePath}
	extra := make(map[string]string)

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case strings.HasPrefix(arg, "--config="):
			cf.configPath = strings.TrimPrefix(arg, "--config=")
		case arg == "--config" && i+1 < len(args):
			cf.configPath = args[i+1]
			i++
		case strings.HasPrefix(arg, "--xml="):
			cf.xmlPath = strings.TrimPrefix(arg, "--xml=")
		case arg == "--xml" && i+1 < len(args):
			cf.xmlPath = args[i+1]
			i++
		case arg == "--json" || arg == "-j":
			cf.jsonOutput = true
		case strings.HasPrefix(arg, "--"):
			key := strings.TrimPrefix(arg, "--")
			if eq := strings.IndexByte(key, '='); eq >= 0 {
				extra[key[:eq]] = key[eq+1:]
			} else if i+1 < len(args) {
				extra[key] = args[i+1]
				i++
			}
		}
	}
	return cf, extra
}

// openManager resolves the settings and XML document per cf and opens
// a live Manager against the real ALSA mixer, following the layered
// config/etc-root/product-id bootstrap order.
func openManager(cf commonFlags) (*cm.Manager, error) {
	cfg, err := bootstrap.LoadConfig(cf.configPath)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if cf.xmlPath != "" {
		cfg.XMLPath = cf.xmlPath
	}

	xmlPath, err := cfg.ResolveXMLPath()
	if err != nil {
		return nil, fmt.Errorf("resolve xml path: %w", err)
	}

	src := xmlload.NewOSSource(filepath.Dir(xmlPath))
	opener := alsa.Opener{ProcRoot: cfg.ProcRoot}

	mgr, err := cm.Init(src, xmlload.OSProbeSource{}, filepath.Base(xmlPath), opener, cfg.ResolveRescanPolicy(), nil)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", xmlPath, err)
	}
	return mgr, nil
}

// resolveDiagnosticsOptions mirrors openManager's path resolution but
// hands the raw inputs to diagnostics.Runner instead of opening a
// Manager directly, since a failed load is the very thing doctor is
// meant to report.
func resolveDiagnosticsOptions(cf commonFlags) (diagnostics.Options, error) {
	cfg, err := bootstrap.LoadConfig(cf.configPath)
	if err != nil {
		return diagnostics.Options{}, fmt.Errorf("load settings: %w", err)
	}
	if cf.xmlPath != "" {
		cfg.XMLPath = cf.xmlPath
	}

	xmlPath, err := cfg.ResolveXMLPath()
	if err != nil {
		return diagnostics.Options{}, fmt.Errorf("resolve xml path: %w", err)
	}

	return diagnostics.Options{
		Src:    xmlload.NewOSSource(filepath.Dir(xmlPath)),
		Probes: xmlload.OSProbeSource{},
		Doc:    filepath.Base(xmlPath),
		Opener: alsa.Opener{ProcRoot: cfg.ProcRoot},
		Policy: cfg.ResolveRescanPolicy(),
	}, nil
}

func runDoctor(args []string) error {
	cf, _ := parseCommonFlags(args)

	opts, err := resolveDiagnosticsOptions(cf)
	if err != nil {
		return err
	}

	report, err := diagnostics.NewRunner(opts).Run(context.Background())
	if err != nil {
		return fmt.Errorf("doctor: %w", err)
	}

	if cf.jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(report)
	}

	for _, c := range report.Checks {
		fmt.Printf("[%s] %-22s %s\n", c.Status, c.Name, c.Message)
	}
	if report.Healthy {
		fmt.Println("overall: healthy")
		return nil
	}
	fmt.Println("overall: unhealthy")
	return fmt.Errorf("doctor: %d critical check(s) failed", report.Summary.Critical)
}

func runValidate(args []string) error {
	cf, _ := parseCommonFlags(args)

	mgr, err := openManager(cf)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	defer mgr.Close()

	c := mgr.ConfigMgr()
	fmt.Println("valid configuration")
	fmt.Printf("  %d device(s), %d stream(s)\n", len(c.Devices), len(c.Streams))

	status := mgr.Status()
	if status.UnresolvedControls > 0 {
		fmt.Printf("  warning: %d control(s) did not bind to a mixer handle\n", status.UnresolvedControls)
	}
	return nil
}

type dumpDevice struct {
	Name     string `json:"name"`
	UseCount int    `json:"use_count"`
	Paths    int    `json:"paths"`
}

type dumpStream struct {
	Name        string `json:"name,omitempty"`
	RefCount    int    `json:"ref_count"`
	MaxRefCount int    `json:"max_ref_count"`
}

type dumpOutput struct {
	Devices            []dumpDevice `json:"devices"`
	Streams            []dumpStream `json:"streams"`
	UnresolvedControls int          `json:"unresolved_controls"`
}

func runDump(args []string) error {
	cf, _ := parseCommonFlags(args)

	mgr, err := openManager(cf)
	if err != nil {
		return err
	}
	defer mgr.Close()

	c := mgr.ConfigMgr()
	out := dumpOutput{UnresolvedControls: mgr.Status().UnresolvedControls}
	for _, d := range c.OrderedDevices() {
		out.Devices = append(out.Devices, dumpDevice{Name: d.Name, UseCount: d.UseCount, Paths: len(d.Paths)})
	}
	for _, s := range c.Streams {
		out.Streams = append(out.Streams, dumpStream{Name: s.Name, RefCount: s.RefCount, MaxRefCount: s.MaxRefCount})
	}

	if cf.jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(out)
	}

	fmt.Printf("devices (%d):\n", len(out.Devices))
	for _, d := range out.Devices {
		fmt.Printf("  %-20s use_count=%d paths=%d\n", d.Name, d.UseCount, d.Paths)
	}
	fmt.Printf("streams (%d):\n", len(out.Streams))
	for _, s := range out.Streams {
		name := s.Name
		if name == "" {
			name = "<unnamed>"
		}
		fmt.Printf("  %-20s ref_count=%d/%d\n", name, s.RefCount, s.MaxRefCount)
	}
	if out.UnresolvedControls > 0 {
		fmt.Printf("unresolved controls: %d\n", out.UnresolvedControls)
	}
	return nil
}

func runRoute(args []string) error {
	cf, extra := parseCommonFlags(args)
	streamName, deviceName := extra["stream"], extra["device"]
	if deviceName == "" {
		return fmt.Errorf("route: --device is required")
	}

	devType, ok := model.LookupDeviceType(deviceName)
	if !ok {
		return fmt.Errorf("route: unknown device %q", deviceName)
	}

	mgr, err := openManager(cf)
	if err != nil {
		return err
	}
	defer mgr.Close()

	s, err := resolveStream(mgr, streamName, devType)
	if err != nil {
		return err
	}
	if err := mgr.ApplyRoute(s, devType); err != nil {
		return fmt.Errorf("apply route: %w", err)
	}
	fmt.Printf("routed %q to %q\n", streamLabel(s), deviceName)
	return nil
}

func runUseCase(args []string) error {
	cf, extra := parseCommonFlags(args)
	streamName, usecaseName, caseName := extra["stream"], extra["usecase"], extra["case"]
	if usecaseName == "" || caseName == "" {
		return fmt.Errorf("usecase: --usecase and --case are required")
	}

	mgr, err := openManager(cf)
	if err != nil {
		return err
	}
	defer mgr.Close()

	s, err := resolveStream(mgr, streamName, 0)
	if err != nil {
		return err
	}
	if err := mgr.ApplyUseCase(s, usecaseName, caseName); err != nil {
		return fmt.Errorf("apply use case: %w", err)
	}
	fmt.Printf("applied use case %s/%s to %q\n", usecaseName, caseName, streamLabel(s))
	return nil
}

func runVolume(args []string) error {
	cf, extra := parseCommonFlags(args)
	streamName := extra["stream"]
	left, err := strconv.Atoi(extra["left"])
	if err != nil {
		return fmt.Errorf("volume: --left must be an integer percentage: %w", err)
	}
	right := left
	if v, ok := extra["right"]; ok {
		right, err = strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("volume: --right must be an integer percentage: %w", err)
		}
	}

	mgr, err := openManager(cf)
	if err != nil {
		return err
	}
	defer mgr.Close()

	s, err := resolveStream(mgr, streamName, 0)
	if err != nil {
		return err
	}
	if err := mgr.SetHWVolume(s, left, right); err != nil {
		return fmt.Errorf("set volume: %w", err)
	}
	fmt.Printf("set volume on %q: left=%d right=%d\n", streamLabel(s), left, right)
	return nil
}

func runInspect(args []string) error {
	cf, _ := parseCommonFlags(args)

	mgr, err := openManager(cf)
	if err != nil {
		return err
	}
	defer mgr.Close()

	return inspector.New(mgr).Run()
}

// resolveStream looks up a named stream, or falls back to an unnamed
// capability match against devType when name is empty.
func resolveStream(mgr *cm.Manager, name string, devType model.DeviceType) (*model.Stream, error) {
	if name != "" {
		s, err := mgr.GetNamedStream(name)
		if err != nil {
			return nil, fmt.Errorf("resolve stream %q: %w", name, err)
		}
		return s, nil
	}
	s, err := mgr.GetStream(devType, true)
	if err != nil {
		return nil, fmt.Errorf("resolve stream for device flags %#x: %w", devType, err)
	}
	return s, nil
}

func streamLabel(s *model.Stream) string {
	if s.Name != "" {
		return s.Name
	}
	return "<unnamed>"
}
