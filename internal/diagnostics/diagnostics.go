// SPDX-License-Identifier: MIT

// Package diagnostics runs a small set of health checks against one
// root XML document: does it parse and open its mixer, does it
// declare usable devices, and did every control the binder tried
// actually resolve. It backs tinyhalctl's "doctor" subcommand, cut
// down to the three checks meaningful for a Configuration Manager
// with no persistent state of its own.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CirrusLogic/tinyhal-sub001/internal/cm"
	"github.com/CirrusLogic/tinyhal-sub001/internal/mixer"
	"github.com/CirrusLogic/tinyhal-sub001/internal/xmlload"
)

// CheckStatus indicates the result of a single check.
type CheckStatus string

const (
	StatusOK       CheckStatus = "OK"
	StatusWarning  CheckStatus = "WARNING"
	StatusCritical CheckStatus = "CRITICAL"
)

// CheckResult is the outcome of one diagnostic check.
type CheckResult struct {
	Name     string        `json:"name"`
	Status   CheckStatus   `json:"status"`
	Message  string        `json:"message"`
	Duration time.Duration `json:"duration"`
}

// Summary tallies CheckResult.Status across a report.
type Summary struct {
	Total    int `json:"total"`
	OK       int `json:"ok"`
	Warning  int `json:"warning"`
	Critical int `json:"critical"`
}

// DiagnosticReport is the complete result of a Runner.Run call.
type DiagnosticReport struct {
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
	Checks    []CheckResult `json:"checks"`
	Summary   Summary       `json:"summary"`
	Healthy   bool          `json:"healthy"`
}

// Options names the document a Runner checks, in the same shape
// cm.Init takes.
type Options struct {
	Src    xmlload.DocumentSource
	Probes xmlload.ProbeSource
	Doc    string
	Opener mixer.Opener
	Policy xmlload.RescanPolicy
}

// Runner executes the fixed check list against Options' document.
type Runner struct {
	opts Options
}

// NewRunner creates a diagnostic runner for opts.
func NewRunner(opts Options) *Runner {
	return &Runner{opts: opts}
}

// Run executes every check and returns a report. It never returns an
// error itself: a failed load is reported as a CRITICAL check result,
// not a Go error, so callers always get a complete report.
func (r *Runner) Run(ctx context.Context) (*DiagnosticReport, error) {
	start := time.Now()
	report := &DiagnosticReport{Timestamp: start}

	mgr, loadResult := r.checkLoadDocument(ctx)
	report.Checks = append(report.Checks, loadResult)

	if mgr != nil {
		defer mgr.Close()
		report.Checks = append(report.Checks,
			r.checkDeviceCoverage(mgr),
			r.checkUnresolvedControls(mgr),
		)
	}

	for _, c := range report.Checks {
		report.Summary.Total++
		switch c.Status {
		case StatusOK:
			report.Summary.OK++
		case StatusWarning:
			report.Summary.Warning++
		case StatusCritical:
			report.Summary.Critical++
		}
	}

	report.Duration = time.Since(start)
	report.Healthy = report.Summary.Critical == 0
	return report, nil
}

// checkLoadDocument parses the document and opens its declared mixer,
// returning the live Manager on success so later checks can reuse it.
func (r *Runner) checkLoadDocument(ctx context.Context) (*cm.Manager, CheckResult) {
	start := time.Now()

	select {
	case <-ctx.Done():
		return nil, CheckResult{Name: "load_document", Status: StatusCritical, Message: ctx.Err().Error(), Duration: time.Since(start)}
	default:
	}

	mgr, err := cm.Init(r.opts.Src, r.opts.Probes, r.opts.Doc, r.opts.Opener, r.opts.Policy, nil)
	if err != nil {
		msg := err.Error()
		var perr *xmlload.ParseError
		if errors.As(err, &perr) {
			msg = fmt.Sprintf("%s:%d: %v", perr.Doc, perr.Line, perr.Err)
		}
		return nil, CheckResult{Name: "load_document", Status: StatusCritical, Message: msg, Duration: time.Since(start)}
	}
	return mgr, CheckResult{Name: "load_document", Status: StatusOK, Message: "document parsed and mixer opened", Duration: time.Since(start)}
}

// checkDeviceCoverage warns when the document declares nothing a
// caller could ever route to.
func (r *Runner) checkDeviceCoverage(mgr *cm.Manager) CheckResult {
	start := time.Now()
	c := mgr.ConfigMgr()

	if len(c.Devices) == 0 {
		return CheckResult{Name: "device_coverage", Status: StatusWarning, Message: "document declares no devices", Duration: time.Since(start)}
	}
	if c.OutputDeviceFlags() == 0 && c.InputDeviceFlags() == 0 {
		return CheckResult{Name: "device_coverage", Status: StatusWarning, Message: "no device declares a direction bit", Duration: time.Since(start)}
	}
	return CheckResult{
		Name:     "device_coverage",
		Status:   StatusOK,
		Message:  fmt.Sprintf("%d device(s), %d stream(s)", len(c.Devices), len(c.Streams)),
		Duration: time.Since(start),
	}
}

// checkUnresolvedControls warns when any control never bound to a
// mixer handle (lazy rebind only retries on the next apply; a
// standing failure here means a codec is missing or the control name
// is wrong).
func (r *Runner) checkUnresolvedControls(mgr *cm.Manager) CheckResult {
	start := time.Now()
	status := mgr.Status()

	if status.UnresolvedControls > 0 {
		return CheckResult{
			Name:     "unresolved_controls",
			Status:   StatusWarning,
			Message:  fmt.Sprintf("%d control(s) never bound to a mixer handle", status.UnresolvedControls),
			Duration: time.Since(start),
		}
	}
	return CheckResult{Name: "unresolved_controls", Status: StatusOK, Message: "every control bound", Duration: time.Since(start)}
}
