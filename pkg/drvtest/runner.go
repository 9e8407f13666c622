// Package drvtest runs suites of driver test cases and reports their
// outcome in KTAP, JUnit XML and Prometheus textfile form.
package drvtest

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/newtron-network/drvtest/pkg/cleanup"
	"github.com/newtron-network/drvtest/pkg/util"
)

// Process exit codes, as kselftest defines them.
const (
	ExitPass = 0
	ExitFail = 1
	ExitSkip = 4
)

// Status is the outcome of a case.
type Status string

const (
	StatusPassed  Status = "PASS"
	StatusFailed  Status = "FAIL"
	StatusSkipped Status = "SKIP"
)

// CaseResult holds the result of a single case.
type CaseResult struct {
	Suite    string
	Name     string
	Status   Status
	Duration time.Duration
	Message  string // skip reason or failure text
	Err      error  // what the case returned
	Cleanup  error  // first cleanup failure
}

// FullName is "<suite>.<case>".
func (r *CaseResult) FullName() string {
	return r.Suite + "." + r.Name
}

// SuiteResult holds every case result of one run.
type SuiteResult struct {
	Suite    string
	Cases    []*CaseResult
	Duration time.Duration
}

// Counts tallies results by status.
func (r *SuiteResult) Counts() (passed, failed, skipped int) {
	for _, c := range r.Cases {
		switch c.Status {
		case StatusPassed:
			passed++
		case StatusFailed:
			failed++
		case StatusSkipped:
			skipped++
		}
	}
	return
}

// ExitCode is 1 if any case failed, else 0. Skips do not fail a run.
func (r *SuiteResult) ExitCode() int {
	if _, failed, _ := r.Counts(); failed > 0 {
		return ExitFail
	}
	return ExitPass
}

// Runner executes cases in order. Each case gets its own cleanup registry,
// flushed after the case returns whatever the outcome.
type Runner struct {
	Suite    string
	Progress ProgressReporter
}

// Run executes every case and returns the collected results.
func (r *Runner) Run(ctx context.Context, cases []Case) *SuiteResult {
	progress := r.Progress
	if progress == nil {
		progress = nopProgress{}
	}
	res := &SuiteResult{Suite: r.Suite}
	start := time.Now()

	progress.SuiteStart(r.Suite, cases)
	for i, c := range cases {
		progress.CaseStart(r.Suite, c.Name, i, len(cases))
		cr := r.runCase(ctx, c)
		res.Cases = append(res.Cases, cr)
		progress.CaseEnd(cr, i, len(cases))
	}
	res.Duration = time.Since(start)
	progress.SuiteEnd(res)
	return res
}

func (r *Runner) runCase(ctx context.Context, c Case) *CaseResult {
	log := logForCase(r.Suite, c.Name)
	reg := cleanup.New(log)
	t := &T{ctx: withCase(ctx, r.Suite, c.Name), suite: r.Suite, name: c.Name, reg: reg, log: log}

	start := time.Now()
	err := invoke(c, t)
	cerr := reg.Flush()

	cr := &CaseResult{
		Suite:    r.Suite,
		Name:     c.Name,
		Duration: time.Since(start),
		Err:      err,
		Cleanup:  cerr,
	}
	var skip *SkipError
	switch {
	case err == nil:
		cr.Status = StatusPassed
	case errors.As(err, &skip):
		cr.Status = StatusSkipped
		cr.Message = skip.Reason
	default:
		cr.Status = StatusFailed
		cr.Message = err.Error()
	}
	if cerr != nil {
		if cr.Status != StatusFailed {
			cr.Message = ""
		} else {
			cr.Message += "\n"
		}
		cr.Status = StatusFailed
		cr.Message += "cleanup: " + cerr.Error()
	}
	log.WithFields(logrus.Fields{"status": cr.Status, "duration": cr.Duration}).Debug("case done")
	return cr
}

// invoke runs the case, turning a panic into a failure.
func invoke(c Case, t *T) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v\n%s", p, debug.Stack())
		}
	}()
	if c.Run == nil {
		return fmt.Errorf("case %s has no body", c.Name)
	}
	return c.Run(t)
}

func logForCase(suite, name string) *logrus.Entry {
	return util.WithCase(suite, name)
}
