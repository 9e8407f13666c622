package drvtest

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/newtron-network/drvtest/pkg/cli"
)

// ProgressReporter receives lifecycle callbacks during a run.
type ProgressReporter interface {
	SuiteStart(suite string, cases []Case)
	CaseStart(suite, name string, index, total int)
	CaseEnd(result *CaseResult, index, total int)
	SuiteEnd(result *SuiteResult)
}

type nopProgress struct{}

func (nopProgress) SuiteStart(string, []Case)          {}
func (nopProgress) CaseStart(string, string, int, int) {}
func (nopProgress) CaseEnd(*CaseResult, int, int)      {}
func (nopProgress) SuiteEnd(*SuiteResult)              {}

// KTAPProgress prints results in the kselftest KTAP format.
type KTAPProgress struct {
	W io.Writer
}

// NewKTAPProgress creates a KTAP reporter writing to stdout.
func NewKTAPProgress() *KTAPProgress {
	return &KTAPProgress{W: os.Stdout}
}

func (p *KTAPProgress) SuiteStart(suite string, cases []Case) {
	fmt.Fprintln(p.W, "TAP version 13")
	fmt.Fprintf(p.W, "1..%d\n", len(cases))
}

func (p *KTAPProgress) CaseStart(suite, name string, index, total int) {}

func (p *KTAPProgress) CaseEnd(r *CaseResult, index, total int) {
	n := index + 1
	switch r.Status {
	case StatusPassed:
		fmt.Fprintf(p.W, "ok %d %s\n", n, r.FullName())
	case StatusSkipped:
		fmt.Fprintf(p.W, "ok %d %s # SKIP %s\n", n, r.FullName(), firstLine(r.Message))
	default:
		for _, line := range strings.Split(strings.TrimRight(r.Message, "\n"), "\n") {
			fmt.Fprintf(p.W, "# %s\n", line)
		}
		fmt.Fprintf(p.W, "not ok %d %s\n", n, r.FullName())
	}
}

func (p *KTAPProgress) SuiteEnd(r *SuiteResult) {
	passed, failed, skipped := r.Counts()
	fmt.Fprintf(p.W, "# Totals: pass:%d fail:%d xfail:0 xpass:0 skip:%d error:0\n", passed, failed, skipped)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// ConsoleProgress is an append-only terminal progress reporter.
// It never uses ANSI cursor rewriting, so output is safe for pipes, CI,
// and scrollback buffers.
type ConsoleProgress struct {
	W       io.Writer
	Verbose bool

	dotWidth int
}

// NewConsoleProgress creates a ConsoleProgress writing to stdout.
func NewConsoleProgress(verbose bool) *ConsoleProgress {
	return &ConsoleProgress{
		W:       os.Stdout,
		Verbose: verbose,
	}
}

func (p *ConsoleProgress) SuiteStart(suite string, cases []Case) {
	maxName := 0
	for _, c := range cases {
		if len(c.Name) > maxName {
			maxName = len(c.Name)
		}
	}
	p.dotWidth = maxName + 6
	fmt.Fprintf(p.W, "\ndrvtest: suite %s, %d cases\n\n", suite, len(cases))
}

func (p *ConsoleProgress) CaseStart(suite, name string, index, total int) {
	if p.Verbose {
		fmt.Fprintf(p.W, "  [%d/%d]  %s\n", index+1, total, name)
	}
}

func (p *ConsoleProgress) CaseEnd(r *CaseResult, index, total int) {
	tag := fmt.Sprintf("[%d/%d]", index+1, total)
	padded := cli.DotPad(r.Name, p.dotWidth)

	switch r.Status {
	case StatusSkipped:
		fmt.Fprintf(p.W, "  %-7s %s %s\n", tag, padded, cli.Yellow("SKIP"))
	case StatusPassed:
		fmt.Fprintf(p.W, "  %-7s %s %s  (%s)\n", tag, padded, cli.Green("PASS"), formatDuration(r.Duration))
	case StatusFailed:
		fmt.Fprintf(p.W, "  %-7s %s %s  (%s)\n", tag, padded, cli.Red("FAIL"), formatDuration(r.Duration))
	}
	if p.Verbose && r.Message != "" {
		for _, line := range strings.Split(strings.TrimRight(r.Message, "\n"), "\n") {
			fmt.Fprintf(p.W, "          %s\n", cli.Dim(line))
		}
	}
}

func (p *ConsoleProgress) SuiteEnd(r *SuiteResult) {
	passed, failed, skipped := r.Counts()

	fmt.Fprintf(p.W, "\n---\n")
	fmt.Fprintf(p.W, "drvtest: %d cases", len(r.Cases))

	parts := []string{}
	if passed > 0 {
		parts = append(parts, cli.Green(fmt.Sprintf("%d passed", passed)))
	}
	if failed > 0 {
		parts = append(parts, cli.Red(fmt.Sprintf("%d failed", failed)))
	}
	if skipped > 0 {
		parts = append(parts, cli.Yellow(fmt.Sprintf("%d skipped", skipped)))
	}
	if len(parts) > 0 {
		fmt.Fprintf(p.W, ": %s", strings.Join(parts, ", "))
	}
	fmt.Fprintf(p.W, "  (%s)\n", formatDuration(r.Duration))

	if failed > 0 {
		fmt.Fprintf(p.W, "\n  FAILED:\n")
		for i, c := range r.Cases {
			if c.Status != StatusFailed {
				continue
			}
			fmt.Fprintf(p.W, "    [%d]  %s: %s\n", i+1, c.Name, firstLine(c.Message))
		}
	}

	if skipped > 0 {
		fmt.Fprintf(p.W, "\n  SKIPPED:\n")
		for i, c := range r.Cases {
			if c.Status != StatusSkipped {
				continue
			}
			padded := cli.DotPad(c.Name, p.dotWidth)
			fmt.Fprintf(p.W, "    [%d]  %s %s\n", i+1, padded, c.Message)
		}
	}

	fmt.Fprintln(p.W)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if s == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}

// MultiProgress fans callbacks out to several reporters.
type MultiProgress []ProgressReporter

func (m MultiProgress) SuiteStart(suite string, cases []Case) {
	for _, p := range m {
		p.SuiteStart(suite, cases)
	}
}

func (m MultiProgress) CaseStart(suite, name string, index, total int) {
	for _, p := range m {
		p.CaseStart(suite, name, index, total)
	}
}

func (m MultiProgress) CaseEnd(r *CaseResult, index, total int) {
	for _, p := range m {
		p.CaseEnd(r, index, total)
	}
}

func (m MultiProgress) SuiteEnd(r *SuiteResult) {
	for _, p := range m {
		p.SuiteEnd(r)
	}
}
