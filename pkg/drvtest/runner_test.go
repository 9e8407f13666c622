package drvtest

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRunner_Statuses(t *testing.T) {
	cases := []Case{
		{Name: "passes", Run: func(t *T) error { return nil }},
		{Name: "skips", Run: func(t *T) error { return Skip("tcp-data-split not supported by device") }},
		{Name: "fails", Run: func(t *T) error { return Failf("mode is %s", "disabled") }},
		{Name: "errors", Run: func(t *T) error { return errors.New("netlink: device busy") }},
		{Name: "panics", Run: func(t *T) error { panic("nil snapshot") }},
		{Name: "empty"},
	}
	res := (&Runner{Suite: "hds"}).Run(context.Background(), cases)

	got := map[string]Status{}
	for _, c := range res.Cases {
		got[c.Name] = c.Status
	}
	want := map[string]Status{
		"passes": StatusPassed,
		"skips":  StatusSkipped,
		"fails":  StatusFailed,
		"errors": StatusFailed,
		"panics": StatusFailed,
		"empty":  StatusFailed,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("statuses (-want +got):\n%s", diff)
	}
	if res.Cases[1].Message != "tcp-data-split not supported by device" {
		t.Errorf("skip message = %q", res.Cases[1].Message)
	}
	if !strings.Contains(res.Cases[4].Message, "nil snapshot") {
		t.Errorf("panic message = %q", res.Cases[4].Message)
	}
	if p, f, s := res.Counts(); p != 1 || f != 4 || s != 1 {
		t.Errorf("Counts() = %d, %d, %d", p, f, s)
	}
	if res.ExitCode() != ExitFail {
		t.Errorf("ExitCode() = %d, want %d", res.ExitCode(), ExitFail)
	}
}

func TestRunner_ExitCodeSkipsPass(t *testing.T) {
	res := (&Runner{Suite: "hds"}).Run(context.Background(), []Case{
		{Name: "a", Run: func(t *T) error { return nil }},
		{Name: "b", Run: func(t *T) error { return Skipf("no %s", "xdp") }},
	})
	if res.ExitCode() != ExitPass {
		t.Errorf("ExitCode() = %d, want %d", res.ExitCode(), ExitPass)
	}
}

func TestRunner_FlushesEveryCase(t *testing.T) {
	var order []string
	push := func(t *T, name string) {
		t.Defer(name, func() error {
			order = append(order, name)
			return nil
		})
	}
	cases := []Case{
		{Name: "first", Run: func(t *T) error {
			push(t, "first-a")
			push(t, "first-b")
			return Failf("boom")
		}},
		{Name: "second", Run: func(t *T) error {
			push(t, "second-a")
			return Skip("not supported")
		}},
		{Name: "third", Run: func(t *T) error {
			push(t, "third-a")
			panic("oops")
		}},
	}
	(&Runner{Suite: "hds"}).Run(context.Background(), cases)

	want := []string{"first-b", "first-a", "second-a", "third-a"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("cleanup order (-want +got):\n%s", diff)
	}
}

func TestRunner_CleanupFailureFailsCase(t *testing.T) {
	cases := []Case{
		{Name: "pass-then-bad-cleanup", Run: func(t *T) error {
			t.Defer("restore", func() error { return errors.New("restore rejected") })
			return nil
		}},
		{Name: "skip-then-bad-cleanup", Run: func(t *T) error {
			t.Defer("restore", func() error { return errors.New("restore rejected") })
			return Skip("unsupported")
		}},
		{Name: "next", Run: func(t *T) error { return nil }},
	}
	res := (&Runner{Suite: "hds"}).Run(context.Background(), cases)

	for _, c := range res.Cases[:2] {
		if c.Status != StatusFailed {
			t.Errorf("%s: Status = %s, want FAIL", c.Name, c.Status)
		}
		if !strings.Contains(c.Message, "restore rejected") {
			t.Errorf("%s: Message = %q", c.Name, c.Message)
		}
	}
	if res.Cases[2].Status != StatusPassed {
		t.Errorf("case after a cleanup failure: Status = %s", res.Cases[2].Status)
	}
}

func TestRunner_KTAP(t *testing.T) {
	var buf bytes.Buffer
	r := &Runner{Suite: "hds", Progress: &KTAPProgress{W: &buf}}
	r.Run(context.Background(), []Case{
		{Name: "get_hds", Run: func(t *T) error { return nil }},
		{Name: "get_hds_thresh", Run: func(t *T) error { return Skip("hds-thresh not supported by device") }},
		{Name: "set_hds_enable", Run: func(t *T) error { return Failf("mode unchanged") }},
	})

	want := strings.Join([]string{
		"TAP version 13",
		"1..3",
		"ok 1 hds.get_hds",
		"ok 2 hds.get_hds_thresh # SKIP hds-thresh not supported by device",
		"# assertion failed: mode unchanged",
		"not ok 3 hds.set_hds_enable",
		"# Totals: pass:1 fail:1 xfail:0 xpass:0 skip:1 error:0",
		"",
	}, "\n")
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("KTAP output (-want +got):\n%s", diff)
	}
}

func TestConsoleProgress(t *testing.T) {
	var buf bytes.Buffer
	p := &ConsoleProgress{W: &buf, Verbose: true}
	(&Runner{Suite: "hds", Progress: p}).Run(context.Background(), []Case{
		{Name: "get_hds", Run: func(t *T) error { return nil }},
		{Name: "ioctl", Run: func(t *T) error { return Failf("tcp-data-split changed") }},
		{Name: "set_xdp", Run: func(t *T) error { return Skip("xdp program missing") }},
	})
	out := buf.String()
	for _, want := range []string{
		"drvtest: suite hds, 3 cases",
		"PASS",
		"FAILED:",
		"ioctl: assertion failed: tcp-data-split changed",
		"SKIPPED:",
		"xdp program missing",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

type countingProgress struct{ starts, ends int }

func (c *countingProgress) SuiteStart(string, []Case)          {}
func (c *countingProgress) CaseStart(string, string, int, int) { c.starts++ }
func (c *countingProgress) CaseEnd(*CaseResult, int, int)      { c.ends++ }
func (c *countingProgress) SuiteEnd(*SuiteResult)              {}

func TestMultiProgress(t *testing.T) {
	a, b := &countingProgress{}, &countingProgress{}
	(&Runner{Suite: "s", Progress: MultiProgress{a, b}}).Run(context.Background(), []Case{
		{Name: "x", Run: func(t *T) error { return nil }},
		{Name: "y", Run: func(t *T) error { return nil }},
	})
	if a.starts != 2 || b.ends != 2 {
		t.Errorf("starts=%d ends=%d", a.starts, b.ends)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := map[string]string{
		"500ms": "<1s",
		"12s":   "12s",
		"2m":    "2m",
		"2m5s":  "2m05s",
	}
	for in, want := range tests {
		d, _ := timeParse(in)
		if got := formatDuration(d); got != want {
			t.Errorf("formatDuration(%s) = %q, want %q", in, got, want)
		}
	}
}

func TestRunner_CaseNameInContext(t *testing.T) {
	var got []string
	run := func(t *T) error {
		got = append(got, CaseName(t.Context()))
		return nil
	}
	(&Runner{Suite: "hds"}).Run(context.Background(), []Case{
		{Name: "get_hds", Run: run},
		{Name: "set_xdp", Run: run},
	})
	if diff := cmp.Diff([]string{"hds.get_hds", "hds.set_xdp"}, got); diff != "" {
		t.Errorf("case names (-want +got):\n%s", diff)
	}
	if name := CaseName(context.Background()); name != "" {
		t.Errorf("CaseName(background) = %q, want empty", name)
	}
}
