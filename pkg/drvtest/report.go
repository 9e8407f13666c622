package drvtest

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DateTimeFormat is used in report headers.
const DateTimeFormat = "2006-01-02 15:04:05"

// ReportGenerator produces reports from suite results.
type ReportGenerator struct {
	Results []*SuiteResult
	Device  string
}

// WriteMarkdown writes a markdown report to the given path.
func (g *ReportGenerator) WriteMarkdown(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintf(f, "# drvtest report: %s (%s)\n\n", g.Device, time.Now().Format(DateTimeFormat))

	fmt.Fprintln(f, "| Case | Result | Duration | Note |")
	fmt.Fprintln(f, "|------|--------|----------|------|")
	for _, s := range g.Results {
		for _, c := range s.Cases {
			note := ""
			if c.Status == StatusSkipped {
				note = c.Message
			}
			fmt.Fprintf(f, "| %s | %s | %s | %s |\n",
				c.FullName(), c.Status, c.Duration.Round(time.Millisecond), mdEscape(note))
		}
	}

	hasFailures := false
	for _, s := range g.Results {
		for _, c := range s.Cases {
			if c.Status != StatusFailed {
				continue
			}
			if !hasFailures {
				fmt.Fprintf(f, "\n## Failures\n\n")
				hasFailures = true
			}
			fmt.Fprintf(f, "### %s\n\n```\n%s\n```\n\n", c.FullName(), c.Message)
		}
	}

	return nil
}

func mdEscape(s string) string {
	return strings.ReplaceAll(firstLine(s), "|", `\|`)
}

// WriteJUnit writes a JUnit XML report for CI integration.
func (g *ReportGenerator) WriteJUnit(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	suites := junitTestSuites{}
	for _, r := range g.Results {
		suite := junitTestSuite{
			Name: r.Suite,
			Time: r.Duration.Seconds(),
		}
		for _, c := range r.Cases {
			suite.Tests++
			tc := junitTestCase{
				Name:      c.Name,
				ClassName: r.Suite,
				Time:      c.Duration.Seconds(),
			}
			switch c.Status {
			case StatusFailed:
				suite.Failures++
				typ := "assertion"
				var ae *AssertionError
				if c.Cleanup != nil {
					typ = "cleanup"
				} else if !errors.As(c.Err, &ae) {
					typ = "error"
				}
				tc.Failure = &junitFailure{
					Message: firstLine(c.Message),
					Type:    typ,
					Text:    c.Message,
				}
			case StatusSkipped:
				suite.Skipped++
				tc.Skipped = &junitSkipped{Message: c.Message}
			}
			suite.Cases = append(suite.Cases, tc)
		}
		suites.Suites = append(suites.Suites, suite)
	}

	data, err := xml.MarshalIndent(suites, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, append([]byte(xml.Header), data...), 0o644)
}

// JUnit XML types

type junitTestSuites struct {
	XMLName xml.Name         `xml:"testsuites"`
	Suites  []junitTestSuite `xml:"testsuite"`
}

type junitTestSuite struct {
	Name     string          `xml:"name,attr"`
	Tests    int             `xml:"tests,attr"`
	Failures int             `xml:"failures,attr"`
	Skipped  int             `xml:"skipped,attr"`
	Time     float64         `xml:"time,attr"`
	Cases    []junitTestCase `xml:"testcase"`
}

type junitTestCase struct {
	Name      string        `xml:"name,attr"`
	ClassName string        `xml:"classname,attr"`
	Time      float64       `xml:"time,attr"`
	Failure   *junitFailure `xml:"failure,omitempty"`
	Skipped   *junitSkipped `xml:"skipped,omitempty"`
}

type junitFailure struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Text    string `xml:",chardata"`
}

type junitSkipped struct {
	Message string `xml:"message,attr"`
}
