package drvtest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
)

// WriteMetrics exports results in the node_exporter textfile format so a
// lab's collector can scrape the last run.
func WriteMetrics(path, device string, results ...*SuiteResult) error {
	reg := prometheus.NewRegistry()

	caseStatus := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "drvtest",
		Name:      "case_status",
		Help:      "1 for the status each case ended in.",
	}, []string{"device", "suite", "case", "status"})
	caseDuration := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "drvtest",
		Name:      "case_duration_seconds",
		Help:      "Wall time of each case including cleanup.",
	}, []string{"device", "suite", "case"})
	suiteCases := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "drvtest",
		Name:      "suite_cases",
		Help:      "Number of cases per status.",
	}, []string{"device", "suite", "status"})
	suiteExit := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "drvtest",
		Name:      "suite_exit_code",
		Help:      "Exit code the suite run maps to.",
	}, []string{"device", "suite"})
	reg.MustRegister(caseStatus, caseDuration, suiteCases, suiteExit)

	for _, r := range results {
		for _, c := range r.Cases {
			caseStatus.WithLabelValues(device, r.Suite, c.Name, string(c.Status)).Set(1)
			caseDuration.WithLabelValues(device, r.Suite, c.Name).Set(c.Duration.Seconds())
		}
		passed, failed, skipped := r.Counts()
		suiteCases.WithLabelValues(device, r.Suite, string(StatusPassed)).Set(float64(passed))
		suiteCases.WithLabelValues(device, r.Suite, string(StatusFailed)).Set(float64(failed))
		suiteCases.WithLabelValues(device, r.Suite, string(StatusSkipped)).Set(float64(skipped))
		suiteExit.WithLabelValues(device, r.Suite).Set(float64(r.ExitCode()))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}
	return nil
}
