package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/newtron-network/drvtest/pkg/audit"
	"github.com/newtron-network/drvtest/pkg/drvtest"
	"github.com/newtron-network/drvtest/pkg/env"
	"github.com/newtron-network/drvtest/pkg/ethtool"
	"github.com/newtron-network/drvtest/pkg/hds"
	"github.com/newtron-network/drvtest/pkg/util"
)

func newRunCmd() *cobra.Command {
	var (
		caseNames   []string
		format      string
		junitPath   string
		reportPath  string
		metricsPath string
		auditPath   string
		auditMax    int64
	)

	cmd := &cobra.Command{
		Use:   "run [suite]",
		Short: "Run a test suite against the device",
		Long: `Run every case of a suite, or the ones named with --case.

Exit status is 0 when every case passed or skipped, 1 when any case
failed, and 4 when the environment could not be set up.

  drvtest run hds
  drvtest run hds -c set_hds_enable -c set_hds_disable
  drvtest run hds --format console --junit out/hds.xml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := hds.Suite
			if len(args) > 0 {
				name = args[0]
			}
			suite, err := findSuite(name)
			if err != nil {
				return err
			}

			var progress drvtest.ProgressReporter
			switch format {
			case "ktap":
				progress = drvtest.NewKTAPProgress()
			case "console":
				progress = drvtest.NewConsoleProgress(verbose)
			default:
				return fmt.Errorf("unknown format %q (ktap or console)", format)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, client, err := setup(ctx, cmd)
			if err != nil {
				fmt.Fprintf(os.Stderr, "drvtest: %v\n", err)
				stop()
				os.Exit(drvtest.ExitSkip)
			}

			he := hds.NewEnv(e, client)
			var journal *audit.FileLogger
			if auditPath != "" {
				journal, err = audit.NewFileLogger(auditPath, audit.RotationConfig{MaxSize: auditMax, MaxBackups: 5})
				if err != nil {
					e.Close()
					fmt.Fprintf(os.Stderr, "drvtest: %v\n", err)
					stop()
					os.Exit(drvtest.ExitSkip)
				}
				he.Rings = &audit.Rings{Inner: client, Log: journal}
				he.Exec = &audit.Runner{Inner: he.Exec, Log: journal, Device: e.Dev.Name}
			}

			cases, err := selectCases(suite.Cases(he), caseNames)
			if err != nil {
				e.Close()
				return err
			}

			runner := &drvtest.Runner{Suite: suite.Name, Progress: progress}
			res := runner.Run(ctx, cases)
			if err := e.Close(); err != nil {
				util.Warnf("closing environment: %v", err)
			}
			if journal != nil {
				journal.Close()
			}

			writeOutputs(res, e.Dev.Name, junitPath, reportPath, metricsPath)
			stop()
			os.Exit(res.ExitCode())
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&caseNames, "case", "c", nil, "run only these cases (repeatable, comma-separated)")
	cmd.Flags().StringVar(&format, "format", "ktap", "output format: ktap or console")
	cmd.Flags().StringVar(&junitPath, "junit", "", "JUnit XML output path")
	cmd.Flags().StringVar(&reportPath, "report", "", "markdown report output path")
	cmd.Flags().StringVar(&metricsPath, "metrics", "", "Prometheus textfile output path")
	cmd.Flags().StringVar(&auditPath, "audit", "", "journal device changes to this JSON-lines file")
	cmd.Flags().Int64Var(&auditMax, "audit-max-size", 10<<20, "rotate the journal at this many bytes")

	return cmd
}

func setup(ctx context.Context, cmd *cobra.Command) (*env.Env, *ethtool.Client, error) {
	e, err := openEnv(ctx, cmd)
	if err != nil {
		return nil, nil, err
	}
	client, err := ethtool.Open()
	if err != nil {
		e.Close()
		return nil, nil, err
	}
	return e, client, nil
}

// writeOutputs writes the optional report files. Failures are reported
// but do not change the exit status.
func writeOutputs(res *drvtest.SuiteResult, device, junitPath, reportPath, metricsPath string) {
	gen := &drvtest.ReportGenerator{Results: []*drvtest.SuiteResult{res}, Device: device}
	if junitPath != "" {
		if err := gen.WriteJUnit(junitPath); err != nil {
			fmt.Fprintf(os.Stderr, "drvtest: junit: %v\n", err)
		}
	}
	if reportPath != "" {
		if err := gen.WriteMarkdown(reportPath); err != nil {
			fmt.Fprintf(os.Stderr, "drvtest: report: %v\n", err)
		}
	}
	if metricsPath != "" {
		if err := drvtest.WriteMetrics(metricsPath, device, res); err != nil {
			fmt.Fprintf(os.Stderr, "drvtest: metrics: %v\n", err)
		}
	}
}
