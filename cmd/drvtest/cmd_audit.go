package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/drvtest/pkg/audit"
	"github.com/newtron-network/drvtest/pkg/cli"
)

func newAuditCmd() *cobra.Command {
	var (
		filter   audit.Filter
		op       string
		since    time.Duration
		failures bool
	)

	cmd := &cobra.Command{
		Use:   "audit <journal>",
		Short: "Show device changes recorded by 'run --audit'",
		Long: `Show the rings-set requests and commands a run issued, in order.

  drvtest audit out/hds.jsonl
  drvtest audit out/hds.jsonl --case hds.set_hds_disable
  drvtest audit out/hds.jsonl --failures --since 1h`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err != nil {
				return err
			}
			journal, err := audit.NewFileLogger(args[0], audit.RotationConfig{})
			if err != nil {
				return err
			}
			defer journal.Close()

			filter.Operation = audit.Operation(op)
			filter.FailureOnly = failures
			if since > 0 {
				filter.StartTime = time.Now().Add(-since)
			}
			events, err := journal.Query(filter)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Println("No matching events.")
				return nil
			}

			t := cli.NewTable("TIME", "CASE", "OPERATION", "REQUEST", "RESULT")
			for _, ev := range events {
				result := cli.Green("ok")
				if !ev.Success {
					result = cli.Red(ev.Error)
				}
				req := ev.Request
				if ev.Remote {
					req = "[peer] " + req
				}
				t.Row(ev.Timestamp.Format("15:04:05.000"), ev.Case, string(ev.Operation), req, result)
			}
			t.Flush()
			return nil
		},
	}

	cmd.Flags().StringVar(&filter.Device, "device", "", "only this interface")
	cmd.Flags().StringVar(&filter.Case, "case", "", "only this case (suite.case)")
	cmd.Flags().StringVar(&op, "operation", "", "only rings-set or command")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this")
	cmd.Flags().BoolVar(&failures, "failures", false, "only failed operations")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "show at most this many events")

	return cmd
}
