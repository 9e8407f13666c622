package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/newtron-network/drvtest/pkg/cli"
	"github.com/newtron-network/drvtest/pkg/hds"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [suite]",
		Short: "List suites and their cases",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			show := suites
			if len(args) > 0 {
				s, err := findSuite(args[0])
				if err != nil {
					return err
				}
				show = []suiteDef{s}
			}
			for i, s := range show {
				if i > 0 {
					fmt.Println()
				}
				fmt.Printf("%s %s\n", cli.Bold(s.Name), cli.Dim("("+s.Short+")"))
				t := cli.NewTable("CASE", "DESCRIPTION").WithPrefix("  ")
				for _, c := range s.Cases(&hds.Env{}) {
					t.Row(c.Name, c.Doc)
				}
				t.Flush()
			}
			return nil
		},
	}
}
