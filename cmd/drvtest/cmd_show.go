package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/newtron-network/drvtest/pkg/cli"
	"github.com/newtron-network/drvtest/pkg/env"
	"github.com/newtron-network/drvtest/pkg/ethtool"
	"github.com/newtron-network/drvtest/pkg/ynl"
)

func newShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the device's current ethtool settings",
	}
	cmd.AddCommand(
		newShowSubCmd("rings", "Show ring parameters", func(ctx context.Context, c *ethtool.Client, e *env.Env) (ynl.Msg, error) {
			r, err := c.RingsGet(ctx, e.Dev)
			return r.Msg(), err
		}),
		newShowSubCmd("channels", "Show queue counts", func(ctx context.Context, c *ethtool.Client, e *env.Env) (ynl.Msg, error) {
			ch, err := c.ChannelsGet(ctx, e.Dev)
			return ch.Msg(), err
		}),
	)
	return cmd
}

type showFunc func(ctx context.Context, c *ethtool.Client, e *env.Env) (ynl.Msg, error)

func newShowSubCmd(use, short string, get showFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			e, client, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			m, err := get(ctx, client, e)
			if err != nil {
				return fmt.Errorf("%s %s: %w", e.Dev, use, err)
			}
			fmt.Printf("%s %s\n", cli.Bold(e.Dev.String()), use)
			t := cli.NewTable("ATTRIBUTE", "VALUE").WithPrefix("  ")
			for _, k := range m.Keys() {
				if k == "header" {
					continue
				}
				t.Row(k, fmt.Sprint(m[k]))
			}
			t.Flush()
			return nil
		},
	}
}
