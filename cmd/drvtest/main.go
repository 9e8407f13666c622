package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/newtron-network/drvtest/pkg/cli"
	"github.com/newtron-network/drvtest/pkg/util"
)

var (
	verbose  bool
	logLevel string
	logJSON  bool
	noColor  bool

	configFile string
	netConfig  string
	overrides  = map[string]*string{}
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "drvtest",
		Short: "NIC driver conformance tests",
		Long: `Drvtest checks that a NIC driver honors the ethtool configuration
contract, starting with header-data split.

The device under test and an optional traffic peer are described in
net.config (KEY=VALUE), an optional YAML file, or the environment.

  drvtest list                  # show suites and cases
  drvtest run hds               # run every header-data split case
  drvtest run hds -c set_xdp    # run one case
  drvtest show rings            # dump the device's ring parameters`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Quiet by default, verbose on -v, explicit --log-level wins
			level := "warn"
			if verbose {
				level = "debug"
			}
			if cmd.Flags().Changed("log-level") {
				level = logLevel
			}
			if err := util.Configure(level, logJSON); err != nil {
				return err
			}
			if noColor {
				cli.SetColor(false)
			}
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	pf.StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	pf.BoolVar(&logJSON, "log-json", false, "Log in JSON")
	pf.BoolVar(&noColor, "no-color", false, "Disable colored output")
	pf.StringVar(&configFile, "config", "", "YAML configuration file")
	pf.StringVar(&netConfig, "net-config", "", "KEY=VALUE environment file (default ./net.config)")
	for _, f := range configFlags {
		overrides[f.key] = pf.String(f.flag, "", f.usage)
	}

	rootCmd.AddCommand(
		newRunCmd(),
		newListCmd(),
		newShowCmd(),
		newAuditCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
