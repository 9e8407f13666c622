package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/newtron-network/drvtest/pkg/drvtest"
	"github.com/newtron-network/drvtest/pkg/env"
	"github.com/newtron-network/drvtest/pkg/hds"
	"github.com/newtron-network/drvtest/pkg/util"
)

// configFlags are environment keys that can also be given on the command
// line.
var configFlags = []struct {
	key, flag, usage string
}{
	{"NETIF", "netif", "Interface under test"},
	{"LOCAL_V4", "local-v4", "Local IPv4 address"},
	{"LOCAL_V6", "local-v6", "Local IPv6 address"},
	{"REMOTE_V4", "remote-v4", "Peer IPv4 address"},
	{"REMOTE_V6", "remote-v6", "Peer IPv6 address"},
	{"REMOTE_TYPE", "remote-type", "Peer transport (netns or ssh)"},
	{"REMOTE_ARGS", "remote-args", "Namespace name, or [user@]host[:port]"},
	{"XDP_PROG", "xdp-prog", "XDP object attached by the XDP cases"},
}

// suiteDef binds a suite name to its case list.
type suiteDef struct {
	Name  string
	Short string
	Cases func(*hds.Env) []drvtest.Case
}

var suites = []suiteDef{
	{Name: hds.Suite, Short: "header-data split configuration", Cases: hds.Cases},
}

func findSuite(name string) (suiteDef, error) {
	for _, s := range suites {
		if s.Name == name {
			return s, nil
		}
	}
	names := make([]string, len(suites))
	for i, s := range suites {
		names[i] = s.Name
	}
	return suiteDef{}, fmt.Errorf("unknown suite %q (available: %s)", name, strings.Join(names, ", "))
}

// selectCases keeps the named cases, in suite order. Each name may be a
// comma-separated list.
func selectCases(all []drvtest.Case, names []string) ([]drvtest.Case, error) {
	want := make(map[string]bool, len(names))
	for _, arg := range names {
		for _, n := range util.SplitCommaSeparated(arg) {
			want[n] = true
		}
	}
	if len(want) == 0 {
		return all, nil
	}
	var out []drvtest.Case
	for _, c := range all {
		if want[c.Name] {
			out = append(out, c)
			delete(want, c.Name)
		}
	}
	for n := range want {
		return nil, fmt.Errorf("unknown case %q", n)
	}
	return out, nil
}

// loadConfig layers the config sources with flags the user set.
func loadConfig(cmd *cobra.Command) (*env.Config, error) {
	opts := env.LoadOptions{
		ConfigFile: configFile,
		NetConfig:  netConfig,
		Overrides:  map[string]string{},
	}
	for _, f := range configFlags {
		if cmd.Flags().Changed(f.flag) {
			opts.Overrides[f.key] = *overrides[f.key]
		}
	}
	cfg, err := env.Load(opts)
	if err != nil {
		return nil, err
	}
	if err := promptPassword(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// promptPassword reads the SSH password from the terminal when the
// configured value is "-".
func promptPassword(cfg *env.Config) error {
	if cfg.SSHPassword != "-" {
		return nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("SSH_PASSWORD is '-' but stdin is not a terminal")
	}
	fmt.Fprintf(os.Stderr, "SSH password for %s: ", cfg.RemoteArgs)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}
	cfg.SSHPassword = string(pw)
	return nil
}

// openEnv loads configuration and opens the device environment.
func openEnv(ctx context.Context, cmd *cobra.Command) (*env.Env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return env.Open(ctx, cfg)
}
