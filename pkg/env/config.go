// Package env loads the harness configuration and resolves the device
// and remote endpoint a test run works against.
package env

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	kenv "github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/newtron-network/drvtest/pkg/util"
)

// Remote endpoint flavours.
const (
	RemoteNone  = ""
	RemoteNetns = "netns"
	RemoteSSH   = "ssh"
)

// DefaultNetConfig is read when present in the working directory.
const DefaultNetConfig = "net.config"

// Config is the harness configuration. Keys match the variable names used
// in net.config and the process environment, lowercased.
type Config struct {
	NetIf    string `koanf:"netif"`
	LocalV4  string `koanf:"local_v4"`
	LocalV6  string `koanf:"local_v6"`
	RemoteV4 string `koanf:"remote_v4"`
	RemoteV6 string `koanf:"remote_v6"`

	RemoteType string `koanf:"remote_type"`
	RemoteArgs string `koanf:"remote_args"` // namespace name, or [user@]host[:port]

	XDPProg string `koanf:"xdp_prog"`

	CmdTimeout   time.Duration `koanf:"cmd_timeout"`
	ReadyTimeout time.Duration `koanf:"ready_timeout"`

	SSHKey        string `koanf:"ssh_key"`
	SSHPassword   string `koanf:"ssh_password"`
	SSHKnownHosts string `koanf:"ssh_known_hosts"`
	SSHInsecure   bool   `koanf:"ssh_insecure"`
}

// Keys lists every recognised variable, as written in net.config.
var Keys = []string{
	"NETIF", "LOCAL_V4", "LOCAL_V6", "REMOTE_V4", "REMOTE_V6",
	"REMOTE_TYPE", "REMOTE_ARGS", "XDP_PROG",
	"CMD_TIMEOUT", "READY_TIMEOUT",
	"SSH_KEY", "SSH_PASSWORD", "SSH_KNOWN_HOSTS", "SSH_INSECURE",
}

var knownKeys = func() map[string]bool {
	m := make(map[string]bool, len(Keys))
	for _, k := range Keys {
		m[k] = true
	}
	return m
}()

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		XDPProg:      "xdp_dummy.bpf.o",
		CmdTimeout:   5 * time.Second,
		ReadyTimeout: 5 * time.Second,
	}
}

// LoadOptions names the sources layered on top of the defaults.
type LoadOptions struct {
	ConfigFile string            // optional YAML file
	NetConfig  string            // KEY=VALUE file; empty tries DefaultNetConfig
	Overrides  map[string]string // command-line values, keyed like net.config
}

// Load layers defaults, the YAML file, net.config, the environment and
// overrides, in that order, and validates the result.
func Load(opts LoadOptions) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if opts.ConfigFile != "" {
		if err := k.Load(file.Provider(opts.ConfigFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", opts.ConfigFile, err)
		}
	}

	if err := loadNetConfig(k, opts.NetConfig); err != nil {
		return nil, err
	}

	if err := k.Load(kenv.Provider("", ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	for key, val := range opts.Overrides {
		if err := setKey(k, key, val); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKeyMapper keeps only recognised variables: NETIF -> netif.
func envKeyMapper(s string) string {
	if !knownKeys[s] {
		return ""
	}
	return strings.ToLower(s)
}

func setKey(k *koanf.Koanf, key, val string) error {
	if !knownKeys[key] {
		return fmt.Errorf("%w: unknown setting %q", util.ErrInvalidConfig, key)
	}
	return k.Set(strings.ToLower(key), val)
}

func loadNetConfig(k *koanf.Koanf, path string) error {
	explicit := path != ""
	if !explicit {
		path = DefaultNetConfig
	}
	vars, err := godotenv.Read(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	for key, val := range vars {
		if !knownKeys[key] {
			util.WithField("file", path).Warnf("ignoring unknown variable %s", key)
			continue
		}
		if err := setKey(k, key, val); err != nil {
			return err
		}
	}
	return nil
}

func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"xdp_prog":      defaults.XDPProg,
		"cmd_timeout":   defaults.CmdTimeout.String(),
		"ready_timeout": defaults.ReadyTimeout.String(),
	}
	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// Validate checks settings that can be judged without touching the system.
func Validate(cfg *Config) error {
	vb := &util.ValidationBuilder{}
	vb.Add(cfg.NetIf != "", "NETIF is required")
	for _, a := range []struct{ key, val string }{
		{"LOCAL_V4", cfg.LocalV4}, {"LOCAL_V6", cfg.LocalV6},
		{"REMOTE_V4", cfg.RemoteV4}, {"REMOTE_V6", cfg.RemoteV6},
	} {
		if a.val == "" {
			continue
		}
		if _, err := netip.ParseAddr(a.val); err != nil {
			vb.AddErrorf("%s: %q is not an IP address", a.key, a.val)
		}
	}
	switch cfg.RemoteType {
	case RemoteNone:
	case RemoteNetns, RemoteSSH:
		vb.Add(cfg.RemoteArgs != "", "REMOTE_ARGS is required with REMOTE_TYPE")
		vb.Add(cfg.RemoteV4 != "" || cfg.RemoteV6 != "", "REMOTE_V4 or REMOTE_V6 is required with REMOTE_TYPE")
	default:
		vb.AddErrorf("REMOTE_TYPE %q must be netns or ssh", cfg.RemoteType)
	}
	vb.Add(cfg.CmdTimeout > 0, "CMD_TIMEOUT must be positive")
	vb.Add(cfg.ReadyTimeout > 0, "READY_TIMEOUT must be positive")
	return vb.Build()
}

// HasRemote reports whether a remote endpoint is configured.
func (c *Config) HasRemote() bool {
	return c.RemoteType != RemoteNone
}
