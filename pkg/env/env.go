package env

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"github.com/newtron-network/drvtest/pkg/cmdexec"
	"github.com/newtron-network/drvtest/pkg/util"
)

// Device identifies the interface under test.
type Device struct {
	Index int
	Name  string
}

func (d Device) String() string {
	return fmt.Sprintf("%s (ifindex %d)", d.Name, d.Index)
}

// LookupDevice resolves an interface name.
func LookupDevice(name string) (Device, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return Device{}, fmt.Errorf("%w: %v", util.NewDependencyError("device", name, ""), err)
	}
	return Device{Index: link.Attrs().Index, Name: link.Attrs().Name}, nil
}

// Remote is the traffic peer.
type Remote struct {
	Host cmdexec.Host
	Type string
	V4   string
	V6   string
}

// Addr returns the peer address, preferring IPv4.
func (r *Remote) Addr() string {
	if r.V4 != "" {
		return r.V4
	}
	return r.V6
}

// Env is everything a test run needs from the system.
type Env struct {
	Config *Config
	Dev    Device
	Remote *Remote // nil when no peer is configured

	log     *logrus.Entry
	closers []func() error
}

// Open resolves the device and connects to the remote endpoint.
func Open(ctx context.Context, cfg *Config) (*Env, error) {
	dev, err := LookupDevice(cfg.NetIf)
	if err != nil {
		return nil, err
	}
	e := &Env{Config: cfg, Dev: dev, log: util.WithDevice(dev.Name)}

	if cfg.HasRemote() {
		host, err := e.openRemote()
		if err != nil {
			e.Close()
			return nil, err
		}
		e.Remote = &Remote{Host: host, Type: cfg.RemoteType, V4: cfg.RemoteV4, V6: cfg.RemoteV6}
		e.log.WithField("remote", cfg.RemoteArgs).Infof("remote endpoint: %s", cfg.RemoteType)
	}
	return e, nil
}

func (e *Env) openRemote() (cmdexec.Host, error) {
	cfg := e.Config
	switch cfg.RemoteType {
	case RemoteNetns:
		return cmdexec.NewNetnsHost(cfg.RemoteArgs)
	case RemoteSSH:
		user, addr := SplitSSHTarget(cfg.RemoteArgs)
		h, err := cmdexec.DialSSH(cmdexec.SSHConfig{
			Addr:           addr,
			User:           user,
			Password:       cfg.SSHPassword,
			KeyFile:        cfg.SSHKey,
			KnownHostsFile: cfg.SSHKnownHosts,
			Insecure:       cfg.SSHInsecure,
			Timeout:        cfg.CmdTimeout,
		})
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, h.Close)
		return h, nil
	}
	return nil, fmt.Errorf("%w: REMOTE_TYPE %q", util.ErrInvalidConfig, cfg.RemoteType)
}

// SplitSSHTarget parses [user@]host[:port], defaulting to root and port 22.
func SplitSSHTarget(s string) (user, addr string) {
	user = "root"
	if i := strings.LastIndex(s, "@"); i >= 0 {
		user, s = s[:i], s[i+1:]
	}
	if _, _, err := net.SplitHostPort(s); err != nil {
		s = net.JoinHostPort(strings.Trim(s, "[]"), "22")
	}
	return user, s
}

// Close releases remote connections.
func (e *Env) Close() error {
	var first error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	e.closers = nil
	return first
}

// CmdOptions returns execution options carrying the configured timeout.
func (e *Env) CmdOptions() cmdexec.Options {
	return cmdexec.Options{Timeout: e.Config.CmdTimeout}
}

// RemoteOptions returns execution options targeting the peer.
func (e *Env) RemoteOptions() cmdexec.Options {
	opts := e.CmdOptions()
	if e.Remote != nil {
		opts.Host = e.Remote.Host
	}
	return opts
}

// RequireCmd checks that a tool is installed locally, or on the peer when
// remote is set.
func (e *Env) RequireCmd(ctx context.Context, r cmdexec.Runner, name string, remote bool) error {
	opts := e.CmdOptions()
	where := ""
	if remote {
		if e.Remote == nil {
			return fmt.Errorf("%w: no remote endpoint for %s", util.ErrDependencyMissing, name)
		}
		opts = e.RemoteOptions()
		where = e.Config.RemoteArgs
	}
	opts.Shell = true
	opts.Fail = cmdexec.IgnoreExit
	res, err := r.Run(ctx, "command -v "+util.ShellQuote(name), opts)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return util.NewDependencyError("command", name, where)
	}
	return nil
}
