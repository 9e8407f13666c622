// Package tools wraps the command-line utilities test cases drive.
package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/newtron-network/drvtest/pkg/cmdexec"
	"github.com/newtron-network/drvtest/pkg/util"
)

// IP runs ip(8) with args.
func IP(ctx context.Context, r cmdexec.Runner, args string, opts cmdexec.Options) (*cmdexec.Result, error) {
	return r.Run(ctx, "ip "+args, opts)
}

// Ethtool runs ethtool(8) with args.
func Ethtool(ctx context.Context, r cmdexec.Runner, args string, opts cmdexec.Options) (*cmdexec.Result, error) {
	return r.Run(ctx, "ethtool "+args, opts)
}

// XDPAttach loads the "xdp" section of prog onto dev.
func XDPAttach(ctx context.Context, r cmdexec.Runner, dev, prog string, opts cmdexec.Options) error {
	_, err := IP(ctx, r, fmt.Sprintf("link set dev %s xdp obj %s sec xdp", dev, util.ShellQuote(prog)), opts)
	return err
}

// XDPDetach removes any XDP program from dev.
func XDPDetach(ctx context.Context, r cmdexec.Runner, dev string, opts cmdexec.Options) error {
	_, err := IP(ctx, r, fmt.Sprintf("link set dev %s xdp off", dev), opts)
	return err
}

// SetTxRing changes the tx ring size. With ioctl set the request goes
// through the legacy ioctl interface instead of netlink.
func SetTxRing(ctx context.Context, r cmdexec.Runner, dev string, tx uint32, ioctl bool, opts cmdexec.Options) error {
	args := fmt.Sprintf("-G %s tx %d", dev, tx)
	if ioctl {
		args = "--disable-netlink " + args
	}
	_, err := Ethtool(ctx, r, args, opts)
	return err
}

// PollInterval is how often WaitPortListen rereads the socket tables.
var PollInterval = 100 * time.Millisecond

// WaitPortListen polls /proc/net on the host opts points at until a socket
// of proto ("tcp" or "udp") is bound to port. TCP sockets must be in LISTEN.
func WaitPortListen(ctx context.Context, r cmdexec.Runner, port int, proto string, timeout time.Duration, opts cmdexec.Options) error {
	if proto != "tcp" && proto != "udp" {
		return fmt.Errorf("%w: protocol %q", util.ErrInvalidConfig, proto)
	}
	pattern := fmt.Sprintf(`:%04X +[0-9A-F]+:[0-9A-F]+ +`, port)
	if proto == "tcp" {
		// st column 0A is TCP_LISTEN
		pattern += "0A"
	}
	re := regexp.MustCompile(pattern)

	opts.Shell = true
	opts.Fail = cmdexec.IgnoreExit
	cmd := fmt.Sprintf("cat /proc/net/%s*", proto)

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		res, err := r.Run(ctx, cmd, opts)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if re.MatchString(res.Stdout) {
			return struct{}{}, nil
		}
		return struct{}{}, fmt.Errorf("no %s socket on port %d", proto, port)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(PollInterval)),
		backoff.WithMaxElapsedTime(timeout),
	)
	if err != nil {
		return fmt.Errorf("waiting for %s port %d: %w", strings.ToUpper(proto), port, err)
	}
	return nil
}
