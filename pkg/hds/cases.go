package hds

import (
	"context"
	"fmt"
	"math"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/newtron-network/drvtest/pkg/cmdexec"
	"github.com/newtron-network/drvtest/pkg/drvtest"
	"github.com/newtron-network/drvtest/pkg/ethtool"
	"github.com/newtron-network/drvtest/pkg/tools"
	"github.com/newtron-network/drvtest/pkg/ynl"
)

// Cases returns the suite in execution order.
func Cases(e *Env) []drvtest.Case {
	c := func(name, doc string, fn func(*drvtest.T, *Env) error) drvtest.Case {
		return drvtest.Case{Name: name, Doc: doc, Run: func(t *drvtest.T) error { return fn(t, e) }}
	}
	return []drvtest.Case{
		c("get_hds", "device reports tcp-data-split", getHDS),
		c("get_hds_thresh", "device reports hds-thresh", getHDSThresh),
		c("set_hds_disable", "tcp-data-split can be disabled", setHDSDisable),
		c("set_hds_enable", "tcp-data-split can be enabled", setHDSEnable),
		c("set_hds_thresh_random", "hds-thresh accepts an arbitrary in-range value", setHDSThreshRandom),
		c("set_hds_thresh_zero", "hds-thresh accepts zero", setHDSThreshZero),
		c("set_hds_thresh_max", "hds-thresh accepts hds-thresh-max", setHDSThreshMax),
		c("set_hds_thresh_gt", "hds-thresh above hds-thresh-max is rejected", setHDSThreshGt),
		c("set_xdp", "XDP attaches with split not enabled", setXDP),
		c("enabled_set_xdp", "XDP attach fails with split enabled", enabledSetXDP),
		c("ioctl", "legacy ring ioctl leaves the split mode alone", ioctlPreservesMode),
		c("ioctl_set_xdp", "XDP attaches after a legacy ring ioctl", ioctlSetXDP),
		c("ioctl_enabled_set_xdp", "XDP attach fails after a legacy ring ioctl with split enabled", ioctlEnabledSetXDP),
		c("hds_enabled_udp_integrity", "UDP payloads arrive intact with split enabled", hdsEnabledUDPIntegrity),
	}
}

func getHDS(t *drvtest.T, e *Env) error {
	_, err := getMode(t, e)
	return err
}

func getHDSThresh(t *drvtest.T, e *Env) error {
	r, err := getRings(t, e)
	if err != nil {
		return err
	}
	return requireField(r, ethtool.FieldHDSThresh)
}

func setHDSMode(t *drvtest.T, e *Env, mode ethtool.TCPDataSplit, what string) error {
	deferReset(t, e)
	if err := setOrSkip(t, e, ethtool.RingsUpdate{TCPDataSplit: mode}, what); err != nil {
		return err
	}
	got, err := readMode(t, e)
	if err != nil {
		return err
	}
	return drvtest.Eq("tcp-data-split", got, mode)
}

func setHDSDisable(t *drvtest.T, e *Env) error {
	return setHDSMode(t, e, ethtool.SplitDisabled, "disabling of HDS")
}

func setHDSEnable(t *drvtest.T, e *Env) error {
	return setHDSMode(t, e, ethtool.SplitEnabled, "enabling of HDS")
}

// threshLimits returns the current threshold and its maximum, skipping
// when either is not reported.
func threshLimits(t *drvtest.T, e *Env) (cur, limit uint32, err error) {
	r, err := getRings(t, e)
	if err != nil {
		return 0, 0, err
	}
	if err := requireField(r, ethtool.FieldHDSThresh); err != nil {
		return 0, 0, err
	}
	if !r.Has(ethtool.FieldHDSThreshMax) {
		return 0, 0, drvtest.Skip("hds-thresh-max not defined by device")
	}
	cur, _ = r.HDSThresh()
	limit, _ = r.HDSThreshMax()
	return cur, limit, nil
}

func setHDSThresh(t *drvtest.T, e *Env, v uint32) error {
	if err := setOrSkip(t, e, ethtool.RingsUpdate{HDSThresh: ethtool.Uint32(v)}, "hds-thresh-set"); err != nil {
		return err
	}
	r, err := readBack(t, e)
	if err != nil {
		return err
	}
	got, _ := r.HDSThresh()
	return drvtest.Eq("hds-thresh", got, v)
}

func setHDSThreshRandom(t *drvtest.T, e *Env) error {
	deferReset(t, e)
	cur, limit, err := threshLimits(t, e)
	if err != nil {
		return err
	}

	var v uint32
	switch {
	case limit < 2:
		return drvtest.Skip("hds-thresh-max is too small")
	case limit == 2:
		v = 1
	default:
		for {
			v = 1 + e.rand().Uint32N(limit-1)
			if v != cur {
				break
			}
		}
	}
	t.Logf("setting hds-thresh to %d (was %d, max %d)", v, cur, limit)
	return setHDSThresh(t, e, v)
}

func setHDSThreshZero(t *drvtest.T, e *Env) error {
	deferReset(t, e)
	if _, _, err := threshLimits(t, e); err != nil {
		return err
	}
	return setHDSThresh(t, e, 0)
}

func setHDSThreshMax(t *drvtest.T, e *Env) error {
	deferReset(t, e)
	_, limit, err := threshLimits(t, e)
	if err != nil {
		return err
	}
	return setHDSThresh(t, e, limit)
}

func setHDSThreshGt(t *drvtest.T, e *Env) error {
	deferReset(t, e)
	cur, limit, err := threshLimits(t, e)
	if err != nil {
		return err
	}
	if limit == math.MaxUint32 {
		return drvtest.Skip("hds-thresh-max leaves no larger value to try")
	}

	err = e.Rings.RingsSet(t.Context(), e.Dev, ethtool.RingsUpdate{HDSThresh: ethtool.Uint32(limit + 1)})
	if err == nil {
		return drvtest.Failf("setting hds-thresh to %d (max %d) succeeded", limit+1, limit)
	}
	ye, err := drvtest.Raises[*ynl.Error](err)
	if err != nil {
		return err
	}
	if err := drvtest.Eq("errno of hds-thresh above max", ye.Code, unix.EINVAL); err != nil {
		return err
	}
	if err := drvtest.Eq("bad attribute", ye.BadAttr, "."+ethtool.FieldHDSThresh); err != nil {
		return err
	}

	r, err := readBack(t, e)
	if err != nil {
		return err
	}
	got, _ := r.HDSThresh()
	return drvtest.Eq("hds-thresh after rejected set", got, cur)
}

// leaveEnabled moves the device off "enabled" so XDP can attach.
func leaveEnabled(t *drvtest.T, e *Env, mode ethtool.TCPDataSplit) error {
	if mode != ethtool.SplitEnabled {
		return nil
	}
	deferReset(t, e)
	return e.Rings.RingsSet(t.Context(), e.Dev, ethtool.RingsUpdate{TCPDataSplit: ethtool.SplitUnknown})
}

func setXDP(t *drvtest.T, e *Env) error {
	mode, err := getMode(t, e)
	if err != nil {
		return err
	}
	if _, err := xdpProg(e); err != nil {
		return err
	}
	if err := leaveEnabled(t, e, mode); err != nil {
		return err
	}
	return xdpOnOff(t, e)
}

// expectXDPRejected checks that XDP cannot attach while split is enabled
// and that the failed attempt does not change the mode.
func expectXDPRejected(t *drvtest.T, e *Env) error {
	if _, err := drvtest.Raises[*cmdexec.CommandError](xdpOnOff(t, e)); err != nil {
		return err
	}
	mode, err := readMode(t, e)
	if err != nil {
		return err
	}
	return drvtest.Eq("tcp-data-split after XDP attach", mode, ethtool.SplitEnabled)
}

func enableForXDP(t *drvtest.T, e *Env) error {
	if _, err := getMode(t, e); err != nil {
		return err
	}
	if _, err := xdpProg(e); err != nil {
		return err
	}
	deferReset(t, e)
	return setOrSkip(t, e, ethtool.RingsUpdate{TCPDataSplit: ethtool.SplitEnabled}, "enabling of HDS")
}

func enabledSetXDP(t *drvtest.T, e *Env) error {
	if err := enableForXDP(t, e); err != nil {
		return err
	}
	return expectXDPRejected(t, e)
}

func ioctlPreservesMode(t *drvtest.T, e *Env) error {
	before, err := getMode(t, e)
	if err != nil {
		return err
	}
	if err := ioctlRingparamModify(t, e); err != nil {
		return err
	}
	after, err := readMode(t, e)
	if err != nil {
		return err
	}
	return drvtest.Eq("tcp-data-split after ioctl", after, before)
}

func ioctlSetXDP(t *drvtest.T, e *Env) error {
	mode, err := getMode(t, e)
	if err != nil {
		return err
	}
	if _, err := xdpProg(e); err != nil {
		return err
	}
	if err := leaveEnabled(t, e, mode); err != nil {
		return err
	}
	if err := ioctlRingparamModify(t, e); err != nil {
		return err
	}
	return xdpOnOff(t, e)
}

func ioctlEnabledSetXDP(t *drvtest.T, e *Env) error {
	if err := enableForXDP(t, e); err != nil {
		return err
	}
	if err := ioctlRingparamModify(t, e); err != nil {
		return err
	}
	return expectXDPRejected(t, e)
}

// udpPayloadLen is above any sensible split threshold and below a standard
// MTU.
const udpPayloadLen = 1200

func hdsEnabledUDPIntegrity(t *drvtest.T, e *Env) error {
	if _, err := getMode(t, e); err != nil {
		return err
	}
	if e.Remote == nil || e.LocalAddr == "" {
		return drvtest.Skip("traffic test needs a remote endpoint and a local address")
	}
	ctx := t.Context()
	for _, remote := range []bool{false, true} {
		if err := e.requireCmd(ctx, "socat", remote); err != nil {
			return drvtest.Skip(err.Error())
		}
	}

	deferReset(t, e)
	if err := setOrSkip(t, e, ethtool.RingsUpdate{TCPDataSplit: ethtool.SplitEnabled}, "enabling of HDS"); err != nil {
		return err
	}

	payload := randomLetters(e, udpPayloadLen)
	port := 10000 + e.rand().IntN(50000)
	ipver, dst := "4", e.LocalAddr
	if strings.Contains(dst, ":") {
		ipver, dst = "6", "["+dst+"]"
	}
	rxCmd := fmt.Sprintf("socat -%s -T 2 -u UDP-RECV:%d,reuseport STDOUT", ipver, port)
	txCmd := fmt.Sprintf("echo -n %s | socat -t 2 -u STDIN UDP:%s:%d", payload, dst, port)

	rxOpts := e.Opts
	rxOpts.ExitWait = true
	txOpts := e.Opts
	txOpts.Shell = true
	txOpts.Host = e.Remote.Host

	var rx *cmdexec.Background
	err := cmdexec.WithBackground(ctx, rxCmd, rxOpts, func(b *cmdexec.Background) error {
		rx = b
		if err := tools.WaitPortListen(ctx, e.Exec, port, "udp", e.ReadyTimeout, e.Opts); err != nil {
			return err
		}
		_, err := e.Exec.Run(ctx, txCmd, txOpts)
		return err
	})
	if err != nil {
		return err
	}
	return drvtest.Eq("received payload", rx.Result().Stdout, payload)
}

func (e *Env) requireCmd(ctx context.Context, name string, remote bool) error {
	if e.Require != nil {
		return e.Require(ctx, name, remote)
	}
	return nil
}

const letters = "abcdefghijklmnopqrstuvwxyz"

func randomLetters(e *Env, n int) string {
	var sb strings.Builder
	sb.Grow(n)
	for range n {
		sb.WriteByte(letters[e.rand().IntN(len(letters))])
	}
	return sb.String()
}
