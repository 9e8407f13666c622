package hds

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"

	"github.com/newtron-network/drvtest/internal/testutil"
	"github.com/newtron-network/drvtest/pkg/cmdexec"
	"github.com/newtron-network/drvtest/pkg/drvtest"
	"github.com/newtron-network/drvtest/pkg/env"
	"github.com/newtron-network/drvtest/pkg/ethtool"
	"github.com/newtron-network/drvtest/pkg/util"
	"github.com/newtron-network/drvtest/pkg/ynl"
)

func newEnv(t *testing.T, caps testutil.NICCaps) (*Env, *testutil.FakeNIC) {
	t.Helper()
	nic := testutil.NewFakeNIC("eth0", caps)
	return &Env{
		Dev:     env.Device{Index: 2, Name: "eth0"},
		Rings:   ethtool.New(nic),
		Exec:    nic,
		XDPProg: testutil.TempFile(t, "xdp_dummy.bpf.o", "\x7fELF"),
		Rand:    rand.New(rand.NewPCG(7, 11)),
	}, nic
}

func runCase(t *testing.T, e *Env, name string) *drvtest.CaseResult {
	t.Helper()
	for _, c := range Cases(e) {
		if c.Name == name {
			res := (&drvtest.Runner{Suite: Suite}).Run(testutil.Context(t), []drvtest.Case{c})
			return res.Cases[0]
		}
	}
	t.Fatalf("no case %q", name)
	return nil
}

type nicState struct {
	Mode   string
	Thresh uint32
	Tx     uint32
	XDP    string
}

func stateOf(n *testutil.FakeNIC) nicState {
	return nicState{Mode: n.Mode(), Thresh: n.Thresh(), Tx: n.Tx(), XDP: n.XDP()}
}

func setModes(n *testutil.FakeNIC) []string {
	var modes []string
	for _, m := range n.Sets() {
		if s, ok := m.Str(ethtool.FieldTCPDataSplit); ok {
			modes = append(modes, s)
		}
	}
	return modes
}

// sentThresh reads hds-thresh from a recorded request, which carries the
// value as the client encoded it rather than as decoded from the kernel.
func sentThresh(m ynl.Msg) (uint64, bool) {
	switch v := m[ethtool.FieldHDSThresh].(type) {
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	}
	return 0, false
}

func TestCases_Order(t *testing.T) {
	var got []string
	for _, c := range Cases(&Env{}) {
		got = append(got, c.Name)
		if c.Doc == "" {
			t.Errorf("%s has no doc", c.Name)
		}
	}
	want := []string{
		"get_hds",
		"get_hds_thresh",
		"set_hds_disable",
		"set_hds_enable",
		"set_hds_thresh_random",
		"set_hds_thresh_zero",
		"set_hds_thresh_max",
		"set_hds_thresh_gt",
		"set_xdp",
		"enabled_set_xdp",
		"ioctl",
		"ioctl_set_xdp",
		"ioctl_enabled_set_xdp",
		"hds_enabled_udp_integrity",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("case order (-want +got):\n%s", diff)
	}
}

func TestCases_FullCapsRestoreState(t *testing.T) {
	for _, start := range []string{"unknown", "disabled", "enabled"} {
		t.Run(start, func(t *testing.T) {
			e, nic := newEnv(t, testutil.FullCaps())
			nic.SetMode(start)
			nic.SetThresh(256)
			before := stateOf(nic)

			for _, c := range Cases(e) {
				res := runCase(t, e, c.Name)
				want := drvtest.StatusPassed
				if c.Name == "hds_enabled_udp_integrity" {
					want = drvtest.StatusSkipped
				}
				if res.Status != want {
					t.Errorf("%s: status %s, want %s (%s)", c.Name, res.Status, want, res.Message)
				}
				if diff := cmp.Diff(before, stateOf(nic)); diff != "" {
					t.Errorf("%s left the device changed (-before +after):\n%s", c.Name, diff)
				}
			}
		})
	}
}

func TestSetHDSDisable_ExplicitRestore(t *testing.T) {
	caps := testutil.FullCaps()
	caps.DefaultMode = "disabled"
	e, nic := newEnv(t, caps)
	nic.SetMode("enabled")

	res := runCase(t, e, "set_hds_disable")
	if res.Status != drvtest.StatusPassed {
		t.Fatalf("status %s: %s", res.Status, res.Message)
	}
	// The driver default does not reproduce "enabled", so the explicit
	// value follows the "unknown" attempt.
	want := []string{"disabled", "unknown", "enabled"}
	if diff := cmp.Diff(want, setModes(nic)); diff != "" {
		t.Errorf("rings-set modes (-want +got):\n%s", diff)
	}
	if nic.Mode() != "enabled" {
		t.Errorf("mode = %q, want enabled", nic.Mode())
	}
}

func TestSetHDSDisable_DefaultRestore(t *testing.T) {
	e, nic := newEnv(t, testutil.FullCaps())

	if res := runCase(t, e, "set_hds_disable"); res.Status != drvtest.StatusPassed {
		t.Fatalf("status %s: %s", res.Status, res.Message)
	}
	want := []string{"disabled", "unknown"}
	if diff := cmp.Diff(want, setModes(nic)); diff != "" {
		t.Errorf("rings-set modes (-want +got):\n%s", diff)
	}
}

func TestResetHDS_Idempotent(t *testing.T) {
	caps := testutil.FullCaps()
	caps.DefaultMode = "disabled"
	e, nic := newEnv(t, caps)
	nic.SetMode("enabled")
	nic.SetThresh(128)

	ctx := context.Background()
	snap, err := e.Rings.RingsGet(ctx, e.Dev)
	if err != nil {
		t.Fatal(err)
	}
	nic.SetMode("disabled")
	nic.SetThresh(900)

	if err := resetHDS(ctx, e, snap); err != nil {
		t.Fatalf("first reset: %v", err)
	}
	if nic.Mode() != "enabled" || nic.Thresh() != 128 {
		t.Fatalf("after reset mode=%s thresh=%d", nic.Mode(), nic.Thresh())
	}
	n := len(nic.Sets())
	if err := resetHDS(ctx, e, snap); err != nil {
		t.Fatalf("second reset: %v", err)
	}
	if got := len(nic.Sets()); got != n {
		t.Errorf("second reset issued %d rings-set requests, want 0", got-n)
	}
}

func TestResetHDS_ThreshOnly(t *testing.T) {
	caps := testutil.FullCaps()
	caps.Mode = false
	e, nic := newEnv(t, caps)
	nic.SetThresh(64)

	ctx := context.Background()
	snap, err := e.Rings.RingsGet(ctx, e.Dev)
	if err != nil {
		t.Fatal(err)
	}
	nic.SetThresh(512)
	if err := resetHDS(ctx, e, snap); err != nil {
		t.Fatal(err)
	}
	if nic.Thresh() != 64 {
		t.Errorf("thresh = %d, want 64", nic.Thresh())
	}
	if modes := setModes(nic); len(modes) != 0 {
		t.Errorf("unexpected mode writes %v", modes)
	}
}

func TestDeferReset_NothingToRestore(t *testing.T) {
	caps := testutil.FullCaps()
	caps.Mode = false
	caps.Thresh = false
	e, _ := newEnv(t, caps)

	tt := drvtest.NewT(context.Background(), Suite, "probe", nil)
	deferReset(tt, e)
	if n := tt.Cleanup().Len(); n != 0 {
		t.Errorf("registered %d cleanups, want 0", n)
	}
}

func TestSetHDSThreshGt_Unchanged(t *testing.T) {
	e, nic := newEnv(t, testutil.FullCaps())
	nic.SetThresh(100)

	res := runCase(t, e, "set_hds_thresh_gt")
	if res.Status != drvtest.StatusPassed {
		t.Fatalf("status %s: %s", res.Status, res.Message)
	}
	if nic.Thresh() != 100 {
		t.Errorf("thresh = %d, want 100", nic.Thresh())
	}
	var tried bool
	for _, m := range nic.Sets() {
		if v, ok := sentThresh(m); ok && v == 1025 {
			tried = true
		}
	}
	if !tried {
		t.Error("no rings-set with hds-thresh 1025")
	}
}

func TestSetHDSThreshRandom_InRange(t *testing.T) {
	caps := testutil.FullCaps()
	caps.ThreshMax = 8
	for seed := uint64(0); seed < 20; seed++ {
		e, nic := newEnv(t, caps)
		e.Rand = rand.New(rand.NewPCG(seed, seed))
		nic.SetThresh(3)

		if res := runCase(t, e, "set_hds_thresh_random"); res.Status != drvtest.StatusPassed {
			t.Fatalf("seed %d: status %s: %s", seed, res.Status, res.Message)
		}
		v, _ := sentThresh(nic.Sets()[0])
		if v < 1 || v > 7 || v == 3 {
			t.Errorf("seed %d: picked %d, want 1..7 excluding 3", seed, v)
		}
	}
}

func TestSetHDSThreshRandom_SmallMax(t *testing.T) {
	for _, tc := range []struct {
		max    uint32
		status drvtest.Status
	}{
		{1, drvtest.StatusSkipped},
		{2, drvtest.StatusPassed},
	} {
		caps := testutil.FullCaps()
		caps.ThreshMax = tc.max
		e, nic := newEnv(t, caps)
		res := runCase(t, e, "set_hds_thresh_random")
		if res.Status != tc.status {
			t.Errorf("max %d: status %s, want %s (%s)", tc.max, res.Status, tc.status, res.Message)
		}
		if tc.max == 2 && len(nic.Sets()) > 0 {
			if v, _ := sentThresh(nic.Sets()[0]); v != 1 {
				t.Errorf("max 2: picked %d, want 1", v)
			}
		}
	}
}

func TestCases_Skips(t *testing.T) {
	tests := []struct {
		name   string
		caps   func(*testutil.NICCaps)
		env    func(*Env)
		kase   string
		reason string
	}{
		{
			name:   "no rings-get",
			caps:   func(c *testutil.NICCaps) { c.GetUnsupported = true },
			kase:   "get_hds",
			reason: "ring-get not supported by device",
		},
		{
			name:   "no mode",
			caps:   func(c *testutil.NICCaps) { c.Mode = false },
			kase:   "get_hds",
			reason: "tcp-data-split not supported by device",
		},
		{
			name:   "no thresh",
			caps:   func(c *testutil.NICCaps) { c.Thresh = false },
			kase:   "get_hds_thresh",
			reason: "hds-thresh not supported by device",
		},
		{
			name:   "no thresh for zero",
			caps:   func(c *testutil.NICCaps) { c.Thresh = false },
			kase:   "set_hds_thresh_zero",
			reason: "hds-thresh not supported by device",
		},
		{
			name:   "enable rejected",
			caps:   func(c *testutil.NICCaps) { c.RejectEnable = true },
			kase:   "set_hds_enable",
			reason: "enabling of HDS not supported by the device",
		},
		{
			name:   "set unsupported",
			caps:   func(c *testutil.NICCaps) { c.SetUnsupported = true },
			kase:   "set_hds_disable",
			reason: "ring-set not supported by the device",
		},
		{
			name:   "no tx ring",
			caps:   func(c *testutil.NICCaps) { c.Tx = false },
			kase:   "ioctl",
			reason: "setting Tx ring size not supported",
		},
		{
			name:   "enable rejected before xdp",
			caps:   func(c *testutil.NICCaps) { c.RejectEnable = true },
			kase:   "enabled_set_xdp",
			reason: "enabling of HDS not supported by the device",
		},
		{
			name:   "no xdp program",
			env:    func(e *Env) { e.XDPProg = "/nonexistent/xdp_dummy.bpf.o" },
			kase:   "set_xdp",
			reason: "XDP program /nonexistent/xdp_dummy.bpf.o not found",
		},
		{
			name:   "no remote",
			kase:   "hds_enabled_udp_integrity",
			reason: "traffic test needs a remote endpoint and a local address",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caps := testutil.FullCaps()
			if tt.caps != nil {
				tt.caps(&caps)
			}
			e, _ := newEnv(t, caps)
			if tt.env != nil {
				tt.env(e)
			}
			res := runCase(t, e, tt.kase)
			if res.Status != drvtest.StatusSkipped {
				t.Fatalf("status %s, want SKIP (%s)", res.Status, res.Message)
			}
			if res.Message != tt.reason {
				t.Errorf("reason = %q, want %q", res.Message, tt.reason)
			}
		})
	}
}

func TestSetHDSDisable_OtherErrnoFails(t *testing.T) {
	e, nic := newEnv(t, testutil.FullCaps())
	nic.FailSets(unix.EBUSY)

	res := runCase(t, e, "set_hds_disable")
	if res.Status != drvtest.StatusFailed {
		t.Fatalf("status %s, want FAIL", res.Status)
	}
	if !errors.Is(res.Err, unix.EBUSY) {
		t.Errorf("err = %v, want EBUSY", res.Err)
	}
}

func TestIoctl_ModeLost(t *testing.T) {
	caps := testutil.FullCaps()
	caps.IoctlResetsMode = true
	e, nic := newEnv(t, caps)
	nic.SetMode("enabled")

	res := runCase(t, e, "ioctl")
	if res.Status != drvtest.StatusFailed {
		t.Fatalf("status %s, want FAIL", res.Status)
	}
	if !strings.Contains(res.Message, "tcp-data-split after ioctl") {
		t.Errorf("message = %q", res.Message)
	}
	if nic.Tx() != 512 {
		t.Errorf("tx = %d, want restored 512", nic.Tx())
	}
}

func TestIoctl_FallsBackToDoubling(t *testing.T) {
	e, nic := newEnv(t, testutil.FullCaps())
	nic.FailCommand("ethtool --disable-netlink -G eth0 tx 256", errors.New("invalid argument"))

	if res := runCase(t, e, "ioctl"); res.Status != drvtest.StatusPassed {
		t.Fatalf("status %s: %s", res.Status, res.Message)
	}
	want := []string{
		"ethtool --disable-netlink -G eth0 tx 256",
		"ethtool --disable-netlink -G eth0 tx 1024",
		"ethtool -G eth0 tx 512",
	}
	if diff := cmp.Diff(want, nic.Commands()); diff != "" {
		t.Errorf("commands (-want +got):\n%s", diff)
	}
	if nic.Tx() != 512 {
		t.Errorf("tx = %d, want 512", nic.Tx())
	}
}

func TestEnabledSetXDP_AttachSucceedsFails(t *testing.T) {
	e, nic := newEnv(t, testutil.FullCaps())
	var cmds []string
	e.Exec = cmdexec.RunnerFunc(func(ctx context.Context, command string, opts cmdexec.Options) (*cmdexec.Result, error) {
		cmds = append(cmds, command)
		return &cmdexec.Result{Command: command}, nil
	})

	res := runCase(t, e, "enabled_set_xdp")
	if res.Status != drvtest.StatusFailed {
		t.Fatalf("status %s, want FAIL", res.Status)
	}
	if !strings.Contains(res.Message, "expected *cmdexec.CommandError") {
		t.Errorf("message = %q", res.Message)
	}
	if len(cmds) != 2 || !strings.HasSuffix(cmds[1], "xdp off") {
		t.Errorf("commands = %v, want attach then detach", cmds)
	}
	if nic.Mode() != "unknown" {
		t.Errorf("mode = %q, want restored unknown", nic.Mode())
	}
}

func TestSetXDP_LeavesEnabledFirst(t *testing.T) {
	e, nic := newEnv(t, testutil.FullCaps())
	nic.SetMode("enabled")

	if res := runCase(t, e, "set_xdp"); res.Status != drvtest.StatusPassed {
		t.Fatalf("status %s: %s", res.Status, res.Message)
	}
	if diff := cmp.Diff([]string{"unknown", "unknown", "enabled"}, setModes(nic)); diff != "" {
		t.Errorf("rings-set modes (-want +got):\n%s", diff)
	}
	if nic.XDP() != "" {
		t.Errorf("xdp still attached: %s", nic.XDP())
	}
}

func TestUDPIntegrity_MissingTool(t *testing.T) {
	e, _ := newEnv(t, testutil.FullCaps())
	e.Remote = &env.Remote{V4: "192.0.2.2"}
	e.LocalAddr = "192.0.2.1"
	e.Require = func(ctx context.Context, name string, remote bool) error {
		if remote {
			return util.NewDependencyError("command", name, "peer")
		}
		return nil
	}

	res := runCase(t, e, "hds_enabled_udp_integrity")
	if res.Status != drvtest.StatusSkipped {
		t.Fatalf("status %s, want SKIP", res.Status)
	}
	if !strings.Contains(res.Message, "socat") {
		t.Errorf("reason = %q, want mention of socat", res.Message)
	}
}

// rereadFails fails the first rings-get issued after the first rings-set.
type rereadFails struct {
	RingsClient
	armed, spent bool
}

func (r *rereadFails) RingsGet(ctx context.Context, dev env.Device) (ethtool.Rings, error) {
	if r.armed && !r.spent {
		r.spent = true
		return ethtool.Rings{}, &ynl.Error{Op: "rings-get", Code: unix.EIO}
	}
	return r.RingsClient.RingsGet(ctx, dev)
}

func (r *rereadFails) RingsSet(ctx context.Context, dev env.Device, u ethtool.RingsUpdate) error {
	r.armed = true
	return r.RingsClient.RingsSet(ctx, dev, u)
}

func TestCases_RereadFailureFails(t *testing.T) {
	for _, name := range []string{"set_hds_disable", "set_hds_thresh_zero", "set_hds_thresh_gt", "enabled_set_xdp"} {
		t.Run(name, func(t *testing.T) {
			e, nic := newEnv(t, testutil.FullCaps())
			nic.SetThresh(100)
			before := stateOf(nic)
			e.Rings = &rereadFails{RingsClient: e.Rings}

			res := runCase(t, e, name)
			if res.Status != drvtest.StatusFailed {
				t.Fatalf("status %s (%s), want FAIL", res.Status, res.Message)
			}
			if !strings.Contains(res.Message, "rings-get after change") {
				t.Errorf("message = %q", res.Message)
			}
			if diff := cmp.Diff(before, stateOf(nic)); diff != "" {
				t.Errorf("device not restored (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCases_CancelledNotSkipped(t *testing.T) {
	e, nic := newEnv(t, testutil.FullCaps())
	before := stateOf(nic)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := (&drvtest.Runner{Suite: Suite}).Run(ctx, Cases(e))
	for _, c := range res.Cases {
		if c.Status == drvtest.StatusSkipped {
			t.Errorf("%s: skipped (%s) on a cancelled run", c.Name, c.Message)
		}
	}
	if len(nic.Sets()) != 0 {
		t.Errorf("cancelled run issued %d rings-set requests", len(nic.Sets()))
	}
	if diff := cmp.Diff(before, stateOf(nic)); diff != "" {
		t.Errorf("device changed (-want +got):\n%s", diff)
	}
}

func TestSetHDSThreshGt_MaxUint32(t *testing.T) {
	caps := testutil.FullCaps()
	caps.ThreshMax = math.MaxUint32
	e, nic := newEnv(t, caps)
	nic.SetThresh(100)

	res := runCase(t, e, "set_hds_thresh_gt")
	if res.Status != drvtest.StatusSkipped {
		t.Fatalf("status %s (%s), want SKIP", res.Status, res.Message)
	}
	for _, m := range nic.Sets() {
		if _, ok := sentThresh(m); ok {
			t.Errorf("rings-set sent %v", m)
		}
	}
}

// anonymousRejects drops the blamed attribute from rejections.
type anonymousRejects struct {
	RingsClient
}

func (r anonymousRejects) RingsSet(ctx context.Context, dev env.Device, u ethtool.RingsUpdate) error {
	err := r.RingsClient.RingsSet(ctx, dev, u)
	var ye *ynl.Error
	if errors.As(err, &ye) {
		c := *ye
		c.BadAttr = ""
		return &c
	}
	return err
}

func TestSetHDSThreshGt_BadAttrChecked(t *testing.T) {
	e, _ := newEnv(t, testutil.FullCaps())
	e.Rings = anonymousRejects{RingsClient: e.Rings}

	res := runCase(t, e, "set_hds_thresh_gt")
	if res.Status != drvtest.StatusFailed {
		t.Fatalf("status %s, want FAIL", res.Status)
	}
	if !strings.Contains(res.Message, "bad attribute") {
		t.Errorf("message = %q", res.Message)
	}
}

func TestUDPIntegrity_LocalPeer(t *testing.T) {
	if testing.Short() {
		t.Skip("sends traffic")
	}
	if _, err := exec.LookPath("socat"); err != nil {
		t.Skip("socat not installed")
	}
	e, nic := newEnv(t, testutil.FullCaps())
	nic.SetMode("disabled")
	e.Exec = cmdexec.RunnerFunc(cmdexec.Run)
	e.Remote = &env.Remote{Host: cmdexec.Local, V4: "127.0.0.1"}
	e.LocalAddr = "127.0.0.1"
	e.ReadyTimeout = 5 * time.Second

	res := runCase(t, e, "hds_enabled_udp_integrity")
	if res.Status != drvtest.StatusPassed {
		t.Fatalf("status %s: %s", res.Status, res.Message)
	}
	if diff := cmp.Diff([]string{"enabled", "unknown", "disabled"}, setModes(nic)); diff != "" {
		t.Errorf("mode sets (-want +got):\n%s", diff)
	}
	if nic.Mode() != "disabled" {
		t.Errorf("mode = %s, want disabled restored", nic.Mode())
	}
}
