// Package hds checks a NIC's header-data split configuration: the
// tcp-data-split mode and hds-thresh ring parameters, their interaction with
// the legacy ioctl ring interface, and their exclusion with XDP.
//
// Every case that changes the device registers a restore action first, so
// each case leaves the device in the state it found it.
package hds

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/newtron-network/drvtest/pkg/cmdexec"
	"github.com/newtron-network/drvtest/pkg/drvtest"
	"github.com/newtron-network/drvtest/pkg/env"
	"github.com/newtron-network/drvtest/pkg/ethtool"
	"github.com/newtron-network/drvtest/pkg/tools"
	"github.com/newtron-network/drvtest/pkg/ynl"
)

// Suite is the name cases are reported under.
const Suite = "hds"

// RingsClient reads and writes ring parameters. *ethtool.Client implements it.
type RingsClient interface {
	RingsGet(ctx context.Context, dev env.Device) (ethtool.Rings, error)
	RingsSet(ctx context.Context, dev env.Device, u ethtool.RingsUpdate) error
}

// Env is what the cases run against.
type Env struct {
	Dev   env.Device
	Rings RingsClient
	Exec  cmdexec.Runner
	Opts  cmdexec.Options // timeouts for local commands

	XDPProg string

	// Traffic peer; nil skips cases that need one.
	Remote       *env.Remote
	LocalAddr    string
	ReadyTimeout time.Duration

	// Require checks a tool is installed locally or on the peer.
	Require func(ctx context.Context, name string, remote bool) error

	Rand *rand.Rand
}

// NewEnv wires a loaded environment to the kernel.
func NewEnv(e *env.Env, rings RingsClient) *Env {
	local := e.Config.LocalV4
	if local == "" {
		local = e.Config.LocalV6
	}
	he := &Env{
		Dev:          e.Dev,
		Rings:        rings,
		Exec:         cmdexec.Default,
		Opts:         e.CmdOptions(),
		XDPProg:      e.Config.XDPProg,
		Remote:       e.Remote,
		LocalAddr:    local,
		ReadyTimeout: e.Config.ReadyTimeout,
		Rand:         rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
	he.Require = func(ctx context.Context, name string, remote bool) error {
		return e.RequireCmd(ctx, he.Exec, name, remote)
	}
	return he
}

func (e *Env) rand() *rand.Rand {
	if e.Rand == nil {
		e.Rand = rand.New(rand.NewPCG(1, 2))
	}
	return e.Rand
}

// getRings takes the first snapshot of a case, skipping when the device
// cannot report rings. An interrupted run is not a skip.
func getRings(t *drvtest.T, e *Env) (ethtool.Rings, error) {
	if err := t.Context().Err(); err != nil {
		return ethtool.Rings{}, err
	}
	r, err := e.Rings.RingsGet(t.Context(), e.Dev)
	if err != nil {
		if cerr := t.Context().Err(); cerr != nil {
			return ethtool.Rings{}, cerr
		}
		t.Log().WithError(err).Debug("rings-get failed")
		return ethtool.Rings{}, drvtest.Skip("ring-get not supported by device")
	}
	return r, nil
}

// readBack rereads rings once the case has touched the device. The first
// read already succeeded, so a failure here fails the case.
func readBack(t *drvtest.T, e *Env) (ethtool.Rings, error) {
	r, err := e.Rings.RingsGet(t.Context(), e.Dev)
	if err != nil {
		return ethtool.Rings{}, fmt.Errorf("rings-get after change: %w", err)
	}
	return r, nil
}

// requireField skips unless the snapshot carries field.
func requireField(r ethtool.Rings, field string) error {
	if !r.Has(field) {
		return drvtest.Skipf("%s not supported by device", field)
	}
	return nil
}

// getMode returns the current split mode, skipping when it is not reported.
func getMode(t *drvtest.T, e *Env) (ethtool.TCPDataSplit, error) {
	r, err := getRings(t, e)
	if err != nil {
		return "", err
	}
	if err := requireField(r, ethtool.FieldTCPDataSplit); err != nil {
		return "", err
	}
	mode, _ := r.TCPDataSplit()
	return mode, nil
}

// readMode is getMode for reads following a change.
func readMode(t *drvtest.T, e *Env) (ethtool.TCPDataSplit, error) {
	r, err := readBack(t, e)
	if err != nil {
		return "", err
	}
	if err := requireField(r, ethtool.FieldTCPDataSplit); err != nil {
		return "", err
	}
	mode, _ := r.TCPDataSplit()
	return mode, nil
}

// deferReset snapshots the split settings now and queues their
// restoration. Devices reporting neither field get nothing queued.
func deferReset(t *drvtest.T, e *Env) {
	snap, err := e.Rings.RingsGet(t.Context(), e.Dev)
	if err != nil {
		return
	}
	if !snap.Has(ethtool.FieldHDSThresh) && !snap.Has(ethtool.FieldTCPDataSplit) {
		return
	}
	t.Defer("reset hds", func() error {
		return resetHDS(context.WithoutCancel(t.Context()), e, snap)
	})
}

// resetHDS returns the split settings to prev. The mode is first handed
// back to the driver ("unknown"), since the prior value was more likely the
// driver default than a user choice; if that does not reproduce prev the
// explicit value is set.
func resetHDS(ctx context.Context, e *Env, prev ethtool.Rings) error {
	cur, err := e.Rings.RingsGet(ctx, e.Dev)
	if err != nil {
		return err
	}

	var u ethtool.RingsUpdate
	prevMode, hadMode := prev.TCPDataSplit()
	if curMode, _ := cur.TCPDataSplit(); hadMode && curMode != prevMode {
		err := e.Rings.RingsSet(ctx, e.Dev, ethtool.RingsUpdate{TCPDataSplit: ethtool.SplitUnknown})
		if err != nil {
			return err
		}
		if cur, err = e.Rings.RingsGet(ctx, e.Dev); err != nil {
			return err
		}
		if curMode, _ := cur.TCPDataSplit(); curMode != prevMode {
			u.TCPDataSplit = prevMode
		}
	}
	prevThresh, hadThresh := prev.HDSThresh()
	if curThresh, _ := cur.HDSThresh(); hadThresh && curThresh != prevThresh {
		u.HDSThresh = ethtool.Uint32(prevThresh)
	}
	if u.IsEmpty() {
		return nil
	}
	return e.Rings.RingsSet(ctx, e.Dev, u)
}

// setOrSkip applies u. EINVAL means the device cannot do what was asked
// and EOPNOTSUPP that it cannot be configured at all; both skip. Any other
// error fails the case.
func setOrSkip(t *drvtest.T, e *Env, u ethtool.RingsUpdate, what string) error {
	err := e.Rings.RingsSet(t.Context(), e.Dev, u)
	switch {
	case err == nil:
		return nil
	case ynl.IsInvalidArgument(err):
		return drvtest.Skipf("%s not supported by the device", what)
	case ynl.IsNotSupported(err):
		return drvtest.Skip("ring-set not supported by the device")
	}
	return err
}

// xdpProg returns the XDP object to attach, skipping when it is missing.
func xdpProg(e *Env) (string, error) {
	if e.XDPProg == "" {
		return "", drvtest.Skip("no XDP program configured")
	}
	if _, err := os.Stat(e.XDPProg); err != nil {
		return "", drvtest.Skipf("XDP program %s not found", e.XDPProg)
	}
	return e.XDPProg, nil
}

// xdpOnOff attaches and immediately detaches the XDP program.
func xdpOnOff(t *drvtest.T, e *Env) error {
	prog, err := xdpProg(e)
	if err != nil {
		return err
	}
	if err := tools.XDPAttach(t.Context(), e.Exec, e.Dev.Name, prog, e.Opts); err != nil {
		return err
	}
	off := t.Defer("xdp off", func() error {
		return tools.XDPDetach(context.WithoutCancel(t.Context()), e.Exec, e.Dev.Name, e.Opts)
	})
	return off.Run()
}

// ioctlRingparamModify changes the Tx ring size through the legacy ioctl
// interface, which knows nothing of header-data split, and queues
// restoration of the original size.
func ioctlRingparamModify(t *drvtest.T, e *Env) error {
	r, err := readBack(t, e)
	if err != nil {
		return err
	}
	tx, ok := r.Tx()
	if !ok {
		return drvtest.Skip("setting Tx ring size not supported")
	}

	ctx := t.Context()
	if err := tools.SetTxRing(ctx, e.Exec, e.Dev.Name, tx/2, true, e.Opts); err != nil {
		t.Log().WithError(err).Debug("halving tx ring failed, doubling instead")
		if err := tools.SetTxRing(ctx, e.Exec, e.Dev.Name, tx*2, true, e.Opts); err != nil {
			return err
		}
	}
	t.Defer("restore tx ring", func() error {
		return tools.SetTxRing(context.WithoutCancel(ctx), e.Exec, e.Dev.Name, tx, false, e.Opts)
	})
	return nil
}
