package audit

import (
	"context"
	"time"

	"github.com/newtron-network/drvtest/pkg/cmdexec"
	"github.com/newtron-network/drvtest/pkg/drvtest"
	"github.com/newtron-network/drvtest/pkg/env"
	"github.com/newtron-network/drvtest/pkg/ethtool"
	"github.com/newtron-network/drvtest/pkg/util"
)

// RingsClient is the ring parameter interface being journaled.
type RingsClient interface {
	RingsGet(ctx context.Context, dev env.Device) (ethtool.Rings, error)
	RingsSet(ctx context.Context, dev env.Device, u ethtool.RingsUpdate) error
}

// Rings journals every rings-set passing through to Inner. Reads are not
// journaled.
type Rings struct {
	Inner RingsClient
	Log   Logger
}

func (r *Rings) RingsGet(ctx context.Context, dev env.Device) (ethtool.Rings, error) {
	return r.Inner.RingsGet(ctx, dev)
}

func (r *Rings) RingsSet(ctx context.Context, dev env.Device, u ethtool.RingsUpdate) error {
	start := time.Now()
	err := r.Inner.RingsSet(ctx, dev, u)
	record(r.Log, NewEvent(dev.Name, OpRingsSet, u.String()).
		WithCase(drvtest.CaseName(ctx)).
		WithResult(err).
		WithDuration(time.Since(start)))
	return err
}

// Runner journals every command passing through to Inner, local or on the
// peer.
type Runner struct {
	Inner  cmdexec.Runner
	Log    Logger
	Device string
}

func (r *Runner) Run(ctx context.Context, command string, opts cmdexec.Options) (*cmdexec.Result, error) {
	start := time.Now()
	res, err := r.Inner.Run(ctx, command, opts)
	record(r.Log, NewEvent(r.Device, OpCommand, command).
		WithCase(drvtest.CaseName(ctx)).
		WithRemote(opts.Host != nil && opts.Host != cmdexec.Local).
		WithResult(err).
		WithDuration(time.Since(start)))
	return res, err
}

// record never fails the operation being journaled.
func record(l Logger, ev *Event) {
	if l == nil {
		return
	}
	if err := l.Log(ev); err != nil {
		util.WithDevice(ev.Device).WithError(err).Warn("audit: journal write failed")
	}
}
