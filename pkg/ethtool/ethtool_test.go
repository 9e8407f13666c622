package ethtool

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/newtron-network/drvtest/internal/testutil"
	"github.com/newtron-network/drvtest/pkg/env"
	"github.com/newtron-network/drvtest/pkg/util"
	"github.com/newtron-network/drvtest/pkg/ynl"
)

var dev = env.Device{Index: 4, Name: "eth0"}

type recorder struct {
	op    string
	req   ynl.Msg
	reply ynl.Msg
}

func (r *recorder) Do(op string, req ynl.Msg) (ynl.Msg, error) {
	r.op, r.req = op, req
	return r.reply, nil
}

func TestRingsGet(t *testing.T) {
	nic := testutil.NewFakeNIC("eth0", testutil.FullCaps())
	nic.SetThresh(128)
	c := New(nic)

	r, err := c.RingsGet(context.Background(), dev)
	if err != nil {
		t.Fatalf("RingsGet() error = %v", err)
	}
	if mode, ok := r.TCPDataSplit(); !ok || mode != SplitUnknown {
		t.Errorf("TCPDataSplit() = %q, %v", mode, ok)
	}
	if v, ok := r.HDSThresh(); !ok || v != 128 {
		t.Errorf("HDSThresh() = %d, %v", v, ok)
	}
	if v, ok := r.HDSThreshMax(); !ok || v != 1024 {
		t.Errorf("HDSThreshMax() = %d, %v", v, ok)
	}
	if v, ok := r.Tx(); !ok || v != 512 {
		t.Errorf("Tx() = %d, %v", v, ok)
	}
	if r.Has("header") {
		t.Error("snapshot kept the request header")
	}
}

func TestRingsGet_AbsentFields(t *testing.T) {
	nic := testutil.NewFakeNIC("eth0", testutil.NICCaps{Tx: true})
	r, err := New(nic).RingsGet(context.Background(), dev)
	if err != nil {
		t.Fatalf("RingsGet() error = %v", err)
	}
	if r.Has(FieldTCPDataSplit) || r.Has(FieldHDSThresh) {
		t.Errorf("snapshot = %s, want no split fields", r)
	}
	if _, ok := r.TCPDataSplit(); ok {
		t.Error("TCPDataSplit() reported a value for an absent field")
	}
	if _, ok := r.HDSThresh(); ok {
		t.Error("HDSThresh() reported a value for an absent field")
	}
}

func TestRingsGet_Error(t *testing.T) {
	caps := testutil.FullCaps()
	caps.GetUnsupported = true
	_, err := New(testutil.NewFakeNIC("eth0", caps)).RingsGet(context.Background(), dev)
	if !ynl.IsNotSupported(err) {
		t.Errorf("RingsGet() error = %v, want EOPNOTSUPP", err)
	}
}

func TestRingsSet(t *testing.T) {
	nic := testutil.NewFakeNIC("eth0", testutil.FullCaps())
	c := New(nic)
	ctx := context.Background()

	err := c.RingsSet(ctx, dev, RingsUpdate{TCPDataSplit: SplitEnabled, HDSThresh: Uint32(64)})
	if err != nil {
		t.Fatalf("RingsSet() error = %v", err)
	}
	if nic.Mode() != "enabled" || nic.Thresh() != 64 {
		t.Errorf("device mode=%s thresh=%d", nic.Mode(), nic.Thresh())
	}

	want := ynl.Msg{
		"header":         ynl.Msg{"dev-index": uint32(4)},
		"tcp-data-split": "enabled",
		"hds-thresh":     uint32(64),
	}
	if diff := cmp.Diff(want, nic.Sets()[0]); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestRingsSet_Rejected(t *testing.T) {
	nic := testutil.NewFakeNIC("eth0", testutil.FullCaps())
	err := New(nic).RingsSet(context.Background(), dev, RingsUpdate{HDSThresh: Uint32(2048)})
	if !ynl.IsInvalidArgument(err) {
		t.Errorf("RingsSet() error = %v, want EINVAL", err)
	}
	if nic.Thresh() != 0 {
		t.Errorf("threshold changed to %d by a rejected set", nic.Thresh())
	}
}

func TestRingsSet_Empty(t *testing.T) {
	rec := &recorder{}
	err := New(rec).RingsSet(context.Background(), dev, RingsUpdate{})
	if !errors.Is(err, util.ErrInvalidConfig) {
		t.Errorf("RingsSet() error = %v, want ErrInvalidConfig", err)
	}
	if rec.op != "" {
		t.Errorf("empty update sent %s", rec.op)
	}
}

func TestHeaderByName(t *testing.T) {
	rec := &recorder{reply: ynl.Msg{"tx": uint64(1)}}
	if _, err := New(rec).RingsGet(context.Background(), env.Device{Name: "veth0"}); err != nil {
		t.Fatalf("RingsGet() error = %v", err)
	}
	want := ynl.Msg{"header": ynl.Msg{"dev-name": "veth0"}}
	if diff := cmp.Diff(want, rec.req); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestRingsGet_CancelledContext(t *testing.T) {
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(rec).RingsGet(ctx, dev); !errors.Is(err, context.Canceled) {
		t.Errorf("RingsGet() error = %v, want context.Canceled", err)
	}
}

func TestChannelsGet(t *testing.T) {
	rec := &recorder{reply: ynl.Msg{"header": ynl.Msg{}, "combined-count": uint64(8), "combined-max": uint64(64)}}
	ch, err := New(rec).ChannelsGet(context.Background(), dev)
	if err != nil {
		t.Fatalf("ChannelsGet() error = %v", err)
	}
	if rec.op != "channels-get" {
		t.Errorf("op = %q", rec.op)
	}
	if v, ok := ch.Combined(); !ok || v != 8 {
		t.Errorf("Combined() = %d, %v", v, ok)
	}
	if _, ok := ch.Rx(); ok {
		t.Error("Rx() reported a value for an absent field")
	}
}

func TestRingsSnapshotIsImmutable(t *testing.T) {
	src := ynl.Msg{"tx": uint64(5)}
	r := NewRings(src)
	src["tx"] = uint64(6)
	m := r.Msg()
	m["tx"] = uint64(7)
	if v, _ := r.Tx(); v != 5 {
		t.Errorf("Tx() = %d, want 5", v)
	}
}

func TestRingsUpdateString(t *testing.T) {
	u := RingsUpdate{TCPDataSplit: SplitDisabled, HDSThresh: Uint32(0), Tx: Uint32(256)}
	if got, want := u.String(), "tcp-data-split=disabled hds-thresh=0 tx=256"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
