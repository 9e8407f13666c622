package tools

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/newtron-network/drvtest/internal/testutil"
	"github.com/newtron-network/drvtest/pkg/cmdexec"
	"github.com/newtron-network/drvtest/pkg/util"
)

const udpTable = `  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode ref pointer drops
  123: 00000000:1F90 00000000:0000 07 00000000:00000000 00:00000000 00000000     0        0 4242 2 0000000000000000 0
`

const tcpTable = `  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode
   0: 0100007F:1F90 0100007F:D431 01 00000000:00000000 00:00000000 00000000     0        0 1 1 0000000000000000 20 4 30 10 -1
   1: 00000000:0016 00000000:0000 0A 00000000:00000000 00:00000000 00000000     0        0 2 1 0000000000000000 100 0 0 10 0
`

func tableRunner(out string, afterCalls int32) (cmdexec.Runner, *int32) {
	var calls int32
	return cmdexec.RunnerFunc(func(ctx context.Context, command string, opts cmdexec.Options) (*cmdexec.Result, error) {
		n := atomic.AddInt32(&calls, 1)
		if n <= afterCalls {
			return &cmdexec.Result{Command: command}, nil
		}
		return &cmdexec.Result{Command: command, Stdout: out}, nil
	}), &calls
}

func TestWaitPortListen(t *testing.T) {
	old := PollInterval
	PollInterval = 5 * time.Millisecond
	t.Cleanup(func() { PollInterval = old })

	tests := []struct {
		name    string
		table   string
		port    int
		proto   string
		wantErr bool
	}{
		{"udp bound", udpTable, 8080, "udp", false},
		{"udp other port", udpTable, 8081, "udp", true},
		{"tcp listening", tcpTable, 22, "tcp", false},
		{"tcp established only", tcpTable, 8080, "tcp", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := tableRunner(tt.table, 2)
			err := WaitPortListen(testutil.Context(t), r, tt.port, tt.proto, 200*time.Millisecond, cmdexec.Options{})
			if (err != nil) != tt.wantErr {
				t.Errorf("WaitPortListen() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWaitPortListen_Polls(t *testing.T) {
	old := PollInterval
	PollInterval = 5 * time.Millisecond
	t.Cleanup(func() { PollInterval = old })

	r, calls := tableRunner(udpTable, 3)
	if err := WaitPortListen(testutil.Context(t), r, 8080, "udp", 5*time.Second, cmdexec.Options{}); err != nil {
		t.Fatalf("WaitPortListen() error = %v", err)
	}
	if got := atomic.LoadInt32(calls); got != 4 {
		t.Errorf("polled %d times, want 4", got)
	}
}

func TestWaitPortListen_RunnerError(t *testing.T) {
	want := errors.New("ssh down")
	var calls int
	r := cmdexec.RunnerFunc(func(ctx context.Context, command string, opts cmdexec.Options) (*cmdexec.Result, error) {
		calls++
		return nil, want
	})
	err := WaitPortListen(testutil.Context(t), r, 1, "udp", 5*time.Second, cmdexec.Options{})
	if !errors.Is(err, want) {
		t.Errorf("WaitPortListen() error = %v, want %v", err, want)
	}
	if calls != 1 {
		t.Errorf("runner called %d times, want no retry", calls)
	}
}

func TestWaitPortListen_BadProto(t *testing.T) {
	r, _ := tableRunner("", 0)
	err := WaitPortListen(context.Background(), r, 1, "sctp", time.Second, cmdexec.Options{})
	if !errors.Is(err, util.ErrInvalidConfig) {
		t.Errorf("WaitPortListen() error = %v, want ErrInvalidConfig", err)
	}
}

func TestCommands(t *testing.T) {
	nic := testutil.NewFakeNIC("eth0", testutil.FullCaps())
	ctx := context.Background()

	if err := XDPAttach(ctx, nic, "eth0", "xdp_dummy.bpf.o", cmdexec.Options{}); err != nil {
		t.Fatalf("XDPAttach() error = %v", err)
	}
	if nic.XDP() != "xdp_dummy.bpf.o" {
		t.Errorf("XDP() = %q", nic.XDP())
	}
	if err := XDPDetach(ctx, nic, "eth0", cmdexec.Options{}); err != nil {
		t.Fatalf("XDPDetach() error = %v", err)
	}
	if err := SetTxRing(ctx, nic, "eth0", 256, true, cmdexec.Options{}); err != nil {
		t.Fatalf("SetTxRing() error = %v", err)
	}
	if nic.Tx() != 256 {
		t.Errorf("Tx() = %d", nic.Tx())
	}

	want := []string{
		"ip link set dev eth0 xdp obj xdp_dummy.bpf.o sec xdp",
		"ip link set dev eth0 xdp off",
		"ethtool --disable-netlink -G eth0 tx 256",
	}
	got := nic.Commands()
	if len(got) != len(want) {
		t.Fatalf("Commands() = %q", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command %d = %q, want %q", i, got[i], want[i])
		}
	}
}
