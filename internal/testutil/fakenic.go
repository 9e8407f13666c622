package testutil

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/newtron-network/drvtest/pkg/cmdexec"
	"github.com/newtron-network/drvtest/pkg/ynl"
)

// NICCaps describes what the fake device supports.
type NICCaps struct {
	Mode      bool   // reports tcp-data-split
	Thresh    bool   // reports hds-thresh and hds-thresh-max
	ThreshMax uint32 //
	Tx        bool   // reports tx and tx-max

	GetUnsupported bool // rings-get fails with EOPNOTSUPP
	SetUnsupported bool // rings-set of split fields fails with EOPNOTSUPP
	RejectEnable   bool // enabling split fails with EINVAL

	// DefaultMode is what the driver picks when asked for "unknown".
	DefaultMode string

	// IoctlResetsMode models a driver that loses the split setting when the
	// legacy ioctl path reconfigures rings.
	IoctlResetsMode bool
}

// FullCaps is a device supporting everything.
func FullCaps() NICCaps {
	return NICCaps{
		Mode:        true,
		Thresh:      true,
		ThreshMax:   1024,
		Tx:          true,
		DefaultMode: "unknown",
	}
}

// FakeNIC models ring configuration and XDP attachment of one interface.
// It serves both the ethtool netlink operations and the ip/ethtool commands
// test cases shell out to.
type FakeNIC struct {
	Name string
	Caps NICCaps

	mu     sync.Mutex
	mode   string
	thresh uint32
	tx     uint32
	txMax  uint32
	xdp    string

	sets     []ynl.Msg
	commands []string
	setErr   syscall.Errno
	cmdErr   map[string]error
}

// NewFakeNIC creates a device in driver-default split mode.
func NewFakeNIC(name string, caps NICCaps) *FakeNIC {
	return &FakeNIC{
		Name:   name,
		Caps:   caps,
		mode:   "unknown",
		tx:     512,
		txMax:  4096,
		cmdErr: make(map[string]error),
	}
}

// SetMode forces the current split mode.
func (n *FakeNIC) SetMode(mode string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mode = mode
}

// Mode returns the current split mode.
func (n *FakeNIC) Mode() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mode
}

// SetThresh forces the current threshold.
func (n *FakeNIC) SetThresh(v uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.thresh = v
}

// Thresh returns the current threshold.
func (n *FakeNIC) Thresh() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.thresh
}

// Tx returns the current tx ring size.
func (n *FakeNIC) Tx() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tx
}

// XDP returns the attached program, or "".
func (n *FakeNIC) XDP() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.xdp
}

// Sets returns every rings-set request received.
func (n *FakeNIC) Sets() []ynl.Msg {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ynl.Msg(nil), n.sets...)
}

// Commands returns every command run.
func (n *FakeNIC) Commands() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.commands...)
}

// FailSets makes every later rings-set fail with code.
func (n *FakeNIC) FailSets(code syscall.Errno) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.setErr = code
}

// FailCommand makes commands starting with prefix fail with err.
func (n *FakeNIC) FailCommand(prefix string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cmdErr[prefix] = err
}

// Do implements ethtool.Requester.
func (n *FakeNIC) Do(op string, req ynl.Msg) (ynl.Msg, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := req.Nest("header"); !ok {
		return nil, &ynl.Error{Op: op, Code: unix.EINVAL, Msg: "missing header"}
	}
	switch op {
	case "rings-get":
		if n.Caps.GetUnsupported {
			return nil, &ynl.Error{Op: op, Code: unix.EOPNOTSUPP}
		}
		return n.rings(), nil
	case "rings-set":
		n.sets = append(n.sets, req.Clone())
		if n.setErr != 0 {
			return nil, &ynl.Error{Op: op, Code: n.setErr}
		}
		return nil, n.applySet(op, req)
	}
	return nil, &ynl.Error{Op: op, Code: unix.EOPNOTSUPP}
}

func (n *FakeNIC) rings() ynl.Msg {
	m := ynl.Msg{"header": ynl.Msg{"dev-name": n.Name}}
	if n.Caps.Mode {
		m["tcp-data-split"] = n.mode
	}
	if n.Caps.Thresh {
		m["hds-thresh"] = uint64(n.thresh)
		m["hds-thresh-max"] = uint64(n.Caps.ThreshMax)
	}
	if n.Caps.Tx {
		m["tx"] = uint64(n.tx)
		m["tx-max"] = uint64(n.txMax)
	}
	return m
}

func (n *FakeNIC) applySet(op string, req ynl.Msg) error {
	mode, hasMode := req["tcp-data-split"]
	thresh, hasThresh := req["hds-thresh"]
	tx, hasTx := req["tx"]

	if (hasMode || hasThresh) && n.Caps.SetUnsupported {
		return &ynl.Error{Op: op, Code: unix.EOPNOTSUPP}
	}
	if (hasMode && !n.Caps.Mode) || (hasThresh && !n.Caps.Thresh) {
		return &ynl.Error{Op: op, Code: unix.EOPNOTSUPP}
	}

	newMode := n.mode
	if hasMode {
		s, ok := mode.(string)
		if !ok {
			return &ynl.Error{Op: op, Code: unix.EINVAL, Msg: "bad tcp-data-split"}
		}
		switch s {
		case "enabled":
			if n.Caps.RejectEnable {
				return &ynl.Error{Op: op, Code: unix.EINVAL, Msg: "hds not supported in current config"}
			}
			if n.xdp != "" {
				return &ynl.Error{Op: op, Code: unix.EINVAL, Msg: "hds conflicts with xdp"}
			}
		case "unknown":
			s = n.Caps.DefaultMode
		case "disabled":
		default:
			return &ynl.Error{Op: op, Code: unix.EINVAL}
		}
		newMode = s
	}

	newThresh := n.thresh
	if hasThresh {
		v, err := toU32(thresh)
		if err != nil {
			return &ynl.Error{Op: op, Code: unix.EINVAL, Msg: err.Error()}
		}
		if v > n.Caps.ThreshMax {
			return &ynl.Error{Op: op, Code: unix.EINVAL, Msg: "hds-thresh exceeds hds-thresh-max", BadAttr: ".hds-thresh"}
		}
		newThresh = v
	}

	newTx := n.tx
	if hasTx {
		v, err := toU32(tx)
		if err != nil || v == 0 || v > n.txMax {
			return &ynl.Error{Op: op, Code: unix.EINVAL, Msg: "bad tx"}
		}
		newTx = v
	}

	n.mode, n.thresh, n.tx = newMode, newThresh, newTx
	return nil
}

func toU32(v any) (uint32, error) {
	switch v := v.(type) {
	case uint32:
		return v, nil
	case uint64:
		return uint32(v), nil
	case int:
		return uint32(v), nil
	}
	return 0, fmt.Errorf("unexpected %T", v)
}

// Run implements cmdexec.Runner for the ip and ethtool invocations the
// cases use. Anything else exits 127.
func (n *FakeNIC) Run(ctx context.Context, command string, opts cmdexec.Options) (*cmdexec.Result, error) {
	n.mu.Lock()
	n.commands = append(n.commands, command)
	for prefix, err := range n.cmdErr {
		if strings.HasPrefix(command, prefix) {
			n.mu.Unlock()
			return nil, err
		}
	}
	res := n.exec(command)
	n.mu.Unlock()

	res.Command = command
	if res.ExitCode != 0 && opts.Fail != cmdexec.IgnoreExit {
		return res, &cmdexec.CommandError{Command: command, Result: res}
	}
	return res, nil
}

func (n *FakeNIC) exec(command string) *cmdexec.Result {
	f := strings.Fields(command)
	fail := func(code int, msg string) *cmdexec.Result {
		return &cmdexec.Result{ExitCode: code, Stderr: msg + "\n"}
	}

	if len(f) == 0 {
		return fail(127, "empty command")
	}
	switch {
	case len(f) >= 3 && f[0] == "command" && f[1] == "-v":
		return &cmdexec.Result{Stdout: "/usr/sbin/" + f[2] + "\n"}

	// ip link set dev <if> xdp obj <prog> sec xdp | xdp off
	case len(f) >= 6 && f[0] == "ip" && f[1] == "link" && f[2] == "set" && f[3] == "dev" && f[5] == "xdp":
		if f[4] != n.Name {
			return fail(1, fmt.Sprintf("Cannot find device %q", f[4]))
		}
		if len(f) == 7 && f[6] == "off" {
			n.xdp = ""
			return &cmdexec.Result{}
		}
		if len(f) >= 8 && f[6] == "obj" {
			if n.mode == "enabled" {
				return fail(2, "Error: hds enabled, xdp requires single buffer.")
			}
			n.xdp = f[7]
			return &cmdexec.Result{}
		}
		return fail(255, "Command line is not complete.")

	// ethtool [--disable-netlink] -G <if> tx <n>
	case len(f) >= 5 && f[0] == "ethtool":
		args := f[1:]
		ioctl := false
		if args[0] == "--disable-netlink" {
			ioctl = true
			args = args[1:]
		}
		if len(args) != 4 || args[0] != "-G" || args[2] != "tx" {
			return fail(1, "bad command line")
		}
		if args[1] != n.Name {
			return fail(1, "no such device")
		}
		if !n.Caps.Tx {
			return fail(95, "Operation not supported")
		}
		v, err := strconv.ParseUint(args[3], 10, 32)
		if err != nil || v == 0 || uint32(v) > n.txMax {
			return fail(1, "Invalid argument")
		}
		n.tx = uint32(v)
		if ioctl && n.Caps.IoctlResetsMode {
			n.mode = "disabled"
		}
		return &cmdexec.Result{}
	}
	return fail(127, "command not found: "+f[0])
}
