package ynl

import (
	"fmt"
	"strings"
	"syscall"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netlink/nl"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/newtron-network/drvtest/pkg/util"
)

// Bytes ahead of the attribute payload in a request: netlink and genl
// headers.
const requestHdrLen = unix.SizeofNlMsghdr + nl.SizeofGenlmsg

// AckError is a kernel rejection as read off the socket. Offset locates
// the attribute the kernel blamed, counted from the start of the request
// message; zero when not reported.
type AckError struct {
	Code   syscall.Errno
	Msg    string
	Offset uint32
}

func (e *AckError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Code.Error(), e.Msg)
	}
	return e.Code.Error()
}

func (e *AckError) Unwrap() error {
	return e.Code
}

// GenlConn is a Conn over a kernel generic netlink socket.
type GenlConn struct {
	id uint16
}

// DialGenl resolves a generic netlink family by name.
func DialGenl(family string) (*GenlConn, error) {
	fam, err := netlink.GenlFamilyGet(family)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", util.NewDependencyError("netlink family", family, ""), err)
	}
	return &GenlConn{id: fam.ID}, nil
}

// ID returns the resolved family id.
func (c *GenlConn) ID() uint16 {
	return c.id
}

// Request sends one message and collects replies up to the kernel's ack.
// The socket asks for extended acks so rejections carry a message and the
// offending attribute.
func (c *GenlConn) Request(cmd, version uint8, flags int, payload []byte) ([][]byte, error) {
	s, err := nl.GetNetlinkSocketAt(netns.None(), netns.None(), unix.NETLINK_GENERIC)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	fd := s.GetFd()
	if err := unix.SetsockoptInt(fd, unix.SOL_NETLINK, unix.NETLINK_EXT_ACK, 1); err != nil {
		util.Logger.WithError(err).Debug("netlink extended ack unavailable")
	}
	// Only the header of the rejected request is echoed back.
	_ = unix.SetsockoptInt(fd, unix.SOL_NETLINK, unix.NETLINK_CAP_ACK, 1)

	req := nl.NewNetlinkRequest(int(c.id), unix.NLM_F_ACK|flags)
	req.AddData(&nl.Genlmsg{Command: cmd, Version: version})
	if len(payload) > 0 {
		req.AddRawData(payload)
	}
	if err := s.Send(req); err != nil {
		return nil, err
	}

	var out [][]byte
	for {
		msgs, from, err := s.Receive()
		if err != nil {
			return nil, err
		}
		if from.Pid != 0 {
			continue
		}
		for _, m := range msgs {
			if m.Header.Seq != req.Seq {
				continue
			}
			switch m.Header.Type {
			case unix.NLMSG_DONE:
				return out, nil
			case unix.NLMSG_ERROR:
				if err := parseAck(m.Header.Flags, m.Data); err != nil {
					return nil, err
				}
				return out, nil
			}
			if len(m.Data) >= nl.SizeofGenlmsg {
				out = append(out, m.Data[nl.SizeofGenlmsg:])
			}
		}
	}
}

// parseAck decodes an NLMSG_ERROR body: a negative errno, the echoed
// request (only its header when capped) and, with NLM_F_ACK_TLVS, the
// extended ack attributes. A zero errno is a plain ack.
func parseAck(flags uint16, data []byte) error {
	native := nl.NativeEndian()
	if len(data) < 4 {
		return fmt.Errorf("short netlink ack (%d bytes)", len(data))
	}
	code := -int32(native.Uint32(data))
	if code == 0 {
		return nil
	}
	ack := &AckError{Code: syscall.Errno(code)}
	if flags&unix.NLM_F_ACK_TLVS == 0 {
		return ack
	}

	rest := data[4:]
	if len(rest) < unix.SizeofNlMsghdr {
		return ack
	}
	echoed := unix.SizeofNlMsghdr
	if flags&unix.NLM_F_CAPPED == 0 {
		echoed = align4(int(native.Uint32(rest)))
	}
	if echoed > len(rest) {
		return ack
	}
	attrs, err := nl.ParseRouteAttr(rest[echoed:])
	if err != nil {
		return ack
	}
	for _, a := range attrs {
		switch a.Attr.Type {
		case unix.NLMSGERR_ATTR_MSG:
			ack.Msg = strings.TrimRight(string(a.Value), "\x00")
		case unix.NLMSGERR_ATTR_OFFS:
			if len(a.Value) >= 4 {
				ack.Offset = native.Uint32(a.Value)
			}
		}
	}
	return ack
}

// Open loads the built-in spec for family and connects to the kernel.
func Open(family string) (*Family, error) {
	spec, err := LoadSpec(family)
	if err != nil {
		return nil, err
	}
	conn, err := DialGenl(family)
	if err != nil {
		return nil, err
	}
	return NewFamily(spec, conn), nil
}
