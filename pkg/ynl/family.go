package ynl

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/newtron-network/drvtest/pkg/util"
)

// Conn carries requests for one generic netlink family. The payload and
// each returned reply are attribute streams without the genl header.
type Conn interface {
	Request(cmd, version uint8, flags int, payload []byte) ([][]byte, error)
}

// Error is a request the kernel rejected.
type Error struct {
	Op      string
	Code    syscall.Errno
	Msg     string // extended ack message, may be empty
	BadAttr string // attribute the kernel blamed, as ".nest.attr"; may be empty
}

func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s", e.Op, e.Code.Error())
	if e.Msg != "" {
		fmt.Fprintf(&sb, " (%s)", e.Msg)
	}
	if e.BadAttr != "" {
		fmt.Fprintf(&sb, " [bad attribute %s]", e.BadAttr)
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Code
}

// IsInvalidArgument reports whether err is a kernel EINVAL rejection.
func IsInvalidArgument(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == unix.EINVAL
}

// IsNotSupported reports whether err is a kernel EOPNOTSUPP rejection.
func IsNotSupported(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == unix.EOPNOTSUPP
}

// Family issues named operations against a kernel family.
type Family struct {
	spec *Spec
	conn Conn
}

// NewFamily binds a spec to a transport.
func NewFamily(spec *Spec, conn Conn) *Family {
	return &Family{spec: spec, conn: conn}
}

// Spec returns the family description.
func (f *Family) Spec() *Spec {
	return f.spec
}

// Do performs a single request/response operation. Operations whose reply
// carries no attributes return a nil Msg.
func (f *Family) Do(op string, req Msg) (Msg, error) {
	o, ok := f.spec.Op(op)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no operation %q", util.ErrNotFound, f.spec.Name, op)
	}
	set := f.spec.sets[o.AttributeSet]
	attrs, err := f.spec.encode(set, req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var payload []byte
	for _, a := range attrs {
		payload = append(payload, a.Serialize()...)
	}

	util.WithFields(map[string]interface{}{"family": f.spec.Name, "op": op}).Debugf("ynl request %v", req)
	replies, err := f.conn.Request(o.Value, f.spec.Version, 0, payload)
	if err != nil {
		return nil, f.asError(op, set, payload, err)
	}
	for _, r := range replies {
		if len(r) == 0 {
			continue
		}
		return f.spec.decode(set, r)
	}
	return nil, nil
}

// asError converts a transport rejection into *Error. An *AckError offset
// is resolved against the payload that was sent; a bare errno may carry the
// extended ack message as "<errno>: <message>".
func (f *Family) asError(op string, set *AttributeSet, payload []byte, err error) error {
	var ack *AckError
	if errors.As(err, &ack) {
		e := &Error{Op: op, Code: ack.Code, Msg: ack.Msg}
		if ack.Offset >= requestHdrLen {
			e.BadAttr = f.spec.attrPath(set, payload, int(ack.Offset-requestHdrLen))
		}
		return e
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return fmt.Errorf("%s: %w", op, err)
	}
	msg := strings.TrimPrefix(err.Error(), errno.Error())
	msg = strings.TrimPrefix(msg, ": ")
	return &Error{Op: op, Code: errno, Msg: msg}
}
