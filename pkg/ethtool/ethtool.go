// Package ethtool reads and changes NIC ring parameters through the ethtool
// generic netlink family.
package ethtool

import (
	"context"
	"fmt"
	"strings"

	"github.com/newtron-network/drvtest/pkg/env"
	"github.com/newtron-network/drvtest/pkg/util"
	"github.com/newtron-network/drvtest/pkg/ynl"
)

// Ring attribute names.
const (
	FieldTCPDataSplit = "tcp-data-split"
	FieldHDSThresh    = "hds-thresh"
	FieldHDSThreshMax = "hds-thresh-max"
	FieldTx           = "tx"
	FieldTxMax        = "tx-max"
	FieldRx           = "rx"
	FieldRxMax        = "rx-max"
)

// TCPDataSplit is the header-data split mode. Unknown hands the choice back
// to the driver.
type TCPDataSplit string

const (
	SplitUnknown  TCPDataSplit = "unknown"
	SplitDisabled TCPDataSplit = "disabled"
	SplitEnabled  TCPDataSplit = "enabled"
)

// Requester issues a named operation. *ynl.Family implements it.
type Requester interface {
	Do(op string, req ynl.Msg) (ynl.Msg, error)
}

// Client talks to one family instance.
type Client struct {
	fam Requester
}

// New wraps an existing requester.
func New(r Requester) *Client {
	return &Client{fam: r}
}

// Open connects to the kernel's ethtool family.
func Open() (*Client, error) {
	fam, err := ynl.Open("ethtool")
	if err != nil {
		return nil, err
	}
	return New(fam), nil
}

func header(dev env.Device) ynl.Msg {
	if dev.Index > 0 {
		return ynl.Msg{"dev-index": uint32(dev.Index)}
	}
	return ynl.Msg{"dev-name": dev.Name}
}

// RingsGet returns the current ring parameters of dev.
func (c *Client) RingsGet(ctx context.Context, dev env.Device) (Rings, error) {
	if err := ctx.Err(); err != nil {
		return Rings{}, err
	}
	m, err := c.fam.Do("rings-get", ynl.Msg{"header": header(dev)})
	if err != nil {
		return Rings{}, err
	}
	delete(m, "header")
	return Rings{m: m}, nil
}

// RingsSet applies the fields present in u.
func (c *Client) RingsSet(ctx context.Context, dev env.Device, u RingsUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if u.IsEmpty() {
		return fmt.Errorf("%w: empty rings update", util.ErrInvalidConfig)
	}
	req := u.msg()
	req["header"] = header(dev)
	util.WithDevice(dev.Name).Debugf("rings-set %s", u)
	_, err := c.fam.Do("rings-set", req)
	return err
}

// ChannelsGet returns the queue counts of dev.
func (c *Client) ChannelsGet(ctx context.Context, dev env.Device) (Channels, error) {
	if err := ctx.Err(); err != nil {
		return Channels{}, err
	}
	m, err := c.fam.Do("channels-get", ynl.Msg{"header": header(dev)})
	if err != nil {
		return Channels{}, err
	}
	delete(m, "header")
	return Channels{m: m}, nil
}

// Rings is a snapshot of ring parameters. Fields the device does not
// report are absent, which is distinct from any value.
type Rings struct {
	m ynl.Msg
}

// NewRings builds a snapshot from decoded attributes.
func NewRings(m ynl.Msg) Rings {
	return Rings{m: m.Clone()}
}

// Has reports whether the device reported field.
func (r Rings) Has(field string) bool {
	_, ok := r.m[field]
	return ok
}

// TCPDataSplit returns the split mode.
func (r Rings) TCPDataSplit() (TCPDataSplit, bool) {
	s, ok := r.m.Str(FieldTCPDataSplit)
	return TCPDataSplit(s), ok
}

func (r Rings) HDSThresh() (uint32, bool)    { return r.u32(FieldHDSThresh) }
func (r Rings) HDSThreshMax() (uint32, bool) { return r.u32(FieldHDSThreshMax) }
func (r Rings) Tx() (uint32, bool)           { return r.u32(FieldTx) }
func (r Rings) TxMax() (uint32, bool)        { return r.u32(FieldTxMax) }

// Uint returns any integer field.
func (r Rings) Uint(field string) (uint64, bool) {
	return r.m.Uint(field)
}

func (r Rings) u32(field string) (uint32, bool) {
	v, ok := r.m.Uint(field)
	return uint32(v), ok
}

// Msg returns a copy of the raw attributes.
func (r Rings) Msg() ynl.Msg {
	return r.m.Clone()
}

func (r Rings) String() string {
	parts := make([]string, 0, len(r.m))
	for _, k := range r.m.Keys() {
		parts = append(parts, fmt.Sprintf("%s=%v", k, r.m[k]))
	}
	return strings.Join(parts, " ")
}

// RingsUpdate lists the fields to change; zero values are left alone.
type RingsUpdate struct {
	TCPDataSplit TCPDataSplit
	HDSThresh    *uint32
	Tx           *uint32
}

// Uint32 returns a pointer to v, for RingsUpdate fields.
func Uint32(v uint32) *uint32 {
	return &v
}

func (u RingsUpdate) IsEmpty() bool {
	return u.TCPDataSplit == "" && u.HDSThresh == nil && u.Tx == nil
}

func (u RingsUpdate) msg() ynl.Msg {
	m := ynl.Msg{}
	if u.TCPDataSplit != "" {
		m[FieldTCPDataSplit] = string(u.TCPDataSplit)
	}
	if u.HDSThresh != nil {
		m[FieldHDSThresh] = *u.HDSThresh
	}
	if u.Tx != nil {
		m[FieldTx] = *u.Tx
	}
	return m
}

func (u RingsUpdate) String() string {
	var parts []string
	if u.TCPDataSplit != "" {
		parts = append(parts, "tcp-data-split="+string(u.TCPDataSplit))
	}
	if u.HDSThresh != nil {
		parts = append(parts, fmt.Sprintf("hds-thresh=%d", *u.HDSThresh))
	}
	if u.Tx != nil {
		parts = append(parts, fmt.Sprintf("tx=%d", *u.Tx))
	}
	return strings.Join(parts, " ")
}

// Channels is a snapshot of queue counts.
type Channels struct {
	m ynl.Msg
}

func (c Channels) Combined() (uint32, bool) {
	v, ok := c.m.Uint("combined-count")
	return uint32(v), ok
}

func (c Channels) Rx() (uint32, bool) {
	v, ok := c.m.Uint("rx-count")
	return uint32(v), ok
}

func (c Channels) Tx() (uint32, bool) {
	v, ok := c.m.Uint("tx-count")
	return uint32(v), ok
}

// Msg returns a copy of the raw attributes.
func (c Channels) Msg() ynl.Msg {
	return c.m.Clone()
}
