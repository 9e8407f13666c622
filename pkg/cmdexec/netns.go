package cmdexec

import (
	"context"
	"fmt"

	"github.com/vishvananda/netns"

	"github.com/newtron-network/drvtest/pkg/util"
)

// NetnsHost runs processes inside a named network namespace on the local
// machine. It is the "netns" flavour of remote endpoint used when the peer
// is a veth in another namespace.
type NetnsHost struct {
	Name string
}

// NewNetnsHost checks that the namespace exists.
func NewNetnsHost(name string) (*NetnsHost, error) {
	h, err := netns.GetFromName(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", util.NewDependencyError("network namespace", name, ""), err)
	}
	h.Close()
	return &NetnsHost{Name: name}, nil
}

func (h *NetnsHost) Remote() bool { return false }

func (h *NetnsHost) Start(ctx context.Context, l *Launch) (Process, error) {
	nl := *l
	nl.Argv = inNamespace(h.Name, l.Argv)
	return Local.Start(ctx, &nl)
}

func (h *NetnsHost) String() string {
	return fmt.Sprintf("netns:%s", h.Name)
}

func inNamespace(ns string, argv []string) []string {
	return append([]string{"ip", "netns", "exec", ns}, argv...)
}
