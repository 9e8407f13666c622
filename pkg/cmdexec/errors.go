package cmdexec

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrReadyUnsupported is returned when a readiness handshake is requested
// on a host that cannot pass file descriptors to the child.
var ErrReadyUnsupported = errors.New("readiness handshake requires a local process")

// CommandError reports a command that exited non-zero under a failing policy.
type CommandError struct {
	Command string
	Result  *Result
}

func (e *CommandError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "command %q exited with code %d", e.Command, e.Result.ExitCode)
	if out := strings.TrimSpace(e.Result.Stdout); out != "" {
		fmt.Fprintf(&b, "\nSTDOUT: %s", out)
	}
	if out := strings.TrimSpace(e.Result.Stderr); out != "" {
		fmt.Fprintf(&b, "\nSTDERR: %s", out)
	}
	return b.String()
}

// ReadyTimeoutError reports a background helper that never signalled readiness,
// either because the wait expired or because it exited first.
type ReadyTimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *ReadyTimeoutError) Error() string {
	return fmt.Sprintf("%q did not report ready within %s", e.Command, e.Timeout)
}

// CommunicationTimeoutError reports a process that was not reaped within
// its timeout. The process has been killed.
type CommunicationTimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *CommunicationTimeoutError) Error() string {
	return fmt.Sprintf("%q did not finish within %s", e.Command, e.Timeout)
}
