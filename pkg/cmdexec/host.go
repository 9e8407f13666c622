package cmdexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Host spawns processes. A nil Host in Options means the local machine.
type Host interface {
	Start(ctx context.Context, l *Launch) (Process, error)
	// Remote reports whether processes run on another machine. Remote
	// hosts cannot receive extra file descriptors and cannot signal a
	// whole process group.
	Remote() bool
}

// Launch describes one process to start.
type Launch struct {
	Argv       []string
	Env        []string
	ExtraFiles []*os.File
	Stdout     io.Writer
	Stderr     io.Writer
}

// Process is a started child.
type Process interface {
	// Wait blocks until the process exits. A process killed by a signal
	// reports the negated signal number.
	Wait() (int, error)
	Terminate() error
	Kill() error
}

// Local is the host the harness runs on.
var Local Host = localHost{}

type localHost struct{}

func (localHost) Remote() bool { return false }

func (localHost) Start(ctx context.Context, l *Launch) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(l.Argv) == 0 {
		return nil, errors.New("empty command")
	}
	cmd := exec.Command(l.Argv[0], l.Argv[1:]...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.ExtraFiles = l.ExtraFiles
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	// Own process group so a shell and everything it forks share one signal target.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Grandchildren holding our output pipes must not block reaping forever.
	cmd.WaitDelay = time.Second
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", l.Argv[0], err)
	}
	return &localProcess{cmd: cmd}, nil
}

type localProcess struct {
	cmd *exec.Cmd
}

func (p *localProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if p.cmd.ProcessState == nil {
		return -1, err
	}
	ws, ok := p.cmd.ProcessState.Sys().(syscall.WaitStatus)
	if ok && ws.Signaled() {
		return -int(ws.Signal()), nil
	}
	return p.cmd.ProcessState.ExitCode(), nil
}

func (p *localProcess) Terminate() error {
	return p.signal(unix.SIGTERM)
}

func (p *localProcess) Kill() error {
	return p.signal(unix.SIGKILL)
}

func (p *localProcess) signal(sig syscall.Signal) error {
	err := unix.Kill(-p.cmd.Process.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
