// Package cmdexec runs helper commands for test cases, in the foreground or
// as background processes, locally, in a network namespace or over SSH.
//
// Background helpers may take part in a readiness handshake: two pipes are
// handed to the child as extra descriptors, named by KSFT_READY_FD and
// KSFT_WAIT_FD. The child writes a byte to the first once it is serving and
// reads the second to learn when to wind down.
package cmdexec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/newtron-network/drvtest/pkg/util"
)

// DefaultTimeout bounds how long a process may take to finish once asked to.
const DefaultTimeout = 5 * time.Second

// Environment variables naming the handshake descriptors in the child.
const (
	ReadyFDEnv = "KSFT_READY_FD"
	WaitFDEnv  = "KSFT_WAIT_FD"
)

// FailPolicy decides whether a non-zero exit is an error.
type FailPolicy int

const (
	// FailAuto fails foreground commands on non-zero exit, and background
	// ones unless they were terminated by us.
	FailAuto FailPolicy = iota
	FailOnNonZero
	IgnoreExit
)

func (p FailPolicy) fails(terminated bool) bool {
	switch p {
	case FailOnNonZero:
		return true
	case IgnoreExit:
		return false
	}
	return !terminated
}

// Options controls how a command is spawned and judged.
type Options struct {
	Shell     bool // run through /bin/sh -c
	Fail      FailPolicy
	Namespace string // network namespace, applied via ip netns exec
	Host      Host   // nil means Local
	Timeout   time.Duration

	// Background only.
	ReadyTimeout time.Duration // non-zero enables the readiness handshake
	ExitWait     bool          // let the helper exit by itself instead of terminating it

	Env []string // extra KEY=VALUE pairs
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Host == nil {
		o.Host = Local
	}
	return o
}

func (o Options) argv(command string) []string {
	var argv []string
	if o.Shell {
		argv = []string{"/bin/sh", "-c", command}
	} else {
		argv = strings.Fields(command)
	}
	if o.Namespace != "" {
		argv = inNamespace(o.Namespace, argv)
	}
	return argv
}

// Result is the outcome of a reaped process.
type Result struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner runs foreground commands. Test code injects fakes through it.
type Runner interface {
	Run(ctx context.Context, command string, opts Options) (*Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, command string, opts Options) (*Result, error)

func (f RunnerFunc) Run(ctx context.Context, command string, opts Options) (*Result, error) {
	return f(ctx, command, opts)
}

// Default runs commands for real.
var Default Runner = RunnerFunc(Run)

// Run executes command and waits for it. A process still running after
// opts.Timeout is killed and reported as *CommunicationTimeoutError.
func Run(ctx context.Context, command string, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	p, err := spawn(ctx, command, opts, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := p.reap(ctx, opts.Timeout); err != nil {
		return nil, err
	}
	res := p.result()
	if res.ExitCode != 0 && opts.Fail.fails(false) {
		return res, &CommandError{Command: command, Result: res}
	}
	return res, nil
}

// running tracks a spawned process and collects its exit asynchronously.
type running struct {
	command string
	proc    Process
	stdout  bytes.Buffer
	stderr  bytes.Buffer
	done    chan struct{}
	code    int
	waitErr error
	log     *logrus.Entry
}

func logForCommand(command string) *logrus.Entry {
	return util.WithField("cmd", command)
}

func spawn(ctx context.Context, command string, opts Options, env []string, extra []*os.File) (*running, error) {
	log := logForCommand(command)
	if h, ok := opts.Host.(fmt.Stringer); ok {
		log = log.WithField("host", h.String())
	}
	r := &running{command: command, done: make(chan struct{}), log: log}
	l := &Launch{
		Argv:       opts.argv(command),
		Env:        append(append([]string(nil), opts.Env...), env...),
		ExtraFiles: extra,
		Stdout:     &r.stdout,
		Stderr:     &r.stderr,
	}
	log.Debug("exec")
	proc, err := opts.Host.Start(ctx, l)
	if err != nil {
		return nil, err
	}
	r.proc = proc
	go func() {
		r.code, r.waitErr = proc.Wait()
		close(r.done)
	}()
	return r, nil
}

// reap waits for exit. On timeout or cancellation the process is killed
// and still reaped before returning.
func (r *running) reap(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.done:
		return r.waitErr
	case <-timer.C:
		r.kill()
		return &CommunicationTimeoutError{Command: r.command, Timeout: timeout}
	case <-ctx.Done():
		r.kill()
		return ctx.Err()
	}
}

func (r *running) kill() {
	if err := r.proc.Kill(); err != nil {
		r.log.WithError(err).Warn("kill failed")
	}
	<-r.done
}

func (r *running) exited() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// result must only be called after done is closed.
func (r *running) result() *Result {
	res := &Result{
		Command:  r.command,
		ExitCode: r.code,
		Stdout:   r.stdout.String(),
		Stderr:   r.stderr.String(),
	}
	r.log.WithField("rc", res.ExitCode).Debug("reaped")
	return res
}
