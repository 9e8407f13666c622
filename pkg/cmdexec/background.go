package cmdexec

import (
	"context"
	"fmt"
	"os"
	"time"
)

// Background is a helper process running alongside a test case.
type Background struct {
	run  *running
	opts Options

	// terminate is the default stop behaviour: helpers that neither exit
	// by themselves nor take part in the handshake get SIGTERM.
	terminate bool
	waitW     *os.File

	stopped bool
	res     *Result
	err     error
}

// Start launches command in the background. With opts.ReadyTimeout set it
// returns only once the helper has signalled readiness; a helper that does
// not, or exits first, is killed and *ReadyTimeoutError returned.
func Start(ctx context.Context, command string, opts Options) (*Background, error) {
	opts = opts.withDefaults()
	handshake := opts.ReadyTimeout > 0
	if handshake && opts.Host.Remote() {
		return nil, ErrReadyUnsupported
	}

	b := &Background{
		opts:      opts,
		terminate: !opts.ExitWait && !handshake,
	}

	var (
		env            []string
		extra          []*os.File
		readyR, readyW *os.File
		waitR          *os.File
	)
	if handshake {
		var err error
		if readyR, readyW, err = os.Pipe(); err != nil {
			return nil, fmt.Errorf("ready pipe: %w", err)
		}
		if waitR, b.waitW, err = os.Pipe(); err != nil {
			readyR.Close()
			readyW.Close()
			return nil, fmt.Errorf("wait pipe: %w", err)
		}
		// ExtraFiles[i] becomes descriptor 3+i in the child.
		extra = []*os.File{readyW, waitR}
		env = []string{ReadyFDEnv + "=3", WaitFDEnv + "=4"}
	}

	if opts.Shell && b.terminate && opts.Host.Remote() {
		// Locally the whole process group is signalled; a remote shell
		// only forwards SIGTERM if the server honours signal requests.
		logForCommand(command).Warn("terminating a remote shell may leave its children running")
	}

	r, err := spawn(ctx, command, opts, env, extra)
	// The child holds its own copies now.
	if handshake {
		readyW.Close()
		waitR.Close()
	}
	if err != nil {
		if handshake {
			readyR.Close()
			b.waitW.Close()
		}
		return nil, err
	}
	b.run = r

	if handshake {
		err := waitReady(readyR, opts.ReadyTimeout)
		readyR.Close()
		if err != nil {
			r.log.WithError(err).Debug("no ready signal")
			b.waitW.Close()
			r.kill()
			b.stopped = true
			return nil, &ReadyTimeoutError{Command: command, Timeout: opts.ReadyTimeout}
		}
	}
	return b, nil
}

// waitReady reads one byte. EOF means the child exited (or closed the
// descriptor) without signalling.
func waitReady(f *os.File, timeout time.Duration) error {
	if err := f.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	var buf [1]byte
	_, err := f.Read(buf[:])
	return err
}

// Stop ends the helper and reaps it. The helper is terminated unless it was
// started with ExitWait or the handshake; forced overrides that, for scopes
// unwinding on an error. Under FailAuto a terminated helper's exit status
// is not judged. Calling Stop again returns the first outcome.
func (b *Background) Stop(ctx context.Context, forced bool) error {
	if b.stopped {
		return b.err
	}
	b.stopped = true

	terminate := b.terminate || forced
	if b.waitW != nil {
		// A helper that already exited has closed its end.
		_, _ = b.waitW.Write([]byte("1"))
		b.waitW.Close()
	}
	if terminate {
		if err := b.run.proc.Terminate(); err != nil {
			b.run.log.WithError(err).Debug("terminate failed")
		}
	}
	if err := b.run.reap(ctx, b.opts.Timeout); err != nil {
		b.err = err
		return err
	}
	b.res = b.run.result()
	if b.res.ExitCode != 0 && b.opts.Fail.fails(terminate) {
		b.err = &CommandError{Command: b.run.command, Result: b.res}
	}
	return b.err
}

// Result returns the reaped result, or nil before a successful Stop.
func (b *Background) Result() *Result {
	return b.res
}

// Exited reports whether the helper has already exited on its own.
func (b *Background) Exited() bool {
	return b.run.exited()
}

// WithBackground runs fn while command runs in the background. If fn fails
// the helper is terminated regardless of ExitWait, and fn's error wins over
// any stop error.
func WithBackground(ctx context.Context, command string, opts Options, fn func(*Background) error) error {
	b, err := Start(ctx, command, opts)
	if err != nil {
		return err
	}
	ferr := fn(b)
	serr := b.Stop(ctx, ferr != nil)
	if ferr != nil {
		if serr != nil {
			b.run.log.WithError(serr).Debug("stop after failure")
		}
		return ferr
	}
	return serr
}
