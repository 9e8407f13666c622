package cmdexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/newtron-network/drvtest/pkg/util"
)

// SSHConfig holds the parameters for reaching a remote endpoint over SSH.
type SSHConfig struct {
	Addr           string // host:port
	User           string
	Password       string
	KeyFile        string
	KnownHostsFile string
	Insecure       bool
	Timeout        time.Duration
}

// SSHHost runs processes on a remote machine, one session per process.
type SSHHost struct {
	addr   string
	client *ssh.Client
}

// DialSSH connects to cfg.Addr. Host keys are checked against
// KnownHostsFile (default ~/.ssh/known_hosts) unless Insecure is set.
func DialSSH(cfg SSHConfig) (*SSHHost, error) {
	auth, err := sshAuth(cfg)
	if err != nil {
		return nil, err
	}
	hostKey, err := sshHostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	config := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}
	client, err := ssh.Dial("tcp", cfg.Addr, config)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", cfg.Addr, err)
	}
	util.WithField("host", cfg.Addr).Debug("ssh: connected")
	return &SSHHost{addr: cfg.Addr, client: client}, nil
}

func sshAuth(cfg SSHConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if cfg.KeyFile != "" {
		pem, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parsing ssh key %s: %w", cfg.KeyFile, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: ssh needs a key file or a password", util.ErrInvalidConfig)
	}
	return methods, nil
}

func sshHostKeyCallback(cfg SSHConfig) (ssh.HostKeyCallback, error) {
	if cfg.Insecure {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	file := cfg.KnownHostsFile
	if file == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating known_hosts: %w", err)
		}
		file = home + "/.ssh/known_hosts"
	}
	cb, err := knownhosts.New(file)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts: %w", err)
	}
	return cb, nil
}

func (h *SSHHost) Remote() bool { return true }

func (h *SSHHost) String() string { return "ssh:" + h.addr }

// Close tears down the connection and every session on it.
func (h *SSHHost) Close() error {
	return h.client.Close()
}

func (h *SSHHost) Start(ctx context.Context, l *Launch) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(l.ExtraFiles) > 0 {
		return nil, ErrReadyUnsupported
	}
	session, err := h.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("SSH session: %w", err)
	}
	session.Stdout = l.Stdout
	session.Stderr = l.Stderr
	if err := session.Start(remoteCommand(l.Env, l.Argv)); err != nil {
		session.Close()
		return nil, fmt.Errorf("SSH start: %w", err)
	}
	return &sshProcess{session: session}, nil
}

// remoteCommand flattens argv into the single string an SSH exec request
// carries. Environment goes through env(1) since most servers refuse setenv.
func remoteCommand(env, argv []string) string {
	words := make([]string, 0, len(env)+len(argv)+1)
	if len(env) > 0 {
		words = append(words, "env")
		for _, kv := range env {
			words = append(words, util.ShellQuote(kv))
		}
	}
	for _, a := range argv {
		words = append(words, util.ShellQuote(a))
	}
	return strings.Join(words, " ")
}

type sshProcess struct {
	session *ssh.Session
}

func (p *sshProcess) Wait() (int, error) {
	defer p.session.Close()
	err := p.session.Wait()
	if err == nil {
		return 0, nil
	}
	var ee *ssh.ExitError
	if errors.As(err, &ee) {
		if sig := ee.Signal(); sig != "" {
			if n, ok := sshSignalNumbers[ssh.Signal(sig)]; ok {
				return -n, nil
			}
		}
		return ee.ExitStatus(), nil
	}
	return -1, err
}

func (p *sshProcess) Terminate() error {
	return p.session.Signal(ssh.SIGTERM)
}

// Kill signals the remote process and drops the session; many servers
// ignore signal requests, closing the channel always ends Wait.
func (p *sshProcess) Kill() error {
	_ = p.session.Signal(ssh.SIGKILL)
	err := p.session.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

var sshSignalNumbers = map[ssh.Signal]int{
	ssh.SIGHUP:  1,
	ssh.SIGINT:  2,
	ssh.SIGKILL: 9,
	ssh.SIGPIPE: 13,
	ssh.SIGTERM: 15,
}
