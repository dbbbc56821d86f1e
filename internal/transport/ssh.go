package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/ashterm/ashcore/internal/connerr"
	"github.com/ashterm/ashcore/internal/logutil"
)

// sshAdapter owns one ssh.Client and at most one interactive shell session.
// One-shot command executions open their own ssh session per call, so they
// never interfere with the interactive channel.
type sshAdapter struct {
	desc Descriptor
	sink Sink
	opts Options

	mu        sync.Mutex
	client    *ssh.Client
	session   *ssh.Session
	stdin     writeCloser
	connected bool
	closing   bool

	keepaliveCancel context.CancelFunc
	closeOnce       sync.Once
}

type writeCloser interface {
	Write(p []byte) (int, error)
	Close() error
}

func newSSHAdapter(desc Descriptor, sink Sink, opts Options) *sshAdapter {
	return &sshAdapter{desc: desc, sink: sink, opts: opts}
}

// authMethods builds the auth chain from the descriptor secret. A secret in
// PEM form is treated as a private key, anything else as a password.
func (a *sshAdapter) authMethods() ([]ssh.AuthMethod, error) {
	secret := a.desc.Secret
	if strings.HasPrefix(strings.TrimSpace(secret), "-----BEGIN") {
		signer, err := ssh.ParsePrivateKey([]byte(secret))
		if err != nil {
			return nil, connerr.Wrap(connerr.Authentication, "ssh connect", fmt.Errorf("parse private key: %w", err))
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return []ssh.AuthMethod{ssh.Password(secret)}, nil
}

func (a *sshAdapter) Connect(ctx context.Context) error {
	auth, err := a.authMethods()
	if err != nil {
		return err
	}

	cfg := &ssh.ClientConfig{
		User:            a.desc.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // desktop client, host trust handled by the user
		Timeout:         a.opts.connectTimeout(),
	}

	addr := net.JoinHostPort(a.desc.Host, fmt.Sprintf("%d", a.desc.EffectivePort()))

	dialCtx, cancel := context.WithTimeout(ctx, a.opts.connectTimeout())
	defer cancel()

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		cl, err := ssh.Dial("tcp", addr, cfg)
		ch <- dialResult{cl, err}
	}()

	var client *ssh.Client
	select {
	case <-dialCtx.Done():
		// The dial may still land after we give up; close the orphan so it
		// cannot leak a live connection.
		go func() {
			if r := <-ch; r.client != nil {
				r.client.Close()
			}
		}()
		return connerr.Wrap(connerr.Timeout, "ssh connect", dialCtx.Err())
	case r := <-ch:
		if r.err != nil {
			// A handshake that reached the server but was rejected is an
			// authentication failure; everything else carries a typed
			// network error.
			return connerr.ClassifyDial("ssh connect", r.err, connerr.Authentication)
		}
		client = r.client
	}

	kaCtx, kaCancel := context.WithCancel(context.Background())

	a.mu.Lock()
	a.client = client
	a.connected = true
	a.closing = false
	a.keepaliveCancel = kaCancel
	a.mu.Unlock()

	go a.keepaliveLoop(kaCtx, client)
	go func() {
		// Wait returns when the underlying connection dies for any reason.
		err := client.Wait()
		a.remoteClosed(err)
	}()

	return nil
}

func (a *sshAdapter) StartInteractiveChannel(cols, rows uint16) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return connerr.New(connerr.TargetNotConnected, "ssh channel")
	}

	sess, err := client.NewSession()
	if err != nil {
		return connerr.Wrap(connerr.TargetNotConnected, "ssh channel", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	if err := sess.RequestPty("xterm-256color", int(rows), int(cols), modes); err != nil {
		sess.Close()
		return connerr.Wrap(connerr.TargetNotConnected, "ssh channel", fmt.Errorf("request pty: %w", err))
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return connerr.Wrap(connerr.TargetNotConnected, "ssh channel", fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return connerr.Wrap(connerr.TargetNotConnected, "ssh channel", fmt.Errorf("stdout pipe: %w", err))
	}

	if err := sess.Shell(); err != nil {
		sess.Close()
		return connerr.Wrap(connerr.TargetNotConnected, "ssh channel", fmt.Errorf("start shell: %w", err))
	}

	a.mu.Lock()
	a.session = sess
	a.stdin = stdin
	a.mu.Unlock()

	// Single reader goroutine: delivery order to the sink matches the order
	// produced by the remote end.
	go func() {
		buf := make([]byte, readBufferSize)
		for {
			n, err := stdout.Read(buf)
			if n > 0 && a.sink != nil {
				a.sink.Write(string(buf[:n]))
			}
			if err != nil {
				a.remoteClosed(err)
				return
			}
		}
	}()

	return nil
}

func (a *sshAdapter) Write(p []byte) {
	a.mu.Lock()
	stdin := a.stdin
	ok := a.connected
	a.mu.Unlock()
	if !ok || stdin == nil {
		return
	}
	_, _ = stdin.Write(p)
}

func (a *sshAdapter) Resize(cols, rows uint16) {
	a.mu.Lock()
	sess := a.session
	ok := a.connected
	a.mu.Unlock()
	if !ok || sess == nil {
		return
	}
	_ = sess.WindowChange(int(rows), int(cols))
}

func (a *sshAdapter) Disconnect() {
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return
	}
	a.closing = true
	a.connected = false
	stdin, sess, client := a.stdin, a.session, a.client
	cancel := a.keepaliveCancel
	a.stdin, a.session, a.client = nil, nil, nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stdin != nil {
		_ = stdin.Close()
	}
	if sess != nil {
		_ = sess.Close()
	}
	if client != nil {
		_ = client.Close()
	}
}

func (a *sshAdapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *sshAdapter) ExecuteOneShot(ctx context.Context, command string) (*ExecResult, error) {
	a.mu.Lock()
	client := a.client
	ok := a.connected
	a.mu.Unlock()
	if !ok || client == nil {
		return nil, connerr.New(connerr.TargetNotConnected, "ssh exec")
	}

	// Each call opens its own exec channel, so concurrent one-shot commands
	// against the same connection are safe.
	sess, err := client.NewSession()
	if err != nil {
		return nil, connerr.Wrap(connerr.TargetNotConnected, "ssh exec", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case <-ctx.Done():
		_ = sess.Close()
		return nil, connerr.Wrap(connerr.Timeout, "ssh exec", ctx.Err())
	case err = <-done:
	}

	result := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			// The command ran and failed; that is a result, not an error.
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		var missing *ssh.ExitMissingError
		if errors.As(err, &missing) {
			result.ExitCode = -1
			return result, nil
		}
		return nil, connerr.Wrap(connerr.TargetNotConnected, "ssh exec", err)
	}
	return result, nil
}

// keepaliveLoop probes the connection so silent drops are detected within a
// few seconds instead of waiting for OS-level TCP timeouts.
func (a *sshAdapter) keepaliveLoop(ctx context.Context, client *ssh.Client) {
	interval := a.opts.keepaliveInterval()
	threshold := a.opts.keepaliveThreshold()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
			if err != nil {
				failures++
				if failures >= threshold {
					// Forces client.Wait to return, which reports the drop.
					_ = client.Close()
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// remoteClosed handles a close the owner did not request: it marks the
// adapter disconnected, releases resources, and fires OnClose exactly once.
// Closes that follow a Disconnect call are ignored.
func (a *sshAdapter) remoteClosed(err error) {
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return
	}
	a.closing = true
	a.connected = false
	client := a.client
	cancel := a.keepaliveCancel
	a.stdin, a.session, a.client = nil, nil, nil
	onClose := a.opts.OnClose
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client != nil {
		_ = client.Close()
	}

	a.closeOnce.Do(func() {
		if onClose != nil {
			onClose(err)
		}
	})
}

var _ Adapter = (*sshAdapter)(nil)

// String identifies the adapter in log lines.
func (a *sshAdapter) String() string {
	return "ssh " + logutil.SanitizeForLog(a.desc.Label())
}
