package transport

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"github.com/ashterm/ashcore/internal/connerr"
)

// localAdapter owns one local shell child process behind a PTY. Connect only
// resolves the shell binary; the process starts when the interactive channel
// is opened, because the PTY must be allocated at the sink's geometry.
//
// A local shell that dies is gone: the reconnect coordinator never retries
// local sessions, it just gets told via OnClose.
type localAdapter struct {
	desc Descriptor
	sink Sink
	opts Options

	shell string

	mu        sync.Mutex
	cmd       *exec.Cmd
	ptmx      *os.File
	connected bool
	closing   bool

	closeOnce sync.Once
}

func newLocalAdapter(desc Descriptor, sink Sink, opts Options) *localAdapter {
	return &localAdapter{desc: desc, sink: sink, opts: opts}
}

// defaultShell picks the user's login shell, falling back to bash then sh.
func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	if _, err := os.Stat("/bin/bash"); err == nil {
		return "/bin/bash"
	}
	return "/bin/sh"
}

func (a *localAdapter) Connect(ctx context.Context) error {
	shell := defaultShell()
	if _, err := exec.LookPath(shell); err != nil {
		return connerr.Wrap(connerr.Validation, "local connect", err)
	}

	a.mu.Lock()
	a.shell = shell
	a.connected = true
	a.closing = false
	a.mu.Unlock()
	return nil
}

func (a *localAdapter) StartInteractiveChannel(cols, rows uint16) error {
	a.mu.Lock()
	shell := a.shell
	ok := a.connected
	a.mu.Unlock()
	if !ok || shell == "" {
		return connerr.New(connerr.TargetNotConnected, "local channel")
	}
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	cmd := exec.Command(shell)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return connerr.Wrap(connerr.Validation, "local channel", err)
	}

	a.mu.Lock()
	a.cmd = cmd
	a.ptmx = ptmx
	a.mu.Unlock()

	go func() {
		buf := make([]byte, readBufferSize)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 && a.sink != nil {
				a.sink.Write(string(buf[:n]))
			}
			if err != nil {
				// PTY read errors when the shell exits.
				_ = cmd.Wait()
				a.remoteClosed(err)
				return
			}
		}
	}()

	return nil
}

func (a *localAdapter) Write(p []byte) {
	a.mu.Lock()
	ptmx := a.ptmx
	ok := a.connected
	a.mu.Unlock()
	if !ok || ptmx == nil {
		return
	}
	_, _ = ptmx.Write(p)
}

func (a *localAdapter) Resize(cols, rows uint16) {
	a.mu.Lock()
	ptmx := a.ptmx
	ok := a.connected
	a.mu.Unlock()
	if !ok || ptmx == nil {
		return
	}
	_ = pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

func (a *localAdapter) Disconnect() {
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return
	}
	a.closing = true
	a.connected = false
	cmd, ptmx := a.cmd, a.ptmx
	a.cmd, a.ptmx = nil, nil
	a.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	if ptmx != nil {
		_ = ptmx.Close()
	}
	if cmd != nil {
		_ = cmd.Wait()
	}
}

func (a *localAdapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// ExecuteOneShot runs the command in a fresh non-interactive shell, separate
// from the PTY, and captures its output. The bridge's approval gate decides
// whether this is ever called; the adapter itself does not gate.
func (a *localAdapter) ExecuteOneShot(ctx context.Context, command string) (*ExecResult, error) {
	if !a.Connected() {
		return nil, connerr.New(connerr.TargetNotConnected, "local exec")
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if ctx.Err() != nil {
			return nil, connerr.Wrap(connerr.Timeout, "local exec", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, connerr.Wrap(connerr.Validation, "local exec", err)
	}
	return result, nil
}

func (a *localAdapter) remoteClosed(err error) {
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return
	}
	a.closing = true
	a.connected = false
	ptmx := a.ptmx
	a.cmd, a.ptmx = nil, nil
	onClose := a.opts.OnClose
	a.mu.Unlock()

	if ptmx != nil {
		_ = ptmx.Close()
	}
	a.closeOnce.Do(func() {
		if onClose != nil {
			onClose(err)
		}
	})
}

var _ Adapter = (*localAdapter)(nil)
