// Package transport implements the per-protocol connection adapters.
//
// One Adapter implementation exists per protocol (ssh, telnet, serial,
// local shell). Each adapter owns exactly one underlying resource (socket,
// serial port, child process) and pushes received data to the session's
// terminal sink from a single goroutine, so delivery order within a session
// matches the order produced by the remote end.
//
// Lifecycle rules every implementation follows:
//   - Disconnect is idempotent and detaches all callbacks before returning.
//   - Write and Resize after Disconnect are silent no-ops, never a panic;
//     callers may race them against async teardown.
//   - OnClose fires at most once, and only for closes the owner did not
//     request via Disconnect.
package transport

import (
	"context"
	"time"

	"github.com/ashterm/ashcore/internal/connerr"
)

// Sink is the terminal-output capability the presentation layer binds to a
// session. Size is queried when the interactive channel is opened.
type Sink interface {
	Write(text string)
	Size() (cols, rows uint16)
}

// ExecResult carries the captured output of a one-shot command execution.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Options tunes adapter behaviour. Zero values fall back to the defaults
// below.
type Options struct {
	// ConnectTimeout bounds the network handshake.
	ConnectTimeout time.Duration
	// KeepaliveInterval is how often ssh connections are probed for silent
	// drops. Ignored by other protocols.
	KeepaliveInterval time.Duration
	// KeepaliveThreshold is the number of consecutive failed probes after
	// which the connection is declared dead.
	KeepaliveThreshold int
	// OnClose is invoked (at most once, from a background goroutine) when
	// the connection closes without Disconnect having been called.
	OnClose func(err error)
}

const (
	// DefaultConnectTimeout bounds connect handshakes when Options leaves
	// ConnectTimeout unset.
	DefaultConnectTimeout = 10 * time.Second

	defaultKeepaliveInterval  = 5 * time.Second
	defaultKeepaliveThreshold = 3

	// readBufferSize is the chunk size for the per-adapter reader goroutine.
	readBufferSize = 32 * 1024
)

func (o Options) connectTimeout() time.Duration {
	if o.ConnectTimeout > 0 {
		return o.ConnectTimeout
	}
	return DefaultConnectTimeout
}

func (o Options) keepaliveInterval() time.Duration {
	if o.KeepaliveInterval > 0 {
		return o.KeepaliveInterval
	}
	return defaultKeepaliveInterval
}

func (o Options) keepaliveThreshold() int {
	if o.KeepaliveThreshold > 0 {
		return o.KeepaliveThreshold
	}
	return defaultKeepaliveThreshold
}

// Adapter is the uniform capability surface over one live transport.
// Connect/StartInteractiveChannel/Disconnect are single-owner operations
// (the session registry, or the reconnect coordinator acting for it);
// Write/Resize may be called concurrently at any time.
type Adapter interface {
	// Connect establishes the underlying resource. Errors are taxonomy
	// errors from internal/connerr.
	Connect(ctx context.Context) error
	// StartInteractiveChannel allocates the interactive terminal channel
	// sized to the given geometry. No-op for telnet and serial, whose
	// channel is ready right after Connect.
	StartInteractiveChannel(cols, rows uint16) error
	// Write sends input bytes; best-effort, a no-op when not connected.
	Write(p []byte)
	// Resize changes the terminal geometry; no-op where the protocol has
	// no such concept.
	Resize(cols, rows uint16)
	// Disconnect releases the resource. Idempotent; no data is delivered
	// to the sink after it returns.
	Disconnect()
	// ExecuteOneShot runs a single command to completion and returns its
	// captured output. Used by the command bridge, never by interactive
	// I/O paths.
	ExecuteOneShot(ctx context.Context, command string) (*ExecResult, error)
	// Connected reports whether the underlying resource is live.
	Connected() bool
}

// Factory creates an adapter for a descriptor. The session registry holds a
// Factory so tests can substitute stub transports.
type Factory func(desc Descriptor, sink Sink, opts Options) (Adapter, error)

// New is the default Factory: it validates the descriptor and returns the
// adapter for its protocol variant.
func New(desc Descriptor, sink Sink, opts Options) (Adapter, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	switch desc.Protocol {
	case ProtocolSSH:
		return newSSHAdapter(desc, sink, opts), nil
	case ProtocolTelnet:
		return newTelnetAdapter(desc, sink, opts), nil
	case ProtocolSerial:
		return newSerialAdapter(desc, sink, opts), nil
	case ProtocolLocal:
		return newLocalAdapter(desc, sink, opts), nil
	default:
		return nil, connerr.New(connerr.Validation, "transport")
	}
}
