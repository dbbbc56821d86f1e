package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/ashterm/ashcore/internal/connerr"
)

// Telnet command bytes (RFC 854).
const (
	telnetSE   = 240
	telnetSB   = 250
	telnetWILL = 251
	telnetWONT = 252
	telnetDO   = 253
	telnetDONT = 254
	telnetIAC  = 255
)

// Telnet option codes we accept from the server.
const (
	telnetOptEcho = 1
	telnetOptSGA  = 3
)

// telnetAdapter owns one TCP connection speaking minimal RFC 854 telnet.
// The channel is ready immediately after connect; StartInteractiveChannel
// and Resize are no-ops (the protocol has neither a channel handshake nor
// a window-size concept we negotiate).
type telnetAdapter struct {
	desc Descriptor
	sink Sink
	opts Options

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	closing   bool

	taps      *tapSet
	closeOnce sync.Once
}

func newTelnetAdapter(desc Descriptor, sink Sink, opts Options) *telnetAdapter {
	return &telnetAdapter{desc: desc, sink: sink, opts: opts, taps: newTapSet()}
}

func (a *telnetAdapter) Connect(ctx context.Context) error {
	addr := net.JoinHostPort(a.desc.Host, fmt.Sprintf("%d", a.desc.EffectivePort()))

	dialer := net.Dialer{Timeout: a.opts.connectTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return connerr.ClassifyDial("telnet connect", err, connerr.HostUnreachable)
	}

	a.mu.Lock()
	a.conn = conn
	a.connected = true
	a.closing = false
	a.mu.Unlock()

	go a.readLoop(conn)
	return nil
}

// readLoop is the single reader goroutine: it handles option negotiation
// inline and delivers user data to the sink in arrival order.
func (a *telnetAdapter) readLoop(conn net.Conn) {
	buf := make([]byte, readBufferSize)
	var neg negotiator
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data, replies := neg.process(buf[:n])
			if len(replies) > 0 {
				_, _ = conn.Write(replies)
			}
			if len(data) > 0 {
				if a.sink != nil {
					a.sink.Write(string(data))
				}
				a.taps.broadcast(data)
			}
		}
		if err != nil {
			a.remoteClosed(err)
			return
		}
	}
}

// negotiator strips IAC sequences out of the inbound stream and produces
// the refusal/acceptance replies. We accept ECHO and SGA from the server
// and refuse everything else on both sides.
type negotiator struct {
	state int // 0 = data, 1 = saw IAC, 2 = saw IAC DO/DONT/WILL/WONT, 3 = subnegotiation
	cmd   byte
}

func (g *negotiator) process(in []byte) (data, replies []byte) {
	for _, b := range in {
		switch g.state {
		case 0:
			if b == telnetIAC {
				g.state = 1
				continue
			}
			data = append(data, b)
		case 1:
			switch b {
			case telnetIAC: // escaped 0xFF data byte
				data = append(data, b)
				g.state = 0
			case telnetDO, telnetDONT, telnetWILL, telnetWONT:
				g.cmd = b
				g.state = 2
			case telnetSB:
				g.state = 3
			default:
				g.state = 0
			}
		case 2:
			switch g.cmd {
			case telnetDO:
				replies = append(replies, telnetIAC, telnetWONT, b)
			case telnetWILL:
				if b == telnetOptEcho || b == telnetOptSGA {
					replies = append(replies, telnetIAC, telnetDO, b)
				} else {
					replies = append(replies, telnetIAC, telnetDONT, b)
				}
			}
			g.state = 0
		case 3:
			// Skip subnegotiation bytes until IAC SE.
			if b == telnetIAC {
				g.state = 4
			}
		case 4:
			if b == telnetSE {
				g.state = 0
			} else {
				g.state = 3
			}
		}
	}
	return data, replies
}

func (a *telnetAdapter) StartInteractiveChannel(cols, rows uint16) error { return nil }

func (a *telnetAdapter) Write(p []byte) {
	a.mu.Lock()
	conn := a.conn
	ok := a.connected
	a.mu.Unlock()
	if !ok || conn == nil {
		return
	}
	_, _ = conn.Write(escapeIAC(p))
}

// escapeIAC doubles 0xFF bytes in outbound data per RFC 854.
func escapeIAC(p []byte) []byte {
	n := 0
	for _, b := range p {
		if b == telnetIAC {
			n++
		}
	}
	if n == 0 {
		return p
	}
	out := make([]byte, 0, len(p)+n)
	for _, b := range p {
		out = append(out, b)
		if b == telnetIAC {
			out = append(out, telnetIAC)
		}
	}
	return out
}

func (a *telnetAdapter) Resize(cols, rows uint16) {}

func (a *telnetAdapter) Disconnect() {
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return
	}
	a.closing = true
	a.connected = false
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

func (a *telnetAdapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *telnetAdapter) ExecuteOneShot(ctx context.Context, command string) (*ExecResult, error) {
	if !a.Connected() {
		return nil, connerr.New(connerr.TargetNotConnected, "telnet exec")
	}
	return snoopExec(ctx, a.taps, a.Write, command)
}

func (a *telnetAdapter) remoteClosed(err error) {
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return
	}
	a.closing = true
	a.connected = false
	conn := a.conn
	a.conn = nil
	onClose := a.opts.OnClose
	a.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	a.closeOnce.Do(func() {
		if onClose != nil {
			onClose(err)
		}
	})
}

var _ Adapter = (*telnetAdapter)(nil)
