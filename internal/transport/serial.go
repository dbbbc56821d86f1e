package transport

import (
	"context"
	"sync"

	"go.bug.st/serial"

	"github.com/ashterm/ashcore/internal/connerr"
)

// serialAdapter owns one serial port. The line is usable immediately after
// open, so StartInteractiveChannel and Resize are no-ops. Flow control is
// recorded in the descriptor for round-tripping but not applied: the port
// library exposes no flow-control knob, and the devices this client talks
// to run without it.
type serialAdapter struct {
	desc Descriptor
	sink Sink
	opts Options

	mu        sync.Mutex
	port      serial.Port
	connected bool
	closing   bool

	taps      *tapSet
	closeOnce sync.Once
}

func newSerialAdapter(desc Descriptor, sink Sink, opts Options) *serialAdapter {
	return &serialAdapter{desc: desc, sink: sink, opts: opts, taps: newTapSet()}
}

func (a *serialAdapter) mode() *serial.Mode {
	m := &serial.Mode{
		BaudRate: a.desc.BaudRate,
		DataBits: a.desc.DataBits,
	}
	if m.BaudRate == 0 {
		m.BaudRate = 115200
	}
	if m.DataBits == 0 {
		m.DataBits = 8
	}
	switch a.desc.Parity {
	case "even":
		m.Parity = serial.EvenParity
	case "odd":
		m.Parity = serial.OddParity
	case "mark":
		m.Parity = serial.MarkParity
	case "space":
		m.Parity = serial.SpaceParity
	default:
		m.Parity = serial.NoParity
	}
	switch a.desc.StopBits {
	case 2:
		m.StopBits = serial.TwoStopBits
	default:
		m.StopBits = serial.OneStopBit
	}
	return m
}

func (a *serialAdapter) Connect(ctx context.Context) error {
	port, err := serial.Open(a.desc.Device, a.mode())
	if err != nil {
		// A missing or busy device node has no DNS/refused analogue; report
		// it as unreachable with the underlying detail preserved.
		return connerr.ClassifyDial("serial open", err, connerr.HostUnreachable)
	}

	a.mu.Lock()
	a.port = port
	a.connected = true
	a.closing = false
	a.mu.Unlock()

	go a.readLoop(port)
	return nil
}

func (a *serialAdapter) readLoop(port serial.Port) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			data := buf[:n]
			if a.sink != nil {
				a.sink.Write(string(data))
			}
			a.taps.broadcast(data)
		}
		if err != nil {
			// Device unplugged or port closed underneath us.
			a.remoteClosed(err)
			return
		}
	}
}

func (a *serialAdapter) StartInteractiveChannel(cols, rows uint16) error { return nil }

func (a *serialAdapter) Write(p []byte) {
	a.mu.Lock()
	port := a.port
	ok := a.connected
	a.mu.Unlock()
	if !ok || port == nil {
		return
	}
	_, _ = port.Write(p)
}

func (a *serialAdapter) Resize(cols, rows uint16) {}

func (a *serialAdapter) Disconnect() {
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return
	}
	a.closing = true
	a.connected = false
	port := a.port
	a.port = nil
	a.mu.Unlock()

	if port != nil {
		_ = port.Close()
	}
}

func (a *serialAdapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *serialAdapter) ExecuteOneShot(ctx context.Context, command string) (*ExecResult, error) {
	if !a.Connected() {
		return nil, connerr.New(connerr.TargetNotConnected, "serial exec")
	}
	return snoopExec(ctx, a.taps, a.Write, command)
}

func (a *serialAdapter) remoteClosed(err error) {
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return
	}
	a.closing = true
	a.connected = false
	port := a.port
	a.port = nil
	onClose := a.opts.OnClose
	a.mu.Unlock()

	if port != nil {
		_ = port.Close()
	}
	a.closeOnce.Do(func() {
		if onClose != nil {
			onClose(err)
		}
	})
}

var _ Adapter = (*serialAdapter)(nil)
