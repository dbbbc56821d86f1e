package session

import (
	"sync"

	"github.com/ashterm/ashcore/internal/transport"
)

// fanSink wraps the presentation layer's terminal sink and copies every
// delivered chunk to any attached observers (the bridge's stream endpoint,
// output recorders). Delivery order is preserved: the adapter's single
// reader goroutine is the only writer.
type fanSink struct {
	primary transport.Sink

	mu        sync.Mutex
	observers map[chan string]struct{}
}

func newFanSink(primary transport.Sink) *fanSink {
	return &fanSink{primary: primary, observers: make(map[chan string]struct{})}
}

func (f *fanSink) Write(text string) {
	if f.primary != nil {
		f.primary.Write(text)
	}
	f.mu.Lock()
	for ch := range f.observers {
		// An observer that has fallen behind loses chunks rather than
		// stalling terminal delivery.
		select {
		case ch <- text:
		default:
		}
	}
	f.mu.Unlock()
}

func (f *fanSink) Size() (cols, rows uint16) {
	if f.primary != nil {
		return f.primary.Size()
	}
	return 80, 24
}

func (f *fanSink) attach() chan string {
	ch := make(chan string, 256)
	f.mu.Lock()
	f.observers[ch] = struct{}{}
	f.mu.Unlock()
	return ch
}

func (f *fanSink) detach(ch chan string) {
	f.mu.Lock()
	delete(f.observers, ch)
	f.mu.Unlock()
}

// Observe attaches a read-only tap on the session's terminal output.
// The returned cancel func must be called when done.
func (s *Session) Observe() (<-chan string, func()) {
	ch := s.fan.attach()
	return ch, func() { s.fan.detach(ch) }
}

var _ transport.Sink = (*fanSink)(nil)
