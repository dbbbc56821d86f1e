package transport

import (
	"context"
	"strings"
	"sync"
	"time"
)

// tapSet fans terminal output out to transient observers. Telnet and serial
// links have no side channel for command execution, so one-shot exec on
// those protocols writes the command into the interactive stream and snoops
// the output that follows.
type tapSet struct {
	mu   sync.Mutex
	taps map[chan []byte]struct{}
}

func newTapSet() *tapSet {
	return &tapSet{taps: make(map[chan []byte]struct{})}
}

func (ts *tapSet) add() chan []byte {
	ch := make(chan []byte, 256)
	ts.mu.Lock()
	ts.taps[ch] = struct{}{}
	ts.mu.Unlock()
	return ch
}

func (ts *tapSet) remove(ch chan []byte) {
	ts.mu.Lock()
	delete(ts.taps, ch)
	ts.mu.Unlock()
}

// broadcast copies data to every tap. A tap that has fallen behind loses
// chunks rather than blocking the reader goroutine.
func (ts *tapSet) broadcast(data []byte) {
	ts.mu.Lock()
	for ch := range ts.taps {
		cp := make([]byte, len(data))
		copy(cp, data)
		select {
		case ch <- cp:
		default:
		}
	}
	ts.mu.Unlock()
}

// snoopIdleTimeout is how long the stream must stay quiet after the last
// output chunk before a snooped execution is considered finished.
const snoopIdleTimeout = 1 * time.Second

// snoopExec writes the command into the interactive stream and collects the
// output until the stream goes quiet or ctx expires. There is no exit
// status on these links; the exit code is always zero and stderr is empty.
func snoopExec(ctx context.Context, taps *tapSet, write func(p []byte), command string) (*ExecResult, error) {
	tap := taps.add()
	defer taps.remove(tap)

	write([]byte(command + "\r\n"))

	var out strings.Builder
	idle := time.NewTimer(snoopIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return &ExecResult{Stdout: trimEcho(out.String(), command)}, nil
		case <-idle.C:
			return &ExecResult{Stdout: trimEcho(out.String(), command)}, nil
		case data := <-tap:
			out.Write(data)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(snoopIdleTimeout)
		}
	}
}

// trimEcho drops the echoed command from the head of the captured output so
// the agent sees the response, not its own request.
func trimEcho(out, command string) string {
	out = strings.ReplaceAll(out, "\r\n", "\n")
	out = strings.ReplaceAll(out, "\r", "\n")
	lines := strings.SplitN(out, "\n", 2)
	if len(lines) == 2 && strings.Contains(lines[0], command) {
		return lines[1]
	}
	return out
}
