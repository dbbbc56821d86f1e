package transport

import (
	"context"
	"testing"
	"time"
)

func TestTrimEcho(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		command string
		want    string
	}{
		{"echoed command stripped", "show version\r\nIOS 15.2\r\n", "show version", "IOS 15.2\n"},
		{"no echo passes through", "IOS 15.2\n", "show version", "IOS 15.2\n"},
		{"bare CR normalized", "uptime\r42 days\r", "uptime", "42 days\n"},
		{"single line without echo", "ok", "reboot", "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := trimEcho(tt.out, tt.command); got != tt.want {
				t.Errorf("trimEcho(%q, %q) = %q, want %q", tt.out, tt.command, got, tt.want)
			}
		})
	}
}

func TestTapSetBroadcast(t *testing.T) {
	ts := newTapSet()
	a := ts.add()
	b := ts.add()

	ts.broadcast([]byte("hello"))

	for _, ch := range []chan []byte{a, b} {
		select {
		case data := <-ch:
			if string(data) != "hello" {
				t.Errorf("tap received %q", data)
			}
		default:
			t.Error("tap received nothing")
		}
	}

	ts.remove(b)
	ts.broadcast([]byte("again"))
	select {
	case <-b:
		t.Error("removed tap should receive nothing")
	default:
	}
}

func TestSnoopExecCollectsUntilIdle(t *testing.T) {
	ts := newTapSet()
	written := make(chan []byte, 1)

	done := make(chan *ExecResult, 1)
	go func() {
		res, err := snoopExec(context.Background(), ts, func(p []byte) { written <- p }, "show clock")
		if err != nil {
			t.Errorf("snoopExec: %v", err)
		}
		done <- res
	}()

	// The command goes into the interactive stream.
	select {
	case p := <-written:
		if string(p) != "show clock\r\n" {
			t.Errorf("wrote %q", p)
		}
	case <-time.After(time.Second):
		t.Fatal("command never written")
	}

	ts.broadcast([]byte("show clock\r\n"))
	ts.broadcast([]byte("12:00:00 UTC\r\n"))

	select {
	case res := <-done:
		if res.Stdout != "12:00:00 UTC\n" {
			t.Errorf("stdout = %q", res.Stdout)
		}
		if res.ExitCode != 0 {
			t.Errorf("exit code = %d", res.ExitCode)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("snoopExec never finished")
	}
}

func TestSnoopExecHonorsContext(t *testing.T) {
	ts := newTapSet()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		snoopExec(ctx, ts, func([]byte) {}, "sleep forever")
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("snoopExec ignored context cancellation")
	}
}
