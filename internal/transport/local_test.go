package transport

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ashterm/ashcore/internal/connerr"
)

func TestLocalConnectAndShell(t *testing.T) {
	sink := newRecordingSink()
	a := newLocalAdapter(Descriptor{Protocol: ProtocolLocal}, sink, Options{})

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer a.Disconnect()

	if !a.Connected() {
		t.Fatal("adapter should report connected")
	}
	if err := a.StartInteractiveChannel(80, 24); err != nil {
		t.Fatalf("start channel: %v", err)
	}

	a.Write([]byte("echo marker-$((40+2))\n"))
	sink.waitFor(t, "marker-42")
}

func TestLocalChannelBeforeConnect(t *testing.T) {
	a := newLocalAdapter(Descriptor{Protocol: ProtocolLocal}, newRecordingSink(), Options{})
	err := a.StartInteractiveChannel(80, 24)
	if !connerr.Is(err, connerr.TargetNotConnected) {
		t.Errorf("expected TargetNotConnected, got %v", err)
	}
}

func TestLocalShellExitFiresOnClose(t *testing.T) {
	closed := make(chan error, 1)
	a := newLocalAdapter(Descriptor{Protocol: ProtocolLocal}, newRecordingSink(), Options{
		OnClose: func(err error) { closed <- err },
	})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := a.StartInteractiveChannel(80, 24); err != nil {
		t.Fatalf("start channel: %v", err)
	}

	a.Write([]byte("exit\n"))
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("OnClose never fired after shell exit")
	}
	if a.Connected() {
		t.Error("adapter should report disconnected after shell exit")
	}
}

func TestLocalDisconnectIdempotent(t *testing.T) {
	a := newLocalAdapter(Descriptor{Protocol: ProtocolLocal}, newRecordingSink(), Options{
		OnClose: func(error) { t.Error("OnClose must not fire for a requested Disconnect") },
	})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := a.StartInteractiveChannel(80, 24); err != nil {
		t.Fatalf("start channel: %v", err)
	}

	a.Disconnect()
	a.Disconnect()
	a.Write([]byte("echo after\n")) // silent no-op
	time.Sleep(50 * time.Millisecond)
}

func TestLocalExecuteOneShot(t *testing.T) {
	a := newLocalAdapter(Descriptor{Protocol: ProtocolLocal}, newRecordingSink(), Options{})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer a.Disconnect()

	res, err := a.ExecuteOneShot(context.Background(), "echo out; echo err >&2")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "out" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "err" {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
}

func TestLocalExecuteOneShotNonZeroExit(t *testing.T) {
	a := newLocalAdapter(Descriptor{Protocol: ProtocolLocal}, newRecordingSink(), Options{})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer a.Disconnect()

	res, err := a.ExecuteOneShot(context.Background(), "exit 3")
	if err != nil {
		t.Fatalf("non-zero exit should not be an error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestLocalExecuteOneShotTimeout(t *testing.T) {
	a := newLocalAdapter(Descriptor{Protocol: ProtocolLocal}, newRecordingSink(), Options{})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer a.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := a.ExecuteOneShot(ctx, "sleep 10")
	if !connerr.Is(err, connerr.Timeout) {
		t.Errorf("expected Timeout, got %v", err)
	}
}

func TestLocalExecuteOneShotNotConnected(t *testing.T) {
	a := newLocalAdapter(Descriptor{Protocol: ProtocolLocal}, newRecordingSink(), Options{})
	_, err := a.ExecuteOneShot(context.Background(), "true")
	if !connerr.Is(err, connerr.TargetNotConnected) {
		t.Errorf("expected TargetNotConnected, got %v", err)
	}
}
