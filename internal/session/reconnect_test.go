package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ashterm/ashcore/internal/connerr"
	"github.com/ashterm/ashcore/internal/transport"
)

// staticResolver is a canned secret store.
type staticResolver map[string]string

func (r staticResolver) ResolveSecret(desc transport.Descriptor) (string, bool) {
	secret, ok := r[desc.ConnectionKey()]
	return secret, ok
}

func fastReconnect(attempts int) ReconnectConfig {
	return ReconnectConfig{Enabled: true, MaxAttempts: attempts, Interval: 10 * time.Millisecond}
}

// eventually polls cond until it holds or the timeout passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func waitRetryingDone(t *testing.T, rc *Reconnector, sessionID string) {
	t.Helper()
	eventually(t, func() bool { return !rc.Retrying(sessionID) }, "retry loop never finished")
}

func waitRetryingStarted(t *testing.T, rc *Reconnector, sessionID string) {
	t.Helper()
	eventually(t, func() bool { return rc.Retrying(sessionID) }, "retry loop never started")
}

func TestReconnectExhaustsAfterMaxAttempts(t *testing.T) {
	f := &stubFactory{}
	r := newTestRegistry(f)
	rc := NewReconnector(r, nil, fastReconnect(3))

	exhausted := make(chan connerr.Report, 1)
	rc.OnExhausted = func(id string, report connerr.Report) { exhausted <- report }

	sink := &memSink{}
	s, err := r.CreateSession(context.Background(), sshDesc("flaky"), sink, CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	before := f.connectCount()

	// Every reconnect attempt fails.
	f.mu.Lock()
	f.connectErrs = []error{
		connerr.New(connerr.ConnectionRefused, "dial"),
		connerr.New(connerr.ConnectionRefused, "dial"),
		connerr.New(connerr.ConnectionRefused, "dial"),
	}
	f.mu.Unlock()

	f.lastAdapter().dropConnection(connerr.New(connerr.Timeout, "keepalive"))

	select {
	case report := <-exhausted:
		if report.Title == "" {
			t.Error("exhausted report must carry a title")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnExhausted never fired")
	}
	waitRetryingDone(t, rc, s.ID)

	if got := f.connectCount() - before; got != 3 {
		t.Errorf("made %d reconnect attempts, want exactly 3", got)
	}
	if s.Connected() {
		t.Error("session must stay disconnected after exhaustion")
	}
	if _, err := r.Lookup(s.ID); err != nil {
		t.Error("exhausted session must stay registered")
	}

	terminal := sink.String()
	for _, want := range []string{"attempt 1/3", "attempt 2/3", "attempt 3/3", "Reconnect failed after 3 attempts"} {
		if !strings.Contains(terminal, want) {
			t.Errorf("terminal output missing %q:\n%s", want, terminal)
		}
	}
}

func TestReconnectSucceeds(t *testing.T) {
	f := &stubFactory{}
	r := newTestRegistry(f)
	rc := NewReconnector(r, nil, fastReconnect(5))

	sink := &memSink{}
	s, err := r.CreateSession(context.Background(), sshDesc("flaky"), sink, CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// First reconnect attempt fails, second succeeds.
	f.mu.Lock()
	f.connectErrs = []error{connerr.New(connerr.Timeout, "dial")}
	f.mu.Unlock()

	f.lastAdapter().dropConnection(connerr.New(connerr.Timeout, "keepalive"))
	eventually(t, s.Connected, "session never reconnected")
	waitRetryingDone(t, rc, s.ID)

	if !strings.Contains(sink.String(), "[ash] Reconnected.") {
		t.Errorf("terminal output missing success line:\n%s", sink.String())
	}

	var sawSuccess bool
	for _, ev := range r.Events(s.ID) {
		if ev.Type == EventReconnectSuccess {
			sawSuccess = true
		}
	}
	if !sawSuccess {
		t.Error("expected a reconnect_success event")
	}
}

func TestReconnectDisposesOldAdapterBeforeConnecting(t *testing.T) {
	f := &stubFactory{}
	r := newTestRegistry(f)
	rc := NewReconnector(r, nil, fastReconnect(1))

	s, err := r.CreateSession(context.Background(), sshDesc("flaky"), &memSink{}, CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	f.lastAdapter().dropConnection(connerr.New(connerr.Timeout, "keepalive"))
	eventually(t, func() bool { return len(f.journalCopy()) >= 3 }, "retry attempt never ran")
	waitRetryingDone(t, rc, s.ID)

	// Journal: connect (initial), disconnect (disposal of the dropped
	// adapter), connect (retry). Disposal must precede the retry connect.
	journal := f.journalCopy()
	want := []string{"connect", "disconnect", "connect"}
	if len(journal) != len(want) {
		t.Fatalf("journal = %v, want %v", journal, want)
	}
	for i := range want {
		if journal[i] != want[i] {
			t.Fatalf("journal = %v, want %v", journal, want)
		}
	}
}

func TestReconnectNeverRetriesLocal(t *testing.T) {
	f := &stubFactory{}
	r := newTestRegistry(f)
	rc := NewReconnector(r, nil, fastReconnect(5))

	sink := &memSink{}
	s, err := r.CreateSession(context.Background(), transport.Descriptor{Protocol: transport.ProtocolLocal}, sink, CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	before := f.connectCount()

	f.lastAdapter().dropConnection(nil)

	time.Sleep(100 * time.Millisecond)
	if rc.Retrying(s.ID) {
		t.Error("local sessions must never enter the retry loop")
	}
	if f.connectCount() != before {
		t.Error("no reconnect attempt may be made for a local shell")
	}
	if !strings.Contains(sink.String(), "Local shell exited") {
		t.Errorf("terminal output missing exit notice:\n%s", sink.String())
	}
}

func TestReconnectDisabledMakesSingleAttempt(t *testing.T) {
	f := &stubFactory{}
	r := newTestRegistry(f)
	rc := NewReconnector(r, nil, ReconnectConfig{Enabled: false, MaxAttempts: 10, Interval: 10 * time.Millisecond})

	s, err := r.CreateSession(context.Background(), sshDesc("flaky"), &memSink{}, CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	before := f.connectCount()

	f.mu.Lock()
	f.connectErrs = []error{connerr.New(connerr.ConnectionRefused, "dial")}
	f.mu.Unlock()

	f.lastAdapter().dropConnection(connerr.New(connerr.Timeout, "keepalive"))
	eventually(t, func() bool { return f.connectCount() > before }, "reconnect attempt never ran")
	waitRetryingDone(t, rc, s.ID)

	time.Sleep(100 * time.Millisecond)
	if got := f.connectCount() - before; got != 1 {
		t.Errorf("made %d attempts with reconnect disabled, want 1", got)
	}
}

func TestDestroyCancelsRetryLoop(t *testing.T) {
	f := &stubFactory{}
	r := newTestRegistry(f)
	rc := NewReconnector(r, nil, ReconnectConfig{Enabled: true, MaxAttempts: 1000, Interval: 20 * time.Millisecond})

	s, err := r.CreateSession(context.Background(), sshDesc("flaky"), &memSink{}, CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Reconnect attempts keep failing while the loop runs.
	f.mu.Lock()
	for i := 0; i < 1000; i++ {
		f.connectErrs = append(f.connectErrs, connerr.New(connerr.ConnectionRefused, "dial"))
	}
	f.mu.Unlock()

	f.lastAdapter().dropConnection(connerr.New(connerr.Timeout, "keepalive"))
	waitRetryingStarted(t, rc, s.ID)

	if err := r.DestroySession(s.ID); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	waitRetryingDone(t, rc, s.ID)

	attempts := f.connectCount()
	time.Sleep(100 * time.Millisecond)
	if f.connectCount() != attempts {
		t.Error("no further attempts may run after destroy")
	}
}

func TestDestroyDuringReconnectDisposesFreshAdapter(t *testing.T) {
	f := &stubFactory{}
	r := newTestRegistry(f)
	rc := NewReconnector(r, nil, fastReconnect(3))

	sink := &memSink{}
	s, err := r.CreateSession(context.Background(), sshDesc("flaky"), sink, CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	before := f.connectCount()

	// Freeze the retry attempt mid-connect, destroy the session underneath
	// it, then let the attempt land.
	hold := f.holdConnects()
	f.lastAdapter().dropConnection(connerr.New(connerr.Timeout, "keepalive"))
	eventually(t, func() bool { return f.connectCount() > before }, "retry attempt never started")

	if err := r.DestroySession(s.ID); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	close(hold)
	waitRetryingDone(t, rc, s.ID)

	fresh := f.lastAdapter()
	eventually(t, func() bool { return !fresh.Connected() }, "adapter from the late attempt left live after destroy")
	if _, err := r.Lookup(s.ID); !connerr.Is(err, connerr.TargetNotFound) {
		t.Errorf("lookup after destroy = %v", err)
	}
	if strings.Contains(sink.String(), "[ash] Reconnected.") {
		t.Error("destroyed session must not report a successful reconnect")
	}
}

func TestReconnectResolvesSecretFromHistory(t *testing.T) {
	f := &stubFactory{}
	r := newTestRegistry(f)

	desc := transport.Descriptor{Protocol: transport.ProtocolSSH, Host: "web-01", Username: "u"} // no secret
	resolver := staticResolver{desc.ConnectionKey(): "stored-pw"}
	rc := NewReconnector(r, resolver, fastReconnect(1))

	s, err := r.CreateSession(context.Background(), desc, &memSink{}, CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	f.lastAdapter().dropConnection(connerr.New(connerr.Timeout, "keepalive"))
	eventually(t, s.Connected, "session never reconnected")
	waitRetryingDone(t, rc, s.ID)

	if got := f.lastDesc().Secret; got != "stored-pw" {
		t.Errorf("reconnect used secret %q, want the stored one", got)
	}
	// The stored descriptor itself stays secretless; resolution happens on
	// the reconnect path only.
	if s.Descriptor.Secret != "" {
		t.Error("resolved secret must not be written back to the session descriptor")
	}
}

func TestConcurrentDropsRunIndependentLoops(t *testing.T) {
	f := &stubFactory{}
	r := newTestRegistry(f)
	rc := NewReconnector(r, nil, fastReconnect(2))

	a, err := r.CreateSession(context.Background(), sshDesc("host-a"), &memSink{}, CreateOptions{})
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	adapterA := f.lastAdapter()
	b, err := r.CreateSession(context.Background(), sshDesc("host-b"), &memSink{}, CreateOptions{})
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	adapterB := f.lastAdapter()

	adapterA.dropConnection(connerr.New(connerr.Timeout, "keepalive"))
	adapterB.dropConnection(connerr.New(connerr.Timeout, "keepalive"))

	eventually(t, a.Connected, "session a never reconnected")
	eventually(t, b.Connected, "session b never reconnected")
	waitRetryingDone(t, rc, a.ID)
	waitRetryingDone(t, rc, b.ID)
}
