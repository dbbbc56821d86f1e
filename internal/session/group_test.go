package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ashterm/ashcore/internal/connerr"
	"github.com/ashterm/ashcore/internal/transport"
)

func TestGroupConnectNeverDeduplicates(t *testing.T) {
	f := &stubFactory{}
	r := newTestRegistry(f)
	g := NewGroupConnector(r, SinkProviderFunc(func(GroupEntry) transport.Sink { return &memSink{} }))

	entry := GroupEntry{Descriptor: sshDesc("web-01")}
	group := Group{Name: "prod", Connections: []GroupEntry{entry, entry, entry}}

	results := g.Connect(context.Background(), group)
	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}

	seen := map[string]bool{}
	for i, res := range results {
		if res.Err != nil {
			t.Fatalf("entry %d failed: %v", i, res.Err)
		}
		if seen[res.SessionID] {
			t.Fatalf("session id %s reused", res.SessionID)
		}
		seen[res.SessionID] = true
	}
	if r.Count() != 3 {
		t.Errorf("registry holds %d sessions, want 3", r.Count())
	}
}

func TestGroupConnectIsolatesFailures(t *testing.T) {
	f := &stubFactory{connectErrs: []error{
		nil,
		connerr.New(connerr.ConnectionRefused, "dial"),
		nil,
	}}
	r := newTestRegistry(f)
	g := NewGroupConnector(r, SinkProviderFunc(func(GroupEntry) transport.Sink { return &memSink{} }))

	group := Group{Name: "mixed", Connections: []GroupEntry{
		{Descriptor: sshDesc("up-1")},
		{Descriptor: sshDesc("down")},
		{Descriptor: sshDesc("up-2")},
	}}

	results := g.Connect(context.Background(), group)
	if results[0].Err != nil || results[2].Err != nil {
		t.Errorf("healthy entries must connect: %v / %v", results[0].Err, results[2].Err)
	}
	if !connerr.Is(results[1].Err, connerr.ConnectionRefused) {
		t.Errorf("failed entry should report its own error, got %v", results[1].Err)
	}
	if r.Count() != 2 {
		t.Errorf("registry holds %d sessions, want 2", r.Count())
	}
}

func TestGroupEntryOptionsForwarded(t *testing.T) {
	f := &stubFactory{}
	r := newTestRegistry(f)
	g := NewGroupConnector(r, SinkProviderFunc(func(GroupEntry) transport.Sink { return &memSink{} }))

	group := Group{Name: "one", Connections: []GroupEntry{{
		Name:        "db box",
		Descriptor:  sshDesc("db-01"),
		PostConnect: []PostConnectCommand{{Command: "psql", Enabled: true}},
	}}}

	results := g.Connect(context.Background(), group)
	s, err := r.Lookup(results[0].SessionID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if s.Name != "db box" {
		t.Errorf("name = %q", s.Name)
	}
	got := f.lastAdapter().writtenLines()
	if len(got) != 1 || got[0] != "psql\n" {
		t.Errorf("post-connect replay = %v", got)
	}
}

func TestLoadGroups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "groups.yaml")
	content := `groups:
  - name: prod
    connections:
      - name: web
        protocol: ssh
        host: web-01
        username: deploy
      - protocol: telnet
        host: sw1
        port: "2323"
  - name: lab
    connections:
      - protocol: serial
        device: /dev/ttyUSB0
        baud_rate: 115200
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	groups, err := LoadGroups(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("got %d groups", len(groups))
	}

	prod, ok := FindGroup(groups, "prod")
	if !ok || len(prod.Connections) != 2 {
		t.Fatalf("prod group = %+v", prod)
	}
	if prod.Connections[0].Descriptor.Protocol != transport.ProtocolSSH {
		t.Errorf("first entry protocol = %q", prod.Connections[0].Descriptor.Protocol)
	}
	// Quoted port strings parse like numbers.
	if prod.Connections[1].Descriptor.Port != 2323 {
		t.Errorf("telnet port = %d", prod.Connections[1].Descriptor.Port)
	}

	lab, _ := FindGroup(groups, "lab")
	if lab.Connections[0].Descriptor.Device != "/dev/ttyUSB0" {
		t.Errorf("serial device = %q", lab.Connections[0].Descriptor.Device)
	}

	if _, ok := FindGroup(groups, "staging"); ok {
		t.Error("FindGroup must miss on unknown names")
	}
}

func TestLoadGroupsMissingFile(t *testing.T) {
	groups, err := LoadGroups(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file must not be an error: %v", err)
	}
	if groups != nil {
		t.Errorf("got %v", groups)
	}
}

func TestLoadGroupsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "groups.yaml")
	os.WriteFile(path, []byte("groups: [unclosed"), 0600)
	if _, err := LoadGroups(path); err == nil {
		t.Error("expected parse error")
	}
}
