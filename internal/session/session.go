// Package session owns the live-session model: the registry mapping session
// ids to transport adapters, the reconnect coordinator, the group connector
// and the tab-transfer codec.
//
// A session's connected flag and its bound adapter are mutated only here
// (registry and coordinator); the presentation layer goes through Write and
// Resize, which are safe against an adapter mid-teardown.
package session

import (
	"sync"
	"time"

	"github.com/ashterm/ashcore/internal/transport"
)

// PostConnectCommand is one entry of a session's post-connect replay list.
// Disabled entries are kept (the user can re-enable them) but skipped.
type PostConnectCommand struct {
	Command string `json:"command" yaml:"command"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// Session is the unit the presentation layer operates on. The id is unique
// for the process lifetime and never reused; the connection key is computed
// once at creation from the descriptor and shared by every session with an
// equivalent descriptor.
type Session struct {
	ID            string
	Name          string
	ConnectionKey string
	Descriptor    transport.Descriptor
	PostConnect   []PostConnectCommand
	CreatedAt     time.Time

	// fan wraps the presentation sink so observers can tap the output
	// stream without the adapters knowing.
	fan *fanSink

	mu        sync.Mutex
	adapter   transport.Adapter
	sink      transport.Sink
	connected bool
}

// Info is the read-only snapshot handed to the bridge and the presentation
// layer.
type Info struct {
	ID            string             `json:"id"`
	Name          string             `json:"name,omitempty"`
	Protocol      transport.Protocol `json:"protocol"`
	Label         string             `json:"label"`
	ConnectionKey string             `json:"connection_key"`
	Connected     bool               `json:"connected"`
	CreatedAt     time.Time          `json:"created_at"`
}

// Connected reports whether the session's adapter is live.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Write forwards input bytes to the live adapter. A no-op while disconnected;
// it may race with async teardown and never errors.
func (s *Session) Write(p []byte) {
	s.mu.Lock()
	a := s.adapter
	s.mu.Unlock()
	if a != nil {
		a.Write(p)
	}
}

// Resize forwards a geometry change to the live adapter.
func (s *Session) Resize(cols, rows uint16) {
	s.mu.Lock()
	a := s.adapter
	s.mu.Unlock()
	if a != nil {
		a.Resize(cols, rows)
	}
}

// Sink returns the terminal sink bound at creation.
func (s *Session) Sink() transport.Sink {
	return s.sink
}

// Adapter returns the currently bound adapter, or nil while disconnected.
func (s *Session) Adapter() transport.Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adapter
}

// Snapshot renders the session into its read-only info form.
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	return Info{
		ID:            s.ID,
		Name:          s.Name,
		Protocol:      s.Descriptor.Protocol,
		Label:         s.Descriptor.Label(),
		ConnectionKey: s.ConnectionKey,
		Connected:     connected,
		CreatedAt:     s.CreatedAt,
	}
}

// statusLine writes a human-readable progress line into the session's
// terminal, used by the reconnect coordinator.
func (s *Session) statusLine(text string) {
	s.fan.Write("\r\n" + text + "\r\n")
}

// bind installs a new live adapter. The caller must have disposed any
// previous adapter first; at most one live adapter exists per session.
func (s *Session) bind(a transport.Adapter) {
	s.mu.Lock()
	s.adapter = a
	s.connected = a != nil
	s.mu.Unlock()
}

// markDisconnected clears the connected flag, leaving the adapter reference
// for disposal by the owner.
func (s *Session) markDisconnected() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}

// takeAdapter detaches and returns the bound adapter for disposal.
func (s *Session) takeAdapter() transport.Adapter {
	s.mu.Lock()
	a := s.adapter
	s.adapter = nil
	s.connected = false
	s.mu.Unlock()
	return a
}
