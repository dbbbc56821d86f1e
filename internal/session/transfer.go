package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ashterm/ashcore/internal/transport"
)

// transferVersion guards the wire format of tab-transfer payloads.
const transferVersion = 1

// TransferState is the serialized form of a session crossing a process
// boundary: its connection parameters, never its live resource or sink.
type TransferState struct {
	Version     int                  `json:"version"`
	Name        string               `json:"name,omitempty"`
	Descriptor  transport.Descriptor `json:"descriptor"`
	Connected   bool                 `json:"connected"`
	PostConnect []PostConnectCommand `json:"post_connect,omitempty"`
}

// Export serializes the session for transfer to another process. The caller
// must DestroySession the local copy once the payload has been handed over,
// so exactly one live adapter exists for the transferred session at any
// time.
func (r *Registry) Export(sessionID string) ([]byte, error) {
	s, err := r.Lookup(sessionID)
	if err != nil {
		return nil, err
	}

	st := TransferState{
		Version:     transferVersion,
		Name:        s.Name,
		Descriptor:  s.Descriptor,
		Connected:   s.Connected(),
		PostConnect: s.PostConnect,
	}
	return json.Marshal(st)
}

// Import recreates a transferred session in this process under a freshly
// generated id. If the source session was connected, one connect attempt is
// made (resolving a missing secret from history); a failed attempt leaves
// the imported session registered but disconnected rather than failing the
// import. There is no retry loop here — the reconnect coordinator only
// handles live sessions that drop later.
func (r *Registry) Import(ctx context.Context, data []byte, sink transport.Sink, resolver SecretResolver) (string, error) {
	var st TransferState
	if err := json.Unmarshal(data, &st); err != nil {
		return "", fmt.Errorf("decode transfer payload: %w", err)
	}
	if st.Version != transferVersion {
		return "", fmt.Errorf("unsupported transfer version %d", st.Version)
	}
	if err := st.Descriptor.Validate(); err != nil {
		return "", err
	}

	s := &Session{
		ID:            uuid.New().String(),
		Name:          st.Name,
		ConnectionKey: st.Descriptor.ConnectionKey(),
		Descriptor:    st.Descriptor,
		PostConnect:   st.PostConnect,
		CreatedAt:     time.Now(),
		sink:          sink,
		fan:           newFanSink(sink),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	if !st.Connected {
		log.Printf("[transfer] imported session %s (disconnected)", s.ID)
		return s.ID, nil
	}

	desc := st.Descriptor
	if desc.Secret == "" && resolver != nil {
		if secret, ok := resolver.ResolveSecret(desc); ok {
			desc.Secret = secret
		}
	}

	if err := r.connectSession(ctx, s, desc); err != nil {
		s.statusLine("[ash] Transferred session could not reconnect; use reconnect to retry.")
		log.Printf("[transfer] imported session %s failed to connect: %v", s.ID, err)
		return s.ID, nil
	}

	r.events.record(s.ID, EventConnected, desc.Label())
	log.Printf("[transfer] imported session %s (%s)", s.ID, desc.Label())
	return s.ID, nil
}
