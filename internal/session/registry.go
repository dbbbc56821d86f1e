package session

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashterm/ashcore/internal/connerr"
	"github.com/ashterm/ashcore/internal/logutil"
	"github.com/ashterm/ashcore/internal/transport"
)

// DefaultPostConnectDelay is the pause between replayed post-connect
// commands, enough for interactive shells to swallow one line before the
// next arrives.
const DefaultPostConnectDelay = 200 * time.Millisecond

// Config tunes the registry and the adapters it creates.
type Config struct {
	// Factory creates transport adapters; tests substitute stubs here.
	// Nil means transport.New.
	Factory transport.Factory

	ConnectTimeout     time.Duration
	KeepaliveInterval  time.Duration
	KeepaliveThreshold int

	// PostConnectDelay is the pause between replayed post-connect commands.
	// Zero means DefaultPostConnectDelay.
	PostConnectDelay time.Duration
}

// CreateOptions carries the optional parts of session creation.
type CreateOptions struct {
	Name        string
	PostConnect []PostConnectCommand
}

// Registry maps front-end-visible sessions to live transport adapters. All
// adapter ownership flows through it: it creates adapters, installs them on
// sessions, and disposes them on destroy or before a reconnect attempt.
type Registry struct {
	cfg    Config
	events *eventLog

	mu       sync.RWMutex
	sessions map[string]*Session

	// onDrop is invoked (in its own goroutine) when a registered session's
	// adapter closes unexpectedly. Wired to the reconnect coordinator.
	onDrop func(sessionID string, cause error)
	// onDestroy is invoked when a session is destroyed, so an in-progress
	// retry loop can be cancelled.
	onDestroy func(sessionID string)
}

// NewRegistry creates an empty session registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Factory == nil {
		cfg.Factory = transport.New
	}
	if cfg.PostConnectDelay == 0 {
		cfg.PostConnectDelay = DefaultPostConnectDelay
	}
	return &Registry{
		cfg:      cfg,
		events:   newEventLog(),
		sessions: make(map[string]*Session),
	}
}

// SetDropHandler registers the callback for unexpected adapter closes.
func (r *Registry) SetDropHandler(fn func(sessionID string, cause error)) {
	r.mu.Lock()
	r.onDrop = fn
	r.mu.Unlock()
}

// SetDestroyHook registers the callback fired on DestroySession.
func (r *Registry) SetDestroyHook(fn func(sessionID string)) {
	r.mu.Lock()
	r.onDestroy = fn
	r.mu.Unlock()
}

func (r *Registry) adapterOptions(sessionID string) transport.Options {
	return transport.Options{
		ConnectTimeout:     r.cfg.ConnectTimeout,
		KeepaliveInterval:  r.cfg.KeepaliveInterval,
		KeepaliveThreshold: r.cfg.KeepaliveThreshold,
		OnClose: func(cause error) {
			r.handleAdapterClose(sessionID, cause)
		},
	}
}

// CreateSession validates the descriptor, registers the session, connects a
// fresh adapter, opens its interactive channel at the sink's current
// geometry and replays the post-connect commands. On any failure the
// registration is rolled back and the error is reported synchronously.
func (r *Registry) CreateSession(ctx context.Context, desc transport.Descriptor, sink transport.Sink, opts CreateOptions) (*Session, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		ID:            uuid.New().String(),
		Name:          opts.Name,
		ConnectionKey: desc.ConnectionKey(),
		Descriptor:    desc,
		PostConnect:   opts.PostConnect,
		CreatedAt:     time.Now(),
		sink:          sink,
		fan:           newFanSink(sink),
	}

	// Register before connecting: an adapter that drops during the
	// post-connect replay must find its session in handleAdapterClose, or
	// the drop (and its one OnClose shot) is lost and no recovery starts.
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	if err := r.connectSession(ctx, s, desc); err != nil {
		r.mu.Lock()
		delete(r.sessions, s.ID)
		r.mu.Unlock()
		return nil, err
	}

	r.events.record(s.ID, EventConnected, desc.Label())
	log.Printf("[registry] created session %s (%s)", s.ID, logutil.SanitizeForLog(desc.Label()))
	return s, nil
}

// connectSession establishes a live adapter for s using desc and binds it.
// The caller guarantees no live adapter is currently bound.
func (r *Registry) connectSession(ctx context.Context, s *Session, desc transport.Descriptor) error {
	adapter, err := r.cfg.Factory(desc, s.fan, r.adapterOptions(s.ID))
	if err != nil {
		return err
	}
	if err := adapter.Connect(ctx); err != nil {
		return err
	}

	cols, rows := s.fan.Size()
	if err := adapter.StartInteractiveChannel(cols, rows); err != nil {
		adapter.Disconnect()
		return err
	}

	s.bind(adapter)
	r.replayPostConnect(s, adapter)
	return nil
}

// replayPostConnect sends the enabled post-connect commands with a fixed
// inter-command delay to avoid racing the remote shell's startup.
func (r *Registry) replayPostConnect(s *Session, adapter transport.Adapter) {
	for _, pc := range s.PostConnect {
		if !pc.Enabled || pc.Command == "" {
			continue
		}
		time.Sleep(r.cfg.PostConnectDelay)
		adapter.Write([]byte(pc.Command + "\n"))
	}
}

// DestroySession disposes the session's adapter and removes it from the
// registry. The session id is never reused.
func (r *Registry) DestroySession(sessionID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	onDestroy := r.onDestroy
	r.mu.Unlock()

	if !ok {
		return connerr.New(connerr.TargetNotFound, "destroy session")
	}

	if onDestroy != nil {
		onDestroy(sessionID)
	}

	if adapter := s.takeAdapter(); adapter != nil {
		adapter.Disconnect()
	}

	r.events.record(sessionID, EventDestroyed, s.Descriptor.Label())
	r.events.drop(sessionID)
	log.Printf("[registry] destroyed session %s", sessionID)
	return nil
}

// Lookup returns the session for the id.
func (r *Registry) Lookup(sessionID string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, connerr.New(connerr.TargetNotFound, "lookup session")
	}
	return s, nil
}

// ListAll returns every registered session, oldest first.
func (r *Registry) ListAll() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ListInfo returns read-only snapshots of every session, oldest first.
func (r *Registry) ListInfo() []Info {
	sessions := r.ListAll()
	out := make([]Info, len(sessions))
	for i, s := range sessions {
		out[i] = s.Snapshot()
	}
	return out
}

// Events returns the recorded lifecycle events for a session.
func (r *Registry) Events(sessionID string) []Event {
	return r.events.forSession(sessionID)
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// handleAdapterClose reacts to an adapter reporting an unexpected close. A
// session that was already destroyed is ignored; otherwise it is marked
// disconnected and the drop handler (reconnect coordinator) takes over.
func (r *Registry) handleAdapterClose(sessionID string, cause error) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	onDrop := r.onDrop
	r.mu.RUnlock()
	if !ok {
		return
	}

	s.markDisconnected()
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	r.events.record(sessionID, EventDisconnected, logutil.SanitizeForLog(detail))
	log.Printf("[registry] session %s dropped: %v", sessionID, cause)

	if onDrop != nil {
		go onDrop(sessionID, cause)
	}
}
