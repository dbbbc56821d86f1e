package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ashterm/ashcore/internal/connerr"
	"github.com/ashterm/ashcore/internal/transport"
)

// SecretResolver recovers a saved secret for a descriptor when the current
// one carries none. Implemented by the connection-history store.
type SecretResolver interface {
	ResolveSecret(desc transport.Descriptor) (string, bool)
}

// ReconnectConfig tunes the retry state machine.
type ReconnectConfig struct {
	// Enabled false skips the loop: exactly one attempt is made.
	Enabled bool
	// MaxAttempts bounds the retry loop (1-based attempt counter).
	MaxAttempts int
	// Interval is the sleep between failed attempts.
	Interval time.Duration
}

// DefaultReconnectConfig matches the shipped defaults: one attempt per
// second for a minute.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{Enabled: true, MaxAttempts: 60, Interval: time.Second}
}

// Reconnector re-establishes sessions whose adapter dropped unexpectedly.
//
// Per-session state machine: Idle → Retrying(attempt 1..max) →
// Connected | Exhausted. The old adapter is fully disposed before each
// connect attempt, preserving the single-live-adapter invariant. Loops for
// different sessions run independently; a user destroy cancels the loop at
// the next attempt boundary.
type Reconnector struct {
	registry *Registry
	resolver SecretResolver
	cfg      ReconnectConfig

	// OnExhausted surfaces the asynchronous RetriesExhausted report to the
	// presentation layer once a loop gives up. May be nil.
	OnExhausted func(sessionID string, report connerr.Report)

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewReconnector wires a coordinator to the registry's drop and destroy
// hooks and returns it.
func NewReconnector(registry *Registry, resolver SecretResolver, cfg ReconnectConfig) *Reconnector {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	rc := &Reconnector{
		registry: registry,
		resolver: resolver,
		cfg:      cfg,
		active:   make(map[string]context.CancelFunc),
	}
	registry.SetDropHandler(rc.HandleDrop)
	registry.SetDestroyHook(rc.Cancel)
	return rc
}

// HandleDrop enters the retry state machine for a dropped session. Local
// shell sessions are never retried: a dead local shell is terminal.
func (rc *Reconnector) HandleDrop(sessionID string, cause error) {
	s, err := rc.registry.Lookup(sessionID)
	if err != nil {
		return
	}
	if s.Descriptor.Protocol == transport.ProtocolLocal {
		s.statusLine("[ash] Local shell exited.")
		return
	}

	rc.mu.Lock()
	if _, running := rc.active[sessionID]; running {
		rc.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	rc.active[sessionID] = cancel
	rc.mu.Unlock()

	go rc.run(ctx, s)
}

// Cancel interrupts the retry loop for a session at the next attempt
// boundary. An in-flight connect attempt is allowed to finish, but no new
// attempt starts afterwards.
func (rc *Reconnector) Cancel(sessionID string) {
	rc.mu.Lock()
	cancel, ok := rc.active[sessionID]
	rc.mu.Unlock()
	if ok {
		cancel()
	}
}

// Retrying reports whether a retry loop is currently running for the session.
func (rc *Reconnector) Retrying(sessionID string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	_, ok := rc.active[sessionID]
	return ok
}

func (rc *Reconnector) finish(sessionID string) {
	rc.mu.Lock()
	if cancel, ok := rc.active[sessionID]; ok {
		delete(rc.active, sessionID)
		cancel()
	}
	rc.mu.Unlock()
}

func (rc *Reconnector) run(ctx context.Context, s *Session) {
	defer rc.finish(s.ID)

	maxAttempts := rc.cfg.MaxAttempts
	if !rc.cfg.Enabled {
		maxAttempts = 1
	}

	// Re-resolve the secret from history when the stored descriptor has
	// none (it may never have carried one, or the user saved it later).
	desc := s.Descriptor
	if desc.Secret == "" && rc.resolver != nil {
		if secret, ok := rc.resolver.ResolveSecret(desc); ok {
			desc.Secret = secret
		}
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			log.Printf("[reconnect] session %s: cancelled after %d attempt(s)", s.ID, attempt-1)
			return
		}

		s.statusLine(fmt.Sprintf("[ash] Reconnecting: attempt %d/%d...", attempt, maxAttempts))
		rc.registry.events.record(s.ID, EventReconnecting, fmt.Sprintf("attempt %d/%d", attempt, maxAttempts))

		// Dispose any previous adapter before the connect attempt begins.
		if old := s.takeAdapter(); old != nil {
			old.Disconnect()
		}

		err := rc.registry.connectSession(ctx, s, desc)
		if err == nil {
			// A destroy that raced the in-flight attempt already ran its
			// adapter disposal; the fresh adapter is ours to release.
			if ctx.Err() != nil {
				if a := s.takeAdapter(); a != nil {
					a.Disconnect()
				}
				log.Printf("[reconnect] session %s destroyed mid-attempt, disposed fresh adapter", s.ID)
				return
			}
			s.statusLine("[ash] Reconnected.")
			rc.registry.events.record(s.ID, EventReconnectSuccess, fmt.Sprintf("after %d attempt(s)", attempt))
			log.Printf("[reconnect] session %s reconnected on attempt %d", s.ID, attempt)
			return
		}

		log.Printf("[reconnect] session %s attempt %d/%d failed: %v", s.ID, attempt, maxAttempts, err)
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
			case <-time.After(rc.cfg.Interval):
			}
		}
	}

	// Exhausted: the session stays registered and disconnected so the user
	// can retry manually or close the tab.
	s.statusLine(fmt.Sprintf("[ash] Reconnect failed after %d attempts.", maxAttempts))
	rc.registry.events.record(s.ID, EventReconnectFailed, fmt.Sprintf("gave up after %d attempts", maxAttempts))

	err := connerr.New(connerr.RetriesExhausted, "reconnect")
	if rc.OnExhausted != nil {
		rc.OnExhausted(s.ID, connerr.ReportFor(err))
	}
}
