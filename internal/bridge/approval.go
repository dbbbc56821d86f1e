package bridge

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashterm/ashcore/internal/connerr"
	"github.com/ashterm/ashcore/internal/logutil"
)

// PromptKind distinguishes the two human round trips the bridge can open.
type PromptKind string

const (
	// PromptApproval asks the user to allow or deny a local command.
	PromptApproval PromptKind = "approval"
	// PromptInput asks the user for a free-form value (ask-user).
	PromptInput PromptKind = "input"
)

// Prompt is one outstanding human round trip. Each has its own correlation
// id; concurrent prompts queue independently.
type Prompt struct {
	ID      string     `json:"id"`
	Kind    PromptKind `json:"kind"`
	Command string     `json:"command,omitempty"` // approval: the literal command text
	Text    string     `json:"text,omitempty"`    // input: the question for the user
	Secret  bool       `json:"secret,omitempty"`  // input: mask the entry field
	Created time.Time  `json:"created"`
}

// Notifier delivers prompts to the presentation layer, which answers via
// Gate.Resolve. A nil notifier means every prompt times out (headless runs
// deny by default).
type Notifier interface {
	PromptRequested(p Prompt)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(p Prompt)

func (f NotifierFunc) PromptRequested(p Prompt) { f(p) }

type promptAnswer struct {
	allowed bool
	value   string
}

// DefaultPromptTimeout bounds how long a prompt waits for the human before
// failing closed.
const DefaultPromptTimeout = 5 * time.Minute

// Gate owns the human-in-the-loop round trips: the approval gate for local
// command execution and the generic ask-user prompt. At most one prompt is
// shown to the user at a time; concurrent requests queue and each gets its
// own correlation id and round trip when its turn comes. Deny and timeout
// are indistinguishable to the requester: both are PermissionDenied and the
// command is never run.
type Gate struct {
	notifier Notifier
	timeout  time.Duration
	turn     chan struct{} // capacity 1, held while a prompt awaits the user

	mu      sync.Mutex
	pending map[string]chan promptAnswer
	prompts map[string]Prompt
}

// NewGate creates a gate delivering prompts to notifier. Zero timeout means
// DefaultPromptTimeout.
func NewGate(notifier Notifier, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultPromptTimeout
	}
	return &Gate{
		notifier: notifier,
		timeout:  timeout,
		turn:     make(chan struct{}, 1),
		pending:  make(map[string]chan promptAnswer),
		prompts:  make(map[string]Prompt),
	}
}

// acquireTurn waits for the single prompt slot. The timeout covers the queue
// wait and the user's answer together.
func (g *Gate) acquireTurn(ctx context.Context, deadline <-chan time.Time) error {
	select {
	case g.turn <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-deadline:
		return context.DeadlineExceeded
	}
}

func (g *Gate) releaseTurn() { <-g.turn }

func (g *Gate) open(p Prompt) chan promptAnswer {
	ch := make(chan promptAnswer, 1)
	g.mu.Lock()
	g.pending[p.ID] = ch
	g.prompts[p.ID] = p
	g.mu.Unlock()

	if g.notifier != nil {
		g.notifier.PromptRequested(p)
	}
	return ch
}

func (g *Gate) close(id string) {
	g.mu.Lock()
	delete(g.pending, id)
	delete(g.prompts, id)
	g.mu.Unlock()
}

// RequestApproval blocks until the user allows or denies execution of the
// literal command text, or the timeout elapses. Returns nil only on an
// explicit allow.
func (g *Gate) RequestApproval(ctx context.Context, command string) error {
	deadline := time.After(g.timeout)
	if err := g.acquireTurn(ctx, deadline); err != nil {
		return connerr.Wrap(connerr.PermissionDenied, "approval", err)
	}
	defer g.releaseTurn()

	p := Prompt{
		ID:      uuid.New().String(),
		Kind:    PromptApproval,
		Command: command,
		Created: time.Now(),
	}
	ch := g.open(p)
	defer g.close(p.ID)

	log.Printf("[bridge] approval requested %s: %s", p.ID, logutil.SanitizeForLog(command))

	select {
	case <-ctx.Done():
		return connerr.Wrap(connerr.PermissionDenied, "approval", ctx.Err())
	case <-deadline:
		log.Printf("[bridge] approval %s timed out", p.ID)
		return connerr.New(connerr.PermissionDenied, "approval")
	case ans := <-ch:
		if !ans.allowed {
			log.Printf("[bridge] approval %s denied", p.ID)
			return connerr.New(connerr.PermissionDenied, "approval")
		}
		log.Printf("[bridge] approval %s granted", p.ID)
		return nil
	}
}

// AskUser blocks until the user supplies a value for the prompt, with the
// same timeout-then-fail semantics as the approval gate.
func (g *Gate) AskUser(ctx context.Context, text string, secret bool) (string, error) {
	deadline := time.After(g.timeout)
	if err := g.acquireTurn(ctx, deadline); err != nil {
		return "", connerr.Wrap(connerr.PermissionDenied, "ask-user", err)
	}
	defer g.releaseTurn()

	p := Prompt{
		ID:      uuid.New().String(),
		Kind:    PromptInput,
		Text:    text,
		Secret:  secret,
		Created: time.Now(),
	}
	ch := g.open(p)
	defer g.close(p.ID)

	log.Printf("[bridge] input requested %s: %s", p.ID, logutil.SanitizeForLog(text))

	select {
	case <-ctx.Done():
		return "", connerr.Wrap(connerr.PermissionDenied, "ask-user", ctx.Err())
	case <-deadline:
		return "", connerr.New(connerr.PermissionDenied, "ask-user")
	case ans := <-ch:
		if !ans.allowed {
			return "", connerr.New(connerr.PermissionDenied, "ask-user")
		}
		return ans.value, nil
	}
}

// Resolve answers an outstanding prompt from the presentation layer.
// Returns false when the correlation id is unknown (already answered or
// timed out).
func (g *Gate) Resolve(id string, allowed bool, value string) bool {
	g.mu.Lock()
	ch, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
		delete(g.prompts, id)
	}
	g.mu.Unlock()
	if !ok {
		return false
	}
	ch <- promptAnswer{allowed: allowed, value: value}
	return true
}

// Pending returns a snapshot of the outstanding prompts, oldest first.
func (g *Gate) Pending() []Prompt {
	g.mu.Lock()
	out := make([]Prompt, 0, len(g.prompts))
	for _, p := range g.prompts {
		out = append(out, p)
	}
	g.mu.Unlock()

	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Created.Before(out[j-1].Created); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
