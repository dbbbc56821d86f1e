// Package bridge exposes the local HTTP surface that AI agents use to run
// commands through live sessions. The server binds loopback only; anything
// reachable over it is treated as a trusted local process, except local
// shell execution, which additionally passes through the approval gate.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ashterm/ashcore/internal/connerr"
	"github.com/ashterm/ashcore/internal/logging"
	"github.com/ashterm/ashcore/internal/logutil"
	"github.com/ashterm/ashcore/internal/session"
	"github.com/ashterm/ashcore/internal/transport"
)

// BackendVersion is reported by the health endpoint.
const BackendVersion = "1.0.0"

// DefaultExecTimeout bounds a single one-shot command.
const DefaultExecTimeout = 5 * time.Minute

// Config carries the server wiring.
type Config struct {
	Host        string // must resolve to a loopback address
	Port        int
	ExecTimeout time.Duration
}

// Server is the agent-facing bridge. It dispatches ipc-invoke calls to the
// session registry and streams session output over websockets.
type Server struct {
	cfg      Config
	registry *session.Registry
	gate     *Gate
	http     *http.Server
}

// NewServer wires the bridge against a registry and approval gate.
func NewServer(cfg Config, registry *session.Registry, gate *Gate) *Server {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 54112
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = DefaultExecTimeout
	}
	return &Server{cfg: cfg, registry: registry, gate: gate}
}

// Router builds the chi router. Exposed separately so tests can drive the
// handlers without a listener.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/logs", s.handleLogs)
	r.Post("/ipc-invoke", s.handleInvoke)
	r.Get("/sessions/{id}/stream", s.handleStream)

	return r
}

// Start binds the listener and serves until Shutdown. It refuses non-loopback
// bind addresses: the bridge carries no authentication of its own.
func (s *Server) Start() error {
	ip := net.ParseIP(s.cfg.Host)
	if ip == nil || !ip.IsLoopback() {
		return connerr.New(connerr.Validation, fmt.Sprintf("bridge bind %q: loopback addresses only", s.cfg.Host))
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bridge listen on %s: %w", addr, err)
	}

	s.http = &http.Server{Handler: s.Router()}
	log.Printf("[bridge] listening on %s", addr)
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[bridge] server error: %v", err)
		}
	}()
	return nil
}

// Shutdown stops the listener, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// invokeRequest is the wire request. "channel" is accepted as an alias for
// "handler" for callers written against the older field name.
type invokeRequest struct {
	Handler string            `json:"handler"`
	Channel string            `json:"channel"`
	Args    []json.RawMessage `json:"args"`
}

func (r *invokeRequest) name() string {
	if r.Handler != "" {
		return r.Handler
	}
	return r.Channel
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[bridge] failed to encode response: %v", err)
	}
}

func writeResult(w http.ResponseWriter, result any) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})
}

func writeInvokeError(w http.ResponseWriter, err error) {
	rep := connerr.ReportFor(err)
	msg := rep.Title
	if rep.Message != "" {
		msg = msg + ": " + rep.Message
	}
	// Invoke failures are part of the envelope, not HTTP errors: the
	// transport worked, the handler did not.
	writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"backend_version": BackendVersion,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	})
}

// handleLogs serves the tail of the backend log file for agents diagnosing
// their own failed invokes. ?lines= caps the tail, default 100.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n := 100
	if raw := r.URL.Query().Get("lines"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "lines must be a positive integer"})
			return
		}
		n = v
	}

	tail, err := logging.ReadTail(n)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"log": tail})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid JSON body"})
		return
	}

	name := req.name()
	log.Printf("[bridge] invoke %s", logutil.SanitizeForLog(name))

	switch name {
	case "exec", "ssh-exec-command":
		s.invokeExec(w, r, req.Args)
	case "list-connections", "ssh-list-connections":
		s.invokeListConnections(w)
	case "ask-user":
		s.invokeAskUser(w, r, req.Args)
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"error":   fmt.Sprintf("unknown handler %q", name),
		})
	}
}

// execArgs is the exec handler payload: [{"id": ..., "command": ...}]
// or the two positional forms [id, command].
type execArgs struct {
	ID      string `json:"id"`
	Command string `json:"command"`
}

func parseExecArgs(args []json.RawMessage) (execArgs, error) {
	var out execArgs
	switch len(args) {
	case 1:
		if err := json.Unmarshal(args[0], &out); err != nil {
			return out, fmt.Errorf("exec args: %w", err)
		}
	case 2:
		if err := json.Unmarshal(args[0], &out.ID); err != nil {
			return out, fmt.Errorf("exec args: %w", err)
		}
		if err := json.Unmarshal(args[1], &out.Command); err != nil {
			return out, fmt.Errorf("exec args: %w", err)
		}
	default:
		return out, fmt.Errorf("exec expects 1 or 2 args, got %d", len(args))
	}
	if out.ID == "" || strings.TrimSpace(out.Command) == "" {
		return out, fmt.Errorf("exec requires a session id and a command")
	}
	return out, nil
}

func (s *Server) invokeExec(w http.ResponseWriter, r *http.Request, rawArgs []json.RawMessage) {
	args, err := parseExecArgs(rawArgs)
	if err != nil {
		writeInvokeError(w, connerr.Wrap(connerr.Validation, "exec", err))
		return
	}

	sess, err := s.registry.Lookup(args.ID)
	if err != nil {
		writeInvokeError(w, err)
		return
	}
	if !sess.Connected() {
		writeInvokeError(w, connerr.New(connerr.TargetNotConnected, "exec"))
		return
	}

	// Local shells run on the user's own machine, so execution is gated on
	// explicit approval. Remote targets carry their own access control.
	if sess.Descriptor.Protocol == transport.ProtocolLocal {
		if err := s.gate.RequestApproval(r.Context(), args.Command); err != nil {
			writeInvokeError(w, err)
			return
		}
	}

	adapter := sess.Adapter()
	if adapter == nil {
		writeInvokeError(w, connerr.New(connerr.TargetNotConnected, "exec"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ExecTimeout)
	defer cancel()

	result, err := adapter.ExecuteOneShot(ctx, args.Command)
	if err != nil {
		writeInvokeError(w, err)
		return
	}
	writeResult(w, result)
}

func (s *Server) invokeListConnections(w http.ResponseWriter) {
	infos := s.registry.ListInfo()
	if infos == nil {
		infos = []session.Info{}
	}
	writeResult(w, infos)
}

// askUserArgs is the ask-user payload: [{"prompt": ..., "secret": ...}].
type askUserArgs struct {
	Prompt string `json:"prompt"`
	Secret bool   `json:"secret"`
}

func (s *Server) invokeAskUser(w http.ResponseWriter, r *http.Request, rawArgs []json.RawMessage) {
	var args askUserArgs
	if len(rawArgs) != 1 {
		writeInvokeError(w, connerr.Wrap(connerr.Validation, "ask-user",
			fmt.Errorf("expects 1 arg, got %d", len(rawArgs))))
		return
	}
	if err := json.Unmarshal(rawArgs[0], &args); err != nil {
		writeInvokeError(w, connerr.Wrap(connerr.Validation, "ask-user", err))
		return
	}
	if strings.TrimSpace(args.Prompt) == "" {
		writeInvokeError(w, connerr.Wrap(connerr.Validation, "ask-user",
			fmt.Errorf("prompt must not be empty")))
		return
	}

	value, err := s.gate.AskUser(r.Context(), args.Prompt, args.Secret)
	if err != nil {
		writeInvokeError(w, err)
		return
	}
	writeResult(w, map[string]string{"value": value})
}
