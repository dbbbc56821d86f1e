package bridge

import (
	"log"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashterm/ashcore/internal/logutil"
)

// handleStream relays a session's output over a websocket. The stream is
// read-only: observers see exactly what the session's primary sink sees,
// in the same order, but cannot write into the session.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.registry.Lookup(id)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("[bridge] websocket accept failed for %s: %v", logutil.SanitizeForLog(id), err)
		return
	}

	ctx := r.Context()
	out, cancel := sess.Observe()
	defer cancel()

	log.Printf("[bridge] stream attached to session %s", logutil.SanitizeForLog(id))

	// Drain client frames so pings are answered; input is discarded.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case text := <-out:
			if err := conn.Write(ctx, websocket.MessageBinary, []byte(text)); err != nil {
				log.Printf("[bridge] stream write failed for %s: %v", logutil.SanitizeForLog(id), err)
				return
			}
		}
	}
}
