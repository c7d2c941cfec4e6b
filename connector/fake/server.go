package fake

import (
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/coder/websocket"
)

// ConnScript describes what the fake server does with one accepted
// connection: after reading the subscribe frame it writes Frames in order,
// then either holds the connection open until the client (or the server
// itself) closes it, or closes immediately.
type ConnScript struct {
	Frames [][]byte
	Hold   bool
}

// Server is a scriptable WebSocket venue backed by httptest. Connection n
// runs Scripts[n]; connections past the end of the script list reuse the
// last entry, so a reconnect loop settles into steady-state behaviour.
type Server struct {
	httpServer *httptest.Server

	mu      sync.Mutex
	scripts []ConnScript
	accepts int
}

// NewServer starts a Server running the given per-connection scripts.
func NewServer(scripts []ConnScript) *Server {
	s := &Server{scripts: scripts}
	s.httpServer = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the server's dial address. coder/websocket accepts the
// http:// scheme directly.
func (s *Server) URL() string { return s.httpServer.URL }

// Accepts reports how many connections the server has accepted so far.
func (s *Server) Accepts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepts
}

// Close shuts the server down, terminating any held-open connections.
func (s *Server) Close() { s.httpServer.Close() }

func (s *Server) nextScript() ConnScript {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.accepts
	s.accepts++
	if idx >= len(s.scripts) {
		idx = len(s.scripts) - 1
	}
	if idx < 0 {
		return ConnScript{}
	}
	return s.scripts[idx]
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "script complete")

	script := s.nextScript()
	ctx := r.Context()

	// The subscribe frame; its content does not matter to the script.
	if _, _, err := conn.Read(ctx); err != nil {
		return
	}

	for _, frame := range script.Frames {
		if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
			return
		}
	}

	if script.Hold {
		// Block until the client goes away or the server shuts down; the
		// fake protocol has no further inbound traffic to handle.
		_, _, _ = conn.Read(ctx)
	}
}
