package server

import "net/http"

// handleStream hands the authenticated device over to the SSE command
// stream, which owns the connection until its lifetime bound.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	dev := deviceFrom(r)
	s.stream.Serve(w, r, dev.ID)
}
