package server

import "net/http"

// Pre-allocated response bodies and the plain-text content-type header
// value, matching the []string header-slice trick jsonCT uses in
// handlers.go: writing the slice directly onto the header map skips the
// per-call allocation http.Header.Set would otherwise make.
var (
	okBody       = []byte("ok")
	notReadyBody = []byte("not ready")
	plainCT      = []string{"text/plain"}
)

func writePlainStatus(w http.ResponseWriter, status int, body []byte) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(status)
	w.Write(body)
}

// handleHealthz reports liveness: the process is running and able to
// serve HTTP. It never consults collaborators, so it stays cheap enough
// to poll aggressively.
func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writePlainStatus(w, http.StatusOK, okBody)
}

// handleReadyz reports readiness: whatever ReadyCheck was wired in must
// also succeed. With no ReadyCheck configured, readiness tracks liveness.
func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			writePlainStatus(w, http.StatusServiceUnavailable, notReadyBody)
			return
		}
	}
	writePlainStatus(w, http.StatusOK, okBody)
}
