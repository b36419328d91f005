package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Pre-allocated byte slices for SSE formatting, avoiding an allocation on
// every write in the streaming hot path.
var (
	sseDataPrefix       = []byte("data: ")
	sseNewline          = []byte("\n\n")
	sseDone             = []byte("data: [DONE]\n\n")
	sseKeepAlive        = []byte(": keep-alive\n\n")
	sseErrorEventPrefix = []byte("event: error\ndata: ")
)

// Pre-allocated header value slices for SSE responses.
var (
	sseContentType  = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
	sseAccelBuf     = []string{"no"}
)

func writeSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h["Content-Type"] = sseContentType
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	h["X-Accel-Buffering"] = sseAccelBuf
	w.WriteHeader(http.StatusOK)
}

// writeSSEData writes a single SSE data frame: "data: <payload>\n\n".
func writeSSEData(w http.ResponseWriter, data []byte) {
	w.Write(sseDataPrefix)
	w.Write(data)
	w.Write(sseNewline)
}

// writeSSEDone writes the stream termination sentinel: "data: [DONE]\n\n".
func writeSSEDone(w http.ResponseWriter) {
	w.Write(sseDone)
}

// writeSSEError writes an SSE error event carrying the gateway's error
// envelope shape, so clients parse it the same way as a non-stream error.
// msg is marshaled through json.Marshal rather than concatenated, since it
// may itself contain raw upstream error JSON with embedded quotes.
func writeSSEError(w http.ResponseWriter, msg string) {
	data, err := json.Marshal(errorResponse(msg, "backend_error"))
	if err != nil {
		slog.Error("failed to encode stream error", "error", err)
		return
	}
	w.Write(sseErrorEventPrefix)
	w.Write(data)
	w.Write(sseNewline)
}

// writeSSEKeepAlive writes an SSE comment to keep the connection alive.
func writeSSEKeepAlive(w http.ResponseWriter) {
	w.Write(sseKeepAlive)
}
