package http

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleExecuteStream serves POST /api/execute/stream: the same start
// operation as handleExecute, reported as SSE `progress`, `result`, and
// `error` events (spec §6). The coordinator itself runs synchronously to
// completion-or-suspension in one call, so "progress" here is a single
// started marker rather than per-statement ticks — there is no
// intermediate state in the Coordinator's contract to stream beyond that
// (spec §4.E describes suspend/resume, not partial-progress callbacks).
func (s *Server) handleExecuteStream(w http.ResponseWriter, r *http.Request) {
	sess, err := requireSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	program, mode, ok := s.decodeProgram(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, "progress", map[string]any{"status": "started"})
	flusher.Flush()

	result, err := s.coordinator.Start(r.Context(), sess.ID, program, mode)
	if err != nil {
		writeSSE(w, "error", map[string]any{"error": err.Error()})
		flusher.Flush()
		return
	}

	writeSSE(w, "result", result)
	flusher.Flush()
}

func writeSSE(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
