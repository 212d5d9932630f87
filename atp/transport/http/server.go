// Package http implements the spec §6 "External interfaces" transport:
// HTTP/1.1 + JSON over a stdlib http.ServeMux, grounded on the teacher's
// handwritten cmd/assistant/http.go wiring style (no Goa codegen survives
// this transformation — see DESIGN.md's dropped-dependency ledger — but
// the "build a Muxer, wrap with clue's logging middleware, run with
// graceful shutdown" shape is kept).
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"goa.design/clue/log"

	"github.com/atp-proto/atp-server/atp/atperrors"
	"github.com/atp-proto/atp-server/atp/coordinator"
	"github.com/atp-proto/atp-server/atp/policy"
	"github.com/atp-proto/atp-server/atp/provenance"
	"github.com/atp-proto/atp-server/atp/session"
	"github.com/atp-proto/atp-server/atp/telemetry"
	"github.com/atp-proto/atp-server/atp/toolregistry"
)

// Version is advertised by GET /api/info.
const Version = "1.0.0"

// Capabilities lists the protocol features this server implements (spec §6
// GET /api/info "capability advertisement").
var Capabilities = []string{"execute", "execute-stream", "resume", "search", "explore", "provenance"}

// Server wires the Session Manager, Tool Registry, Policy Engine, and
// Pause/Resume Coordinator behind the spec §6 endpoint table.
type Server struct {
	sessions    *session.Manager
	registry    *toolregistry.Registry
	coordinator *coordinator.Coordinator
	policies    *policy.Engine
	logger      telemetry.Logger

	provenanceMode provenance.Mode

	mux *http.ServeMux
}

// New builds a Server and mounts every spec §6 route.
func New(sessions *session.Manager, registry *toolregistry.Registry, coord *coordinator.Coordinator, policies *policy.Engine, mode provenance.Mode, logger telemetry.Logger) *Server {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	s := &Server{
		sessions:       sessions,
		registry:       registry,
		coordinator:    coord,
		policies:       policies,
		logger:         logger,
		provenanceMode: mode,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/info", s.handleInfo)
	s.mux.HandleFunc("POST /api/init", s.handleInit)
	s.mux.HandleFunc("GET /api/definitions", s.withAuth(s.handleDefinitions))
	s.mux.HandleFunc("POST /api/search", s.withAuth(s.handleSearch))
	s.mux.HandleFunc("POST /api/explore", s.withAuth(s.handleExplore))
	s.mux.HandleFunc("POST /api/execute", s.withAuth(s.handleExecute))
	s.mux.HandleFunc("POST /api/execute/stream", s.withAuth(s.handleExecuteStream))
	s.mux.HandleFunc("POST /api/resume/{execId}", s.withAuth(s.handleResume))
}

// ServeHTTP implements http.Handler so Server can be passed straight to
// http.Server.Handler (optionally wrapped in clue's logging middleware by
// the caller, matching the teacher's handleHTTPServer wiring).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run starts an http.Server on addr and blocks until ctx is cancelled, then
// shuts down gracefully with a 30s timeout (grounded directly on the
// teacher's handleHTTPServer goroutine/shutdown shape).
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           log.HTTP(ctx)(s),
		ReadHeaderTimeout: 60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf(ctx, "HTTP server listening on %q", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Printf(ctx, "shutting down HTTP server at %q", addr)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf(ctx, "failed to shutdown: %v", err)
		return err
	}
	return nil
}

// writeJSON encodes v as the response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to the spec §7 taxonomy's HTTP status and a
// `{error}` body. Engine-level errors reach the transport only when they
// are not the kind spec §7 says belongs inside a 200 execution result
// (policyBlocked, runtime, resource kinds are surfaced by the caller
// embedding them in the coordinator.Result instead of returning err here).
func writeError(w http.ResponseWriter, err error) {
	kind := atperrors.KindOf(err)
	status := atperrors.HTTPStatus(kind)
	if status == 200 {
		// Defensive: a component returned an in-program error kind as a
		// transport error. Never surface it as a 200 with no body.
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
