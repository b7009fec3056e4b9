package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/motionstream/motionstream/internal/session"
	"github.com/motionstream/motionstream/pkg/audit"
	"github.com/motionstream/motionstream/pkg/logging"
	"github.com/motionstream/motionstream/pkg/metrics"
)

// Server is the HTTP API collaborator in front of a session.Manager,
// grounded on psubacz-dungeongate/internal/session/server/http.go (a
// thin net/http.ServeMux wrapping a manager, started/stopped alongside
// the process's other servers).
type Server struct {
	manager *session.Manager
	audit   *audit.Store
	reg     *metrics.Registry
	auth    AuthConfig
	logger  *slog.Logger

	httpServer *http.Server
}

// NewServer builds the API server. auditStore may be nil (audit
// disabled); reg may be nil (no HTTP request instrumentation). The
// /metrics endpoint is never on this mux: Registry.StartMetricsServer
// serves it on its own port.
func NewServer(manager *session.Manager, auditStore *audit.Store, reg *metrics.Registry, auth AuthConfig, logger *slog.Logger) *Server {
	return &Server{manager: manager, audit: auditStore, reg: reg, auth: auth, logger: logger}
}

// Handler builds the routed mux: /healthz unauthenticated, everything
// under /v1 behind RequireAuth.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	v1 := http.NewServeMux()
	v1.HandleFunc("POST /v1/sessions", s.handleCreate)
	v1.HandleFunc("GET /v1/sessions/{id}", s.handleDescribe)
	v1.HandleFunc("POST /v1/sessions/{id}/commands", s.handleCommand)
	v1.HandleFunc("GET /v1/sessions/{id}/stream", s.handleStream)
	v1.HandleFunc("DELETE /v1/sessions/{id}", s.handleClose)

	mux.Handle("/v1/", RequireAuth(s.auth, v1))

	if s.reg != nil {
		return s.reg.HTTPMiddleware()(mux)
	}
	return mux
}

// Start runs the HTTP server until Stop is called or it fails.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}
	s.logger.Info("api: http server starting", "addr", addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "service": "motionstream"})
}

type createRequest struct {
	ID              string `json:"id"`
	SourceReference string `json:"source_reference"`
	AnimatorKind    string `json:"animator_kind"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := withSessionID(r.Context(), req.ID)
	log := logging.ContextLogger(ctx, s.logger)

	sess, err := s.manager.Create(ctx, req.ID, req.SourceReference, req.AnimatorKind)
	if err != nil {
		log.Warn("api: session create failed", "animator_kind", req.AnimatorKind, "error", err)
		s.writeSessionError(w, err)
		return
	}

	s.audit.RecordCreated(ctx, sess.ID(), req.AnimatorKind, req.SourceReference, time.Now())
	log.Info("api: session created", "animator_kind", req.AnimatorKind)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"id": sess.ID(), "state": sess.State().String()})
}

func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("session %q not found", id))
		return
	}

	skeleton, frameBytes, err := sess.Describe()
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"id":          sess.ID(),
		"state":       sess.State().String(),
		"frame_bytes": frameBytes,
		"bones":       skeleton.Bones,
	})
}

type commandRequest struct {
	Kind    string  `json:"kind"`
	Speed   float32 `json:"speed,omitempty"`
	SeekSec float32 `json:"seek_seconds,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("session %q not found", id))
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var err error
	switch req.Kind {
	case "set_speed":
		err = sess.SetSpeed(r.Context(), req.Speed)
	case "pause":
		err = sess.Pause(r.Context())
	case "resume":
		err = sess.Resume(r.Context())
	case "seek":
		err = sess.Seek(r.Context(), req.SeekSec)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown command kind %q", req.Kind))
		return
	}
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// httpSink adapts a chunked HTTP response into a session.Sink, the
// subscriber side of the session's frame fan-out.
type httpSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (h *httpSink) Send(frame []byte) error {
	if _, err := h.w.Write(frame); err != nil {
		return err
	}
	h.flusher.Flush()
	return nil
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("session %q not found", id))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub, err := sess.Subscribe(&httpSink{w: w, flusher: flusher})
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	defer sess.Unsubscribe(sub)

	<-r.Context().Done()
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := withSessionID(r.Context(), id)
	log := logging.ContextLogger(ctx, s.logger)

	sess, ok := s.manager.Get(id)
	finalState := "closed"
	failureReason := ""
	if ok {
		if sess.State() == session.StateFailed {
			finalState = "failed"
		}
	}

	if err := s.manager.Close(ctx, id); err != nil {
		log.Warn("api: session close failed", "error", err)
		s.writeSessionError(w, err)
		return
	}

	s.audit.RecordEnded(ctx, id, finalState, failureReason, time.Now())
	log.Info("api: session closed", "final_state", finalState)

	w.WriteHeader(http.StatusNoContent)
}

// writeSessionError maps a session.Error's Kind to the HTTP status it
// should surface as.
func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	kind := session.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case session.ErrKindInvalidInput:
		status = http.StatusBadRequest
	case session.ErrKindInitTimeout:
		status = http.StatusRequestTimeout
	case session.ErrKindInitFailure:
		status = http.StatusUnprocessableEntity
	case session.ErrKindAlreadyExists:
		status = http.StatusConflict
	case session.ErrKindNotFound:
		status = http.StatusNotFound
	case session.ErrKindClosedSession, session.ErrKindEngineLost:
		status = http.StatusGone
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func withSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectContextKey, subject)
}

// withSessionID stashes id on ctx under the key logging.ContextLogger
// looks for, so handler logging and downstream session/audit calls
// share one session-scoped context.
func withSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, "session_id", id)
}

// SubjectFrom extracts the authenticated subject set by RequireAuth.
func SubjectFrom(ctx context.Context) string {
	subject, _ := ctx.Value(subjectContextKey).(string)
	return subject
}
