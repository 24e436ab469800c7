package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/logging"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/metrics"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/service"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/types"
)

// Controller is the runtime's admin surface.
type Controller interface {
	Status() service.Status
	Pause(reason string) error
	Resume(ctx context.Context) error
	ReloadConfig() error
}

// Admitter grants a known identity on request.
type Admitter interface {
	AdmitManual(ctx context.Context, identityID int64) (int64, error)
}

// CredentialInjector feeds a card number as if it had been scanned.
type CredentialInjector interface {
	Inject(code string)
}

// EventAdmin moves events in and out of the failed state.
type EventAdmin interface {
	Fail(ctx context.Context, eventID int64) error
	Retry(ctx context.Context, eventID int64) error
}

type Dependencies struct {
	Logger      *slog.Logger
	Addr        string
	KioskID     string
	SessionID   string
	Control     Controller
	Enrollment  *service.EnrollmentService
	Gallery     service.GalleryReloader
	Admitter    Admitter
	Credentials CredentialInjector
	Events      store.EventStore
	Queue       EventAdmin
	Metrics     *metrics.Metrics
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	mux        *http.ServeMux
	validate   *validator.Validate
	deps       Dependencies
}

func NewServer(d Dependencies) *Server {
	mux := http.NewServeMux()

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})

	logger := logging.NewComponentLogger(d.Logger, "httpapi")
	s := &Server{
		logger:   logger,
		mux:      mux,
		validate: v,
		deps:     d,
	}

	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("POST /v1/admin/pause", s.handlePause)
	mux.HandleFunc("POST /v1/admin/resume", s.handleResume)
	mux.HandleFunc("POST /v1/config/reload", s.handleConfigReload)
	mux.HandleFunc("POST /v1/gallery/reload", s.handleGalleryReload)

	mux.HandleFunc("GET /v1/identities", s.handleListIdentities)
	mux.HandleFunc("POST /v1/identities", s.handleEnroll)
	mux.HandleFunc("GET /v1/identities/{id}", s.handleGetIdentity)
	mux.HandleFunc("PATCH /v1/identities/{id}", s.handleUpdateIdentity)
	mux.HandleFunc("DELETE /v1/identities/{id}", s.handleDeleteIdentity)
	mux.HandleFunc("POST /v1/identities/{id}/capture", s.handleRecapture)

	mux.HandleFunc("POST /v1/credentials", s.handleCredential)
	mux.HandleFunc("POST /v1/admissions/manual", s.handleManualAdmission)

	mux.HandleFunc("GET /v1/events", s.handleListEvents)
	mux.HandleFunc("POST /v1/events/{id}/fail", s.handleFailEvent)
	mux.HandleFunc("POST /v1/events/{id}/retry", s.handleRetryEvent)

	mux.Handle("GET /metrics", d.Metrics.Handler())

	handler := loggingMiddleware(logger, mux)

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ── Requests / responses ─────────────────────────────────────────────────────

type statusResponse struct {
	KioskID   string               `json:"kiosk_id"`
	SessionID string               `json:"session_id,omitempty"`
	Admission service.Status       `json:"admission"`
	Events    map[types.Status]int `json:"events"`
}

type pauseRequest struct {
	Reason string `json:"reason" validate:"max=200"`
}

type enrollRequest struct {
	Name       string    `json:"name" validate:"required,max=128"`
	Details    string    `json:"details" validate:"max=2000"`
	Credential *string   `json:"credential" validate:"omitempty,max=64"`
	Embedding  []float64 `json:"embedding" validate:"omitempty,max=4096"`
}

type updateRequest struct {
	Name       *string `json:"name" validate:"omitempty,max=128"`
	Details    *string `json:"details" validate:"omitempty,max=2000"`
	Credential *string `json:"credential" validate:"omitempty,max=64"`
}

type credentialRequest struct {
	Code string `json:"code" validate:"required,numeric,max=32"`
}

type manualAdmissionRequest struct {
	IdentityID int64 `json:"identity_id" validate:"required,gt=0"`
}

type manualAdmissionResponse struct {
	EventID  int64 `json:"event_id"`
	Recorded bool  `json:"recorded"`
}

type reloadResponse struct {
	Identities int `json:"identities"`
}

// ── Control ──────────────────────────────────────────────────────────────────

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Events.CountByStatus(r.Context())
	if err != nil {
		s.internalError(w, "count events", err)
		return
	}
	respond(w, r, http.StatusOK, statusResponse{
		KioskID:   s.deps.KioskID,
		SessionID: s.deps.SessionID,
		Admission: s.deps.Control.Status(),
		Events:    counts,
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "admin"
	}
	if err := s.deps.Control.Pause(req.Reason); err != nil {
		s.internalError(w, "pause", err)
		return
	}
	respond(w, r, http.StatusOK, s.deps.Control.Status())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Control.Resume(r.Context()); err != nil {
		s.internalError(w, "resume", err)
		return
	}
	respond(w, r, http.StatusOK, s.deps.Control.Status())
}

func (s *Server) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Control.ReloadConfig(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_config", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGalleryReload(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Gallery.Reload(r.Context())
	if err != nil {
		s.internalError(w, "gallery reload", err)
		return
	}
	respond(w, r, http.StatusOK, reloadResponse{Identities: n})
}

// ── Identities ───────────────────────────────────────────────────────────────

func (s *Server) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	ids, err := s.deps.Enrollment.List(r.Context())
	if err != nil {
		s.internalError(w, "list identities", err)
		return
	}
	if ids == nil {
		ids = []types.Identity{}
	}
	respond(w, r, http.StatusOK, ids)
}

func (s *Server) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	got, err := s.deps.Enrollment.Get(r.Context(), id)
	if err != nil {
		s.serviceError(w, "get identity", err)
		return
	}
	respond(w, r, http.StatusOK, got)
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	got, err := s.deps.Enrollment.Enroll(r.Context(), service.EnrollRequest{
		Name:       req.Name,
		Details:    req.Details,
		Credential: req.Credential,
		Embedding:  req.Embedding,
	})
	if err != nil {
		s.serviceError(w, "enroll", err)
		return
	}
	respond(w, r, http.StatusCreated, got)
}

func (s *Server) handleUpdateIdentity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	got, err := s.deps.Enrollment.Update(r.Context(), id, service.UpdateRequest{
		Name:       req.Name,
		Details:    req.Details,
		Credential: req.Credential,
	})
	if err != nil {
		s.serviceError(w, "update identity", err)
		return
	}
	respond(w, r, http.StatusOK, got)
}

func (s *Server) handleDeleteIdentity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Enrollment.Delete(r.Context(), id); err != nil {
		s.serviceError(w, "delete identity", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecapture(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Enrollment.Recapture(r.Context(), id); err != nil {
		s.serviceError(w, "recapture", err)
		return
	}
	got, err := s.deps.Enrollment.Get(r.Context(), id)
	if err != nil {
		s.serviceError(w, "get identity", err)
		return
	}
	respond(w, r, http.StatusOK, got)
}

// ── Admission ────────────────────────────────────────────────────────────────

func (s *Server) handleCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	s.deps.Credentials.Inject(req.Code)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleManualAdmission(w http.ResponseWriter, r *http.Request) {
	var req manualAdmissionRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	eventID, err := s.deps.Admitter.AdmitManual(r.Context(), req.IdentityID)
	if err != nil && !errors.Is(err, service.ErrNotRecorded) {
		s.serviceError(w, "manual admission", err)
		return
	}
	respond(w, r, http.StatusOK, manualAdmissionResponse{EventID: eventID, Recorded: err == nil})
}

// ── Events ───────────────────────────────────────────────────────────────────

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := types.Status(q.Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_status", "status must be pending, sent or failed")
		return
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	evs, err := s.deps.Events.List(r.Context(), status, limit)
	if err != nil {
		s.internalError(w, "list events", err)
		return
	}
	if evs == nil {
		evs = []types.AdmissionEvent{}
	}
	respond(w, r, http.StatusOK, evs)
}

func (s *Server) handleFailEvent(w http.ResponseWriter, r *http.Request) {
	s.transitionEvent(w, r, s.deps.Queue.Fail)
}

func (s *Server) handleRetryEvent(w http.ResponseWriter, r *http.Request) {
	s.transitionEvent(w, r, s.deps.Queue.Retry)
}

func (s *Server) transitionEvent(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64) error) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), id); err != nil {
		s.serviceError(w, "event transition", err)
		return
	}
	ev, err := s.deps.Events.Get(r.Context(), id)
	if err != nil {
		s.serviceError(w, "get event", err)
		return
	}
	respond(w, r, http.StatusOK, ev)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_id", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (s *Server) serviceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, store.ErrCredentialConflict):
		writeError(w, http.StatusConflict, "credential_conflict", err.Error())
	case errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, service.ErrCameraInUse):
		writeError(w, http.StatusConflict, "camera_in_use", err.Error())
	case errors.Is(err, service.ErrInCooldown):
		writeError(w, http.StatusConflict, "in_cooldown", err.Error())
	case errors.Is(err, service.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "invalid_name", err.Error())
	case errors.Is(err, service.ErrNoFace):
		writeError(w, http.StatusUnprocessableEntity, "no_face", err.Error())
	case errors.Is(err, service.ErrMultipleFaces):
		writeError(w, http.StatusUnprocessableEntity, "multiple_faces", err.Error())
	default:
		s.internalError(w, op, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", logging.Error(err))
	writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
}
