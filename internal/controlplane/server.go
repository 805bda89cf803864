package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/skatepark/internal/log"
	"github.com/fentz26/skatepark/internal/models"
)

// Version is reported by /health. It is overridden at link time.
var Version = "0.1.0-dev"

// maxBodyBytes caps request bodies.
const maxBodyBytes = 8 << 20

// buildWriteSlack is added to the build timeout when extending the write
// deadline of a build response.
const buildWriteSlack = 30 * time.Second

// StatsProvider exposes background reconcile statistics.
type StatsProvider interface {
	GetStats() map[string]interface{}
}

// Server provides the HTTP API for skatepark.
type Server struct {
	service *Service
	addr    string
	server  *http.Server
	stats   StatsProvider
	logger  *slog.Logger
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string) *Server {
	s := &Server{
		service: service,
		addr:    addr,
		logger:  service.logger,
	}
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// SetScheduler wires the reconcile sweeper for /api/stats.
func (s *Server) SetScheduler(stats StatsProvider) {
	s.stats = stats
}

// Handler returns the routed API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)

	// Structure endpoints
	mux.HandleFunc("/api/structures", s.handleStructures)
	mux.HandleFunc("/api/structures/", s.handleStructureByID)

	// Run endpoints; structure-runs is the path children report to.
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/runs/", s.handleRunByID)
	mux.HandleFunc("/api/structure-runs/", s.handleRunByID)

	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/audit", s.handleAudit)

	return s.withRequestContext(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting skatepark", slog.String("addr", ln.Addr().String()))
	return s.server.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := log.ContextAttrs(r.Context(),
			slog.String("request_id", uuid.New().String()),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
		s.logger.DebugContext(ctx, "request")
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	Audit   string `json:"audit"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	audit := s.service.pdr.Status(ctx)
	resp := HealthResponse{
		OK:      audit == "ok" || audit == "disabled",
		Audit:   audit,
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if !resp.OK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// handleStructures handles POST /api/structures and GET /api/structures
func (s *Server) handleStructures(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.registerStructure(w, r)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string][]models.Structure{"structures": s.service.ListStructures()})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleStructureByID handles /api/structures/{id}/*
func (s *Server) handleStructureByID(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitPath(r.URL.Path, "/api/structures/")
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if id == "" {
		http.Error(w, "structure id required", http.StatusBadRequest)
		return
	}
	ctx := log.ContextAttrs(r.Context(), slog.String("structure_id", id))
	r = r.WithContext(ctx)

	switch {
	case action == "" && r.Method == http.MethodGet:
		st, err := s.service.GetStructure(id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	case action == "" && r.Method == http.MethodDelete:
		if _, err := s.service.RemoveStructure(ctx, id); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case action == "build" && r.Method == http.MethodPost:
		s.extendWriteDeadline(w, r)
		st, err := s.service.BuildStructure(ctx, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, st)
	case action == "runs" && r.Method == http.MethodPost:
		s.createRun(w, r, id)
	case action == "runs" && r.Method == http.MethodGet:
		runs, err := s.service.ListRuns(ctx, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]models.Run{"structure_runs": runs})
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// handleRuns handles GET /api/runs
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]models.Run{"structure_runs": s.service.ListAllRuns(r.Context())})
}

// handleRunByID handles /api/runs/{id}/* and its /api/structure-runs/ alias
func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	prefix := "/api/runs/"
	if strings.HasPrefix(r.URL.Path, "/api/structure-runs/") {
		prefix = "/api/structure-runs/"
	}
	id, action, ok := splitPath(r.URL.Path, prefix)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if id == "" {
		http.Error(w, "run id required", http.StatusBadRequest)
		return
	}
	ctx := log.ContextAttrs(r.Context(), slog.String("run_id", id))
	r = r.WithContext(ctx)

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.respondRun(w, r, http.StatusOK)(s.service.GetRun(ctx, id))
	case action == "" && r.Method == http.MethodPatch:
		s.patchRun(w, r, id)
	case action == "cancel" && r.Method == http.MethodPost:
		s.respondRun(w, r, http.StatusOK)(s.service.CancelRun(ctx, id))
	case action == "events" && r.Method == http.MethodPost:
		s.ingestEvents(w, r, id)
	case action == "events" && r.Method == http.MethodGet:
		events, err := s.service.ListEvents(ctx, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if events == nil {
			events = []models.Event{}
		}
		writeJSON(w, http.StatusOK, map[string][]models.Event{"events": events})
	case action == "logs" && r.Method == http.MethodGet:
		logs, err := s.service.ListLogs(ctx, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if logs == nil {
			logs = []models.Log{}
		}
		writeJSON(w, http.StatusOK, map[string][]models.Log{"logs": logs})
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats := map[string]interface{}{}
	if s.stats != nil {
		stats = s.stats.GetStats()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.service.Audit(r.Context(), r.URL.Query().Get("run_id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []models.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, map[string][]models.AuditRecord{"records": records})
}

// --- Handlers with bodies ---

func (s *Server) registerStructure(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	s.extendWriteDeadline(w, r)
	st, err := s.service.RegisterStructure(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request, structureID string) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	s.respondRun(w, r, http.StatusCreated)(s.service.CreateRun(r.Context(), structureID, req))
}

func (s *Server) patchRun(w http.ResponseWriter, r *http.Request, runID string) {
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil || patch == nil {
		http.Error(w, "invalid json: expected an object", http.StatusBadRequest)
		return
	}
	s.respondRun(w, r, http.StatusOK)(s.service.PatchRun(r.Context(), runID, patch))
}

// ingestEvents accepts a single event object or an array of them and
// answers in the same shape.
func (s *Server) ingestEvents(w http.ResponseWriter, r *http.Request, runID string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	batch := bytes.HasPrefix(bytes.TrimLeft(body, " \t\r\n"), []byte("["))
	var values []map[string]any
	if batch {
		err = json.Unmarshal(body, &values)
	} else {
		var value map[string]any
		err = json.Unmarshal(body, &value)
		values = []map[string]any{value}
	}
	if err != nil {
		http.Error(w, "invalid json: events must be objects", http.StatusBadRequest)
		return
	}

	events, err := s.service.IngestEvents(r.Context(), runID, values)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if batch {
		writeJSON(w, http.StatusCreated, events)
		return
	}
	writeJSON(w, http.StatusCreated, events[0])
}

// extendWriteDeadline lets a response that waits on a build outlive the
// server's WriteTimeout. Without a build timeout the deadline is cleared.
func (s *Server) extendWriteDeadline(w http.ResponseWriter, r *http.Request) {
	var deadline time.Time
	if t := s.service.opts.BuildTimeout; t > 0 {
		deadline = time.Now().Add(t + buildWriteSlack)
	}
	if err := http.NewResponseController(w).SetWriteDeadline(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.DebugContext(r.Context(), "write deadline not extended", slog.Any("error", err))
	}
}

// respondRun adapts a (Run, error) result into a response.
func (s *Server) respondRun(w http.ResponseWriter, r *http.Request, code int) func(models.Run, error) {
	return func(run models.Run, err error) {
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, code, run)
	}
}

// statusFor maps control plane errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotRegistered), errors.Is(err, ErrUnknownRun):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, ErrBuild), errors.Is(err, ErrLaunch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrCapacity):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", slog.Any("error", err))
	} else {
		s.logger.DebugContext(r.Context(), "request rejected", slog.Int("status", code), slog.Any("error", err))
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// splitPath returns the id and optional action following prefix. ok is
// false when the path has more segments than that.
func splitPath(path, prefix string) (id, action string, ok bool) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(path, prefix), "/"), "/")
	if len(parts) > 2 {
		return "", "", false
	}
	id = parts[0]
	if len(parts) > 1 {
		action = parts[1]
	}
	return id, action, true
}
