package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/coderelay/internal/agents"
	"github.com/fentz26/coderelay/internal/models"
)

// Version is set at build time via -ldflags.
var Version = "0.1.0"

// UploadStats reports the state of the background upload pool.
type UploadStats interface {
	Stats() map[string]interface{}
}

// Server provides the HTTP API for coderelay.
type Server struct {
	service *Service
	uploads UploadStats
	addr    string
	server  *http.Server
	logger  *slog.Logger
}

// NewServer creates a new HTTP server. writeTimeout must cover a whole
// generation run; zero disables it.
func NewServer(service *Service, addr string, writeTimeout time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		service: service,
		addr:    addr,
		logger:  logger,
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      writeTimeout,
	}
	return s
}

// SetUploads exposes upload pool counters on /uploads.
func (s *Server) SetUploads(u UploadStats) {
	s.uploads = u
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/health", s.handleHealth)

	// Code endpoints
	mux.HandleFunc("/code/prompt", s.codeHandler(promptProfile))
	mux.HandleFunc("/code/files", s.codeHandler(filesProfile))
	mux.HandleFunc("/code/generate", s.codeHandler(generateProfile))

	// Run history
	mux.HandleFunc("/runs", s.handleRuns)
	mux.HandleFunc("/runs/", s.handleRunByID)
	mux.HandleFunc("/uploads", s.handleUploads)

	return s.logRequests(mux)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting coderelay server", slog.String("addr", ln.Addr().String()))
	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// --- Responses ---

// CodeResponse is the body of a finished code request.
type CodeResponse struct {
	RunID           string   `json:"runId"`
	Response        string   `json:"response"`
	Status          string   `json:"status"`
	Directory       string   `json:"directory"`
	FilesProcessed  []string `json:"filesProcessed"`
	ModelUsed       string   `json:"modelUsed"`
	OutputDirectory string   `json:"outputDirectory"`
	Archived        bool     `json:"archived"`
	ArchivePath     string   `json:"archivePath,omitempty"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error  string `json:"error"`
	Status string `json:"status"`
	RunID  string `json:"runId,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool          `json:"ok"`
	DB      string        `json:"db"`
	Agent   *agents.Agent `json:"agent,omitempty"`
	Version string        `json:"version"`
	Time    string        `json:"time"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error, runID string) {
	writeJSON(w, statusFor(err), ErrorResponse{
		Error:  err.Error(),
		Status: "error",
		RunID:  runID,
	})
}

// --- Handlers ---

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, ErrNotFound, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "coderelay API is running",
		"version": Version,
		"endpoints": map[string]string{
			"/health":              "GET - Service health",
			"/code/prompt":         "POST - Run an instruction against the agent in a workspace",
			"/code/files":          "POST - Upload files and let the agent implement them in architect mode",
			"/code/generate":       "POST - Generate code from context, instruction and a code template",
			"/runs":                "GET - List runs, filter with ?status=",
			"/runs/{id}":           "GET - Show one run",
			"/runs/{id}/decisions": "GET - Audit trail of one run",
			"/uploads":             "GET - Archive upload pool counters",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, ErrMethodNotAllowed, "")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if err := s.service.Ping(ctx); err != nil {
		resp.OK = false
		resp.DB = "error: " + err.Error()
		status = http.StatusServiceUnavailable
	}
	resp.Agent = s.service.Agent(ctx)

	writeJSON(w, status, resp)
}

func (s *Server) codeHandler(profile endpointProfile) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, ErrMethodNotAllowed, "")
			return
		}

		p, err := parseCodeRequest(r, profile)
		if err != nil {
			writeError(w, err, "")
			return
		}
		defer p.cleanup()

		res, err := s.service.Generate(r.Context(), profile.path, p.Request)
		runID := ""
		if res != nil && res.Run != nil {
			runID = res.Run.ID
		}
		if err != nil {
			writeError(w, err, runID)
			return
		}

		files := p.Files
		if files == nil {
			files = []string{}
		}
		out := res.Outcome
		writeJSON(w, profile.successStatus, CodeResponse{
			RunID:           runID,
			Response:        out.Generation.RawOutput,
			Status:          "success",
			Directory:       out.Directory,
			FilesProcessed:  files,
			ModelUsed:       out.Model,
			OutputDirectory: out.OutputDirectory,
			Archived:        out.Archived,
			ArchivePath:     out.ArchivePath,
		})
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, ErrMethodNotAllowed, "")
		return
	}

	q := r.URL.Query()
	status := q.Get("status")
	switch models.RunStatus(status) {
	case "", models.RunStatusRunning, models.RunStatusSucceeded, models.RunStatusFailed:
	default:
		writeError(w, &RequestError{Field: "status", Message: "unknown run status " + strconv.Quote(status)}, "")
		return
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, &RequestError{Field: "limit", Message: "must be a non-negative integer"}, "")
			return
		}
		limit = n
	}

	runs, err := s.service.ListRuns(status, limit)
	if err != nil {
		writeError(w, err, "")
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, ErrMethodNotAllowed, "")
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/runs/"), "/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, ErrNotFound, "")
		return
	}

	switch sub {
	case "":
	case "decisions":
		entries, err := s.service.Decisions(id)
		if err != nil {
			writeError(w, err, "")
			return
		}
		if entries == nil {
			entries = []models.PDREntry{}
		}
		writeJSON(w, http.StatusOK, entries)
		return
	default:
		writeError(w, ErrNotFound, "")
		return
	}

	run, err := s.service.GetRun(id)
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleUploads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, ErrMethodNotAllowed, "")
		return
	}
	if s.uploads == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"uploader": "none"})
		return
	}
	writeJSON(w, http.StatusOK, s.uploads.Stats())
}

// --- Middleware ---

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", time.Since(start)))
	})
}
