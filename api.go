package privaxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// Server is the admin API surface. It routes requests to the configuration
// pipeline, the shared stores, the telemetry broadcasters, and the CA
// download endpoint.
//
// The intended caller is the local companion UI, so cross-origin access is
// unrestricted: any origin, the four mutation-relevant methods, and a
// minimal header allow-list.
type Server struct {
	// Manager is the configuration mutation pipeline.
	Manager *ConfigurationManager

	// Blocking is the shared blocking toggle.
	Blocking *BlockingStore

	// Events and Statistics are the two telemetry topics.
	Events     *Broadcaster[Event]
	Statistics *Broadcaster[Statistics]

	// CACertificatePEM is served by the certificate download endpoint.
	CACertificatePEM []byte

	// Logger for API events.
	Logger *slog.Logger

	// Metrics for the /metrics endpoint and request accounting. Optional.
	Metrics *Metrics

	router chi.Router
}

// NewServer creates a Server wired to the given components and builds its
// routes.
func NewServer(manager *ConfigurationManager, blocking *BlockingStore, events *Broadcaster[Event], statistics *Broadcaster[Statistics], caCertificatePEM []byte) *Server {
	s := &Server{
		Manager:          manager,
		Blocking:         blocking,
		Events:           events,
		Statistics:       statistics,
		CACertificatePEM: caCertificatePEM,
		Logger:           slog.Default(),
	}
	s.buildRouter()
	return s
}

func (s *Server) buildRouter() {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "Content-Length", "Date"},
	}))

	r.Get("/events", s.handleEvents)
	r.Get("/statistics", s.handleStatistics)

	r.Get("/filters", s.handleGetFilters)
	r.Put("/filters", s.handleChangeFilterStatus)
	r.Post("/filters", s.handleAddFilter)
	r.Delete("/filters", s.handleDeleteFilter)

	r.Get("/custom-filters", s.handleGetCustomFilters)
	r.Put("/custom-filters", s.handlePutCustomFilters)

	r.Get("/exclusions", s.handleGetExclusions)
	r.Put("/exclusions", s.handlePutExclusions)

	r.Get("/blocking-enabled", s.handleGetBlockingEnabled)
	r.Put("/blocking-enabled", s.handlePutBlockingEnabled)

	r.Get("/privaxy_ca_certificate.pem", s.handleCACertificate)

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if s.Metrics == nil {
			http.NotFound(w, r)
			return
		}
		s.Metrics.Handler().ServeHTTP(w, r)
	})

	// CORS preflight for any path.
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.router = r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// --------------------------------------------------------------------------
// Request/response types
// --------------------------------------------------------------------------

// AddFilterRequest is the body for POST /filters and DELETE /filters. For
// deletion only the source URL is consulted.
type AddFilterRequest struct {
	Name      string `json:"name"`
	Group     string `json:"group"`
	SourceURL string `json:"source_url"`
}

// FilterStatusRequest is the body for PUT /filters. The identifier is the
// filter's source URL.
type FilterStatusRequest struct {
	Identifier string `json:"identifier"`
	Enabled    bool   `json:"enabled"`
}

// CustomFiltersBody is the body for GET/PUT /custom-filters.
type CustomFiltersBody struct {
	Text string `json:"text"`
}

// ExclusionsBody is the body for GET/PUT /exclusions.
type ExclusionsBody struct {
	Entries []string `json:"entries"`
}

// BlockingEnabledBody is the body for GET/PUT /blocking-enabled.
type BlockingEnabledBody struct {
	Enabled bool `json:"enabled"`
}

// ErrorResponse is the uniform error envelope for every failure.
type ErrorResponse struct {
	Error string `json:"error"`
}

// --------------------------------------------------------------------------
// Filter handlers
// --------------------------------------------------------------------------

func (s *Server) handleGetFilters(w http.ResponseWriter, _ *http.Request) {
	cfg := s.Manager.Snapshot()
	s.writeJSON(w, http.StatusOK, cfg.Filters)
}

func (s *Server) handleAddFilter(w http.ResponseWriter, r *http.Request) {
	var req AddFilterRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	// The mutation runs to completion even if the client goes away:
	// a partial, unobservable state change would be worse than finishing.
	err := s.Manager.AddFilter(withoutCancel(r), req.Name, FilterGroup(req.Group), req.SourceURL)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.Logger.Info("filter added", "title", req.Name, "url", req.SourceURL)
	cfg := s.Manager.Snapshot()
	s.writeJSON(w, http.StatusCreated, cfg.Filters)
}

func (s *Server) handleDeleteFilter(w http.ResponseWriter, r *http.Request) {
	var req AddFilterRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	if err := s.Manager.DeleteFilter(req.SourceURL); err != nil {
		s.writeError(w, err)
		return
	}

	s.Logger.Info("filter removed", "url", req.SourceURL)
	cfg := s.Manager.Snapshot()
	s.writeJSON(w, http.StatusOK, cfg.Filters)
}

func (s *Server) handleChangeFilterStatus(w http.ResponseWriter, r *http.Request) {
	var req FilterStatusRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	if err := s.Manager.SetFilterEnabled(req.Identifier, req.Enabled); err != nil {
		s.writeError(w, err)
		return
	}

	cfg := s.Manager.Snapshot()
	s.writeJSON(w, http.StatusOK, cfg.Filters)
}

// --------------------------------------------------------------------------
// Custom filters, exclusions, blocking toggle
// --------------------------------------------------------------------------

func (s *Server) handleGetCustomFilters(w http.ResponseWriter, _ *http.Request) {
	cfg := s.Manager.Snapshot()
	s.writeJSON(w, http.StatusOK, CustomFiltersBody{Text: cfg.CustomFilters})
}

func (s *Server) handlePutCustomFilters(w http.ResponseWriter, r *http.Request) {
	var req CustomFiltersBody
	if !s.decodeJSON(w, r, &req) {
		return
	}

	if err := s.Manager.SetCustomFilters(req.Text); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, CustomFiltersBody{Text: req.Text})
}

func (s *Server) handleGetExclusions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, ExclusionsBody{Entries: s.Manager.Exclusions().Get()})
}

func (s *Server) handlePutExclusions(w http.ResponseWriter, r *http.Request) {
	var req ExclusionsBody
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Entries == nil {
		req.Entries = []string{}
	}

	if err := s.Manager.SetExclusions(req.Entries); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, ExclusionsBody{Entries: req.Entries})
}

func (s *Server) handleGetBlockingEnabled(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, BlockingEnabledBody{Enabled: s.Blocking.Enabled()})
}

func (s *Server) handlePutBlockingEnabled(w http.ResponseWriter, r *http.Request) {
	var req BlockingEnabledBody
	if !s.decodeJSON(w, r, &req) {
		return
	}

	s.Blocking.SetEnabled(req.Enabled)
	s.Logger.Info("blocking toggled", "enabled", req.Enabled)
	s.writeJSON(w, http.StatusOK, BlockingEnabledBody{Enabled: req.Enabled})
}

// --------------------------------------------------------------------------
// CA certificate
// --------------------------------------------------------------------------

func (s *Server) handleCACertificate(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", "attachment; filename=privaxy_ca_certificate.pem;")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.CACertificatePEM)
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// decodeJSON decodes the request body into v, answering 400 on malformed
// input. Returns false when the request has already been answered.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

// writeError maps pipeline errors onto the uniform error envelope.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		fetchErr   *UpstreamFetchError
		persistErr *PersistenceError
	)

	// Unrecognized errors are internal failures, not the client's fault.
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidFilter):
		status = http.StatusBadRequest
	case errors.Is(err, ErrFilterExists):
		status = http.StatusConflict
	case errors.Is(err, ErrFilterNotFound):
		status = http.StatusNotFound
	case errors.As(err, &fetchErr):
		status = http.StatusBadGateway
	case errors.As(err, &persistErr):
		status = http.StatusInternalServerError
	}

	if status >= http.StatusInternalServerError {
		s.Logger.Error("mutation failed", "error", err)
	}
	s.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Error("api write error", "error", err)
	}
}

// withoutCancel detaches the mutation from the client's request context so
// a disconnect cannot abandon a half-done lock/persist/notify sequence.
func withoutCancel(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}
