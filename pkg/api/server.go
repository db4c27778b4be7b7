package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/reliefmesh/reliefmesh/pkg/engine"
	"github.com/reliefmesh/reliefmesh/pkg/pipeline"
	"github.com/reliefmesh/reliefmesh/pkg/stores"
	"github.com/reliefmesh/reliefmesh/pkg/telemetry"
)

// Options configures the intake server.
type Options struct {
	// ListenAddress is the host:port to bind.
	ListenAddress string

	// MaxBodyBytes caps the accepted request body size. Zero means 1 MiB.
	MaxBodyBytes int64
}

// Server is the HTTP intake surface. It accepts rescue request submissions,
// serves aggregate status reads, and reports store health.
type Server struct {
	router *engine.Router
	store  stores.Store
	logger *telemetry.Logger
	tel    *telemetry.Telemetry

	listenAddress string
	maxBodyBytes  int64
}

// NewServer creates the intake server. Submissions are handed to the router;
// reads go straight to the store.
func NewServer(router *engine.Router, store stores.Store, tel *telemetry.Telemetry, opts Options) *Server {
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Server{
		router:        router,
		store:         store,
		logger:        tel.Logger.NewComponentLogger("api"),
		tel:           tel,
		listenAddress: opts.ListenAddress,
		maxBodyBytes:  maxBody,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/requests", s.handleSubmit)
	mux.HandleFunc("GET /v1/requests/{id}", s.handleGetRequest)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Run serves until the context is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	s.logger.WithField("address", s.listenAddress).Info("Intake server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// submitResponse acknowledges an accepted submission. Processing continues
// asynchronously; the id is the handle for status polls.
type submitResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
	Class string `json:"class,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var sub pipeline.IntakeSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		s.logger.WithError(err).Warn("Rejected unreadable submission body")
		writeError(w, http.StatusBadRequest, "request body is not valid JSON", pipeline.ErrorClassValidation)
		return
	}

	req, err := s.router.Submit(r.Context(), &sub)
	if err != nil {
		if pipeline.IsValidation(err) {
			writeError(w, http.StatusBadRequest, err.Error(), pipeline.ErrorClassValidation)
			return
		}
		s.logger.WithError(err).Error("Submission failed")
		class, _ := pipeline.ClassOf(err)
		writeError(w, http.StatusInternalServerError, "submission could not be recorded", class)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		RequestID: req.RequestID,
		Status:    string(req.Status),
	})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("id")

	view, err := engine.BuildRequestView(r.Context(), s.store, requestID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no request with id "+requestID, "")
			return
		}
		s.logger.WithError(err).WithRequestID(requestID).Error("Status read failed")
		writeError(w, http.StatusInternalServerError, "status read failed", "")
		return
	}

	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(r.Context()); err != nil {
		s.logger.WithError(err).Error("Health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string, class pipeline.ErrorClass) {
	writeJSON(w, status, errorResponse{Error: message, Class: string(class)})
}
