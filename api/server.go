// Package api exposes the pipeline over HTTP.
//
// Routes:
//
//	POST /collections               ingest a collection (202, 400, 503)
//	GET  /collections/{id}          result lookup (pending or complete)
//	GET  /collections/{id}/status   result plus live packet count
//	GET  /queues                    queue depths
//	GET  /stats                     metrics snapshot
//	GET  /healthz                   liveness
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/pithecene-io/sluice/log"
	"github.com/pithecene-io/sluice/metrics"
	"github.com/pithecene-io/sluice/pipeline"
	"github.com/pithecene-io/sluice/queue"
	"github.com/pithecene-io/sluice/results"
	"github.com/pithecene-io/sluice/store"
	"github.com/pithecene-io/sluice/types"
)

// DefaultMaxBodyBytes caps ingest request bodies.
const DefaultMaxBodyBytes = 8 << 20

// shutdownTimeout bounds graceful shutdown in Run.
const shutdownTimeout = 10 * time.Second

// Response status values.
const (
	StatusAccepted = "accepted"
	StatusError    = "error"
	StatusPending  = "pending"
	StatusComplete = "complete"
	StatusOK       = "ok"
)

// Response is the body of every collection endpoint.
type Response struct {
	Status       string        `json:"status"`
	CollectionID string        `json:"collectionId,omitempty"`
	Error        string        `json:"error,omitempty"`
	Result       *types.Result `json:"result,omitempty"`
}

// Config wires a Server.
type Config struct {
	// Addr is the listen address for Run, e.g. ":8080".
	Addr    string
	Ingress *pipeline.Ingress
	// Packets may be nil; status then reports zero live packets.
	Packets store.PacketStore
	Results results.Store
	// Queues are reported by GET /queues.
	Queues       []queue.Queue
	Metrics      *metrics.Collector
	Logger       *log.Logger
	MaxBodyBytes int64
}

// Server is the HTTP surface.
type Server struct {
	config Config
	router *mux.Router
	logger *log.Logger
}

// New creates a Server and registers its routes.
func New(cfg Config) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	s := &Server{config: cfg, router: mux.NewRouter(), logger: logger}
	s.router.HandleFunc("/collections", s.handleIngest).Methods(http.MethodPost)
	s.router.HandleFunc("/collections/{id}", s.handleResult).Methods(http.MethodGet)
	s.router.HandleFunc("/collections/{id}/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/queues", s.handleQueues).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Use(s.logRequests)
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on Config.Addr until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", map[string]any{"addr": s.config.Addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, Response{Status: StatusError, Error: "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, Response{Status: StatusError, Error: "read body: " + err.Error()})
		return
	}

	collectionID, err := s.config.Ingress.Ingest(r.Context(), body)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, Response{Status: StatusAccepted, CollectionID: collectionID})
	case pipeline.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, Response{Status: StatusError, Error: err.Error()})
	case pipeline.IsTransient(err):
		writeJSON(w, http.StatusServiceUnavailable, Response{Status: StatusError, CollectionID: collectionID, Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, Response{Status: StatusError, Error: err.Error()})
	}
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := types.ValidateID("collection_id", id); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Status: StatusError, Error: err.Error()})
		return
	}

	res, err := s.config.Results.Get(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, Response{Status: StatusComplete, CollectionID: id, Result: res})
	case errors.Is(err, results.ErrNotFound):
		writeJSON(w, http.StatusOK, Response{Status: StatusPending, CollectionID: id})
	default:
		s.logger.Error("result lookup failed", map[string]any{"collection_id": id, "error": err.Error()})
		writeJSON(w, http.StatusServiceUnavailable, Response{Status: StatusError, CollectionID: id, Error: err.Error()})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, err := pipeline.CollectionStatus(r.Context(), s.config.Packets, s.config.Results, id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, st)
	case pipeline.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, Response{Status: StatusError, Error: err.Error()})
	default:
		writeJSON(w, http.StatusServiceUnavailable, Response{Status: StatusError, CollectionID: id, Error: err.Error()})
	}
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	depths := make([]queue.Depth, 0, len(s.config.Queues))
	for _, q := range s.config.Queues {
		d, err := q.Depth(r.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, Response{Status: StatusError, Error: err.Error()})
			return
		}
		depths = append(depths, d)
	}
	writeJSON(w, http.StatusOK, depths)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Metrics.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": StatusOK, "version": types.Version})
}

// statusRecorder captures the response code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request", map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.code,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
