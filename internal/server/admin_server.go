package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/devrev/pairdb/objectnode/internal/errors"
	"github.com/devrev/pairdb/objectnode/internal/health"
	"github.com/devrev/pairdb/objectnode/internal/metrics"
	"github.com/devrev/pairdb/objectnode/internal/model"
	"github.com/devrev/pairdb/objectnode/internal/storage/containerdb"
	"github.com/devrev/pairdb/objectnode/internal/storage/objectstore"
	"github.com/devrev/pairdb/objectnode/internal/store"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// AdminServer serves metrics, probes and read-only inspection of the node
type AdminServer struct {
	router     *mux.Router
	httpServer *http.Server
	objects    map[string]*objectstore.Store
	containers map[string]*containerdb.Store
	accounts   store.AccountStore
	health     *health.HealthChecker
	metrics    *metrics.Metrics
	clock      func() model.Timestamp
	logger     *zap.Logger
}

// AdminServerConfig holds configuration for the admin server
type AdminServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewAdminServer creates the admin server. accounts and checker may be nil.
func NewAdminServer(cfg AdminServerConfig, objects []*objectstore.Store, containers []*containerdb.Store,
	accounts store.AccountStore, checker *health.HealthChecker, m *metrics.Metrics, logger *zap.Logger) *AdminServer {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	s := &AdminServer{
		router:     mux.NewRouter(),
		objects:    make(map[string]*objectstore.Store, len(objects)),
		containers: make(map[string]*containerdb.Store, len(containers)),
		accounts:   accounts,
		health:     checker,
		metrics:    m,
		clock:      model.Now,
		logger:     logger,
	}
	for _, st := range objects {
		s.objects[st.Device()] = st
	}
	for _, st := range containers {
		s.containers[st.Device()] = st
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	s.setupRoutes()
	return s
}

func (s *AdminServer) setupRoutes() {
	s.router.Use(s.recovery)

	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.readyHandler).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/devices/{device}/partitions/{partition:[0-9]+}/hashes", s.partitionHashes).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{account}", s.getAccount).Methods(http.MethodGet)
	v1.HandleFunc("/containers/{account}/{container}", s.getContainer).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, errors.NotFound("endpoint "+r.URL.Path))
	})
}

// Handler returns the router
func (s *AdminServer) Handler() http.Handler {
	return s.router
}

// SetClock replaces the clock used for listing aggregates.
func (s *AdminServer) SetClock(clock func() model.Timestamp) {
	s.clock = clock
}

// Start starts the admin server in the background
func (s *AdminServer) Start() error {
	s.logger.Info("Starting admin server", zap.String("addr", s.httpServer.Addr))

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown gracefully stops the admin server
func (s *AdminServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping admin server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown failed: %w", err)
	}
	return nil
}

func (s *AdminServer) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("Panic in admin handler",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path))
				s.writeError(w, errors.InternalError("internal server error", nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *AdminServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := model.NodeStatusHealthy
	if s.health != nil {
		status = s.health.Status()
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *AdminServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"ready": true})
		return
	}
	code := http.StatusOK
	ready := s.health.IsReady()
	if !ready {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]interface{}{
		"ready":  ready,
		"status": s.health.Status(),
		"checks": s.health.GetChecks(),
	})
}

// partitionHashes returns the suffix digests of one partition. The tier query
// parameter selects "object" (default) or "container".
func (s *AdminServer) partitionHashes(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	device := vars["device"]
	partition, err := strconv.Atoi(vars["partition"])
	if err != nil {
		s.writeError(w, errors.InvalidArgument("invalid partition", err))
		return
	}

	var digests map[string]string
	switch tier := r.URL.Query().Get("tier"); tier {
	case "", "object":
		st, ok := s.objects[device]
		if !ok {
			s.writeError(w, errors.NotFound("device "+device))
			return
		}
		digests, err = st.Index().Digests(r.Context(), partition)
	case "container":
		st, ok := s.containers[device]
		if !ok {
			s.writeError(w, errors.NotFound("device "+device))
			return
		}
		digests, err = st.Index().Digests(r.Context(), partition)
	default:
		s.writeError(w, errors.InvalidArgument("unknown tier "+tier, nil))
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"device":    device,
		"partition": partition,
		"hashes":    digests,
	})
}

func (s *AdminServer) getAccount(w http.ResponseWriter, r *http.Request) {
	if s.accounts == nil {
		s.writeError(w, errors.NotFound("account tier"))
		return
	}
	agg, err := s.accounts.GetAggregate(r.Context(), mux.Vars(r)["account"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, agg)
}

type containerReplica struct {
	Device  string                        `json:"device"`
	Stats   model.ContainerStats          `json:"stats"`
	Report  model.ReportState             `json:"report"`
	Listing []model.ContainerListingEntry `json:"listing,omitempty"`
}

// getContainer returns the aggregate and report state of every local replica
// of a container. A positive limit query parameter includes the listing.
func (s *AdminServer) getContainer(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ref := model.ContainerRef{Account: vars["account"], Container: vars["container"]}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	now := s.clock()

	replicas := []containerReplica{}
	for device, st := range s.containers {
		stats, err := st.Aggregate(ref, now)
		if errors.IsNotFound(err) {
			continue
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		report, err := st.ReportState(ref)
		if err != nil {
			s.writeError(w, err)
			return
		}
		rep := containerReplica{Device: device, Stats: stats, Report: report}
		if limit > 0 {
			rep.Listing, err = st.List(ref, containerdb.ListOptions{
				Marker: r.URL.Query().Get("marker"),
				Prefix: r.URL.Query().Get("prefix"),
				Limit:  limit,
				Now:    now,
			})
			if err != nil {
				s.writeError(w, err)
				return
			}
		}
		replicas = append(replicas, rep)
	}
	if len(replicas) == 0 {
		s.writeError(w, errors.NotFound("container "+ref.Path()))
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account":   ref.Account,
		"container": ref.Container,
		"replicas":  replicas,
	})
}

func (s *AdminServer) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch errors.GetCode(err) {
	case errors.ErrCodeInvalidArgument:
		code = http.StatusBadRequest
	case errors.ErrCodeNotFound:
		code = http.StatusNotFound
	case errors.ErrCodeAccountUnreachable, errors.ErrCodePeerUnavailable:
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("Admin request failed", zap.Error(err))
	}
	s.writeJSON(w, code, map[string]interface{}{
		"error": err.Error(),
		"code":  errors.GetCode(err),
	})
}

func (s *AdminServer) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}
