package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/dispatch"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/ingest"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/lifecycle"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/logging"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/presence"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/tracking"
)

// PingPublisher hands ride location pings to the asynchronous ingest path.
type PingPublisher interface {
	PublishPing(ctx context.Context, p ingest.LocationPing) error
}

// ReadyCheck is one dependency checked by /ready.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Deps struct {
	Lifecycle *lifecycle.Service
	Tracking  *tracking.Service
	Presence  *presence.Service
	WSReg     *dispatch.WSRegistry // optional; disables /ws routes when nil
	Pings     PingPublisher        // optional; ride locations go through it when set
	Ready     []ReadyCheck
	Logger    *slog.Logger
}

type Server struct {
	rides    *lifecycle.Service
	tracking *tracking.Service
	presence *presence.Service
	wsreg    *dispatch.WSRegistry
	pings    PingPublisher
	ready    []ReadyCheck
	logger   *slog.Logger
	mux      *mux.Router
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		rides:    d.Lifecycle,
		tracking: d.Tracking,
		presence: d.Presence,
		wsreg:    d.WSReg,
		pings:    d.Pings,
		ready:    d.Ready,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/rides/estimate", s.handleEstimate).Methods(http.MethodPost)
	api.HandleFunc("/rides", s.handleOrderRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancelRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/start", s.handleStartRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/stop-request", s.handleRequestStop).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/complete", s.handleCompleteRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/location", s.handleRideLocation).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/tracking", s.handleGetTracking).Methods(http.MethodGet)

	api.HandleFunc("/drivers/online", s.handleListOnline).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/status", s.handleDriverStatus).Methods(http.MethodPut)
	api.HandleFunc("/drivers/{id}/location", s.handleDriverLocation).Methods(http.MethodPut)

	if s.wsreg != nil {
		s.mux.HandleFunc("/ws/rides/{id}/tracking", s.handleTrackingWS).Methods(http.MethodGet)
	}

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	failed := map[string]string{}
	for _, c := range s.ready {
		if err := c.Check(r.Context()); err != nil {
			failed[c.Name] = err.Error()
			s.logger.Warn("readiness_check_failed", "dependency", c.Name, "error", err)
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
