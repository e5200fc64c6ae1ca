// Package api provides the HTTP surface of the Modbus Bridge.
package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/modbus-bridge/internal/adapter/modbus"
	"github.com/nexus-edge/modbus-bridge/internal/cache"
	"github.com/nexus-edge/modbus-bridge/internal/db"
	"github.com/nexus-edge/modbus-bridge/internal/domain"
	"github.com/nexus-edge/modbus-bridge/internal/health"
	"github.com/nexus-edge/modbus-bridge/internal/metrics"
	"github.com/nexus-edge/modbus-bridge/internal/service"
)

// Server wires the HTTP handlers to the runtime components.
type Server struct {
	pipeline  *service.Pipeline
	manager   *modbus.Manager
	store     *db.Store
	cache     *cache.RegisterCache
	collector *metrics.Collector
	registry  *metrics.Registry
	health    *health.HealthChecker
	logger    zerolog.Logger
	router    *mux.Router
}

// NewServer creates the server and registers all routes.
func NewServer(
	pipeline *service.Pipeline,
	manager *modbus.Manager,
	store *db.Store,
	registerCache *cache.RegisterCache,
	collector *metrics.Collector,
	registry *metrics.Registry,
	healthChecker *health.HealthChecker,
	logger zerolog.Logger,
) *Server {
	s := &Server{
		pipeline:  pipeline,
		manager:   manager,
		store:     store,
		cache:     registerCache,
		collector: collector,
		registry:  registry,
		health:    healthChecker,
		logger:    logger.With().Str("component", "api").Logger(),
		router:    mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.health.Handler).Methods(http.MethodGet)
	if s.registry != nil {
		s.router.Handle("/metrics",
			promhttp.HandlerFor(s.registry.Gatherer(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	s.router.HandleFunc("/api/metrics", s.getMetrics).Methods(http.MethodGet)
	s.router.HandleFunc("/api/metrics/reset", s.resetMetrics).Methods(http.MethodPost)

	// Device data plane.
	devices := s.router.PathPrefix("/api/devices").Subrouter()
	devices.HandleFunc("", s.listDevices).Methods(http.MethodGet)
	devices.HandleFunc("/gateways", s.listGateways).Methods(http.MethodGet)
	devices.HandleFunc("/{device_id}/registers", s.readRegisters).Methods(http.MethodGet)
	devices.HandleFunc("/{device_id}/registers/write", s.writeRegister).Methods(http.MethodPost)

	// Admin: device configuration.
	adminDevices := s.router.PathPrefix("/api/admin/devices").Subrouter()
	adminDevices.HandleFunc("", s.adminListDevices).Methods(http.MethodGet)
	adminDevices.HandleFunc("", s.adminCreateDevice).Methods(http.MethodPost)
	adminDevices.HandleFunc("/reload", s.adminReloadDevices).Methods(http.MethodPost)
	adminDevices.HandleFunc("/{device_id}", s.adminGetDevice).Methods(http.MethodGet)
	adminDevices.HandleFunc("/{device_id}", s.adminUpdateDevice).Methods(http.MethodPut)
	adminDevices.HandleFunc("/{device_id}", s.adminDeleteDevice).Methods(http.MethodDelete)
	adminDevices.HandleFunc("/{device_id}/activate", s.adminActivateDevice).Methods(http.MethodPost)

	// Admin: polling targets.
	adminPolling := s.router.PathPrefix("/api/admin/polling").Subrouter()
	adminPolling.HandleFunc("", s.adminListTargets).Methods(http.MethodGet)
	adminPolling.HandleFunc("", s.adminCreateTarget).Methods(http.MethodPost)
	adminPolling.HandleFunc("/active", s.adminListActiveTargets).Methods(http.MethodGet)
	adminPolling.HandleFunc("/device/{device_id}", s.adminListDeviceTargets).Methods(http.MethodGet)
	adminPolling.HandleFunc("/{id:[0-9]+}", s.adminGetTarget).Methods(http.MethodGet)
	adminPolling.HandleFunc("/{id:[0-9]+}", s.adminUpdateTarget).Methods(http.MethodPut)
	adminPolling.HandleFunc("/{id:[0-9]+}", s.adminDeleteTarget).Methods(http.MethodDelete)
	adminPolling.HandleFunc("/{id:[0-9]+}/activate", s.adminActivateTarget).Methods(http.MethodPost)

	// Admin: cache inspection.
	adminCache := s.router.PathPrefix("/api/admin/cache").Subrouter()
	adminCache.HandleFunc("", s.cacheEntries).Methods(http.MethodGet)
	adminCache.HandleFunc("", s.cacheClear).Methods(http.MethodDelete)
	adminCache.HandleFunc("/stats", s.cacheStats).Methods(http.MethodGet)
	adminCache.HandleFunc("/device/{device_id}", s.cacheDeviceEntries).Methods(http.MethodGet)
}

// errorBody is the uniform error response shape.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
	Code   *int   `json:"code,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			s.logger.Error().Err(err).Msg("Failed to encode response")
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		s.logger.Error().Err(err).Msg("Unclassified error")
		s.writeJSON(w, http.StatusInternalServerError, errorBody{
			Error:  "InternalError",
			Detail: "internal server error",
		})
		return
	}

	body := errorBody{
		Error:  string(de.Kind),
		Detail: de.Detail,
	}
	if de.ExceptionCode != 0 {
		code := int(de.ExceptionCode)
		body.Code = &code
	}
	if de.RetryAfter > 0 {
		w.Header().Set("Retry-After",
			strconv.Itoa(int(math.Ceil(de.RetryAfter.Seconds()))))
	}

	s.writeJSON(w, de.HTTPStatus(), body)
}
