package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/nexus-edge/modbus-bridge/internal/db"
	"github.com/nexus-edge/modbus-bridge/internal/domain"
)

// adminListDevices returns every device row, including soft-deleted
// ones.
func (s *Server) adminListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if devices == nil {
		devices = []db.Device{}
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) adminGetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.store.GetDevice(r.Context(), mux.Vars(r)["device_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, device)
}

// createDeviceRequest distinguishes omitted fields from explicit
// zeroes so the column defaults only apply to omissions.
type createDeviceRequest struct {
	DeviceID   string   `json:"device_id"`
	Host       string   `json:"host"`
	Port       int      `json:"port"`
	SlaveID    int      `json:"slave_id"`
	Timeout    *int     `json:"timeout"`
	Framer     string   `json:"framer"`
	MaxRetries *int     `json:"max_retries"`
	RetryDelay *float64 `json:"retry_delay"`
}

func (s *Server) adminCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, domain.Validationf("invalid request body: %v", err))
		return
	}

	device := db.Device{
		DeviceID:   req.DeviceID,
		Host:       req.Host,
		Port:       req.Port,
		SlaveID:    req.SlaveID,
		Timeout:    10,
		Framer:     string(domain.FramerRTU),
		MaxRetries: 5,
		RetryDelay: 0.1,
	}
	if req.Timeout != nil {
		device.Timeout = *req.Timeout
	}
	if req.Framer != "" {
		device.Framer = req.Framer
	}
	if req.MaxRetries != nil {
		device.MaxRetries = *req.MaxRetries
	}
	if req.RetryDelay != nil {
		device.RetryDelay = *req.RetryDelay
	}

	created, err := s.store.CreateDevice(r.Context(), device)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) adminUpdateDevice(w http.ResponseWriter, r *http.Request) {
	var upd db.DeviceUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		s.writeError(w, domain.Validationf("invalid request body: %v", err))
		return
	}

	updated, err := s.store.UpdateDevice(r.Context(), mux.Vars(r)["device_id"], upd)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) adminDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteDevice(r.Context(), mux.Vars(r)["device_id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) adminActivateDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	if err := s.store.ActivateDevice(r.Context(), deviceID); err != nil {
		s.writeError(w, err)
		return
	}
	device, err := s.store.GetDevice(r.Context(), deviceID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, device)
}

// adminReloadDevices rebuilds the manager's device map from the active
// rows. Gateways no longer referenced are closed.
func (s *Server) adminReloadDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListActiveDevices(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	configs := make([]domain.DeviceConfig, 0, len(devices))
	for _, device := range devices {
		configs = append(configs, device.Config())
	}
	s.manager.Reload(configs)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"devices": len(configs),
	})
}

func (s *Server) adminListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.store.ListPollingTargets(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if targets == nil {
		targets = []db.PollingTarget{}
	}
	s.writeJSON(w, http.StatusOK, targets)
}

func (s *Server) adminListActiveTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.store.ListActivePollingTargets(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if targets == nil {
		targets = []db.PollingTarget{}
	}
	s.writeJSON(w, http.StatusOK, targets)
}

func (s *Server) adminListDeviceTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.store.ListPollingTargetsByDevice(r.Context(), mux.Vars(r)["device_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if targets == nil {
		targets = []db.PollingTarget{}
	}
	s.writeJSON(w, http.StatusOK, targets)
}

func (s *Server) adminGetTarget(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	target, err := s.store.GetPollingTarget(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, target)
}

// createTargetRequest distinguishes an omitted count (defaults to 1)
// from an explicit zero (rejected).
type createTargetRequest struct {
	DeviceID     string `json:"device_id"`
	RegisterType string `json:"register_type"`
	Address      int    `json:"address"`
	Count        *int   `json:"count"`
	Description  string `json:"description"`
}

func (s *Server) adminCreateTarget(w http.ResponseWriter, r *http.Request) {
	var req createTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, domain.Validationf("invalid request body: %v", err))
		return
	}

	target := db.PollingTarget{
		DeviceID:     req.DeviceID,
		RegisterType: req.RegisterType,
		Address:      req.Address,
		Count:        1,
		Description:  req.Description,
	}
	if req.Count != nil {
		target.Count = *req.Count
	}

	created, err := s.store.CreatePollingTarget(r.Context(), target)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) adminUpdateTarget(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)

	var upd db.PollingTargetUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		s.writeError(w, domain.Validationf("invalid request body: %v", err))
		return
	}

	updated, err := s.store.UpdatePollingTarget(r.Context(), id, upd)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) adminDeleteTarget(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err := s.store.DeletePollingTarget(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) adminActivateTarget(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err := s.store.ActivatePollingTarget(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	target, err := s.store.GetPollingTarget(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, target)
}

// cacheEntries returns every stored cache entry, including expired
// ones not yet evicted.
func (s *Server) cacheEntries(w http.ResponseWriter, r *http.Request) {
	entries := s.cache.Entries()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) cacheDeviceEntries(w http.ResponseWriter, r *http.Request) {
	entries := s.cache.DeviceEntries(mux.Vars(r)["device_id"])
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) cacheStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cache.Stats())
}

func (s *Server) cacheClear(w http.ResponseWriter, r *http.Request) {
	s.cache.Clear()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// getMetrics serves the in-memory counter snapshot.
func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.collector.Snapshot())
}

// resetMetrics zeroes every counter.
func (s *Server) resetMetrics(w http.ResponseWriter, r *http.Request) {
	s.collector.Reset()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
