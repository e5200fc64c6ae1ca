package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/nexus-edge/modbus-bridge/internal/domain"
	"github.com/nexus-edge/modbus-bridge/internal/service"
)

// deviceSummary is one entry of GET /api/devices.
type deviceSummary struct {
	DeviceID string `json:"device_id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	SlaveID  int    `json:"slave_id"`
	Framer   string `json:"framer"`
	Gateway  string `json:"gateway"`
}

// listDevices returns the active devices known to the manager.
func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	configs := s.manager.Devices()
	out := make([]deviceSummary, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, deviceSummary{
			DeviceID: cfg.DeviceID,
			Host:     cfg.Host,
			Port:     cfg.Port,
			SlaveID:  cfg.SlaveID,
			Framer:   string(cfg.Framer),
			Gateway:  cfg.GatewayKey().String(),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// listGateways returns all live gateways with their breaker state.
func (s *Server) listGateways(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.GatewayStatus())
}

// readRegisters serves GET /{device_id}/registers.
func (s *Server) readRegisters(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	query := r.URL.Query()

	address, err := queryInt(query.Get("address"), -1)
	if err != nil {
		s.writeError(w, domain.Validationf("address must be an integer"))
		return
	}
	count, err := queryInt(query.Get("count"), 1)
	if err != nil {
		s.writeError(w, domain.Validationf("count must be an integer"))
		return
	}

	registerType := domain.RegisterHolding
	if raw := query.Get("register_type"); raw != "" {
		registerType, err = domain.ParseRegisterType(raw)
		if err != nil {
			s.writeError(w, err)
			return
		}
	}

	source, err := service.ParseSource(query.Get("source"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.pipeline.Read(r.Context(), deviceID, registerType, address, count, source)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// writeRegisterRequest is the body of POST /registers/write.
type writeRegisterRequest struct {
	Address      *int   `json:"address"`
	Value        *int   `json:"value"`
	RegisterType string `json:"register_type"`
}

// writeRegister serves POST /{device_id}/registers/write.
func (s *Server) writeRegister(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]

	var req writeRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, domain.Validationf("invalid request body: %v", err))
		return
	}
	if req.Address == nil {
		s.writeError(w, domain.Validationf("address is required"))
		return
	}
	if req.Value == nil {
		s.writeError(w, domain.Validationf("value is required"))
		return
	}

	registerType := domain.RegisterHolding
	if req.RegisterType != "" {
		var err error
		registerType, err = domain.ParseRegisterType(req.RegisterType)
		if err != nil {
			s.writeError(w, err)
			return
		}
	}

	result, err := s.pipeline.Write(r.Context(), deviceID, registerType, *req.Address, *req.Value)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// queryInt parses an integer query parameter with a default for the
// empty string.
func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
