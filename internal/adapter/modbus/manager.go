package modbus

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	gomodbus "github.com/goburrow/modbus"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/modbus-bridge/internal/domain"
	"github.com/nexus-edge/modbus-bridge/internal/metrics"
)

// Manager routes logical device operations onto the shared physical
// gateways. It owns the device map and the gateway map. The device map
// is only replaced wholesale by Reload, so readers work on a consistent
// snapshot for the duration of a call; gateways are added to their map
// lazily on first use and removed from it by Reload and Close.
type Manager struct {
	breakerCfg BreakerConfig
	logger     zerolog.Logger
	collector  *metrics.Collector

	mu       sync.RWMutex
	devices  map[string]domain.DeviceConfig
	gateways map[domain.GatewayKey]*Gateway
	closed   bool

	// linkFactory overrides gateway link construction in tests.
	linkFactory func(framer domain.Framer, address string, timeout time.Duration) link
}

// NewManager creates a manager with the given device set. Gateways are
// created lazily on first use.
func NewManager(configs []domain.DeviceConfig, breakerCfg BreakerConfig, logger zerolog.Logger, collector *metrics.Collector) *Manager {
	m := &Manager{
		breakerCfg: breakerCfg,
		logger:     logger.With().Str("component", "modbus-manager").Logger(),
		collector:  collector,
		devices:    make(map[string]domain.DeviceConfig, len(configs)),
		gateways:   make(map[domain.GatewayKey]*Gateway),
	}
	for _, cfg := range configs {
		m.devices[cfg.DeviceID] = cfg
	}
	return m
}

// opResult carries the outcome of a breaker-wrapped operation. Device
// errors ride inside the result: the device answered, so they must not
// count as a breaker failure.
type opResult struct {
	values []int
	err    *domain.Error
}

// Read resolves the device, serializes on its gateway and executes the
// read with the documented retry policy. Bit registers return 0/1.
func (m *Manager) Read(ctx context.Context, deviceID string, registerType domain.RegisterType, address, count int) ([]int, error) {
	if err := domain.ValidateRead(registerType, address, count); err != nil {
		return nil, err
	}

	cfg, gw, err := m.route(deviceID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := gw.execute(func() (interface{}, error) {
		values, opErr := m.attempt(ctx, cfg, gw, func() ([]int, error) {
			return gw.read(byte(cfg.SlaveID), registerType, address, count, cfg.Timeout)
		})
		if opErr != nil && errors.Is(opErr, domain.ErrTransport) {
			return nil, opErr
		}
		return opResult{values: values, err: opErr}, nil
	})

	if err != nil {
		m.record(false, start, false)
		return nil, err
	}
	res := result.(opResult)
	if res.err != nil {
		m.record(false, start, false)
		return nil, res.err
	}

	m.record(true, start, false)
	return res.values, nil
}

// Write resolves the device and executes a single-register or
// single-coil write under the same policy as Read.
func (m *Manager) Write(ctx context.Context, deviceID string, registerType domain.RegisterType, address, value int) error {
	if err := domain.ValidateWrite(registerType, address, value); err != nil {
		return err
	}

	cfg, gw, err := m.route(deviceID)
	if err != nil {
		return err
	}

	start := time.Now()
	result, err := gw.execute(func() (interface{}, error) {
		_, opErr := m.attempt(ctx, cfg, gw, func() ([]int, error) {
			return nil, gw.write(byte(cfg.SlaveID), registerType, address, value, cfg.Timeout)
		})
		if opErr != nil && errors.Is(opErr, domain.ErrTransport) {
			return nil, opErr
		}
		return opResult{err: opErr}, nil
	})

	if err != nil {
		m.record(false, start, true)
		return err
	}
	if res := result.(opResult); res.err != nil {
		m.record(false, start, true)
		return res.err
	}

	m.record(true, start, true)
	return nil
}

// attempt runs op with the device's retry policy: a Modbus exception
// surfaces immediately as DeviceError, transport failures reset the
// gateway and retry up to MaxRetries times with RetryDelay in between.
func (m *Manager) attempt(ctx context.Context, cfg domain.DeviceConfig, gw *Gateway, op func() ([]int, error)) ([]int, *domain.Error) {
	var lastErr *domain.Error

	for attemptNo := 0; attemptNo <= cfg.MaxRetries; attemptNo++ {
		if attemptNo > 0 {
			if m.collector != nil {
				m.collector.RecordRetry()
			}
			gw.Reset()

			select {
			case <-ctx.Done():
				gw.Reset()
				return nil, domain.TransportError(true, "request budget exceeded", ctx.Err())
			case <-time.After(cfg.RetryDelay):
			}

			m.logger.Debug().
				Str("device_id", cfg.DeviceID).
				Int("attempt", attemptNo).
				Msg("Retrying Modbus operation")
		}

		values, err := op()
		if err == nil {
			return values, nil
		}

		classified := classify(err)
		if classified.Kind != domain.KindTransport {
			// Protocol-level response from the device. Not retryable.
			return nil, classified
		}
		lastErr = classified

		if ctx.Err() != nil {
			gw.Reset()
			return nil, domain.TransportError(true, "request budget exceeded", ctx.Err())
		}
	}

	gw.Reset()
	return nil, lastErr
}

// classify maps library errors to the error taxonomy.
func classify(err error) *domain.Error {
	var de *domain.Error
	if errors.As(err, &de) {
		return de
	}

	var me *gomodbus.ModbusError
	if errors.As(err, &me) {
		return domain.DeviceError(me.ExceptionCode, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.TransportError(true, "device timed out", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.TransportError(true, "device timed out", err)
	}
	return domain.TransportError(false, "transport failure", err)
}

// route resolves the device and its gateway, creating the gateway
// lazily.
func (m *Manager) route(deviceID string) (domain.DeviceConfig, *Gateway, error) {
	m.mu.RLock()
	cfg, ok := m.devices[deviceID]
	closed := m.closed
	m.mu.RUnlock()

	if closed {
		return domain.DeviceConfig{}, nil, domain.DependencyError("modbus manager is shut down", nil)
	}
	if !ok || !cfg.IsActive {
		return domain.DeviceConfig{}, nil, domain.NotFoundf("device %q not found", deviceID)
	}

	key := cfg.GatewayKey()

	m.mu.Lock()
	gw, ok := m.gateways[key]
	created := false
	if !ok {
		gw = newGateway(key, cfg.Framer, m.breakerCfg, m.logger)
		if m.linkFactory != nil {
			gw.newLink = m.linkFactory
		}
		m.gateways[key] = gw
		created = true
	}
	count := len(m.gateways)
	m.mu.Unlock()

	if created {
		if m.collector != nil {
			m.collector.UpdateActiveGateways(count)
		}
		m.logger.Info().
			Str("gateway", key.String()).
			Str("framer", string(cfg.Framer)).
			Msg("Created gateway")
	}

	return cfg, gw, nil
}

func (m *Manager) record(success bool, start time.Time, write bool) {
	if m.collector == nil {
		return
	}
	if write {
		m.collector.RecordWrite(success, time.Since(start))
	} else {
		m.collector.RecordRead(success, time.Since(start))
	}
}

// ResetGateway drops the connection of the device's gateway. The
// request pipeline calls this after abandoning an in-flight attempt at
// the request budget, so the next caller starts from a clean socket.
func (m *Manager) ResetGateway(deviceID string) {
	m.mu.RLock()
	cfg, ok := m.devices[deviceID]
	var gw *Gateway
	if ok {
		gw = m.gateways[cfg.GatewayKey()]
	}
	m.mu.RUnlock()

	if gw != nil {
		gw.Reset()
		m.logger.Warn().
			Str("device_id", deviceID).
			Str("gateway", cfg.GatewayKey().String()).
			Msg("Gateway connection reset")
	}
}

// Reload atomically swaps the device map. Gateways whose key is no
// longer referenced by any active device are closed and dropped; new
// keys get their gateway lazily on first use.
func (m *Manager) Reload(configs []domain.DeviceConfig) {
	devices := make(map[string]domain.DeviceConfig, len(configs))
	referenced := make(map[domain.GatewayKey]bool, len(configs))
	for _, cfg := range configs {
		devices[cfg.DeviceID] = cfg
		if cfg.IsActive {
			referenced[cfg.GatewayKey()] = true
		}
	}

	m.mu.Lock()
	m.devices = devices

	var orphaned []*Gateway
	for key, gw := range m.gateways {
		if !referenced[key] {
			orphaned = append(orphaned, gw)
			delete(m.gateways, key)
		}
	}
	count := len(m.gateways)
	m.mu.Unlock()

	for _, gw := range orphaned {
		gw.Close()
	}
	if m.collector != nil {
		m.collector.UpdateActiveGateways(count)
	}

	m.logger.Info().
		Int("devices", len(devices)).
		Int("gateways", count).
		Int("dropped_gateways", len(orphaned)).
		Msg("Reloaded device configuration")
}

// Devices returns the active device configs sorted by id.
func (m *Manager) Devices() []domain.DeviceConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	configs := make([]domain.DeviceConfig, 0, len(m.devices))
	for _, cfg := range m.devices {
		if cfg.IsActive {
			configs = append(configs, cfg)
		}
	}
	sort.Slice(configs, func(i, j int) bool {
		return configs[i].DeviceID < configs[j].DeviceID
	})
	return configs
}

// Device returns one device config.
func (m *Manager) Device(deviceID string) (domain.DeviceConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.devices[deviceID]
	return cfg, ok
}

// GatewayStatus lists all live gateways sorted by key.
func (m *Manager) GatewayStatus() []Status {
	m.mu.RLock()
	gateways := make([]*Gateway, 0, len(m.gateways))
	for _, gw := range m.gateways {
		gateways = append(gateways, gw)
	}
	m.mu.RUnlock()

	statuses := make([]Status, 0, len(gateways))
	for _, gw := range gateways {
		statuses = append(statuses, gw.Status())
	}
	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].Host != statuses[j].Host {
			return statuses[i].Host < statuses[j].Host
		}
		return statuses[i].Port < statuses[j].Port
	})
	return statuses
}

// GatewayCount returns the number of live gateways.
func (m *Manager) GatewayCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.gateways)
}

// Close tears down every gateway. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	gateways := make([]*Gateway, 0, len(m.gateways))
	for _, gw := range m.gateways {
		gateways = append(gateways, gw)
	}
	m.gateways = make(map[domain.GatewayKey]*Gateway)
	m.mu.Unlock()

	for _, gw := range gateways {
		gw.Close()
	}
	if m.collector != nil {
		m.collector.UpdateActiveGateways(0)
	}
	m.logger.Info().Msg("Modbus manager closed")
}

// HealthCheck implements the health.Checker interface.
func (m *Manager) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return domain.DependencyError("modbus manager is shut down", nil)
	}
	return nil
}
