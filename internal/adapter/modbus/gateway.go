package modbus

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/nexus-edge/modbus-bridge/internal/domain"
)

// BreakerConfig holds the circuit breaker thresholds shared by all
// gateways.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive transport failures
	// that opens the breaker.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before
	// allowing a half-open probe.
	RecoveryTimeout time.Duration
}

// DefaultBreakerConfig returns the documented defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Gateway owns exactly one physical transport to a (host, port). All
// read/write calls on the same Gateway are strictly serialized: the
// logical devices behind it share one RS-485 bus and concurrent frames
// would collide on the wire.
type Gateway struct {
	key     domain.GatewayKey
	framer  domain.Framer
	logger  zerolog.Logger
	breaker *gobreaker.CircuitBreaker

	recovery time.Duration

	// mu serializes all wire I/O and guards link state.
	mu        sync.Mutex
	link      link
	connected bool

	// newLink builds the framed transport; replaced in tests.
	newLink func(framer domain.Framer, address string, timeout time.Duration) link

	// stateMu guards openedAt, written from the breaker callback.
	stateMu  sync.Mutex
	openedAt time.Time
}

// Status is the externally visible gateway state.
type Status struct {
	Host           string  `json:"host"`
	Port           int     `json:"port"`
	Framer         string  `json:"framer"`
	Connected      bool    `json:"connected"`
	CircuitState   string  `json:"circuit_state"`
	FailureCount   uint32  `json:"failure_count"`
	TimeUntilRetry float64 `json:"time_until_retry,omitempty"`
}

func newGateway(key domain.GatewayKey, framer domain.Framer, cfg BreakerConfig, logger zerolog.Logger) *Gateway {
	g := &Gateway{
		key:      key,
		framer:   framer,
		recovery: cfg.RecoveryTimeout,
		logger: logger.With().
			Str("component", "modbus-gateway").
			Str("gateway", key.String()).
			Logger(),
		newLink: buildLink,
	}

	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key.String(),
		MaxRequests: 1,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				g.stateMu.Lock()
				g.openedAt = time.Now()
				g.stateMu.Unlock()
			}
			g.logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Gateway circuit breaker state changed")
		},
	})

	return g
}

// timeUntilRetry returns the remaining open time, zero when not open.
func (g *Gateway) timeUntilRetry() time.Duration {
	if g.breaker.State() != gobreaker.StateOpen {
		return 0
	}

	g.stateMu.Lock()
	openedAt := g.openedAt
	g.stateMu.Unlock()

	remaining := g.recovery - time.Since(openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// execute runs fn under the circuit breaker. A rejected call surfaces
// as CircuitOpen with the remaining open time.
func (g *Gateway) execute(fn func() (interface{}, error)) (interface{}, error) {
	result, err := g.breaker.Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, domain.CircuitOpenError(g.key.String(), g.timeUntilRetry())
	}
	return result, err
}

// acquire ensures the link exists and is connected. Callers must hold
// g.mu.
func (g *Gateway) acquire(timeout time.Duration) error {
	if g.link == nil {
		g.link = g.newLink(g.framer, g.key.String(), timeout)
	}

	if g.connected {
		return nil
	}

	g.link.SetTimeout(timeout)
	if err := g.link.Connect(); err != nil {
		return err
	}
	g.connected = true
	g.logger.Debug().Msg("Gateway connected")
	return nil
}

// read performs one serialized read attempt on the wire. Bit registers
// return values as 0/1.
func (g *Gateway) read(slaveID byte, registerType domain.RegisterType, address, count int, timeout time.Duration) ([]int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.acquire(timeout); err != nil {
		return nil, err
	}

	g.link.SetSlave(slaveID)
	g.link.SetTimeout(timeout)
	client := g.link.Client()

	var raw []byte
	var err error
	switch registerType {
	case domain.RegisterHolding:
		raw, err = client.ReadHoldingRegisters(uint16(address), uint16(count))
	case domain.RegisterInput:
		raw, err = client.ReadInputRegisters(uint16(address), uint16(count))
	case domain.RegisterCoil:
		raw, err = client.ReadCoils(uint16(address), uint16(count))
	case domain.RegisterDiscrete:
		raw, err = client.ReadDiscreteInputs(uint16(address), uint16(count))
	default:
		return nil, domain.Validationf("unknown register_type %q", registerType)
	}
	if err != nil {
		return nil, err
	}

	if registerType.IsBit() {
		return unpackBits(raw, count), nil
	}
	return unpackRegisters(raw, count), nil
}

// write performs one serialized write attempt on the wire.
func (g *Gateway) write(slaveID byte, registerType domain.RegisterType, address, value int, timeout time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.acquire(timeout); err != nil {
		return err
	}

	g.link.SetSlave(slaveID)
	g.link.SetTimeout(timeout)
	client := g.link.Client()

	var err error
	switch registerType {
	case domain.RegisterHolding:
		_, err = client.WriteSingleRegister(uint16(address), uint16(value))
	case domain.RegisterCoil:
		coil := uint16(0x0000)
		if value != 0 {
			coil = 0xFF00
		}
		_, err = client.WriteSingleCoil(uint16(address), coil)
	default:
		return domain.Validationf("register_type %s is read-only", registerType)
	}
	return err
}

// Reset closes and forgets the current connection; the next call
// reopens it.
func (g *Gateway) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dropLocked()
}

// Close tears the gateway down. Idempotent.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dropLocked()
	g.link = nil
}

func (g *Gateway) dropLocked() {
	if g.link != nil && g.connected {
		if err := g.link.Close(); err != nil {
			g.logger.Warn().Err(err).Msg("Error closing gateway connection")
		}
	}
	g.connected = false
}

// Connected reports whether the transport is currently open.
func (g *Gateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

// Status returns the externally visible gateway state.
func (g *Gateway) Status() Status {
	state := g.breaker.State()

	status := Status{
		Host:         g.key.Host,
		Port:         g.key.Port,
		Framer:       string(g.framer),
		Connected:    g.Connected(),
		CircuitState: circuitStateName(state),
		FailureCount: g.breaker.Counts().ConsecutiveFailures,
	}
	if state == gobreaker.StateOpen {
		status.TimeUntilRetry = g.timeUntilRetry().Seconds()
	}
	return status
}

func circuitStateName(state gobreaker.State) string {
	switch state {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// unpackRegisters converts big-endian register bytes to ints.
func unpackRegisters(raw []byte, count int) []int {
	values := make([]int, 0, count)
	for i := 0; i+1 < len(raw) && len(values) < count; i += 2 {
		values = append(values, int(binary.BigEndian.Uint16(raw[i:])))
	}
	return values
}

// unpackBits converts bit-packed coil/discrete bytes to 0/1 ints.
func unpackBits(raw []byte, count int) []int {
	values := make([]int, 0, count)
	for i := 0; i < count; i++ {
		byteIdx := i / 8
		if byteIdx >= len(raw) {
			break
		}
		bit := raw[byteIdx] >> (i % 8) & 1
		values = append(values, int(bit))
	}
	return values
}
