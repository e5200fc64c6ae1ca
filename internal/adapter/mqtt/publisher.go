// Package mqtt provides the fire-and-forget sample publisher with
// automatic reconnection.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/modbus-bridge/internal/domain"
	"github.com/nexus-edge/modbus-bridge/internal/metrics"
)

// Config holds MQTT publisher configuration.
type Config struct {
	BrokerURL      string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	PublishTimeout time.Duration

	// Enabled false turns the publisher into a no-op.
	Enabled bool
}

// Sample is one polled read forwarded to the broker.
type Sample struct {
	DeviceID     string              `json:"device_id"`
	RegisterType domain.RegisterType `json:"register_type"`
	Address      int                 `json:"address"`
	Count        int                 `json:"count"`
	Values       []int               `json:"values"`
	Timestamp    float64             `json:"timestamp"`
}

// Stats tracks publisher counters.
type Stats struct {
	Published  uint64 `json:"published"`
	Failed     uint64 `json:"failed"`
	Reconnects uint64 `json:"reconnects"`
}

// Publisher publishes polled samples to the MQTT broker. Publish
// failures are logged and counted, never propagated: a dead broker must
// not stall polling.
type Publisher struct {
	config    Config
	client    pahomqtt.Client
	logger    zerolog.Logger
	collector *metrics.Collector

	connected  atomic.Bool
	published  atomic.Uint64
	failed     atomic.Uint64
	reconnects atomic.Uint64
}

// NewPublisher creates a publisher. When the config is disabled every
// operation is a no-op.
func NewPublisher(config Config, logger zerolog.Logger, collector *metrics.Collector) *Publisher {
	if config.QoS > 2 {
		config.QoS = 0
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	if config.PublishTimeout == 0 {
		config.PublishTimeout = 5 * time.Second
	}
	config.TopicPrefix = strings.TrimRight(config.TopicPrefix, "/")

	return &Publisher{
		config:    config,
		logger:    logger.With().Str("component", "mqtt-publisher").Logger(),
		collector: collector,
	}
}

// Enabled reports whether a broker was configured.
func (p *Publisher) Enabled() bool { return p.config.Enabled }

// Connect establishes the broker connection. Startup proceeds without
// MQTT when the broker is unreachable; paho keeps retrying in the
// background.
func (p *Publisher) Connect(ctx context.Context) error {
	if !p.config.Enabled {
		p.logger.Info().Msg("MQTT broker not configured, publisher disabled")
		return nil
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.config.BrokerURL)
	opts.SetClientID(fmt.Sprintf("modbus-bridge-%d", os.Getpid()))
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(p.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(p.config.ReconnectDelay)
	opts.SetMaxReconnectInterval(p.config.ReconnectDelay)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		p.connected.Store(true)
		p.logger.Info().Msg("MQTT connection established")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		p.connected.Store(false)
		p.logger.Warn().Err(err).Msg("MQTT connection lost")
	})
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		p.reconnects.Add(1)
		p.logger.Info().Msg("Reconnecting to MQTT broker")
	})

	p.client = pahomqtt.NewClient(opts)

	p.logger.Info().Str("broker", p.config.BrokerURL).Msg("Connecting to MQTT broker")

	token := p.client.Connect()
	done := make(chan struct{})
	go func() {
		token.WaitTimeout(p.config.ConnectTimeout)
		close(done)
	}()

	select {
	case <-done:
		if err := token.Error(); err != nil {
			p.logger.Warn().Err(err).Msg("Initial MQTT connect failed, retrying in background")
		}
	case <-ctx.Done():
		p.logger.Warn().Msg("MQTT connect cancelled, retrying in background")
	}
	return nil
}

// Disconnect cleanly closes the broker connection.
func (p *Publisher) Disconnect() {
	if p.client == nil {
		return
	}
	p.client.Disconnect(1000)
	p.connected.Store(false)
	p.logger.Info().Msg("Disconnected from MQTT broker")
}

// topicFor builds the sample's topic: {prefix}/{device}/{space}/{addr}.
func (p *Publisher) topicFor(sample Sample) string {
	return fmt.Sprintf("%s/%s/%s/%d",
		p.config.TopicPrefix, sample.DeviceID, sample.RegisterType, sample.Address)
}

// Publish sends one sample with QoS 0 and no retain flag. Errors are
// swallowed after counting.
func (p *Publisher) Publish(sample Sample) {
	if !p.config.Enabled || p.client == nil {
		return
	}

	if sample.Timestamp == 0 {
		sample.Timestamp = float64(time.Now().UnixNano()) / float64(time.Second)
	}

	payload, err := json.Marshal(sample)
	if err != nil {
		p.recordFailure()
		p.logger.Error().Err(err).Msg("Failed to serialize sample")
		return
	}

	topic := p.topicFor(sample)
	token := p.client.Publish(topic, p.config.QoS, false, payload)
	if !token.WaitTimeout(p.config.PublishTimeout) {
		p.recordFailure()
		p.logger.Warn().Str("topic", topic).Msg("MQTT publish timed out")
		return
	}
	if err := token.Error(); err != nil {
		p.recordFailure()
		p.logger.Warn().Err(err).Str("topic", topic).Msg("MQTT publish failed")
		return
	}

	p.published.Add(1)
	if p.collector != nil {
		p.collector.RecordMQTTPublish(true)
	}
	p.logger.Debug().Str("topic", topic).Msg("Published sample")
}

func (p *Publisher) recordFailure() {
	p.failed.Add(1)
	if p.collector != nil {
		p.collector.RecordMQTTPublish(false)
	}
}

// Connected reports the broker connection state.
func (p *Publisher) Connected() bool {
	return p.connected.Load()
}

// Stats returns the publisher counters.
func (p *Publisher) Stats() Stats {
	return Stats{
		Published:  p.published.Load(),
		Failed:     p.failed.Load(),
		Reconnects: p.reconnects.Load(),
	}
}

// HealthCheck implements the health.Checker interface. A disabled
// publisher is healthy.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	if !p.config.Enabled {
		return nil
	}
	if !p.connected.Load() {
		return domain.DependencyError("MQTT broker not connected", nil)
	}
	return nil
}
