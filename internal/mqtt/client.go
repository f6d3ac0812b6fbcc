// Package mqtt mirrors sensor readings to an MQTT broker
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config holds MQTT client configuration
type Config struct {
	Broker   string // MQTT broker address (e.g., "tcp://localhost:1883")
	ClientID string // Unique client ID
	Username string // MQTT username (optional)
	Password string // MQTT password (optional)
	Prefix   string // Topic prefix for all messages
	UseTLS   bool   // Enable TLS connection

	// Discovery enables Home Assistant discovery configs
	Discovery bool
}

// Client wraps the paho client with topic prefixing and connection state
type Client struct {
	client   mqtt.Client
	config   Config
	mu       sync.RWMutex
	logger   zerolog.Logger
	isActive bool
}

// New creates a new MQTT client. It does not connect.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address is required")
	}

	if cfg.ClientID == "" {
		cfg.ClientID = "sensorhub-" + uuid.NewString()[:8]
	}

	c := &Client{
		config: cfg,
		logger: logger.With().Str("component", "mqtt").Logger(),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	if cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	// Last will marks the whole hub offline if the connection drops
	opts.SetWill(c.buildTopic(hubAvailabilityTopic), payloadOffline, 1, true)

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		c.logger.Warn().Err(err).Msg("Connection lost")
	})

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.logger.Info().Str("broker", cfg.Broker).Msg("Connected to broker")
		client.Publish(c.buildTopic(hubAvailabilityTopic), 1, true, payloadOnline)
	})

	opts.SetReconnectingHandler(func(client mqtt.Client, options *mqtt.ClientOptions) {
		c.logger.Debug().Msg("Attempting to reconnect")
	})

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetCleanSession(true)

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// Connect establishes connection to the broker. Calling it while connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isActive {
		return nil
	}

	c.logger.Info().Str("broker", c.config.Broker).Msg("Connecting to broker")

	if err := wait(ctx, c.client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	c.isActive = true
	return nil
}

// Disconnect marks the hub offline and closes the connection
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isActive {
		return
	}

	token := c.client.Publish(c.buildTopic(hubAvailabilityTopic), 1, true, payloadOffline)
	token.WaitTimeout(time.Second)

	c.client.Disconnect(250)
	c.isActive = false

	c.logger.Info().Msg("Disconnected from broker")
}

// Publish publishes to a prefixed topic with QoS 0 (telemetry)
func (c *Client) Publish(ctx context.Context, topic string, payload interface{}) error {
	return c.PublishWithQoS(ctx, topic, 0, false, payload)
}

// PublishWithQoS publishes to a prefixed topic with explicit QoS and retained settings
func (c *Client) PublishWithQoS(ctx context.Context, topic string, qos byte, retained bool, payload interface{}) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.isActive {
		return fmt.Errorf("MQTT client is not connected")
	}

	fullTopic := c.buildTopic(topic)

	if err := wait(ctx, c.client.Publish(fullTopic, qos, retained, payload)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", fullTopic, err)
	}

	c.logger.Trace().Str("topic", fullTopic).Uint8("qos", qos).Bool("retained", retained).Msg("Published")
	return nil
}

// PublishRaw publishes with QoS 1 without the prefix (discovery topics)
func (c *Client) PublishRaw(ctx context.Context, topic string, payload interface{}, retained bool) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.isActive {
		return fmt.Errorf("MQTT client is not connected")
	}

	if err := wait(ctx, c.client.Publish(topic, 1, retained, payload)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	c.logger.Trace().Str("topic", topic).Msg("Published (raw)")
	return nil
}

// wait blocks until the broker completes the token or ctx ends
func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) buildTopic(topic string) string {
	return joinTopic(c.config.Prefix, topic)
}

func joinTopic(prefix, topic string) string {
	if prefix == "" {
		return topic
	}
	return prefix + "/" + topic
}

// IsConnected returns true if client is connected to broker
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isActive && c.client.IsConnected()
}

// GetConfig returns the current MQTT configuration
func (c *Client) GetConfig() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}
