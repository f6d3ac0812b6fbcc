package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"sensorhub/internal/poller"
	"sensorhub/internal/sensor"
)

// Mirror publishes every tick to the broker
type Mirror struct {
	client    Transport
	publisher *Publisher
	discovery *DiscoveryManager
	descs     map[string]sensor.Descriptor
	logger    zerolog.Logger
}

// NewMirror creates the MQTT mirror for the registered sensors. Discovery
// configs are published only when enabled in the client config.
func NewMirror(client Transport, descs []sensor.Descriptor, meta MetaStore, logger zerolog.Logger) *Mirror {
	logger = logger.With().Str("component", "mqtt").Logger()

	m := &Mirror{
		client:    client,
		publisher: NewPublisher(client, logger),
		descs:     make(map[string]sensor.Descriptor, len(descs)),
		logger:    logger,
	}
	for _, d := range descs {
		m.descs[d.ID] = d
	}
	if client.GetConfig().Discovery {
		m.discovery = NewDiscoveryManager(client, logger, meta)
	}
	return m
}

// Name implements poller.Mirror
func (m *Mirror) Name() string {
	return "mqtt"
}

// Publish implements poller.Mirror
func (m *Mirror) Publish(ctx context.Context, res *poller.TickResult) error {
	if !m.client.IsConnected() {
		if err := m.client.Connect(ctx); err != nil {
			return err
		}
	}

	if m.discovery != nil {
		configs := m.discoveryConfigs(res)
		if m.discovery.ShouldRepublishDiscovery(len(configs)) {
			if err := m.discovery.PublishMultipleDiscoveryConfigs(ctx, configs); err != nil {
				m.logger.Warn().Err(err).Msg("Discovery incomplete, will retry")
			}
		}
	}

	var errs []error
	for _, r := range res.Readings {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := m.publisher.PublishReading(ctx, m.descs[r.SensorID], r); err != nil {
			errs = append(errs, fmt.Errorf("sensor %s: %w", r.SensorID, err))
		}
	}

	if err := m.publisher.PublishAggregated(ctx, "tick", res.Summary()); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// discoveryConfigs returns one config per measurement of every ok reading
func (m *Mirror) discoveryConfigs(res *poller.TickResult) []*SensorConfig {
	var configs []*SensorConfig
	for _, r := range res.Readings {
		if r.Status != sensor.StatusOK {
			continue
		}
		desc, ok := m.descs[r.SensorID]
		if !ok {
			desc = sensor.Descriptor{ID: r.SensorID, Type: r.SensorType}
		}

		measurements := make([]string, 0, len(r.Values))
		for name := range r.Values {
			measurements = append(measurements, name)
		}
		sort.Strings(measurements)

		for _, name := range measurements {
			configs = append(configs, NewSensorConfig(desc, name))
		}
	}
	return configs
}
