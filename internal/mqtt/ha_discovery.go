package mqtt

import (
	"context"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// DiscoveryPublishedKey is the meta key recording that discovery configs were sent
const DiscoveryPublishedKey = "mqtt/discoveryPublished"

// DiscoveryManager manages Home Assistant MQTT Discovery
type DiscoveryManager struct {
	mqttClient Transport
	logger     zerolog.Logger
	meta       MetaStore

	// Cache of pre-generated discovery configs
	discoveryConfigs map[string][]byte
	discoveryMu      sync.RWMutex

	lastConfigCount int
	mu              sync.RWMutex
}

// NewDiscoveryManager creates a new DiscoveryManager instance. meta may be nil.
func NewDiscoveryManager(client Transport, logger zerolog.Logger, meta MetaStore) *DiscoveryManager {
	return &DiscoveryManager{
		mqttClient:       client,
		logger:           logger,
		meta:             meta,
		discoveryConfigs: make(map[string][]byte),
	}
}

// ShouldRepublishDiscovery reports whether configs must be sent: never sent
// before, or the set of measurements changed (a sensor came online or went away).
func (d *DiscoveryManager) ShouldRepublishDiscovery(currentConfigCount int) bool {
	published := false
	if d.meta != nil {
		if v, err := d.meta.GetBool(DiscoveryPublishedKey); err == nil {
			published = v
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if published && currentConfigCount == d.lastConfigCount {
		return false
	}
	d.lastConfigCount = currentConfigCount
	return true
}

// PublishDiscoveryConfig publishes the retained discovery config of one measurement
func (d *DiscoveryManager) PublishDiscoveryConfig(ctx context.Context, cfg *SensorConfig) error {
	if cfg == nil {
		return nil
	}

	configJSON, err := d.generateDiscoveryConfig(cfg)
	if err != nil {
		return err
	}

	return d.mqttClient.PublishRaw(ctx, discoveryTopic(cfg.ObjectID), configJSON, true)
}

// PublishMultipleDiscoveryConfigs publishes all configs and marks discovery as done.
// Individual failures are logged; the last one is returned.
func (d *DiscoveryManager) PublishMultipleDiscoveryConfigs(ctx context.Context, configs []*SensorConfig) error {
	var lastErr error
	for _, cfg := range configs {
		if err := d.PublishDiscoveryConfig(ctx, cfg); err != nil {
			d.logger.Error().Err(err).Str("object", cfg.ObjectID).Msg("Failed to publish discovery config")
			lastErr = err
		}
	}
	if lastErr != nil {
		// retry on the next tick
		d.mu.Lock()
		d.lastConfigCount = -1
		d.mu.Unlock()
		return lastErr
	}

	d.markDiscoveryPublished()

	d.logger.Info().Int("configs", len(configs)).Msg("Published MQTT discovery configs")
	return nil
}

func discoveryTopic(objectID string) string {
	// homeassistant/sensor/{domain}/{object_id}/config
	return discoveryPrefix + "/sensor/" + discoveryDomain + "/" + objectID + "/config"
}

// generateDiscoveryConfig generates and caches the Home Assistant discovery payload
func (d *DiscoveryManager) generateDiscoveryConfig(cfg *SensorConfig) ([]byte, error) {
	d.discoveryMu.RLock()
	if config, ok := d.discoveryConfigs[cfg.ObjectID]; ok {
		d.discoveryMu.RUnlock()
		return config, nil
	}
	d.discoveryMu.RUnlock()

	prefix := d.mqttClient.GetConfig().Prefix

	discoveryConfig := map[string]interface{}{
		"name":           cfg.Name,
		"unique_id":      discoveryDomain + "_" + cfg.ObjectID,
		"state_topic":    joinTopic(prefix, cfg.StateTopic),
		"value_template": "{{ value_json." + cfg.Measurement + " }}",
	}

	if cfg.Unit != "" {
		discoveryConfig["unit_of_measurement"] = cfg.Unit
	}

	if cfg.AttributesTopic != "" {
		discoveryConfig["json_attributes_topic"] = joinTopic(prefix, cfg.AttributesTopic)
	}

	if cfg.DeviceClass != "" {
		discoveryConfig["device_class"] = cfg.DeviceClass
	}

	if cfg.StateClass != "" {
		discoveryConfig["state_class"] = cfg.StateClass
	}

	if cfg.AvailabilityTopic != "" {
		discoveryConfig["availability"] = []map[string]string{
			{"topic": joinTopic(prefix, hubAvailabilityTopic)},
			{"topic": joinTopic(prefix, cfg.AvailabilityTopic)},
		}
		discoveryConfig["availability_mode"] = "all"
		discoveryConfig["payload_available"] = payloadOnline
		discoveryConfig["payload_not_available"] = payloadOffline
	}

	if cfg.DeviceInfo != nil {
		discoveryConfig["device"] = map[string]interface{}{
			"identifiers":  cfg.DeviceInfo.Identifiers,
			"name":         cfg.DeviceInfo.Name,
			"model":        cfg.DeviceInfo.Model,
			"manufacturer": cfg.DeviceInfo.Manufacturer,
		}
	}

	configJSON, err := json.Marshal(discoveryConfig)
	if err != nil {
		return nil, err
	}

	d.discoveryMu.Lock()
	d.discoveryConfigs[cfg.ObjectID] = configJSON
	d.discoveryMu.Unlock()

	return configJSON, nil
}

func (d *DiscoveryManager) markDiscoveryPublished() {
	if d.meta == nil {
		return
	}
	if err := d.meta.SetBool(DiscoveryPublishedKey, true); err != nil {
		d.logger.Error().Err(err).Msg("Failed to mark discovery as published")
	}
}
