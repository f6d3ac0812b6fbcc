package mqtt

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"sensorhub/internal/sensor"
)

// Publisher publishes sensor readings to state, attributes and availability topics
type Publisher struct {
	client Transport
	logger zerolog.Logger

	sensorIDCache   map[string]string
	sensorIDCacheMu sync.RWMutex
}

// NewPublisher creates a new Publisher instance
func NewPublisher(client Transport, logger zerolog.Logger) *Publisher {
	return &Publisher{
		client:        client,
		logger:        logger,
		sensorIDCache: make(map[string]string),
	}
}

// PublishReading publishes a single reading. Values go to the state topic only
// when the reading is ok; availability and attributes are always published.
func (p *Publisher) PublishReading(ctx context.Context, desc sensor.Descriptor, r sensor.Reading) error {
	sensorID := p.getSanitizedID(r.SensorID)

	availability := payloadOffline
	if r.Status == sensor.StatusOK {
		availability = payloadOnline
	}
	if err := p.client.PublishWithQoS(ctx, availabilityTopic(sensorID), 1, true, availability); err != nil {
		return err
	}

	if r.Status == sensor.StatusOK {
		stateJSON, err := json.Marshal(r.Values)
		if err != nil {
			return err
		}
		if err := p.client.PublishWithQoS(ctx, stateTopic(sensorID), 0, false, stateJSON); err != nil {
			return err
		}
	}

	attrsJSON, err := json.Marshal(SensorAttributes{
		Name:       desc.Name,
		Location:   desc.Location,
		SensorType: r.SensorType,
		Driver:     desc.Driver,
		Status:     r.Status,
		Error:      r.Error,
		Timestamp:  r.Timestamp.UTC().Format(time.RFC3339),
		Tick:       r.Tick,
		Seq:        r.Seq,
	})
	if err != nil {
		return err
	}
	return p.client.PublishWithQoS(ctx, attributesTopic(sensorID), 0, false, attrsJSON)
}

// PublishAggregated publishes one JSON document to a prefixed topic
func (p *Publisher) PublishAggregated(ctx context.Context, topic string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return p.client.PublishWithQoS(ctx, topic, 0, false, payload)
}

// getSanitizedID returns cached sanitized sensor ID
func (p *Publisher) getSanitizedID(label string) string {
	p.sensorIDCacheMu.RLock()
	if id, ok := p.sensorIDCache[label]; ok {
		p.sensorIDCacheMu.RUnlock()
		return id
	}
	p.sensorIDCacheMu.RUnlock()

	id := sanitizeSensorIDFast(label)

	p.sensorIDCacheMu.Lock()
	p.sensorIDCache[label] = id
	p.sensorIDCacheMu.Unlock()

	return id
}

// sanitizeSensorIDFast lowercases and replaces characters that are unsafe in topics
func sanitizeSensorIDFast(name string) string {
	b := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'A' && c <= 'Z':
			b[i] = c + ('a' - 'A')
		case c == ' ' || c == '/' || c == '.' || c == '#' || c == '+':
			b[i] = '_'
		default:
			b[i] = c
		}
	}
	return string(b)
}
