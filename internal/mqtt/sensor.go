package mqtt

import (
	"context"
	"strings"

	"sensorhub/internal/sensor"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"

	hubAvailabilityTopic = "status"

	discoveryPrefix = "homeassistant"
	discoveryDomain = "sensorhub"
)

// Transport is the part of Client the publisher and discovery use
type Transport interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	PublishWithQoS(ctx context.Context, topic string, qos byte, retained bool, payload interface{}) error
	PublishRaw(ctx context.Context, topic string, payload interface{}, retained bool) error
	GetConfig() Config
}

// MetaStore persists the discovery flag between runs
type MetaStore interface {
	GetBool(key string) (bool, error)
	SetBool(key string, v bool) error
}

// SensorAttributes is published to the attributes topic of a sensor
type SensorAttributes struct {
	Name       string        `json:"name,omitempty"`
	Location   string        `json:"location,omitempty"`
	SensorType sensor.Type   `json:"sensor_type"`
	Driver     string        `json:"driver,omitempty"`
	Status     sensor.Status `json:"status"`
	Error      string        `json:"error,omitempty"`
	Timestamp  string        `json:"timestamp"`
	Tick       uint64        `json:"tick"`
	Seq        uint64        `json:"seq,omitempty"`
}

// SensorConfig contains one measurement's Home Assistant discovery configuration
type SensorConfig struct {
	// ObjectID is <sensor>_<measurement>, sanitized
	ObjectID    string
	Name        string
	Measurement string

	Unit string

	// Topics below are relative to the client prefix
	StateTopic        string
	AttributesTopic   string
	AvailabilityTopic string

	DeviceClass string // temperature, humidity, atmospheric_pressure
	StateClass  string // measurement

	DeviceInfo *DeviceInfo
}

// DeviceInfo groups all measurements of one sensor in Home Assistant
type DeviceInfo struct {
	Identifiers  []string
	Name         string
	Model        string
	Manufacturer string
}

func stateTopic(id string) string        { return "sensor/" + id + "/state" }
func attributesTopic(id string) string   { return "sensor/" + id + "/attributes" }
func availabilityTopic(id string) string { return "sensor/" + id + "/availability" }

// deviceClass maps a measurement to its Home Assistant device class
func deviceClass(measurement string) string {
	switch measurement {
	case "temperature", "dew_point":
		return "temperature"
	case "humidity":
		return "humidity"
	case "pressure":
		return "atmospheric_pressure"
	}
	return ""
}

// NewSensorConfig builds the discovery config of one measurement
func NewSensorConfig(desc sensor.Descriptor, measurement string) *SensorConfig {
	id := sanitizeSensorIDFast(desc.ID)

	name := desc.Name
	if name == "" {
		name = desc.ID
	}

	return &SensorConfig{
		ObjectID:          id + "_" + sanitizeSensorIDFast(measurement),
		Name:              name + " " + strings.ReplaceAll(measurement, "_", " "),
		Measurement:       measurement,
		Unit:              sensor.Unit(measurement),
		StateTopic:        stateTopic(id),
		AttributesTopic:   attributesTopic(id),
		AvailabilityTopic: availabilityTopic(id),
		DeviceClass:       deviceClass(measurement),
		StateClass:        "measurement",
		DeviceInfo: &DeviceInfo{
			Identifiers:  []string{discoveryDomain + "_" + id},
			Name:         name,
			Model:        desc.Driver,
			Manufacturer: "SensorHub",
		},
	}
}
