// Package sensor defines the capability contract shared by all sensor drivers
package sensor

import (
	"context"
	"math"
	"time"
)

// Type classifies a sensor for downstream filtering and display
type Type string

const (
	TypeEnvironmental Type = "environmental"
	TypeLight         Type = "light"
	TypeMotion        Type = "motion"
	TypeCustom        Type = "custom"
)

// Valid reports whether t is one of the known type tags
func (t Type) Valid() bool {
	switch t {
	case TypeEnvironmental, TypeLight, TypeMotion, TypeCustom:
		return true
	}
	return false
}

// Status is the outcome recorded with every reading
type Status string

const (
	StatusOK          Status = "ok"
	StatusError       Status = "error"
	StatusUnavailable Status = "unavailable"
)

// Sensor is the interface every driver implements.
// The poller only talks to sensors through this interface.
type Sensor interface {
	// ID returns the stable identifier from the descriptor
	ID() string

	// Type returns the static classification, never fails
	Type() Type

	// Descriptor returns a copy of the configured descriptor
	Descriptor() Descriptor

	// Available is a fast liveness check. It never panics out and returns
	// false if the bus or device cannot be reached.
	Available() bool

	// Read performs the hardware transaction. It is bounded by the driver
	// timeout and returns a *ReadError on failure.
	Read(ctx context.Context) (Reading, error)
}

// Descriptor identifies a configured sensor
type Descriptor struct {
	ID       string `json:"id" mapstructure:"id"`
	Name     string `json:"name,omitempty" mapstructure:"name"`
	Type     Type   `json:"type" mapstructure:"type"`
	Driver   string `json:"driver" mapstructure:"driver"`
	Location string `json:"location,omitempty" mapstructure:"location"`

	// Hardware address
	Bus        string  `json:"bus,omitempty" mapstructure:"bus"`
	Address    uint16  `json:"address,omitempty" mapstructure:"address"`
	MuxAddress *uint16 `json:"muxAddress,omitempty" mapstructure:"mux_address"`
	MuxChannel *uint8  `json:"muxChannel,omitempty" mapstructure:"mux_channel"`
	Pin        string  `json:"pin,omitempty" mapstructure:"pin"`

	// Timeout bounds a single hardware transaction (0 = configured default)
	Timeout time.Duration `json:"timeout,omitempty" mapstructure:"timeout"`

	// Available is the capability flag, refreshed after each read attempt
	Available bool `json:"available" mapstructure:"-"`
}

// Multiplexed reports whether the device sits behind a PCA9548 channel
func (d Descriptor) Multiplexed() bool {
	return d.MuxAddress != nil && d.MuxChannel != nil
}

// Reading is one sample from one sensor at one point in time
type Reading struct {
	Seq        uint64             `json:"seq"`
	Tick       uint64             `json:"tick"`
	SensorID   string             `json:"sensorId"`
	SensorType Type               `json:"sensorType"`
	Timestamp  time.Time          `json:"timestamp"`
	Values     map[string]float64 `json:"values"`
	Status     Status             `json:"status"`
	Error      string             `json:"error,omitempty"`
}

// OK builds a successful reading
func OK(desc Descriptor, at time.Time, values map[string]float64) Reading {
	if values == nil {
		values = map[string]float64{}
	}
	return Reading{
		SensorID:   desc.ID,
		SensorType: desc.Type,
		Timestamp:  at.UTC(),
		Values:     values,
		Status:     StatusOK,
	}
}

// Failed builds an error reading. Error readings never carry values.
func Failed(desc Descriptor, at time.Time, err error) Reading {
	r := Reading{
		SensorID:   desc.ID,
		SensorType: desc.Type,
		Timestamp:  at.UTC(),
		Values:     map[string]float64{},
		Status:     StatusError,
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Unavailable builds a reading for a sensor that failed its liveness check
func Unavailable(desc Descriptor, at time.Time) Reading {
	return Reading{
		SensorID:   desc.ID,
		SensorType: desc.Type,
		Timestamp:  at.UTC(),
		Values:     map[string]float64{},
		Status:     StatusUnavailable,
		Error:      ErrUnavailable.Error(),
	}
}

// units maps measurement names to their fixed unit
var units = map[string]string{
	"temperature": "°C",
	"dew_point":   "°C",
	"humidity":    "%",
	"pressure":    "hPa",
	"light_level": "counts",
	"ir_level":    "counts",
	"accel_x":     "g",
	"accel_y":     "g",
	"accel_z":     "g",
	"gyro_x":      "°/s",
	"gyro_y":      "°/s",
	"gyro_z":      "°/s",
}

// Unit returns the unit for a measurement name, or "" if unknown
func Unit(measurement string) string {
	return units[measurement]
}

// Round rounds v to the given number of decimal places
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
