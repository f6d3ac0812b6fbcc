// Package mock provides a driver that generates plausible readings without hardware
package mock

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"sensorhub/internal/sensor"
)

// DriverName is the registry name of this driver
const DriverName = "mock"

// Sensor generates random values shaped by its type tag
type Sensor struct {
	*sensor.Base

	mu  sync.Mutex
	rnd *rand.Rand
}

// Driver returns the registry entry for mock sensors
func Driver() sensor.Driver {
	return sensor.Driver{
		Name:        DriverName,
		DefaultType: sensor.TypeCustom,
		Factory:     New,
	}
}

// New creates a mock sensor
func New(desc sensor.Descriptor, env sensor.Env) (sensor.Sensor, error) {
	return NewWithSource(desc, env, rand.NewSource(time.Now().UnixNano())), nil
}

// NewWithSource creates a mock sensor with a deterministic random source
func NewWithSource(desc sensor.Descriptor, env sensor.Env, src rand.Source) *Sensor {
	return &Sensor{
		Base: sensor.NewBase(desc, env.Timeout, env.Logger),
		rnd:  rand.New(src),
	}
}

// Available always succeeds
func (s *Sensor) Available() bool {
	return s.Probe(func() error { return nil })
}

// Read generates one sample
func (s *Sensor) Read(ctx context.Context) (sensor.Reading, error) {
	return s.Transact(ctx, s.generate)
}

func (s *Sensor) uniform(min, max float64) float64 {
	return min + s.rnd.Float64()*(max-min)
}

func (s *Sensor) generate() (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.Type() {
	case sensor.TypeLight:
		ch0 := s.uniform(20, 3000)
		ir := ch0 * s.uniform(0.2, 0.7)
		return map[string]float64{
			"light_level": sensor.Round(ch0, 0),
			"ir_level":    sensor.Round(ir, 0),
		}, nil

	case sensor.TypeMotion:
		return map[string]float64{
			"accel_x":     sensor.Round(s.uniform(-1, 1), 3),
			"accel_y":     sensor.Round(s.uniform(-1, 1), 3),
			"accel_z":     sensor.Round(s.uniform(0.8, 1.2), 3),
			"gyro_x":      sensor.Round(s.uniform(-10, 10), 2),
			"gyro_y":      sensor.Round(s.uniform(-10, 10), 2),
			"gyro_z":      sensor.Round(s.uniform(-10, 10), 2),
			"temperature": sensor.Round(s.uniform(20, 25), 2),
		}, nil

	default:
		return map[string]float64{
			"temperature": sensor.Round(s.uniform(18, 28), 2),
			"humidity":    sensor.Round(s.uniform(40, 80), 2),
			"pressure":    sensor.Round(s.uniform(1000, 1030), 2),
		}, nil
	}
}
