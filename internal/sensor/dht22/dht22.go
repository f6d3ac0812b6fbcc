// Package dht22 drives DHT22/AM2302 single-wire temperature and humidity sensors
package dht22

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/MichaelS11/go-dht"

	"sensorhub/internal/sensor"
)

// DriverName is the registry name of this driver
const DriverName = "dht22"

// retries per read; the single-wire protocol drops bits regularly
const retries = 5

// device is the part of *dht.DHT the driver uses
type device interface {
	ReadRetry(maxRetries int) (humidity float64, temperature float64, err error)
}

var (
	hostOnce sync.Once
	hostErr  error
)

func openDHT(pin string) (device, error) {
	hostOnce.Do(func() {
		hostErr = dht.HostInit()
	})
	if hostErr != nil {
		return nil, fmt.Errorf("failed to initialize GPIO host: %w", hostErr)
	}
	d, err := dht.NewDHT(pin, dht.Celsius, "")
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Sensor is a DHT22 on a GPIO pin
type Sensor struct {
	*sensor.Base

	mu   sync.Mutex
	dev  device
	open func(pin string) (device, error)
}

// Driver returns the registry entry for DHT22 sensors
func Driver() sensor.Driver {
	return sensor.Driver{
		Name:        DriverName,
		DefaultType: sensor.TypeEnvironmental,
		Factory:     New,
	}
}

// New creates a DHT22 sensor. The descriptor must name a GPIO pin.
func New(desc sensor.Descriptor, env sensor.Env) (sensor.Sensor, error) {
	desc.Pin = strings.ToUpper(strings.TrimSpace(desc.Pin))
	if desc.Pin == "" {
		return nil, fmt.Errorf("dht22 requires a GPIO pin")
	}
	return &Sensor{
		Base: sensor.NewBase(desc, env.Timeout, env.Logger),
		open: openDHT,
	}, nil
}

// Available opens the GPIO pin. The protocol has no cheap presence check,
// so a missing sensor surfaces as a read error.
func (s *Sensor) Available() bool {
	return s.Probe(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.dev != nil {
			return nil
		}
		d, err := s.open(s.Descriptor().Pin)
		if err != nil {
			return err
		}
		s.dev = d
		s.Logger().Info().Str("pin", s.Descriptor().Pin).Msg("DHT22 initialized")
		return nil
	})
}

// Read samples temperature and humidity
func (s *Sensor) Read(ctx context.Context) (sensor.Reading, error) {
	return s.Transact(ctx, func() (map[string]float64, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.dev == nil {
			return nil, fmt.Errorf("dht22 not initialized")
		}
		humidity, temperature, err := s.dev.ReadRetry(retries)
		if err != nil {
			return nil, err
		}
		if humidity < 0 || humidity > 100 {
			return nil, fmt.Errorf("humidity out of range: %.1f", humidity)
		}
		return map[string]float64{
			"temperature": sensor.Round(temperature, 2),
			"humidity":    sensor.Round(humidity, 2),
		}, nil
	})
}
