// Package bme280 drives Bosch BME280 temperature, humidity and pressure sensors
package bme280

import (
	"context"
	"fmt"
	"math"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/bmxx80"

	"sensorhub/internal/sensor"
)

const (
	// DriverName is the registry name of this driver
	DriverName = "bme280"

	// DefaultAddress is used when the descriptor leaves the address empty
	DefaultAddress uint16 = 0x77

	// AlternateAddress is selected by pulling SDO low
	AlternateAddress uint16 = 0x76

	regChipID = 0xD0
	chipID    = 0x60
)

// sample is one compensated measurement
type sample struct {
	temperature float64 // °C
	humidity    float64 // %RH
	pressure    float64 // hPa
}

// device is the part of bmxx80.Dev the driver uses
type device interface {
	Sense(e *physic.Env) error
	Halt() error
}

// Sensor is a BME280 on an I2C bus
type Sensor struct {
	*sensor.Base

	env  sensor.Env
	mu   sync.Mutex
	bus  i2c.Bus
	dev  device
	open func(b i2c.Bus, addr uint16) (device, error)
}

// Driver returns the registry entry for BME280 sensors
func Driver() sensor.Driver {
	return sensor.Driver{
		Name:        DriverName,
		DefaultType: sensor.TypeEnvironmental,
		Factory:     New,
	}
}

// New creates a BME280 sensor. Hardware is initialized on the first
// availability check.
func New(desc sensor.Descriptor, env sensor.Env) (sensor.Sensor, error) {
	if desc.Address == 0 {
		desc.Address = DefaultAddress
	}
	if desc.Address != DefaultAddress && desc.Address != AlternateAddress {
		return nil, fmt.Errorf("bme280 address must be %#02x or %#02x, got %#02x",
			AlternateAddress, DefaultAddress, desc.Address)
	}
	return &Sensor{
		Base: sensor.NewBase(desc, env.Timeout, env.Logger),
		env:  env,
		open: openBMXX80,
	}, nil
}

func openBMXX80(b i2c.Bus, addr uint16) (device, error) {
	dev, err := bmxx80.NewI2C(b, addr, &bmxx80.DefaultOpts)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// Available checks the chip id and initializes the device on first success
func (s *Sensor) Available() bool {
	return s.Probe(s.probe)
}

func (s *Sensor) probe() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	desc := s.Descriptor()
	if s.bus == nil {
		b, err := s.env.I2C(desc)
		if err != nil {
			return err
		}
		s.bus = b
	}

	id := make([]byte, 1)
	if err := s.bus.Tx(desc.Address, []byte{regChipID}, id); err != nil {
		s.dev = nil
		return fmt.Errorf("failed to read chip id: %w", err)
	}
	if id[0] != chipID {
		s.dev = nil
		return fmt.Errorf("unexpected chip id %#02x at %#02x", id[0], desc.Address)
	}

	if s.dev == nil {
		dev, err := s.open(s.bus, desc.Address)
		if err != nil {
			return fmt.Errorf("failed to initialize bme280: %w", err)
		}
		s.dev = dev
		s.Logger().Info().Str("address", fmt.Sprintf("%#02x", desc.Address)).Msg("BME280 initialized")
	}
	return nil
}

// Read performs a forced measurement
func (s *Sensor) Read(ctx context.Context) (sensor.Reading, error) {
	return s.Transact(ctx, func() (map[string]float64, error) {
		smp, err := s.sense()
		if err != nil {
			return nil, err
		}
		return values(smp), nil
	})
}

func (s *Sensor) sense() (sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil {
		return sample{}, fmt.Errorf("bme280 not initialized")
	}

	var e physic.Env
	if err := s.dev.Sense(&e); err != nil {
		return sample{}, err
	}
	return sample{
		temperature: float64(e.Temperature-physic.ZeroCelsius) / float64(physic.Celsius),
		humidity:    float64(e.Humidity) / float64(physic.PercentRH),
		pressure:    float64(e.Pressure) / float64(physic.Pascal) / 100,
	}, nil
}

// Close halts the device
func (s *Sensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil {
		return nil
	}
	err := s.dev.Halt()
	s.dev = nil
	return err
}

func values(smp sample) map[string]float64 {
	t := sensor.Round(smp.temperature, 2)
	h := sensor.Round(smp.humidity, 2)
	return map[string]float64{
		"temperature": t,
		"humidity":    h,
		"pressure":    sensor.Round(smp.pressure, 2),
		"dew_point":   DewPoint(t, h),
	}
}

// DewPoint computes the dew point in °C with the Magnus formula.
// It returns 0 when humidity is not positive.
func DewPoint(temperature, humidity float64) float64 {
	const (
		a = 17.27
		b = 237.7
	)
	if humidity <= 0 {
		return 0
	}
	alpha := (a*temperature)/(b+temperature) + math.Log(humidity/100)
	dp := (b * alpha) / (a - alpha)
	if math.IsNaN(dp) || math.IsInf(dp, 0) {
		return 0
	}
	return sensor.Round(dp, 2)
}
