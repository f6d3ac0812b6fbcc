// Package ltr329 drives Lite-On LTR-329ALS ambient light sensors
package ltr329

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/i2c"

	"sensorhub/internal/sensor"
)

const (
	// DriverName is the registry name of this driver
	DriverName = "ltr329"

	// DefaultAddress is the fixed address of the part
	DefaultAddress uint16 = 0x29

	regALSControl = 0x80
	regMeasRate   = 0x85
	regPartID     = 0x86
	regData       = 0x88 // CH1 low, CH1 high, CH0 low, CH0 high
	regStatus     = 0x8C

	partID = 0xA0

	modeActive   = 0x01 // gain 1x
	rate100ms500 = 0x03 // 100ms integration, 500ms repeat

	statusInvalid = 0x80
)

// Sensor is an LTR-329 on an I2C bus
type Sensor struct {
	*sensor.Base

	env    sensor.Env
	mu     sync.Mutex
	dev    *i2c.Dev
	active bool
}

// Driver returns the registry entry for LTR-329 sensors
func Driver() sensor.Driver {
	return sensor.Driver{
		Name:        DriverName,
		DefaultType: sensor.TypeLight,
		Factory:     New,
	}
}

// New creates an LTR-329 sensor
func New(desc sensor.Descriptor, env sensor.Env) (sensor.Sensor, error) {
	if desc.Address == 0 {
		desc.Address = DefaultAddress
	}
	if desc.Address != DefaultAddress {
		return nil, fmt.Errorf("ltr329 address must be %#02x, got %#02x", DefaultAddress, desc.Address)
	}
	return &Sensor{
		Base: sensor.NewBase(desc, env.Timeout, env.Logger),
		env:  env,
	}, nil
}

// Available checks the part id and switches the sensor to active mode
func (s *Sensor) Available() bool {
	return s.Probe(s.probe)
}

func (s *Sensor) probe() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil {
		b, err := s.env.I2C(s.Descriptor())
		if err != nil {
			return err
		}
		s.dev = &i2c.Dev{Bus: b, Addr: s.Descriptor().Address}
	}

	id := make([]byte, 1)
	if err := s.dev.Tx([]byte{regPartID}, id); err != nil {
		s.active = false
		return fmt.Errorf("failed to read part id: %w", err)
	}
	if id[0] != partID {
		s.active = false
		return fmt.Errorf("unexpected part id %#02x", id[0])
	}

	if !s.active {
		if err := s.dev.Tx([]byte{regALSControl, modeActive}, nil); err != nil {
			return fmt.Errorf("failed to activate: %w", err)
		}
		if err := s.dev.Tx([]byte{regMeasRate, rate100ms500}, nil); err != nil {
			return fmt.Errorf("failed to set measurement rate: %w", err)
		}
		s.active = true
		s.Logger().Info().Msg("LTR329 activated")
	}
	return nil
}

// Read returns the raw channel counts: light_level is CH0 (visible + IR),
// ir_level is CH1 (IR only)
func (s *Sensor) Read(ctx context.Context) (sensor.Reading, error) {
	return s.Transact(ctx, s.read)
}

func (s *Sensor) read() (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil || !s.active {
		return nil, fmt.Errorf("ltr329 not initialized")
	}

	status := make([]byte, 1)
	if err := s.dev.Tx([]byte{regStatus}, status); err != nil {
		return nil, fmt.Errorf("failed to read status: %w", err)
	}
	if status[0]&statusInvalid != 0 {
		return nil, fmt.Errorf("ALS data invalid (status %#02x)", status[0])
	}

	// CH1 must be read before CH0 to latch the sample
	data := make([]byte, 4)
	if err := s.dev.Tx([]byte{regData}, data); err != nil {
		return nil, fmt.Errorf("failed to read channels: %w", err)
	}
	ch1 := binary.LittleEndian.Uint16(data[0:2])
	ch0 := binary.LittleEndian.Uint16(data[2:4])

	return map[string]float64{
		"light_level": float64(ch0),
		"ir_level":    float64(ch1),
	}, nil
}

// Close puts the sensor back in standby
func (s *Sensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil || !s.active {
		return nil
	}
	s.active = false
	return s.dev.Tx([]byte{regALSControl, 0x00}, nil)
}
