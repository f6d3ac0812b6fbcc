// Package mpu6050 drives InvenSense MPU-6050 accelerometer/gyroscope modules
package mpu6050

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
	DriverName = "mpu6050"

	// DefaultAddress is used when AD0 is low
	DefaultAddress uint16 = 0x68

	// AlternateAddress is used when AD0 is high
	AlternateAddress uint16 = 0x69

	regConfig      = 0x1A
	regGyroConfig  = 0x1B
	regAccelConfig = 0x1C
	regAccelXOutH  = 0x3B
	regPwrMgmt1    = 0x6B
	regWhoAmI      = 0x75

	whoAmI = 0x68

	accelScale = 16384.0 // LSB/g at ±2g
	gyroScale  = 131.0   // LSB/(°/s) at ±250°/s
)

// Sensor is an MPU-6050 on an I2C bus
type Sensor struct {
	*sensor.Base

	env   sensor.Env
	mu    sync.Mutex
	dev   *i2c.Dev
	awake bool
}

// Driver returns the registry entry for MPU-6050 sensors
func Driver() sensor.Driver {
	return sensor.Driver{
		Name:        DriverName,
		DefaultType: sensor.TypeMotion,
		Factory:     New,
	}
}

// New creates an MPU-6050 sensor
func New(desc sensor.Descriptor, env sensor.Env) (sensor.Sensor, error) {
	if desc.Address == 0 {
		desc.Address = DefaultAddress
	}
	if desc.Address != DefaultAddress && desc.Address != AlternateAddress {
		return nil, fmt.Errorf("mpu6050 address must be %#02x or %#02x, got %#02x",
			DefaultAddress, AlternateAddress, desc.Address)
	}
	return &Sensor{
		Base: sensor.NewBase(desc, env.Timeout, env.Logger),
		env:  env,
	}, nil
}

// Available checks WHO_AM_I and wakes the device on first success
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

	if !s.awake {
		return s.wake()
	}

	id, err := s.readByte(regWhoAmI)
	if err != nil {
		s.awake = false
		return err
	}
	if id != whoAmI {
		s.awake = false
		return fmt.Errorf("unexpected WHO_AM_I %#02x", id)
	}
	return nil
}

// wake takes the device out of sleep and selects ±2g, ±250°/s and a 44Hz
// low-pass filter
func (s *Sensor) wake() error {
	if err := s.dev.Tx([]byte{regPwrMgmt1, 0x00}, nil); err != nil {
		return fmt.Errorf("failed to wake: %w", err)
	}

	id, err := s.readByte(regWhoAmI)
	if err != nil {
		return err
	}
	if id != whoAmI {
		return fmt.Errorf("unexpected WHO_AM_I %#02x", id)
	}

	for _, w := range [][]byte{
		{regAccelConfig, 0x00},
		{regGyroConfig, 0x00},
		{regConfig, 0x03},
	} {
		if err := s.dev.Tx(w, nil); err != nil {
			return fmt.Errorf("failed to configure register %#02x: %w", w[0], err)
		}
	}

	s.awake = true
	s.Logger().Info().Msg("MPU6050 initialized")
	return nil
}

func (s *Sensor) readByte(reg byte) (byte, error) {
	r := make([]byte, 1)
	if err := s.dev.Tx([]byte{reg}, r); err != nil {
		return 0, fmt.Errorf("failed to read register %#02x: %w", reg, err)
	}
	return r[0], nil
}

// Read returns acceleration in g, angular rate in °/s and the die temperature
func (s *Sensor) Read(ctx context.Context) (sensor.Reading, error) {
	return s.Transact(ctx, s.read)
}

func (s *Sensor) read() (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil || !s.awake {
		return nil, fmt.Errorf("mpu6050 not initialized")
	}

	// ACCEL_XOUT_H .. GYRO_ZOUT_L in one burst
	buf := make([]byte, 14)
	if err := s.dev.Tx([]byte{regAccelXOutH}, buf); err != nil {
		return nil, fmt.Errorf("failed to read measurements: %w", err)
	}
	return decode(buf), nil
}

func decode(buf []byte) map[string]float64 {
	word := func(i int) float64 {
		return float64(int16(binary.BigEndian.Uint16(buf[i : i+2])))
	}
	return map[string]float64{
		"accel_x":     sensor.Round(word(0)/accelScale, 3),
		"accel_y":     sensor.Round(word(2)/accelScale, 3),
		"accel_z":     sensor.Round(word(4)/accelScale, 3),
		"temperature": sensor.Round(word(6)/340+36.53, 2),
		"gyro_x":      sensor.Round(word(8)/gyroScale, 2),
		"gyro_y":      sensor.Round(word(10)/gyroScale, 2),
		"gyro_z":      sensor.Round(word(12)/gyroScale, 2),
	}
}

// Close puts the device back to sleep
func (s *Sensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil || !s.awake {
		return nil
	}
	s.awake = false
	return s.dev.Tx([]byte{regPwrMgmt1, 0x40}, nil)
}
