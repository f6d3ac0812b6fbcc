// Package registry loads the configured sensor set
package registry

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"sensorhub/internal/sensor"
	"sensorhub/internal/sensor/bme280"
	"sensorhub/internal/sensor/dht22"
	"sensorhub/internal/sensor/hwmon"
	"sensorhub/internal/sensor/ltr329"
	"sensorhub/internal/sensor/mock"
	"sensorhub/internal/sensor/mpu6050"
)

// StartupError is returned when the sensor set cannot be built.
// The process must not start polling after one.
type StartupError struct {
	Path     string
	SensorID string
	Err      error
}

func (e *StartupError) Error() string {
	var b strings.Builder
	b.WriteString("sensor registry")
	if e.Path != "" {
		fmt.Fprintf(&b, " %s", e.Path)
	}
	if e.SensorID != "" {
		fmt.Fprintf(&b, ": sensor %q", e.SensorID)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// Builtin returns a driver registry with every built-in driver
func Builtin() *sensor.Drivers {
	d := sensor.NewDrivers()
	for _, drv := range []sensor.Driver{
		bme280.Driver(),
		ltr329.Driver(),
		mpu6050.Driver(),
		dht22.Driver(),
		hwmon.Driver(),
		mock.Driver(),
	} {
		if err := d.Register(drv); err != nil {
			panic(err)
		}
	}
	return d
}

// ReadFile reads descriptors from a sensors YAML file, in file order
func ReadFile(path string) ([]sensor.Descriptor, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &StartupError{Path: path, Err: err}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, &StartupError{Path: path, Err: fmt.Errorf("failed to parse: %w", err)}
	}

	var descs []sensor.Descriptor
	if err := v.UnmarshalKey("sensors", &descs); err != nil {
		return nil, &StartupError{Path: path, Err: fmt.Errorf("invalid sensors list: %w", err)}
	}
	return descs, nil
}

// Set is the ordered, immutable set of sensors the poller iterates
type Set struct {
	sensors []sensor.Sensor
	byID    map[string]sensor.Sensor
}

// Load reads path and builds the sensor set
func Load(path string, drivers *sensor.Drivers, env sensor.Env) (*Set, error) {
	descs, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	set, err := New(descs, drivers, env)
	if err != nil {
		var se *StartupError
		if errors.As(err, &se) {
			se.Path = path
		}
		return nil, err
	}
	return set, nil
}

// New builds a set from descriptors, preserving their order
func New(descs []sensor.Descriptor, drivers *sensor.Drivers, env sensor.Env) (*Set, error) {
	set := &Set{
		sensors: make([]sensor.Sensor, 0, len(descs)),
		byID:    make(map[string]sensor.Sensor, len(descs)),
	}

	for i, desc := range descs {
		desc.ID = strings.TrimSpace(desc.ID)
		if desc.ID == "" {
			set.Close()
			return nil, &StartupError{Err: fmt.Errorf("sensor #%d has no id", i+1)}
		}
		if _, exists := set.byID[desc.ID]; exists {
			set.Close()
			return nil, &StartupError{SensorID: desc.ID, Err: errors.New("duplicate sensor id")}
		}

		s, err := drivers.New(desc, env)
		if err != nil {
			set.Close()
			return nil, &StartupError{SensorID: desc.ID, Err: err}
		}

		set.sensors = append(set.sensors, s)
		set.byID[desc.ID] = s
		env.Logger.Debug().
			Str("sensor", desc.ID).
			Str("driver", s.Descriptor().Driver).
			Str("type", string(s.Type())).
			Msg("Sensor registered")
	}

	if len(set.sensors) == 0 {
		env.Logger.Warn().Msg("No sensors configured")
	}
	return set, nil
}

// All returns sensors in registration order
func (s *Set) All() []sensor.Sensor {
	result := make([]sensor.Sensor, len(s.sensors))
	copy(result, s.sensors)
	return result
}

// Get returns a sensor by id
func (s *Set) Get(id string) (sensor.Sensor, bool) {
	sn, ok := s.byID[id]
	return sn, ok
}

// Len returns the number of sensors
func (s *Set) Len() int {
	return len(s.sensors)
}

// Descriptors returns the current descriptors in registration order
func (s *Set) Descriptors() []sensor.Descriptor {
	result := make([]sensor.Descriptor, len(s.sensors))
	for i, sn := range s.sensors {
		result[i] = sn.Descriptor()
	}
	return result
}

// Close releases drivers that hold hardware
func (s *Set) Close() error {
	var errs []error
	for _, sn := range s.sensors {
		c, ok := sn.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sensor %s: %w", sn.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// LogSummary logs one line per sensor
func (s *Set) LogSummary(logger zerolog.Logger) {
	for _, sn := range s.sensors {
		d := sn.Descriptor()
		logger.Info().
			Str("sensor", d.ID).
			Str("driver", d.Driver).
			Str("type", string(d.Type)).
			Str("location", d.Location).
			Msg("Sensor configured")
	}
}
