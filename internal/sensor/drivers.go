package sensor

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/i2c"
)

// BusOpener hands out shared I2C buses by name ("" = first bus)
type BusOpener interface {
	Open(name string) (i2c.Bus, error)
	OpenMux(name string, muxAddr uint16, channel uint8) (i2c.Bus, error)
}

// Env contains dependencies available to driver factories
type Env struct {
	// Buses opens I2C buses (can be nil on hosts without I2C)
	Buses BusOpener

	// Timeout is the default transaction timeout
	Timeout time.Duration

	// Logger is the parent logger for drivers
	Logger zerolog.Logger
}

// I2C opens the bus a descriptor points at, going through its multiplexer
// channel when one is configured
func (e Env) I2C(desc Descriptor) (i2c.Bus, error) {
	if e.Buses == nil {
		return nil, fmt.Errorf("no I2C host available")
	}
	if desc.Multiplexed() {
		return e.Buses.OpenMux(desc.Bus, *desc.MuxAddress, *desc.MuxChannel)
	}
	return e.Buses.Open(desc.Bus)
}

// Factory builds a driver from its descriptor.
// Factories must not fail because hardware is missing; that is reported
// through Available. They fail only on invalid descriptors.
type Factory func(desc Descriptor, env Env) (Sensor, error)

// Driver couples a factory with the type tag its sensors report by default
type Driver struct {
	Name        string
	DefaultType Type
	Factory     Factory
}

// Drivers is the registry of sensor drivers
type Drivers struct {
	mu      sync.RWMutex
	drivers map[string]Driver
	order   []string // registration order
}

// NewDrivers creates an empty driver registry
func NewDrivers() *Drivers {
	return &Drivers{
		drivers: make(map[string]Driver),
		order:   make([]string, 0),
	}
}

// Register registers a driver
func (d *Drivers) Register(drv Driver) error {
	name := strings.ToLower(strings.TrimSpace(drv.Name))
	if name == "" {
		return fmt.Errorf("driver name cannot be empty")
	}
	if drv.Factory == nil {
		return fmt.Errorf("driver %s has no factory", name)
	}
	if !drv.DefaultType.Valid() {
		return fmt.Errorf("driver %s has invalid type %q", name, drv.DefaultType)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.drivers[name]; exists {
		return fmt.Errorf("driver %s is already registered", name)
	}

	drv.Name = name
	d.drivers[name] = drv
	d.order = append(d.order, name)
	return nil
}

// Get returns a driver by name
func (d *Drivers) Get(name string) (Driver, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	drv, ok := d.drivers[strings.ToLower(name)]
	return drv, ok
}

// Names returns driver names in registration order
func (d *Drivers) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]string, len(d.order))
	copy(result, d.order)
	return result
}

// New builds a sensor for desc. An empty type is filled with the driver default.
func (d *Drivers) New(desc Descriptor, env Env) (Sensor, error) {
	drv, ok := d.Get(desc.Driver)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, desc.Driver)
	}

	desc.Driver = drv.Name
	if desc.Type == "" {
		desc.Type = drv.DefaultType
	}
	if !desc.Type.Valid() {
		return nil, fmt.Errorf("sensor %s: invalid type %q", desc.ID, desc.Type)
	}

	s, err := drv.Factory(desc, env)
	if err != nil {
		return nil, fmt.Errorf("sensor %s: %w", desc.ID, err)
	}
	return s, nil
}
