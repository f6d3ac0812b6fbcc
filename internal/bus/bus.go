// Package bus opens and shares I2C buses between sensor drivers
package bus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// MaxMuxChannel is the highest channel on a PCA9548
const MaxMuxChannel = 7

// Manager opens I2C buses lazily and caches them by name
type Manager struct {
	mu       sync.Mutex
	buses    map[string]i2c.BusCloser
	muxLocks map[string]*sync.Mutex
	logger   zerolog.Logger

	initOnce sync.Once
	initErr  error

	// replaced in tests
	initHost func() error
	open     func(name string) (i2c.BusCloser, error)
}

// NewManager creates a new bus manager
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		buses:    make(map[string]i2c.BusCloser),
		muxLocks: make(map[string]*sync.Mutex),
		logger:   logger.With().Str("component", "bus").Logger(),
		initHost: initPeriph,
		open:     i2creg.Open,
	}
}

func initPeriph() error {
	_, err := host.Init()
	return err
}

// Open returns the shared bus with the given name ("" = first bus)
func (m *Manager) Open(name string) (i2c.Bus, error) {
	m.initOnce.Do(func() {
		if err := m.initHost(); err != nil {
			m.initErr = fmt.Errorf("failed to initialize periph host: %w", err)
		}
	})
	if m.initErr != nil {
		return nil, m.initErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.buses[name]; ok {
		return b, nil
	}

	b, err := m.open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open I2C bus %q: %w", name, err)
	}
	m.buses[name] = b
	m.logger.Info().Str("bus", b.String()).Msg("I2C bus opened")
	return b, nil
}

// OpenMux returns a view of bus name that selects channel on the PCA9548 at
// muxAddr before every transaction
func (m *Manager) OpenMux(name string, muxAddr uint16, channel uint8) (i2c.Bus, error) {
	parent, err := m.Open(name)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s/%#02x", name, muxAddr)
	m.mu.Lock()
	lock, ok := m.muxLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.muxLocks[key] = lock
	}
	m.mu.Unlock()

	mb, err := NewMuxBus(parent, lock, muxAddr, channel)
	if err != nil {
		return nil, err
	}
	return mb, nil
}

// Close closes all opened buses
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, b := range m.buses {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("bus %q: %w", name, err))
		}
		delete(m.buses, name)
	}
	return errors.Join(errs...)
}

// MuxBus is an i2c.Bus behind one PCA9548 channel
type MuxBus struct {
	parent  i2c.Bus
	lock    *sync.Mutex
	addr    uint16
	channel uint8
}

// NewMuxBus wraps parent. lock must be shared by every channel of the same
// multiplexer so that a select and its transaction are never interleaved.
func NewMuxBus(parent i2c.Bus, lock *sync.Mutex, muxAddr uint16, channel uint8) (*MuxBus, error) {
	if channel > MaxMuxChannel {
		return nil, fmt.Errorf("invalid multiplexer channel %d", channel)
	}
	if lock == nil {
		lock = &sync.Mutex{}
	}
	return &MuxBus{parent: parent, lock: lock, addr: muxAddr, channel: channel}, nil
}

// String implements i2c.Bus
func (b *MuxBus) String() string {
	return fmt.Sprintf("%s/mux%#02x:%d", b.parent.String(), b.addr, b.channel)
}

// Tx implements i2c.Bus
func (b *MuxBus) Tx(addr uint16, w, r []byte) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	if err := SelectChannel(b.parent, b.addr, b.channel); err != nil {
		return err
	}
	return b.parent.Tx(addr, w, r)
}

// SetSpeed implements i2c.Bus
func (b *MuxBus) SetSpeed(f physic.Frequency) error {
	return b.parent.SetSpeed(f)
}

// SelectChannel enables a single channel on the multiplexer at muxAddr
func SelectChannel(b i2c.Bus, muxAddr uint16, channel uint8) error {
	if err := b.Tx(muxAddr, []byte{1 << channel}, nil); err != nil {
		return fmt.Errorf("failed to select mux %#02x channel %d: %w", muxAddr, channel, err)
	}
	return nil
}

// DisableMux turns every channel of the multiplexer off
func DisableMux(b i2c.Bus, muxAddr uint16) error {
	if err := b.Tx(muxAddr, []byte{0x00}, nil); err != nil {
		return fmt.Errorf("failed to reset mux %#02x: %w", muxAddr, err)
	}
	return nil
}
