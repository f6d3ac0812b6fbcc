// Package bustest provides an in-memory I2C bus for driver tests
package bustest

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/physic"
)

// Device is a register-addressed I2C device with an auto-incrementing pointer
type Device struct {
	Regs    [256]byte
	Fail    error
	pointer byte
	Writes  [][]byte
}

// Mux is a PCA9548 with devices on its channels
type Mux struct {
	Selected byte
	Channels map[uint8]map[uint16]*Device
}

// Bus is a fake periph i2c.Bus
type Bus struct {
	mu      sync.Mutex
	Name    string
	Devices map[uint16]*Device
	Muxes   map[uint16]*Mux
	Txs     int
	Closed  bool
}

// New creates an empty bus
func New() *Bus {
	return &Bus{
		Name:    "fake-i2c",
		Devices: make(map[uint16]*Device),
		Muxes:   make(map[uint16]*Mux),
	}
}

// Add attaches a device directly to the bus
func (b *Bus) Add(addr uint16) *Device {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := &Device{}
	b.Devices[addr] = d
	return d
}

// AddMuxed attaches a device behind a multiplexer channel
func (b *Bus) AddMuxed(muxAddr uint16, channel uint8, addr uint16) *Device {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.Muxes[muxAddr]
	if !ok {
		m = &Mux{Channels: make(map[uint8]map[uint16]*Device)}
		b.Muxes[muxAddr] = m
	}
	if m.Channels[channel] == nil {
		m.Channels[channel] = make(map[uint16]*Device)
	}
	d := &Device{}
	m.Channels[channel][addr] = d
	return d
}

// AddMux attaches a multiplexer with no devices
func (b *Bus) AddMux(muxAddr uint16) *Mux {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := &Mux{Channels: make(map[uint8]map[uint16]*Device)}
	b.Muxes[muxAddr] = m
	return m
}

// String implements i2c.Bus
func (b *Bus) String() string {
	return b.Name
}

// SetSpeed implements i2c.Bus
func (b *Bus) SetSpeed(f physic.Frequency) error {
	return nil
}

// Close implements i2c.BusCloser
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Closed = true
	return nil
}

// Tx implements i2c.Bus
func (b *Bus) Tx(addr uint16, w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Txs++

	if m, ok := b.Muxes[addr]; ok {
		if len(w) == 1 {
			m.Selected = w[0]
		}
		// reads return the control register
		for i := range r {
			r[i] = m.Selected
		}
		return nil
	}

	d := b.lookup(addr)
	if d == nil {
		return fmt.Errorf("i2c: no device at %#02x", addr)
	}
	if d.Fail != nil {
		return d.Fail
	}

	if len(w) > 0 {
		d.Writes = append(d.Writes, append([]byte(nil), w...))
		d.pointer = w[0]
		for _, v := range w[1:] {
			d.Regs[d.pointer] = v
			d.pointer++
		}
	}
	for i := range r {
		r[i] = d.Regs[d.pointer]
		d.pointer++
	}
	return nil
}

func (b *Bus) lookup(addr uint16) *Device {
	if d, ok := b.Devices[addr]; ok {
		return d
	}
	for _, m := range b.Muxes {
		for ch := uint8(0); ch < 8; ch++ {
			if m.Selected&(1<<ch) == 0 {
				continue
			}
			if d, ok := m.Channels[ch][addr]; ok {
				return d
			}
		}
	}
	return nil
}
