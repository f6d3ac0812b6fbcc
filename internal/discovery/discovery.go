// Package discovery scans an I2C bus, directly and behind PCA9548
// multiplexers, for sensors the built-in drivers support
package discovery

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/i2c"

	"sensorhub/internal/bus"
	"sensorhub/internal/sensor"
	"sensorhub/internal/sensor/bme280"
	"sensorhub/internal/sensor/ltr329"
	"sensorhub/internal/sensor/mpu6050"
)

// PCA9548 address range
const (
	firstMux uint16 = 0x70
	lastMux  uint16 = 0x77
)

// channelSettle is the delay after a channel select before probing
const channelSettle = 10 * time.Millisecond

// chip identifies a part by the value of one of its registers
type chip struct {
	driver    string
	typ       sensor.Type
	label     string
	addresses []uint16
	idReg     byte
	id        byte
}

var chips = []chip{
	{bme280.DriverName, sensor.TypeEnvironmental, "BME280", []uint16{bme280.AlternateAddress, bme280.DefaultAddress}, 0xD0, 0x60},
	{ltr329.DriverName, sensor.TypeLight, "LTR-329", []uint16{ltr329.DefaultAddress}, 0x86, 0xA0},
	{mpu6050.DriverName, sensor.TypeMotion, "MPU6050", []uint16{mpu6050.DefaultAddress, mpu6050.AlternateAddress}, 0x75, 0x68},
}

// Scanner probes a bus for known chips
type Scanner struct {
	bus     i2c.Bus
	busName string
	logger  zerolog.Logger
	sleep   func(time.Duration)
}

// NewScanner creates a scanner over b. busName is recorded in the descriptors.
func NewScanner(b i2c.Bus, busName string, logger zerolog.Logger) *Scanner {
	return &Scanner{
		bus:     b,
		busName: busName,
		logger:  logger.With().Str("component", "discovery").Logger(),
		sleep:   time.Sleep,
	}
}

// Scan returns a descriptor for every supported chip found: direct devices
// first, then devices behind each multiplexer channel. Every multiplexer is
// left with all channels disabled.
func (s *Scanner) Scan() ([]sensor.Descriptor, error) {
	// a channel left enabled by a previous run would make muxed devices look direct
	for addr := firstMux; addr <= lastMux; addr++ {
		bus.DisableMux(s.bus, addr)
	}

	var found []sensor.Descriptor
	direct := make(map[uint16]bool)

	for _, c := range chips {
		for _, addr := range c.addresses {
			if !s.identify(addr, c) {
				continue
			}
			direct[addr] = true
			found = append(found, s.descriptor(c, addr, nil, nil))
			s.logger.Info().Str("driver", c.driver).Str("address", hexAddr(addr)).Msg("Found sensor")
		}
	}

	var muxes []uint16
	for addr := firstMux; addr <= lastMux; addr++ {
		if direct[addr] {
			continue
		}
		if s.verifyMux(addr) {
			muxes = append(muxes, addr)
		}
	}

	for _, mux := range muxes {
		s.logger.Debug().Str("mux", hexAddr(mux)).Msg("Scanning multiplexer channels")
		for ch := uint8(0); ch <= bus.MaxMuxChannel; ch++ {
			if err := bus.SelectChannel(s.bus, mux, ch); err != nil {
				s.logger.Debug().Err(err).Msg("Channel select failed")
				continue
			}
			s.sleep(channelSettle)

			for _, c := range chips {
				for _, addr := range c.addresses {
					if direct[addr] || isMuxAddress(addr, muxes) {
						continue
					}
					if !s.identify(addr, c) {
						continue
					}
					m, channel := mux, ch
					found = append(found, s.descriptor(c, addr, &m, &channel))
					s.logger.Info().
						Str("driver", c.driver).
						Str("address", hexAddr(addr)).
						Str("mux", hexAddr(mux)).
						Uint8("channel", ch).
						Msg("Found sensor behind multiplexer")
				}
			}
		}
		if err := bus.DisableMux(s.bus, mux); err != nil {
			return found, err
		}
	}

	return found, nil
}

// identify reads the chip id register at addr
func (s *Scanner) identify(addr uint16, c chip) bool {
	id := make([]byte, 1)
	if err := s.bus.Tx(addr, []byte{c.idReg}, id); err != nil {
		return false
	}
	return id[0] == c.id
}

// verifyMux checks that addr behaves like a PCA9548: the control register
// reads back what was written
func (s *Scanner) verifyMux(addr uint16) bool {
	if err := s.bus.Tx(addr, []byte{0x01}, nil); err != nil {
		return false
	}
	ctrl := make([]byte, 1)
	err := s.bus.Tx(addr, nil, ctrl)
	bus.DisableMux(s.bus, addr)
	return err == nil && ctrl[0] == 0x01
}

func (s *Scanner) descriptor(c chip, addr uint16, mux *uint16, channel *uint8) sensor.Descriptor {
	d := sensor.Descriptor{
		Type:    c.typ,
		Driver:  c.driver,
		Bus:     s.busName,
		Address: addr,
	}
	if mux == nil {
		d.ID = fmt.Sprintf("%s_%02x", c.driver, addr)
		d.Name = fmt.Sprintf("%s Sensor (%s)", c.label, hexAddr(addr))
		d.Location = "I2C Direct"
		return d
	}

	d.ID = fmt.Sprintf("%s_%02x_%d_%02x", c.driver, *mux, *channel, addr)
	d.Name = fmt.Sprintf("%s via MUX %s Ch%d", c.label, hexAddr(*mux), *channel)
	d.Location = fmt.Sprintf("PCA9548 %s Channel %d", hexAddr(*mux), *channel)
	d.MuxAddress = mux
	d.MuxChannel = channel
	return d
}

func isMuxAddress(addr uint16, muxes []uint16) bool {
	for _, m := range muxes {
		if m == addr {
			return true
		}
	}
	return false
}

func hexAddr(addr uint16) string {
	return fmt.Sprintf("0x%02x", addr)
}
