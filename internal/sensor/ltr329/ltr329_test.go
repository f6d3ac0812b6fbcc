package ltr329

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/i2c"

	"sensorhub/internal/bus"
	"sensorhub/internal/bus/bustest"
	"sensorhub/internal/sensor"
)

type fakeOpener struct {
	bus *bustest.Bus
}

func (o fakeOpener) Open(name string) (i2c.Bus, error) { return o.bus, nil }

func (o fakeOpener) OpenMux(name string, muxAddr uint16, channel uint8) (i2c.Bus, error) {
	return bus.NewMuxBus(o.bus, nil, muxAddr, channel)
}

func newSensor(t *testing.T, fake *bustest.Bus, desc sensor.Descriptor) sensor.Sensor {
	t.Helper()
	desc.Driver = DriverName
	desc.Type = sensor.TypeLight
	s, err := New(desc, sensor.Env{Buses: fakeOpener{bus: fake}, Timeout: time.Second, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func attach(dev *bustest.Device, ch0, ch1 uint16) {
	dev.Regs[regPartID] = partID
	dev.Regs[regData] = byte(ch1)
	dev.Regs[regData+1] = byte(ch1 >> 8)
	dev.Regs[regData+2] = byte(ch0)
	dev.Regs[regData+3] = byte(ch0 >> 8)
}

func TestNewRejectsOtherAddresses(t *testing.T) {
	if _, err := New(sensor.Descriptor{ID: "l", Address: 0x39}, sensor.Env{}); err == nil {
		t.Error("expected error for address 0x39")
	}
	s, err := New(sensor.Descriptor{ID: "l"}, sensor.Env{})
	if err != nil {
		t.Fatal(err)
	}
	if s.Descriptor().Address != DefaultAddress {
		t.Errorf("address = %#02x, want default", s.Descriptor().Address)
	}
}

func TestReadChannels(t *testing.T) {
	fake := bustest.New()
	dev := fake.Add(DefaultAddress)
	attach(dev, 1234, 300)

	s := newSensor(t, fake, sensor.Descriptor{ID: "ltr329_1"})
	if !s.Available() {
		t.Fatal("Available() = false")
	}
	if dev.Regs[regALSControl] != modeActive {
		t.Errorf("ALS_CONTR = %#02x, want active", dev.Regs[regALSControl])
	}

	r, err := s.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if r.Values["light_level"] != 1234 {
		t.Errorf("light_level = %v, want 1234", r.Values["light_level"])
	}
	if r.Values["ir_level"] != 300 {
		t.Errorf("ir_level = %v, want 300", r.Values["ir_level"])
	}
	if r.SensorType != sensor.TypeLight {
		t.Errorf("SensorType = %s", r.SensorType)
	}

	if err := s.(*Sensor).Close(); err != nil {
		t.Fatal(err)
	}
	if dev.Regs[regALSControl] != 0 {
		t.Error("Close() did not put the sensor in standby")
	}
}

func TestReadBehindMux(t *testing.T) {
	fake := bustest.New()
	attach(fake.AddMuxed(0x70, 2, DefaultAddress), 50, 10)
	addr, ch := uint16(0x70), uint8(2)

	s := newSensor(t, fake, sensor.Descriptor{ID: "ltr329_mux", MuxAddress: &addr, MuxChannel: &ch})
	if !s.Available() {
		t.Fatal("Available() = false behind mux")
	}
	r, err := s.Read(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r.Values["light_level"] != 50 {
		t.Errorf("light_level = %v, want 50", r.Values["light_level"])
	}
}

func TestAvailableFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(b *bustest.Bus)
	}{
		{"absent", func(b *bustest.Bus) {}},
		{"wrong part", func(b *bustest.Bus) { b.Add(DefaultAddress).Regs[regPartID] = 0x1C }},
		{"bus error", func(b *bustest.Bus) { b.Add(DefaultAddress).Fail = errors.New("nack") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := bustest.New()
			tt.setup(fake)
			s := newSensor(t, fake, sensor.Descriptor{ID: "l"})
			if s.Available() {
				t.Error("Available() = true")
			}
		})
	}
}

func TestReadInvalidData(t *testing.T) {
	fake := bustest.New()
	dev := fake.Add(DefaultAddress)
	attach(dev, 1, 1)
	dev.Regs[regStatus] = statusInvalid

	s := newSensor(t, fake, sensor.Descriptor{ID: "l"})
	if !s.Available() {
		t.Fatal("Available() = false")
	}
	if _, err := s.Read(context.Background()); err == nil {
		t.Error("expected error for invalid ALS data")
	}
}

func TestReadAfterDisconnect(t *testing.T) {
	fake := bustest.New()
	dev := fake.Add(DefaultAddress)
	attach(dev, 1, 1)

	s := newSensor(t, fake, sensor.Descriptor{ID: "l"})
	if !s.Available() {
		t.Fatal("Available() = false")
	}
	dev.Fail = errors.New("remote I/O error")

	_, err := s.Read(context.Background())
	var re *sensor.ReadError
	if !errors.As(err, &re) {
		t.Fatalf("error = %v, want *sensor.ReadError", err)
	}
	if s.Descriptor().Available {
		t.Error("descriptor still marked available")
	}
}
