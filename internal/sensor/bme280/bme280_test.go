package bme280

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"

	"sensorhub/internal/bus/bustest"
	"sensorhub/internal/sensor"
)

type fakeOpener struct {
	bus *bustest.Bus
}

func (o fakeOpener) Open(name string) (i2c.Bus, error) { return o.bus, nil }

func (o fakeOpener) OpenMux(name string, muxAddr uint16, channel uint8) (i2c.Bus, error) {
	return o.bus, nil
}

type fakeDevice struct {
	env    physic.Env
	err    error
	halted bool
}

func (d *fakeDevice) Sense(e *physic.Env) error {
	if d.err != nil {
		return d.err
	}
	*e = d.env
	return nil
}

func (d *fakeDevice) Halt() error {
	d.halted = true
	return nil
}

func newTestSensor(t *testing.T, fake *bustest.Bus, dev *fakeDevice) *Sensor {
	t.Helper()

	s, err := New(sensor.Descriptor{ID: "bme280_1", Type: sensor.TypeEnvironmental, Driver: DriverName},
		sensor.Env{Buses: fakeOpener{bus: fake}, Timeout: time.Second, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	bs := s.(*Sensor)
	bs.open = func(b i2c.Bus, addr uint16) (device, error) { return dev, nil }
	return bs
}

func TestNewAddress(t *testing.T) {
	tests := []struct {
		name    string
		address uint16
		want    uint16
		wantErr bool
	}{
		{"default", 0, DefaultAddress, false},
		{"alternate", 0x76, AlternateAddress, false},
		{"invalid", 0x29, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(sensor.Descriptor{ID: "b", Address: tt.address}, sensor.Env{})
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && s.Descriptor().Address != tt.want {
				t.Errorf("address = %#02x, want %#02x", s.Descriptor().Address, tt.want)
			}
		})
	}
}

func TestAvailable(t *testing.T) {
	t.Run("device present", func(t *testing.T) {
		fake := bustest.New()
		fake.Add(DefaultAddress).Regs[regChipID] = chipID
		s := newTestSensor(t, fake, &fakeDevice{})
		if !s.Available() {
			t.Error("Available() = false for present device")
		}
	})

	t.Run("no device", func(t *testing.T) {
		s := newTestSensor(t, bustest.New(), &fakeDevice{})
		if s.Available() {
			t.Error("Available() = true with nothing on the bus")
		}
	})

	t.Run("wrong chip", func(t *testing.T) {
		fake := bustest.New()
		fake.Add(DefaultAddress).Regs[regChipID] = 0x58
		s := newTestSensor(t, fake, &fakeDevice{})
		if s.Available() {
			t.Error("Available() = true for a BMP280")
		}
	})

	t.Run("no bus", func(t *testing.T) {
		s, err := New(sensor.Descriptor{ID: "b"}, sensor.Env{Logger: zerolog.Nop()})
		if err != nil {
			t.Fatal(err)
		}
		if s.Available() {
			t.Error("Available() = true without an I2C host")
		}
	})
}

func TestRead(t *testing.T) {
	fake := bustest.New()
	fake.Add(DefaultAddress).Regs[regChipID] = chipID
	dev := &fakeDevice{env: physic.Env{
		Temperature: physic.ZeroCelsius + 22500*physic.MilliKelvin,
		Humidity:    45 * physic.PercentRH,
		Pressure:    101325 * physic.Pascal,
	}}
	s := newTestSensor(t, fake, dev)

	if !s.Available() {
		t.Fatal("Available() = false")
	}
	r, err := s.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	want := map[string]float64{
		"temperature": 22.5,
		"humidity":    45,
		"pressure":    1013.25,
		"dew_point":   DewPoint(22.5, 45),
	}
	for k, v := range want {
		if r.Values[k] != v {
			t.Errorf("%s = %v, want %v", k, r.Values[k], v)
		}
	}
	if r.Status != sensor.StatusOK {
		t.Errorf("Status = %s", r.Status)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if !dev.halted {
		t.Error("Close() did not halt the device")
	}
}

func TestReadFailure(t *testing.T) {
	fake := bustest.New()
	fake.Add(DefaultAddress).Regs[regChipID] = chipID
	s := newTestSensor(t, fake, &fakeDevice{err: errors.New("measurement timeout")})

	if !s.Available() {
		t.Fatal("Available() = false")
	}
	_, err := s.Read(context.Background())

	var re *sensor.ReadError
	if !errors.As(err, &re) {
		t.Fatalf("error = %v, want *sensor.ReadError", err)
	}
}

func TestReadBeforeInit(t *testing.T) {
	s := newTestSensor(t, bustest.New(), &fakeDevice{})
	if _, err := s.Read(context.Background()); err == nil {
		t.Error("expected error reading an uninitialized device")
	}
}

func TestDewPoint(t *testing.T) {
	tests := []struct {
		name        string
		temperature float64
		humidity    float64
		want        float64
	}{
		{"zero humidity", 20, 0, 0},
		{"negative humidity", 20, -5, 0},
		{"saturated", 20, 100, 20},
		{"typical", 25, 60, 16.68},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DewPoint(tt.temperature, tt.humidity); got != tt.want {
				t.Errorf("DewPoint(%v, %v) = %v, want %v", tt.temperature, tt.humidity, got, tt.want)
			}
		})
	}
}
