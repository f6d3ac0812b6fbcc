package dht22

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"sensorhub/internal/sensor"
)

type fakeDHT struct {
	humidity    float64
	temperature float64
	err         error
	retries     int
}

func (f *fakeDHT) ReadRetry(maxRetries int) (float64, float64, error) {
	f.retries = maxRetries
	return f.humidity, f.temperature, f.err
}

func newSensor(t *testing.T, dev *fakeDHT, openErr error) *Sensor {
	t.Helper()
	s, err := New(sensor.Descriptor{ID: "dht22_1", Driver: DriverName, Type: sensor.TypeEnvironmental, Pin: "gpio4"},
		sensor.Env{Timeout: time.Second, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ds := s.(*Sensor)
	ds.open = func(pin string) (device, error) {
		if openErr != nil {
			return nil, openErr
		}
		return dev, nil
	}
	return ds
}

func TestNewRequiresPin(t *testing.T) {
	if _, err := New(sensor.Descriptor{ID: "d"}, sensor.Env{}); err == nil {
		t.Error("expected error without pin")
	}
	s, err := New(sensor.Descriptor{ID: "d", Pin: " gpio17 "}, sensor.Env{})
	if err != nil {
		t.Fatal(err)
	}
	if s.Descriptor().Pin != "GPIO17" {
		t.Errorf("Pin = %q, want GPIO17", s.Descriptor().Pin)
	}
}

func TestRead(t *testing.T) {
	dev := &fakeDHT{humidity: 55.123, temperature: 21.456}
	s := newSensor(t, dev, nil)

	if !s.Available() {
		t.Fatal("Available() = false")
	}
	r, err := s.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if r.Values["temperature"] != 21.46 || r.Values["humidity"] != 55.12 {
		t.Errorf("values = %v", r.Values)
	}
	if dev.retries != retries {
		t.Errorf("ReadRetry called with %d, want %d", dev.retries, retries)
	}
}

func TestReadErrors(t *testing.T) {
	tests := []struct {
		name string
		dev  *fakeDHT
	}{
		{"checksum", &fakeDHT{err: errors.New("checksum error")}},
		{"out of range", &fakeDHT{humidity: 130, temperature: 20}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSensor(t, tt.dev, nil)
			if !s.Available() {
				t.Fatal("Available() = false")
			}
			_, err := s.Read(context.Background())
			var re *sensor.ReadError
			if !errors.As(err, &re) {
				t.Errorf("error = %v, want *sensor.ReadError", err)
			}
		})
	}
}

func TestAvailableWithoutGPIO(t *testing.T) {
	s := newSensor(t, nil, errors.New("no gpio"))
	if s.Available() {
		t.Error("Available() = true without GPIO host")
	}
	if _, err := s.Read(context.Background()); err == nil {
		t.Error("Read() succeeded on an unopened pin")
	}
}
