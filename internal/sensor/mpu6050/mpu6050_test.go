package mpu6050

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/i2c"

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

func newSensor(t *testing.T, fake *bustest.Bus) *Sensor {
	t.Helper()
	s, err := New(sensor.Descriptor{ID: "mpu6050_1", Type: sensor.TypeMotion, Driver: DriverName},
		sensor.Env{Buses: fakeOpener{bus: fake}, Timeout: time.Second, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s.(*Sensor)
}

func putWord(dev *bustest.Device, reg byte, v int16) {
	dev.Regs[reg] = byte(uint16(v) >> 8)
	dev.Regs[reg+1] = byte(uint16(v))
}

func TestDecode(t *testing.T) {
	buf := []byte{
		0x40, 0x00, // accel_x = 16384 -> 1g
		0xC0, 0x00, // accel_y = -16384 -> -1g
		0x20, 0x00, // accel_z = 8192 -> 0.5g
		0x00, 0x00, // temp = 0 -> 36.53
		0x00, 0x83, // gyro_x = 131 -> 1°/s
		0xFF, 0x7D, // gyro_y = -131 -> -1°/s
		0x01, 0x06, // gyro_z = 262 -> 2°/s
	}
	want := map[string]float64{
		"accel_x":     1,
		"accel_y":     -1,
		"accel_z":     0.5,
		"temperature": 36.53,
		"gyro_x":      1,
		"gyro_y":      -1,
		"gyro_z":      2,
	}

	got := decode(buf)
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
}

func TestAvailableWakesDevice(t *testing.T) {
	fake := bustest.New()
	dev := fake.Add(DefaultAddress)
	dev.Regs[regWhoAmI] = whoAmI
	dev.Regs[regPwrMgmt1] = 0x40 // sleeping

	s := newSensor(t, fake)
	if !s.Available() {
		t.Fatal("Available() = false")
	}
	if dev.Regs[regPwrMgmt1] != 0x00 {
		t.Errorf("PWR_MGMT_1 = %#02x, want awake", dev.Regs[regPwrMgmt1])
	}
	if dev.Regs[regConfig] != 0x03 {
		t.Errorf("CONFIG = %#02x, want 0x03", dev.Regs[regConfig])
	}

	// subsequent checks only verify WHO_AM_I
	writes := len(dev.Writes)
	if !s.Available() {
		t.Fatal("second Available() = false")
	}
	if len(dev.Writes) != writes+1 {
		t.Errorf("second check issued %d transactions, want 1", len(dev.Writes)-writes)
	}
}

func TestAvailableWrongChip(t *testing.T) {
	fake := bustest.New()
	fake.Add(DefaultAddress).Regs[regWhoAmI] = 0x71

	if newSensor(t, fake).Available() {
		t.Error("Available() = true for an MPU-9250")
	}
}

func TestRead(t *testing.T) {
	fake := bustest.New()
	dev := fake.Add(DefaultAddress)
	dev.Regs[regWhoAmI] = whoAmI
	putWord(dev, regAccelXOutH, 0)
	putWord(dev, regAccelXOutH+2, 0)
	putWord(dev, regAccelXOutH+4, 16384)
	putWord(dev, regAccelXOutH+6, -340)
	putWord(dev, regAccelXOutH+8, 0)
	putWord(dev, regAccelXOutH+10, 0)
	putWord(dev, regAccelXOutH+12, -262)

	s := newSensor(t, fake)
	if !s.Available() {
		t.Fatal("Available() = false")
	}
	r, err := s.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if r.Values["accel_z"] != 1 {
		t.Errorf("accel_z = %v, want 1", r.Values["accel_z"])
	}
	if r.Values["temperature"] != 35.53 {
		t.Errorf("temperature = %v, want 35.53", r.Values["temperature"])
	}
	if r.Values["gyro_z"] != -2 {
		t.Errorf("gyro_z = %v, want -2", r.Values["gyro_z"])
	}
	if len(r.Values) != 7 {
		t.Errorf("got %d values, want 7", len(r.Values))
	}
}

func TestReadFailureForcesReinit(t *testing.T) {
	fake := bustest.New()
	dev := fake.Add(DefaultAddress)
	dev.Regs[regWhoAmI] = whoAmI

	s := newSensor(t, fake)
	if !s.Available() {
		t.Fatal("Available() = false")
	}

	dev.Fail = errors.New("nack")
	if s.Available() {
		t.Fatal("Available() = true while device fails")
	}

	dev.Fail = nil
	dev.Regs[regPwrMgmt1] = 0x40
	if !s.Available() {
		t.Fatal("Available() = false after recovery")
	}
	if dev.Regs[regPwrMgmt1] != 0x00 {
		t.Error("device was not woken again after recovery")
	}
}
