package influx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"

	"sensorhub/internal/poller"
	"sensorhub/internal/sensor"
)

var (
	bme = sensor.Descriptor{ID: "bme280_1", Type: sensor.TypeEnvironmental}
	ltr = sensor.Descriptor{ID: "ltr329_1", Type: sensor.TypeLight}
	at  = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
)

type recordingWriter struct {
	points []*write.Point
	err    error
}

func (w *recordingWriter) WritePoint(ctx context.Context, point ...*write.Point) error {
	if w.err != nil {
		return w.err
	}
	w.points = append(w.points, point...)
	return nil
}

func tags(p *write.Point) map[string]string {
	m := map[string]string{}
	for _, t := range p.TagList() {
		m[t.Key] = t.Value
	}
	return m
}

func fields(p *write.Point) map[string]interface{} {
	m := map[string]interface{}{}
	for _, f := range p.FieldList() {
		m[f.Key] = f.Value
	}
	return m
}

func TestPoint(t *testing.T) {
	tests := []struct {
		name       string
		reading    sensor.Reading
		wantStatus string
		wantFields map[string]interface{}
	}{
		{
			name:       "ok",
			reading:    sensor.OK(bme, at, map[string]float64{"temperature": 22.5, "humidity": 45}),
			wantStatus: "ok",
			wantFields: map[string]interface{}{"available": true, "temperature": 22.5, "humidity": 45.0},
		},
		{
			name:       "error",
			reading:    sensor.Failed(ltr, at, errors.New("nack")),
			wantStatus: "error",
			wantFields: map[string]interface{}{"available": false},
		},
		{
			name:       "unavailable",
			reading:    sensor.Unavailable(ltr, at),
			wantStatus: "unavailable",
			wantFields: map[string]interface{}{"available": false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Point(tt.reading)

			if p.Name() != Measurement {
				t.Errorf("Name() = %q", p.Name())
			}
			if !p.Time().Equal(at) {
				t.Errorf("Time() = %v", p.Time())
			}

			tg := tags(p)
			if tg["sensor"] != tt.reading.SensorID || tg["status"] != tt.wantStatus || tg["sensor_type"] != string(tt.reading.SensorType) {
				t.Errorf("tags = %v", tg)
			}

			got := fields(p)
			if len(got) != len(tt.wantFields) {
				t.Fatalf("fields = %v, want %v", got, tt.wantFields)
			}
			for k, want := range tt.wantFields {
				if got[k] != want {
					t.Errorf("field %s = %v (%T), want %v", k, got[k], got[k], want)
				}
			}
		})
	}
}

func TestMirrorPublish(t *testing.T) {
	res := &poller.TickResult{
		Tick: 1,
		Readings: []sensor.Reading{
			sensor.OK(bme, at, map[string]float64{"temperature": 21}),
			sensor.Failed(ltr, at, errors.New("nack")),
		},
	}

	t.Run("writes one point per reading", func(t *testing.T) {
		w := &recordingWriter{}
		m := NewWithWriter(w, zerolog.Nop())
		if m.Name() != "influx" {
			t.Errorf("Name() = %q", m.Name())
		}
		if err := m.Publish(context.Background(), res); err != nil {
			t.Fatal(err)
		}
		if len(w.points) != 2 {
			t.Fatalf("wrote %d points, want 2", len(w.points))
		}
		if tags(w.points[1])["sensor"] != "ltr329_1" {
			t.Error("points out of order")
		}
	})

	t.Run("write error", func(t *testing.T) {
		cause := errors.New("unauthorized")
		m := NewWithWriter(&recordingWriter{err: cause}, zerolog.Nop())
		if err := m.Publish(context.Background(), res); !errors.Is(err, cause) {
			t.Errorf("Publish() error = %v, want wrapped %v", err, cause)
		}
	})

	t.Run("empty tick", func(t *testing.T) {
		w := &recordingWriter{err: errors.New("must not be called")}
		m := NewWithWriter(w, zerolog.Nop())
		if err := m.Publish(context.Background(), &poller.TickResult{}); err != nil {
			t.Errorf("Publish() error = %v", err)
		}
	})
}

func TestConfigEnabled(t *testing.T) {
	if (Config{}).Enabled() {
		t.Error("empty config must be disabled")
	}
	if !(Config{URL: "http://localhost:8086", Bucket: "sensors"}).Enabled() {
		t.Error("URL and bucket must enable the mirror")
	}
	if _, err := New(Config{}, zerolog.Nop()); err == nil {
		t.Error("New() must reject a disabled config")
	}
}
