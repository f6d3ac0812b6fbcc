// Package influx mirrors readings into an InfluxDB v2 bucket
package influx

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"

	"sensorhub/internal/poller"
	"sensorhub/internal/sensor"
)

// Measurement is the InfluxDB measurement every reading is written to
const Measurement = "sensor_data"

// Config holds the InfluxDB connection settings
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Enabled reports whether enough settings are present to connect
func (c Config) Enabled() bool {
	return c.URL != "" && c.Bucket != ""
}

// PointWriter is the blocking write API subset the mirror uses
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Mirror writes one point per reading after every tick
type Mirror struct {
	client influxdb2.Client
	writer PointWriter
	logger zerolog.Logger
}

// New connects a mirror to the configured server
func New(cfg Config, logger zerolog.Logger) (*Mirror, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("influx URL and bucket are required")
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	m := NewWithWriter(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), logger)
	m.client = client
	return m, nil
}

// NewWithWriter creates a mirror over an existing writer
func NewWithWriter(w PointWriter, logger zerolog.Logger) *Mirror {
	return &Mirror{
		writer: w,
		logger: logger.With().Str("component", "influx").Logger(),
	}
}

// Name implements poller.Mirror
func (m *Mirror) Name() string {
	return "influx"
}

// Publish implements poller.Mirror
func (m *Mirror) Publish(ctx context.Context, res *poller.TickResult) error {
	points := Points(res)
	if len(points) == 0 {
		return nil
	}
	if err := m.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("failed to write %d points: %w", len(points), err)
	}
	m.logger.Debug().Int("points", len(points)).Uint64("tick", res.Tick).Msg("Wrote points")
	return nil
}

// Ping checks that the server is reachable
func (m *Mirror) Ping(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	ok, err := m.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("influx server not ready")
	}
	return nil
}

// Close releases the client
func (m *Mirror) Close() error {
	if m.client != nil {
		m.client.Close()
	}
	return nil
}

// Points converts a tick into points, one per reading. Failed readings are
// written with available=false so gaps show up in the series.
func Points(res *poller.TickResult) []*write.Point {
	points := make([]*write.Point, 0, len(res.Readings))
	for _, r := range res.Readings {
		points = append(points, Point(r))
	}
	return points
}

// Point converts a single reading
func Point(r sensor.Reading) *write.Point {
	p := influxdb2.NewPointWithMeasurement(Measurement).
		AddTag("sensor", r.SensorID).
		AddTag("sensor_type", string(r.SensorType)).
		AddTag("status", string(r.Status)).
		AddField("available", r.Status == sensor.StatusOK).
		SetTime(r.Timestamp)

	for key, value := range r.Values {
		p.AddField(key, value)
	}
	return p
}
