package poller

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"sensorhub/internal/sensor"
	"sensorhub/internal/storage"
)

var t0 = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: t0}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// After fires immediately, as if the whole wait had elapsed
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waits = append(c.waits, d)
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func (c *fakeClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

type fakeSensor struct {
	desc        sensor.Descriptor
	clock       *fakeClock
	unavailable bool
	values      map[string]float64
	err         error
	panicAvail  bool
	panicRead   bool
	took        []time.Duration // per call, last value repeats
	onRead      func(ctx context.Context)

	calls   []time.Time
	ctxErrs []error
}

func newFakeSensor(id string, typ sensor.Type, clock *fakeClock) *fakeSensor {
	return &fakeSensor{
		desc:   sensor.Descriptor{ID: id, Type: typ, Driver: "fake"},
		clock:  clock,
		values: map[string]float64{"temperature": 21},
	}
}

func (s *fakeSensor) ID() string                    { return s.desc.ID }
func (s *fakeSensor) Type() sensor.Type             { return s.desc.Type }
func (s *fakeSensor) Descriptor() sensor.Descriptor { return s.desc }

func (s *fakeSensor) Available() bool {
	if s.panicAvail {
		panic("bus exploded")
	}
	return !s.unavailable
}

func (s *fakeSensor) Read(ctx context.Context) (sensor.Reading, error) {
	s.calls = append(s.calls, s.clock.Now())
	if s.onRead != nil {
		s.onRead(ctx)
	}
	s.ctxErrs = append(s.ctxErrs, ctx.Err())

	if len(s.took) > 0 {
		i := len(s.calls) - 1
		if i >= len(s.took) {
			i = len(s.took) - 1
		}
		s.clock.Advance(s.took[i])
	}
	if s.panicRead {
		var m map[string]int
		m["x"] = 1
	}
	if s.err != nil {
		return sensor.Reading{}, &sensor.ReadError{SensorID: s.desc.ID, Err: s.err}
	}
	return sensor.OK(s.desc, s.clock.Now(), s.values), nil
}

type fakeSink struct {
	mu       sync.Mutex
	readings []sensor.Reading
	fail     map[string]error
	onAppend func(n int)
}

func (s *fakeSink) Append(r sensor.Reading) (uint64, error) {
	s.mu.Lock()
	if err := s.fail[r.SensorID]; err != nil {
		s.mu.Unlock()
		return 0, &storage.WriteError{SensorID: r.SensorID, Err: err}
	}
	s.readings = append(s.readings, r)
	n := len(s.readings)
	s.mu.Unlock()

	if s.onAppend != nil {
		s.onAppend(n)
	}
	return uint64(n), nil
}

func (s *fakeSink) Readings() []sensor.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sensor.Reading(nil), s.readings...)
}

func newPoller(t *testing.T, sink Sink, clock *fakeClock, interval time.Duration, sensors ...sensor.Sensor) *Poller {
	t.Helper()
	p, err := New(sensors, sink, Options{Interval: interval, Clock: clock, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestTickFailureIsolation(t *testing.T) {
	clock := newFakeClock()

	tests := []struct {
		name       string
		setup      func(s *fakeSensor)
		wantStatus sensor.Status
		wantReads  int
	}{
		{"ok", func(s *fakeSensor) {}, sensor.StatusOK, 1},
		{"unavailable", func(s *fakeSensor) { s.unavailable = true }, sensor.StatusUnavailable, 0},
		{"read error", func(s *fakeSensor) { s.err = errors.New("i2c nack") }, sensor.StatusError, 1},
		{"read panic", func(s *fakeSensor) { s.panicRead = true }, sensor.StatusError, 1},
		{"availability panic", func(s *fakeSensor) { s.panicAvail = true }, sensor.StatusError, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subject := newFakeSensor("subject", sensor.TypeEnvironmental, clock)
			tt.setup(subject)
			next := newFakeSensor("next", sensor.TypeLight, clock)

			sink := &fakeSink{}
			p := newPoller(t, sink, clock, time.Second, subject, next)
			res := p.Tick(context.Background())

			got := sink.Readings()
			if len(got) != 2 {
				t.Fatalf("stored %d readings, want 2", len(got))
			}
			r := got[0]
			if r.SensorID != "subject" || r.Status != tt.wantStatus {
				t.Errorf("reading = %s/%s, want subject/%s", r.SensorID, r.Status, tt.wantStatus)
			}
			if tt.wantStatus != sensor.StatusOK {
				if len(r.Values) != 0 {
					t.Errorf("failed reading carries values %v", r.Values)
				}
				if r.Error == "" {
					t.Error("failed reading has no error message")
				}
			}
			if len(subject.calls) != tt.wantReads {
				t.Errorf("Read called %d times, want %d", len(subject.calls), tt.wantReads)
			}

			if got[1].SensorID != "next" || got[1].Status != sensor.StatusOK {
				t.Errorf("next sensor reading = %+v", got[1])
			}
			if res.Readings[0].Tick != res.Tick || got[1].Tick != res.Tick {
				t.Error("readings not stamped with the tick number")
			}
		})
	}
}

func TestTickOneReadingPerSensorInOrder(t *testing.T) {
	clock := newFakeClock()
	var sensors []sensor.Sensor
	ids := []string{"c", "a", "d", "b"}
	for _, id := range ids {
		sensors = append(sensors, newFakeSensor(id, sensor.TypeCustom, clock))
	}

	sink := &fakeSink{}
	p := newPoller(t, sink, clock, time.Second, sensors...)

	for i := 0; i < 3; i++ {
		p.Tick(context.Background())
	}

	got := sink.Readings()
	if len(got) != 12 {
		t.Fatalf("stored %d readings, want 12", len(got))
	}
	for i, r := range got {
		if r.SensorID != ids[i%4] {
			t.Errorf("reading %d from %s, want %s", i, r.SensorID, ids[i%4])
		}
		if r.Tick != uint64(i/4+1) {
			t.Errorf("reading %d in tick %d, want %d", i, r.Tick, i/4+1)
		}
	}
}

func TestTickContinuesAfterWriteFailure(t *testing.T) {
	clock := newFakeClock()
	a := newFakeSensor("a", sensor.TypeCustom, clock)
	b := newFakeSensor("b", sensor.TypeCustom, clock)
	c := newFakeSensor("c", sensor.TypeCustom, clock)

	sink := &fakeSink{fail: map[string]error{"b": errors.New("disk full")}}
	p := newPoller(t, sink, clock, time.Second, a, b, c)
	res := p.Tick(context.Background())

	if res.WriteErrors != 1 {
		t.Errorf("WriteErrors = %d, want 1", res.WriteErrors)
	}
	got := sink.Readings()
	if len(got) != 2 || got[0].SensorID != "a" || got[1].SensorID != "c" {
		t.Errorf("stored %+v, want a and c", got)
	}
	if res.Readings[1].Seq != 0 || res.Readings[2].Seq != 2 {
		t.Errorf("unexpected sequence numbers %d/%d", res.Readings[1].Seq, res.Readings[2].Seq)
	}
	if res.OK != 3 {
		t.Errorf("OK = %d, want 3", res.OK)
	}
}

// runTicks runs the loop until n ticks have been stored
func runTicks(t *testing.T, p *Poller, sink *fakeSink, perTick, n int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink.onAppend = func(stored int) {
		if stored == perTick*n {
			cancel()
		}
	}

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return")
	}
}

func TestRunSchedule(t *testing.T) {
	tests := []struct {
		name       string
		took       []time.Duration
		wantStarts []time.Duration // offsets from t0
		wantWaits  []time.Duration
	}{
		{
			name:       "sleeps the remainder of the interval",
			took:       []time.Duration{2 * time.Second},
			wantStarts: []time.Duration{0, 10 * time.Second, 20 * time.Second},
			wantWaits:  []time.Duration{8 * time.Second, 8 * time.Second, 8 * time.Second},
		},
		{
			name:       "overrun starts next tick immediately",
			took:       []time.Duration{15 * time.Second},
			wantStarts: []time.Duration{0, 15 * time.Second, 30 * time.Second},
			wantWaits:  nil,
		},
		{
			name:       "recovers cadence after an overrun",
			took:       []time.Duration{12 * time.Second, 3 * time.Second},
			wantStarts: []time.Duration{0, 12 * time.Second, 22 * time.Second},
			wantWaits:  []time.Duration{7 * time.Second, 7 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			s := newFakeSensor("s", sensor.TypeCustom, clock)
			s.took = tt.took

			sink := &fakeSink{}
			p := newPoller(t, sink, clock, 10*time.Second, s)
			runTicks(t, p, sink, 1, 3)

			if len(s.calls) != len(tt.wantStarts) {
				t.Fatalf("%d ticks ran, want %d", len(s.calls), len(tt.wantStarts))
			}
			for i, at := range s.calls {
				if got := at.Sub(t0); got != tt.wantStarts[i] {
					t.Errorf("tick %d started at +%v, want +%v", i+1, got, tt.wantStarts[i])
				}
			}

			waits := clock.Waits()
			if len(waits) != len(tt.wantWaits) {
				t.Fatalf("waits = %v, want %v", waits, tt.wantWaits)
			}
			for i := range waits {
				if waits[i] != tt.wantWaits[i] {
					t.Errorf("wait %d = %v, want %v", i, waits[i], tt.wantWaits[i])
				}
			}
		})
	}
}

func TestRunShutdownCompletesTick(t *testing.T) {
	clock := newFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := newFakeSensor("first", sensor.TypeCustom, clock)
	first.onRead = func(context.Context) { cancel() }
	second := newFakeSensor("second", sensor.TypeCustom, clock)
	third := newFakeSensor("third", sensor.TypeCustom, clock)

	sink := &fakeSink{}
	p := newPoller(t, sink, clock, time.Minute, first, second, third)

	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got := sink.Readings()
	if len(got) != 3 {
		t.Fatalf("stored %d readings, want the whole tick (3)", len(got))
	}
	for _, r := range got {
		if r.Status != sensor.StatusOK {
			t.Errorf("%s: status %s after shutdown request", r.SensorID, r.Status)
		}
	}
	for _, s := range []*fakeSensor{first, second, third} {
		if len(s.ctxErrs) != 1 || s.ctxErrs[0] != nil {
			t.Errorf("%s read with cancelled context: %v", s.desc.ID, s.ctxErrs)
		}
	}
	if p.State() != StateStopped {
		t.Errorf("State() = %s, want stopped", p.State())
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	clock := newFakeClock()
	s := newFakeSensor("s", sensor.TypeCustom, clock)
	p := newPoller(t, &fakeSink{}, clock, time.Second, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if len(s.calls) != 0 {
		t.Error("tick started after cancellation")
	}
	if err := p.Run(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Run() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestNewValidation(t *testing.T) {
	clock := newFakeClock()
	a := newFakeSensor("a", sensor.TypeCustom, clock)

	if _, err := New(nil, nil, Options{}); err == nil {
		t.Error("expected error without sink")
	}
	if _, err := New(nil, &fakeSink{}, Options{Interval: -time.Second}); err == nil {
		t.Error("expected error for negative interval")
	}
	if _, err := New([]sensor.Sensor{a, a}, &fakeSink{}, Options{}); err == nil {
		t.Error("expected error for duplicate sensor")
	}

	p, err := New(nil, &fakeSink{}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if p.Interval() != DefaultInterval {
		t.Errorf("Interval() = %v, want %v", p.Interval(), DefaultInterval)
	}
	if p.State() != StateIdle {
		t.Errorf("State() = %s, want idle", p.State())
	}
}

type fakeMirror struct {
	name  string
	err   error
	ticks []uint64
}

func (m *fakeMirror) Name() string { return m.name }

func (m *fakeMirror) Publish(ctx context.Context, res *TickResult) error {
	m.ticks = append(m.ticks, res.Tick)
	return m.err
}

type fakeObserver struct {
	ticks        int
	mirrorErrors []string
}

func (o *fakeObserver) ObserveTick(res *TickResult)      { o.ticks++ }
func (o *fakeObserver) ObserveMirrorError(mirror string) { o.mirrorErrors = append(o.mirrorErrors, mirror) }

type fakeMeta struct {
	values map[string]interface{}
}

func (m *fakeMeta) SetJSON(key string, v interface{}) error {
	m.values[key] = v
	return nil
}

func TestTickFanOut(t *testing.T) {
	clock := newFakeClock()
	ok := &fakeMirror{name: "mqtt"}
	broken := &fakeMirror{name: "influx", err: errors.New("connection refused")}
	obs := &fakeObserver{}
	meta := &fakeMeta{values: map[string]interface{}{}}

	sink := &fakeSink{}
	p, err := New([]sensor.Sensor{newFakeSensor("a", sensor.TypeCustom, clock)}, sink, Options{
		Interval: time.Second,
		Clock:    clock,
		Logger:   zerolog.Nop(),
		Meta:     meta,
		Mirrors:  []Mirror{broken, ok},
		Observer: obs,
	})
	if err != nil {
		t.Fatal(err)
	}

	res := p.Tick(context.Background())

	if len(ok.ticks) != 1 || len(broken.ticks) != 1 {
		t.Error("every mirror must see the tick")
	}
	if res.MirrorErrors != 1 || len(obs.mirrorErrors) != 1 || obs.mirrorErrors[0] != "influx" {
		t.Errorf("mirror errors = %d %v", res.MirrorErrors, obs.mirrorErrors)
	}
	if obs.ticks != 1 {
		t.Errorf("observer saw %d ticks", obs.ticks)
	}
	if len(sink.Readings()) != 1 {
		t.Error("mirror failure affected storage")
	}

	summary, ok2 := meta.values[LastTickKey].(TickSummary)
	if !ok2 {
		t.Fatalf("meta %s = %#v", LastTickKey, meta.values[LastTickKey])
	}
	if summary.Tick != 1 || summary.OK != 1 || summary.MirrorErrors != 1 || summary.Sensors != 1 {
		t.Errorf("unexpected summary %+v", summary)
	}
	last, found := p.LastTick()
	if !found || last != summary {
		t.Errorf("LastTick() = %+v, %v", last, found)
	}
}

// A bme280 and an ltr329 that work and a faulty sensor: every tick stores
// two ok readings and one error reading, in that order.
func TestScenarioWithStorage(t *testing.T) {
	store, err := storage.NewBoltStorage(filepath.Join(t.TempDir(), "scenario.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	clock := newFakeClock()
	bme := newFakeSensor("bme280_1", sensor.TypeEnvironmental, clock)
	bme.values = map[string]float64{"temperature": 22.5, "humidity": 45, "pressure": 1013.25}
	ltr := newFakeSensor("ltr329_1", sensor.TypeLight, clock)
	ltr.values = map[string]float64{"light_level": 1234, "ir_level": 300}
	faulty := newFakeSensor("faulty_1", sensor.TypeCustom, clock)
	faulty.err = errors.New("remote I/O error")

	sensors := []sensor.Sensor{bme, ltr, faulty}
	descs := make([]sensor.Descriptor, len(sensors))
	for i, s := range sensors {
		descs[i] = s.Descriptor()
	}
	if err := store.SyncSensors(descs); err != nil {
		t.Fatal(err)
	}

	p, err := New(sensors, store, Options{Interval: time.Second, Clock: clock, Logger: zerolog.Nop(), Meta: store})
	if err != nil {
		t.Fatal(err)
	}
	res := p.Tick(context.Background())

	if res.OK != 2 || res.Errors != 1 || res.WriteErrors != 0 {
		t.Errorf("tick result ok=%d errors=%d writeErrors=%d", res.OK, res.Errors, res.WriteErrors)
	}

	recent, err := store.Recent(time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 3 {
		t.Fatalf("stored %d readings, want 3", len(recent))
	}
	storage.SortByTime(recent)
	want := []struct {
		id     string
		status sensor.Status
	}{
		{"bme280_1", sensor.StatusOK},
		{"ltr329_1", sensor.StatusOK},
		{"faulty_1", sensor.StatusError},
	}
	for i, w := range want {
		if recent[i].SensorID != w.id || recent[i].Status != w.status {
			t.Errorf("reading %d = %s/%s, want %s/%s", i, recent[i].SensorID, recent[i].Status, w.id, w.status)
		}
	}
	if recent[0].Values["pressure"] != 1013.25 || recent[1].Values["light_level"] != 1234 {
		t.Errorf("values not persisted: %v %v", recent[0].Values, recent[1].Values)
	}
	if len(recent[2].Values) != 0 || recent[2].Error == "" {
		t.Errorf("faulty reading = %+v", recent[2])
	}

	rec, err := store.GetSensor("faulty_1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ErrorCount != 1 || rec.LastStatus != sensor.StatusError {
		t.Errorf("faulty health = %+v", rec)
	}

	var summary TickSummary
	if err := store.GetJSON(LastTickKey, &summary); err != nil {
		t.Fatal(err)
	}
	if summary.Errors != 1 || summary.OK != 2 {
		t.Errorf("stored summary = %+v", summary)
	}
}
