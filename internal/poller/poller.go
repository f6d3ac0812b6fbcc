// Package poller reads every registered sensor on a fixed cadence and
// appends the readings to storage
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"sensorhub/internal/sensor"
)

// DefaultInterval is the cadence used when none is configured
const DefaultInterval = 30 * time.Second

// LastTickKey is the meta key the summary of the latest tick is stored under
const LastTickKey = "poller/lastTick"

// defaultMirrorTimeout bounds a single mirror publish
const defaultMirrorTimeout = 10 * time.Second

// ErrAlreadyStarted is returned when Run is called twice
var ErrAlreadyStarted = errors.New("poller already started")

// Sink persists readings. Append must be atomic per reading.
type Sink interface {
	Append(r sensor.Reading) (uint64, error)
}

// MetaStore keeps small state values between runs
type MetaStore interface {
	SetJSON(key string, v interface{}) error
}

// Mirror receives every completed tick (MQTT, InfluxDB, ...).
// Mirror failures never affect storage.
type Mirror interface {
	Name() string
	Publish(ctx context.Context, res *TickResult) error
}

// Observer is notified about ticks, for metrics
type Observer interface {
	ObserveTick(res *TickResult)
	ObserveMirrorError(mirror string)
}

// Observers fans notifications out to several observers
type Observers []Observer

func (o Observers) ObserveTick(res *TickResult) {
	for _, obs := range o {
		obs.ObserveTick(res)
	}
}

func (o Observers) ObserveMirrorError(mirror string) {
	for _, obs := range o {
		obs.ObserveMirrorError(mirror)
	}
}

// Clock is the time source of the scheduler
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Options configures a Poller
type Options struct {
	// Interval between tick starts (default 30s)
	Interval time.Duration

	// Clock replaces the wall clock in tests
	Clock Clock

	Logger zerolog.Logger

	// Meta stores the last tick summary (optional)
	Meta MetaStore

	// Mirrors are published to after each tick (optional)
	Mirrors []Mirror

	// Observer receives tick results (optional)
	Observer Observer

	// MirrorTimeout bounds each mirror publish (default 10s)
	MirrorTimeout time.Duration
}

type entry struct {
	sensor sensor.Sensor
	desc   sensor.Descriptor
}

// Poller drives the polling loop
type Poller struct {
	entries []entry
	sink    Sink
	opts    Options
	clock   Clock
	logger  zerolog.Logger

	state  atomic.Int32
	ticks  atomic.Uint64
	tickMu sync.Mutex // ticks never overlap

	lastMu sync.RWMutex
	last   *TickSummary
}

// New creates a poller over sensors in registration order
func New(sensors []sensor.Sensor, sink Sink, opts Options) (*Poller, error) {
	if sink == nil {
		return nil, fmt.Errorf("poller requires a sink")
	}
	if opts.Interval < 0 {
		return nil, fmt.Errorf("invalid poll interval %v", opts.Interval)
	}
	if opts.Interval == 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MirrorTimeout <= 0 {
		opts.MirrorTimeout = defaultMirrorTimeout
	}

	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}

	entries := make([]entry, 0, len(sensors))
	seen := make(map[string]bool, len(sensors))
	for _, s := range sensors {
		desc := s.Descriptor()
		if seen[desc.ID] {
			return nil, fmt.Errorf("duplicate sensor id %q", desc.ID)
		}
		seen[desc.ID] = true
		entries = append(entries, entry{sensor: s, desc: desc})
	}

	return &Poller{
		entries: entries,
		sink:    sink,
		opts:    opts,
		clock:   clock,
		logger:  opts.Logger.With().Str("component", "poller").Logger(),
	}, nil
}

// Interval returns the configured cadence
func (p *Poller) Interval() time.Duration {
	return p.opts.Interval
}

// State returns the current scheduler state
func (p *Poller) State() State {
	return State(p.state.Load())
}

func (p *Poller) setState(s State) {
	p.state.Store(int32(s))
}

// LastTick returns the summary of the most recent tick
func (p *Poller) LastTick() (TickSummary, bool) {
	p.lastMu.RLock()
	defer p.lastMu.RUnlock()

	if p.last == nil {
		return TickSummary{}, false
	}
	return *p.last, true
}

// Run ticks until ctx is cancelled. Cancellation is honored only between
// ticks: a tick in progress always completes. Ticks start every interval,
// measured from the previous tick start; a tick that overruns the interval
// is followed immediately by the next one.
func (p *Poller) Run(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(StateIdle), int32(StateTicking)) {
		return ErrAlreadyStarted
	}
	defer p.setState(StateStopped)

	p.logger.Info().
		Dur("interval", p.opts.Interval).
		Int("sensors", len(p.entries)).
		Msg("Polling started")

	for {
		if ctx.Err() != nil {
			p.logger.Info().Msg("Polling stopped")
			return nil
		}

		p.setState(StateTicking)
		start := p.clock.Now()
		p.Tick(ctx)

		wait := p.opts.Interval - p.clock.Now().Sub(start)
		if wait <= 0 {
			p.logger.Warn().
				Dur("overrun", -wait).
				Msg("Tick exceeded poll interval, starting next tick immediately")
			continue
		}

		p.setState(StateSleeping)
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("Polling stopped")
			return nil
		case <-p.clock.After(wait):
		}
	}
}

// Tick runs exactly one tick and returns its result. The tick runs on a
// context detached from ctx cancellation so it always completes.
func (p *Poller) Tick(ctx context.Context) *TickResult {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()

	ctx = context.WithoutCancel(ctx)

	res := &TickResult{
		Tick:     p.ticks.Add(1),
		Started:  p.clock.Now().UTC(),
		Readings: make([]sensor.Reading, 0, len(p.entries)),
	}

	for _, e := range p.entries {
		r := p.poll(ctx, e)
		r.Tick = res.Tick

		seq, err := p.sink.Append(r)
		if err != nil {
			res.WriteErrors++
			p.logger.Error().Err(err).
				Str("sensor", e.desc.ID).
				Uint64("tick", res.Tick).
				Msg("Failed to store reading")
		} else {
			r.Seq = seq
		}

		res.count(r.Status)
		res.Readings = append(res.Readings, r)
	}
	res.Duration = p.clock.Now().Sub(res.Started)

	p.finish(ctx, res)
	return res
}

// poll reads one sensor inside a failure boundary. It always returns exactly
// one reading for the sensor.
func (p *Poller) poll(ctx context.Context, e entry) (r sensor.Reading) {
	log := p.logger.With().Str("sensor", e.desc.ID).Logger()

	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("driver panic: %v", rec)
			log.Error().Err(err).Msg("Sensor read failed")
			r = sensor.Failed(e.desc, p.clock.Now(), err)
		}
	}()

	if !e.sensor.Available() {
		log.Warn().Msg("Sensor unavailable")
		return sensor.Unavailable(e.desc, p.clock.Now())
	}

	r, err := e.sensor.Read(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Sensor read failed")
		return sensor.Failed(e.desc, p.clock.Now(), err)
	}

	r.SensorID = e.desc.ID
	r.SensorType = e.desc.Type
	r.Status = sensor.StatusOK
	r.Error = ""
	if r.Timestamp.IsZero() {
		r.Timestamp = p.clock.Now().UTC()
	}
	if r.Values == nil {
		r.Values = map[string]float64{}
	}
	return r
}

// finish fans the result out to mirrors and observers and records the summary
func (p *Poller) finish(ctx context.Context, res *TickResult) {
	for _, m := range p.opts.Mirrors {
		mctx, cancel := context.WithTimeout(ctx, p.opts.MirrorTimeout)
		err := m.Publish(mctx, res)
		cancel()
		if err != nil {
			res.MirrorErrors++
			p.logger.Error().Err(err).Str("mirror", m.Name()).Msg("Failed to mirror tick")
			if p.opts.Observer != nil {
				p.opts.Observer.ObserveMirrorError(m.Name())
			}
		}
	}

	if p.opts.Observer != nil {
		p.opts.Observer.ObserveTick(res)
	}

	summary := res.Summary()

	p.lastMu.Lock()
	p.last = &summary
	p.lastMu.Unlock()

	if p.opts.Meta != nil {
		if err := p.opts.Meta.SetJSON(LastTickKey, summary); err != nil {
			p.logger.Error().Err(err).Msg("Failed to store tick summary")
		}
	}

	p.logger.Info().
		Uint64("tick", res.Tick).
		Int("ok", res.OK).
		Int("error", res.Errors).
		Int("unavailable", res.Unavailable).
		Int("writeErrors", res.WriteErrors).
		Dur("duration", res.Duration).
		Msg("Tick completed")
}
