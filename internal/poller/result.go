package poller

import (
	"time"

	"sensorhub/internal/sensor"
)

// State is the scheduler state
type State int32

const (
	StateIdle State = iota
	StateTicking
	StateSleeping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTicking:
		return "ticking"
	case StateSleeping:
		return "sleeping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// TickResult is the outcome of one tick. Readings are in registration order
// and carry the sequence number storage assigned to them (0 if the write failed).
type TickResult struct {
	Tick         uint64           `json:"tick"`
	Started      time.Time        `json:"started"`
	Duration     time.Duration    `json:"duration"`
	Readings     []sensor.Reading `json:"readings"`
	OK           int              `json:"ok"`
	Errors       int              `json:"errors"`
	Unavailable  int              `json:"unavailable"`
	WriteErrors  int              `json:"writeErrors"`
	MirrorErrors int              `json:"mirrorErrors"`
}

func (r *TickResult) count(s sensor.Status) {
	switch s {
	case sensor.StatusOK:
		r.OK++
	case sensor.StatusError:
		r.Errors++
	case sensor.StatusUnavailable:
		r.Unavailable++
	}
}

// TickSummary is a TickResult without the readings
type TickSummary struct {
	Tick         uint64    `json:"tick"`
	Started      time.Time `json:"started"`
	DurationMs   int64     `json:"durationMs"`
	Sensors      int       `json:"sensors"`
	OK           int       `json:"ok"`
	Errors       int       `json:"errors"`
	Unavailable  int       `json:"unavailable"`
	WriteErrors  int       `json:"writeErrors"`
	MirrorErrors int       `json:"mirrorErrors"`
}

// Summary drops the readings
func (r *TickResult) Summary() TickSummary {
	return TickSummary{
		Tick:         r.Tick,
		Started:      r.Started,
		DurationMs:   r.Duration.Milliseconds(),
		Sensors:      len(r.Readings),
		OK:           r.OK,
		Errors:       r.Errors,
		Unavailable:  r.Unavailable,
		WriteErrors:  r.WriteErrors,
		MirrorErrors: r.MirrorErrors,
	}
}
