package sensor

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable is recorded when a sensor fails its liveness check
	ErrUnavailable = errors.New("sensor unavailable")

	// ErrTimeout is wrapped by ReadError when a transaction overruns its deadline
	ErrTimeout = errors.New("sensor read timed out")

	// ErrBusy is returned while a previous transaction is still in flight
	ErrBusy = errors.New("previous transaction still in flight")

	// ErrUnknownDriver is returned when no factory is registered for a driver name
	ErrUnknownDriver = errors.New("unknown sensor driver")
)

// ReadError is returned by Sensor.Read when the transaction fails or times out
type ReadError struct {
	SensorID string
	Timeout  bool
	Err      error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("sensor %s: %v", e.SensorID, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}
