package sensor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a transaction when neither the descriptor nor the
// environment sets one
const DefaultTimeout = 5 * time.Second

// Base is a base structure that drivers embed.
// It carries the descriptor and enforces the per-driver timeout.
type Base struct {
	mu        sync.RWMutex
	desc      Descriptor
	timeout   time.Duration
	inflight  atomic.Bool
	logger    zerolog.Logger
	lastError error
}

// NewBase creates a new Base. The descriptor timeout wins over the fallback.
func NewBase(desc Descriptor, fallback time.Duration, logger zerolog.Logger) *Base {
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = fallback
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Base{
		desc:    desc,
		timeout: timeout,
		logger: logger.With().
			Str("sensor", desc.ID).
			Str("driver", desc.Driver).
			Logger(),
	}
}

// ID implements Sensor.ID
func (b *Base) ID() string {
	return b.desc.ID
}

// Type implements Sensor.Type
func (b *Base) Type() Type {
	return b.desc.Type
}

// Descriptor implements Sensor.Descriptor
func (b *Base) Descriptor() Descriptor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.desc
}

// Timeout returns the effective transaction timeout
func (b *Base) Timeout() time.Duration {
	return b.timeout
}

// Logger returns the driver logger
func (b *Base) Logger() *zerolog.Logger {
	return &b.logger
}

// Busy reports whether a transaction is still running on the device
func (b *Base) Busy() bool {
	return b.inflight.Load()
}

// LastError returns the error of the most recent failed transaction
func (b *Base) LastError() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastError
}

func (b *Base) setAvailable(ok bool, err error) {
	b.mu.Lock()
	b.desc.Available = ok
	b.lastError = err
	b.mu.Unlock()
}

// Probe runs a liveness check bounded by the driver timeout. It returns false
// on error, on timeout, on panic and while another transaction is in flight.
func (b *Base) Probe(check func() error) bool {
	err := b.run(context.Background(), func() error { return check() })
	if err != nil {
		b.logger.Debug().Err(err).Msg("availability check failed")
		b.setAvailable(false, err)
		return false
	}
	b.setAvailable(true, nil)
	return true
}

// Transact runs one hardware transaction and turns its result into a reading.
// The timestamp is taken when the transaction completes.
// An overrunning transaction keeps its goroutine, and Busy stays true until it
// returns so the device is never accessed concurrently.
func (b *Base) Transact(ctx context.Context, read func() (map[string]float64, error)) (Reading, error) {
	var (
		values map[string]float64
		at     time.Time
	)
	err := b.run(ctx, func() error {
		v, err := read()
		at = time.Now()
		values = v
		return err
	})
	if err != nil {
		b.setAvailable(false, err)
		return Reading{}, err
	}

	b.setAvailable(true, nil)
	return OK(b.Descriptor(), at, values), nil
}

// run executes fn under the timeout and the in-flight guard
func (b *Base) run(ctx context.Context, fn func() error) error {
	if !b.inflight.CompareAndSwap(false, true) {
		return &ReadError{SensorID: b.desc.ID, Err: ErrBusy}
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("driver panic: %v", r)
				}
			}()
			err = fn()
		}()
		// Release the guard before reporting so the caller can issue the
		// next transaction as soon as it sees the result.
		b.inflight.Store(false)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return &ReadError{SensorID: b.desc.ID, Err: err}
		}
		return nil
	case <-ctx.Done():
		return &ReadError{
			SensorID: b.desc.ID,
			Timeout:  true,
			Err:      fmt.Errorf("%w after %v", ErrTimeout, b.timeout),
		}
	}
}
