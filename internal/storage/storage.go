package storage

import (
	"errors"
	"fmt"
	"time"

	"sensorhub/internal/sensor"
)

var (
	// ErrNotFound is returned when a key is not found
	ErrNotFound = errors.New("key not found")

	// ErrSensorNotFound is returned when a sensor is not found
	ErrSensorNotFound = errors.New("sensor not found")

	// ErrUnknownSensor is returned when appending a reading for a sensor that
	// was never saved
	ErrUnknownSensor = errors.New("reading references unknown sensor")

	// ErrLocked is returned when another process holds the database open
	// for writing
	ErrLocked = errors.New("database is locked by another process")

	// ErrInvalidReading is returned for readings that break the record format
	ErrInvalidReading = errors.New("invalid reading")
)

// WriteError is returned by Append when a reading could not be persisted
type WriteError struct {
	SensorID string
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to store reading for %s: %v", e.SensorID, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// SensorRecord is a configured sensor with its health bookkeeping
type SensorRecord struct {
	sensor.Descriptor

	// Configured is false once the sensor disappears from the registry file
	Configured bool `json:"configured"`

	LastStatus    sensor.Status `json:"lastStatus,omitempty"`
	LastError     string        `json:"lastError,omitempty"`
	ErrorCount    int           `json:"errorCount"` // consecutive failures
	ReadingCount  uint64        `json:"readingCount"`
	LastReadingAt time.Time     `json:"lastReadingAt,omitempty"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// Storage is the interface for sensor and reading storage
type Storage interface {
	// Sensor Methods

	// SyncSensors upserts descriptors and marks every other sensor as no
	// longer configured. Health bookkeeping is preserved.
	SyncSensors(descs []sensor.Descriptor) error

	// SaveSensor upserts a single descriptor
	SaveSensor(desc sensor.Descriptor) error

	// GetSensor returns a sensor record
	// Returns ErrSensorNotFound if the sensor doesn't exist
	GetSensor(id string) (*SensorRecord, error)

	// ListSensors returns all sensor records ordered by id
	ListSensors() ([]SensorRecord, error)

	// Reading Methods

	// Append persists one reading and returns its sequence number.
	// The reading is visible to readers as soon as Append returns.
	Append(r sensor.Reading) (uint64, error)

	// Latest returns the newest reading of a sensor
	// Returns ErrNotFound if the sensor has no readings
	Latest(sensorID string) (*sensor.Reading, error)

	// LatestAll returns the newest reading of every sensor that has one
	LatestAll() ([]sensor.Reading, error)

	// History returns readings of a sensor taken at or after since,
	// most recently stored first, at most limit (0 = no limit)
	History(sensorID string, since time.Time, limit int) ([]sensor.Reading, error)

	// Recent returns readings of all sensors taken at or after since,
	// most recently stored first, at most limit (0 = no limit)
	Recent(since time.Time, limit int) ([]sensor.Reading, error)

	// Count returns the total number of stored readings
	Count() (int, error)

	// Prune deletes readings taken before the cutoff
	Prune(before time.Time) (int, error)

	// Meta Methods

	// Get retrieves a meta value by key
	// Returns ErrNotFound if the key doesn't exist
	Get(key string) ([]byte, error)

	// Set stores a meta value
	Set(key string, value []byte) error

	// GetBool retrieves a bool meta value
	GetBool(key string) (bool, error)

	// SetBool stores a bool meta value
	SetBool(key string, value bool) error

	// GetJSON retrieves and unmarshals a JSON meta value
	GetJSON(key string, v interface{}) error

	// SetJSON marshals and stores a JSON meta value
	SetJSON(key string, v interface{}) error

	// Lifecycle Methods

	// Close closes the storage
	Close() error
}
