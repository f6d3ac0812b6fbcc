package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"

	"sensorhub/internal/sensor"
)

const (
	// sensorsBucket stores sensor records by id
	sensorsBucket = "_sensors"

	// readingsBucket stores readings by sequence number
	readingsBucket = "_readings"

	// indexBucket holds one nested bucket per sensor listing its sequence numbers
	indexBucket = "_by_sensor"

	// metaBucket stores small process state values
	metaBucket = "_meta"
)

// BoltStorage is a bbolt implementation of the Storage interface
type BoltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

// Options configures how the database is opened
type Options struct {
	// ReadOnly opens the database with a shared lock, for dashboards and
	// CLI queries running next to the collector
	ReadOnly bool

	// Timeout waits for the file lock (default 1s)
	Timeout time.Duration
}

// NewBoltStorage creates a new BoltStorage instance
// The database file will be created if it doesn't exist
func NewBoltStorage(path string) (*BoltStorage, error) {
	return Open(path, Options{})
}

// Open opens the database with options
func Open(path string, opts Options) (*BoltStorage, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 1 * time.Second
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout:  opts.Timeout,
		ReadOnly: opts.ReadOnly,
	})
	if errors.Is(err, berrors.ErrTimeout) {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	s := &BoltStorage{db: db, now: time.Now}
	if opts.ReadOnly {
		return s, nil
	}

	// Create the main buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{sensorsBucket, readingsBucket, indexBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func bucket(tx *bbolt.Tx, name string) (*bbolt.Bucket, error) {
	b := tx.Bucket([]byte(name))
	if b == nil {
		return nil, fmt.Errorf("%s bucket not found", name)
	}
	return b, nil
}

// Sensor Methods

func getRecord(b *bbolt.Bucket, id string) (*SensorRecord, error) {
	data := b.Get([]byte(id))
	if data == nil {
		return nil, ErrSensorNotFound
	}
	rec := &SensorRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sensor record: %w", err)
	}
	return rec, nil
}

func putRecord(b *bbolt.Bucket, rec *SensorRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal sensor record: %w", err)
	}
	return b.Put([]byte(rec.ID), data)
}

func (s *BoltStorage) upsert(b *bbolt.Bucket, desc sensor.Descriptor, now time.Time) error {
	rec, err := getRecord(b, desc.ID)
	if err == ErrSensorNotFound {
		rec = &SensorRecord{}
	} else if err != nil {
		return err
	}
	rec.Descriptor = desc
	rec.Configured = true
	rec.UpdatedAt = now
	return putRecord(b, rec)
}

// SaveSensor upserts a single descriptor
func (s *BoltStorage) SaveSensor(desc sensor.Descriptor) error {
	if desc.ID == "" {
		return fmt.Errorf("sensor id cannot be empty")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, sensorsBucket)
		if err != nil {
			return err
		}
		return s.upsert(b, desc, s.now().UTC())
	})
}

// SyncSensors upserts descriptors and marks the rest as unconfigured
func (s *BoltStorage) SyncSensors(descs []sensor.Descriptor) error {
	now := s.now().UTC()
	configured := make(map[string]bool, len(descs))

	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, sensorsBucket)
		if err != nil {
			return err
		}

		for _, d := range descs {
			if d.ID == "" {
				return fmt.Errorf("sensor id cannot be empty")
			}
			if err := s.upsert(b, d, now); err != nil {
				return err
			}
			configured[d.ID] = true
		}

		// Collect first: bbolt forbids modifying a bucket inside ForEach
		var stale []*SensorRecord
		err = b.ForEach(func(k, v []byte) error {
			if configured[string(k)] {
				return nil
			}
			var rec SensorRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal sensor record: %w", err)
			}
			if rec.Configured {
				stale = append(stale, &rec)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, rec := range stale {
			rec.Configured = false
			rec.UpdatedAt = now
			if err := putRecord(b, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSensor returns a sensor record
func (s *BoltStorage) GetSensor(id string) (*SensorRecord, error) {
	var rec *SensorRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, sensorsBucket)
		if err != nil {
			return err
		}
		rec, err = getRecord(b, id)
		return err
	})
	return rec, err
}

// ListSensors returns all sensor records ordered by id
func (s *BoltStorage) ListSensors() ([]SensorRecord, error) {
	var records []SensorRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, sensorsBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var rec SensorRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal sensor record: %w", err)
			}
			records = append(records, rec)
			return nil
		})
	})
	return records, err
}

// Reading Methods

func validate(r sensor.Reading) error {
	switch r.Status {
	case sensor.StatusOK:
	case sensor.StatusError, sensor.StatusUnavailable:
		if len(r.Values) != 0 {
			return fmt.Errorf("%w: %s reading carries values", ErrInvalidReading, r.Status)
		}
	default:
		return fmt.Errorf("%w: status %q", ErrInvalidReading, r.Status)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidReading)
	}
	return nil
}

// Append persists one reading and updates the sensor's health record in the
// same transaction
func (s *BoltStorage) Append(r sensor.Reading) (uint64, error) {
	if err := validate(r); err != nil {
		return 0, &WriteError{SensorID: r.SensorID, Err: err}
	}

	var seq uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		sensors, err := bucket(tx, sensorsBucket)
		if err != nil {
			return err
		}
		rec, err := getRecord(sensors, r.SensorID)
		if err == ErrSensorNotFound {
			return ErrUnknownSensor
		} else if err != nil {
			return err
		}

		readings, err := bucket(tx, readingsBucket)
		if err != nil {
			return err
		}
		seq, err = readings.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}
		r.Seq = seq
		if r.Values == nil {
			r.Values = map[string]float64{}
		}

		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal reading: %w", err)
		}
		if err := readings.Put(seqKey(seq), data); err != nil {
			return err
		}

		index, err := bucket(tx, indexBucket)
		if err != nil {
			return err
		}
		sensorIndex, err := index.CreateBucketIfNotExists([]byte(r.SensorID))
		if err != nil {
			return fmt.Errorf("failed to create sensor index: %w", err)
		}
		if err := sensorIndex.Put(seqKey(seq), nil); err != nil {
			return err
		}

		rec.LastStatus = r.Status
		rec.LastError = r.Error
		rec.LastReadingAt = r.Timestamp
		rec.ReadingCount++
		rec.Available = r.Status == sensor.StatusOK
		if r.Status == sensor.StatusOK {
			rec.ErrorCount = 0
		} else {
			rec.ErrorCount++
		}
		rec.UpdatedAt = s.now().UTC()
		return putRecord(sensors, rec)
	})
	if err != nil {
		return 0, &WriteError{SensorID: r.SensorID, Err: err}
	}
	return seq, nil
}

func getReading(readings *bbolt.Bucket, key []byte) (sensor.Reading, error) {
	var r sensor.Reading
	data := readings.Get(key)
	if data == nil {
		return r, fmt.Errorf("reading %d: %w", binary.BigEndian.Uint64(key), ErrNotFound)
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("failed to unmarshal reading: %w", err)
	}
	return r, nil
}

// Latest returns the newest reading of a sensor
func (s *BoltStorage) Latest(sensorID string) (*sensor.Reading, error) {
	var result *sensor.Reading
	err := s.db.View(func(tx *bbolt.Tx) error {
		r, err := latest(tx, sensorID)
		if err != nil {
			return err
		}
		result = &r
		return nil
	})
	return result, err
}

func latest(tx *bbolt.Tx, sensorID string) (sensor.Reading, error) {
	index, err := bucket(tx, indexBucket)
	if err != nil {
		return sensor.Reading{}, err
	}
	sensorIndex := index.Bucket([]byte(sensorID))
	if sensorIndex == nil {
		return sensor.Reading{}, ErrNotFound
	}
	k, _ := sensorIndex.Cursor().Last()
	if k == nil {
		return sensor.Reading{}, ErrNotFound
	}
	readings, err := bucket(tx, readingsBucket)
	if err != nil {
		return sensor.Reading{}, err
	}
	return getReading(readings, k)
}

// LatestAll returns the newest reading of every sensor that has one,
// ordered by sensor id
func (s *BoltStorage) LatestAll() ([]sensor.Reading, error) {
	var result []sensor.Reading
	err := s.db.View(func(tx *bbolt.Tx) error {
		index, err := bucket(tx, indexBucket)
		if err != nil {
			return err
		}
		return index.ForEachBucket(func(k []byte) error {
			r, err := latest(tx, string(k))
			if err == ErrNotFound {
				return nil
			}
			if err != nil {
				return err
			}
			result = append(result, r)
			return nil
		})
	})
	return result, err
}

// History returns readings of a sensor taken at or after since, most recently
// stored first. The whole index is scanned since timestamps follow the wall
// clock and need not grow with the sequence.
func (s *BoltStorage) History(sensorID string, since time.Time, limit int) ([]sensor.Reading, error) {
	var result []sensor.Reading
	err := s.db.View(func(tx *bbolt.Tx) error {
		index, err := bucket(tx, indexBucket)
		if err != nil {
			return err
		}
		sensorIndex := index.Bucket([]byte(sensorID))
		if sensorIndex == nil {
			return nil
		}
		readings, err := bucket(tx, readingsBucket)
		if err != nil {
			return err
		}

		c := sensorIndex.Cursor()
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			r, err := getReading(readings, k)
			if err != nil {
				return err
			}
			if r.Timestamp.Before(since) {
				continue
			}
			result = append(result, r)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
		return nil
	})
	return result, err
}

// Recent returns readings of all sensors taken at or after since, most
// recently stored first
func (s *BoltStorage) Recent(since time.Time, limit int) ([]sensor.Reading, error) {
	var result []sensor.Reading
	err := s.db.View(func(tx *bbolt.Tx) error {
		readings, err := bucket(tx, readingsBucket)
		if err != nil {
			return err
		}

		c := readings.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var r sensor.Reading
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("failed to unmarshal reading: %w", err)
			}
			if r.Timestamp.Before(since) {
				continue
			}
			result = append(result, r)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
		return nil
	})
	return result, err
}

// Count returns the total number of stored readings
func (s *BoltStorage) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		readings, err := bucket(tx, readingsBucket)
		if err != nil {
			return err
		}
		n = readings.Stats().KeyN
		return nil
	})
	return n, err
}

// Prune deletes readings taken before the cutoff
func (s *BoltStorage) Prune(before time.Time) (int, error) {
	var deleted int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		readings, err := bucket(tx, readingsBucket)
		if err != nil {
			return err
		}
		index, err := bucket(tx, indexBucket)
		if err != nil {
			return err
		}

		type stale struct {
			key      []byte
			sensorID string
		}
		var old []stale

		err = readings.ForEach(func(k, v []byte) error {
			var r sensor.Reading
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("failed to unmarshal reading: %w", err)
			}
			if r.Timestamp.Before(before) {
				old = append(old, stale{key: bytes.Clone(k), sensorID: r.SensorID})
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, o := range old {
			if err := readings.Delete(o.key); err != nil {
				return fmt.Errorf("failed to delete old reading: %w", err)
			}
			if sensorIndex := index.Bucket([]byte(o.sensorID)); sensorIndex != nil {
				if err := sensorIndex.Delete(o.key); err != nil {
					return fmt.Errorf("failed to delete index entry: %w", err)
				}
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// Meta Methods

// Get retrieves a meta value by key
func (s *BoltStorage) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, metaBucket)
		if err != nil {
			return err
		}

		data := b.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}

		value = make([]byte, len(data))
		copy(value, data)
		return nil
	})

	return value, err
}

// Set stores a meta value
func (s *BoltStorage) Set(key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, metaBucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

// GetBool retrieves a bool meta value
func (s *BoltStorage) GetBool(key string) (bool, error) {
	data, err := s.Get(key)
	if err != nil {
		return false, err
	}

	value, err := strconv.ParseBool(string(data))
	if err != nil {
		return false, fmt.Errorf("failed to parse bool: %w", err)
	}

	return value, nil
}

// SetBool stores a bool meta value
func (s *BoltStorage) SetBool(key string, value bool) error {
	return s.Set(key, []byte(strconv.FormatBool(value)))
}

// GetJSON retrieves and unmarshals a JSON meta value
func (s *BoltStorage) GetJSON(key string, v interface{}) error {
	data, err := s.Get(key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	return nil
}

// SetJSON marshals and stores a JSON meta value
func (s *BoltStorage) SetJSON(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return s.Set(key, data)
}

// Close closes the storage
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// SortByTime orders readings oldest first, breaking ties by sequence
func SortByTime(readings []sensor.Reading) {
	sort.SliceStable(readings, func(i, j int) bool {
		if readings[i].Timestamp.Equal(readings[j].Timestamp) {
			return readings[i].Seq < readings[j].Seq
		}
		return readings[i].Timestamp.Before(readings[j].Timestamp)
	})
}
