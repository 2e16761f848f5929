// Package storage keeps a history of diagnoses in BoltDB: one record per
// prediction, plus the extracted lead signals so they can be plotted later.
//
// Records are keyed by creation time so cursor scans return them in
// chronological order; an index bucket maps record IDs to those keys.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const (
	recordsBucket = "records" // Bucket name for prediction records
	indexBucket   = "index"   // Bucket mapping record IDs to record keys
	leadsBucket   = "leads"   // Bucket name for per-record lead signals

	dbFile = "ecg-history.db"
)

// ErrNotFound is returned when a record or lead does not exist.
var ErrNotFound = errors.New("not found")

// Record is one stored diagnosis.
type Record struct {
	ID           string             `json:"id"`
	CreatedAt    time.Time          `json:"created_at"`
	Source       string             `json:"source"`
	RequestID    string             `json:"request_id,omitempty"`
	Label        string             `json:"label"`
	ClassIndex   int                `json:"class_index"`
	Confidence   float64            `json:"confidence"`
	Scores       map[string]float64 `json:"scores,omitempty"`
	ModelVersion string             `json:"model_version,omitempty"`
	SignalLength int                `json:"signal_length"`
	Reduced      []float64          `json:"reduced,omitempty"`
	DurationMS   float64            `json:"duration_ms"`
	Leads        []string           `json:"leads,omitempty"`
}

// Store provides persistent storage for diagnosis history using BoltDB.
type Store struct {
	db *bbolt.DB // BoltDB database instance
}

// New opens (or creates) the history database under dataPath, creating the
// directory and the buckets it needs.
func New(dataPath string) (*Store, error) {
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataPath, dbFile)

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{recordsBucket, indexBucket, leadsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveRecord stores rec, assigning an ID and creation time when unset.
func (s *Store) SaveRecord(rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	key := recordKey(rec.CreatedAt, rec.ID)

	return s.db.Update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket([]byte(indexBucket))
		if old := idx.Get([]byte(rec.ID)); old != nil {
			if err := tx.Bucket([]byte(recordsBucket)).Delete(old); err != nil {
				return fmt.Errorf("replace record: %w", err)
			}
		}
		if err := tx.Bucket([]byte(recordsBucket)).Put(key, data); err != nil {
			return fmt.Errorf("put record: %w", err)
		}
		return idx.Put([]byte(rec.ID), key)
	})
}

// GetRecord returns the record with the given ID.
func (s *Store) GetRecord(id string) (*Record, error) {
	var rec Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		key := tx.Bucket([]byte(indexBucket)).Get([]byte(id))
		if key == nil {
			return ErrNotFound
		}
		data := tx.Bucket([]byte(recordsBucket)).Get(key)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecords returns up to limit records, newest first. A limit of zero or
// less returns every record.
func (s *Store) ListRecords(limit int) ([]Record, error) {
	var records []Record

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(recordsBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue // Skip malformed records
			}
			records = append(records, rec)
		}
		return nil
	})

	return records, err
}

// RecordsInRange returns records created within [start, end], oldest first.
func (s *Store) RecordsInRange(start, end time.Time) ([]Record, error) {
	var records []Record

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(recordsBucket)).Cursor()
		startKey := []byte(timePrefix(start))
		endKey := []byte(timePrefix(end.Add(time.Nanosecond)))

		for k, v := c.Seek(startKey); k != nil && string(k) < string(endKey); k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue // Skip malformed records
			}
			records = append(records, rec)
		}
		return nil
	})

	return records, err
}

// Count returns the number of stored records.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(recordsBucket)).Stats().KeyN
		return nil
	})
	return n, err
}

func timePrefix(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixNano())
}

func recordKey(t time.Time, id string) []byte {
	return []byte(timePrefix(t) + "_" + id)
}
