package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const (
	manifestBucket = "manifests"
	metadataBucket = "metadata"
	schemaVersion  = 1
)

// ErrNotFound is returned when no manifest exists for an ID.
var ErrNotFound = errors.New("manifest not found")

// Store persists manifest records in a single bbolt file. Every mutation is
// one transaction, so a crash mid-save leaves the previous record intact.
type Store struct {
	db *bbolt.DB
}

// NewStore opens (or creates) the manifest database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	options := &bbolt.Options{
		Timeout: 1 * time.Second,
	}

	db, err := bbolt.Open(dbPath, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest database: %w", err)
	}

	store := &Store{db: db}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *Store) initialize() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(manifestBucket))
		if err != nil {
			return fmt.Errorf("failed to create manifest bucket: %w", err)
		}

		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}

		versionBytes := []byte(fmt.Sprintf("%d", schemaVersion))
		if err := meta.Put([]byte("schema_version"), versionBytes); err != nil {
			return fmt.Errorf("failed to store schema version: %w", err)
		}

		return nil
	})
}

// Save writes a record, replacing any previous version.
func (s *Store) Save(record *Record) error {
	if record == nil {
		return errors.New("cannot save nil record")
	}

	record.UpdatedAt = time.Now()

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(manifestBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", manifestBucket)
		}

		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal manifest: %w", err)
		}

		if err := bucket.Put([]byte(record.ID.String()), data); err != nil {
			return fmt.Errorf("failed to save manifest: %w", err)
		}

		return nil
	})
}

// Find retrieves one record by download ID.
func (s *Store) Find(id uuid.UUID) (*Record, error) {
	if id == uuid.Nil {
		return nil, errors.New("download ID cannot be empty")
	}

	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(manifestBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", manifestBucket)
		}

		data = bucket.Get([]byte(id.String()))
		if data == nil {
			return ErrNotFound
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	record := &Record{}
	if err := json.Unmarshal(data, record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}

	return record, nil
}

// FindAll retrieves every persisted record, used at startup to surface
// resumable downloads.
func (s *Store) FindAll() ([]*Record, error) {
	var records []*Record

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(manifestBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", manifestBucket)
		}

		return bucket.ForEach(func(k, v []byte) error {
			record := &Record{}
			if err := json.Unmarshal(v, record); err != nil {
				return fmt.Errorf("failed to unmarshal manifest: %w", err)
			}
			records = append(records, record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// Delete removes a record, used on cancel and after successful completion
// cleanup.
func (s *Store) Delete(id uuid.UUID) error {
	if id == uuid.Nil {
		return errors.New("download ID cannot be empty")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(manifestBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", manifestBucket)
		}

		if bucket.Get([]byte(id.String())) == nil {
			return ErrNotFound
		}

		return bucket.Delete([]byte(id.String()))
	})
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
