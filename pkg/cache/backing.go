package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotFound is returned by a Backing when no record exists for a key.
// Corrupt or version-mismatched records are reported the same way: the store
// treats them as absent rather than surfacing an error.
var ErrNotFound = errors.New("cache record not found")

// recordVersion tags every persisted record. Records carrying a different
// version are discarded on load.
const recordVersion = 1

// RecordMetadata carries the entry lifecycle fields alongside the persisted
// value. Timestamps serialize as RFC 3339.
type RecordMetadata struct {
	ExpiresAt    time.Time `json:"expiresAt"`
	LastAccessed time.Time `json:"lastAccessed"`
	Version      int       `json:"version"`
}

// Record is the persistent form of a cache entry: one record per key.
type Record struct {
	Value    json.RawMessage `json:"value"`
	Metadata RecordMetadata  `json:"metadata"`
}

// Backing is the contract for a persistent cache tier. The in-memory Store
// writes through to it on Set and falls back to it on an in-memory miss.
type Backing interface {
	// Load retrieves the record for a key, or ErrNotFound if absent.
	Load(ctx context.Context, key string) (*Record, error)
	// Save writes the record for a key, replacing any previous one.
	Save(ctx context.Context, key string, record *Record) error
	// Delete removes the record for a key. Deleting an absent key is not
	// an error.
	Delete(ctx context.Context, key string) error
	// Clear removes every record.
	Clear(ctx context.Context) error

	io.Closer
}

// encodeRecord serializes a record for persistence, stamping the current
// format version.
func encodeRecord(record *Record) ([]byte, error) {
	record.Metadata.Version = recordVersion
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cache record: %w", err)
	}
	return data, nil
}

// decodeRecord deserializes a persisted record. Corrupt payloads and version
// mismatches yield ErrNotFound so callers treat them as absent.
func decodeRecord(data []byte) (*Record, error) {
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: corrupt payload: %v", ErrNotFound, err)
	}
	if record.Metadata.Version != recordVersion {
		return nil, fmt.Errorf("%w: record version %d does not match %d",
			ErrNotFound, record.Metadata.Version, recordVersion)
	}
	return &record, nil
}
