package cache

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// ====================================================================================
// This file defines a set of interfaces to abstract the Google Cloud Storage
// client, so the GCSBacking can be unit tested without a real GCS client.
// ====================================================================================

// GCSClient abstracts the top-level *storage.Client.
type GCSClient interface {
	Bucket(name string) GCSBucketHandle
}

// GCSBucketHandle abstracts a *storage.BucketHandle.
type GCSBucketHandle interface {
	Object(name string) GCSObjectHandle
	// ObjectNames lists the names of all objects under a prefix.
	ObjectNames(ctx context.Context, prefix string) ([]string, error)
}

// GCSObjectHandle abstracts a *storage.ObjectHandle.
type GCSObjectHandle interface {
	NewWriter(ctx context.Context) io.WriteCloser
	NewReader(ctx context.Context) (io.ReadCloser, error)
	Delete(ctx context.Context) error
}

// --- Adapters to wrap the concrete Google Cloud Storage client ---

type gcsClientAdapter struct {
	client *storage.Client
}

// NewGCSClientAdapter makes a concrete *storage.Client conform to GCSClient.
func NewGCSClientAdapter(client *storage.Client) GCSClient {
	if client == nil {
		return nil
	}
	return &gcsClientAdapter{client: client}
}

// ConnectGCSClient creates a storage client and wraps it as a GCSClient.
func ConnectGCSClient(ctx context.Context, opts ...option.ClientOption) (GCSClient, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return NewGCSClientAdapter(client), nil
}

func (a *gcsClientAdapter) Bucket(name string) GCSBucketHandle {
	return &gcsBucketHandleAdapter{handle: a.client.Bucket(name)}
}

type gcsBucketHandleAdapter struct {
	handle *storage.BucketHandle
}

func (a *gcsBucketHandleAdapter) Object(name string) GCSObjectHandle {
	return &gcsObjectHandleAdapter{handle: a.handle.Object(name)}
}

func (a *gcsBucketHandleAdapter) ObjectNames(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	it := a.handle.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list GCS objects: %w", err)
		}
		names = append(names, attrs.Name)
	}
}

type gcsObjectHandleAdapter struct {
	handle *storage.ObjectHandle
}

func (a *gcsObjectHandleAdapter) NewWriter(ctx context.Context) io.WriteCloser {
	return a.handle.NewWriter(ctx)
}

func (a *gcsObjectHandleAdapter) NewReader(ctx context.Context) (io.ReadCloser, error) {
	return a.handle.NewReader(ctx)
}

func (a *gcsObjectHandleAdapter) Delete(ctx context.Context) error {
	return a.handle.Delete(ctx)
}

// --- The backing itself ---

// GCSBackingConfig holds configuration for the GCS persistent tier.
type GCSBackingConfig struct {
	BucketName   string
	ObjectPrefix string
	// Compress gzips record payloads on write. Reads accept both forms.
	Compress bool
}

// GCSBacking persists cache records as one GCS object per key, optionally
// gzip-compressed. Best suited to large response payloads with long TTLs,
// where object storage latency is acceptable.
type GCSBacking struct {
	client GCSClient
	config GCSBackingConfig
	logger zerolog.Logger
}

// NewGCSBacking creates a backing over an abstracted GCS client.
func NewGCSBacking(client GCSClient, config GCSBackingConfig, logger zerolog.Logger) (*GCSBacking, error) {
	if client == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if config.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &GCSBacking{
		client: client,
		config: config,
		logger: logger.With().Str("component", "GCSBacking").Logger(),
	}, nil
}

func (b *GCSBacking) objectName(key string) string {
	name := key + ".json"
	if b.config.Compress {
		name += ".gz"
	}
	return path.Join(b.config.ObjectPrefix, name)
}

// Load retrieves and decodes the record object for a key. A missing object
// maps to ErrNotFound; unreadable or version-mismatched objects are
// discarded and reported the same way.
func (b *GCSBacking) Load(ctx context.Context, key string) (*Record, error) {
	objectName := b.objectName(key)
	reader, err := b.client.Bucket(b.config.BucketName).Object(objectName).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		b.logger.Error().Err(err).Str("object_name", objectName).Msg("Failed to open GCS object for read.")
		return nil, fmt.Errorf("failed to open GCS object %s: %w", objectName, err)
	}
	defer func() { _ = reader.Close() }()

	var payload io.Reader = reader
	if b.config.Compress {
		gz, gzErr := gzip.NewReader(reader)
		if gzErr != nil {
			b.logger.Warn().Err(gzErr).Str("object_name", objectName).Msg("Discarding uncompressible cache object.")
			return nil, ErrNotFound
		}
		defer func() { _ = gz.Close() }()
		payload = gz
	}

	data, err := io.ReadAll(payload)
	if err != nil {
		b.logger.Warn().Err(err).Str("object_name", objectName).Msg("Discarding unreadable cache object.")
		return nil, ErrNotFound
	}
	record, err := decodeRecord(data)
	if err != nil {
		b.logger.Warn().Err(err).Str("object_name", objectName).Msg("Discarding unreadable cache record.")
		return nil, ErrNotFound
	}
	return record, nil
}

// Save encodes the record and streams it to a GCS object, gzip-compressing
// when configured.
func (b *GCSBacking) Save(ctx context.Context, key string, record *Record) error {
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}

	objectName := b.objectName(key)
	writer := b.client.Bucket(b.config.BucketName).Object(objectName).NewWriter(ctx)

	var sink io.Writer = writer
	var gz *gzip.Writer
	if b.config.Compress {
		gz = gzip.NewWriter(writer)
		sink = gz
	}
	if _, err := sink.Write(data); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to write GCS object %s: %w", objectName, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			_ = writer.Close()
			return fmt.Errorf("failed to finish compressing GCS object %s: %w", objectName, err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close GCS object writer for %s: %w", objectName, err)
	}

	b.logger.Debug().Str("object_name", objectName).Msg("Successfully persisted cache record to GCS.")
	return nil
}

// Delete removes the record object for a key. An absent object is not an
// error.
func (b *GCSBacking) Delete(ctx context.Context, key string) error {
	err := b.client.Bucket(b.config.BucketName).Object(b.objectName(key)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete GCS object for %s: %w", key, err)
	}
	return nil
}

// Clear removes every record object under the configured prefix.
func (b *GCSBacking) Clear(ctx context.Context) error {
	bucket := b.client.Bucket(b.config.BucketName)
	names, err := bucket.ObjectNames(ctx, b.config.ObjectPrefix)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := bucket.Object(name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("failed to delete GCS object %s during clear: %w", name, err)
		}
	}
	return nil
}

// Close is a no-op; the underlying client's lifecycle belongs to whoever
// created it.
func (b *GCSBacking) Close() error {
	return nil
}
