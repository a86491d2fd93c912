package cache

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreBackingConfig holds configuration for the Firestore persistent
// tier.
type FirestoreBackingConfig struct {
	ProjectID      string
	CollectionName string
}

// FirestoreBacking persists cache records in a Firestore collection, one
// document per key. Suitable for low-volume deployments; use Redis where
// write rates are high.
type FirestoreBacking struct {
	client         *firestore.Client
	collectionName string
	ownsClient     bool
	logger         zerolog.Logger
}

// NewFirestoreBacking wraps an existing Firestore client. The client's
// lifecycle stays with the caller.
func NewFirestoreBacking(cfg *FirestoreBackingConfig, client *firestore.Client, logger zerolog.Logger) (*FirestoreBacking, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreBacking initialized.")
	return &FirestoreBacking{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "FirestoreBacking").Logger(),
	}, nil
}

// ConnectFirestoreBacking creates its own Firestore client and a backing
// around it; the backing closes the client on Close.
func ConnectFirestoreBacking(ctx context.Context, cfg *FirestoreBackingConfig, logger zerolog.Logger, opts ...option.ClientOption) (*FirestoreBacking, error) {
	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	backing, err := NewFirestoreBacking(cfg, client, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	backing.ownsClient = true
	return backing, nil
}

// Load retrieves the record document for a key. A missing document maps to
// ErrNotFound, as do version-mismatched or unreadable documents.
func (b *FirestoreBacking) Load(ctx context.Context, key string) (*Record, error) {
	docSnap, err := b.client.Collection(b.collectionName).Doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		b.logger.Error().Err(err).Str("key", key).Msg("Failed to get cache document from Firestore.")
		return nil, fmt.Errorf("firestore get for %s: %w", key, err)
	}

	var raw struct {
		Record []byte `firestore:"record"`
	}
	if err := docSnap.DataTo(&raw); err != nil {
		b.logger.Warn().Err(err).Str("key", key).Msg("Discarding unreadable cache document.")
		return nil, ErrNotFound
	}
	record, err := decodeRecord(raw.Record)
	if err != nil {
		b.logger.Warn().Err(err).Str("key", key).Msg("Discarding unreadable cache record.")
		return nil, ErrNotFound
	}
	return record, nil
}

// Save writes the record document for a key, replacing any previous one.
func (b *FirestoreBacking) Save(ctx context.Context, key string, record *Record) error {
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}
	_, err = b.client.Collection(b.collectionName).Doc(key).Set(ctx, map[string]any{
		"record": data,
	})
	if err != nil {
		b.logger.Error().Err(err).Str("key", key).Msg("Failed to write cache document to Firestore.")
		return fmt.Errorf("firestore set for %s: %w", key, err)
	}
	b.logger.Debug().Str("key", key).Msg("Successfully persisted cache record to Firestore.")
	return nil
}

// Delete removes the record document for a key. Firestore deletes are
// idempotent, so an absent document is not an error.
func (b *FirestoreBacking) Delete(ctx context.Context, key string) error {
	if _, err := b.client.Collection(b.collectionName).Doc(key).Delete(ctx); err != nil {
		return fmt.Errorf("firestore delete for %s: %w", key, err)
	}
	return nil
}

// Clear removes every record document in the collection.
func (b *FirestoreBacking) Clear(ctx context.Context) error {
	refs, err := b.client.Collection(b.collectionName).DocumentRefs(ctx).GetAll()
	if err != nil {
		return fmt.Errorf("firestore list for clear: %w", err)
	}
	for _, ref := range refs {
		if _, err := ref.Delete(ctx); err != nil {
			return fmt.Errorf("firestore delete for %s during clear: %w", ref.ID, err)
		}
	}
	return nil
}

// Close releases the Firestore client when this backing created it.
func (b *FirestoreBacking) Close() error {
	if b.ownsClient {
		b.logger.Info().Msg("Closing Firestore client...")
		return b.client.Close()
	}
	b.logger.Info().Msg("FirestoreBacking does not close the injected Firestore client.")
	return nil
}
