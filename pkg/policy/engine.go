// Package policy implements the cache-policy execution engine: given an
// operation and a declared consistency policy, it decides whether to read
// from cache, write to cache, serve stale while revalidating, or merge
// results, over an injected cache store and network call.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-queryflow/pkg/cache"
	"github.com/illmade-knight/go-queryflow/pkg/graphql"
	"github.com/illmade-knight/go-queryflow/pkg/qerror"
)

// NetworkFunc is the network-call capability the engine orchestrates. It is
// expected to already carry any retry behavior.
type NetworkFunc func(ctx context.Context, op graphql.Operation) (*graphql.Result, error)

// EngineConfig holds configuration for the policy engine.
type EngineConfig struct {
	// RefreshTimeout bounds the background network refresh spawned by the
	// cache-and-network policy. Defaults to 10s.
	RefreshTimeout time.Duration
}

// Request is a single policy execution.
type Request struct {
	Operation graphql.Operation
	// Policy selects the consistency strategy. Empty applies cache-first.
	Policy Policy
	// TTL overrides the store's default expiry for any cache write this
	// execution performs. Zero applies the default.
	TTL time.Duration
	// Key addresses the cache entry. Empty derives it from the operation.
	Key string
}

// Engine orchestrates cache-store reads and writes against a network call
// according to the declared policy.
type Engine struct {
	store   *cache.Store
	network NetworkFunc
	cfg     EngineConfig
	logger  zerolog.Logger

	// refreshWG tracks background refreshes so Close can drain them.
	refreshWG sync.WaitGroup
}

// NewEngine creates a policy engine over a cache store and a network call.
func NewEngine(cfg EngineConfig, store *cache.Store, network NetworkFunc, logger zerolog.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("cache store cannot be nil")
	}
	if network == nil {
		return nil, fmt.Errorf("network function cannot be nil")
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 10 * time.Second
	}
	return &Engine{
		store:   store,
		network: network,
		cfg:     cfg,
		logger:  logger.With().Str("component", "PolicyEngine").Logger(),
	}, nil
}

// Execute runs one operation under its policy. Every cache or network
// failure is normalized before being returned.
func (e *Engine) Execute(ctx context.Context, req Request) (*graphql.Result, error) {
	key := req.Key
	if key == "" {
		key = req.Operation.Key()
	}

	switch req.Policy {
	case NetworkOnly:
		return e.networkAndCache(ctx, req, key)
	case CacheFirst, "":
		return e.cacheFirst(ctx, req, key)
	case CacheOnly:
		return e.cacheOnly(ctx, key)
	case NetworkFirst:
		return e.networkFirst(ctx, req, key)
	case CacheAndNetwork:
		return e.cacheAndNetwork(ctx, req, key)
	case MergeNetworkAndCache:
		return e.mergeNetworkAndCache(ctx, req, key)
	default:
		return nil, qerror.New(qerror.KindValidation, fmt.Sprintf("unknown cache policy %q", req.Policy))
	}
}

// Close waits for any in-flight background refreshes to land.
func (e *Engine) Close() error {
	e.refreshWG.Wait()
	return nil
}

// networkAndCache is the network-only path: call the network and write the
// result through unconditionally.
func (e *Engine) networkAndCache(ctx context.Context, req Request, key string) (*graphql.Result, error) {
	result, err := e.network(ctx, req.Operation)
	if err != nil {
		return nil, qerror.Normalize(err)
	}
	e.writeCache(ctx, key, result, req.TTL)
	return result, nil
}

func (e *Engine) cacheFirst(ctx context.Context, req Request, key string) (*graphql.Result, error) {
	if cached, ok := e.readCache(ctx, key); ok {
		return cached, nil
	}
	return e.networkAndCache(ctx, req, key)
}

func (e *Engine) cacheOnly(ctx context.Context, key string) (*graphql.Result, error) {
	if cached, ok := e.readCache(ctx, key); ok {
		return cached, nil
	}
	return nil, qerror.CacheMiss(key)
}

func (e *Engine) networkFirst(ctx context.Context, req Request, key string) (*graphql.Result, error) {
	result, err := e.network(ctx, req.Operation)
	if err == nil {
		e.writeCache(ctx, key, result, req.TTL)
		return result, nil
	}

	if cached, ok := e.readCache(ctx, key); ok {
		e.logger.Debug().Str("key", key).Msg("Network call failed, serving cached value.")
		return cached, nil
	}
	return nil, qerror.Normalize(err)
}

// cacheAndNetwork serves the cached value immediately and refreshes the
// entry from the network in the background. The refresh is the one
// deliberately unawaited operation in the engine: its failure is logged and
// swallowed, never surfaced to the caller.
func (e *Engine) cacheAndNetwork(ctx context.Context, req Request, key string) (*graphql.Result, error) {
	cached, ok := e.readCache(ctx, key)
	if !ok {
		return e.networkAndCache(ctx, req, key)
	}

	e.refreshWG.Add(1)
	go func() {
		defer e.refreshWG.Done()
		refreshCtx, cancel := context.WithTimeout(context.Background(), e.cfg.RefreshTimeout)
		defer cancel()

		result, err := e.network(refreshCtx, req.Operation)
		if err != nil {
			e.logger.Warn().Err(err).Str("key", key).Msg("Background cache refresh failed.")
			return
		}
		e.writeCache(refreshCtx, key, result, req.TTL)
		e.logger.Debug().Str("key", key).Msg("Background cache refresh completed.")
	}()

	return cached, nil
}

func (e *Engine) mergeNetworkAndCache(ctx context.Context, req Request, key string) (*graphql.Result, error) {
	cached, hasCached := e.readCache(ctx, key)

	result, err := e.network(ctx, req.Operation)
	if err != nil {
		if hasCached {
			e.logger.Debug().Str("key", key).Msg("Network call failed, serving cached value for merge policy.")
			return cached, nil
		}
		return nil, qerror.Normalize(err)
	}

	merged := mergeResults(cached, result)
	e.writeCache(ctx, key, merged, req.TTL)
	return merged, nil
}

// readCache fetches and decodes the cached result for a key. Store failures
// and undecodable entries are logged and treated as misses so a degraded
// cache never blocks a policy that can reach the network.
func (e *Engine) readCache(ctx context.Context, key string) (*graphql.Result, bool) {
	value, ok, err := e.store.Get(ctx, key)
	if err != nil {
		e.logger.Warn().Err(err).Str("key", key).Msg("Cache read failed, treating as miss.")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var result graphql.Result
	if err := json.Unmarshal(value, &result); err != nil {
		e.logger.Warn().Err(err).Str("key", key).Msg("Undecodable cache entry, treating as miss.")
		return nil, false
	}
	return &result, true
}

// writeCache stores a result under a key. Write failures are logged, not
// propagated: the caller already holds a fresh result.
func (e *Engine) writeCache(ctx context.Context, key string, result *graphql.Result, ttl time.Duration) {
	value, err := json.Marshal(result)
	if err != nil {
		e.logger.Error().Err(err).Str("key", key).Msg("Failed to marshal result for caching.")
		return
	}
	if err := e.store.Set(ctx, key, value, ttl); err != nil {
		e.logger.Error().Err(err).Str("key", key).Msg("Failed to write result to cache.")
	}
}

// mergeResults shallow-merges two result payloads when both are JSON
// objects, network values winning on key collision. When either payload is
// missing or not an object, the network result wins outright (with the
// cached result standing in if the network carried no data). Merging stays
// shallow: conflicting sub-objects are replaced, not recursed into.
func mergeResults(cached, network *graphql.Result) *graphql.Result {
	if cached == nil || !cached.HasData() {
		return network
	}
	if network == nil || !network.HasData() {
		return cached
	}

	var cachedFields, networkFields map[string]json.RawMessage
	if err := json.Unmarshal(cached.Data, &cachedFields); err != nil {
		return network
	}
	if err := json.Unmarshal(network.Data, &networkFields); err != nil {
		return network
	}

	for k, v := range networkFields {
		cachedFields[k] = v
	}
	mergedData, err := json.Marshal(cachedFields)
	if err != nil {
		return network
	}

	return &graphql.Result{
		Data:       mergedData,
		Errors:     network.Errors,
		Extensions: network.Extensions,
	}
}
