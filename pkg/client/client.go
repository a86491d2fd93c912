// Package client assembles the fetching layer: policy-driven caching, retry
// with backoff, batch calls, subscriptions and a configurable error-handling
// strategy, over injected transport and normalization collaborators. All
// construction is explicit; there is no package-level default client.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-queryflow/pkg/cache"
	"github.com/illmade-knight/go-queryflow/pkg/graphql"
	"github.com/illmade-knight/go-queryflow/pkg/policy"
	"github.com/illmade-knight/go-queryflow/pkg/qerror"
	"github.com/illmade-knight/go-queryflow/pkg/retry"
	"github.com/illmade-knight/go-queryflow/pkg/subscription"
)

// Payload is the wire form of one operation posted to the transport.
type Payload struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

// Transport is the request/response collaborator. A transport-level failure
// on PostBatch fails the entire batch; there is no partial-batch success.
type Transport interface {
	Post(ctx context.Context, payload Payload) (*graphql.Result, error)
	PostBatch(ctx context.Context, payloads []Payload) ([]*graphql.Result, error)
}

// Normalizer is the operation-text transformation collaborator. A validation
// failure should carry qerror.KindValidation.
type Normalizer interface {
	Normalize(query string) (string, error)
}

// StreamDialer opens the push channel for subscriptions.
type StreamDialer func(ctx context.Context) (subscription.StreamTransport, error)

// ErrorStrategy selects what happens to a normalized error after any
// callback has run.
type ErrorStrategy string

const (
	// StrategyThrow propagates the normalized error to the caller.
	StrategyThrow ErrorStrategy = "throw"
	// StrategyCallback invokes the registered callback, then still
	// propagates the error.
	StrategyCallback ErrorStrategy = "callback"
	// StrategySilent invokes the callback, then suppresses propagation
	// and yields an absent result in its place.
	StrategySilent ErrorStrategy = "silent"
)

// ErrorCallback receives every normalized error under the callback and
// silent strategies.
type ErrorCallback func(*qerror.Error)

// Config holds configuration for a Client.
type Config struct {
	// DefaultPolicy applies to queries that specify none. Defaults to
	// cache-first.
	DefaultPolicy policy.Policy
	// ErrorStrategy defaults to StrategyThrow.
	ErrorStrategy ErrorStrategy
	// Retry configures the controller wrapped around every network call.
	Retry retry.Config
	// Engine configures the cache-policy engine.
	Engine policy.EngineConfig
	// Session configures the subscription session opened by Subscribe.
	Session subscription.SessionConfig
}

// Option customizes a Client at construction.
type Option func(*Client)

// WithNormalizer injects the operation-text normalizer. Without one, query
// text is used as-is.
func WithNormalizer(n Normalizer) Option {
	return func(c *Client) { c.normalizer = n }
}

// WithErrorCallback registers the callback invoked under the callback and
// silent strategies.
func WithErrorCallback(cb ErrorCallback) Option {
	return func(c *Client) { c.errorCallback = cb }
}

// WithRetryObserver registers a per-attempt observer on the retry
// controller.
func WithRetryObserver(obs retry.Observer) Option {
	return func(c *Client) { c.retryObserver = obs }
}

// WithStreamDialer injects the push-channel dialer used by Subscribe.
func WithStreamDialer(dial StreamDialer) Option {
	return func(c *Client) { c.dial = dial }
}

// Client is the data-fetching entry point.
type Client struct {
	cfg       Config
	transport Transport
	store     *cache.Store
	engine    *policy.Engine
	retrier   *retry.Controller
	logger    zerolog.Logger

	normalizer    Normalizer
	errorCallback ErrorCallback
	retryObserver retry.Observer
	dial          StreamDialer

	sessionMu sync.Mutex
	session   *subscription.Session
}

// NewClient creates a Client over a transport and a cache store.
func NewClient(cfg Config, transport Transport, store *cache.Store, logger zerolog.Logger, opts ...Option) (*Client, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("cache store cannot be nil")
	}
	if cfg.DefaultPolicy == "" {
		cfg.DefaultPolicy = policy.CacheFirst
	}
	if cfg.ErrorStrategy == "" {
		cfg.ErrorStrategy = StrategyThrow
	}

	c := &Client{
		cfg:       cfg,
		transport: transport,
		store:     store,
		logger:    logger.With().Str("component", "QueryClient").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.retrier = retry.NewController(cfg.Retry, c.retryObserver, logger)

	engine, err := policy.NewEngine(cfg.Engine, store, c.networkCall, logger)
	if err != nil {
		return nil, err
	}
	c.engine = engine
	return c, nil
}

// RequestOption customizes a single query.
type RequestOption func(*policy.Request)

// WithPolicy overrides the client's default cache policy for one query.
func WithPolicy(p policy.Policy) RequestOption {
	return func(r *policy.Request) { r.Policy = p }
}

// WithTTL overrides the store's default expiry for any cache write this
// query performs.
func WithTTL(ttl time.Duration) RequestOption {
	return func(r *policy.Request) { r.TTL = ttl }
}

// WithCacheKey overrides the derived cache key for one query.
func WithCacheKey(key string) RequestOption {
	return func(r *policy.Request) { r.Key = key }
}

// Query executes an operation under a cache policy. Under the silent error
// strategy, failures yield (nil, nil) after the callback runs.
func (c *Client) Query(ctx context.Context, op graphql.Operation, opts ...RequestOption) (*graphql.Result, error) {
	normalized, err := c.normalize(op)
	if err != nil {
		return c.finish(nil, err)
	}

	req := policy.Request{Operation: normalized, Policy: c.cfg.DefaultPolicy}
	for _, opt := range opts {
		opt(&req)
	}

	result, err := c.engine.Execute(ctx, req)
	return c.finish(result, err)
}

// Mutate executes a mutation. Mutations bypass the cache entirely: they are
// sent straight to the network with retry, and never written to the store.
func (c *Client) Mutate(ctx context.Context, op graphql.Operation) (*graphql.Result, error) {
	normalized, err := c.normalize(op)
	if err != nil {
		return c.finish(nil, err)
	}
	result, err := c.networkCall(ctx, normalized)
	return c.finish(result, err)
}

// QueryBatch posts an ordered list of operations as one transport call and
// returns results in the same order. The batch bypasses the cache; a
// transport failure fails the whole batch.
func (c *Client) QueryBatch(ctx context.Context, ops []graphql.Operation) ([]*graphql.Result, error) {
	payloads := make([]Payload, 0, len(ops))
	for _, op := range ops {
		normalized, err := c.normalize(op)
		if err != nil {
			if _, ferr := c.finish(nil, err); ferr != nil {
				return nil, ferr
			}
			return nil, nil
		}
		payloads = append(payloads, payloadFrom(normalized))
	}

	results, err := retry.Do(ctx, c.retrier, func(ctx context.Context) ([]*graphql.Result, error) {
		return c.transport.PostBatch(ctx, payloads)
	})
	if err == nil && c.retrier.MaxAttempts() <= 0 {
		err = qerror.New(qerror.KindNetwork, "max retry attempts reached")
	}
	if err != nil {
		if _, ferr := c.finish(nil, err); ferr != nil {
			return nil, ferr
		}
		return nil, nil
	}
	if len(results) != len(ops) {
		return nil, qerror.New(qerror.KindParse,
			fmt.Sprintf("batch returned %d results for %d operations", len(results), len(ops)))
	}
	return results, nil
}

// Subscribe starts a logical subscription, connecting the push channel on
// first use and dialing a fresh one after a lost connection. The timeout,
// when positive, is a local timer: if no terminal message arrives first, the
// subscription receives a timeout error and is stopped.
func (c *Client) Subscribe(ctx context.Context, op graphql.Operation, timeout time.Duration) (*subscription.Subscription, error) {
	if c.dial == nil {
		return nil, qerror.New(qerror.KindSubscription, "no stream dialer configured")
	}
	normalized, err := c.normalize(op)
	if err != nil {
		return nil, qerror.Normalize(err)
	}

	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if c.session != nil {
		select {
		case <-c.session.Done():
			c.logger.Info().Msg("Push connection ended, reconnecting.")
			c.session = nil
		default:
		}
	}
	if c.session == nil {
		transport, err := c.dial(ctx)
		if err != nil {
			return nil, qerror.Wrap(qerror.KindSubscription, "failed to open push channel", err)
		}
		session, err := subscription.Connect(ctx, transport, c.cfg.Session, c.logger)
		if err != nil {
			return nil, err
		}
		c.session = session
	}
	return c.session.Subscribe(ctx, normalized, timeout)
}

// InvalidateCache removes the cached entry for an operation.
func (c *Client) InvalidateCache(ctx context.Context, op graphql.Operation) error {
	return c.store.Invalidate(ctx, op.Key())
}

// ClearCache removes every cached entry.
func (c *Client) ClearCache(ctx context.Context) error {
	return c.store.Clear(ctx)
}

// CacheStats returns the cache statistics surface.
func (c *Client) CacheStats() cache.Stats {
	return c.store.Stats()
}

// Close drains background cache refreshes, closes any subscription session
// and releases the cache store.
func (c *Client) Close(ctx context.Context) error {
	c.sessionMu.Lock()
	session := c.session
	c.session = nil
	c.sessionMu.Unlock()
	if session != nil {
		if err := session.Close(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("Error closing subscription session.")
		}
	}
	if err := c.engine.Close(); err != nil {
		return err
	}
	return c.store.Close()
}

// networkCall is the single network leg handed to the policy engine: one
// transport post wrapped by the retry controller. When a non-positive
// max-attempts configuration makes the retry loop exit without ever invoking
// the transport, a synthetic error stands in; a transport that legitimately
// returns neither result nor error passes through untouched.
func (c *Client) networkCall(ctx context.Context, op graphql.Operation) (*graphql.Result, error) {
	result, err := retry.Do(ctx, c.retrier, func(ctx context.Context) (*graphql.Result, error) {
		return c.transport.Post(ctx, payloadFrom(op))
	})
	if err == nil && c.retrier.MaxAttempts() <= 0 {
		return nil, qerror.New(qerror.KindNetwork, "max retry attempts reached")
	}
	return result, err
}

// normalize runs the operation text through the injected normalizer, when
// present.
func (c *Client) normalize(op graphql.Operation) (graphql.Operation, error) {
	if c.normalizer == nil {
		return op, nil
	}
	text, err := c.normalizer.Normalize(op.Query)
	if err != nil {
		return op, qerror.Normalize(err)
	}
	op.Query = text
	return op, nil
}

// finish applies the configured error-handling strategy to an execution
// outcome.
func (c *Client) finish(result *graphql.Result, err error) (*graphql.Result, error) {
	if err == nil {
		return result, nil
	}
	qe := qerror.Normalize(err)

	switch c.cfg.ErrorStrategy {
	case StrategySilent:
		if c.errorCallback != nil {
			c.errorCallback(qe)
		}
		c.logger.Debug().Err(qe).Msg("Suppressing error under silent strategy.")
		return nil, nil
	case StrategyCallback:
		if c.errorCallback != nil {
			c.errorCallback(qe)
		}
		return nil, qe
	default:
		return nil, qe
	}
}

func payloadFrom(op graphql.Operation) Payload {
	return Payload{
		Query:         op.Query,
		Variables:     op.Variables,
		OperationName: op.OperationName,
	}
}
