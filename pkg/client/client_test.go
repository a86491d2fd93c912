package client_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-queryflow/pkg/cache"
	"github.com/illmade-knight/go-queryflow/pkg/client"
	"github.com/illmade-knight/go-queryflow/pkg/graphql"
	"github.com/illmade-knight/go-queryflow/pkg/policy"
	"github.com/illmade-knight/go-queryflow/pkg/qerror"
	"github.com/illmade-knight/go-queryflow/pkg/retry"
	"github.com/illmade-knight/go-queryflow/pkg/subscription"
)

// mockTransport is a test double for the request/response collaborator.
type mockTransport struct {
	postCount  atomic.Int32
	batchCount atomic.Int32
	post       func(ctx context.Context, payload client.Payload) (*graphql.Result, error)
	postBatch  func(ctx context.Context, payloads []client.Payload) ([]*graphql.Result, error)
}

func (m *mockTransport) Post(ctx context.Context, payload client.Payload) (*graphql.Result, error) {
	m.postCount.Add(1)
	return m.post(ctx, payload)
}

func (m *mockTransport) PostBatch(ctx context.Context, payloads []client.Payload) ([]*graphql.Result, error) {
	m.batchCount.Add(1)
	return m.postBatch(ctx, payloads)
}

func newTestStore(t *testing.T) *cache.Store {
	t.Helper()
	store, err := cache.NewStore(cache.StoreConfig{MaxEntries: 100}, nil, zerolog.Nop())
	require.NoError(t, err)
	return store
}

var testOp = graphql.Operation{Query: "query { viewer { id } }"}

func TestClient_QueryCacheFirstRoundTrip(t *testing.T) {
	ctx := context.Background()
	transport := &mockTransport{post: func(context.Context, client.Payload) (*graphql.Result, error) {
		return &graphql.Result{Data: json.RawMessage(`{"viewer":{"id":"1"}}`)}, nil
	}}
	c, err := client.NewClient(client.Config{}, transport, newTestStore(t), zerolog.Nop())
	require.NoError(t, err)

	first, err := c.Query(ctx, testOp)
	require.NoError(t, err)
	assert.True(t, first.OK())
	assert.Equal(t, int32(1), transport.postCount.Load())

	second, err := c.Query(ctx, testOp)
	require.NoError(t, err)
	assert.JSONEq(t, string(first.Data), string(second.Data))
	assert.Equal(t, int32(1), transport.postCount.Load(), "second identical query is served from cache")
}

func TestClient_ErrorStrategies(t *testing.T) {
	ctx := context.Background()
	failing := func() *mockTransport {
		return &mockTransport{post: func(context.Context, client.Payload) (*graphql.Result, error) {
			return nil, qerror.Network("bad request", 400, nil)
		}}
	}

	t.Run("Throw propagates the normalized error", func(t *testing.T) {
		c, err := client.NewClient(client.Config{ErrorStrategy: client.StrategyThrow}, failing(), newTestStore(t), zerolog.Nop())
		require.NoError(t, err)

		_, err = c.Query(ctx, testOp, client.WithPolicy(policy.NetworkOnly))

		var qe *qerror.Error
		require.ErrorAs(t, err, &qe)
		assert.Equal(t, qerror.KindNetwork, qe.Kind)
		assert.Equal(t, 400, qe.StatusCode)
	})

	t.Run("Callback strategy invokes the callback and still propagates", func(t *testing.T) {
		var seen *qerror.Error
		c, err := client.NewClient(client.Config{ErrorStrategy: client.StrategyCallback}, failing(), newTestStore(t), zerolog.Nop(),
			client.WithErrorCallback(func(e *qerror.Error) { seen = e }))
		require.NoError(t, err)

		_, err = c.Query(ctx, testOp, client.WithPolicy(policy.NetworkOnly))

		require.Error(t, err)
		require.NotNil(t, seen)
		assert.Equal(t, 400, seen.StatusCode)
	})

	t.Run("Silent strategy suppresses propagation after the callback", func(t *testing.T) {
		var seen *qerror.Error
		c, err := client.NewClient(client.Config{ErrorStrategy: client.StrategySilent}, failing(), newTestStore(t), zerolog.Nop(),
			client.WithErrorCallback(func(e *qerror.Error) { seen = e }))
		require.NoError(t, err)

		result, err := c.Query(ctx, testOp, client.WithPolicy(policy.NetworkOnly))

		assert.NoError(t, err)
		assert.Nil(t, result, "silent strategy yields an absent result")
		require.NotNil(t, seen, "the callback still sees the error")
	})
}

func TestClient_QueryRetries(t *testing.T) {
	ctx := context.Background()

	t.Run("Retryable failures are retried up to the bound", func(t *testing.T) {
		transport := &mockTransport{post: func(context.Context, client.Payload) (*graphql.Result, error) {
			return nil, qerror.Network("unavailable", 503, nil)
		}}
		var attempts []int
		c, err := client.NewClient(client.Config{
			Retry: retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond},
		}, transport, newTestStore(t), zerolog.Nop(),
			client.WithRetryObserver(func(attempt int, _ error) { attempts = append(attempts, attempt) }))
		require.NoError(t, err)

		_, err = c.Query(ctx, testOp, client.WithPolicy(policy.NetworkOnly))

		require.Error(t, err)
		assert.Equal(t, int32(3), transport.postCount.Load())
		assert.Equal(t, []int{0, 1}, attempts)
	})

	t.Run("Absent result without error is not retry exhaustion", func(t *testing.T) {
		transport := &mockTransport{post: func(context.Context, client.Payload) (*graphql.Result, error) {
			return nil, nil
		}}
		c, err := client.NewClient(client.Config{}, transport, newTestStore(t), zerolog.Nop())
		require.NoError(t, err)

		result, err := c.Query(ctx, testOp, client.WithPolicy(policy.NetworkOnly))

		assert.NoError(t, err, "a legitimately empty response must pass through untouched")
		assert.Nil(t, result)
		assert.Equal(t, int32(1), transport.postCount.Load())
	})

	t.Run("Degenerate max-attempts yields the synthetic error", func(t *testing.T) {
		transport := &mockTransport{post: func(context.Context, client.Payload) (*graphql.Result, error) {
			return &graphql.Result{Data: json.RawMessage(`{}`)}, nil
		}}
		c, err := client.NewClient(client.Config{
			Retry: retry.Config{MaxAttempts: -1},
		}, transport, newTestStore(t), zerolog.Nop())
		require.NoError(t, err)

		_, err = c.Query(ctx, testOp, client.WithPolicy(policy.NetworkOnly))

		var qe *qerror.Error
		require.ErrorAs(t, err, &qe)
		assert.Contains(t, qe.Message, "max retry attempts reached")
		assert.Equal(t, int32(0), transport.postCount.Load())
	})
}

func TestClient_QueryBatch(t *testing.T) {
	ctx := context.Background()
	ops := []graphql.Operation{
		{Query: "query { a }"},
		{Query: "query { b }"},
		{Query: "query { c }"},
	}

	t.Run("Results come back in request order", func(t *testing.T) {
		transport := &mockTransport{postBatch: func(_ context.Context, payloads []client.Payload) ([]*graphql.Result, error) {
			results := make([]*graphql.Result, len(payloads))
			for i := range payloads {
				results[i] = &graphql.Result{Data: json.RawMessage(`{"index":` + strconv.Itoa(i) + `}`)}
			}
			return results, nil
		}}
		c, err := client.NewClient(client.Config{}, transport, newTestStore(t), zerolog.Nop())
		require.NoError(t, err)

		results, err := c.QueryBatch(ctx, ops)

		require.NoError(t, err)
		require.Len(t, results, 3)
		for i, result := range results {
			assert.JSONEq(t, fmt.Sprintf(`{"index":%d}`, i), string(result.Data))
		}
		assert.Equal(t, int32(1), transport.batchCount.Load())
	})

	t.Run("A transport failure fails the entire batch", func(t *testing.T) {
		transport := &mockTransport{postBatch: func(context.Context, []client.Payload) ([]*graphql.Result, error) {
			return nil, qerror.Network("bad gateway", 502, nil)
		}}
		c, err := client.NewClient(client.Config{
			Retry: retry.Config{MaxAttempts: 1},
		}, transport, newTestStore(t), zerolog.Nop())
		require.NoError(t, err)

		results, err := c.QueryBatch(ctx, ops)

		require.Error(t, err)
		assert.Nil(t, results, "no partial-batch success")
	})
}

func TestClient_MutateBypassesCache(t *testing.T) {
	ctx := context.Background()
	transport := &mockTransport{post: func(context.Context, client.Payload) (*graphql.Result, error) {
		return &graphql.Result{Data: json.RawMessage(`{"ok":true}`)}, nil
	}}
	store := newTestStore(t)
	c, err := client.NewClient(client.Config{}, transport, store, zerolog.Nop())
	require.NoError(t, err)

	result, err := c.Mutate(ctx, graphql.Operation{Query: "mutation { save }"})

	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.Equal(t, int64(0), store.Stats().TotalEntries, "mutations are never cached")
}

// rejectingNormalizer fails every query with a validation error.
type rejectingNormalizer struct{}

func (rejectingNormalizer) Normalize(string) (string, error) {
	return "", qerror.New(qerror.KindValidation, "unbalanced braces")
}

// annotatingNormalizer appends a marker so tests can see the normalized text
// on the wire.
type annotatingNormalizer struct{}

func (annotatingNormalizer) Normalize(query string) (string, error) {
	return query + " # normalized", nil
}

func TestClient_Normalizer(t *testing.T) {
	ctx := context.Background()

	t.Run("Validation failure short-circuits before the network", func(t *testing.T) {
		transport := &mockTransport{post: func(context.Context, client.Payload) (*graphql.Result, error) {
			return &graphql.Result{}, nil
		}}
		c, err := client.NewClient(client.Config{}, transport, newTestStore(t), zerolog.Nop(),
			client.WithNormalizer(rejectingNormalizer{}))
		require.NoError(t, err)

		_, err = c.Query(ctx, testOp)

		var qe *qerror.Error
		require.ErrorAs(t, err, &qe)
		assert.Equal(t, qerror.KindValidation, qe.Kind)
		assert.Equal(t, int32(0), transport.postCount.Load())
	})

	t.Run("Normalized text is what reaches the transport", func(t *testing.T) {
		var sent client.Payload
		transport := &mockTransport{post: func(_ context.Context, payload client.Payload) (*graphql.Result, error) {
			sent = payload
			return &graphql.Result{Data: json.RawMessage(`{}`)}, nil
		}}
		c, err := client.NewClient(client.Config{}, transport, newTestStore(t), zerolog.Nop(),
			client.WithNormalizer(annotatingNormalizer{}))
		require.NoError(t, err)

		_, err = c.Query(ctx, testOp, client.WithPolicy(policy.NetworkOnly))

		require.NoError(t, err)
		assert.Contains(t, sent.Query, "# normalized")
	})
}

// fakeStream is a minimal StreamTransport whose server side immediately
// acknowledges the connection.
type fakeStream struct {
	mu        sync.Mutex
	sent      [][]byte
	incoming  chan []byte
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	f := &fakeStream{incoming: make(chan []byte, 16)}
	f.incoming <- []byte(`{"type":"connection_ack"}`)
	return f
}

func (f *fakeStream) Send(_ context.Context, message []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, message)
	return nil
}

func (f *fakeStream) Receive() <-chan []byte { return f.incoming }
func (f *fakeStream) Err() error             { return nil }
func (f *fakeStream) Close() error {
	f.closeOnce.Do(func() { close(f.incoming) })
	return nil
}

func TestClient_Subscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("Without a dialer, Subscribe fails", func(t *testing.T) {
		transport := &mockTransport{}
		c, err := client.NewClient(client.Config{}, transport, newTestStore(t), zerolog.Nop())
		require.NoError(t, err)

		_, err = c.Subscribe(ctx, graphql.Operation{Query: "subscription { x }"}, 0)

		var qe *qerror.Error
		require.ErrorAs(t, err, &qe)
		assert.Equal(t, qerror.KindSubscription, qe.Kind)
	})

	t.Run("Dialer connects once and subscriptions are delivered", func(t *testing.T) {
		stream := newFakeStream()
		var dials atomic.Int32
		dial := func(context.Context) (subscription.StreamTransport, error) {
			dials.Add(1)
			return stream, nil
		}

		transport := &mockTransport{}
		c, err := client.NewClient(client.Config{}, transport, newTestStore(t), zerolog.Nop(),
			client.WithStreamDialer(dial))
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close(ctx) })

		subA, err := c.Subscribe(ctx, graphql.Operation{Query: "subscription { a }"}, 0)
		require.NoError(t, err)
		subB, err := c.Subscribe(ctx, graphql.Operation{Query: "subscription { b }"}, 0)
		require.NoError(t, err)

		assert.Equal(t, int32(1), dials.Load(), "the push channel is dialed once and shared")

		stream.incoming <- []byte(fmt.Sprintf(`{"type":"data","id":%q,"payload":{"data":{"n":1}}}`, subA.ID()))
		event := <-subA.Updates()
		require.NoError(t, event.Err)
		assert.JSONEq(t, `{"n":1}`, string(event.Result.Data))

		require.NoError(t, subB.Unsubscribe(ctx))
	})

	t.Run("Reconnects after the push connection ends", func(t *testing.T) {
		var mu sync.Mutex
		var streams []*fakeStream
		var dials atomic.Int32
		dial := func(context.Context) (subscription.StreamTransport, error) {
			mu.Lock()
			defer mu.Unlock()
			dials.Add(1)
			stream := newFakeStream()
			streams = append(streams, stream)
			return stream, nil
		}

		c, err := client.NewClient(client.Config{}, &mockTransport{}, newTestStore(t), zerolog.Nop(),
			client.WithStreamDialer(dial))
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close(ctx) })

		sub, err := c.Subscribe(ctx, graphql.Operation{Query: "subscription { a }"}, 0)
		require.NoError(t, err)
		require.Equal(t, int32(1), dials.Load())

		// The server drops the connection; the open subscription ends.
		mu.Lock()
		first := streams[0]
		mu.Unlock()
		require.NoError(t, first.Close())
		_, open := <-sub.Updates()
		require.False(t, open)

		// The next Subscribe dials a fresh connection instead of reusing
		// the dead session.
		assert.Eventually(t, func() bool {
			next, err := c.Subscribe(ctx, graphql.Operation{Query: "subscription { b }"}, 0)
			if err != nil {
				return false
			}
			require.NoError(t, next.Unsubscribe(ctx))
			return true
		}, time.Second, 10*time.Millisecond, "a lost connection should be redialed")
		assert.Equal(t, int32(2), dials.Load())
	})
}
