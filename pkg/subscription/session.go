// Package subscription manages a long-lived push channel for server-sent
// updates: the connection handshake, keep-alives, per-subscription
// demultiplexing and teardown. The transport itself (WebSocket framing etc.)
// is an injected collaborator.
package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-queryflow/pkg/graphql"
	"github.com/illmade-knight/go-queryflow/pkg/qerror"
)

// StreamTransport is the duplex push channel the session multiplexes logical
// subscriptions over. Receive's channel closes when the connection ends; Err
// then reports the transport error, or nil for a clean close.
type StreamTransport interface {
	Send(ctx context.Context, message []byte) error
	Receive() <-chan []byte
	Err() error
	io.Closer
}

// SessionConfig holds configuration for a subscription session.
type SessionConfig struct {
	// ConnectionTimeout bounds the wait for the server's acknowledgment
	// during the handshake. Defaults to 10s.
	ConnectionTimeout time.Duration
	// KeepAliveInterval is the period between keep-alive messages once
	// connected. Defaults to 30s.
	KeepAliveInterval time.Duration
	// ConnectionParams is sent as the connection_init payload.
	ConnectionParams map[string]any
}

// Event is a single delivery on a subscription channel: a result, or a
// terminal error.
type Event struct {
	Result *graphql.Result
	Err    error
}

// Subscription is the caller's handle on one logical subscription. Incoming
// events are staged in an internal queue and pumped to the output channel by
// a dedicated goroutine, so a slow consumer delays delivery but never loses
// an update.
type Subscription struct {
	id      string
	events  chan Event
	session *Session

	timer *time.Timer

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []Event
	finished bool
}

func newSubscription(id string, session *Session) *Subscription {
	sub := &Subscription{
		id:      id,
		events:  make(chan Event),
		session: session,
	}
	sub.cond = sync.NewCond(&sub.mu)
	go sub.pump()
	return sub
}

// ID returns the subscription's unique id on its connection.
func (s *Subscription) ID() string {
	return s.id
}

// Updates returns the channel of incoming results. It is closed once the
// subscription has ended (server completion, connection end or Unsubscribe)
// and every event queued before that has been delivered.
func (s *Subscription) Updates() <-chan Event {
	return s.events
}

// Unsubscribe sends a stop message, closes the local channel and deregisters
// it. Calling it more than once is harmless.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	return s.session.unsubscribe(ctx, s.id, true)
}

// enqueue appends an event to the delivery queue and wakes the pump. Events
// arriving after the subscription finished are discarded.
func (s *Subscription) enqueue(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.pending = append(s.pending, event)
	s.cond.Signal()
}

// finish marks the queue complete; the pump closes the output channel once
// everything already queued has been delivered. Idempotent.
func (s *Subscription) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.cond.Signal()
}

// pump drains the queue into the output channel. One goroutine per
// subscription, so a slow consumer stalls only its own deliveries while the
// session's demux loop keeps running.
func (s *Subscription) pump() {
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.finished {
			s.cond.Wait()
		}
		batch := s.pending
		s.pending = nil
		done := s.finished
		s.mu.Unlock()

		for _, event := range batch {
			s.events <- event
		}
		if done {
			close(s.events)
			return
		}
	}
}

// Session multiplexes logical subscriptions over one push-channel
// connection. Create one with Connect; it is live until Close or until the
// transport ends.
type Session struct {
	transport StreamTransport
	cfg       SessionConfig
	logger    zerolog.Logger

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool

	kaStop    chan struct{}
	recvDone  chan struct{}
	closeOnce sync.Once
}

// Connect opens a session: it sends the initialization message and waits,
// bounded by the connection timeout, for the server's acknowledgment. On
// timeout or transport failure the transport is closed and construction
// fails with a subscription-kind error.
func Connect(ctx context.Context, transport StreamTransport, cfg SessionConfig, logger zerolog.Logger) (*Session, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 10 * time.Second
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 30 * time.Second
	}

	s := &Session{
		transport: transport,
		cfg:       cfg,
		logger:    logger.With().Str("component", "SubscriptionSession").Logger(),
		subs:      make(map[string]*Subscription),
		kaStop:    make(chan struct{}),
		recvDone:  make(chan struct{}),
	}

	if err := s.handshake(ctx); err != nil {
		_ = transport.Close()
		return nil, err
	}

	go s.keepAliveLoop()
	go s.receiveLoop()

	s.logger.Info().Msg("Subscription session connected.")
	return s, nil
}

// handshake sends connection_init and waits for connection_ack. Keep-alive
// messages arriving before the ack are ignored.
func (s *Session) handshake(ctx context.Context) error {
	init, err := encodeMessage(msgConnectionInit, "", s.cfg.ConnectionParams)
	if err != nil {
		return qerror.Wrap(qerror.KindSubscription, "failed to encode connection init", err)
	}
	if err := s.transport.Send(ctx, init); err != nil {
		return qerror.Wrap(qerror.KindSubscription, "failed to send connection init", err)
	}

	timer := time.NewTimer(s.cfg.ConnectionTimeout)
	defer timer.Stop()

	for {
		select {
		case raw, ok := <-s.transport.Receive():
			if !ok {
				return qerror.Wrap(qerror.KindSubscription, "connection closed before acknowledgment", s.transport.Err())
			}
			var msg wireMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				s.logger.Warn().Err(err).Msg("Discarding unreadable message during handshake.")
				continue
			}
			switch msg.Type {
			case msgConnectionAck:
				return nil
			case msgKeepAlive:
				continue
			default:
				s.logger.Warn().Str("type", msg.Type).Msg("Unexpected message before acknowledgment, ignoring.")
			}
		case <-timer.C:
			return qerror.New(qerror.KindSubscription, "connection acknowledgment timed out")
		case <-ctx.Done():
			return qerror.Wrap(qerror.KindSubscription, "connection cancelled during handshake", ctx.Err())
		}
	}
}

// Subscribe starts a logical subscription. The optional timeout, when
// positive, delivers a timeout error and unsubscribes if no terminal message
// arrives first.
func (s *Session) Subscribe(ctx context.Context, op graphql.Operation, timeout time.Duration) (*Subscription, error) {
	id := uuid.New().String()
	sub := newSubscription(id, s)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, qerror.New(qerror.KindSubscription, "session is closed")
	}
	s.subs[id] = sub
	s.mu.Unlock()

	start, err := encodeMessage(msgStart, id, startPayload{Query: op.Query, Variables: op.Variables})
	if err != nil {
		_ = s.unsubscribe(ctx, id, false)
		return nil, qerror.Wrap(qerror.KindSubscription, "failed to encode start message", err)
	}
	if err := s.transport.Send(ctx, start); err != nil {
		_ = s.unsubscribe(ctx, id, false)
		return nil, qerror.Wrap(qerror.KindSubscription, "failed to send start message", err)
	}

	if timeout > 0 {
		sub.timer = time.AfterFunc(timeout, func() {
			s.timeoutSubscription(id)
		})
	}

	s.logger.Debug().Str("subscription_id", id).Msg("Subscription started.")
	return sub, nil
}

// Done returns a channel closed once the push connection has ended, whether
// by Close or because the transport failed. Callers that hold a session
// across reconnects watch it to know when to dial again.
func (s *Session) Done() <-chan struct{} {
	return s.recvDone
}

// Close disposes the session: every active subscription is unsubscribed,
// the keep-alive stops and the transport is closed.
func (s *Session) Close(ctx context.Context) error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.logger.Info().Msg("Closing subscription session...")

		s.mu.Lock()
		s.closed = true
		ids := make([]string, 0, len(s.subs))
		for id := range s.subs {
			ids = append(ids, id)
		}
		s.mu.Unlock()

		for _, id := range ids {
			if err := s.unsubscribe(ctx, id, true); err != nil {
				s.logger.Warn().Err(err).Str("subscription_id", id).Msg("Error during unsubscribe on close.")
			}
		}

		close(s.kaStop)
		closeErr = s.transport.Close()
		<-s.recvDone
		s.logger.Info().Msg("Subscription session closed.")
	})
	return closeErr
}

// unsubscribe tears down one subscription: optionally sends a stop message,
// then closes and deregisters the local channel. Idempotent.
func (s *Session) unsubscribe(ctx context.Context, id string, sendStop bool) error {
	s.mu.Lock()
	sub, ok := s.subs[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.subs, id)
	if sub.timer != nil {
		sub.timer.Stop()
	}
	s.mu.Unlock()
	sub.finish()

	if !sendStop {
		return nil
	}
	stop, err := encodeMessage(msgStop, id, nil)
	if err != nil {
		return qerror.Wrap(qerror.KindSubscription, "failed to encode stop message", err)
	}
	if err := s.transport.Send(ctx, stop); err != nil {
		return qerror.Wrap(qerror.KindSubscription, "failed to send stop message", err)
	}
	s.logger.Debug().Str("subscription_id", id).Msg("Subscription stopped.")
	return nil
}

// timeoutSubscription delivers a local timeout error and triggers
// unsubscription. The timeout is a local timer race, not a server contract.
func (s *Session) timeoutSubscription(id string) {
	s.deliver(id, Event{Err: qerror.New(qerror.KindSubscription, "subscription timed out")})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.unsubscribe(ctx, id, true); err != nil {
		s.logger.Warn().Err(err).Str("subscription_id", id).Msg("Error unsubscribing timed-out subscription.")
	}
}

// keepAliveLoop sends periodic keep-alive messages until the session closes.
func (s *Session) keepAliveLoop() {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ka, err := encodeMessage(msgKeepAlive, "", nil)
			if err != nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.transport.Send(ctx, ka); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to send keep-alive.")
			}
			cancel()
		case <-s.kaStop:
			return
		case <-s.recvDone:
			return
		}
	}
}

// receiveLoop demultiplexes incoming transport messages by subscription id
// until the transport channel closes, then tears down every still-open
// channel: with an error on transport failure, cleanly on a clean close.
func (s *Session) receiveLoop() {
	defer close(s.recvDone)

	for raw := range s.transport.Receive() {
		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("Discarding unreadable push message.")
			continue
		}

		switch msg.Type {
		case msgKeepAlive:
			continue
		case msgData:
			var payload dataPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				s.logger.Warn().Err(err).Str("subscription_id", msg.ID).Msg("Discarding unreadable data payload.")
				continue
			}
			s.deliver(msg.ID, Event{Result: &graphql.Result{Data: payload.Data, Errors: payload.Errors}})
		case msgError:
			var payload errorPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				payload.Message = "subscription error"
			}
			s.deliver(msg.ID, Event{Err: qerror.New(qerror.KindSubscription, payload.Message)})
			s.remove(msg.ID)
		case msgComplete:
			s.remove(msg.ID)
		default:
			s.logger.Warn().Str("type", msg.Type).Str("subscription_id", msg.ID).Msg("Unknown push message type, dropping.")
		}
	}

	s.teardown(s.transport.Err())
}

// deliver queues an event for the subscription registered under id. Events
// for unknown ids are dropped. Queueing never blocks the demux loop and
// never discards an event for a registered subscription.
func (s *Session) deliver(id string, event Event) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug().Str("subscription_id", id).Msg("Dropping message for unknown subscription id.")
		return
	}
	sub.enqueue(event)
}

// remove deregisters a subscription after a terminal server message. The
// channel closes once the queue drains.
func (s *Session) remove(id string) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.subs, id)
	if sub.timer != nil {
		sub.timer.Stop()
	}
	s.mu.Unlock()

	sub.finish()
	s.logger.Debug().Str("subscription_id", id).Msg("Subscription completed.")
}

// teardown clears the registry when the connection ends. On transport error
// every still-open subscription receives the error after its pending
// updates; on clean close the channels simply close once drained.
func (s *Session) teardown(transportErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sub := range s.subs {
		if transportErr != nil {
			sub.enqueue(Event{Err: qerror.Wrap(qerror.KindSubscription, "connection lost", transportErr)})
		}
		if sub.timer != nil {
			sub.timer.Stop()
		}
		sub.finish()
		delete(s.subs, id)
	}
	s.closed = true

	if transportErr != nil {
		s.logger.Error().Err(transportErr).Msg("Push connection lost.")
	} else {
		s.logger.Info().Msg("Push connection closed.")
	}
}
