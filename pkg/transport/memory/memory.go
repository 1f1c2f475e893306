// Package memory implements the in-process loopback transport (spec §4.8
// "In-process (memory)"): publish immediately invokes the dispatcher's
// Route on the same goroutine (or a bounded queue when configured async).
package memory

import (
	"sync"
	"time"

	"github.com/nova-labs/smartmessage/pkg/breaker"
	"github.com/nova-labs/smartmessage/pkg/dlq"
	"github.com/nova-labs/smartmessage/pkg/envelope"
	"github.com/nova-labs/smartmessage/pkg/logging"
	"github.com/nova-labs/smartmessage/pkg/transport"
)

// DLQSink is the minimal surface a dead letter store needs for a transport
// to enqueue a failed publish; satisfied by *dlq.FileStore.
type DLQSink interface {
	Enqueue(rec dlq.Record) error
}

// Transport is the synchronous (or optionally queued) loopback transport
// used for tests and same-process fan-out.
type Transport struct {
	router transport.Router

	mu     sync.Mutex
	queue  chan envelope.Envelope
	async  bool
	closed bool
	wg     sync.WaitGroup

	breakers *breaker.Registry
	dlqSink  DLQSink
	logger   logging.Logger
}

// Option configures optional reliability wiring on a Transport.
type Option func(*Transport)

// WithBreakers arranges for Publish/Subscribe to run through the
// transport_publish/transport_subscribe circuits (spec §4.5, §4.7).
func WithBreakers(r *breaker.Registry) Option {
	return func(t *Transport) { t.breakers = r }
}

// WithDLQ routes publishes that trip the breaker to sink instead of
// silently failing (spec §4.7 "Fallbacks route to DLQ by default").
func WithDLQ(sink DLQSink) Option {
	return func(t *Transport) { t.dlqSink = sink }
}

// WithLogger attaches a logger for breaker-trip and DLQ-enqueue diagnostics.
func WithLogger(l logging.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// New builds a memory Transport routing directly to router. When
// queueSize > 0, Publish enqueues instead of calling Route inline and a
// background goroutine drains the queue (bounded async fan-out).
func New(router transport.Router, queueSize int, opts ...Option) *Transport {
	t := &Transport{router: router, logger: logging.Nop()}
	for _, opt := range opts {
		opt(t)
	}
	if t.breakers == nil {
		t.breakers = breaker.NewRegistry(nil)
	}
	if queueSize > 0 {
		t.async = true
		t.queue = make(chan envelope.Envelope, queueSize)
		t.wg.Add(1)
		go t.drain()
	}
	return t
}

func (t *Transport) drain() {
	defer t.wg.Done()
	for env := range t.queue {
		t.router.Route(env)
	}
}

// Publish hands env to the dispatcher, inline by default (spec §4.8
// "immediately invokes dispatcher.route(envelope) on the same thread"),
// guarded by the transport_publish circuit (spec §4.5, §4.7).
func (t *Transport) Publish(env envelope.Envelope) error {
	cb := t.breakers.Get("transport_publish")
	_, err := cb.Do(func() (any, error) {
		if t.async {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return nil, nil
			}
			t.queue <- env
			return nil, nil
		}
		t.router.Route(env)
		return nil, nil
	})
	if fb, ok := err.(*breaker.Fallback); ok {
		t.logger.Warn("transport_publish circuit open, routing to dlq", logging.F("class", env.Header.MessageClass))
		if t.dlqSink != nil {
			rec := dlq.NewRecordFromFailure(env, env.Header.Serializer, fb.Error(), "memory", time.Now().UTC())
			if dlqErr := t.dlqSink.Enqueue(rec); dlqErr != nil {
				t.logger.Warn("dlq enqueue failed", logging.F("error", dlqErr.Error()))
			}
		}
		return fb
	}
	return err
}

// Subscribe is a no-op: the dispatcher itself owns the subscription table
// for the memory transport, since there is no external channel to arrange.
// Still guarded by transport_subscribe so a misbehaving caller looping on
// Subscribe trips the same circuit every other transport does.
func (t *Transport) Subscribe(messageClass, handlerID string, filters transport.Filters) error {
	cb := t.breakers.Get("transport_subscribe")
	_, err := cb.Do(func() (any, error) { return nil, nil })
	if fb, ok := err.(*breaker.Fallback); ok {
		t.logger.Warn("transport_subscribe circuit open", logging.F("class", messageClass))
		return fb
	}
	return err
}

func (t *Transport) Unsubscribe(messageClass, handlerID string) error { return nil }
func (t *Transport) UnsubscribeAll(messageClass string) error         { return nil }

func (t *Transport) Connected() bool   { return true }
func (t *Transport) Connect() error    { return nil }
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	if t.async {
		close(t.queue)
		t.wg.Wait()
	}
	return nil
}
