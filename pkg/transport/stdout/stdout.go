// Package stdout implements the standard-output / file sink transport
// (spec §4.8 "Standard-output / file"): publish renders a human-readable
// line to a configured sink, with an optional loopback mode that also
// routes the envelope to the local dispatcher.
package stdout

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nova-labs/smartmessage/pkg/breaker"
	"github.com/nova-labs/smartmessage/pkg/dlq"
	"github.com/nova-labs/smartmessage/pkg/envelope"
	"github.com/nova-labs/smartmessage/pkg/logging"
	"github.com/nova-labs/smartmessage/pkg/transport"
)

var ErrSubscribeRequiresLoopback = errors.New("stdout: subscribe only works in loopback mode")

// DLQSink is the minimal surface a dead letter store needs for a transport
// to enqueue a failed publish; satisfied by *dlq.FileStore.
type DLQSink interface {
	Enqueue(rec dlq.Record) error
}

// Transport writes a human-readable line per publish to Sink (stdout,
// stderr, or a file writer supplied by the caller), optionally also
// routing to a dispatcher when Loopback is true.
type Transport struct {
	mu       sync.Mutex
	sink     io.Writer
	loopback bool
	router   transport.Router

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

// WithLogger attaches a logger for breaker-trip diagnostics.
func WithLogger(l logging.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// New builds a stdout/file Transport. router may be nil when loopback is
// false.
func New(sink io.Writer, loopback bool, router transport.Router, opts ...Option) *Transport {
	t := &Transport{sink: sink, loopback: loopback, router: router, logger: logging.Nop()}
	for _, opt := range opts {
		opt(t)
	}
	if t.breakers == nil {
		t.breakers = breaker.NewRegistry(nil)
	}
	return t
}

// Publish writes a single human-readable line and, in loopback mode, also
// routes env to the dispatcher so same-process subscribers can observe
// output (spec §4.8), guarded by the transport_publish circuit (spec §4.5,
// §4.7).
func (t *Transport) Publish(env envelope.Envelope) error {
	cb := t.breakers.Get("transport_publish")
	_, err := cb.Do(func() (any, error) {
		line := fmt.Sprintf("[%s] %s uuid=%s from=%s to=%s payload=%s\n",
			env.Header.PublishedAt.Format(time.RFC3339Nano),
			env.Header.MessageClass,
			env.Header.UUID,
			env.Header.From,
			toOrBroadcast(env.Header.To),
			env.Payload,
		)
		t.mu.Lock()
		_, werr := io.WriteString(t.sink, line)
		t.mu.Unlock()
		if werr != nil {
			return nil, werr
		}
		if t.loopback && t.router != nil {
			t.router.Route(env)
		}
		return nil, nil
	})
	if fb, ok := err.(*breaker.Fallback); ok {
		t.logger.Warn("transport_publish circuit open, routing to dlq", logging.F("class", env.Header.MessageClass))
		if t.dlqSink != nil {
			rec := dlq.NewRecordFromFailure(env, env.Header.Serializer, fb.Error(), "stdout", time.Now().UTC())
			if dlqErr := t.dlqSink.Enqueue(rec); dlqErr != nil {
				t.logger.Warn("dlq enqueue failed", logging.F("error", dlqErr.Error()))
			}
		}
		return fb
	}
	return err
}

func toOrBroadcast(to *string) string {
	if to == nil {
		return "broadcast"
	}
	return *to
}

// Subscribe only succeeds in loopback mode; the dispatcher owns the
// subscription table, this just asserts the precondition. Guarded by the
// transport_subscribe circuit for parity with the other transports (spec
// §4.5).
func (t *Transport) Subscribe(messageClass, handlerID string, filters transport.Filters) error {
	cb := t.breakers.Get("transport_subscribe")
	_, err := cb.Do(func() (any, error) {
		if !t.loopback {
			return nil, ErrSubscribeRequiresLoopback
		}
		return nil, nil
	})
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
func (t *Transport) Disconnect() error { return nil }
