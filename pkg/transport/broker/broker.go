// Package broker implements the pub/sub-broker transport (spec §4.8
// "Pub/sub broker"): a black-box collaborator with publish-to-channel,
// subscribe-to-channel, single-segment wildcard pattern-subscribe, and
// list-active-channels, backed here by NATS core pub/sub (deliberately not
// JetStream, so no persistent ordered streams are introduced — spec's
// Non-goals exclude durable ordered delivery).
package broker

import (
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nova-labs/smartmessage/pkg/breaker"
	"github.com/nova-labs/smartmessage/pkg/dlq"
	"github.com/nova-labs/smartmessage/pkg/envelope"
	"github.com/nova-labs/smartmessage/pkg/logging"
	"github.com/nova-labs/smartmessage/pkg/transport"
)

// DLQSink is the minimal surface a dead letter store needs for a transport
// to enqueue a failed publish or an undecodable inbound message; satisfied
// by *dlq.FileStore.
type DLQSink interface {
	Enqueue(rec dlq.Record) error
}

// Options configures the broker Transport.
type Options struct {
	URL string
	// Enhanced additionally publishes to the 3-segment channel
	// <short_class>.<from>.<to|broadcast> for every publish (spec §6.2).
	Enhanced bool
	// ReconnectWait bounds the backoff between reconnect attempts.
	ReconnectWait time.Duration
	// MaxReconnects caps reconnect attempts; <0 means unlimited, matching
	// nats.go's own convention.
	MaxReconnects int
	// Breakers arranges for Publish/Subscribe to run through the
	// transport_publish/transport_subscribe circuits (spec §4.5, §4.7); a
	// fresh registry is used when nil.
	Breakers *breaker.Registry
	// DLQ receives publishes whose circuit trips, and inbound messages
	// whose wire decode fails (spec §4.7 "Inbound decode path").
	DLQ DLQSink
	// Logger receives breaker-trip and decode-failure diagnostics; Nop
	// when unset.
	Logger logging.Logger
}

// Transport is the NATS-backed pub/sub broker transport.
type Transport struct {
	opts   Options
	router transport.Router

	mu            sync.Mutex
	conn          *nats.Conn
	subsByClass   map[string][]*nats.Subscription
	filtersByClass map[string]map[string]transport.Filters

	breakers *breaker.Registry
	dlqSink  DLQSink
	logger   logging.Logger
}

// New builds a broker Transport; Connect must be called before Publish or
// Subscribe will take effect.
func New(router transport.Router, opts Options) *Transport {
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 2 * time.Second
	}
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = -1
	}
	if opts.Breakers == nil {
		opts.Breakers = breaker.NewRegistry(nil)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Transport{
		opts:           opts,
		router:         router,
		subsByClass:    make(map[string][]*nats.Subscription),
		filtersByClass: make(map[string]map[string]transport.Filters),
		breakers:       opts.Breakers,
		dlqSink:        opts.DLQ,
		logger:         opts.Logger,
	}
}

// Connect dials NATS with bounded reconnect/backoff; on recovery nats.go's
// own reconnect handler resubscribes automatically because subscriptions
// created via conn.Subscribe survive reconnects transparently (spec §4.8
// "Reconnect... resubscribe to all prior channels on recovery").
func (t *Transport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil && t.conn.IsConnected() {
		return nil
	}
	conn, err := nats.Connect(t.opts.URL,
		nats.MaxReconnects(t.opts.MaxReconnects),
		nats.ReconnectWait(t.opts.ReconnectWait),
		nats.DontRandomize(),
	)
	if err != nil {
		return err
	}
	t.conn = conn
	return nil
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && t.conn.IsConnected()
}

func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	return nil
}

// DefaultChannel returns the default-mode channel for a class: the class
// name itself (spec §6.2).
func DefaultChannel(messageClass string) string {
	return messageClass
}

// EnhancedChannel builds the 3-segment channel
// <lower(short_name)>.<from>.<to|broadcast> (spec §6.2). to is literally
// "broadcast" when nil.
func EnhancedChannel(messageClass, from string, to *string) string {
	short := shortName(messageClass)
	toSeg := "broadcast"
	if to != nil {
		toSeg = *to
	}
	return strings.ToLower(short) + "." + from + "." + toSeg
}

func shortName(messageClass string) string {
	if i := strings.LastIndex(messageClass, "."); i >= 0 {
		return messageClass[i+1:]
	}
	return messageClass
}

// PatternBuilder is the fluent builder for enhanced-mode subscribe
// patterns (spec §6.2): from(x), to(y), type(T), build, subscribe.
// Unspecified segments become "*".
type PatternBuilder struct {
	t        *Transport
	typeSeg  string
	fromSeg  string
	toSeg    string
}

func (t *Transport) NewPattern() *PatternBuilder {
	return &PatternBuilder{t: t, typeSeg: "*", fromSeg: "*", toSeg: "*"}
}

func (p *PatternBuilder) Type(v string) *PatternBuilder { p.typeSeg = strings.ToLower(v); return p }
func (p *PatternBuilder) From(v string) *PatternBuilder { p.fromSeg = v; return p }
func (p *PatternBuilder) To(v string) *PatternBuilder   { p.toSeg = v; return p }

func (p *PatternBuilder) Build() string {
	return p.typeSeg + "." + p.fromSeg + "." + p.toSeg
}

// Subscribe pattern-subscribes using Build() and forwards matching
// envelopes to handlerID's slot via the dispatcher Router.
func (p *PatternBuilder) Subscribe(messageClass, handlerID string) error {
	return p.t.subscribeSubject(messageClass, handlerID, p.Build(), transport.Filters{})
}

// Publish emits env to the default channel, and in Enhanced mode also to
// the 3-segment channel, per §6.2 "publish to both... on every publish",
// guarded by the transport_publish circuit (spec §4.5, §4.7).
func (t *Transport) Publish(env envelope.Envelope) error {
	cb := t.breakers.Get("transport_publish")
	_, err := cb.Do(func() (any, error) {
		data, err := env.MarshalWire()
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return nil, nats.ErrConnectionClosed
		}
		if err := conn.Publish(DefaultChannel(env.Header.MessageClass), data); err != nil {
			return nil, err
		}
		if t.opts.Enhanced {
			channel := EnhancedChannel(env.Header.MessageClass, env.Header.From, env.Header.To)
			if err := conn.Publish(channel, data); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if fb, ok := err.(*breaker.Fallback); ok {
		t.logger.Warn("transport_publish circuit open, routing to dlq", logging.F("class", env.Header.MessageClass))
		if t.dlqSink != nil {
			rec := dlq.NewRecordFromFailure(env, env.Header.Serializer, fb.Error(), "broker", time.Now().UTC())
			if dlqErr := t.dlqSink.Enqueue(rec); dlqErr != nil {
				t.logger.Warn("dlq enqueue failed", logging.F("error", dlqErr.Error()))
			}
		}
		return fb
	}
	return err
}

// Subscribe subscribes to the default channel for messageClass.
func (t *Transport) Subscribe(messageClass, handlerID string, filters transport.Filters) error {
	return t.subscribeSubject(messageClass, handlerID, DefaultChannel(messageClass), filters)
}

// decodeFailure is recorded to the DLQ with error "decode_failure" per spec
// §4.7's inbound decode path; since the header failed to parse, it carries
// only the raw bytes and the subject as a stand-in class.
func (t *Transport) decodeFailure(subject string, raw []byte, cause error) {
	t.logger.Warn("inbound decode failed, dropping message", logging.F("subject", subject), logging.F("error", cause.Error()))
	if t.dlqSink == nil {
		return
	}
	rec := dlq.Record{
		Timestamp:     time.Now().UTC(),
		Header:        envelope.Header{MessageClass: subject},
		Payload:       string(raw),
		PayloadFormat: "raw",
		Error:         "decode_failure: " + cause.Error(),
		Transport:     "broker",
	}
	if err := t.dlqSink.Enqueue(rec); err != nil {
		t.logger.Warn("dlq enqueue failed", logging.F("error", err.Error()))
	}
}

func (t *Transport) subscribeSubject(messageClass, handlerID, subject string, filters transport.Filters) error {
	cb := t.breakers.Get("transport_subscribe")
	out, err := cb.Do(func() (any, error) {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return nil, nats.ErrConnectionClosed
		}
		sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
			env, decErr := envelope.UnmarshalWire(msg.Data)
			if decErr != nil {
				t.decodeFailure(msg.Subject, msg.Data, decErr)
				return
			}
			t.router.Route(env)
		})
		if err != nil {
			return nil, err
		}
		return sub, nil
	})
	if fb, ok := err.(*breaker.Fallback); ok {
		t.logger.Warn("transport_subscribe circuit open", logging.F("class", messageClass))
		return fb
	}
	if err != nil {
		return err
	}

	sub := out.(*nats.Subscription)
	t.mu.Lock()
	t.subsByClass[messageClass] = append(t.subsByClass[messageClass], sub)
	if t.filtersByClass[messageClass] == nil {
		t.filtersByClass[messageClass] = make(map[string]transport.Filters)
	}
	t.filtersByClass[messageClass][handlerID] = filters
	t.mu.Unlock()
	return nil
}

func (t *Transport) Unsubscribe(messageClass, handlerID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.filtersByClass[messageClass], handlerID)
	if len(t.filtersByClass[messageClass]) == 0 {
		for _, sub := range t.subsByClass[messageClass] {
			_ = sub.Unsubscribe()
		}
		delete(t.subsByClass, messageClass)
		delete(t.filtersByClass, messageClass)
	}
	return nil
}

func (t *Transport) UnsubscribeAll(messageClass string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sub := range t.subsByClass[messageClass] {
		_ = sub.Unsubscribe()
	}
	delete(t.subsByClass, messageClass)
	delete(t.filtersByClass, messageClass)
	return nil
}

// ActiveChannels lists every channel currently subscribed to, across all
// message classes (spec §4.8 "list active channels").
func (t *Transport) ActiveChannels() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, subs := range t.subsByClass {
		for _, s := range subs {
			if _, ok := seen[s.Subject]; !ok {
				seen[s.Subject] = struct{}{}
				out = append(out, s.Subject)
			}
		}
	}
	return out
}
