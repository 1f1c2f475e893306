// Package dispatcher implements the single per-process fan-out engine
// (spec §4.9): subscription table, filter matching, per-handler
// deduplication, and worker-pool execution with bounded shutdown. Its
// worker-pool Run/workerLoop shape and deterministic jitter are grounded on
// Chartly2.0's pkg/queue/consumer.go Runner.
package dispatcher

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/nova-labs/smartmessage/pkg/breaker"
	"github.com/nova-labs/smartmessage/pkg/ddq"
	"github.com/nova-labs/smartmessage/pkg/dlq"
	"github.com/nova-labs/smartmessage/pkg/envelope"
	"github.com/nova-labs/smartmessage/pkg/logging"
	"github.com/nova-labs/smartmessage/pkg/metrics"
)

// Handler is the unit of work invoked for a matched, non-duplicate,
// routed envelope (spec §4.9.5). Both named and closure handlers reduce to
// this shape once registered.
type Handler func(ctx context.Context, env envelope.Envelope) error

// Filters mirrors spec §3.4/§4.9.4. To/From hold literal strings and
// ToRegex/FromRegex hold patterns; Match treats either uniformly.
type Filters struct {
	Broadcast *bool
	To        []string
	ToRegex   []*regexp.Regexp
	From      []string
	FromRegex []*regexp.Regexp
}

// Subscription is the dispatcher's record of one registered handler (spec
// §3.4). The triple (MessageClass, HandlerID, Filters) is unique.
type Subscription struct {
	MessageClass string
	HandlerID    string
	Filters      Filters
}

// DDQConfig mirrors a class's declared deduplication settings (spec §3.3).
type DDQConfig struct {
	Enabled  bool
	Capacity int
}

// DDQFactory builds a DDQ for a given scope and config; dispatcher calls
// this lazily on first subscription (spec §4.4 "Lifecycle"). Callers wire
// this to ddq.NewRing or a ddq.RedisStore constructor.
type DDQFactory func(scope ddq.Scope, cfg DDQConfig) ddq.DDQ

type scopeKey struct {
	class     string
	handlerID string
}

// Dispatcher owns the subscription table, DDQs, and worker pool (spec
// §4.9). It is safe for concurrent use.
type Dispatcher struct {
	mu            sync.Mutex
	subscribers   map[string][]Subscription
	ddqs          map[scopeKey]ddq.DDQ
	ddqConfigs    map[string]DDQConfig // by message_class
	handlers      map[string]Handler   // closure/named registry, by handler_id
	ddqFactory    DDQFactory

	breakers       *breaker.Registry
	dlqSink        *dlq.FileStore
	logger         logging.Logger
	meter          metrics.Meter
	maxRetries     int
	retryBaseDelay time.Duration

	tasks     chan task
	workersWG sync.WaitGroup
	closeOnce sync.Once
	shutdown  chan struct{}
}

type task struct {
	sub Subscription
	env envelope.Envelope
}

// Options configures a Dispatcher.
type Options struct {
	Concurrency int
	Breakers    *breaker.Registry
	DLQ         *dlq.FileStore
	Logger      logging.Logger
	Meter       metrics.Meter
	DDQFactory  DDQFactory
	// MaxRetries bounds the retry-with-exponential-backoff fallback (spec
	// §4.5 "retry with exponential backoff (up to max retries)"); 0 (the
	// default) disables retries and routes straight to DLQ on failure.
	MaxRetries int
	// RetryBaseDelay is the backoff unit retries scale from; defaults to
	// 50ms when MaxRetries > 0 and this is unset.
	RetryBaseDelay time.Duration
}

const defaultConcurrency = 8
const shutdownBound = 3 * time.Second

// New builds a Dispatcher and starts its worker pool.
func New(opts Options) *Dispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Breakers == nil {
		opts.Breakers = breaker.NewRegistry(nil)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Meter == nil {
		opts.Meter = metrics.Nop{}
	}
	if opts.DDQFactory == nil {
		opts.DDQFactory = func(scope ddq.Scope, cfg DDQConfig) ddq.DDQ {
			return ddq.NewRing(cfg.Capacity)
		}
	}
	if opts.MaxRetries > 0 && opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 50 * time.Millisecond
	}
	d := &Dispatcher{
		subscribers:    make(map[string][]Subscription),
		ddqs:           make(map[scopeKey]ddq.DDQ),
		ddqConfigs:     make(map[string]DDQConfig),
		handlers:       make(map[string]Handler),
		ddqFactory:     opts.DDQFactory,
		breakers:       opts.Breakers,
		dlqSink:        opts.DLQ,
		logger:         opts.Logger,
		meter:          opts.Meter,
		maxRetries:     opts.MaxRetries,
		retryBaseDelay: opts.RetryBaseDelay,
		tasks:          make(chan task, opts.Concurrency*4),
		shutdown:       make(chan struct{}),
	}
	for i := 0; i < opts.Concurrency; i++ {
		d.workersWG.Add(1)
		go d.workerLoop(i + 1)
	}
	return d
}

// RegisterHandler adds handlerID to the closure/named registry so Route can
// invoke it (spec §4.9.5).
func (d *Dispatcher) RegisterHandler(handlerID string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[handlerID] = h
}

// DeregisterHandler frees handlerID's registry entry (spec §4.9.5 "Registry
// entries are GC'd on unsubscribe").
func (d *Dispatcher) DeregisterHandler(handlerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, handlerID)
}

// SetDDQConfig records a message class's declared DDQ settings, consulted
// on Add (spec §4.9.1 step 1).
func (d *Dispatcher) SetDDQConfig(messageClass string, cfg DDQConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ddqConfigs[messageClass] = cfg
}

// Add registers a subscription (spec §4.9.1). Duplicate = same handlerID
// and same filters; duplicates are silently ignored.
func (d *Dispatcher) Add(messageClass, handlerID string, filters Filters) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cfg, ok := d.ddqConfigs[messageClass]; ok && cfg.Enabled {
		key := scopeKey{class: messageClass, handlerID: handlerID}
		if _, exists := d.ddqs[key]; !exists {
			scope := ddq.Scope{MessageClass: messageClass, HandlerID: handlerID}
			d.ddqs[key] = d.ddqFactory(scope, cfg)
		}
	}

	for _, sub := range d.subscribers[messageClass] {
		if sub.HandlerID == handlerID && filtersEqual(sub.Filters, filters) {
			return
		}
	}
	d.subscribers[messageClass] = append(d.subscribers[messageClass], Subscription{
		MessageClass: messageClass, HandlerID: handlerID, Filters: filters,
	})
}

func filtersEqual(a, b Filters) bool {
	if !boolPtrEqual(a.Broadcast, b.Broadcast) {
		return false
	}
	patterns := func(rs []*regexp.Regexp) []string {
		out := make([]string, len(rs))
		for i, re := range rs {
			out[i] = re.String()
		}
		return out
	}
	return stringSliceEqual(a.To, b.To) && stringSliceEqual(a.From, b.From) &&
		stringSliceEqual(patterns(a.ToRegex), patterns(b.ToRegex)) &&
		stringSliceEqual(patterns(a.FromRegex), patterns(b.FromRegex))
}

func boolPtrEqual(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Drop removes the subscription matching handlerID and filters exactly.
func (d *Dispatcher) Drop(messageClass, handlerID string, filters Filters) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropLocked(messageClass, func(s Subscription) bool {
		return s.HandlerID == handlerID && filtersEqual(s.Filters, filters)
	})
}

// DropSubscriber removes every subscription for handlerID across all
// filters on messageClass.
func (d *Dispatcher) DropSubscriber(messageClass, handlerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropLocked(messageClass, func(s Subscription) bool { return s.HandlerID == handlerID })
}

// DropAll removes every subscription for messageClass.
func (d *Dispatcher) DropAll(messageClass string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropLocked(messageClass, func(Subscription) bool { return true })
}

// Subscriptions returns a snapshot of every registered subscription,
// across every message class, for introspection surfaces such as the
// admin HTTP API (spec §13).
func (d *Dispatcher) Subscriptions() []Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Subscription
	for _, subs := range d.subscribers {
		out = append(out, subs...)
	}
	return out
}

func (d *Dispatcher) dropLocked(messageClass string, match func(Subscription) bool) {
	kept := d.subscribers[messageClass][:0]
	remainingHandlers := make(map[string]bool)
	for _, s := range d.subscribers[messageClass] {
		if match(s) {
			continue
		}
		kept = append(kept, s)
		remainingHandlers[s.HandlerID] = true
	}
	if len(kept) == 0 {
		delete(d.subscribers, messageClass)
	} else {
		d.subscribers[messageClass] = kept
	}
	for key := range d.ddqs {
		if key.class == messageClass && !remainingHandlers[key.handlerID] {
			delete(d.ddqs, key)
		}
	}
}

// DropAllBang resets all dispatcher state (spec §4.9.2 "drop_all!").
func (d *Dispatcher) DropAllBang() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers = make(map[string][]Subscription)
	d.ddqs = make(map[scopeKey]ddq.DDQ)
}

// Route matches an already decoded envelope against the subscription table
// and queues work for each matching, non-duplicate subscription (spec
// §4.9.3).
func (d *Dispatcher) Route(env envelope.Envelope) {
	d.mu.Lock()
	subs := append([]Subscription(nil), d.subscribers[env.Header.MessageClass]...)
	d.mu.Unlock()

	if len(subs) == 0 {
		return
	}

	for _, sub := range subs {
		if !Match(sub.Filters, env.Header) {
			continue
		}

		d.mu.Lock()
		cfg := d.ddqConfigs[sub.MessageClass]
		var q ddq.DDQ
		if cfg.Enabled {
			q = d.ddqs[scopeKey{class: sub.MessageClass, handlerID: sub.HandlerID}]
		}
		d.mu.Unlock()

		if q != nil && q.Contains(env.Header.UUID) {
			d.logger.Warn("duplicate envelope skipped",
				logging.F("class", sub.MessageClass), logging.F("handler_id", sub.HandlerID), logging.F("uuid", env.Header.UUID))
			continue
		}

		select {
		case d.tasks <- task{sub: sub, env: env}:
		case <-d.shutdown:
		}
	}
}

// Match implements the filter predicate (spec §4.9.4, Property P4).
func Match(f Filters, h envelope.Header) bool {
	if len(f.From) > 0 || len(f.FromRegex) > 0 {
		if !matchAny(f.From, f.FromRegex, h.From) {
			return false
		}
	}

	explicit := f.Broadcast != nil || len(f.To) > 0 || len(f.ToRegex) > 0
	if !explicit {
		return true
	}

	broadcastMatch := f.Broadcast != nil && *f.Broadcast && h.Broadcast()
	toMatch := false
	if !h.Broadcast() && (len(f.To) > 0 || len(f.ToRegex) > 0) {
		toMatch = matchAny(f.To, f.ToRegex, *h.To)
	}
	return broadcastMatch || toMatch
}

func matchAny(literals []string, patterns []*regexp.Regexp, value string) bool {
	for _, lit := range literals {
		if lit == value {
			return true
		}
	}
	for _, re := range patterns {
		if re.MatchString(value) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) workerLoop(workerID int) {
	defer d.workersWG.Done()
	for {
		select {
		case t, ok := <-d.tasks:
			if !ok {
				return
			}
			d.process(workerID, t)
		case <-d.shutdown:
			return
		}
	}
}

func (d *Dispatcher) process(workerID int, t task) {
	d.mu.Lock()
	handler := d.handlers[t.sub.HandlerID]
	d.mu.Unlock()
	if handler == nil {
		return
	}

	cb := d.breakers.Get("message_processor")
	var (
		err error
		fb  *breaker.Fallback
	)
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		var out any
		out, err = cb.Do(func() (any, error) {
			return nil, handler(context.Background(), t.env)
		})
		_ = out
		if asFallback(err, &fb) {
			// Breaker is open; retrying would only spend more failures
			// against a circuit that is already tripped.
			break
		}
		if err == nil {
			break
		}
		if attempt < d.maxRetries {
			delay := deterministicDelay(d.retryBaseDelay<<uint(attempt), 20, t.sub.MessageClass, t.sub.HandlerID, t.env.Header.UUID, attempt)
			d.logger.Warn("handler failed, retrying with backoff",
				logging.F("class", t.sub.MessageClass), logging.F("handler_id", t.sub.HandlerID),
				logging.F("attempt", fmt.Sprint(attempt+1)), logging.F("delay", delay.String()))
			time.Sleep(delay)
		}
	}

	if fb != nil {
		d.handleFallback(t, fb)
		return
	}
	if err != nil {
		d.handleFallback(t, &breaker.Fallback{Circuit: "message_processor", State: "closed", Err: err, Timestamp: time.Now().UTC()})
		return
	}

	d.mu.Lock()
	cfg := d.ddqConfigs[t.sub.MessageClass]
	var q ddq.DDQ
	if cfg.Enabled {
		q = d.ddqs[scopeKey{class: t.sub.MessageClass, handlerID: t.sub.HandlerID}]
	}
	d.mu.Unlock()
	if q != nil {
		q.Add(t.env.Header.UUID)
	}
	metrics.IncCounter(d.meter, "dispatch_total", 1, metrics.Labels{"class": t.sub.MessageClass})
}

func asFallback(err error, fb **breaker.Fallback) bool {
	if f, ok := err.(*breaker.Fallback); ok {
		*fb = f
		return true
	}
	return false
}

// handleFallback enqueues the envelope to DLQ and records stats; per spec
// §4.9.3 step 3, the DDQ is NOT marked processed in this path.
func (d *Dispatcher) handleFallback(t task, fb *breaker.Fallback) {
	d.logger.Warn("handler failed, routing to dlq",
		logging.F("class", t.sub.MessageClass), logging.F("handler_id", t.sub.HandlerID), logging.F("error", fb.Err.Error()))
	metrics.IncCounter(d.meter, "dlq_total", 1, metrics.Labels{"class": t.sub.MessageClass})
	if d.dlqSink == nil {
		return
	}
	rec := dlq.NewRecordFromFailure(t.env, t.env.Header.Serializer, fb.Error(), "", time.Now().UTC())
	if err := d.dlqSink.Enqueue(rec); err != nil {
		d.logger.Warn("dlq enqueue failed", logging.F("error", err.Error()))
	}
}

// Shutdown stops accepting new routing, waits up to the spec's 3-second
// bound for in-flight tasks, then returns regardless (spec §4.9.6).
func (d *Dispatcher) Shutdown() {
	d.closeOnce.Do(func() {
		close(d.shutdown)
	})
	done := make(chan struct{})
	go func() {
		d.workersWG.Wait()
		close(done)
	}()
	timer := time.NewTimer(shutdownBound)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	}
}

// deterministicDelay mirrors the teacher's sha256-seeded jitter, used by
// process's retry-with-exponential-backoff fallback (spec §4.5) to spread
// concurrent retries of the same failing handler without a shared random
// source.
func deterministicDelay(base time.Duration, pct int, parts ...any) time.Duration {
	if pct <= 0 {
		return base
	}
	if pct > 50 {
		pct = 50
	}
	h := sha256.New()
	for _, p := range parts {
		_, _ = h.Write([]byte(fmt.Sprint(p)))
		_, _ = h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	u := binary.LittleEndian.Uint64(sum[:8])
	span := uint64(pct*2 + 1)
	deltaPct := int(u%span) - pct
	delta := (base * time.Duration(deltaPct)) / 100
	return base + delta
}
