// Package serializer implements the payload codec contract (spec §4.3).
// The default codec encodes/decodes JSON; every codec is addressed by
// name so DLQ replay can look up a matching decoder by the header's
// serializer field.
package serializer

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Serializer encodes a typed payload to bytes and decodes bytes back into
// a destination value. Implementations must be safe for concurrent use.
type Serializer interface {
	Name() string
	Encode(v any) ([]byte, error)
	Decode(data []byte, dest any) error
}

// JSON is the default Serializer, addressed as "json".
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Encode(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func (JSON) Decode(data []byte, dest any) error {
	if len(data) == 0 {
		data = []byte("null")
	}
	return json.Unmarshal(data, dest)
}

// FallbackMarker tags a value returned in place of a normal Encode/Decode
// result when the serializer breaker is open (spec §4.3, §7 "circuit
// breaker fallback"). It is returned as the error value; callers tell it
// apart from codec errors with errors.As.
type FallbackMarker struct {
	Circuit string
	State   string
	Err     error
}

func (f *FallbackMarker) Error() string {
	return fmt.Sprintf("smartmessage: circuit %s is %s: %v", f.Circuit, f.State, f.Err)
}

// Guarded wraps a Serializer's Encode/Decode calls in a named circuit
// breaker (spec §4.5 defaults: serializer 5 failures / 30s window / 10s
// reset). On an open breaker, Encode/Decode return a *FallbackMarker error
// instead of panicking or blocking.
type Guarded struct {
	inner Serializer
	cb    *gobreaker.CircuitBreaker
}

// NewGuarded builds a breaker-wrapped serializer using the spec's default
// serializer breaker settings.
func NewGuarded(inner Serializer) *Guarded {
	st := gobreaker.Settings{
		Name:        "serializer",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Guarded{inner: inner, cb: gobreaker.NewCircuitBreaker(st)}
}

func (g *Guarded) Name() string { return g.inner.Name() }

func (g *Guarded) Encode(v any) ([]byte, error) {
	out, err := g.cb.Execute(func() (any, error) {
		return g.inner.Encode(v)
	})
	if err != nil {
		return nil, g.asFallback(err)
	}
	return out.([]byte), nil
}

func (g *Guarded) Decode(data []byte, dest any) error {
	_, err := g.cb.Execute(func() (any, error) {
		return nil, g.inner.Decode(data, dest)
	})
	if err != nil {
		return g.asFallback(err)
	}
	return nil
}

func (g *Guarded) asFallback(err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return &FallbackMarker{Circuit: "serializer", State: g.cb.State().String(), Err: err}
	}
	return err
}

// Registry maps a serializer name to an instance, so DLQ replay can pick
// a matching decoder for a header's recorded serializer field.
type Registry struct {
	mu    sync.RWMutex
	named map[string]Serializer
}

func NewRegistry() *Registry {
	r := &Registry{named: make(map[string]Serializer)}
	r.Register(NewGuarded(JSON{}))
	return r
}

func (r *Registry) Register(s Serializer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.named[s.Name()] = s
}

// Lookup returns the serializer registered under name, falling back to the
// "json" codec when name is empty or unknown, matching the source's
// best-effort replay behavior (spec §9 open question).
func (r *Registry) Lookup(name string) (Serializer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		s, ok := r.named["json"]
		return s, ok
	}
	s, ok := r.named[name]
	if !ok {
		s, ok = r.named["json"]
	}
	return s, ok
}
