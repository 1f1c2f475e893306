// Package breaker provides the named circuit breakers guarding message
// processing and transport I/O (spec §4.5), wrapping sony/gobreaker with
// the spec's fallback-value contract: a breaker never panics or blocks
// the caller, it returns a tagged *Fallback the caller must check for.
package breaker

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Fallback is the tagged result returned in place of a normal value when a
// breaker is open (spec §4.5 "Fallback hook", §7 "circuit-breaker
// fallback... not an error per se").
type Fallback struct {
	Circuit   string
	State     string
	Err       error
	Timestamp time.Time
}

func (f *Fallback) Error() string {
	return "smartmessage: circuit " + f.Circuit + " is " + f.State + ": " + f.Err.Error()
}

// Settings mirrors the spec's per-circuit configuration knobs.
type Settings struct {
	Name      string
	Threshold uint32
	Window    time.Duration
	ResetAfter time.Duration
}

// Defaults returns the spec §4.5 default settings for each named circuit.
func Defaults() map[string]Settings {
	return map[string]Settings{
		"message_processor":  {Name: "message_processor", Threshold: 3, Window: 60 * time.Second, ResetAfter: 30 * time.Second},
		"transport_publish":  {Name: "transport_publish", Threshold: 5, Window: 30 * time.Second, ResetAfter: 15 * time.Second},
		"transport_subscribe": {Name: "transport_subscribe", Threshold: 3, Window: 60 * time.Second, ResetAfter: 45 * time.Second},
		"serializer":          {Name: "serializer", Threshold: 5, Window: 30 * time.Second, ResetAfter: 10 * time.Second},
		"dispatcher_shutdown": {Name: "dispatcher_shutdown", Threshold: 2, Window: 10 * time.Second, ResetAfter: 5 * time.Second},
	}
}

// Breaker wraps a single named gobreaker.CircuitBreaker.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// New builds a Breaker from Settings. ReadyToTrip counts consecutive
// failures against Threshold within Window; gobreaker's Interval resets
// counts every Window when the breaker is closed.
func New(s Settings) *Breaker {
	gs := gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Interval:    s.Window,
		Timeout:     s.ResetAfter,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.Threshold
		},
	}
	return &Breaker{name: s.Name, cb: gobreaker.NewCircuitBreaker(gs)}
}

// Do executes fn through the breaker. On breaker-open/too-many-requests it
// returns (nil, *Fallback) carrying the circuit name, state and sentinel
// error instead of propagating gobreaker's sentinel error, so callers
// distinguish trip conditions from fn's own errors.
func (b *Breaker) Do(fn func() (any, error)) (any, error) {
	out, err := b.cb.Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, &Fallback{Circuit: b.name, State: b.cb.State().String(), Err: err, Timestamp: time.Now().UTC()}
	}
	return out, err
}

func (b *Breaker) State() string { return b.cb.State().String() }

// Registry holds one Breaker per named circuit, lazily constructed from
// Defaults (or caller-supplied overrides) on first use.
type Registry struct {
	mu       sync.Mutex
	settings map[string]Settings
	breakers map[string]*Breaker
}

func NewRegistry(overrides map[string]Settings) *Registry {
	settings := Defaults()
	for name, s := range overrides {
		settings[name] = s
	}
	return &Registry{settings: settings, breakers: make(map[string]*Breaker)}
}

// Get returns the named breaker, constructing it on first access. Unknown
// names get Settings{Name: name} with an effectively-never-trip threshold
// and a one-minute window and reset, so callers cannot be broken by a
// typo'd circuit name.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	s, ok := r.settings[name]
	if !ok {
		s = Settings{Name: name, Threshold: ^uint32(0), Window: time.Minute, ResetAfter: time.Minute}
	}
	b := New(s)
	r.breakers[name] = b
	return b
}

// CircuitState is one circuit's reported state, for the admin HTTP
// surface's GET /breakers (spec §13).
type CircuitState struct {
	Name  string
	State string
}

// Snapshot returns the current state of every breaker constructed so far.
// A circuit never queried via Get has not yet been constructed and is
// absent rather than reported as "closed" by assumption.
func (r *Registry) Snapshot() []CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CircuitState, 0, len(r.breakers))
	for name, b := range r.breakers {
		out = append(out, CircuitState{Name: name, State: b.State()})
	}
	return out
}
