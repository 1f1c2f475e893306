// Package transport defines the base contract every SmartMessage
// transport implements (spec §4.7) and a process-wide registry mapping a
// symbolic name to a constructor (spec §4.7 "Registry").
package transport

import (
	"errors"
	"sync"

	"github.com/nova-labs/smartmessage/pkg/envelope"
)

// Router is the dispatcher-facing sink a transport hands envelopes to once
// it has parsed the wire form (spec §4.7 "Inbound decode path" step 4
// "route(envelope)"). No serializer lookup, payload decode or header
// validation happens before Route; the payload arrives still encoded.
type Router interface {
	Route(env envelope.Envelope)
}

// Filters mirrors the dispatcher's subscription filters (spec §3.4,
// §4.9.4); transports pass them through unopened to Subscribe.
type Filters struct {
	Broadcast *bool
	To        []string
	From      []string
}

// Transport is the contract every built-in and broker transport satisfies
// (spec §4.7).
type Transport interface {
	Publish(env envelope.Envelope) error
	Subscribe(messageClass, handlerID string, filters Filters) error
	Unsubscribe(messageClass, handlerID string) error
	UnsubscribeAll(messageClass string) error
	Connected() bool
	Connect() error
	Disconnect() error
}

var ErrUnknownTransport = errors.New("transport: unknown name")

// Constructor builds a Transport from free-form options.
type Constructor func(opts map[string]any) (Transport, error)

// Registry maps a symbolic transport name (e.g. "memory", "stdout",
// "broker") to a Constructor (spec §4.7 "Registry").
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

func (r *Registry) Register(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[name] = ctor
}

// Create instantiates the transport registered under name.
func (r *Registry) Create(name string, opts map[string]any) (Transport, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownTransport
	}
	return ctor(opts)
}
