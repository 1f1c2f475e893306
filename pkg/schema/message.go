package schema

import (
	"fmt"
	"os"
	"time"

	"github.com/nova-labs/smartmessage/pkg/envelope"
	"github.com/nova-labs/smartmessage/pkg/metrics"
	"github.com/nova-labs/smartmessage/pkg/serializer"
	"github.com/nova-labs/smartmessage/pkg/smerr"
)

// Message is an instance of a MessageSchema: a header plus typed property
// values (spec §3.3 "Lifecycle").
type Message struct {
	Schema *MessageSchema
	Header envelope.Header
	Values map[string]any
}

// New constructs a Message with values applied over schema defaults (spec
// §4.1 "Construction", §4.2 producers invoked at instance construction
// time). from/to/replyTo override the schema's addressing defaults when
// non-empty/non-nil.
func New(s *MessageSchema, from string, to *string, replyTo string, values map[string]any) *Message {
	resolved := make(map[string]any, len(s.Properties))
	for _, p := range s.Properties {
		if v, ok := values[p.Name]; ok {
			resolved[p.Name] = v
			continue
		}
		if d := p.ResolveDefault(); d != nil {
			resolved[p.Name] = d
		}
	}

	effFrom := s.DefaultFrom
	if from != "" {
		effFrom = from
	}
	effTo := s.DefaultTo
	if to != nil {
		effTo = to
	}
	effReplyTo := s.DefaultReplyTo
	if replyTo != "" {
		effReplyTo = replyTo
	}

	h := envelope.NewHeader(s.Name, s.Version, effFrom, effTo, effReplyTo)
	return &Message{Schema: s, Header: h, Values: resolved}
}

// SetTo mutates both the instance field and the live header (spec §4.2
// "Setters mutate the header immediately").
func (m *Message) SetTo(to string) {
	m.Header.To = &to
}

// SetFrom mutates both the instance field and the live header.
func (m *Message) SetFrom(from string) {
	m.Header.From = from
}

// Issue is one validation failure (spec §4.2 "validation_errors").
type Issue struct {
	Property string
	Value    any
	Message  string
	Source   string // "message" | "header" | "version_mismatch"
}

// ValidationErrors runs every check Validate performs but collects results
// instead of stopping at the first failure (spec §4.2, Property P2).
func (m *Message) ValidationErrors() []Issue {
	var issues []Issue
	for _, p := range m.Schema.Properties {
		v, present := m.Values[p.Name]
		if !present || v == nil {
			if p.Required {
				issues = append(issues, Issue{Property: p.Name, Value: v, Message: "required property missing", Source: "message"})
			}
			continue
		}
		if p.Validator == nil {
			continue
		}
		if !p.Validator.Check(v) {
			msg := p.ValidationMessage
			if msg == "" {
				msg = "failed validation"
			}
			issues = append(issues, Issue{Property: p.Name, Value: v, Message: msg, Source: "message"})
		}
	}
	if err := m.Header.ValidatePreflight(); err != nil {
		issues = append(issues, Issue{Property: "header", Message: err.Error(), Source: "header"})
	}
	if m.Header.Version != m.Schema.Version {
		issues = append(issues, Issue{Property: "version", Message: "header.version does not match class.version", Source: "version_mismatch"})
	}
	return issues
}

// Validate raises smerr.ValidationError on the first failing check (spec
// §4.2 "Validation").
func (m *Message) Validate() error {
	for _, p := range m.Schema.Properties {
		v, present := m.Values[p.Name]
		if !present || v == nil {
			if p.Required {
				return smerr.NewValidationError(m.Schema.Name, p.Name, "required property missing")
			}
			continue
		}
		if p.Validator == nil {
			continue
		}
		if !p.Validator.Check(v) {
			msg := p.ValidationMessage
			if msg == "" {
				msg = "failed validation"
			}
			return smerr.NewValidationError(m.Schema.Name, p.Name, msg)
		}
	}
	if err := m.Header.ValidatePreflight(); err != nil {
		return err
	}
	return m.Header.ValidateVersion(m.Schema.Version)
}

// TransportPublisher is the minimal surface Publish needs from a
// transport, matching pkg/transport.Transport.Publish.
type TransportPublisher interface {
	Publish(env envelope.Envelope) error
}

// PublishOptions wires in the collaborators publish orchestration needs
// (spec §4.11). Transports maps schema.TransportNames to live instances;
// an unresolved name is treated as a per-transport failure.
type PublishOptions struct {
	Transports map[string]TransportPublisher
	Serializer serializer.Serializer
	Meter      metrics.Meter
}

// Publish runs the orchestration in spec §4.11: validate, stamp the
// header, encode the payload, fan out to every configured transport, and
// compose the overall outcome.
func (m *Message) Publish(opts PublishOptions) error {
	if err := m.Validate(); err != nil {
		return err
	}

	if opts.Serializer == nil {
		return &smerr.SerializerNotConfigured{Class: m.Schema.Name}
	}
	if len(m.Schema.TransportNames) == 0 {
		return &smerr.TransportNotConfigured{Class: m.Schema.Name}
	}

	m.Header.PublishedAt = time.Now().UTC()
	m.Header.PublisherPID = os.Getpid()
	m.Header.Serializer = opts.Serializer.Name()

	payload, err := opts.Serializer.Encode(m.Values)
	if err != nil {
		return smerr.NewValidationError(m.Schema.Name, "payload", fmt.Sprintf("encode failed: %v", err))
	}
	env := envelope.Envelope{Header: m.Header, Payload: payload}

	var failures []smerr.TransportFailure
	succeeded := 0
	for _, name := range m.Schema.TransportNames {
		t, ok := opts.Transports[name]
		if !ok || t == nil {
			failures = append(failures, smerr.TransportFailure{Transport: name, Err: &smerr.TransportNotConfigured{Class: m.Schema.Name}})
			continue
		}
		if err := t.Publish(env); err != nil {
			failures = append(failures, smerr.TransportFailure{Transport: name, Err: err})
			continue
		}
		succeeded++
	}

	metrics.IncCounter(opts.Meter, "publish_total", 1, metrics.Labels{"class": m.Schema.Name})

	if succeeded == 0 {
		return &smerr.PublishError{Class: m.Schema.Name, Failures: failures}
	}
	return nil
}
