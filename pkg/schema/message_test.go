package schema

import (
	"errors"
	"testing"

	"github.com/nova-labs/smartmessage/pkg/envelope"
	"github.com/nova-labs/smartmessage/pkg/serializer"
	"github.com/nova-labs/smartmessage/pkg/smerr"
)

type fakeTransport struct {
	fail     bool
	received []envelope.Envelope
}

func (f *fakeTransport) Publish(env envelope.Envelope) error {
	if f.fail {
		return errors.New("transport unreachable")
	}
	f.received = append(f.received, env)
	return nil
}

func multiTransportSchema() *MessageSchema {
	return NewBuilder("OrderMessage", 1).
		Property("order_id", Property{Required: true}).
		From("checkout-service").
		Serializer("json").
		Transport("primary", "secondary").
		Build()
}

func TestPublishSucceedsWithAllTransportsWorking(t *testing.T) {
	s := multiTransportSchema()
	m := New(s, "", nil, "", map[string]any{"order_id": "O1"})
	primary := &fakeTransport{}
	secondary := &fakeTransport{}
	err := m.Publish(PublishOptions{
		Serializer: serializer.JSON{},
		Transports: map[string]TransportPublisher{"primary": primary, "secondary": secondary},
	})
	if err != nil {
		t.Fatalf("expected nil error when both transports succeed, got %v", err)
	}
	if len(primary.received) != 1 || len(secondary.received) != 1 {
		t.Fatalf("expected both transports to receive the envelope")
	}
}

func TestPublishPartialFailureStillSucceeds(t *testing.T) {
	s := multiTransportSchema()
	m := New(s, "", nil, "", map[string]any{"order_id": "O1"})
	primary := &fakeTransport{}
	secondary := &fakeTransport{fail: true}
	err := m.Publish(PublishOptions{
		Serializer: serializer.JSON{},
		Transports: map[string]TransportPublisher{"primary": primary, "secondary": secondary},
	})
	if err != nil {
		t.Fatalf("expected nil error when at least one transport succeeds, got %v", err)
	}
	if len(primary.received) != 1 {
		t.Fatalf("expected primary to still receive the envelope")
	}
}

func TestPublishAllTransportsFailReturnsPublishError(t *testing.T) {
	s := multiTransportSchema()
	m := New(s, "", nil, "", map[string]any{"order_id": "O1"})
	primary := &fakeTransport{fail: true}
	secondary := &fakeTransport{fail: true}
	err := m.Publish(PublishOptions{
		Serializer: serializer.JSON{},
		Transports: map[string]TransportPublisher{"primary": primary, "secondary": secondary},
	})
	if err == nil {
		t.Fatalf("expected error when every transport fails")
	}
	var pubErr *smerr.PublishError
	if !errors.As(err, &pubErr) {
		t.Fatalf("expected *smerr.PublishError, got %T", err)
	}
	if len(pubErr.Failures) != 2 {
		t.Fatalf("expected 2 recorded failures, got %d", len(pubErr.Failures))
	}
}

func TestPublishMissingTransportNameDoesNotFailPublish(t *testing.T) {
	s := multiTransportSchema()
	m := New(s, "", nil, "", map[string]any{"order_id": "O1"})
	primary := &fakeTransport{}
	err := m.Publish(PublishOptions{
		Serializer: serializer.JSON{},
		Transports: map[string]TransportPublisher{"primary": primary},
	})
	if err != nil {
		t.Fatalf("expected nil error since primary succeeded, got %v", err)
	}
}

func TestPublishFailsValidationBeforeTouchingTransports(t *testing.T) {
	s := multiTransportSchema()
	m := New(s, "", nil, "", map[string]any{})
	primary := &fakeTransport{}
	err := m.Publish(PublishOptions{
		Serializer: serializer.JSON{},
		Transports: map[string]TransportPublisher{"primary": primary},
	})
	if err == nil {
		t.Fatalf("expected validation error for missing required property")
	}
	if len(primary.received) != 0 {
		t.Fatalf("expected no transport invocation when validation fails")
	}
}

func TestPublishRequiresSerializerConfigured(t *testing.T) {
	s := multiTransportSchema()
	m := New(s, "", nil, "", map[string]any{"order_id": "O1"})
	err := m.Publish(PublishOptions{Transports: map[string]TransportPublisher{"primary": &fakeTransport{}}})
	if err == nil {
		t.Fatalf("expected error when no serializer configured")
	}
	var notConfigured *smerr.SerializerNotConfigured
	if !errors.As(err, &notConfigured) {
		t.Fatalf("expected *smerr.SerializerNotConfigured, got %T", err)
	}
}

func TestPublishRequiresTransportNamesConfigured(t *testing.T) {
	s := NewBuilder("BareMessage", 1).From("svc").Serializer("json").Build()
	m := New(s, "", nil, "", map[string]any{})
	err := m.Publish(PublishOptions{Serializer: serializer.JSON{}})
	if err == nil {
		t.Fatalf("expected error when schema declares no transports")
	}
	var notConfigured *smerr.TransportNotConfigured
	if !errors.As(err, &notConfigured) {
		t.Fatalf("expected *smerr.TransportNotConfigured, got %T", err)
	}
}

func TestPublishStampsHeaderOnSuccess(t *testing.T) {
	s := multiTransportSchema()
	m := New(s, "", nil, "", map[string]any{"order_id": "O1"})
	primary := &fakeTransport{}
	if err := m.Publish(PublishOptions{
		Serializer: serializer.JSON{},
		Transports: map[string]TransportPublisher{"primary": primary, "secondary": &fakeTransport{}},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Header.PublishedAt.IsZero() {
		t.Fatalf("expected PublishedAt to be stamped")
	}
	if m.Header.PublisherPID == 0 {
		t.Fatalf("expected PublisherPID to be stamped")
	}
	if m.Header.Serializer != "json" {
		t.Fatalf("expected serializer name stamped on header, got %q", m.Header.Serializer)
	}
	if len(primary.received) != 1 || primary.received[0].Header.UUID != m.Header.UUID {
		t.Fatalf("expected transport to receive an envelope with the message's header")
	}
}
