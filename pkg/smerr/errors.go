// Package smerr declares the error taxonomy shared by every SmartMessage
// package: the typed errors below give callers a stable contract to
// errors.As/errors.Is against. Package-level sentinels (such as
// dlq.ErrEmpty or transport.ErrUnknownTransport) and wrapped I/O or parse
// errors are returned as they are, not converted to these types.
package smerr

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports a schema, header, or version violation raised by
// the Header validators and by Message.Validate (and so Message.Publish).
// The transports' inbound paths do not validate received headers, so they
// never raise it.
type ValidationError struct {
	// Class is the message class the violation was found on, empty for
	// header-only violations raised outside a class context.
	Class string
	// Property is the offending field name, or "header"/"version" for
	// envelope-level violations.
	Property string
	Reason   string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	if e.Class != "" {
		b.WriteString(e.Class)
		b.WriteByte('#')
	}
	if e.Property != "" {
		b.WriteString(e.Property)
		b.WriteString(": ")
	}
	b.WriteString(e.Reason)
	return b.String()
}

func NewValidationError(class, property, reason string) *ValidationError {
	return &ValidationError{Class: class, Property: property, Reason: reason}
}

// TransportNotConfigured is raised when a publish or subscribe is attempted
// against a message class with no bound transport.
type TransportNotConfigured struct {
	Class string
}

func (e *TransportNotConfigured) Error() string {
	return fmt.Sprintf("smartmessage: %s: no transport configured", e.Class)
}

// SerializerNotConfigured is raised when a publish or decode is attempted
// without a bound serializer.
type SerializerNotConfigured struct {
	Class string
}

func (e *SerializerNotConfigured) Error() string {
	return fmt.Sprintf("smartmessage: %s: no serializer configured", e.Class)
}

// TransportFailure is one transport's contribution to a PublishError.
type TransportFailure struct {
	Transport string
	Err       error
}

func (f TransportFailure) Error() string {
	return fmt.Sprintf("%s: %v", f.Transport, f.Err)
}

// PublishError is raised when every configured transport failed a publish
// attempt (spec §4.11 step 5, §7). At least one TransportFailure is always
// present.
type PublishError struct {
	Class    string
	Failures []TransportFailure
}

func (e *PublishError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	return fmt.Sprintf("smartmessage: %s: publish failed on all transports: %s", e.Class, strings.Join(parts, "; "))
}

// UnknownMessageClass reports an inbound envelope naming a message_class
// with no locally registered schema. No package in this module returns it:
// Dispatcher.Route silently ignores classes that have no subscribers.
type UnknownMessageClass struct {
	Class string
}

func (e *UnknownMessageClass) Error() string {
	return fmt.Sprintf("smartmessage: unknown message class %q", e.Class)
}

// ReceivedMessageNotSubscribed is informational: an inbound class is known
// locally but has no subscribers. The dispatcher treats this as a no-op;
// it is exported so callers that want to log/count it still can.
type ReceivedMessageNotSubscribed struct {
	Class string
}

func (e *ReceivedMessageNotSubscribed) Error() string {
	return fmt.Sprintf("smartmessage: %s: no subscribers", e.Class)
}

// NotImplemented marks an abstract method invoked without an override —
// a programmer error, not a runtime condition callers should handle.
type NotImplemented struct {
	Component string
	Method    string
}

func (e *NotImplemented) Error() string {
	return fmt.Sprintf("smartmessage: %s.%s: not implemented", e.Component, e.Method)
}

// AsValidationError is a convenience wrapper around errors.As.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// AsPublishError is a convenience wrapper around errors.As.
func AsPublishError(err error) (*PublishError, bool) {
	var pe *PublishError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
