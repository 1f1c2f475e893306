package smerr

import (
	"errors"
	"sort"
)

// Code is a stable, API-level error code used by the admin HTTP surface to
// map a Go error onto an HTTP status without a big type switch at every
// call site. Once published, codes are treated as stable identifiers.
type Code string

// CodeMeta carries the HTTP/retry metadata for a Code.
type CodeMeta struct {
	HTTPStatus int
	Retryable  bool
	Kind       string // client|server|dependency
}

const (
	CodeValidation           Code = "validation"
	CodeTransportNotConfig   Code = "transport.not_configured"
	CodeSerializerNotConfig  Code = "serializer.not_configured"
	CodePublishFailed        Code = "publish.failed"
	CodeUnknownMessageClass  Code = "message_class.unknown"
	CodeNotSubscribed        Code = "message_class.not_subscribed"
	CodeCircuitOpen          Code = "circuit_breaker.open"
	CodeDLQEmpty             Code = "dlq.empty"
	CodeDLQCorrupt           Code = "dlq.corrupt_record"
	CodeDDQBackingUnavailable Code = "ddq.backing_unavailable"
	CodeInternal             Code = "internal"
)

var registry = map[Code]CodeMeta{
	CodeValidation:            {HTTPStatus: 400, Retryable: false, Kind: "client"},
	CodeTransportNotConfig:    {HTTPStatus: 500, Retryable: false, Kind: "server"},
	CodeSerializerNotConfig:   {HTTPStatus: 500, Retryable: false, Kind: "server"},
	CodePublishFailed:         {HTTPStatus: 502, Retryable: true, Kind: "dependency"},
	CodeUnknownMessageClass:   {HTTPStatus: 400, Retryable: false, Kind: "client"},
	CodeNotSubscribed:         {HTTPStatus: 200, Retryable: false, Kind: "client"},
	CodeCircuitOpen:           {HTTPStatus: 503, Retryable: true, Kind: "dependency"},
	CodeDLQEmpty:              {HTTPStatus: 204, Retryable: false, Kind: "client"},
	CodeDLQCorrupt:            {HTTPStatus: 200, Retryable: false, Kind: "client"},
	CodeDDQBackingUnavailable: {HTTPStatus: 200, Retryable: true, Kind: "dependency"},
	CodeInternal:              {HTTPStatus: 500, Retryable: true, Kind: "server"},
}

// Meta returns the metadata for code, or the Internal fallback if unknown.
func Meta(code Code) CodeMeta {
	if m, ok := registry[code]; ok {
		return m
	}
	return registry[CodeInternal]
}

// CodeFor classifies a Go error into one of the codes above, falling back
// to CodeInternal. Used by the admin HTTP handlers.
func CodeFor(err error) Code {
	switch {
	case err == nil:
		return CodeInternal
	}
	if _, ok := AsValidationError(err); ok {
		return CodeValidation
	}
	if _, ok := AsPublishError(err); ok {
		return CodePublishFailed
	}
	var tnc *TransportNotConfigured
	if errors.As(err, &tnc) {
		return CodeTransportNotConfig
	}
	var snc *SerializerNotConfigured
	if errors.As(err, &snc) {
		return CodeSerializerNotConfig
	}
	var umc *UnknownMessageClass
	if errors.As(err, &umc) {
		return CodeUnknownMessageClass
	}
	var rmns *ReceivedMessageNotSubscribed
	if errors.As(err, &rmns) {
		return CodeNotSubscribed
	}
	return CodeInternal
}

// List returns all known codes sorted, used by the admin surface to render
// a reference table.
func List() []Code {
	out := make([]Code, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
